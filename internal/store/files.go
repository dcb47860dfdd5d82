package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// FilesRepo persists the mapping from platform attachments to uploaded
// provider files.
type FilesRepo struct {
	db querier
}

// Insert stores a newly uploaded file record.
func (r *FilesRepo) Insert(ctx context.Context, f *UserFile) error {
	const q = `
		INSERT INTO user_files
		    (id, user_id, platform_file_id, provider_file_id, kind, mime, size_bytes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	var expires any
	if !f.ExpiresAt.IsZero() {
		expires = f.ExpiresAt
	}
	_, err := r.db.Exec(ctx, q,
		f.ID, f.UserID, f.PlatformFileID, f.ProviderFileID,
		string(f.Kind), f.MIME, f.SizeBytes, expires,
	)
	if err != nil {
		return fmt.Errorf("files: insert: %w", err)
	}
	return nil
}

// ByPlatformFileID returns the newest non-expired record for the given
// platform file, or [ErrNotFound]. A hit means the provider-side upload can
// be reused instead of re-downloading and re-uploading the attachment.
func (r *FilesRepo) ByPlatformFileID(ctx context.Context, platformFileID string) (*UserFile, error) {
	const q = `
		SELECT id, user_id, platform_file_id, provider_file_id, kind, mime,
		       size_bytes, expires_at, created_at
		FROM   user_files
		WHERE  platform_file_id = $1
		  AND  (expires_at IS NULL OR expires_at > now())
		ORDER  BY created_at DESC
		LIMIT  1`

	f, err := scanFile(r.db.QueryRow(ctx, q, platformFileID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// ByProviderFileID returns the newest non-expired record for the given
// provider file, or [ErrNotFound]. Tool calls reference files by this id.
func (r *FilesRepo) ByProviderFileID(ctx context.Context, providerFileID string) (*UserFile, error) {
	const q = `
		SELECT id, user_id, platform_file_id, provider_file_id, kind, mime,
		       size_bytes, expires_at, created_at
		FROM   user_files
		WHERE  provider_file_id = $1
		  AND  (expires_at IS NULL OR expires_at > now())
		ORDER  BY created_at DESC
		LIMIT  1`

	f, err := scanFile(r.db.QueryRow(ctx, q, providerFileID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// ListByUser returns the user's non-expired file records, newest first. The
// list feeds the files-context system block.
func (r *FilesRepo) ListByUser(ctx context.Context, userID int64) ([]UserFile, error) {
	const q = `
		SELECT id, user_id, platform_file_id, provider_file_id, kind, mime,
		       size_bytes, expires_at, created_at
		FROM   user_files
		WHERE  user_id = $1
		  AND  (expires_at IS NULL OR expires_at > now())
		ORDER  BY created_at DESC`

	rows, err := r.db.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("files: list by user: %w", err)
	}
	defer rows.Close()

	var out []UserFile
	for rows.Next() {
		var (
			f       UserFile
			kind    string
			expires *time.Time
		)
		err := rows.Scan(&f.ID, &f.UserID, &f.PlatformFileID, &f.ProviderFileID,
			&kind, &f.MIME, &f.SizeBytes, &expires, &f.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("files: scan: %w", err)
		}
		f.Kind = FileKind(kind)
		if expires != nil {
			f.ExpiresAt = *expires
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("files: rows: %w", err)
	}
	return out, nil
}

// PurgeExpired deletes records whose provider copy has lapsed. Returns the
// number of rows removed.
func (r *FilesRepo) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM user_files WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("files: purge expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanFile(row pgx.Row) (*UserFile, error) {
	var (
		f       UserFile
		kind    string
		expires *time.Time
	)
	err := row.Scan(&f.ID, &f.UserID, &f.PlatformFileID, &f.ProviderFileID,
		&kind, &f.MIME, &f.SizeBytes, &expires, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("files: scan: %w", err)
	}
	f.Kind = FileKind(kind)
	if expires != nil {
		f.ExpiresAt = *expires
	}
	return &f, nil
}
