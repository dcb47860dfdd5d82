// Package ingest turns a frozen message batch into provider-ready user turns:
// attachment bytes are fetched (through the byte cache), transcribable media
// goes through speech-to-text, and images and documents are uploaded to the
// provider's file store with upload reuse across messages.
//
// Ingestion never fails a turn over one bad attachment. A download, upload,
// or transcription failure becomes a visible annotation in the turn text and
// is not retried; the model sees what happened and the user's words still go
// through.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openquill/quill/internal/cache"
	"github.com/openquill/quill/internal/prompt"
	"github.com/openquill/quill/internal/store"
	"github.com/openquill/quill/internal/thread"
	"github.com/openquill/quill/pkg/provider/llm"
	"github.com/openquill/quill/pkg/provider/stt"
)

// Downloader fetches attachment bytes from the chat platform.
type Downloader interface {
	Download(ctx context.Context, platformFileID string) ([]byte, error)
}

// Uploader pushes bytes to the LLM provider's file store. Satisfied by the
// anthropic provider.
type Uploader interface {
	UploadFile(ctx context.Context, filename, mime string, data []byte) (string, error)
}

// fileStore is the slice of the files repository ingestion needs.
type fileStore interface {
	Insert(ctx context.Context, f *store.UserFile) error
	ByPlatformFileID(ctx context.Context, platformFileID string) (*store.UserFile, error)
}

// Transcription records one completed speech-to-text call for billing.
type Transcription struct {
	PlatformFileID string
	Duration       time.Duration
}

// Result is the ingested batch: one prompt turn per inbound message, plus the
// transcription work performed while building them.
type Result struct {
	Turns          []prompt.Turn
	Transcriptions []Transcription
}

// Ingestor resolves a batch's attachments. Safe for concurrent use.
type Ingestor struct {
	downloader Downloader
	uploader   Uploader
	stt        stt.Provider
	cache      *cache.Cache
	files      fileStore
	logger     *slog.Logger
}

// New creates an Ingestor. stt may be nil when no transcription backend is
// configured; transcribable attachments then annotate instead.
func New(downloader Downloader, uploader Uploader, sttProvider stt.Provider, byteCache *cache.Cache, files fileStore, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		downloader: downloader,
		uploader:   uploader,
		stt:        sttProvider,
		cache:      byteCache,
		files:      files,
		logger:     logger,
	}
}

// Process resolves every attachment in the batch and returns the turns in
// message order. Only ctx cancellation aborts the whole batch; per-attachment
// failures degrade to annotations.
func (in *Ingestor) Process(ctx context.Context, userID int64, batch thread.Batch) (*Result, error) {
	res := &Result{Turns: make([]prompt.Turn, 0, len(batch.Messages))}

	for _, msg := range batch.Messages {
		turn := prompt.Turn{Text: msg.Text}

		for _, att := range msg.Attachments {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if att.Kind.Transcribable() {
				in.transcribe(ctx, att, &turn, res)
				continue
			}
			in.attachFile(ctx, userID, att, &turn)
		}

		res.Turns = append(res.Turns, turn)
	}
	return res, nil
}

// transcribe runs one transcribable attachment through speech-to-text and
// appends the transcript to the turn text.
func (in *Ingestor) transcribe(ctx context.Context, att thread.Attachment, turn *prompt.Turn, res *Result) {
	if in.stt == nil {
		appendAnnotation(turn, fmt.Sprintf("[%s attachment not transcribed: no transcription backend configured]", att.Kind))
		return
	}

	data, err := in.fetchBytes(ctx, att)
	if err != nil {
		in.logger.Warn("attachment download failed",
			"file_id", att.PlatformFileID, "kind", att.Kind, "error", err)
		appendAnnotation(turn, fmt.Sprintf("[%s attachment could not be downloaded]", att.Kind))
		return
	}

	out, err := in.stt.Transcribe(ctx, stt.Request{
		Filename:        att.Filename,
		MIME:            att.MIME,
		Data:            data,
		DurationSeconds: att.Duration.Seconds(),
	})
	if err != nil {
		in.logger.Warn("transcription failed",
			"file_id", att.PlatformFileID, "kind", att.Kind, "error", err)
		appendAnnotation(turn, fmt.Sprintf("[%s attachment could not be transcribed]", att.Kind))
		return
	}

	appendAnnotation(turn, "[transcript] "+strings.TrimSpace(out.Text))

	dur := att.Duration
	if dur == 0 && out.DurationSeconds > 0 {
		dur = time.Duration(out.DurationSeconds * float64(time.Second))
	}
	res.Transcriptions = append(res.Transcriptions, Transcription{
		PlatformFileID: att.PlatformFileID,
		Duration:       dur,
	})
}

// providerFileTTL is how long an uploaded file is assumed to stay live on the
// provider side. A record past this horizon is re-uploaded instead of reused.
const providerFileTTL = 48 * time.Hour

// attachFile resolves an image or document to a provider file reference,
// reusing an earlier upload of the same platform file when one is still live.
func (in *Ingestor) attachFile(ctx context.Context, userID int64, att thread.Attachment, turn *prompt.Turn) {
	if existing, err := in.files.ByPlatformFileID(ctx, att.PlatformFileID); err == nil && !fileExpired(existing) {
		turn.Files = append(turn.Files, llm.FilePart{
			FileID: existing.ProviderFileID,
			Kind:   partKind(att),
		})
		return
	}

	data, err := in.fetchBytes(ctx, att)
	if err != nil {
		in.logger.Warn("attachment download failed",
			"file_id", att.PlatformFileID, "kind", att.Kind, "error", err)
		appendAnnotation(turn, fmt.Sprintf("[attachment %s could not be downloaded]", attachmentLabel(att)))
		return
	}

	providerID, err := in.uploader.UploadFile(ctx, uploadName(att), att.MIME, data)
	if err != nil {
		in.logger.Warn("provider file upload failed",
			"file_id", att.PlatformFileID, "kind", att.Kind, "error", err)
		appendAnnotation(turn, fmt.Sprintf("[attachment %s could not be processed]", attachmentLabel(att)))
		return
	}

	record := &store.UserFile{
		ID:             uuid.NewString(),
		UserID:         userID,
		PlatformFileID: att.PlatformFileID,
		ProviderFileID: providerID,
		Kind:           storeKind(att),
		MIME:           att.MIME,
		SizeBytes:      int64(len(data)),
		ExpiresAt:      time.Now().Add(providerFileTTL),
	}
	if err := in.files.Insert(ctx, record); err != nil {
		// The upload succeeded; losing the record only costs a re-upload
		// next time.
		in.logger.Warn("file record insert failed",
			"file_id", att.PlatformFileID, "error", err)
	}

	turn.Files = append(turn.Files, llm.FilePart{
		FileID: providerID,
		Kind:   partKind(att),
	})
}

// fetchBytes reads the attachment through the byte cache, filling it on a
// miss. Cache write failures never fail the fetch.
func (in *Ingestor) fetchBytes(ctx context.Context, att thread.Attachment) ([]byte, error) {
	if data, err := in.cache.GetFileBytes(ctx, att.PlatformFileID); err == nil && data != nil {
		return data, nil
	} else if err != nil {
		in.logger.Debug("byte cache read failed", "file_id", att.PlatformFileID, "error", err)
	}

	data, err := in.downloader.Download(ctx, att.PlatformFileID)
	if err != nil {
		return nil, err
	}
	if err := in.cache.PutFileBytes(ctx, att.PlatformFileID, data); err != nil && err != cache.ErrTooLarge {
		in.logger.Debug("byte cache write failed", "file_id", att.PlatformFileID, "error", err)
	}
	return data, nil
}

// fileExpired reports whether the provider-side copy of a recorded upload has
// lapsed. A zero ExpiresAt means no recorded expiry.
func fileExpired(f *store.UserFile) bool {
	return !f.ExpiresAt.IsZero() && time.Now().After(f.ExpiresAt)
}

func appendAnnotation(turn *prompt.Turn, note string) {
	if turn.Text != "" {
		turn.Text += "\n\n"
	}
	turn.Text += note
}

func uploadName(att thread.Attachment) string {
	if att.Filename != "" {
		return att.Filename
	}
	return att.PlatformFileID
}

func attachmentLabel(att thread.Attachment) string {
	if att.Filename != "" {
		return att.Filename
	}
	return string(att.Kind)
}

// partKind picks the provider content-block encoding: images render as image
// blocks, everything else as documents.
func partKind(att thread.Attachment) llm.FileKind {
	if att.Kind == thread.MediaPhoto || strings.HasPrefix(att.MIME, "image/") {
		return llm.FileKindImage
	}
	return llm.FileKindDocument
}

func storeKind(att thread.Attachment) store.FileKind {
	switch {
	case att.Kind == thread.MediaPhoto, strings.HasPrefix(att.MIME, "image/"):
		return store.FileImage
	case att.Kind == thread.MediaAudio, att.Kind == thread.MediaVoice:
		return store.FileAudio
	case att.Kind == thread.MediaVideo, att.Kind == thread.MediaVideoNote:
		return store.FileVideo
	}
	return store.FileDocument
}
