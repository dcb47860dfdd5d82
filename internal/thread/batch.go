// Package thread coordinates per-conversation concurrency: the thread
// registry with its single-writer guarantee, the message batcher that groups
// rapid-fire messages into one turn, and the generation tracker that enforces
// at most one active generation per thread.
package thread

import "time"

// Key identifies one conversation thread. In direct chats ChatID and UserID
// coincide; TopicID distinguishes forum topics and is 0 elsewhere.
type Key struct {
	ChatID  int64
	UserID  int64
	TopicID int64
}

// MediaKind classifies an attachment on an inbound message.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaVideo     MediaKind = "video"
	MediaVideoNote MediaKind = "video_note"
)

// Transcribable reports whether the attachment routes through speech-to-text
// rather than a provider file upload.
func (k MediaKind) Transcribable() bool {
	switch k {
	case MediaAudio, MediaVoice, MediaVideo, MediaVideoNote:
		return true
	}
	return false
}

// Attachment is one media item on an inbound message.
type Attachment struct {
	// PlatformFileID is the platform's download handle and cache key.
	PlatformFileID string
	Kind           MediaKind
	MIME           string
	Filename       string
	SizeBytes      int64
	// Duration is the media duration for transcribable kinds, used for
	// billing.
	Duration time.Duration
}

// Inbound is one user message as it enters the pipeline. Command messages
// never become Inbound values — the command router handles them before
// batching.
type Inbound struct {
	Key Key
	// PlatformMessageID is the message's ID in the chat.
	PlatformMessageID int64
	// Username and FirstName carry the sender's identity for the user upsert.
	Username    string
	FirstName   string
	Text        string
	Attachments []Attachment
	// ReplyToID is the platform ID of the quoted message, 0 when none.
	ReplyToID int64
	At        time.Time
}

// HasMedia reports whether the message carries any attachment. Media closes
// the batch window immediately.
func (m *Inbound) HasMedia() bool { return len(m.Attachments) > 0 }

// Batch is a frozen group of messages forming one conversational turn.
type Batch struct {
	Key      Key
	Messages []Inbound
}
