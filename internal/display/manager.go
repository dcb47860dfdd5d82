package display

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"
)

// Sender is the minimal platform surface the manager needs. Implemented by
// the telegram adapter; mocked in tests.
type Sender interface {
	// SendMessage posts a new HTML-formatted message to the chat (and topic
	// when topicID is non-zero) and returns the platform message ID.
	SendMessage(ctx context.Context, chatID, topicID int64, htmlText string) (int64, error)

	// EditMessage replaces the content of a previously sent message.
	EditMessage(ctx context.Context, chatID, messageID int64, htmlText string) error
}

// Config bounds the manager's edit throttle and message length.
type Config struct {
	// EditInterval is the minimum time between non-final edits. ~1s.
	EditInterval time.Duration

	// EditMinChars is the minimum accumulated new characters before a
	// non-final edit is worth sending. Range 80–200.
	EditMinChars int

	// MaxMessageLength is the platform per-message character cap.
	MaxMessageLength int
}

// Manager owns the user-visible rendering of one Display: it batches stream
// deltas, enforces the edit throttle, splits overlong content across
// messages, and folds thinking into an expandable region.
//
// An edit is sent when either the interval has elapsed or enough new
// characters accumulated since the last flush, whichever occurs first.
// Commit flushes unconditionally. Not safe for concurrent use.
type Manager struct {
	disp    Display
	sender  Sender
	cfg     Config
	chatID  int64
	topicID int64

	// sent tracks the platform messages rendered so far, parallel to the
	// rendered chunk list. lastSent holds the HTML last written to each, so
	// unchanged chunks are not re-edited.
	sent     []int64
	lastSent []string

	dirty     int
	lastFlush time.Time

	now func() time.Time
}

// NewManager creates a Manager for one generation in one chat.
func NewManager(sender Sender, chatID, topicID int64, cfg Config) *Manager {
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = time.Second
	}
	if cfg.EditMinChars <= 0 {
		cfg.EditMinChars = 120
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4096
	}
	return &Manager{
		sender:  sender,
		cfg:     cfg,
		chatID:  chatID,
		topicID: topicID,
		now:     time.Now,
	}
}

// Append adds streamed text of the given kind and sends a throttled edit when
// due. Errors from the platform are returned but the accumulated state is
// kept, so a later flush retries the content.
func (m *Manager) Append(ctx context.Context, kind BlockKind, text string) error {
	if text == "" {
		return nil
	}
	m.disp.Append(kind, text)
	m.dirty += len(text)

	if m.dirty < m.cfg.EditMinChars && m.now().Sub(m.lastFlush) < m.cfg.EditInterval {
		return nil
	}
	return m.flush(ctx)
}

// Commit flushes all pending content unconditionally. Always called at
// stream end, before a mid-stream file delivery, and on cancellation.
func (m *Manager) Commit(ctx context.Context) error {
	if !m.disp.HasContent() {
		return nil
	}
	return m.flush(ctx)
}

// AppendMarker appends prose and commits immediately. Used for terminal
// markers such as the interruption notice.
func (m *Manager) AppendMarker(ctx context.Context, text string) error {
	m.disp.Append(KindText, text)
	return m.flush(ctx)
}

// Clear resets the manager for the next response segment: the display
// empties and subsequent content goes to fresh messages. Already-sent
// messages are left as they are.
func (m *Manager) Clear() {
	m.disp.Clear()
	m.sent = nil
	m.lastSent = nil
	m.dirty = 0
}

// Snapshot captures the current block sequence so a failed provider call can
// be rewound before its retry.
func (m *Manager) Snapshot() []Block { return m.disp.Blocks() }

// Restore rewinds the display content to a snapshot. The messages already
// sent to the platform are kept; content appended after the restore re-edits
// them in place rather than duplicating below.
func (m *Manager) Restore(blocks []Block) {
	m.disp.Restore(blocks)
	m.dirty = 0
}

// HasTextContent reports whether the current display holds prose.
func (m *Manager) HasTextContent() bool { return m.disp.HasTextContent() }

// FinalText returns the prose content of the current display.
func (m *Manager) FinalText() string { return m.disp.FinalText() }

// MessageIDs returns the platform message IDs rendered so far.
func (m *Manager) MessageIDs() []int64 {
	out := make([]int64, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *Manager) flush(ctx context.Context) error {
	chunks := renderChunks(m.disp.Blocks(), m.cfg.MaxMessageLength)
	if len(chunks) == 0 {
		return nil
	}

	for i, chunk := range chunks {
		if i < len(m.sent) {
			if m.lastSent[i] == chunk {
				continue
			}
			if err := m.sender.EditMessage(ctx, m.chatID, m.sent[i], chunk); err != nil {
				return fmt.Errorf("display: edit message %d: %w", m.sent[i], err)
			}
			m.lastSent[i] = chunk
			continue
		}
		id, err := m.sender.SendMessage(ctx, m.chatID, m.topicID, chunk)
		if err != nil {
			return fmt.Errorf("display: send message: %w", err)
		}
		m.sent = append(m.sent, id)
		m.lastSent = append(m.lastSent, chunk)
	}

	m.dirty = 0
	m.lastFlush = m.now()
	return nil
}

const (
	quoteOpen  = "<blockquote expandable>"
	quoteClose = "</blockquote>"
)

// renderChunks produces the HTML message chunks for the block sequence, each
// at most max characters. Blocks are escaped and split individually so a
// break never lands inside a tag; thinking is folded into expandable quotes.
func renderChunks(blocks []Block, max int) []string {
	var chunks []string
	cur := ""

	push := func(piece string) {
		switch {
		case piece == "":
		case cur == "":
			cur = piece
		case len(cur)+2+len(piece) <= max:
			cur += "\n\n" + piece
		default:
			chunks = append(chunks, cur)
			cur = piece
		}
	}

	for _, b := range blocks {
		text := strings.TrimSpace(b.Text)
		if text == "" {
			continue
		}
		budget := max
		if b.Kind == KindThinking {
			budget -= len(quoteOpen) + len(quoteClose)
		}
		for _, piece := range Split(html.EscapeString(text), budget) {
			if b.Kind == KindThinking {
				piece = quoteOpen + piece + quoteClose
			}
			push(piece)
		}
	}
	if cur != "" {
		chunks = append(chunks, cur)
	}
	return chunks
}
