package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ThreadKey identifies one conversation thread. In direct chats ChatID and
// UserID coincide; in forum groups TopicID distinguishes topics, 0 elsewhere.
type ThreadKey struct {
	ChatID  int64
	UserID  int64
	TopicID int64
}

// User is one account known to the bot.
type User struct {
	ID        int64
	Username  string
	FirstName string
	// Model is the user's selected model ID; empty means the configured
	// default.
	Model string
	// Balance is the prepaid balance in USD. May go negative: a generation
	// already in flight when the balance runs out is still charged in full.
	Balance   decimal.Decimal
	CreatedAt time.Time
}

// Chat is a Telegram chat the bot participates in.
type Chat struct {
	ID    int64
	Type  string
	Title string
}

// Thread is one conversation context, keyed by (chat, user, topic).
type Thread struct {
	ID    int64
	Key   ThreadKey
	Title string
	// SummaryAfterMessageID marks the compaction boundary: conversation
	// builds include only messages with ID greater than this, prefixed by
	// Summary. Zero means no compaction has happened.
	SummaryAfterMessageID int64
	Summary               string
	CreatedAt             time.Time
}

// MessageRole is the conversational role of a stored message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one persisted conversation turn. Parts and Thinking are stored
// as JSONB in the provider wire shape so the conversation can be rebuilt
// without re-encoding.
type Message struct {
	ID       int64
	ThreadID int64
	Role     MessageRole
	// Parts is the JSON-encoded content block list (text, file references,
	// tool_use, tool_result).
	Parts json.RawMessage
	// Thinking is the JSON-encoded thinking block list with signatures,
	// re-emitted verbatim on the next turn. Null for user messages.
	Thinking json.RawMessage
	// PlatformMessageIDs are the Telegram message IDs this turn was
	// rendered as, used to resolve edits and replies.
	PlatformMessageIDs []int64
	// Interrupted marks an assistant turn cut off by cancellation.
	Interrupted bool
	CreatedAt   time.Time
}

// FileKind classifies a stored user file.
type FileKind string

const (
	FileImage    FileKind = "image"
	FileDocument FileKind = "document"
	FileAudio    FileKind = "audio"
	FileVideo    FileKind = "video"
)

// UserFile maps a platform attachment to its uploaded provider file.
type UserFile struct {
	ID             string
	UserID         int64
	PlatformFileID string
	ProviderFileID string
	Kind           FileKind
	MIME           string
	SizeBytes      int64
	// ExpiresAt is when the provider-side copy lapses; after this the file
	// must be re-uploaded before use.
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ToolCall is one executed tool invocation, persisted for audit and cost
// reporting.
type ToolCall struct {
	// ID is the provider tool_use id pairing the call with its result.
	ID        string
	ThreadID  int64
	MessageID int64
	Name      string
	Input     json.RawMessage
	Result    string
	IsError   bool
	Cost      decimal.Decimal
	Duration  time.Duration
	CreatedAt time.Time
}

// OperationKind classifies a balance operation.
type OperationKind string

const (
	OpTokenDebit OperationKind = "token_debit"
	OpToolDebit  OperationKind = "tool_debit"
	OpTopUp      OperationKind = "topup"
	OpRefund     OperationKind = "refund"
	OpAdjustment OperationKind = "adjustment"
)

// BalanceOperation is one signed ledger entry against a user's balance.
// Debits carry a negative Amount.
type BalanceOperation struct {
	ID     int64
	UserID int64
	Kind   OperationKind
	Amount decimal.Decimal
	// IdempotencyKey makes retried charges no-ops; unique per logical
	// charge (e.g. one generation's token bill).
	IdempotencyKey string
	Meta           json.RawMessage
	CreatedAt      time.Time
}

// Payment records a successful platform checkout.
type Payment struct {
	ID               int64
	UserID           int64
	ProviderChargeID string
	Amount           decimal.Decimal
	Currency         string
	CreatedAt        time.Time
}
