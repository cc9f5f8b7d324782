package store

import (
	"strings"
	"time"
)

type ConversationStatus string

const (
	ConversationOpen      ConversationStatus = "open"
	ConversationCompleted ConversationStatus = "completed"
)

// ConversationTypeMain is the canonical type for top-level conversations.
// Agent sub-conversations carry any other type (e.g. "agent", "subagent").
const ConversationTypeMain = "main"

// NormalizeConversationType is the single canonicalization point for
// conversation types. Parsers emit lower-case, older stored rows may be
// upper-case; every comparison goes through here.
func NormalizeConversationType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// ConversationKey identifies a conversation. Type is part of the identity:
// an agent sub-conversation may share its parent's session id.
type ConversationKey struct {
	WorkspaceID      string
	SessionID        string
	ConversationType string
}

// Conversation is the persisted aggregate for one AI coding session or
// sub-session.
type Conversation struct {
	ID                   string
	WorkspaceID          string
	SessionID            string
	ConversationType     string
	AgentType            string
	AgentVersion         string
	WorkingDirectory     string
	GitBranch            string
	Slug                 string
	StartTime            time.Time
	EndTime              *time.Time
	Status               ConversationStatus
	Success              *bool
	MessageCount         int64
	FilesCount           int64
	LastEventSequence    int64
	LastActivity         time.Time
	ParentConversationID *string
	ParentSessionID      string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsAgent reports whether this conversation is a child/sub-context type.
func (c Conversation) IsAgent() bool {
	t := NormalizeConversationType(c.ConversationType)
	return t != "" && t != ConversationTypeMain
}

// ConversationSeed carries the metadata a session_start event (or parse
// metadata) can contribute. Backfill only: populated fields on an existing
// conversation are never overwritten.
type ConversationSeed struct {
	AgentType        string
	AgentVersion     string
	WorkingDirectory string
	GitBranch        string
	Slug             string
	ParentSessionID  string
	StartTime        time.Time
}

// Epoch is a coarse grouping of messages, currently one per conversation.
type Epoch struct {
	ID             string
	ConversationID string
	Number         int
	CreatedAt      time.Time
}

type Message struct {
	ID             string
	ConversationID string
	EpochID        string
	Sequence       int64
	Role           string
	Content        string
	ToolCallsJSON  string
	CodeChangeJSON string
	ContentHash    string
	Timestamp      time.Time
	CreatedAt      time.Time
}

// NewMessage is the insert shape for AppendMessages; sequence assignment and
// ids belong to the store.
type NewMessage struct {
	Role           string
	Content        string
	ToolCallsJSON  string
	CodeChangeJSON string
	ContentHash    string
	Timestamp      time.Time
}

// SessionMarker records the content hash of an applied lifecycle event
// (session_start, session_end). Messages carry their hash on the row itself;
// markers cover the rest of a batch so full replays deduplicate to nothing.
type SessionMarker struct {
	EventType   string
	ContentHash string
	EmittedAt   time.Time
}

type FileTouch struct {
	FilePath  string
	Operation string
	TouchedAt time.Time
}

type FileTouched struct {
	ID             string
	ConversationID string
	FilePath       string
	Operation      string
	TouchedAt      time.Time
	CreatedAt      time.Time
}

// RawLog is the parse-state checkpoint for one source file. One row per
// (conversation, file path), updated in place across passes.
type RawLog struct {
	ID                   string
	ConversationID       string
	FilePath             string
	LastProcessedOffset  int64
	LastProcessedLine    int64
	FileSizeBytes        int64
	PartialHash          string
	LastMessageTimestamp *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RawLogState is the checkpoint written after a pass.
type RawLogState struct {
	Offset               int64
	Line                 int64
	FileSizeBytes        int64
	PartialHash          string
	LastMessageTimestamp *time.Time
}

type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobSuccess    JobStatus = "success"
	JobDuplicate  JobStatus = "duplicate"
	JobSkipped    JobStatus = "skipped"
	JobFailed     JobStatus = "failed"
)

// IngestionJob is the audit row for one ingestion attempt. A retried attempt
// creates a new row so failed attempts stay visible; transitions only run
// forward from processing.
type IngestionJob struct {
	ID               string
	SourceType       string
	SourceConfigID   string
	FilePath         string
	ConversationID   string
	RawLogID         string
	Status           JobStatus
	ErrorMessage     string
	ProcessingTimeMS int64
	Incremental      bool
	MessagesAdded    int64
	Metrics          map[string]float64
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// JobResult carries the terminal fields written when a job finishes.
type JobResult struct {
	Status           JobStatus
	ErrorMessage     string
	ProcessingTimeMS int64
	MessagesAdded    int64
	Metrics          map[string]float64
	ConversationID   string
	RawLogID         string
}
