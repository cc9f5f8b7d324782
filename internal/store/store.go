package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Store owns conversation, message, file-touch, raw-log and ingestion-job
// persistence. All coordination between concurrent ingestion attempts happens
// through the underlying database's transaction and locking primitives; the
// implementation holds no cross-call mutable state.
type Store interface {
	// Transaction runs fn against a Store bound to one database transaction.
	// The transaction commits when fn returns nil and rolls back otherwise.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	GetOrCreateConversation(ctx context.Context, key ConversationKey, seed ConversationSeed) (Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	FindConversation(ctx context.Context, key ConversationKey) (Conversation, error)
	ListConversations(ctx context.Context, workspaceID string) ([]Conversation, error)
	// BackfillConversationMetadata fills unset metadata fields only; populated
	// fields are never overwritten, which makes session_start replays harmless.
	BackfillConversationMetadata(ctx context.Context, id string, seed ConversationSeed) error
	CompleteConversation(ctx context.Context, id string, endTime time.Time, success *bool) error
	ReopenConversation(ctx context.Context, id string) error
	// BumpConversation applies the per-batch denormalized counter update as
	// atomic increments inside the current transaction.
	BumpConversation(ctx context.Context, id string, messagesAdded, filesAdded int64, lastEventSequence int64, lastActivity time.Time) error
	// ResetConversation clears messages, epochs, file touches and counters for
	// a replace re-ingestion, removing child conversations as well.
	ResetConversation(ctx context.Context, id string) error

	// ExistingHashes returns the subset of candidate hashes already present
	// for the conversation, across messages and session markers. Queries are
	// sized by the batch, not by history.
	ExistingHashes(ctx context.Context, conversationID string, hashes []string) (map[string]struct{}, error)
	// AddSessionMarkers persists the hashes of applied lifecycle events so
	// ExistingHashes covers the whole batch, not just messages. Rows already
	// present are left in place.
	AddSessionMarkers(ctx context.Context, conversationID string, markers []SessionMarker) error

	GetOrCreateEpoch(ctx context.Context, conversationID string) (Epoch, error)
	AppendMessages(ctx context.Context, conversationID, epochID string, msgs []NewMessage) ([]Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	AddFileTouches(ctx context.Context, conversationID string, touches []FileTouch) (int64, error)
	ListFileTouches(ctx context.Context, conversationID string) ([]FileTouched, error)

	GetRawLog(ctx context.Context, conversationID, filePath string) (RawLog, error)
	UpsertRawLog(ctx context.Context, conversationID, filePath string, state RawLogState) (RawLog, error)

	CreateIngestionJob(ctx context.Context, job IngestionJob) (IngestionJob, error)
	FinishIngestionJob(ctx context.Context, id string, result JobResult) error
	ListJobsByConversation(ctx context.Context, conversationID string) ([]IngestionJob, error)

	// ResolveParent looks up the MAIN conversation for a parent session id,
	// comparing conversation types case-insensitively.
	ResolveParent(ctx context.Context, workspaceID, parentSessionID string) (Conversation, error)
	SetParentConversation(ctx context.Context, childID, parentID string) error
	// LinkOrphanedAgents re-resolves every agent conversation without a parent
	// link in the workspace. Idempotent; returns the number newly linked.
	LinkOrphanedAgents(ctx context.Context, workspaceID string) (int, error)

	Close() error
}
