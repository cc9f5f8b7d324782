package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kulesh/catsyphon-sub000/internal/event"
	"github.com/kulesh/catsyphon-sub000/internal/notify"
	"github.com/kulesh/catsyphon-sub000/internal/parser"
	"github.com/kulesh/catsyphon-sub000/internal/store"
)

// ErrDuplicateFile is returned by ProcessFile only when the caller explicitly
// disabled duplicate skipping. With skipping enabled (the default), an
// unchanged file is a normal skipped outcome, not an error.
var ErrDuplicateFile = errors.New("duplicate file")

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 50 * time.Millisecond
)

// Notifier fans finished-job events out to interested subscribers.
type Notifier interface {
	Dispatch(ctx context.Context, event notify.Event)
}

type Service struct {
	logger      *log.Logger
	store       store.Store
	registry    *parser.Registry
	notifier    Notifier
	maxAttempts int
	backoffBase time.Duration
}

func New(logger *log.Logger, st store.Store, registry *parser.Registry) *Service {
	if registry == nil {
		registry = parser.Default()
	}
	return &Service{
		logger:      logger,
		store:       st,
		registry:    registry,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
}

// Outcome summarizes one ingestion call. Expected conditions (duplicates,
// nothing new) are statuses here, not errors.
type Outcome struct {
	Status             store.JobStatus
	ConversationID     string
	MessagesAdded      int64
	EventsAccepted     int
	EventsDeduplicated int
	ProcessingTimeMS   int64
}

// ProcessEvents ingests one batch of events for a session. The whole attempt
// body runs again on a transient store conflict, with a fresh ingestion job
// row each time so failed attempts stay visible in the audit trail.
func (s *Service) ProcessEvents(ctx context.Context, events []event.Event, sessionID, workspaceID, sourceType string) (Outcome, error) {
	if len(events) == 0 {
		// A conversation exists from its first event; an empty batch has none
		// and must not touch the store.
		return Outcome{Status: store.JobSkipped}, nil
	}

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := s.backoffBase << attempt
			s.logger.Printf("ingest retry session_id=%s attempt=%d backoff=%s err=%v", sessionID, attempt+1, backoff, lastErr)
			select {
			case <-ctx.Done():
				return Outcome{Status: store.JobFailed}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		outcome, err := s.attemptEvents(ctx, events, sessionID, workspaceID, sourceType)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if !store.IsTransientConflict(err) {
			return outcome, err
		}
	}
	return Outcome{Status: store.JobFailed}, fmt.Errorf("ingest failed after %d attempts: %w", s.maxAttempts, lastErr)
}

func (s *Service) attemptEvents(ctx context.Context, events []event.Event, sessionID, workspaceID, sourceType string) (Outcome, error) {
	started := time.Now()
	metrics := map[string]float64{}

	sortStart := time.Now()
	batch := make([]event.Event, len(events))
	copy(batch, events)
	event.SortByEmittedAt(batch)
	metrics["sort"] = msSince(sortStart)

	key, seed := identityFromBatch(batch, sessionID, workspaceID)

	job, err := s.store.CreateIngestionJob(ctx, store.IngestionJob{SourceType: sourceType})
	if err != nil {
		return Outcome{Status: store.JobFailed}, fmt.Errorf("create ingestion job: %w", err)
	}

	applyStart := time.Now()
	var res batchResult
	txErr := s.store.Transaction(ctx, func(tx store.Store) error {
		var err error
		res, err = applyBatch(ctx, tx, batch, key, seed)
		return err
	})
	metrics["apply"] = msSince(applyStart)

	if txErr != nil {
		s.finishJob(ctx, job.ID, store.JobResult{
			Status:           store.JobFailed,
			ErrorMessage:     txErr.Error(),
			ProcessingTimeMS: int64(msSince(started)),
			Metrics:          metrics,
		})
		return Outcome{Status: store.JobFailed, ProcessingTimeMS: int64(msSince(started))}, txErr
	}

	if res.created || seed.ParentSessionID != "" {
		linkStart := time.Now()
		linked, err := s.store.LinkOrphanedAgents(ctx, workspaceID)
		metrics["link"] = msSince(linkStart)
		if err != nil {
			s.logger.Printf("orphan link sweep failed workspace_id=%s err=%v", workspaceID, err)
		} else if linked > 0 {
			s.logger.Printf("orphan link sweep workspace_id=%s linked=%d", workspaceID, linked)
		}
	}

	outcome := Outcome{
		Status:             outcomeStatus(res.accepted, res.deduplicated),
		ConversationID:     res.conversationID,
		MessagesAdded:      res.messagesAdded,
		EventsAccepted:     res.accepted,
		EventsDeduplicated: res.deduplicated,
		ProcessingTimeMS:   int64(msSince(started)),
	}
	s.finishJob(ctx, job.ID, store.JobResult{
		Status:           outcome.Status,
		ProcessingTimeMS: outcome.ProcessingTimeMS,
		MessagesAdded:    outcome.MessagesAdded,
		Metrics:          metrics,
		ConversationID:   outcome.ConversationID,
	})

	s.logger.Printf("ingest batch session_id=%s conversation_id=%s status=%s accepted=%d deduplicated=%d",
		sessionID, outcome.ConversationID, outcome.Status, outcome.EventsAccepted, outcome.EventsDeduplicated)
	return outcome, nil
}

func outcomeStatus(accepted, deduplicated int) store.JobStatus {
	switch {
	case accepted > 0:
		return store.JobSuccess
	case deduplicated > 0:
		return store.JobDuplicate
	default:
		return store.JobSkipped
	}
}

// LinkOrphans runs the idempotent orphan-linking sweep for a workspace.
func (s *Service) LinkOrphans(ctx context.Context, workspaceID string) (int, error) {
	return s.store.LinkOrphanedAgents(ctx, workspaceID)
}

// SetNotifier installs a dispatcher for finished-job events. Optional; a nil
// notifier means jobs finish silently beyond the audit rows.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) finishJob(ctx context.Context, jobID string, result store.JobResult) {
	if err := s.store.FinishIngestionJob(ctx, jobID, result); err != nil {
		s.logger.Printf("finish ingestion job failed job_id=%s err=%v", jobID, err)
		return
	}
	if s.notifier != nil {
		// Detached from the request context: subscriber retries must outlive
		// an HTTP handler that returns as soon as the outcome is written.
		s.notifier.Dispatch(context.WithoutCancel(ctx), notify.Event{
			JobID:          jobID,
			ConversationID: result.ConversationID,
			Status:         result.Status,
			MessagesAdded:  result.MessagesAdded,
		})
	}
}

type batchResult struct {
	conversationID string
	created        bool
	accepted       int
	deduplicated   int
	messagesAdded  int64
}

// identityFromBatch derives the conversation key and backfillable metadata
// from the earliest session_start event, or defaults when none is present.
func identityFromBatch(batch []event.Event, sessionID, workspaceID string) (store.ConversationKey, store.ConversationSeed) {
	key := store.ConversationKey{
		WorkspaceID:      workspaceID,
		SessionID:        sessionID,
		ConversationType: store.ConversationTypeMain,
	}
	var seed store.ConversationSeed

	for _, evt := range batch {
		if evt.Type != event.TypeSessionStart {
			continue
		}
		var payload event.SessionStartPayload
		if err := evt.DecodePayload(&payload); err != nil {
			continue
		}
		seed = store.ConversationSeed{
			AgentType:        payload.AgentType,
			AgentVersion:     payload.AgentVersion,
			WorkingDirectory: payload.WorkingDirectory,
			GitBranch:        payload.GitBranch,
			Slug:             payload.Slug,
			ParentSessionID:  payload.ParentSessionID,
			StartTime:        evt.EmittedAt,
		}
		if payload.ConversationType != "" {
			key.ConversationType = store.NormalizeConversationType(payload.ConversationType)
		}
		break
	}

	if seed.StartTime.IsZero() && len(batch) > 0 {
		seed.StartTime = batch[0].EmittedAt
	}
	return key, seed
}

// applyBatch is the transactional core shared by ProcessEvents and the
// chunked file path: dedup against stored hashes, append the new messages,
// flush file touches as one batch, and apply the per-batch counter update
// exactly once.
func applyBatch(ctx context.Context, tx store.Store, batch []event.Event, key store.ConversationKey, seed store.ConversationSeed) (batchResult, error) {
	conv, created, err := tx.GetOrCreateConversation(ctx, key, seed)
	if err != nil {
		return batchResult{}, err
	}
	res := batchResult{conversationID: conv.ID, created: created}

	if !created {
		if err := tx.BackfillConversationMetadata(ctx, conv.ID, seed); err != nil {
			return res, err
		}
	}
	if created && conv.IsAgent() && seed.ParentSessionID != "" {
		parent, err := tx.ResolveParent(ctx, key.WorkspaceID, seed.ParentSessionID)
		if err == nil {
			if err := tx.SetParentConversation(ctx, conv.ID, parent.ID); err != nil {
				return res, err
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return res, err
		}
	}

	hashes := make([]string, 0, len(batch))
	for _, evt := range batch {
		hashes = append(hashes, evt.ContentHash)
	}
	existing, err := tx.ExistingHashes(ctx, conv.ID, hashes)
	if err != nil {
		return res, err
	}

	var (
		msgs         []store.NewMessage
		touches      []store.FileTouch
		markers      []store.SessionMarker
		endEvent     *event.Event
		lastActivity time.Time
	)
	seenInBatch := make(map[string]struct{}, len(batch))

	for i := range batch {
		evt := batch[i]
		if _, dup := existing[evt.ContentHash]; dup {
			res.deduplicated++
			continue
		}
		if _, dup := seenInBatch[evt.ContentHash]; dup {
			res.deduplicated++
			continue
		}
		seenInBatch[evt.ContentHash] = struct{}{}
		res.accepted++
		if evt.EmittedAt.After(lastActivity) {
			lastActivity = evt.EmittedAt
		}

		switch evt.Type {
		case event.TypeMessage:
			var payload event.MessagePayload
			if err := evt.DecodePayload(&payload); err != nil {
				return res, fmt.Errorf("decode message payload: %w", err)
			}
			msgs = append(msgs, store.NewMessage{
				Role:           payload.Role,
				Content:        payload.Content,
				ToolCallsJSON:  marshalOrEmpty(payload.ToolCalls),
				CodeChangeJSON: marshalOrEmpty(payload.CodeChanges),
				ContentHash:    evt.ContentHash,
				Timestamp:      evt.EmittedAt,
			})
			touches = append(touches, touchesFromMessage(payload, evt.EmittedAt)...)

		case event.TypeToolCall:
			var payload event.ToolCallPayload
			if err := evt.DecodePayload(&payload); err != nil {
				return res, fmt.Errorf("decode tool call payload: %w", err)
			}
			msgs = append(msgs, store.NewMessage{
				Role:          "tool",
				Content:       payload.Result,
				ToolCallsJSON: marshalOrEmpty([]event.ToolCallDetail{{Name: payload.Name, Parameters: payload.Parameters}}),
				ContentHash:   evt.ContentHash,
				Timestamp:     evt.EmittedAt,
			})
			if path := filePathFromParams(payload.Parameters); path != "" {
				touches = append(touches, store.FileTouch{FilePath: path, Operation: payload.Name, TouchedAt: evt.EmittedAt})
			}

		case event.TypeSessionStart:
			markers = append(markers, store.SessionMarker{
				EventType:   string(evt.Type),
				ContentHash: evt.ContentHash,
				EmittedAt:   evt.EmittedAt,
			})

		case event.TypeSessionEnd:
			endEvent = &batch[i]
			markers = append(markers, store.SessionMarker{
				EventType:   string(evt.Type),
				ContentHash: evt.ContentHash,
				EmittedAt:   evt.EmittedAt,
			})
		}
	}

	// Completed is soft-terminal: late-arriving activity without a new
	// session_end reopens the conversation.
	if conv.Status == store.ConversationCompleted && len(msgs) > 0 && endEvent == nil {
		if err := tx.ReopenConversation(ctx, conv.ID); err != nil {
			return res, err
		}
	}

	// Persist lifecycle hashes alongside the messages so a full replay of the
	// batch deduplicates every event, not just the messages.
	if len(markers) > 0 {
		if err := tx.AddSessionMarkers(ctx, conv.ID, markers); err != nil {
			return res, err
		}
	}

	if len(msgs) > 0 {
		epoch, err := tx.GetOrCreateEpoch(ctx, conv.ID)
		if err != nil {
			return res, err
		}
		added, err := tx.AppendMessages(ctx, conv.ID, epoch.ID, msgs)
		if err != nil {
			return res, err
		}
		res.messagesAdded = int64(len(added))
	}

	var filesAdded int64
	if len(touches) > 0 {
		filesAdded, err = tx.AddFileTouches(ctx, conv.ID, touches)
		if err != nil {
			return res, err
		}
	}

	if endEvent != nil {
		var payload event.SessionEndPayload
		if err := endEvent.DecodePayload(&payload); err != nil {
			return res, fmt.Errorf("decode session end payload: %w", err)
		}
		if err := tx.CompleteConversation(ctx, conv.ID, endEvent.EmittedAt, payload.Success); err != nil {
			return res, err
		}
	}

	if res.accepted > 0 {
		if lastActivity.IsZero() {
			lastActivity = time.Now().UTC()
		}
		lastSeq := conv.LastEventSequence + int64(res.accepted)
		if err := tx.BumpConversation(ctx, conv.ID, res.messagesAdded, filesAdded, lastSeq, lastActivity); err != nil {
			return res, err
		}
	}

	return res, nil
}

func touchesFromMessage(payload event.MessagePayload, at time.Time) []store.FileTouch {
	var out []store.FileTouch
	for _, change := range payload.CodeChanges {
		if change.FilePath == "" {
			continue
		}
		out = append(out, store.FileTouch{FilePath: change.FilePath, Operation: change.Operation, TouchedAt: at})
	}
	for _, call := range payload.ToolCalls {
		if path := filePathFromParams(call.Parameters); path != "" {
			out = append(out, store.FileTouch{FilePath: path, Operation: call.Name, TouchedAt: at})
		}
	}
	return out
}

func filePathFromParams(params map[string]any) string {
	for _, k := range []string{"file_path", "path", "notebook_path"} {
		if v, ok := params[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func marshalOrEmpty(v any) string {
	switch val := v.(type) {
	case []event.ToolCallDetail:
		if len(val) == 0 {
			return ""
		}
	case []event.CodeChange:
		if len(val) == 0 {
			return ""
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
