package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kulesh/catsyphon-sub000/internal/event"
	"github.com/kulesh/catsyphon-sub000/internal/filestate"
	"github.com/kulesh/catsyphon-sub000/internal/parser"
	"github.com/kulesh/catsyphon-sub000/internal/store"
)

// FileOptions adjusts ProcessFile behavior.
type FileOptions struct {
	// FailOnDuplicate turns an unchanged file into ErrDuplicateFile instead
	// of a quiet skipped outcome.
	FailOnDuplicate bool
	// ChunkLimit caps messages parsed per pass; <= 0 uses the parser default.
	ChunkLimit int
}

// ProcessFile ingests one on-disk log file: metadata probe, change detection
// against the stored checkpoint, then chunked parsing with one transaction per
// chunk. Parse and format problems finish as failed jobs rather than errors;
// only store failures propagate.
func (s *Service) ProcessFile(ctx context.Context, path, workspaceID, sourceType string, opts FileOptions) (Outcome, error) {
	started := time.Now()
	metrics := map[string]float64{}

	p, ok := s.registry.Resolve(path)
	if !ok {
		return s.failFile(ctx, path, sourceType, started, metrics, false, fmt.Errorf("%w: %s", parser.ErrUnrecognized, path)), nil
	}
	meta, err := p.ParseMetadata(path)
	if err != nil {
		return s.failFile(ctx, path, sourceType, started, metrics, false, fmt.Errorf("parse metadata: %w", err)), nil
	}
	if meta.SessionID == "" {
		return s.failFile(ctx, path, sourceType, started, metrics, false, fmt.Errorf("no session id in %s", path)), nil
	}

	key := store.ConversationKey{
		WorkspaceID:      workspaceID,
		SessionID:        meta.SessionID,
		ConversationType: store.NormalizeConversationType(meta.ConversationType),
	}
	if key.ConversationType == "" {
		key.ConversationType = store.ConversationTypeMain
	}
	seed := store.ConversationSeed{
		AgentType:        meta.AgentType,
		AgentVersion:     meta.AgentVersion,
		WorkingDirectory: meta.WorkingDirectory,
		GitBranch:        meta.GitBranch,
		Slug:             meta.Slug,
		ParentSessionID:  meta.ParentSessionID,
	}

	detectStart := time.Now()
	startOffset, startLine, incremental, dup, rawID, detectErr := s.resumePoint(ctx, path, key)
	metrics["detect"] = msSince(detectStart)
	if detectErr != nil {
		return Outcome{Status: store.JobFailed}, detectErr
	}

	job, err := s.store.CreateIngestionJob(ctx, store.IngestionJob{
		SourceType:  sourceType,
		FilePath:    path,
		RawLogID:    rawID,
		Incremental: incremental,
	})
	if err != nil {
		return Outcome{Status: store.JobFailed}, fmt.Errorf("create ingestion job: %w", err)
	}

	if dup {
		status := store.JobSkipped
		var retErr error
		if opts.FailOnDuplicate {
			status = store.JobDuplicate
			retErr = fmt.Errorf("%w: %s", ErrDuplicateFile, path)
		}
		outcome := Outcome{Status: status, ProcessingTimeMS: int64(msSince(started))}
		s.finishJob(ctx, job.ID, store.JobResult{
			Status:           status,
			ProcessingTimeMS: outcome.ProcessingTimeMS,
			Metrics:          metrics,
			RawLogID:         rawID,
		})
		s.logger.Printf("ingest file unchanged path=%s session_id=%s status=%s", path, meta.SessionID, status)
		return outcome, retErr
	}

	var (
		totals    batchResult
		offset    = startOffset
		lineCount = startLine
		lastHash  string
		lastSize  int64
		lastTS    *time.Time
		created   bool
	)

	parseMS := 0.0
	applyMS := 0.0
	for {
		parseStart := time.Now()
		chunk, err := p.ParseMessages(path, offset, opts.ChunkLimit)
		parseMS += msSince(parseStart)
		if err != nil {
			metrics["parse"] = parseMS
			metrics["apply"] = applyMS
			return s.finishFailedFile(ctx, job.ID, started, metrics, totals.conversationID, fmt.Errorf("parse messages: %w", err)), nil
		}

		if seed.StartTime.IsZero() && len(chunk.Messages) > 0 {
			seed.StartTime = chunk.Messages[0].Timestamp
		}
		events, err := eventsFromMessages(chunk.Messages)
		if err != nil {
			metrics["parse"] = parseMS
			metrics["apply"] = applyMS
			return s.finishFailedFile(ctx, job.ID, started, metrics, totals.conversationID, err), nil
		}

		applyStart := time.Now()
		res, err := s.applyWithRetry(ctx, events, key, seed)
		applyMS += msSince(applyStart)
		if err != nil {
			metrics["parse"] = parseMS
			metrics["apply"] = applyMS
			s.finishJob(ctx, job.ID, store.JobResult{
				Status:           store.JobFailed,
				ErrorMessage:     err.Error(),
				ProcessingTimeMS: int64(msSince(started)),
				Metrics:          metrics,
				ConversationID:   totals.conversationID,
			})
			return Outcome{Status: store.JobFailed, ConversationID: totals.conversationID}, err
		}
		totals.conversationID = res.conversationID
		totals.accepted += res.accepted
		totals.deduplicated += res.deduplicated
		totals.messagesAdded += res.messagesAdded
		created = created || res.created

		if n := len(chunk.Messages); n > 0 {
			ts := chunk.Messages[n-1].Timestamp
			lastTS = &ts
		}
		offset = chunk.NextOffset
		lineCount += int64(chunk.NextLine)
		lastHash = chunk.PartialHash
		lastSize = chunk.FileSize
		if chunk.IsLast {
			break
		}
	}
	metrics["parse"] = parseMS
	metrics["apply"] = applyMS

	raw, err := s.store.UpsertRawLog(ctx, totals.conversationID, path, store.RawLogState{
		Offset:               offset,
		Line:                 lineCount,
		FileSizeBytes:        lastSize,
		PartialHash:          lastHash,
		LastMessageTimestamp: lastTS,
	})
	if err != nil {
		return Outcome{Status: store.JobFailed, ConversationID: totals.conversationID}, fmt.Errorf("checkpoint raw log: %w", err)
	}

	if created || meta.ParentSessionID != "" {
		linkStart := time.Now()
		if linked, err := s.store.LinkOrphanedAgents(ctx, workspaceID); err != nil {
			s.logger.Printf("orphan link sweep failed workspace_id=%s err=%v", workspaceID, err)
		} else if linked > 0 {
			s.logger.Printf("orphan link sweep workspace_id=%s linked=%d", workspaceID, linked)
		}
		metrics["link"] = msSince(linkStart)
	}

	outcome := Outcome{
		Status:             outcomeStatus(totals.accepted, totals.deduplicated),
		ConversationID:     totals.conversationID,
		MessagesAdded:      totals.messagesAdded,
		EventsAccepted:     totals.accepted,
		EventsDeduplicated: totals.deduplicated,
		ProcessingTimeMS:   int64(msSince(started)),
	}
	s.finishJob(ctx, job.ID, store.JobResult{
		Status:           outcome.Status,
		ProcessingTimeMS: outcome.ProcessingTimeMS,
		MessagesAdded:    outcome.MessagesAdded,
		Metrics:          metrics,
		ConversationID:   outcome.ConversationID,
		RawLogID:         raw.ID,
	})
	s.logger.Printf("ingest file path=%s session_id=%s conversation_id=%s status=%s accepted=%d deduplicated=%d incremental=%t",
		path, meta.SessionID, outcome.ConversationID, outcome.Status, outcome.EventsAccepted, outcome.EventsDeduplicated, incremental)
	return outcome, nil
}

// resumePoint decides where parsing starts for a file, based on the stored
// checkpoint. A rewritten file resets the conversation and starts over; dup
// reports an unchanged file with nothing to do.
func (s *Service) resumePoint(ctx context.Context, path string, key store.ConversationKey) (offset, line int64, incremental, dup bool, rawID string, err error) {
	conv, err := s.store.FindConversation(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, 0, false, false, "", nil
		}
		return 0, 0, false, false, "", fmt.Errorf("find conversation: %w", err)
	}
	raw, err := s.store.GetRawLog(ctx, conv.ID, path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, 0, false, false, "", nil
		}
		return 0, 0, false, false, "", fmt.Errorf("load raw log: %w", err)
	}

	change := filestate.Detect(path, filestate.State{
		Offset:      raw.LastProcessedOffset,
		Size:        raw.FileSizeBytes,
		PartialHash: raw.PartialHash,
	})
	switch change.Kind {
	case filestate.Unchanged:
		return raw.LastProcessedOffset, raw.LastProcessedLine, false, true, raw.ID, nil
	case filestate.Appended:
		return raw.LastProcessedOffset, raw.LastProcessedLine, true, false, raw.ID, nil
	default:
		s.logger.Printf("file rewritten path=%s conversation_id=%s reason=%q", path, conv.ID, change.Reason)
		resetErr := s.store.Transaction(ctx, func(tx store.Store) error {
			return tx.ResetConversation(ctx, conv.ID)
		})
		if resetErr != nil {
			return 0, 0, false, false, "", fmt.Errorf("reset conversation: %w", resetErr)
		}
		return 0, 0, false, false, raw.ID, nil
	}
}

// applyWithRetry runs one chunk's transaction, retrying transient conflicts
// with the same backoff schedule as ProcessEvents. The file-level job row is
// shared across retries here; only batch ingestion gets a row per attempt.
func (s *Service) applyWithRetry(ctx context.Context, events []event.Event, key store.ConversationKey, seed store.ConversationSeed) (batchResult, error) {
	event.SortByEmittedAt(events)
	var (
		res     batchResult
		lastErr error
	)
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(s.backoffBase << attempt):
			}
		}
		err := s.store.Transaction(ctx, func(tx store.Store) error {
			var err error
			res, err = applyBatch(ctx, tx, events, key, seed)
			return err
		})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !store.IsTransientConflict(err) {
			return res, err
		}
	}
	return res, fmt.Errorf("apply chunk failed after %d attempts: %w", s.maxAttempts, lastErr)
}

func eventsFromMessages(msgs []parser.Message) ([]event.Event, error) {
	out := make([]event.Event, 0, len(msgs))
	for _, m := range msgs {
		evt, err := event.New(event.TypeMessage, m.Timestamp, event.MessagePayload{
			Role:        m.Role,
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			CodeChanges: m.CodeChanges,
		})
		if err != nil {
			return nil, fmt.Errorf("build message event: %w", err)
		}
		out = append(out, evt)
	}
	return out, nil
}

// failFile records a failed job for a file that never reached a conversation.
func (s *Service) failFile(ctx context.Context, path, sourceType string, started time.Time, metrics map[string]float64, incremental bool, cause error) Outcome {
	s.logger.Printf("ingest file failed path=%s err=%v", path, cause)
	job, err := s.store.CreateIngestionJob(ctx, store.IngestionJob{
		SourceType:  sourceType,
		FilePath:    path,
		Incremental: incremental,
	})
	if err != nil {
		s.logger.Printf("create ingestion job failed path=%s err=%v", path, err)
		return Outcome{Status: store.JobFailed, ProcessingTimeMS: int64(msSince(started))}
	}
	return s.finishFailedFile(ctx, job.ID, started, metrics, "", cause)
}

func (s *Service) finishFailedFile(ctx context.Context, jobID string, started time.Time, metrics map[string]float64, conversationID string, cause error) Outcome {
	elapsed := int64(msSince(started))
	s.finishJob(ctx, jobID, store.JobResult{
		Status:           store.JobFailed,
		ErrorMessage:     cause.Error(),
		ProcessingTimeMS: elapsed,
		Metrics:          metrics,
		ConversationID:   conversationID,
	})
	return Outcome{Status: store.JobFailed, ConversationID: conversationID, ProcessingTimeMS: elapsed}
}
