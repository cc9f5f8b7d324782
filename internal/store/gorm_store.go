package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kulesh/catsyphon-sub000/internal/ids"
)

type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database (sqlite or postgres) and migrates the
// ingestion schema.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := openGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(
		&conversationRow{},
		&epochRow{},
		&messageRow{},
		&fileTouchedRow{},
		&sessionMarkerRow{},
		&rawLogRow{},
		&ingestionJobRow{},
	)
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) GetOrCreateConversation(ctx context.Context, key ConversationKey, seed ConversationSeed) (Conversation, bool, error) {
	key.ConversationType = NormalizeConversationType(key.ConversationType)
	if key.WorkspaceID == "" || key.SessionID == "" || key.ConversationType == "" {
		return Conversation{}, false, fmt.Errorf("workspace_id, session_id and conversation_type are required")
	}

	var row conversationRow
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND session_id = ? AND LOWER(conversation_type) = ?",
			key.WorkspaceID, key.SessionID, key.ConversationType).
		Take(&row).Error
	if err == nil {
		return row.toRecord(), false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, false, fmt.Errorf("get conversation: %w", err)
	}

	now := time.Now().UTC()
	start := seed.StartTime
	if start.IsZero() {
		start = now
	}
	row = conversationRow{
		ID:               ids.New(),
		WorkspaceID:      key.WorkspaceID,
		SessionID:        key.SessionID,
		ConversationType: key.ConversationType,
		AgentType:        seed.AgentType,
		AgentVersion:     seed.AgentVersion,
		WorkingDirectory: seed.WorkingDirectory,
		GitBranch:        seed.GitBranch,
		Slug:             seed.Slug,
		StartTime:        start.UTC(),
		Status:           string(ConversationOpen),
		LastActivity:     start.UTC(),
		ParentSessionID:  seed.ParentSessionID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}
	return row.toRecord(), true, nil
}

func (s *GormStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) FindConversation(ctx context.Context, key ConversationKey) (Conversation, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND session_id = ? AND LOWER(conversation_type) = ?",
			key.WorkspaceID, key.SessionID, NormalizeConversationType(key.ConversationType)).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ListConversations(ctx context.Context, workspaceID string) ([]Conversation, error) {
	var rows []conversationRow
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("start_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]Conversation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) BackfillConversationMetadata(ctx context.Context, id string, seed ConversationSeed) error {
	var row conversationRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load conversation for backfill: %w", err)
	}

	updates := map[string]any{}
	if row.AgentType == "" && seed.AgentType != "" {
		updates["agent_type"] = seed.AgentType
	}
	if row.AgentVersion == "" && seed.AgentVersion != "" {
		updates["agent_version"] = seed.AgentVersion
	}
	if row.WorkingDirectory == "" && seed.WorkingDirectory != "" {
		updates["working_directory"] = seed.WorkingDirectory
	}
	if row.GitBranch == "" && seed.GitBranch != "" {
		updates["git_branch"] = seed.GitBranch
	}
	if row.Slug == "" && seed.Slug != "" {
		updates["slug"] = seed.Slug
	}
	if row.ParentSessionID == "" && seed.ParentSessionID != "" {
		updates["parent_session_id"] = seed.ParentSessionID
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()

	err := s.db.WithContext(ctx).Model(&conversationRow{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("backfill conversation: %w", err)
	}
	return nil
}

func (s *GormStore) CompleteConversation(ctx context.Context, id string, endTime time.Time, success *bool) error {
	updates := map[string]any{
		"status":     string(ConversationCompleted),
		"end_time":   endTime.UTC(),
		"updated_at": time.Now().UTC(),
	}
	if success != nil {
		updates["success"] = *success
	}
	res := s.db.WithContext(ctx).Model(&conversationRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("complete conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ReopenConversation(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&conversationRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":     string(ConversationOpen),
		"end_time":   nil,
		"success":    nil,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("reopen conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) BumpConversation(ctx context.Context, id string, messagesAdded, filesAdded int64, lastEventSequence int64, lastActivity time.Time) error {
	err := s.db.WithContext(ctx).Model(&conversationRow{}).Where("id = ?", id).Updates(map[string]any{
		"message_count": gorm.Expr("message_count + ?", messagesAdded),
		"files_count":   gorm.Expr("files_count + ?", filesAdded),
		"last_event_sequence": gorm.Expr(
			"CASE WHEN last_event_sequence >= ? THEN last_event_sequence ELSE ? END",
			lastEventSequence, lastEventSequence),
		"last_activity": lastActivity.UTC(),
		"updated_at":    time.Now().UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}
	return nil
}

func (s *GormStore) ResetConversation(ctx context.Context, id string) error {
	var childIDs []string
	err := s.db.WithContext(ctx).Model(&conversationRow{}).
		Where("parent_conversation_id = ?", id).
		Pluck("id", &childIDs).Error
	if err != nil {
		return fmt.Errorf("list child conversations: %w", err)
	}

	targets := append([]string{id}, childIDs...)
	for _, table := range []any{&messageRow{}, &epochRow{}, &fileTouchedRow{}, &sessionMarkerRow{}} {
		if err := s.db.WithContext(ctx).Where("conversation_id IN ?", targets).Delete(table).Error; err != nil {
			return fmt.Errorf("clear conversation data: %w", err)
		}
	}
	if len(childIDs) > 0 {
		if err := s.db.WithContext(ctx).Where("id IN ?", childIDs).Delete(&conversationRow{}).Error; err != nil {
			return fmt.Errorf("delete child conversations: %w", err)
		}
	}

	err = s.db.WithContext(ctx).Model(&conversationRow{}).Where("id = ?", id).Updates(map[string]any{
		"message_count":       0,
		"files_count":         0,
		"last_event_sequence": 0,
		"status":              string(ConversationOpen),
		"end_time":            nil,
		"success":             nil,
		"updated_at":          time.Now().UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("reset conversation counters: %w", err)
	}
	return nil
}

func (s *GormStore) ExistingHashes(ctx context.Context, conversationID string, hashes []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	// Message hashes live on the message rows; lifecycle event hashes live in
	// session_markers. The dedup complement is the union of both.
	for _, model := range []any{&messageRow{}, &sessionMarkerRow{}} {
		var existing []string
		err := s.db.WithContext(ctx).Model(model).
			Where("conversation_id = ? AND content_hash IN ?", conversationID, hashes).
			Pluck("content_hash", &existing).Error
		if err != nil {
			return nil, fmt.Errorf("query existing hashes: %w", err)
		}
		for _, h := range existing {
			out[h] = struct{}{}
		}
	}
	return out, nil
}

func (s *GormStore) AddSessionMarkers(ctx context.Context, conversationID string, markers []SessionMarker) error {
	if len(markers) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]sessionMarkerRow, 0, len(markers))
	for _, m := range markers {
		rows = append(rows, sessionMarkerRow{
			ID:             ids.New(),
			ConversationID: conversationID,
			EventType:      m.EventType,
			ContentHash:    m.ContentHash,
			EmittedAt:      m.EmittedAt.UTC(),
			CreatedAt:      now,
		})
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if res.Error != nil {
		return fmt.Errorf("add session markers: %w", res.Error)
	}
	return nil
}

func (s *GormStore) GetOrCreateEpoch(ctx context.Context, conversationID string) (Epoch, error) {
	var row epochRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("number ASC").
		Take(&row).Error
	if err == nil {
		return row.toRecord(), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Epoch{}, fmt.Errorf("get epoch: %w", err)
	}

	row = epochRow{
		ID:             ids.New(),
		ConversationID: conversationID,
		Number:         1,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Epoch{}, fmt.Errorf("create epoch: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) AppendMessages(ctx context.Context, conversationID, epochID string, msgs []NewMessage) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	var maxSeq int64
	err := s.db.WithContext(ctx).Model(&messageRow{}).
		Where("conversation_id = ?", conversationID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return nil, fmt.Errorf("sequence lookup: %w", err)
	}

	now := time.Now().UTC()
	rows := make([]messageRow, 0, len(msgs))
	for i, msg := range msgs {
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = now
		}
		rows = append(rows, messageRow{
			ID:             ids.New(),
			ConversationID: conversationID,
			EpochID:        epochID,
			Sequence:       maxSeq + int64(i) + 1,
			Role:           msg.Role,
			Content:        msg.Content,
			ToolCallsJSON:  msg.ToolCallsJSON,
			CodeChangeJSON: msg.CodeChangeJSON,
			ContentHash:    msg.ContentHash,
			Timestamp:      ts.UTC(),
			CreatedAt:      now,
		})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("append messages: %w", err)
	}

	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) AddFileTouches(ctx context.Context, conversationID string, touches []FileTouch) (int64, error) {
	if len(touches) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([]fileTouchedRow, 0, len(touches))
	seen := make(map[string]struct{}, len(touches))
	for _, touch := range touches {
		if touch.FilePath == "" {
			continue
		}
		if _, dup := seen[touch.FilePath]; dup {
			continue
		}
		seen[touch.FilePath] = struct{}{}
		ts := touch.TouchedAt
		if ts.IsZero() {
			ts = now
		}
		rows = append(rows, fileTouchedRow{
			ID:             ids.New(),
			ConversationID: conversationID,
			FilePath:       touch.FilePath,
			Operation:      touch.Operation,
			TouchedAt:      ts.UTC(),
			CreatedAt:      now,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if res.Error != nil {
		return 0, fmt.Errorf("add file touches: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) ListFileTouches(ctx context.Context, conversationID string) ([]FileTouched, error) {
	var rows []fileTouchedRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("file_path ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list file touches: %w", err)
	}
	out := make([]FileTouched, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) GetRawLog(ctx context.Context, conversationID, filePath string) (RawLog, error) {
	var row rawLogRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND file_path = ?", conversationID, filePath).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RawLog{}, ErrNotFound
		}
		return RawLog{}, fmt.Errorf("get raw log: %w", err)
	}
	return row.toRecord(), nil
}

// UpsertRawLog updates the checkpoint row in place; the row is created once
// per (conversation, file path) and never recreated, so foreign keys to it
// stay stable across incremental passes.
func (s *GormStore) UpsertRawLog(ctx context.Context, conversationID, filePath string, state RawLogState) (RawLog, error) {
	now := time.Now().UTC()

	var row rawLogRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND file_path = ?", conversationID, filePath).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = rawLogRow{
			ID:                   ids.New(),
			ConversationID:       conversationID,
			FilePath:             filePath,
			LastProcessedOffset:  state.Offset,
			LastProcessedLine:    state.Line,
			FileSizeBytes:        state.FileSizeBytes,
			PartialHash:          state.PartialHash,
			LastMessageTimestamp: state.LastMessageTimestamp,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return RawLog{}, fmt.Errorf("create raw log: %w", err)
		}
		return row.toRecord(), nil
	}
	if err != nil {
		return RawLog{}, fmt.Errorf("get raw log: %w", err)
	}

	updates := map[string]any{
		"last_processed_offset": state.Offset,
		"last_processed_line":   state.Line,
		"file_size_bytes":       state.FileSizeBytes,
		"partial_hash":          state.PartialHash,
		"updated_at":            now,
	}
	if state.LastMessageTimestamp != nil {
		updates["last_message_timestamp"] = state.LastMessageTimestamp.UTC()
	}
	if err := s.db.WithContext(ctx).Model(&rawLogRow{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
		return RawLog{}, fmt.Errorf("update raw log: %w", err)
	}
	return s.GetRawLog(ctx, conversationID, filePath)
}

func (s *GormStore) CreateIngestionJob(ctx context.Context, job IngestionJob) (IngestionJob, error) {
	now := time.Now().UTC()
	row := ingestionJobRow{
		ID:             ids.New(),
		SourceType:     job.SourceType,
		SourceConfigID: job.SourceConfigID,
		FilePath:       job.FilePath,
		ConversationID: job.ConversationID,
		RawLogID:       job.RawLogID,
		Status:         string(JobProcessing),
		Incremental:    job.Incremental,
		StartedAt:      now,
	}
	if !job.StartedAt.IsZero() {
		row.StartedAt = job.StartedAt.UTC()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return IngestionJob{}, fmt.Errorf("create ingestion job: %w", err)
	}
	return row.toRecord(), nil
}

// FinishIngestionJob moves a processing job to its terminal status. Terminal
// rows are final: finishing an already-finished job is a no-op.
func (s *GormStore) FinishIngestionJob(ctx context.Context, id string, result JobResult) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":             string(result.Status),
		"error_message":      result.ErrorMessage,
		"processing_time_ms": result.ProcessingTimeMS,
		"messages_added":     result.MessagesAdded,
		"metrics_json":       marshalMetrics(result.Metrics),
		"completed_at":       now,
	}
	if result.ConversationID != "" {
		updates["conversation_id"] = result.ConversationID
	}
	if result.RawLogID != "" {
		updates["raw_log_id"] = result.RawLogID
	}

	res := s.db.WithContext(ctx).Model(&ingestionJobRow{}).
		Where("id = ? AND status = ?", id, string(JobProcessing)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("finish ingestion job: %w", res.Error)
	}
	return nil
}

func (s *GormStore) ListJobsByConversation(ctx context.Context, conversationID string) ([]IngestionJob, error) {
	var rows []ingestionJobRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("started_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list ingestion jobs: %w", err)
	}
	out := make([]IngestionJob, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) ResolveParent(ctx context.Context, workspaceID, parentSessionID string) (Conversation, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND session_id = ? AND LOWER(conversation_type) = ?",
			workspaceID, parentSessionID, ConversationTypeMain).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("resolve parent: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) SetParentConversation(ctx context.Context, childID, parentID string) error {
	err := s.db.WithContext(ctx).Model(&conversationRow{}).Where("id = ?", childID).Updates(map[string]any{
		"parent_conversation_id": parentID,
		"updated_at":             time.Now().UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("set parent conversation: %w", err)
	}
	return nil
}

func (s *GormStore) LinkOrphanedAgents(ctx context.Context, workspaceID string) (int, error) {
	var orphans []conversationRow
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND parent_conversation_id IS NULL AND parent_session_id <> '' AND LOWER(conversation_type) <> ?",
			workspaceID, ConversationTypeMain).
		Find(&orphans).Error
	if err != nil {
		return 0, fmt.Errorf("list orphaned agents: %w", err)
	}

	linked := 0
	for _, orphan := range orphans {
		parent, err := s.ResolveParent(ctx, workspaceID, orphan.ParentSessionID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return linked, err
		}
		if err := s.SetParentConversation(ctx, orphan.ID, parent.ID); err != nil {
			return linked, err
		}
		linked++
	}
	return linked, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("access underlying db: %w", err)
	}
	return sqlDB.Close()
}
