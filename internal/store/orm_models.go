package store

import (
	"encoding/json"
	"time"
)

type conversationRow struct {
	ID                   string     `gorm:"primaryKey;size:64"`
	WorkspaceID          string     `gorm:"size:191;uniqueIndex:idx_conversations_identity,priority:1"`
	SessionID            string     `gorm:"size:191;uniqueIndex:idx_conversations_identity,priority:2"`
	ConversationType     string     `gorm:"size:64;uniqueIndex:idx_conversations_identity,priority:3"`
	AgentType            string     `gorm:"size:191"`
	AgentVersion         string     `gorm:"size:64"`
	WorkingDirectory     string     `gorm:"size:512"`
	GitBranch            string     `gorm:"size:191"`
	Slug                 string     `gorm:"size:512"`
	StartTime            time.Time  `gorm:"not null"`
	EndTime              *time.Time
	Status               string     `gorm:"size:32;not null"`
	Success              *bool
	MessageCount         int64      `gorm:"not null;default:0"`
	FilesCount           int64      `gorm:"not null;default:0"`
	LastEventSequence    int64      `gorm:"not null;default:0"`
	LastActivity         time.Time  `gorm:"not null"`
	ParentConversationID *string    `gorm:"size:64;index"`
	ParentSessionID      string     `gorm:"size:191;index"`
	CreatedAt            time.Time  `gorm:"not null"`
	UpdatedAt            time.Time  `gorm:"not null"`
}

func (conversationRow) TableName() string { return "conversations" }

func (r conversationRow) toRecord() Conversation {
	return Conversation{
		ID:                   r.ID,
		WorkspaceID:          r.WorkspaceID,
		SessionID:            r.SessionID,
		ConversationType:     r.ConversationType,
		AgentType:            r.AgentType,
		AgentVersion:         r.AgentVersion,
		WorkingDirectory:     r.WorkingDirectory,
		GitBranch:            r.GitBranch,
		Slug:                 r.Slug,
		StartTime:            r.StartTime,
		EndTime:              r.EndTime,
		Status:               ConversationStatus(r.Status),
		Success:              r.Success,
		MessageCount:         r.MessageCount,
		FilesCount:           r.FilesCount,
		LastEventSequence:    r.LastEventSequence,
		LastActivity:         r.LastActivity,
		ParentConversationID: r.ParentConversationID,
		ParentSessionID:      r.ParentSessionID,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

type epochRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:64;index;not null"`
	Number         int       `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (epochRow) TableName() string { return "epochs" }

func (r epochRow) toRecord() Epoch {
	return Epoch{ID: r.ID, ConversationID: r.ConversationID, Number: r.Number, CreatedAt: r.CreatedAt}
}

type messageRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:64;index:idx_messages_conversation_hash,priority:1;not null"`
	EpochID        string    `gorm:"size:64;not null"`
	Sequence       int64     `gorm:"not null"`
	Role           string    `gorm:"size:32;not null"`
	Content        string    `gorm:"type:text"`
	ToolCallsJSON  string    `gorm:"type:text"`
	CodeChangeJSON string    `gorm:"type:text"`
	ContentHash    string    `gorm:"size:64;index:idx_messages_conversation_hash,priority:2;not null"`
	Timestamp      time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (messageRow) TableName() string { return "messages" }

func (r messageRow) toRecord() Message {
	return Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		EpochID:        r.EpochID,
		Sequence:       r.Sequence,
		Role:           r.Role,
		Content:        r.Content,
		ToolCallsJSON:  r.ToolCallsJSON,
		CodeChangeJSON: r.CodeChangeJSON,
		ContentHash:    r.ContentHash,
		Timestamp:      r.Timestamp,
		CreatedAt:      r.CreatedAt,
	}
}

type fileTouchedRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:64;uniqueIndex:idx_files_conversation_path,priority:1;not null"`
	FilePath       string    `gorm:"size:1024;uniqueIndex:idx_files_conversation_path,priority:2;not null"`
	Operation      string    `gorm:"size:64"`
	TouchedAt      time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (fileTouchedRow) TableName() string { return "files_touched" }

func (r fileTouchedRow) toRecord() FileTouched {
	return FileTouched{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		FilePath:       r.FilePath,
		Operation:      r.Operation,
		TouchedAt:      r.TouchedAt,
		CreatedAt:      r.CreatedAt,
	}
}

type sessionMarkerRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:64;uniqueIndex:idx_markers_conversation_hash,priority:1;not null"`
	EventType      string    `gorm:"size:32;not null"`
	ContentHash    string    `gorm:"size:64;uniqueIndex:idx_markers_conversation_hash,priority:2;not null"`
	EmittedAt      time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (sessionMarkerRow) TableName() string { return "session_markers" }

type rawLogRow struct {
	ID                   string     `gorm:"primaryKey;size:64"`
	ConversationID       string     `gorm:"size:64;uniqueIndex:idx_raw_logs_conversation_path,priority:1;not null"`
	FilePath             string     `gorm:"size:1024;uniqueIndex:idx_raw_logs_conversation_path,priority:2;not null"`
	LastProcessedOffset  int64      `gorm:"not null;default:0"`
	LastProcessedLine    int64      `gorm:"not null;default:0"`
	FileSizeBytes        int64      `gorm:"not null;default:0"`
	PartialHash          string     `gorm:"size:64"`
	LastMessageTimestamp *time.Time
	CreatedAt            time.Time  `gorm:"not null"`
	UpdatedAt            time.Time  `gorm:"not null"`
}

func (rawLogRow) TableName() string { return "raw_logs" }

func (r rawLogRow) toRecord() RawLog {
	return RawLog{
		ID:                   r.ID,
		ConversationID:       r.ConversationID,
		FilePath:             r.FilePath,
		LastProcessedOffset:  r.LastProcessedOffset,
		LastProcessedLine:    r.LastProcessedLine,
		FileSizeBytes:        r.FileSizeBytes,
		PartialHash:          r.PartialHash,
		LastMessageTimestamp: r.LastMessageTimestamp,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

type ingestionJobRow struct {
	ID               string     `gorm:"primaryKey;size:64"`
	SourceType       string     `gorm:"size:64;not null"`
	SourceConfigID   string     `gorm:"size:191"`
	FilePath         string     `gorm:"size:1024"`
	ConversationID   string     `gorm:"size:64;index"`
	RawLogID         string     `gorm:"size:64"`
	Status           string     `gorm:"size:32;not null"`
	ErrorMessage     string     `gorm:"type:text"`
	ProcessingTimeMS int64      `gorm:"not null;default:0"`
	Incremental      bool       `gorm:"not null;default:false"`
	MessagesAdded    int64      `gorm:"not null;default:0"`
	MetricsJSON      string     `gorm:"type:text"`
	StartedAt        time.Time  `gorm:"not null"`
	CompletedAt      *time.Time
}

func (ingestionJobRow) TableName() string { return "ingestion_jobs" }

func (r ingestionJobRow) toRecord() IngestionJob {
	rec := IngestionJob{
		ID:               r.ID,
		SourceType:       r.SourceType,
		SourceConfigID:   r.SourceConfigID,
		FilePath:         r.FilePath,
		ConversationID:   r.ConversationID,
		RawLogID:         r.RawLogID,
		Status:           JobStatus(r.Status),
		ErrorMessage:     r.ErrorMessage,
		ProcessingTimeMS: r.ProcessingTimeMS,
		Incremental:      r.Incremental,
		MessagesAdded:    r.MessagesAdded,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
	}
	if r.MetricsJSON != "" {
		_ = json.Unmarshal([]byte(r.MetricsJSON), &rec.Metrics)
	}
	return rec
}

func marshalMetrics(metrics map[string]float64) string {
	if len(metrics) == 0 {
		return ""
	}
	data, err := json.Marshal(metrics)
	if err != nil {
		return ""
	}
	return string(data)
}
