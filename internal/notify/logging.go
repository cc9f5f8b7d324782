package notify

import (
	"context"
	"log"
)

// LoggingSubscriber writes one line per finished job. It is the default
// subscriber so job completions always leave a trace.
type LoggingSubscriber struct {
	logger *log.Logger
}

func NewLogging(logger *log.Logger) *LoggingSubscriber {
	return &LoggingSubscriber{logger: logger}
}

func (s *LoggingSubscriber) Name() string { return "logging" }

func (s *LoggingSubscriber) Handle(_ context.Context, event Event) error {
	s.logger.Printf("job finished job_id=%s conversation_id=%s status=%s messages_added=%d path=%s",
		event.JobID, event.ConversationID, event.Status, event.MessagesAdded, event.FilePath)
	return nil
}
