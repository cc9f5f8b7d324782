package notify

import (
	"context"
	"log"
	"time"

	"github.com/kulesh/catsyphon-sub000/internal/store"
)

// Event describes one finished ingestion job.
type Event struct {
	JobID          string
	ConversationID string
	FilePath       string
	Status         store.JobStatus
	MessagesAdded  int64
}

// Subscriber receives finished-job notifications. Handlers must be safe for
// concurrent calls; delivery is at-most-once per subscriber after retries.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, event Event) error
}

type Dispatcher struct {
	logger       *log.Logger
	subscribers  []Subscriber
	retryCount   int
	retryBackoff time.Duration
}

func New(logger *log.Logger, subs []Subscriber) *Dispatcher {
	return &Dispatcher{
		logger:       logger,
		subscribers:  subs,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
	}
}

// Dispatch fans the event out to every subscriber without blocking ingestion.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	for _, sub := range d.subscribers {
		s := sub
		go d.dispatchOne(ctx, s, event)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub Subscriber, event Event) {
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := sub.Handle(ctx, event)
		if err == nil {
			return
		}

		d.logger.Printf("subscriber=%s job_id=%s attempt=%d err=%v", sub.Name(), event.JobID, attempt, err)
		if attempt == d.retryCount {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}
