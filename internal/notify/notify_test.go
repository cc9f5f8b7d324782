package notify

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kulesh/catsyphon-sub000/internal/store"
)

type fakeSubscriber struct {
	name      string
	failUntil int

	mu    sync.Mutex
	calls int
	ch    chan Event
}

func (f *fakeSubscriber) Name() string {
	return f.name
}

func (f *fakeSubscriber) Handle(_ context.Context, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("forced failure")
	}
	if f.ch != nil {
		f.ch <- event
	}
	return nil
}

func (f *fakeSubscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	logger := log.New(os.Stdout, "", 0)
	sub := &fakeSubscriber{name: "sub", failUntil: 2, ch: make(chan Event, 1)}
	d := New(logger, []Subscriber{sub})
	event := Event{JobID: "job_1", Status: store.JobSuccess}

	d.Dispatch(context.Background(), event)

	select {
	case got := <-sub.ch:
		if got.JobID != event.JobID {
			t.Fatalf("unexpected job id: %s", got.JobID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}

	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDispatcherStopsAfterRetries(t *testing.T) {
	logger := log.New(os.Stdout, "", 0)
	sub := &fakeSubscriber{name: "sub", failUntil: 10, ch: make(chan Event, 1)}
	d := New(logger, []Subscriber{sub})
	event := Event{JobID: "job_2", Status: store.JobFailed}

	d.Dispatch(context.Background(), event)
	time.Sleep(800 * time.Millisecond)

	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	select {
	case <-sub.ch:
		t.Fatalf("did not expect successful dispatch")
	default:
	}
}
