package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog keeps events in process. Used in development and tests.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Publish appends the event and assigns the next sequence.
func (l *MemoryLog) Publish(_ context.Context, event Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	event.Sequence = int64(len(l.events)) + 1
	l.events = append(l.events, event)
	return event, nil
}

// Since returns events after the given sequence.
func (l *MemoryLog) Since(_ context.Context, after int64, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if after < 0 {
		after = 0
	}
	if after >= int64(len(l.events)) {
		return []Event{}, nil
	}
	page := l.events[after:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	out := make([]Event, len(page))
	copy(out, page)
	return out, nil
}

// All returns a copy of every event.
func (l *MemoryLog) All() []Event {
	out, _ := l.Since(context.Background(), 0, 0)
	return out
}
