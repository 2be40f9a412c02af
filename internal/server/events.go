package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	EventElementEditAdded      = "element-edit-added"
	EventElementEditSynced     = "element-edit-synced"
	EventElementEditDeleted    = "element-edit-deleted"
	EventNoteEditAdded         = "note-edit-added"
	EventNoteEditSynced        = "note-edit-synced"
	EventNoteEditDeleted       = "note-edit-deleted"
	EventNoteQuestsUpdated     = "note-quests-updated"
	EventNoteQuestsInvalidated = "note-quests-invalidated"
	EventUploadStarted         = "upload-started"
	EventUploadFinished        = "upload-finished"
	eventHeartbeat             = "heartbeat"

	defaultEventBufferSize = 32
)

// Event is one server-sent event. IDs are UUIDv7 so they sort by creation time.
type Event struct {
	ID        string
	Type      string
	Data      any
	Timestamp time.Time
}

// EventBus fans events out to every connected stream. Slow subscribers miss
// events instead of blocking publishers.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

func NewEventBus(clock func() time.Time) *EventBus {
	if clock == nil {
		clock = time.Now
	}
	return &EventBus{
		subscribers: make(map[int64]chan Event),
		bufferSize:  defaultEventBufferSize,
		clock:       clock,
	}
}

// Subscribe registers a stream that lives until ctx is done or the returned
// cleanup is called.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	stream := make(chan Event, b.bufferSize)
	b.mu.Lock()
	b.nextID++
	subscriberID := b.nextID
	b.subscribers[subscriberID] = stream
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, subscriberID)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish stamps and delivers an event of eventType.
func (b *EventBus) Publish(eventType string, data any) Event {
	event := Event{
		ID:        newEventID(),
		Type:      eventType,
		Data:      data,
		Timestamp: b.clock().UTC(),
	}
	b.mu.RLock()
	streams := make([]chan Event, 0, len(b.subscribers))
	for _, stream := range b.subscribers {
		streams = append(streams, stream)
	}
	b.mu.RUnlock()
	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
	return event
}

// SubscriberCount returns the number of connected streams.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
