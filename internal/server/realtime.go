package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventTableChanged = "table-change"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceBackend     = "tabular-backend"
)

// RealtimeMessage notifies sync clients that a table's dataETag moved and
// which rows changed, so they can fetch the delta instead of polling blind.
type RealtimeMessage struct {
	TableID   string
	EventType string
	DataETag  string
	RowIDs    []string
	Timestamp time.Time
}

type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for change notifications on one table. The returned
// cleanup is idempotent and also runs when ctx is done.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, tableID string) (<-chan RealtimeMessage, func()) {
	if tableID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(tableID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(tableID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish fans a message out to the table's subscribers. Slow subscribers
// miss messages rather than blocking the writer; the data ETag lets them
// detect the gap.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.TableID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.TableID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(tableID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[tableID]; !ok {
		d.subscribers[tableID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[tableID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(tableID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[tableID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, tableID)
		}
	}
	d.mu.Unlock()
}
