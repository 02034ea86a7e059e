package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "households")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		TableID:   "households",
		EventType: RealtimeEventTableChanged,
		DataETag:  "etag-7",
		RowIDs:    []string{"row-a", "row-b"},
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventTableChanged {
			t.Fatalf("expected event type %s, got %s", RealtimeEventTableChanged, received.EventType)
		}
		if received.DataETag != "etag-7" {
			t.Fatalf("expected data etag etag-7, got %s", received.DataETag)
		}
		if len(received.RowIDs) != 2 {
			t.Fatalf("expected 2 row ids, got %d", len(received.RowIDs))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByTable(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	householdStream, cleanup := dispatcher.Subscribe(ctx, "households")
	defer cleanup()

	villageStream, otherCleanup := dispatcher.Subscribe(otherCtx, "villages")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		TableID:   "villages",
		EventType: RealtimeEventTableChanged,
		RowIDs:    []string{"row-c"},
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-householdStream:
		t.Fatal("did not expect realtime message for unrelated table")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-villageStream:
		if msg.TableID != "villages" {
			t.Fatalf("expected villages, received %s", msg.TableID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed table")
	}
}

func TestRealtimeDispatcherDropsEmptyPublish(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "households")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{TableID: "", EventType: RealtimeEventTableChanged})
	dispatcher.Publish(RealtimeMessage{TableID: "households", EventType: ""})

	select {
	case <-stream:
		t.Fatal("messages without a table id or event type must be dropped")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRealtimeDispatcherCleanupStopsDelivery(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "households")
	cleanup()

	dispatcher.Publish(RealtimeMessage{
		TableID:   "households",
		EventType: RealtimeEventTableChanged,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-stream:
		t.Fatal("did not expect delivery after cleanup")
	case <-time.After(200 * time.Millisecond):
	}
}
