package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeReceivesInit(t *testing.T) {
	b := New(Options{Status: func() any { return map[string]any{"ok": true} }})
	defer b.Stop()

	_, events := b.Subscribe()
	select {
	case ev := <-events:
		if ev.Topic != TopicInit {
			t.Fatalf("expected init event, got %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for init event")
	}
}

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	b := New(Options{QueueDepth: 4})
	defer b.Stop()

	_, events1 := b.Subscribe()
	_, events2 := b.Subscribe()
	<-events1 // drain init
	<-events2

	b.Broadcast(TopicUpdate, "payload")

	for _, ch := range []<-chan Event{events1, events2} {
		select {
		case ev := <-ch:
			if ev.Topic != TopicUpdate || ev.Data != "payload" {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

func TestBroadcastEvictsFullSubscriber(t *testing.T) {
	b := New(Options{QueueDepth: 1})
	defer b.Stop()

	handle, events := b.Subscribe()
	<-events // drain init, queue now empty but at depth 1

	// Fill the queue, then overflow it without draining.
	b.Broadcast(TopicUpdate, 1)
	b.Broadcast(TopicUpdate, 2) // this one finds the queue full and evicts

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected subscriber to be evicted, count=%d", b.SubscriberCount())
	}

	// The channel should eventually be closed.
	closed := false
	for i := 0; i < 2; i++ {
		select {
		case _, open := <-events:
			if !open {
				closed = true
			}
		case <-time.After(time.Second):
		}
	}
	if !closed {
		t.Fatal("expected evicted subscriber's channel to be closed")
	}
	_ = handle
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(Options{})
	defer b.Stop()

	handle, _ := b.Subscribe()
	b.Unsubscribe(handle)
	b.Unsubscribe(handle) // must not panic
}

func TestKeepalivePingsQuietSubscribers(t *testing.T) {
	b := New(Options{KeepaliveSeconds: 1})
	defer b.Stop()

	_, events := b.Subscribe()
	<-events // drain init

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Topic == TopicPing {
				return
			}
		case <-deadline:
			t.Fatal("expected a ping within the keepalive window")
		}
	}
}

func TestStatusReturnsProviderValue(t *testing.T) {
	b := New(Options{Status: func() any { return 42 }})
	defer b.Stop()
	if b.Status() != 42 {
		t.Fatalf("expected status 42, got %v", b.Status())
	}
}
