// Package eventbus fans typed events out to dashboard subscribers.
// Delivery goes through a bounded per-subscriber queue so one slow SSE
// consumer can never stall a broadcast: a full queue means the
// subscriber is dropped, not waited on.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/ctxfold/sidecar/internal/logging"
)

// Event topic names the dashboard understands.
const (
	TopicInit         = "init"
	TopicUpdate       = "update"
	TopicMetrics      = "metrics:update"
	TopicSyncProgress = "sync:progress"
	TopicMCPStatus    = "mcp:status"
	TopicPing         = "ping"
)

// Event is one message delivered to subscribers.
type Event struct {
	Topic     string
	Data      any
	Timestamp time.Time
}

// StatusProvider supplies the current dashboard snapshot sent as the
// `init` event to every new subscriber and as the keepalive reference
// point.
type StatusProvider func() any

// Handle identifies one subscription; pass it to Unsubscribe.
type Handle uint64

// subscriber is one connected dashboard client's bounded mailbox.
type subscriber struct {
	id        Handle
	ch        chan Event
	lastSent  atomic.Int64 // unix nano of the last successful send
	lastErr   atomic.Int64 // unix nano of the last failed connection write
	createdAt time.Time
}

// Bus is the process-wide fan-out of SessionUpdate and related events to
// every connected dashboard client.
type Bus struct {
	queueDepth int
	status     StatusProvider

	mu          sync.RWMutex
	subscribers map[Handle]*subscriber
	nextID      atomic.Uint64

	keepalive time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// Options configures a Bus.
type Options struct {
	QueueDepth       int
	KeepaliveSeconds int
	Status           StatusProvider
}

// New constructs a Bus and starts its keepalive loop.
func New(opts Options) *Bus {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	keepalive := time.Duration(opts.KeepaliveSeconds) * time.Second
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	b := &Bus{
		queueDepth:  depth,
		status:      opts.Status,
		subscribers: make(map[Handle]*subscriber),
		keepalive:   keepalive,
		stopCh:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.keepaliveLoop()
	return b
}

// Subscribe allocates a bounded mailbox and immediately enqueues an `init`
// event carrying the current dashboard status. The returned channel is
// closed when the subscriber is removed (by Unsubscribe, by Stop, or by
// the bus evicting it on a full queue).
func (b *Bus) Subscribe() (Handle, <-chan Event) {
	id := Handle(b.nextID.Add(1))
	sub := &subscriber{id: id, ch: make(chan Event, b.queueDepth), createdAt: time.Now()}

	// Enqueue init before the subscriber is visible to Broadcast: the
	// channel is owned solely by this goroutine until the map insert, so
	// the buffered send cannot block and no concurrent broadcast can
	// slip an event in ahead of it.
	var payload any
	if b.status != nil {
		payload = b.status()
	}
	sub.ch <- Event{Topic: TopicInit, Data: payload, Timestamp: time.Now()}
	sub.lastSent.Store(time.Now().UnixNano())

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	L_debug("eventbus: subscribed", "handle", id)
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel. Idempotent.
// The close happens inside the write-lock critical section: sends only
// run under the read lock, so a close can never overlap an in-flight
// send.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	sub, ok := b.subscribers[h]
	if ok {
		delete(b.subscribers, h)
		close(sub.ch)
	}
	b.mu.Unlock()
	if ok {
		L_debug("eventbus: unsubscribed", "handle", h)
	}
}

// Broadcast enqueues payload on every subscriber's mailbox without ever
// blocking on a slow consumer: a subscriber whose queue is already full
// is evicted on the spot rather than waited on. Sends run under the
// read lock — channels are only closed under the write lock, so a
// subscriber unsubscribing mid-broadcast cannot turn a send into a
// send-on-closed-channel panic.
func (b *Bus) Broadcast(topic string, payload any) {
	ev := Event{Topic: topic, Data: payload, Timestamp: time.Now()}

	var evicted []Handle
	b.mu.RLock()
	for _, s := range b.subscribers {
		select {
		case s.ch <- ev:
			s.lastSent.Store(time.Now().UnixNano())
		default:
			evicted = append(evicted, s.id)
		}
	}
	b.mu.RUnlock()

	for _, h := range evicted {
		L_warn("eventbus: subscriber queue full, evicting", "handle", h, "topic", topic)
		b.Unsubscribe(h)
	}
}

// sendErrorWindow is how close together two failed connection writes must
// be for RecordSendError to disconnect the subscriber.
const sendErrorWindow = 5 * time.Second

// RecordSendError is called by the SSE transport layer when a write to
// the underlying connection fails; a failure within sendErrorWindow of
// the previous one disconnects the subscriber.
func (b *Bus) RecordSendError(h Handle) {
	b.mu.RLock()
	sub, ok := b.subscribers[h]
	b.mu.RUnlock()
	if !ok {
		return
	}
	now := time.Now().UnixNano()
	prev := sub.lastErr.Swap(now)
	if prev != 0 && now-prev <= int64(sendErrorWindow) {
		b.Unsubscribe(h)
	}
}

// keepaliveLoop sends a `ping` to every subscriber approaching the
// keepalive window with no other traffic. The tick interval is a third
// of the window and the threshold leaves one tick of slack, so a quiet
// subscriber always sees a ping within the window of its last message.
func (b *Bus) keepaliveLoop() {
	defer b.wg.Done()
	interval := b.keepalive / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case now := <-ticker.C:
			var evicted []Handle
			b.mu.RLock()
			for _, s := range b.subscribers {
				last := time.Unix(0, s.lastSent.Load())
				if now.Sub(last) < b.keepalive-interval {
					continue
				}
				ev := Event{Topic: TopicPing, Data: now.Unix(), Timestamp: now}
				select {
				case s.ch <- ev:
					s.lastSent.Store(now.UnixNano())
				default:
					evicted = append(evicted, s.id)
				}
			}
			b.mu.RUnlock()

			for _, h := range evicted {
				L_warn("eventbus: ping dropped, evicting", "handle", h)
				b.Unsubscribe(h)
			}
		}
	}
}

// Stop halts the keepalive loop and closes every subscriber's channel.
// Closes stay inside the write-lock critical section for the same
// reason as Unsubscribe's.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()

	b.mu.Lock()
	for _, s := range b.subscribers {
		close(s.ch)
	}
	b.subscribers = make(map[Handle]*subscriber)
	b.mu.Unlock()
}

// SubscriberCount reports the number of currently connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish implements watcher.Publisher so the Watcher can broadcast
// without importing this package's concrete type.
func (b *Bus) Publish(topic string, data any) { b.Broadcast(topic, data) }

// Status returns the current dashboard snapshot, the same payload a new
// subscriber receives as its `init` event. Used by GET /status.
func (b *Bus) Status() any {
	if b.status == nil {
		return nil
	}
	return b.status()
}
