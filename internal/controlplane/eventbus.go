package controlplane

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hiveorch/hive/internal/obslog"
	"github.com/hiveorch/hive/internal/plugin"
)

// eventBufferSize is the per-subscriber backlog before drop-oldest
// backpressure kicks in (spec §4.8: "when a subscriber is slow, oldest
// events are dropped and an EventDropped marker is emitted").
const eventBufferSize = 256

// EventDroppedKind marks a gap in a subscriber's stream caused by
// backpressure.
const EventDroppedKind = "EventDropped"

// Filter narrows a subscription to a subset of events; zero-value
// Filter matches everything.
type Filter struct {
	Kinds     []string `json:"kinds,omitempty"`
	FQNPrefix string   `json:"fqn_prefix,omitempty"`
}

func (f Filter) match(e plugin.Event) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.FQNPrefix != "" && !hasPrefix(e.FQN, f.FQNPrefix) {
		return false
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// subscriber is one connected observer's filtered event queue.
type subscriber struct {
	filter  Filter
	ch      chan plugin.Event
	dropped int64
}

// EventBus fans out Event publications to every subscriber and to
// registered plugin.ObservabilitySink handles (spec §4.2 Observability
// sink / §4.8 event stream), implementing the length-prefixed,
// drop-oldest framing the open questions in spec §9 leave the wire
// codec otherwise unpinned for (SPEC_FULL.md §5 decision 2: each event
// is one WriteFrame frame, a length prefix plus a JSON body, not
// MessagePack).
type EventBus struct {
	mu    sync.Mutex
	subs  map[int64]*subscriber
	next  int64
	sinks []plugin.ObservabilitySink
	log   *obslog.Logger
}

// NewEventBus builds an EventBus publishing to sinks in addition to any
// socket subscribers.
func NewEventBus(log *obslog.Logger, sinks []plugin.ObservabilitySink) *EventBus {
	return &EventBus{subs: make(map[int64]*subscriber), sinks: sinks, log: log}
}

// Publish fans event out to every matching subscriber (non-blocking,
// drop-oldest on a full queue) and every registered sink (best-effort,
// errors logged not propagated — sinks are out of scope per spec §1).
func (b *EventBus) Publish(ctx context.Context, e plugin.Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	sinks := b.sinks
	b.mu.Unlock()

	for _, s := range subs {
		if !s.filter.match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// drop oldest, then enqueue the new event.
			select {
			case <-s.ch:
				atomic.AddInt64(&s.dropped, 1)
			default:
			}
			select {
			case s.ch <- e:
			default:
			}
		}
	}

	for _, sink := range sinks {
		if err := sink.Sink(ctx, e); err != nil && b.log != nil {
			b.log.WithFQN(e.FQN).WithError(err).Warn("observability sink failed")
		}
	}
}

// subscribe registers a new filtered subscriber, returning its id and
// channel; unsubscribe must be called when the connection closes.
func (b *EventBus) subscribe(filter Filter) (int64, *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	s := &subscriber{filter: filter, ch: make(chan plugin.Event, eventBufferSize)}
	b.subs[id] = s
	return id, s
}

func (b *EventBus) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// ServeSocket accepts connections on a Unix domain socket at path; each
// connection first sends one Filter frame, then receives a stream of
// Event frames until it disconnects or ctx is cancelled.
func (b *EventBus) ServeSocket(ctx context.Context, path string) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if b.log != nil {
					b.log.WithError(err).Warn("event bus accept failed")
				}
				continue
			}
		}
		go b.serveConn(ctx, conn)
	}
}

func (b *EventBus) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var filter Filter
	if err := ReadFrame(conn, &filter); err != nil {
		return
	}
	id, sub := b.subscribe(filter)
	defer b.unsubscribe(id)

	var lastDropped int64
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.ch:
			if d := atomic.LoadInt64(&sub.dropped); d != lastDropped {
				_ = WriteFrame(conn, plugin.Event{Kind: EventDroppedKind, Fields: map[string]any{"dropped": d - lastDropped}})
				lastDropped = d
			}
			if err := WriteFrame(conn, e); err != nil {
				return
			}
		}
	}
}
