// Package monitor is the broadcast bus behind the monitor websocket
// endpoint (StreamHandler): every event the runtime dispatches is
// published here in addition to being handled normally, so operators
// can observe traffic without being a named target of any transformer
// rule. monitor:get_events reads the durable event log instead, and
// originator mirrors are delivered by the originator registry.
package monitor

import (
	"sync"

	"github.com/ksi-run/ksid/internal/kevent"
)

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a slow subscriber misses events rather than
// blocking the dispatch loop that publishes them.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan kevent.Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only channel a
	// caller was handed back by Subscribe, without an illegal channel
	// direction conversion.
	recvToSend map[<-chan kevent.Event]chan kevent.Event

	dropped map[chan kevent.Event]int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan kevent.Event]struct{}),
		recvToSend: make(map[<-chan kevent.Event]chan kevent.Event),
		dropped:    make(map[chan kevent.Event]int),
	}
}

// Publish fans e out to every subscriber. Safe to call on a nil
// receiver (no-op), so components holding an optional *Bus don't need
// guard checks.
func (b *Bus) Publish(e kevent.Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped[ch]++
		}
	}
}

// Subscribe returns a channel that receives every event published
// after this call. The caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan kevent.Event {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan kevent.Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call with an already-unsubscribed channel.
func (b *Bus) Unsubscribe(ch <-chan kevent.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	delete(b.dropped, sendCh)
	close(sendCh)
}

// SubscriberCount reports how many live subscriptions exist. Safe on
// a nil receiver.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedFor reports how many events a subscriber has missed due to a
// full buffer.
func (b *Bus) DroppedFor(ch <-chan kevent.Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return 0
	}
	return b.dropped[sendCh]
}
