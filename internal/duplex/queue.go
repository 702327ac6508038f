package duplex

import (
	"sync"

	"github.com/MrWong99/parley/pkg/link"
	"github.com/MrWong99/parley/pkg/protocol"
)

// ── Outbox ────────────────────────────────────────────────────────────────────

// outbox is a bounded FIFO of encoded frames waiting to be sent. When full,
// pushing discards the oldest entry so that capture never waits on the
// network.
type outbox struct {
	mu     sync.Mutex
	items  []link.OutboundMessage
	limit  int
	closed bool

	ready chan struct{}
	done  chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{
		limit: max(limit, 1),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// push appends msg. It reports whether an older message was dropped to make
// room, and whether msg was accepted at all.
func (q *outbox) push(msg link.OutboundMessage) (dropped, ok bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}
	if len(q.items) >= q.limit {
		q.items[0] = link.OutboundMessage{}
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	signal(q.ready)
	return dropped, true
}

// next blocks until a message is available or the outbox is closed.
func (q *outbox) next() (link.OutboundMessage, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return link.OutboundMessage{}, false
		}
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = link.OutboundMessage{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		}
	}
}

// len returns the number of queued messages.
func (q *outbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close drops every queued message and wakes the consumer. It returns the
// number dropped. Only the first call has an effect.
func (q *outbox) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	n := len(q.items)
	q.items = nil
	close(q.done)
	return n
}

// ── Inbox ─────────────────────────────────────────────────────────────────────

// inbox is an unbounded FIFO of demuxed chunks. Pushing never blocks, so the
// link's read path never waits on decoding or scheduling.
//
// An [protocol.Interruption] purges every queued [protocol.AudioPayload] ahead
// of it: that audio belongs to the cut-off response and must never sound.
// Other chunk kinds keep their order.
type inbox struct {
	mu     sync.Mutex
	items  []protocol.Chunk
	closed bool

	ready chan struct{}
	done  chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// push appends chunks in order and returns how many queued audio payloads
// were purged by interruptions among them.
func (q *inbox) push(chunks ...protocol.Chunk) (purged int) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	for _, c := range chunks {
		if _, ok := c.(protocol.Interruption); ok {
			kept := q.items[:0]
			for _, it := range q.items {
				if _, audio := it.(protocol.AudioPayload); audio {
					purged++
					continue
				}
				kept = append(kept, it)
			}
			clear(q.items[len(kept):])
			q.items = kept
		}
		q.items = append(q.items, c)
	}
	q.mu.Unlock()

	signal(q.ready)
	return purged
}

// next blocks until a chunk is available or the inbox is closed.
func (q *inbox) next() (protocol.Chunk, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			c := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return c, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		}
	}
}

// len returns the number of queued chunks.
func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close discards every queued chunk and wakes the consumer. Only the first
// call has an effect.
func (q *inbox) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}

// signal performs a non-blocking send on a one-slot wake-up channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
