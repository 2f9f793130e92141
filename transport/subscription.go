package transport

import (
	"sync"

	"waveline/wire"
)

// Subscription is a scoped view of the incoming message stream. Each
// subscriber receives every matching envelope in arrival order and is
// responsible for ignoring anything it does not care about. A consumer whose
// filter scope changes closes its subscription and opens a new one; the
// replacement never stacks on the old handler.
type Subscription struct {
	conn  *Conn
	types map[wire.Type]struct{}
	ch    chan wire.Message

	mu     sync.Mutex
	closed bool
}

// Subscribe registers a subscriber. With no types given, every envelope is
// delivered; otherwise only the listed types match.
func (c *Conn) Subscribe(types ...wire.Type) *Subscription {
	s := &Subscription{
		conn: c,
		ch:   make(chan wire.Message, subscriptionBuffer),
	}
	if len(types) > 0 {
		s.types = make(map[wire.Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.markClosed()
		return s
	}
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s
}

// C yields matching envelopes. It is closed when the subscription or the
// connection ends.
func (s *Subscription) C() <-chan wire.Message {
	return s.ch
}

// Close detaches the subscriber. Idempotent.
func (s *Subscription) Close() {
	s.conn.remove(s)
	s.markClosed()
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver enqueues a matching envelope. A subscriber that stops draining its
// channel loses newest-first rather than stalling the shared read loop.
func (s *Subscription) deliver(m wire.Message) {
	if s.types != nil {
		if _, ok := s.types[m.Type]; !ok {
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- m:
	default:
		s.conn.log.Warn("subscriber backlog full, dropping message", "type", m.Type)
	}
}
