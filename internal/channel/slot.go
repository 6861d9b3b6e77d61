package channel

import "sync"

// slot is a one-element mailbox with replace-latest semantics. Offer never
// blocks: an unread value is discarded in favour of the new one.
type slot struct {
	mu     sync.Mutex
	ch     chan Update
	closed bool
}

func newSlot() *slot {
	return &slot{ch: make(chan Update, 1)}
}

// offer stores u, displacing any unread update. It reports whether an unread
// update was displaced.
func (s *slot) offer(u Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	displaced := false
	select {
	case <-s.ch:
		displaced = true
	default:
	}
	s.ch <- u
	return displaced
}

func (s *slot) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
