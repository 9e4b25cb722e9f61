package transcript

import "sync"

// Sequence mints MessageOrder values for one session. It lives as long as the
// session is mounted and is never shared between sessions.
type Sequence struct {
	mu   sync.Mutex
	next int
}

// NewSequence seeds the counter from previously loaded history: one past the
// highest MessageOrder, or the number of messages if that is larger.
func NewSequence(existing []Message) *Sequence {
	s := &Sequence{}
	s.Observe(existing...)
	return s
}

// Next returns the current value and advances the counter.
func (s *Sequence) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next++
	return n
}

// Observe raises the counter past any order carried by msgs. It never lowers
// it, so values already issued are not handed out again.
func (s *Sequence) Observe(msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	floor := len(msgs)
	for _, m := range msgs {
		if m.MessageOrder+1 > floor {
			floor = m.MessageOrder + 1
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if floor > s.next {
		s.next = floor
	}
}

// Peek returns the value the next call to Next will return.
func (s *Sequence) Peek() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
