package tool

import (
	"sync"
	"time"
)

// SendBudget caps outbound messages over a sliding window. The budget is
// shared by every agent holding the same tool instance.
type SendBudget struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	sent   []time.Time
	now    func() time.Time
}

// NewSendBudget allows limit sends per window.
func NewSendBudget(limit int, window time.Duration) *SendBudget {
	return &SendBudget{limit: limit, window: window, now: time.Now}
}

// Take spends one send. When the budget is exhausted it returns false and
// how long until the oldest send leaves the window.
func (b *SendBudget) Take() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.expire(now)
	if len(b.sent) >= b.limit {
		if len(b.sent) == 0 {
			return false, b.window
		}
		return false, b.sent[0].Add(b.window).Sub(now)
	}
	b.sent = append(b.sent, now)
	return true, 0
}

// Remaining reports how many sends are left in the current window.
func (b *SendBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire(b.now())
	return max(b.limit-len(b.sent), 0)
}

func (b *SendBudget) expire(now time.Time) {
	cutoff := now.Add(-b.window)
	n := 0
	for _, t := range b.sent {
		if t.After(cutoff) {
			b.sent[n] = t
			n++
		}
	}
	b.sent = b.sent[:n]
}
