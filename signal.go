package breezerun

import "sync"

// CancelSignal is a cooperatively-observed, idempotent cancellation flag.
// It is distinct from context cancellation so a cancelled turn can be told
// apart from a dead connection: the signal means "the user asked to stop",
// while the task's context ending means "stop waiting on whatever you await".
type CancelSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelSignal returns an unfired signal.
func NewCancelSignal() *CancelSignal {
	return &CancelSignal{ch: make(chan struct{})}
}

// Set fires the signal. Safe to call any number of times from any goroutine.
func (c *CancelSignal) Set() {
	c.once.Do(func() { close(c.ch) })
}

// Fired reports whether the signal has been set.
func (c *CancelSignal) Fired() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal fires.
func (c *CancelSignal) Done() <-chan struct{} {
	return c.ch
}
