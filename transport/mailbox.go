package transport

import (
	"context"
	"sync"
)

// Mailbox buffers the frames delivered to one (peer, channel) pair until a
// matching Recv claims them. Arrival order is preserved, so two frames with
// the same source and tag are always consumed in the order they were
// delivered. Fabric implementations share it as their receive-side store.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []Envelope
	closed bool
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put delivers a frame. Delivery never blocks.
func (m *Mailbox) Put(env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.frames = append(m.frames, env)
	m.cond.Broadcast()
	return nil
}

// Take removes and returns the first frame matching (from, tag), blocking
// until one arrives, the context expires or the mailbox closes. Pass
// AnySource to match frames from any peer.
func (m *Mailbox) Take(ctx context.Context, from int, tag Tag) (Envelope, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for i, env := range m.frames {
			if env.Tag != tag {
				continue
			}
			if from != AnySource && env.From != from {
				continue
			}
			m.frames = append(m.frames[:i], m.frames[i+1:]...)
			return env, nil
		}
		if m.closed {
			return Envelope{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Envelope{}, err
		}
		m.cond.Wait()
	}
}

// Close fails pending and future Takes with ErrClosed.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}
