// Package memfabric provides an in-process transport fabric. Every peer of
// the group lives in the same process and exchanges frames through shared
// mailboxes, which makes it the fabric of choice for tests and single-host
// experiments.
package memfabric

import (
	"context"
	"sync"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/featherml/feather/transport"
)

// Group is the shared state behind the fabrics of one in-process peer set.
type Group struct {
	size  int
	boxes [][]*transport.Mailbox // [rank][channel]
}

// NewGroup creates the fabrics for an in-process peer group of the given
// size. The returned slice is indexed by rank.
func NewGroup(size int) []*Fabric {
	g := &Group{size: size, boxes: make([][]*transport.Mailbox, size)}
	fabrics := make([]*Fabric, size)
	for rank := 0; rank < size; rank++ {
		g.boxes[rank] = []*transport.Mailbox{
			transport.NewMailbox(),
			transport.NewMailbox(),
			transport.NewMailbox(),
		}
		fabrics[rank] = &Fabric{group: g, rank: rank}
	}
	return fabrics
}

// RunGroup creates a fresh in-process group and runs fn concurrently for
// every rank, one goroutine per peer, joining them all before returning the
// combined errors. It is the entry point for single-host experiments and
// multi-peer tests.
func RunGroup(size int, fn func(rank int, fabric *Fabric) error) error {
	fabrics := NewGroup(size)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for rank := range fabrics {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			if err := fn(rank, fabrics[rank]); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
		}(rank)
	}
	wg.Wait()
	return errs
}

// Fabric is one peer's endpoint into the group.
type Fabric struct {
	group *Group
	rank  int

	mu     sync.Mutex
	closed bool
}

var _ transport.Fabric = (*Fabric)(nil)

// Rank returns the peer's rank within the group.
func (f *Fabric) Rank() int { return f.rank }

// Size returns the size of the peer group.
func (f *Fabric) Size() int { return f.group.size }

// Send delivers env to the destination peer's mailbox for ch. Sends are
// buffered and never block on the receiver.
func (f *Fabric) Send(_ context.Context, to int, ch transport.Channel, env transport.Envelope) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	return f.group.boxes[to][ch].Put(env)
}

// Recv blocks until a frame matching (from, tag) arrives on ch.
func (f *Fabric) Recv(ctx context.Context, from int, ch transport.Channel, tag transport.Tag) (transport.Envelope, error) {
	return f.group.boxes[f.rank][ch].Take(ctx, from, tag)
}

// Close shuts the peer's mailboxes; pending and future Recvs fail with
// ErrClosed.
func (f *Fabric) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	for _, box := range f.group.boxes[f.rank] {
		box.Close()
	}
	return nil
}
