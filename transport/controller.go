package transport

import (
	"context"

	"golang.org/x/xerrors"
)

// Op selects the reduction applied by Reduce and Allreduce.
type Op uint8

const (
	OpSum Op = iota
	OpMax
)

// Controller exposes the operation set the coordination protocols consume on
// top of a Fabric. All collectives use a star strategy rooted at one peer:
// with a handful of peers and small payloads the extra hops of tree or ring
// schedules buy nothing.
type Controller struct {
	fabric Fabric
}

// NewController wraps the provided fabric.
func NewController(fabric Fabric) *Controller {
	return &Controller{fabric: fabric}
}

// Rank returns the local peer's rank.
func (c *Controller) Rank() int { return c.fabric.Rank() }

// Size returns the number of peers in the group.
func (c *Controller) Size() int { return c.fabric.Size() }

// Fabric returns the underlying frame mover.
func (c *Controller) Fabric() Fabric { return c.fabric }

// Close releases the underlying fabric.
func (c *Controller) Close() error { return c.fabric.Close() }

func (c *Controller) send(ctx context.Context, to int, ch Channel, tag Tag, kind ElemKind, payload []byte) error {
	return c.fabric.Send(ctx, to, ch, Envelope{From: c.Rank(), Tag: tag, Kind: kind, Payload: payload})
}

// Bcast distributes buf from root to every peer. On non-root peers buf is
// overwritten with root's values.
func Bcast[T Elem](ctx context.Context, c *Controller, buf []T, root int) error {
	if c.Rank() == root {
		payload := Marshal(buf)
		for peer := 0; peer < c.Size(); peer++ {
			if peer == root {
				continue
			}
			if err := c.send(ctx, peer, Ctrl, tagBcast, KindOf[T](), payload); err != nil {
				return xerrors.Errorf("bcast from root %d: %w", root, err)
			}
		}
		return nil
	}
	env, err := c.fabric.Recv(ctx, root, Ctrl, tagBcast)
	if err != nil {
		return xerrors.Errorf("bcast recv at rank %d: %w", c.Rank(), err)
	}
	Unmarshal(env.Payload, buf)
	return nil
}

// Scatter hands each peer one element of send. Only root inspects send; the
// local element is returned on every peer.
func Scatter[T Elem](ctx context.Context, c *Controller, send []T, root int) (T, error) {
	var zero T
	if c.Rank() == root {
		if len(send) < c.Size() {
			return zero, xerrors.Errorf("scatter: need %d elements, got %d", c.Size(), len(send))
		}
		for peer := 0; peer < c.Size(); peer++ {
			if peer == root {
				continue
			}
			if err := c.send(ctx, peer, Ctrl, tagScatter, KindOf[T](), Marshal(send[peer:peer+1])); err != nil {
				return zero, xerrors.Errorf("scatter to %d: %w", peer, err)
			}
		}
		return send[root], nil
	}
	env, err := c.fabric.Recv(ctx, root, Ctrl, tagScatter)
	if err != nil {
		return zero, xerrors.Errorf("scatter recv at rank %d: %w", c.Rank(), err)
	}
	out := make([]T, 1)
	Unmarshal(env.Payload, out)
	return out[0], nil
}

// Scatterv splits send into per-peer chunks of the given counts and delivers
// each chunk to its peer. Only root inspects send and counts must name one
// count per peer on root; every peer receives its own chunk.
func Scatterv[T Elem](ctx context.Context, c *Controller, send []T, counts []int, root int) ([]T, error) {
	if c.Rank() == root {
		if len(counts) != c.Size() {
			return nil, xerrors.Errorf("scatterv: need %d counts, got %d", c.Size(), len(counts))
		}
		displs := make([]int, c.Size())
		for i := 1; i < c.Size(); i++ {
			displs[i] = displs[i-1] + counts[i-1]
		}
		for peer := 0; peer < c.Size(); peer++ {
			if peer == root {
				continue
			}
			chunk := send[displs[peer] : displs[peer]+counts[peer]]
			if err := c.send(ctx, peer, Ctrl, tagScatterv, KindOf[T](), Marshal(chunk)); err != nil {
				return nil, xerrors.Errorf("scatterv to %d: %w", peer, err)
			}
		}
		own := make([]T, counts[root])
		copy(own, send[displs[root]:displs[root]+counts[root]])
		return own, nil
	}
	env, err := c.fabric.Recv(ctx, root, Ctrl, tagScatterv)
	if err != nil {
		return nil, xerrors.Errorf("scatterv recv at rank %d: %w", c.Rank(), err)
	}
	out := make([]T, len(env.Payload)/KindOf[T]().size())
	Unmarshal(env.Payload, out)
	return out, nil
}

func accumulate[T Elem](dst, src []T, op Op) {
	for i := range dst {
		switch op {
		case OpSum:
			dst[i] += src[i]
		case OpMax:
			if src[i] > dst[i] {
				dst[i] = src[i]
			}
		}
	}
}

// Reduce folds the src buffers of all peers into dst at root. dst is only
// meaningful on root; on other peers it is left holding a copy of src,
// matching the runtime's convention that only the root observes the global
// value.
func Reduce[T Elem](ctx context.Context, c *Controller, src, dst []T, op Op, root int) error {
	copy(dst, src)
	if c.Rank() != root {
		return c.send(ctx, root, Ctrl, tagReduce, KindOf[T](), Marshal(src))
	}
	tmp := make([]T, len(dst))
	for i := 0; i < c.Size()-1; i++ {
		env, err := c.fabric.Recv(ctx, AnySource, Ctrl, tagReduce)
		if err != nil {
			return xerrors.Errorf("reduce recv at root: %w", err)
		}
		Unmarshal(env.Payload, tmp)
		accumulate(dst, tmp, op)
	}
	return nil
}

// Allreduce folds the src buffers of all peers into dst on every peer,
// implemented as a reduce to rank 0 followed by a broadcast.
func Allreduce[T Elem](ctx context.Context, c *Controller, src, dst []T, op Op) error {
	if err := Reduce(ctx, c, src, dst, op, 0); err != nil {
		return err
	}
	return Bcast(ctx, c, dst, 0)
}

// Barrier blocks until every peer has entered. Peers report to rank 0 and
// wait for its release.
func (c *Controller) Barrier(ctx context.Context) error {
	token := []int32{int32(c.Rank())}
	if c.Rank() != 0 {
		if err := c.send(ctx, 0, Ctrl, tagBarrierEnter, Int32, Marshal(token)); err != nil {
			return xerrors.Errorf("barrier enter: %w", err)
		}
		if _, err := c.fabric.Recv(ctx, 0, Ctrl, tagBarrierRelease); err != nil {
			return xerrors.Errorf("barrier release: %w", err)
		}
		return nil
	}
	for i := 0; i < c.Size()-1; i++ {
		if _, err := c.fabric.Recv(ctx, AnySource, Ctrl, tagBarrierEnter); err != nil {
			return xerrors.Errorf("barrier gather: %w", err)
		}
	}
	for peer := 1; peer < c.Size(); peer++ {
		if err := c.send(ctx, peer, Ctrl, tagBarrierRelease, Int32, Marshal(token)); err != nil {
			return xerrors.Errorf("barrier notify %d: %w", peer, err)
		}
	}
	return nil
}

// RequestPull implements the pull handshake on the pull channel. Non-root
// peers send their rank as a one-int request and block until root replies
// with its buffer, which overwrites buf. Root serves exactly one request per
// non-root peer, replying with its own buf unchanged.
func RequestPull[T Elem](ctx context.Context, c *Controller, buf []T, tag Tag) error {
	if c.Rank() == 0 {
		payload := Marshal(buf)
		for i := 0; i < c.Size()-1; i++ {
			env, err := c.fabric.Recv(ctx, AnySource, PullCh, tag)
			if err != nil {
				return xerrors.Errorf("pull request recv: %w", err)
			}
			req := make([]int32, 1)
			Unmarshal(env.Payload, req)
			if err := c.send(ctx, int(req[0]), PullCh, tag, KindOf[T](), payload); err != nil {
				return xerrors.Errorf("pull reply to %d: %w", req[0], err)
			}
		}
		return nil
	}
	if err := c.send(ctx, 0, PullCh, tag, Int32, Marshal([]int32{int32(c.Rank())})); err != nil {
		return xerrors.Errorf("pull request send: %w", err)
	}
	env, err := c.fabric.Recv(ctx, 0, PullCh, tag)
	if err != nil {
		return xerrors.Errorf("pull reply recv: %w", err)
	}
	Unmarshal(env.Payload, buf)
	return nil
}

// CollectPush implements the gradient push on the push channel. Non-root
// peers send src to root; root receives size-1 buffers matching tag from any
// source and accumulates their elementwise sum into dst.
func CollectPush[T Elem](ctx context.Context, c *Controller, src, dst []T, tag Tag) error {
	if c.Rank() != 0 {
		return c.send(ctx, 0, PushCh, tag, KindOf[T](), Marshal(src))
	}
	tmp := make([]T, len(dst))
	for i := 0; i < c.Size()-1; i++ {
		env, err := c.fabric.Recv(ctx, AnySource, PushCh, tag)
		if err != nil {
			return xerrors.Errorf("push recv: %w", err)
		}
		Unmarshal(env.Payload, tmp)
		accumulate(dst, tmp, OpSum)
	}
	return nil
}

// SendNext sends a tagged buffer to rank+1. It is a no-op on the last rank.
func SendNext[T Elem](ctx context.Context, c *Controller, buf []T, tag Tag) error {
	if c.Rank() >= c.Size()-1 {
		return nil
	}
	return c.send(ctx, c.Rank()+1, Ctrl, tag, KindOf[T](), Marshal(buf))
}

// RecvPrev receives a tagged buffer from rank-1 into buf. It is a no-op on
// rank 0.
func RecvPrev[T Elem](ctx context.Context, c *Controller, buf []T, tag Tag) error {
	if c.Rank() == 0 {
		return nil
	}
	env, err := c.fabric.Recv(ctx, c.Rank()-1, Ctrl, tag)
	if err != nil {
		return err
	}
	Unmarshal(env.Payload, buf)
	return nil
}

// SendPrev sends a tagged buffer to rank-1. It is a no-op on rank 0.
func SendPrev[T Elem](ctx context.Context, c *Controller, buf []T, tag Tag) error {
	if c.Rank() == 0 {
		return nil
	}
	return c.send(ctx, c.Rank()-1, Ctrl, tag, KindOf[T](), Marshal(buf))
}

// RecvNext receives a tagged buffer from rank+1 into buf. It is a no-op on
// the last rank.
func RecvNext[T Elem](ctx context.Context, c *Controller, buf []T, tag Tag) error {
	if c.Rank() >= c.Size()-1 {
		return nil
	}
	env, err := c.fabric.Recv(ctx, c.Rank()+1, Ctrl, tag)
	if err != nil {
		return err
	}
	Unmarshal(env.Payload, buf)
	return nil
}
