// Package pipeline streams activations rank-to-rank during forward passes
// and gradients in reverse during backward passes. Admission is flag based:
// a peer only runs its layer slice when its upstream neighbour raised the
// flag, so priming and draining steps propagate through the chain without
// special cases at the call sites.
package pipeline

import (
	"context"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/mat"

	"github.com/featherml/feather/transport"
)

// Streamer owns one peer's forward and backward flags and the neighbour IO
// around its layer slice.
type Streamer struct {
	ctrl *transport.Controller

	forwardFlag  int32
	backwardFlag int32
}

// NewStreamer builds the streamer. The pipeline head starts with its
// forward flag raised; every backward flag starts lowered until the first
// forward pass reaches the tail.
func NewStreamer(ctrl *transport.Controller) *Streamer {
	s := &Streamer{ctrl: ctrl}
	if ctrl.Rank() == 0 {
		s.forwardFlag = 1
	}
	return s
}

func (s *Streamer) rank() int { return s.ctrl.Rank() }
func (s *Streamer) size() int { return s.ctrl.Size() }

// head reports whether this peer starts the pipeline.
func (s *Streamer) head() bool { return s.rank() == 0 }

// tail reports whether this peer ends the pipeline.
func (s *Streamer) tail() bool { return s.rank() == s.size()-1 }

// RecvForward obtains this step's admission and, on admitted non-head
// peers, the upstream activation. The head peer never receives; it is
// admitted by its own flag and feeds the local batch input.
func (s *Streamer) RecvForward(ctx context.Context) (bool, *mat.Dense, error) {
	if s.head() {
		return s.forwardFlag == 1, nil, nil
	}
	flag := []int32{0}
	if err := transport.RecvPrev(ctx, s.ctrl, flag, transport.TagForwardFlag); err != nil {
		return false, nil, xerrors.Errorf("receiving forward flag: %w", err)
	}
	s.forwardFlag = flag[0]
	if s.forwardFlag != 1 {
		return false, nil, nil
	}
	x, err := s.recvMatrix(ctx, transport.TagForwardShape, transport.TagForwardPayload, s.rank()-1)
	if err != nil {
		return false, nil, xerrors.Errorf("receiving activation: %w", err)
	}
	return true, x, nil
}

// SendForward hands the slice output to the downstream neighbour: the flag
// always, shape and payload only when admitted. After sending, the forward
// flag drops; in predict mode the head re-raises it so the next inference
// pass admits without a backward step in between.
func (s *Streamer) SendForward(ctx context.Context, out *mat.Dense, predict bool) error {
	if !s.tail() {
		if err := transport.SendNext(ctx, s.ctrl, []int32{s.forwardFlag}, transport.TagForwardFlag); err != nil {
			return xerrors.Errorf("sending forward flag: %w", err)
		}
		if s.forwardFlag == 1 {
			if err := s.sendMatrix(ctx, out, transport.TagForwardShape, transport.TagForwardPayload, s.rank()+1); err != nil {
				return xerrors.Errorf("sending activation: %w", err)
			}
		}
	}
	s.forwardFlag = 0
	if predict && s.head() {
		s.forwardFlag = 1
	}
	if s.tail() {
		s.backwardFlag = 1
	}
	return nil
}

// RecvBackward obtains this step's backward admission and, on admitted
// non-tail peers, the downstream gradient. The tail never receives; it is
// admitted by its own flag, raised when a forward pass completed.
func (s *Streamer) RecvBackward(ctx context.Context) (bool, *mat.Dense, error) {
	if s.tail() {
		return s.backwardFlag == 1, nil, nil
	}
	flag := []int32{0}
	if err := transport.RecvNext(ctx, s.ctrl, flag, transport.TagBackwardFlag); err != nil {
		return false, nil, xerrors.Errorf("receiving backward flag: %w", err)
	}
	s.backwardFlag = flag[0]
	if s.backwardFlag != 1 {
		return false, nil, nil
	}
	grad, err := s.recvMatrix(ctx, transport.TagBackwardShape, transport.TagBackwardPayload, s.rank()+1)
	if err != nil {
		return false, nil, xerrors.Errorf("receiving gradient: %w", err)
	}
	return true, grad, nil
}

// SendBackward hands the slice's input gradient to the upstream neighbour
// and lowers the backward flag. The head additionally re-raises its forward
// flag: completing a backward step admits the next batch.
func (s *Streamer) SendBackward(ctx context.Context, grad *mat.Dense) error {
	if !s.head() {
		if err := transport.SendPrev(ctx, s.ctrl, []int32{s.backwardFlag}, transport.TagBackwardFlag); err != nil {
			return xerrors.Errorf("sending backward flag: %w", err)
		}
		if s.backwardFlag == 1 {
			if err := s.sendMatrix(ctx, grad, transport.TagBackwardShape, transport.TagBackwardPayload, s.rank()-1); err != nil {
				return xerrors.Errorf("sending gradient: %w", err)
			}
		}
	}
	s.backwardFlag = 0
	if s.head() {
		s.forwardFlag = 1
	}
	return nil
}

// Flush propagates one lowered forward flag down the chain so no peer is
// left blocked on a step that will never come.
func (s *Streamer) Flush(ctx context.Context) error {
	if s.head() {
		s.forwardFlag = 0
		return transport.SendNext(ctx, s.ctrl, []int32{0}, transport.TagForwardFlag)
	}
	flag := []int32{0}
	if err := transport.RecvPrev(ctx, s.ctrl, flag, transport.TagForwardFlag); err != nil {
		return xerrors.Errorf("receiving flush flag: %w", err)
	}
	s.forwardFlag = 0
	return transport.SendNext(ctx, s.ctrl, flag, transport.TagForwardFlag)
}

func (s *Streamer) sendMatrix(ctx context.Context, m *mat.Dense, shapeTag, payloadTag transport.Tag, to int) error {
	rows, cols := m.Dims()
	shape := []int32{int32(rows), int32(cols)}
	payload := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			payload[i*cols+j] = m.At(i, j)
		}
	}
	var err error
	if to == s.rank()+1 {
		if err = transport.SendNext(ctx, s.ctrl, shape, shapeTag); err == nil {
			err = transport.SendNext(ctx, s.ctrl, payload, payloadTag)
		}
	} else {
		if err = transport.SendPrev(ctx, s.ctrl, shape, shapeTag); err == nil {
			err = transport.SendPrev(ctx, s.ctrl, payload, payloadTag)
		}
	}
	return err
}

func (s *Streamer) recvMatrix(ctx context.Context, shapeTag, payloadTag transport.Tag, from int) (*mat.Dense, error) {
	shape := []int32{0, 0}
	var err error
	if from == s.rank()-1 {
		err = transport.RecvPrev(ctx, s.ctrl, shape, shapeTag)
	} else {
		err = transport.RecvNext(ctx, s.ctrl, shape, shapeTag)
	}
	if err != nil {
		return nil, err
	}
	payload := make([]float64, int(shape[0])*int(shape[1]))
	if from == s.rank()-1 {
		err = transport.RecvPrev(ctx, s.ctrl, payload, payloadTag)
	} else {
		err = transport.RecvNext(ctx, s.ctrl, payload, payloadTag)
	}
	if err != nil {
		return nil, err
	}
	return mat.NewDense(int(shape[0]), int(shape[1]), payload), nil
}
