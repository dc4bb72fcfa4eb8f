// Package model assembles modules into a sequential network whose forward
// and backward passes drive the parameter-synchronization protocol selected
// by the run's parallelism mode.
package model

import (
	"context"
	"io"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/mat"

	"github.com/featherml/feather/cluster"
	"github.com/featherml/feather/dispatch"
	"github.com/featherml/feather/nn"
	"github.com/featherml/feather/params"
	"github.com/featherml/feather/pipeline"
)

// Mode selects the forward pass behavior.
type Mode string

const (
	// Train records state for backward and triggers parameter pulls
	// under data parallelism.
	Train Mode = "train"
	// Predict runs inference only.
	Predict Mode = "predict"
)

// replayer is satisfied by modules that can re-run their forward map
// without recording state; the pipeline backward pass re-materializes
// activations through it.
type replayer interface {
	Replay(x *mat.Dense) *mat.Dense
}

// Config carries the options for building a Sequential model.
type Config struct {
	// Runtime is the peer's coordination context.
	Runtime *cluster.Runtime

	// Store owns the parameter slots the modules borrow.
	Store *params.Store

	// Dispatcher issues pulls and pushes under data parallelism.
	Dispatcher *dispatch.Dispatcher

	// Modules is the full module stack, alternating linear layers and
	// activations. Under pipeline parallelism each peer keeps only the
	// slice covering its owned layer range.
	Modules []nn.Module

	// Logger for model events. A null logger is used if not specified.
	Logger *logrus.Entry
}

// Validate the config options, filling in defaults.
func (cfg *Config) Validate() error {
	var err error
	if cfg.Runtime == nil {
		err = multierror.Append(err, xerrors.New("runtime not specified"))
	}
	if cfg.Store == nil {
		err = multierror.Append(err, xerrors.New("parameter store not specified"))
	}
	if len(cfg.Modules) == 0 {
		err = multierror.Append(err, xerrors.New("module stack not specified"))
	}
	if cfg.Runtime != nil && cfg.Runtime.Parallelism() == cluster.DataParallelism && cfg.Dispatcher == nil {
		err = multierror.Append(err, xerrors.New("dispatcher required under data parallelism"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}
	return err
}

// Sequential runs a module stack in order, coordinating with the rest of
// the peer group according to the parallelism mode.
type Sequential struct {
	rt      *cluster.Runtime
	store   *params.Store
	disp    *dispatch.Dispatcher
	modules []nn.Module
	stream  *pipeline.Streamer
	loss    nn.MSE
	logger  *logrus.Entry

	// sliceInput caches the activation entering this peer's layer slice;
	// the backward pass re-materializes intermediate activations from it.
	sliceInput *mat.Dense
}

// NewSequential builds the model. Under pipeline parallelism the stack is
// cut down to the modules covering the peer's owned layer range.
func NewSequential(cfg Config) (*Sequential, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("model config validation failed: %w", err)
	}
	s := &Sequential{
		rt:      cfg.Runtime,
		store:   cfg.Store,
		disp:    cfg.Dispatcher,
		modules: cfg.Modules,
		logger:  cfg.Logger,
	}
	if cfg.Runtime.Parallelism() == cluster.PipelineParallelism {
		owned := cfg.Store.Owned()
		lo, hi := 2*owned.Min, 2*(owned.Max+1)
		if hi > len(cfg.Modules) {
			return nil, xerrors.Errorf("module stack of %d too short for layer range [%d, %d]", len(cfg.Modules), owned.Min, owned.Max)
		}
		s.modules = cfg.Modules[lo:hi]
		s.stream = pipeline.NewStreamer(cfg.Runtime.Controller())
	}
	return s, nil
}

// OutputWidth returns the width of the final layer, which doubles as the
// class count for one-hot encoding.
func (s *Sequential) OutputWidth() int {
	shape := s.store.Shape()
	return shape[len(shape)-1]
}

// SetLearningRate sets the update step size on every module.
func (s *Sequential) SetLearningRate(lr float64) {
	for _, m := range s.modules {
		m.SetLearningRate(lr)
	}
}

// ParameterCount returns the number of trainable parameters held locally.
func (s *Sequential) ParameterCount() int {
	count := 0
	for _, m := range s.modules {
		count += m.ParameterCount()
	}
	return count
}

// Describe logs the local module stack.
func (s *Sequential) Describe() {
	for _, m := range s.modules {
		s.logger.WithField("parameters", m.ParameterCount()).Debug(m.Name())
	}
	s.logger.WithField("parameters", s.ParameterCount()).Debug("model assembled")
}

// Forward evaluates the stack on x. Under data parallelism a training pass
// first refreshes the parameters from rank 0; under pipeline parallelism
// the pass participates in the activation stream and x is only consumed by
// the pipeline head.
func (s *Sequential) Forward(ctx context.Context, x *mat.Dense, mode Mode) (*mat.Dense, error) {
	switch s.rt.Parallelism() {
	case cluster.PipelineParallelism:
		return s.forwardPipeline(ctx, x, mode)
	case cluster.DataParallelism:
		if mode == Train {
			if err := s.disp.PullParameters(ctx, s.rt.Status()); err != nil {
				return nil, xerrors.Errorf("pulling parameters: %w", err)
			}
		}
	}
	out := x
	for _, m := range s.modules {
		out = m.Forward(out)
	}
	return out, nil
}

// Backward computes the loss against y and propagates gradients through the
// stack, synchronizing according to the parallelism mode. The returned loss
// is only meaningful on peers that evaluate it (every peer under full
// replication, the pipeline tail otherwise).
func (s *Sequential) Backward(ctx context.Context, y, yPred *mat.Dense) (float64, error) {
	switch s.rt.Parallelism() {
	case cluster.PipelineParallelism:
		return s.backwardPipeline(ctx, y, yPred)
	case cluster.DataParallelism:
		return s.backwardData(ctx, y, yPred)
	default:
		loss := s.loss.Forward(y, yPred)
		grad := s.loss.Backward(y, yPred)
		for i := len(s.modules) - 1; i >= 0; i-- {
			grad = s.modules[i].Backward(grad)
		}
		return loss, nil
	}
}

func (s *Sequential) backwardData(ctx context.Context, y, yPred *mat.Dense) (float64, error) {
	loss := s.loss.Forward(y, yPred)
	grad := s.loss.Backward(y, yPred)
	tag := 0
	for i := len(s.modules) - 1; i >= 0; i-- {
		// In sync train mode rank 0's copy becomes the group average
		// before the local update consumes it; other peers contribute
		// theirs and keep updating from the local value. In async mode
		// the push works on a snapshot, so every peer, rank 0 included,
		// updates from its local value.
		if err := s.disp.PushGradients(ctx, s.rt.Status(), grad, tag); err != nil {
			return 0, xerrors.Errorf("pushing gradients for module %d: %w", i, err)
		}
		grad = s.modules[i].Backward(grad)
		tag++
	}
	return loss, nil
}

func (s *Sequential) forwardPipeline(ctx context.Context, x *mat.Dense, mode Mode) (*mat.Dense, error) {
	admit, upstream, err := s.stream.RecvForward(ctx)
	if err != nil {
		return nil, err
	}
	out := x
	if admit {
		input := x
		if upstream != nil {
			input = upstream
		}
		s.sliceInput = mat.DenseCopyOf(input)
		out = input
		for _, m := range s.modules {
			// Linear layers replay without recording: their
			// backward inputs are re-materialized instead of
			// stored.
			if lin, ok := m.(*nn.Linear); ok {
				out = lin.Replay(out)
			} else {
				out = m.Forward(out)
			}
		}
	}
	if err := s.stream.SendForward(ctx, out, mode == Predict); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Sequential) backwardPipeline(ctx context.Context, y, yPred *mat.Dense) (float64, error) {
	var (
		loss float64
		grad *mat.Dense
	)
	admit, downstream, err := s.stream.RecvBackward(ctx)
	if err != nil {
		return 0, err
	}
	if admit {
		if downstream != nil {
			grad = downstream
		} else {
			// The tail owns the loss.
			loss = s.loss.Forward(y, yPred)
			grad = s.loss.Backward(y, yPred)
		}
		for i := len(s.modules) - 1; i >= 0; i-- {
			if lin, ok := s.modules[i].(*nn.Linear); ok {
				grad = lin.BackwardFrom(grad, s.rematerialize(i))
			} else {
				grad = s.modules[i].Backward(grad)
			}
		}
	} else {
		grad = mat.NewDense(1, 1, nil)
	}
	if err := s.stream.SendBackward(ctx, grad); err != nil {
		return 0, err
	}
	return loss, nil
}

// rematerialize recomputes the activation feeding the module at the given
// local position by replaying the earlier slice modules from the cached
// slice input.
func (s *Sequential) rematerialize(position int) *mat.Dense {
	activation := s.sliceInput
	for i := 0; i < position; i++ {
		activation = s.modules[i].(replayer).Replay(activation)
	}
	return activation
}

// Flush propagates a lowered forward flag through the pipeline; a no-op in
// the other modes.
func (s *Sequential) Flush(ctx context.Context) error {
	if s.stream == nil {
		return nil
	}
	return s.stream.Flush(ctx)
}
