// Package feather wires the coordination components of one peer into a
// ready-to-train setup: process-group runtime, parameter placement, sync
// dispatcher and the sequential model over a layer shape.
package feather

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/featherml/feather/cluster"
	"github.com/featherml/feather/dispatch"
	"github.com/featherml/feather/model"
	"github.com/featherml/feather/nn"
	"github.com/featherml/feather/params"
)

// Setup bundles the bootstrapped components of one peer.
type Setup struct {
	Runtime    *cluster.Runtime
	Store      *params.Store
	Dispatcher *dispatch.Dispatcher
	Model      *model.Sequential
}

// Options tunes Bootstrap beyond the cluster config.
type Options struct {
	// Seed for parameter initialization. Defaults to params.DefaultSeed;
	// identical seeds keep replicas aligned where no synchronization
	// runs.
	Seed int64

	// QueueDepth bounds the async dispatch queue.
	QueueDepth int

	// Logger for the bootstrapped components. A null logger is used if
	// not specified.
	Logger *logrus.Entry
}

// Bootstrap builds the peer's runtime, places the parameters according to
// the parallelism mode, assembles the module stack and, under data
// parallelism, primes every peer with rank 0's initial parameters.
//
// Under pipeline parallelism a layer stack shorter than the peer group is a
// fatal configuration error: the caller is expected to exit non-zero.
func Bootstrap(ctx context.Context, cfg cluster.Config, shape []int, opts Options) (*Setup, error) {
	if opts.Seed == 0 {
		opts.Seed = params.DefaultSeed
	}
	if opts.Logger != nil && cfg.Logger == nil {
		cfg.Logger = opts.Logger
	}

	rt, err := cluster.NewRuntime(cfg)
	if err != nil {
		return nil, err
	}

	numLayers := len(shape) - 1
	owned := params.Range{Min: 0, Max: numLayers - 1}
	if rt.Parallelism() == cluster.PipelineParallelism {
		ranges, err := params.Distribute(numLayers, rt.Size())
		if err != nil {
			return nil, xerrors.Errorf("the network's parameters can be distributed to a maximum of %d nodes: %w", numLayers, err)
		}
		owned = ranges[rt.Rank()]
	}

	store, err := params.NewStore(shape, owned, opts.Seed)
	if err != nil {
		return nil, err
	}

	disp, err := dispatch.New(dispatch.Config{
		Runtime:    rt,
		Store:      store,
		QueueDepth: opts.QueueDepth,
		Logger:     rt.Logger(),
	})
	if err != nil {
		return nil, err
	}

	mdl, err := model.NewSequential(model.Config{
		Runtime:    rt,
		Store:      store,
		Dispatcher: disp,
		Modules:    BuildStack(store),
		Logger:     rt.Logger(),
	})
	if err != nil {
		return nil, err
	}

	// Under data parallelism every peer must start from rank 0's draw.
	if rt.Parallelism() == cluster.DataParallelism {
		if err := disp.Prime(ctx, rt.Status()); err != nil {
			return nil, xerrors.Errorf("priming parameters: %w", err)
		}
	}

	return &Setup{Runtime: rt, Store: store, Dispatcher: disp, Model: mdl}, nil
}

// BuildStack assembles the canonical module stack for the store's layer
// shape: a linear layer followed by ReLU for every hidden width, with
// Softmax after the final linear layer.
func BuildStack(store *params.Store) []nn.Module {
	numLayers := store.NumLayers()
	modules := make([]nn.Module, 0, 2*numLayers)
	for layer := 0; layer < numLayers; layer++ {
		modules = append(modules, nn.NewLinear(store, layer))
		if layer == numLayers-1 {
			modules = append(modules, nn.NewSoftmax())
		} else {
			modules = append(modules, nn.NewReLU())
		}
	}
	return modules
}

// Close tears the setup down in dependency order: the dispatcher's
// background worker first, then the transport.
func (s *Setup) Close() error {
	s.Dispatcher.Close()
	return s.Runtime.Close()
}
