// Package cluster holds the per-process coordination state of one peer in
// the training group: its rank and size, the parallelism and train-mode
// policy, the per-batch status stamp, the finish flag and the done-rank
// counter driving cooperative termination.
package cluster

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/featherml/feather/telemetry"
	"github.com/featherml/feather/transport"
)

// Parallelism selects how model parameters are placed across the peer group.
type Parallelism int

const (
	// TensorParallelism replicates the full model on every peer with no
	// per-batch parameter synchronization; replicas stay aligned only
	// through the shared init seed.
	TensorParallelism Parallelism = iota
	// DataParallelism replicates the full model on every peer; rank 0 is
	// authoritative and peers sync through per-batch pulls and pushes.
	DataParallelism
	// PipelineParallelism partitions the layer stack into contiguous
	// ranges, one per peer, streaming activations and gradients between
	// neighbours.
	PipelineParallelism
)

func (p Parallelism) String() string {
	switch p {
	case DataParallelism:
		return "data"
	case PipelineParallelism:
		return "pipeline"
	case TensorParallelism:
		return "tensor"
	default:
		return "unknown"
	}
}

// TrainMode selects whether parameter synchronization runs inline on the
// training thread or on the background worker.
type TrainMode int

const (
	// Sync runs pulls, pushes and barriers inline.
	Sync TrainMode = iota
	// Async enqueues them onto the single background worker.
	Async
)

func (m TrainMode) String() string {
	if m == Async {
		return "async"
	}
	return "sync"
}

// TrainStatus stamps the training loop's progress as (epoch, batch). It is
// lexicographically non-decreasing during a run.
type TrainStatus struct {
	Epoch int32
	Batch int32
}

// FinishSentinel marks an unset finish flag; no stamped status ever equals
// it.
var FinishSentinel = TrainStatus{Epoch: -1, Batch: -1}

// Config carries the options for building a Runtime.
type Config struct {
	// Fabric connects this peer to the rest of the group.
	Fabric transport.Fabric

	// Parallelism mode for the run. Defaults to TensorParallelism.
	Parallelism Parallelism

	// TrainMode policy for the run. Defaults to Sync.
	TrainMode TrainMode

	// Logger for runtime events. A null logger is used if not specified.
	Logger *logrus.Entry
}

// Validate the config options, filling in defaults.
func (cfg *Config) Validate() error {
	var err error
	if cfg.Fabric == nil {
		err = multierror.Append(err, xerrors.New("fabric not specified"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}
	return err
}

// Runtime is the single shared coordination context of one peer process.
// Everything that was process-global in earlier renditions of this design
// (controller, status stamps, mode switches) hangs off one Runtime value
// that is passed explicitly to the components that need it.
type Runtime struct {
	ctrl        *transport.Controller
	parallelism Parallelism
	trainMode   TrainMode
	logger      *logrus.Entry
	metrics     *telemetry.Metrics

	mu         sync.Mutex
	status     TrainStatus
	finishFlag TrainStatus

	doneRanks atomic.Int32
}

// NewRuntime builds the peer's runtime from the validated config.
func NewRuntime(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("cluster config validation failed: %w", err)
	}
	rt := &Runtime{
		ctrl:        transport.NewController(cfg.Fabric),
		parallelism: cfg.Parallelism,
		trainMode:   cfg.TrainMode,
		logger:      cfg.Logger.WithField("rank", cfg.Fabric.Rank()),
		metrics:     telemetry.New(),
		finishFlag:  FinishSentinel,
	}
	return rt, nil
}

// Controller returns the transport controller shared by all components of
// this peer.
func (rt *Runtime) Controller() *transport.Controller { return rt.ctrl }

// Rank returns the peer's rank.
func (rt *Runtime) Rank() int { return rt.ctrl.Rank() }

// Size returns the size of the peer group.
func (rt *Runtime) Size() int { return rt.ctrl.Size() }

// Parallelism returns the run's parameter placement mode.
func (rt *Runtime) Parallelism() Parallelism { return rt.parallelism }

// TrainMode returns the run's synchronization policy.
func (rt *Runtime) TrainMode() TrainMode { return rt.trainMode }

// Logger returns the rank-stamped logger.
func (rt *Runtime) Logger() *logrus.Entry { return rt.logger }

// Metrics returns the runtime's telemetry collectors.
func (rt *Runtime) Metrics() *telemetry.Metrics { return rt.metrics }

// Barrier blocks until every peer in the group has entered.
func (rt *Runtime) Barrier(ctx context.Context) error {
	return rt.ctrl.Barrier(ctx)
}

// StampStatus records the training loop's position before any collective of
// the batch is issued.
func (rt *Runtime) StampStatus(epoch, batch int32) {
	rt.mu.Lock()
	rt.status = TrainStatus{Epoch: epoch, Batch: batch}
	rt.mu.Unlock()
}

// Status returns the currently stamped status.
func (rt *Runtime) Status() TrainStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.status
}

// SetFinishFlag records the status value whose completion marks this peer
// as done.
func (rt *Runtime) SetFinishFlag(flag TrainStatus) {
	rt.mu.Lock()
	rt.finishFlag = flag
	rt.mu.Unlock()
}

// FinishFlag returns the peer's finish flag.
func (rt *Runtime) FinishFlag() TrainStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.finishFlag
}

// DoneRanks returns the last observed count of finished peers. The count is
// only ever advanced by the dispatcher's vote reduction, which records the
// tally on rank 0 alone; on other peers it keeps its initial value.
func (rt *Runtime) DoneRanks() int { return int(rt.doneRanks.Load()) }

// SetDoneRanks stores the reduced done-rank count.
func (rt *Runtime) SetDoneRanks(n int) {
	rt.doneRanks.Store(int32(n))
	rt.metrics.DoneRanks.Set(float64(n))
}

// Close releases the transport.
func (rt *Runtime) Close() error {
	return rt.ctrl.Close()
}
