// Package dispatch wraps the parameter-synchronization primitives — pull,
// push and barrier — with the uniform termination logic that lets peers
// finish at different times without deadlocking the group, and routes them
// either inline or onto the single background worker according to the train
// mode.
package dispatch

import (
	"context"
	"io"
	"sync"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/mat"

	"github.com/featherml/feather/cluster"
	"github.com/featherml/feather/params"
	"github.com/featherml/feather/transport"
)

// Config carries the options for building a Dispatcher.
type Config struct {
	// Runtime is the peer's coordination context.
	Runtime *cluster.Runtime

	// Store owns the parameter slots pulls overwrite.
	Store *params.Store

	// QueueDepth bounds the async queue. Ignored in sync mode.
	QueueDepth int

	// Logger for dispatch events. A null logger is used if not specified.
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
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}
	return err
}

// Dispatcher guards the synchronization primitives with the done-rank gate.
// Every dispatched operation runs four steps: check the gate, execute,
// compare the stamped status against the finish flag, and reduce the
// resulting votes to rank 0.
type Dispatcher struct {
	rt     *cluster.Runtime
	store  *params.Store
	queue  *Queue // nil in sync mode
	logger *logrus.Entry

	doneStatus int32

	mu       sync.Mutex
	asyncErr error
}

// New builds a Dispatcher. In async train mode it starts the background
// worker; Close joins it.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("dispatch config validation failed: %w", err)
	}
	d := &Dispatcher{
		rt:     cfg.Runtime,
		store:  cfg.Store,
		logger: cfg.Logger,
	}
	if cfg.Runtime.TrainMode() == cluster.Async {
		d.queue = NewQueue(cfg.QueueDepth)
	}
	return d, nil
}

// PullParameters refreshes every owned slot from rank 0, weights then bias
// in layer order. Non-root peers overwrite their local copies with root's;
// root serves one request per peer per slot.
func (d *Dispatcher) PullParameters(ctx context.Context, status cluster.TrainStatus) error {
	return d.dispatch(ctx, status, d.pull)
}

// PushGradients reduces grad to rank 0, which accumulates the peers' copies
// elementwise and divides by the group size; other peers send their copy
// unmodified. The tag identifies the backward layer position so pushes for
// different layers never alias.
func (d *Dispatcher) PushGradients(ctx context.Context, status cluster.TrainStatus, grad *mat.Dense, tag int) error {
	if d.queue != nil {
		// The background worker must not race the training loop over
		// the gradient, so it operates on a snapshot.
		snapshot := mat.DenseCopyOf(grad)
		return d.enqueue(ctx, status, func(ctx context.Context) error {
			return d.push(ctx, snapshot, tag)
		})
	}
	return d.run(ctx, status, func(ctx context.Context) error {
		return d.push(ctx, grad, tag)
	})
}

// Prime runs one inline pull, regardless of train mode. Bootstrap uses it
// to distribute rank 0's freshly initialized parameters before the first
// batch, so every peer starts from identical values.
func (d *Dispatcher) Prime(ctx context.Context, status cluster.TrainStatus) error {
	return d.run(ctx, status, d.pull)
}

// Barrier blocks until all peers enter, subject to the termination gate.
func (d *Dispatcher) Barrier(ctx context.Context, status cluster.TrainStatus) error {
	return d.dispatch(ctx, status, func(ctx context.Context) error {
		return d.rt.Barrier(ctx)
	})
}

// Err reports the first error hit by the background worker.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.asyncErr
}

// Close joins the background worker if one is running.
func (d *Dispatcher) Close() {
	if d.queue != nil {
		d.queue.Close()
	}
}

// dispatch routes the wrapped operation inline or onto the queue.
func (d *Dispatcher) dispatch(ctx context.Context, status cluster.TrainStatus, op func(context.Context) error) error {
	if d.queue != nil {
		return d.enqueue(ctx, status, op)
	}
	return d.run(ctx, status, op)
}

func (d *Dispatcher) enqueue(ctx context.Context, status cluster.TrainStatus, op func(context.Context) error) error {
	return d.queue.Enqueue(func() {
		if err := d.run(ctx, status, op); err != nil {
			d.mu.Lock()
			if d.asyncErr == nil {
				d.asyncErr = err
			}
			d.mu.Unlock()
			d.logger.WithError(err).Error("background sync operation failed")
		}
	})
}

// run executes the four dispatch steps.
func (d *Dispatcher) run(ctx context.Context, status cluster.TrainStatus, op func(context.Context) error) error {
	// Once every other peer has finished, collectives would block on
	// participants that no longer post them.
	if d.rt.DoneRanks() == d.rt.Size()-1 {
		d.rt.Metrics().Skipped.Inc()
		return nil
	}

	if err := op(ctx); err != nil {
		return err
	}

	if status == d.rt.FinishFlag() {
		d.doneStatus = 1
	}

	votes := []int32{d.doneStatus}
	total := make([]int32, 1)
	if err := transport.Reduce(ctx, d.rt.Controller(), votes, total, transport.OpSum, 0); err != nil {
		return xerrors.Errorf("reducing done votes: %w", err)
	}
	// Only rank 0 receives the tally; other peers keep their count.
	if d.rt.Rank() == 0 {
		d.rt.SetDoneRanks(int(total[0]))
	}
	return nil
}

func (d *Dispatcher) pull(ctx context.Context) error {
	ctrl := d.rt.Controller()
	owned := d.store.Owned()
	for layer := owned.Min; layer <= owned.Max; layer++ {
		weights := d.store.Weights(layer).RawMatrix().Data
		if err := transport.RequestPull(ctx, ctrl, weights, transport.Tag(2*layer)); err != nil {
			return xerrors.Errorf("pulling weights for layer %d: %w", layer, err)
		}
		bias := d.store.Bias(layer).RawMatrix().Data
		if err := transport.RequestPull(ctx, ctrl, bias, transport.Tag(2*layer+1)); err != nil {
			return xerrors.Errorf("pulling bias for layer %d: %w", layer, err)
		}
	}
	d.rt.Metrics().Pulls.Inc()
	return nil
}

func (d *Dispatcher) push(ctx context.Context, grad *mat.Dense, tag int) error {
	ctrl := d.rt.Controller()
	buf := grad.RawMatrix().Data
	if err := transport.CollectPush(ctx, ctrl, buf, buf, transport.Tag(tag)); err != nil {
		return xerrors.Errorf("pushing gradient %d: %w", tag, err)
	}
	if d.rt.Rank() == 0 {
		grad.Scale(1/float64(d.rt.Size()), grad)
	}
	d.rt.Metrics().Pushes.Inc()
	return nil
}
