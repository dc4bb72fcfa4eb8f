// Package trainer drives the per-epoch, per-batch optimization loop on one
// peer: it stamps the shared train status ahead of every batch, slices
// mini-batches from the local shard, runs the model's forward and backward
// passes and tracks accuracy and loss histories.
package trainer

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/juju/clock"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/mat"

	"github.com/featherml/feather/cluster"
	"github.com/featherml/feather/model"
	"github.com/featherml/feather/nn"
)

// Config carries the options for a training run.
type Config struct {
	// Runtime is the peer's coordination context.
	Runtime *cluster.Runtime

	// Model to train.
	Model *model.Sequential

	// Epochs to run.
	Epochs int

	// BatchSize in rows. Trailing rows that do not fill a batch are
	// dropped.
	BatchSize int

	// Step is the epoch cadence of progress log lines. Defaults to 1.
	Step int

	// Clock for epoch timing. Defaults to the wall clock.
	Clock clock.Clock

	// Logger for progress lines. A null logger is used if not specified.
	Logger *logrus.Entry
}

// Validate the config options, filling in defaults.
func (cfg *Config) Validate() error {
	var err error
	if cfg.Runtime == nil {
		err = multierror.Append(err, xerrors.New("runtime not specified"))
	}
	if cfg.Model == nil {
		err = multierror.Append(err, xerrors.New("model not specified"))
	}
	if cfg.Epochs <= 0 {
		err = multierror.Append(err, xerrors.New("epoch count must be positive"))
	}
	if cfg.BatchSize <= 0 {
		err = multierror.Append(err, xerrors.New("batch size must be positive"))
	}
	if cfg.Step <= 0 {
		cfg.Step = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}
	return err
}

// Result accumulates per-epoch metrics of a run.
type Result struct {
	TrainAccuracy []float64
	TestAccuracy  []float64
	Loss          []float64
}

// Trainer runs training for one peer.
type Trainer struct {
	cfg Config
}

// New builds a Trainer from the validated config.
func New(cfg Config) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("trainer config validation failed: %w", err)
	}
	return &Trainer{cfg: cfg}, nil
}

// Train runs the configured number of epochs over the peer's local training
// shard and scores both sets after every epoch. Before the first batch the
// peer's finish flag is fixed to the final (epoch, batch) stamp so the
// dispatcher can vote completion on the last dispatched operation.
func (t *Trainer) Train(ctx context.Context, xTrain, yTrain, xTest, yTest *mat.Dense) (*Result, error) {
	rt, mdl := t.cfg.Runtime, t.cfg.Model

	rows, cols := xTrain.Dims()
	batchNum := rows / t.cfg.BatchSize
	if batchNum == 0 {
		return nil, xerrors.Errorf("training shard of %d rows cannot fill one batch of %d", rows, t.cfg.BatchSize)
	}
	classes := mdl.OutputWidth()

	rt.SetFinishFlag(cluster.TrainStatus{
		Epoch: int32(t.cfg.Epochs - 1),
		Batch: int32(batchNum - 1),
	})

	runLogger := t.cfg.Logger.WithField("run_id", uuid.New().String())
	runLogger.WithFields(logrus.Fields{
		"epochs":     t.cfg.Epochs,
		"batch_size": t.cfg.BatchSize,
		"batches":    batchNum,
		"mode":       rt.Parallelism().String(),
		"train_mode": rt.TrainMode().String(),
	}).Info("starting training")

	result := &Result{}
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		epochStart := t.cfg.Clock.Now()
		epochLoss := 0.0
		for batch := 0; batch < batchNum; batch++ {
			rt.StampStatus(int32(epoch), int32(batch))

			lo := batch * t.cfg.BatchSize
			hi := lo + t.cfg.BatchSize
			xBatch := xTrain.Slice(lo, hi, 0, cols).(*mat.Dense)
			yBatch := yTrain.Slice(lo, hi, 0, 1).(*mat.Dense)
			yHot := nn.OneHot(yBatch, classes)

			pred, err := mdl.Forward(ctx, xBatch, model.Train)
			if err != nil {
				return nil, xerrors.Errorf("epoch %d batch %d forward: %w", epoch, batch, err)
			}
			batchLoss, err := mdl.Backward(ctx, yHot, pred)
			if err != nil {
				return nil, xerrors.Errorf("epoch %d batch %d backward: %w", epoch, batch, err)
			}
			epochLoss += batchLoss
			rt.Metrics().Batches.Inc()
		}

		trainAcc, err := t.score(ctx, yTrain, xTrain)
		if err != nil {
			return nil, xerrors.Errorf("scoring train set: %w", err)
		}
		testAcc, err := t.score(ctx, yTest, xTest)
		if err != nil {
			return nil, xerrors.Errorf("scoring test set: %w", err)
		}
		epochLoss /= float64(batchNum)
		result.TrainAccuracy = append(result.TrainAccuracy, trainAcc)
		result.TestAccuracy = append(result.TestAccuracy, testAcc)
		result.Loss = append(result.Loss, epochLoss)

		if epoch%t.cfg.Step == 0 {
			runLogger.Infof("Rank: %d, Epoch: %d, train accuracy: %g, loss: %g, test accuracy: %g",
				rt.Rank(), epoch, trainAcc, epochLoss, testAcc)
			runLogger.WithField("elapsed", t.cfg.Clock.Now().Sub(epochStart)).Debug("epoch complete")
		}
	}

	if err := mdl.Flush(ctx); err != nil {
		return nil, xerrors.Errorf("flushing pipeline: %w", err)
	}
	return result, nil
}

// score runs an inference pass over the full set and computes the accuracy
// of the predictions against the labels.
func (t *Trainer) score(ctx context.Context, labels, features *mat.Dense) (float64, error) {
	pred, err := t.cfg.Model.Forward(ctx, features, model.Predict)
	if err != nil {
		return 0, err
	}
	return nn.Accuracy(labels, pred), nil
}
