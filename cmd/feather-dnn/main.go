package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	feather "github.com/featherml/feather"
	"github.com/featherml/feather/cluster"
	"github.com/featherml/feather/dataset"
	"github.com/featherml/feather/trainer"
	"github.com/featherml/feather/transport/wsfabric"
)

var (
	appName = "feather-dnn"
	appSha  = "populated-at-link-time"
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	rootLogger := logrus.New()
	logger = rootLogger.WithFields(logrus.Fields{
		"app":  appName,
		"host": host,
	})

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to error")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:   "rank",
			EnvVar: "RANK",
			Usage:  "This peer's rank within the group",
		},
		cli.StringFlag{
			Name:   "peers",
			EnvVar: "PEERS",
			Usage:  "Comma-separated listen addresses, one per rank",
		},
		cli.StringFlag{
			Name:   "data-dir",
			EnvVar: "DATA_DIR",
			Usage:  "Directory with the train/test feature and label part files",
		},
		cli.StringFlag{
			Name:   "layers",
			Value:  "2,10,10,2",
			EnvVar: "LAYERS",
			Usage:  "Comma-separated layer widths",
		},
		cli.StringFlag{
			Name:   "parallelism",
			Value:  "tensor",
			EnvVar: "PARALLELISM",
			Usage:  "Parameter placement mode (data, pipeline or tensor)",
		},
		cli.StringFlag{
			Name:   "train-mode",
			Value:  "sync",
			EnvVar: "TRAIN_MODE",
			Usage:  "Synchronization policy (sync or async)",
		},
		cli.IntFlag{
			Name:   "epochs",
			Value:  200,
			EnvVar: "EPOCHS",
			Usage:  "Number of training epochs",
		},
		cli.IntFlag{
			Name:   "batch-size",
			Value:  64,
			EnvVar: "BATCH_SIZE",
			Usage:  "Mini-batch size in rows",
		},
		cli.Float64Flag{
			Name:   "lr",
			Value:  0.02,
			EnvVar: "LR",
			Usage:  "Learning rate",
		},
		cli.IntFlag{
			Name:   "step",
			Value:  1,
			EnvVar: "STEP",
			Usage:  "Epoch cadence for progress log lines",
		},
		cli.DurationFlag{
			Name:   "mesh-timeout",
			Value:  time.Minute,
			EnvVar: "MESH_TIMEOUT",
			Usage:  "Timeout for establishing the peer mesh",
		},
	}
	app.Action = runTraining
	return app
}

func runTraining(appCtx *cli.Context) error {
	ctx := context.Background()

	shape, err := parseShape(appCtx.String("layers"))
	if err != nil {
		return err
	}
	parallelism, err := parseParallelism(appCtx.String("parallelism"))
	if err != nil {
		return err
	}
	trainMode, err := parseTrainMode(appCtx.String("train-mode"))
	if err != nil {
		return err
	}

	fabric, err := wsfabric.Connect(ctx, wsfabric.Config{
		Rank:        appCtx.Int("rank"),
		Peers:       strings.Split(appCtx.String("peers"), ","),
		DialTimeout: appCtx.Duration("mesh-timeout"),
		Logger:      logger,
	})
	if err != nil {
		return xerrors.Errorf("joining peer mesh: %w", err)
	}

	setup, err := feather.Bootstrap(ctx, cluster.Config{
		Fabric:      fabric,
		Parallelism: parallelism,
		TrainMode:   trainMode,
		Logger:      logger,
	}, shape, feather.Options{})
	if err != nil {
		_ = fabric.Close()
		return xerrors.Errorf("bootstrap failed: %w", err)
	}
	defer func() { _ = setup.Close() }()

	setup.Model.SetLearningRate(appCtx.Float64("lr"))
	setup.Model.Describe()

	split, err := dataset.Load(ctx, setup.Runtime.Controller(), parallelism, appCtx.String("data-dir"))
	if err != nil {
		return xerrors.Errorf("loading dataset: %w", err)
	}

	tr, err := trainer.New(trainer.Config{
		Runtime:   setup.Runtime,
		Model:     setup.Model,
		Epochs:    appCtx.Int("epochs"),
		BatchSize: appCtx.Int("batch-size"),
		Step:      appCtx.Int("step"),
		Logger:    setup.Runtime.Logger(),
	})
	if err != nil {
		return err
	}

	if _, err := tr.Train(ctx, split.XTrain, split.YTrain, split.XTest, split.YTest); err != nil {
		return xerrors.Errorf("training failed: %w", err)
	}
	if err := setup.Dispatcher.Err(); err != nil {
		return xerrors.Errorf("background sync failed: %w", err)
	}
	return nil
}

func parseShape(widths string) ([]int, error) {
	fields := strings.Split(widths, ",")
	if len(fields) < 2 {
		return nil, xerrors.Errorf("layer shape %q needs at least two widths", widths)
	}
	shape := make([]int, len(fields))
	for i, f := range fields {
		w, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || w <= 0 {
			return nil, xerrors.Errorf("invalid layer width %q", f)
		}
		shape[i] = w
	}
	return shape, nil
}

func parseParallelism(mode string) (cluster.Parallelism, error) {
	switch mode {
	case "data":
		return cluster.DataParallelism, nil
	case "pipeline":
		return cluster.PipelineParallelism, nil
	case "tensor":
		return cluster.TensorParallelism, nil
	default:
		return 0, xerrors.Errorf("unsupported parallelism mode %q", mode)
	}
}

func parseTrainMode(mode string) (cluster.TrainMode, error) {
	switch mode {
	case "sync":
		return cluster.Sync, nil
	case "async":
		return cluster.Async, nil
	default:
		return 0, xerrors.Errorf("unsupported train mode %q", mode)
	}
}
