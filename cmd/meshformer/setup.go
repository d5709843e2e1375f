package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshformer/internal/checkpoint"
	"github.com/samcharles93/meshformer/internal/config"
	"github.com/samcharles93/meshformer/internal/dataset"
	"github.com/samcharles93/meshformer/internal/logger"
	"github.com/samcharles93/meshformer/internal/mesh"
	"github.com/samcharles93/meshformer/internal/train"
)

// runtime is everything a command needs to drive a run.
type runtime struct {
	file    config.File
	trainer *train.Trainer
	state   *train.State
	log     logger.Logger
}

func setup(ctx context.Context, c *cli.Command, f *runFlags) (*runtime, error) {
	file, err := loadConfig(c, f)
	if err != nil {
		return nil, err
	}
	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.Open(os.Stderr, logFormat, level)
	if err != nil {
		return nil, err
	}

	m, err := mesh.New(file.Model.NumShards, file.Run.DataParallel)
	if err != nil {
		return nil, err
	}
	tr, err := train.New(file.Model, m, nil, train.Options{
		Precision: file.Run.ComputePrecision(),
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	rt := &runtime{file: file, trainer: tr, log: log}
	if f.resume != "" {
		st, meta, err := checkpoint.Load(f.resume)
		if err != nil {
			return nil, fmt.Errorf("resume %s: %w", f.resume, err)
		}
		if meta.Model != nil && !sameGeometry(*meta.Model, file.Model) {
			return nil, fmt.Errorf("%w: checkpoint %s was written for %+v", config.ErrConfiguration, f.resume, *meta.Model)
		}
		if meta.Optimizer != "" && meta.Optimizer != tr.Optimizer().Name() {
			return nil, fmt.Errorf("%w: checkpoint optimizer %q, config optimizer %q",
				config.ErrConfiguration, meta.Optimizer, tr.Optimizer().Name())
		}
		if meta.Shards != file.Model.NumShards {
			return nil, fmt.Errorf("%w: checkpoint has %d shards, config has %d",
				train.ErrShardTopologyMismatch, meta.Shards, file.Model.NumShards)
		}
		log.Info("restored checkpoint", "path", f.resume, "step", meta.Step, "id", meta.ID, "run", meta.RunID)
		rt.state = st
		return rt, nil
	}

	st, err := tr.Init(ctx, file.Run.Seed, [][]int{exampleTokens(file.Model)})
	if err != nil {
		return nil, err
	}
	rt.state = st
	return rt, nil
}

func sameGeometry(a, b config.ShardConfig) bool {
	a.Optimizer, b.Optimizer = config.OptimizerConfig{}, config.OptimizerConfig{}
	return a == b
}

// exampleTokens is the sequence traced once to create parameters.
func exampleTokens(cfg config.ShardConfig) []int {
	out := make([]int, cfg.SeqLen)
	for i := range out {
		out[i] = i % cfg.VocabSize
	}
	return out
}

func openDataset(file config.File) (*dataset.Dataset, error) {
	if file.Run.Dataset == "" {
		return nil, errors.New("no dataset: pass --data or set run.dataset")
	}
	return dataset.FromFile(file.Run.Dataset, file.Model.VocabSize, dataset.Options{
		SeqLen:       file.Model.SeqLen,
		MicroBatches: file.Run.MicroBatches,
		Replicas:     file.Run.DataParallel,
		Seed:         file.Run.Seed,
		Shuffle:      true,
	})
}

func saveCheckpoint(rt *runtime, dir string) (string, error) {
	path := checkpoint.Path(dir, rt.state.Step)
	cfg := rt.trainer.Config()
	meta, err := checkpoint.Save(path, rt.state, checkpoint.Meta{
		RunID:     rt.trainer.RunID(),
		Optimizer: rt.trainer.Optimizer().Name(),
		Model:     &cfg,
	})
	if err != nil {
		return "", err
	}
	rt.log.Info("checkpoint saved", "path", path, "step", meta.Step, "id", meta.ID)
	return path, nil
}
