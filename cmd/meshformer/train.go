package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshformer/internal/dataset"
)

// evalFraction of the corpus windows is held out when --eval-every is set.
const evalFraction = 0.1

func trainCmd() *cli.Command {
	var f runFlags
	return &cli.Command{
		Name:  "train",
		Usage: "Train on a byte-level corpus",
		Flags: trainFlags(&f),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd, &f)
			if err != nil {
				return err
			}
			ds, err := openDataset(rt.file)
			if err != nil {
				return err
			}
			run := rt.file.Run

			var evalSet *dataset.Dataset
			if run.EvalEvery > 0 {
				if ds, evalSet, err = ds.Split(evalFraction); err != nil {
					return err
				}
			}
			ds.Seek(rt.state.Step)

			rt.log.Info("training", "steps", run.Steps, "start", rt.state.Step, "windows", ds.NumWindows(),
				"shards", rt.file.Model.NumShards, "replicas", run.DataParallel, "micro_batches", run.MicroBatches)

			start := time.Now()
			for i := 0; i < run.Steps; i++ {
				if err := ctx.Err(); err != nil {
					rt.log.Warn("training interrupted", "step", rt.state.Step)
					break
				}
				res, next, err := rt.trainer.TrainStep(ctx, rt.state, ds.Next())
				if err != nil {
					return err
				}
				rt.state = next
				rt.log.Info("step", "step", res.Step, "loss", res.MeanLoss, "epoch", ds.Epoch())

				if evalSet != nil && res.Step%run.EvalEvery == 0 {
					loss, err := rt.trainer.EvalStep(ctx, rt.state, evalSet.Next())
					if err != nil {
						return err
					}
					rt.log.Info("eval", "step", res.Step, "loss", loss)
				}
				if run.CheckpointDir != "" && run.CheckpointEvery > 0 && res.Step%run.CheckpointEvery == 0 {
					if _, err := saveCheckpoint(rt, run.CheckpointDir); err != nil {
						return err
					}
				}
			}

			if run.CheckpointDir != "" {
				path, err := saveCheckpoint(rt, run.CheckpointDir)
				if err != nil {
					return err
				}
				fmt.Println(path)
			}
			rt.log.Info("training finished", "step", rt.state.Step, "elapsed", time.Since(start))
			return nil
		},
	}
}
