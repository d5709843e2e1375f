package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func evalCmd() *cli.Command {
	var (
		f       runFlags
		batches int
	)
	return &cli.Command{
		Name:  "eval",
		Usage: "Report the mean loss of a checkpoint on a corpus",
		Flags: append(configFlags(&f),
			&cli.IntFlag{
				Name:        "batches",
				Usage:       "number of batches to average over",
				Value:       8,
				Destination: &batches,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if batches <= 0 {
				return fmt.Errorf("--batches must be positive, got %d", batches)
			}
			rt, err := setup(ctx, cmd, &f)
			if err != nil {
				return err
			}
			ds, err := openDataset(rt.file)
			if err != nil {
				return err
			}

			var sum float64
			for i := 0; i < batches; i++ {
				loss, err := rt.trainer.EvalStep(ctx, rt.state, ds.Next())
				if err != nil {
					return err
				}
				rt.log.Debug("eval batch", "batch", i, "loss", loss)
				sum += float64(loss)
			}
			mean := sum / float64(batches)
			rt.log.Info("eval", "step", rt.state.Step, "batches", batches, "loss", mean)
			fmt.Printf("%.6f\n", mean)
			return nil
		},
	}
}
