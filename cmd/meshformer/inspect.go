package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshformer/internal/checkpoint"
	"github.com/samcharles93/meshformer/internal/tensor"
)

func inspectCmd() *cli.Command {
	var (
		f        runFlags
		ckptPath string
		filter   string
	)
	return &cli.Command{
		Name:  "inspect",
		Usage: "Print the resolved config and per-shard parameter layout, or the contents of a checkpoint",
		Flags: append(configFlags(&f),
			&cli.StringFlag{
				Name:        "checkpoint",
				Usage:       "checkpoint file to describe instead of a fresh model",
				Destination: &ckptPath,
			},
			&cli.StringFlag{
				Name:        "filter",
				Usage:       "only list tensors whose module contains this substring",
				Destination: &filter,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if ckptPath != "" {
				return inspectCheckpoint(ckptPath, filter)
			}
			rt, err := setup(ctx, cmd, &f)
			if err != nil {
				return err
			}
			data, err := rt.file.Marshal()
			if err != nil {
				return err
			}
			fmt.Printf("# config\n%s\n", data)

			cfg := rt.file.Model
			fmt.Printf("heads/shard=%d  dim/head=%d  dim/shard=%d  vocab/shard=%d  init_scale=%g\n\n",
				cfg.HeadsPerShard(), cfg.DimPerHead(), cfg.DimPerShard(), cfg.VocabPerShard(), cfg.InitScale())

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "SHARD\tMODULE\tNAME\tSHAPE\tELEMENTS")
			for s, tree := range rt.state.Params {
				for _, k := range tree.Keys() {
					if filter != "" && !strings.Contains(k.Module, filter) {
						continue
					}
					t := tree.Get(k.Module, k.Name)
					_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%v\t%d\n", s, k.Module, k.Name, t.Shape, t.Size())
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Printf("\nparameters: %d per shard, %d total\n", rt.state.Params[0].NumElements(), rt.state.NumParams())
			return nil
		},
	}
}

func inspectCheckpoint(path, filter string) error {
	idx, err := checkpoint.Inspect(path)
	if err != nil {
		return err
	}
	m := idx.Meta
	fmt.Printf("id:        %s\n", m.ID)
	fmt.Printf("run:       %s\n", m.RunID)
	fmt.Printf("step:      %d\n", m.Step)
	fmt.Printf("shards:    %d\n", m.Shards)
	fmt.Printf("optimizer: %s (counts %v)\n", m.Optimizer, idx.OptCounts)
	fmt.Printf("created:   %s\n", m.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if m.Model != nil {
		fmt.Printf("model:     %+v\n", *m.Model)
	}
	fmt.Println()

	entries := slices.Clone(idx.Tensors)
	slices.SortStableFunc(entries, func(a, b checkpoint.TensorEntry) int {
		return strings.Compare(a.Slot, b.Slot)
	})
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SHARD\tSLOT\tMODULE\tNAME\tSHAPE\tOFFSET\tBYTES")
	for _, e := range entries {
		if filter != "" && !strings.Contains(e.Module, filter) {
			continue
		}
		slot := e.Slot
		if slot == "" {
			slot = "param"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%v\t%d\t%d\n", e.Shard, slot, e.Module, e.Name, e.Shape, e.Offset, e.Size)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	var n int
	for _, e := range idx.Tensors {
		if e.Slot == "" {
			n += tensor.SizeOf(e.Shape)
		}
	}
	fmt.Printf("\nparameters: %d across %d tensors\n", n, len(idx.Tensors))
	return nil
}
