package main

import "github.com/urfave/cli/v3"

var (
	logLevel  string
	logFormat string
	debug     bool
)

// runFlags holds the values of the flags shared by every command that
// builds a trainer. Zero values defer to the config file.
type runFlags struct {
	configPath      string
	shards          int
	replicas        int
	microBatches    int
	precision       string
	seed            int64
	steps           int
	data            string
	checkpointDir   string
	checkpointEvery int
	evalEvery       int
	resume          string
	addr            string
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func configFlags(f *runFlags) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to a YAML config file",
			Destination: &f.configPath,
		},
		&cli.IntFlag{
			Name:        "shards",
			Usage:       "number of model shards (overrides model.num_shards)",
			Destination: &f.shards,
		},
		&cli.IntFlag{
			Name:        "replicas",
			Aliases:     []string{"data-parallel"},
			Usage:       "number of data-parallel replicas",
			Destination: &f.replicas,
		},
		&cli.IntFlag{
			Name:        "micro-batches",
			Usage:       "micro-batches accumulated per step",
			Destination: &f.microBatches,
		},
		&cli.StringFlag{
			Name:        "precision",
			Usage:       "compute precision (bf16, f16, f32)",
			Destination: &f.precision,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "parameter initialisation and shuffle seed",
			Destination: &f.seed,
		},
		&cli.StringFlag{
			Name:        "data",
			Aliases:     []string{"dataset"},
			Usage:       "path to a byte-level training corpus",
			Destination: &f.data,
		},
		&cli.StringFlag{
			Name:        "resume",
			Usage:       "checkpoint to restore before running",
			Destination: &f.resume,
		},
	}
}

func trainFlags(f *runFlags) []cli.Flag {
	return append(configFlags(f),
		&cli.IntFlag{
			Name:        "steps",
			Usage:       "number of optimizer steps",
			Destination: &f.steps,
		},
		&cli.StringFlag{
			Name:        "checkpoint-dir",
			Usage:       "directory for periodic checkpoints",
			Destination: &f.checkpointDir,
		},
		&cli.IntFlag{
			Name:        "checkpoint-every",
			Usage:       "steps between checkpoints (0 saves only at the end)",
			Destination: &f.checkpointEvery,
		},
		&cli.IntFlag{
			Name:        "eval-every",
			Usage:       "steps between evaluations on the held-out split (0 disables)",
			Destination: &f.evalEvery,
		},
	)
}
