package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshformer/internal/config"
)

// loadConfig reads --config (or the built-in defaults), applies explicitly
// set flags on top and validates the result.
func loadConfig(c *cli.Command, f *runFlags) (config.File, error) {
	file := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.File{}, err
		}
		file = loaded
	}
	applyRunConfig(c, f, &file)
	return file.Resolve()
}

// applyRunConfig overrides config file values with flags the user set on
// the command line.
func applyRunConfig(c *cli.Command, f *runFlags, file *config.File) {
	if c.IsSet("shards") {
		file.Model.NumShards = f.shards
	}
	if c.IsSet("replicas") {
		file.Run.DataParallel = f.replicas
	}
	if c.IsSet("micro-batches") {
		file.Run.MicroBatches = f.microBatches
	}
	if c.IsSet("precision") {
		file.Run.Precision = f.precision
	}
	if c.IsSet("seed") {
		file.Run.Seed = f.seed
	}
	if c.IsSet("data") {
		file.Run.Dataset = f.data
	}
	if c.IsSet("steps") {
		file.Run.Steps = f.steps
	}
	if c.IsSet("checkpoint-dir") {
		file.Run.CheckpointDir = f.checkpointDir
	}
	if c.IsSet("checkpoint-every") {
		file.Run.CheckpointEvery = f.checkpointEvery
	}
	if c.IsSet("eval-every") {
		file.Run.EvalEvery = f.evalEvery
	}
	if c.IsSet("addr") {
		file.Run.ServerAddress = f.addr
	}
	if !c.IsSet("log-level") && !c.IsSet("debug") && file.Run.LogLevel != "" {
		logLevel = file.Run.LogLevel
	}
	if !c.IsSet("log-format") && file.Run.LogFormat != "" {
		logFormat = file.Run.LogFormat
	}
}
