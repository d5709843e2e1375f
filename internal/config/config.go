// Package config describes a sharded model and the run that trains it, and
// loads both from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/meshformer/internal/norm"
	"github.com/samcharles93/meshformer/internal/tensor"
)

// ErrConfiguration marks an invalid configuration. It is always detected
// before any computation starts.
var ErrConfiguration = errors.New("configuration error")

// ShardConfig fixes the model geometry and how it is split over shards.
// It does not change for the lifetime of a run.
type ShardConfig struct {
	NumShards int    `yaml:"num_shards" json:"num_shards"`
	NumHeads  int    `yaml:"num_heads" json:"num_heads"`
	ModelDim  int    `yaml:"model_dim" json:"model_dim"`
	VocabSize int    `yaml:"vocab_size" json:"vocab_size"`
	NumLayers int    `yaml:"num_layers" json:"num_layers"`
	SeqLen    int    `yaml:"sequence_length" json:"sequence_length"`
	Norm      string `yaml:"norm" json:"norm"`

	Optimizer OptimizerConfig `yaml:"-" json:"-"`
}

// NewShardConfig validates c and returns it with defaults filled in.
func NewShardConfig(c ShardConfig) (ShardConfig, error) {
	if c.Norm == "" {
		c.Norm = norm.LayerNorm.String()
	}
	if c.Optimizer.Name == "" {
		c.Optimizer = DefaultOptimizer()
	}
	if err := c.Validate(); err != nil {
		return ShardConfig{}, err
	}
	return c, nil
}

// Validate checks the divisibility rules that make even sharding possible.
func (c ShardConfig) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"num_shards", c.NumShards},
		{"num_heads", c.NumHeads},
		{"model_dim", c.ModelDim},
		{"vocab_size", c.VocabSize},
		{"num_layers", c.NumLayers},
		{"sequence_length", c.SeqLen},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfiguration, p.name, p.v)
		}
	}
	if c.ModelDim%c.NumHeads != 0 {
		return fmt.Errorf("%w: model_dim %d not divisible by num_heads %d", ErrConfiguration, c.ModelDim, c.NumHeads)
	}
	if c.NumHeads%c.NumShards != 0 {
		return fmt.Errorf("%w: num_heads %d not divisible by num_shards %d", ErrConfiguration, c.NumHeads, c.NumShards)
	}
	if c.VocabSize%c.NumShards != 0 {
		return fmt.Errorf("%w: vocab_size %d not divisible by num_shards %d", ErrConfiguration, c.VocabSize, c.NumShards)
	}
	if c.ModelDim%c.NumShards != 0 {
		return fmt.Errorf("%w: model_dim %d not divisible by num_shards %d", ErrConfiguration, c.ModelDim, c.NumShards)
	}
	if _, err := norm.ParseKind(c.Norm); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	return nil
}

// NormKind returns the parsed normalisation variant. Call after Validate.
func (c ShardConfig) NormKind() norm.Kind {
	k, _ := norm.ParseKind(c.Norm)
	return k
}

func (c ShardConfig) HeadsPerShard() int { return c.NumHeads / c.NumShards }
func (c ShardConfig) DimPerHead() int    { return c.ModelDim / c.NumHeads }
func (c ShardConfig) DimPerShard() int   { return c.ModelDim / c.NumShards }
func (c ShardConfig) VocabPerShard() int { return c.VocabSize / c.NumShards }

// InitScale is the depth scaling applied to output projections.
func (c ShardConfig) InitScale() float64 { return 2.0 / float64(c.NumLayers) }

// OptimizerConfig selects and tunes the optimizer.
type OptimizerConfig struct {
	Name         string  `yaml:"name" json:"name"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	Momentum     float64 `yaml:"momentum" json:"momentum"`
	Beta1        float64 `yaml:"beta1" json:"beta1"`
	Beta2        float64 `yaml:"beta2" json:"beta2"`
	Eps          float64 `yaml:"eps" json:"eps"`
	WeightDecay  float64 `yaml:"weight_decay" json:"weight_decay"`
	WarmupSteps  int     `yaml:"warmup_steps" json:"warmup_steps"`
	TotalSteps   int     `yaml:"total_steps" json:"total_steps"`
	MinLR        float64 `yaml:"min_lr" json:"min_lr"`
}

// DefaultOptimizer is AdamW with a constant learning rate.
func DefaultOptimizer() OptimizerConfig {
	return OptimizerConfig{
		Name:         "adamw",
		LearningRate: 1e-3,
		Beta1:        0.9,
		Beta2:        0.999,
		Eps:          1e-8,
		WeightDecay:  0,
	}
}

func (o OptimizerConfig) Validate() error {
	switch o.Name {
	case "sgd", "adam", "adamw":
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrConfiguration, o.Name)
	}
	if o.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be positive, got %g", ErrConfiguration, o.LearningRate)
	}
	if o.WarmupSteps < 0 || o.TotalSteps < 0 {
		return fmt.Errorf("%w: warmup_steps and total_steps must not be negative", ErrConfiguration)
	}
	if o.TotalSteps > 0 && o.WarmupSteps > o.TotalSteps {
		return fmt.Errorf("%w: warmup_steps %d exceeds total_steps %d", ErrConfiguration, o.WarmupSteps, o.TotalSteps)
	}
	if o.MinLR < 0 || o.MinLR > o.LearningRate {
		return fmt.Errorf("%w: min_lr %g outside [0, learning_rate]", ErrConfiguration, o.MinLR)
	}
	if o.Name != "sgd" && (o.Beta1 < 0 || o.Beta1 >= 1 || o.Beta2 < 0 || o.Beta2 >= 1) {
		return fmt.Errorf("%w: betas must lie in [0, 1)", ErrConfiguration)
	}
	return nil
}

// RunConfig holds the settings of one training run.
type RunConfig struct {
	DataParallel    int    `yaml:"data_parallel" json:"data_parallel"`
	MicroBatches    int    `yaml:"micro_batches" json:"micro_batches"`
	Precision       string `yaml:"precision" json:"precision"`
	Seed            int64  `yaml:"seed" json:"seed"`
	Steps           int    `yaml:"steps" json:"steps"`
	EvalEvery       int    `yaml:"eval_every" json:"eval_every"`
	CheckpointDir   string `yaml:"checkpoint_dir" json:"checkpoint_dir"`
	CheckpointEvery int    `yaml:"checkpoint_every" json:"checkpoint_every"`
	Dataset         string `yaml:"dataset" json:"dataset"`
	ServerAddress   string `yaml:"server_address" json:"server_address"`
	LogLevel        string `yaml:"log_level" json:"log_level"`
	LogFormat       string `yaml:"log_format" json:"log_format"`
}

// DefaultRun returns single-replica bf16 defaults.
func DefaultRun() RunConfig {
	return RunConfig{
		DataParallel:  1,
		MicroBatches:  1,
		Precision:     tensor.BF16.String(),
		Seed:          42,
		Steps:         100,
		ServerAddress: "127.0.0.1:8090",
	}
}

func (r RunConfig) Validate() error {
	if r.DataParallel <= 0 {
		return fmt.Errorf("%w: data_parallel must be positive, got %d", ErrConfiguration, r.DataParallel)
	}
	if r.MicroBatches <= 0 {
		return fmt.Errorf("%w: micro_batches must be positive, got %d", ErrConfiguration, r.MicroBatches)
	}
	if r.Steps < 0 || r.EvalEvery < 0 || r.CheckpointEvery < 0 {
		return fmt.Errorf("%w: steps, eval_every and checkpoint_every must not be negative", ErrConfiguration)
	}
	if _, err := tensor.ParsePrecision(r.Precision); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

// ComputePrecision returns the parsed precision. Call after Validate.
func (r RunConfig) ComputePrecision() tensor.Precision {
	p, _ := tensor.ParsePrecision(r.Precision)
	return p
}

// File is the on-disk layout of a configuration file.
type File struct {
	Model     ShardConfig     `yaml:"model" json:"model"`
	Optimizer OptimizerConfig `yaml:"optimizer" json:"optimizer"`
	Run       RunConfig       `yaml:"run" json:"run"`
}

// Default returns a small configuration that trains on one shard.
func Default() File {
	return File{
		Model: ShardConfig{
			NumShards: 1,
			NumHeads:  4,
			ModelDim:  64,
			VocabSize: 256,
			NumLayers: 2,
			SeqLen:    32,
			Norm:      norm.LayerNorm.String(),
		},
		Optimizer: DefaultOptimizer(),
		Run:       DefaultRun(),
	}
}

// Resolve validates the file and attaches the optimizer to the model.
func (f File) Resolve() (File, error) {
	f.Model.Optimizer = f.Optimizer
	m, err := NewShardConfig(f.Model)
	if err != nil {
		return File{}, err
	}
	f.Model = m
	f.Optimizer = m.Optimizer
	if err := f.Run.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (File, error) {
	f := Default()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("%w: decode yaml: %w", ErrConfiguration, err)
	}
	return f.Resolve()
}

// Load reads and validates a configuration file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Marshal encodes f as YAML.
func (f File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}
