package api

import (
	"github.com/samcharles93/meshformer/internal/autodiff"
	"github.com/samcharles93/meshformer/internal/checkpoint"
	"github.com/samcharles93/meshformer/internal/train"
	"github.com/samcharles93/meshformer/internal/version"
)

// BatchRequest carries one batch laid out as (micro-batch, replica, sequence).
type BatchRequest struct {
	Context [][][]int `json:"context"`
	Target  [][][]int `json:"target"`
}

func (r BatchRequest) batch() (train.Batch, error) {
	if len(r.Context) == 0 {
		return train.Batch{}, newInvalidRequest("context is required and must not be empty")
	}
	return train.Batch{Context: r.Context, Target: r.Target}, nil
}

type StatusResponse struct {
	Object  string       `json:"object"`
	Status  train.Status `json:"status"`
	Version version.Info `json:"version"`
}

type TrainResponse struct {
	ID        string                               `json:"id"`
	Object    string                               `json:"object"`
	CreatedAt int64                                `json:"created_at"`
	Step      int                                  `json:"step"`
	Losses    [][]float32                          `json:"losses"`
	MeanLoss  float32                              `json:"mean_loss"`
	Warnings  []autodiff.NumericInstabilityWarning `json:"warnings,omitempty"`
}

type EvalResponse struct {
	Object string  `json:"object"`
	Step   int     `json:"step"`
	Loss   float32 `json:"loss"`
}

type LogitsRequest struct {
	Tokens []int `json:"tokens"`
}

type LogitsResponse struct {
	Object string    `json:"object"`
	Shape  []int     `json:"shape"`
	Data   []float32 `json:"data"`
}

type CheckpointRequest struct {
	// Path names the file inside the server's checkpoint directory. It must
	// be relative and may not leave that directory.
	Path string `json:"path,omitempty"`
}

type CheckpointResponse struct {
	Object string          `json:"object"`
	Path   string          `json:"path"`
	Meta   checkpoint.Meta `json:"meta"`
}

type ListStepsResponse struct {
	Object string          `json:"object"`
	Data   []TrainResponse `json:"data"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
