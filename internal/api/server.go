// Package api serves an HTTP control plane over a training session.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/meshformer/internal/checkpoint"
	"github.com/samcharles93/meshformer/internal/logger"
	"github.com/samcharles93/meshformer/internal/train"
	"github.com/samcharles93/meshformer/internal/version"
)

// Options configures a Server.
type Options struct {
	// CheckpointDir receives checkpoints requested without an explicit path.
	CheckpointDir string
	Logger        logger.Logger
	Store         *StepStore
}

type Server struct {
	session       *train.Session
	store         *StepStore
	checkpointDir string
	log           logger.Logger
	clock         func() time.Time
}

func NewServer(session *train.Session, opts Options) *Server {
	store := opts.Store
	if store == nil {
		store = NewStepStore(0)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		session:       session,
		store:         store,
		checkpointDir: opts.CheckpointDir,
		log:           log,
		clock:         time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/status", s.handleStatus)
	e.POST("/v1/train", s.handleTrain)
	e.GET("/v1/train", s.handleListSteps)
	e.GET("/v1/train/:id", s.handleGetStep)
	e.DELETE("/v1/train/:id", s.handleDeleteStep)
	e.POST("/v1/eval", s.handleEval)
	e.POST("/v1/logits", s.handleLogits)
	e.POST("/v1/checkpoint", s.handleCheckpoint)
}

func (s *Server) handleStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Object:  "status",
		Status:  s.session.Status(),
		Version: version.Resolve(),
	})
}

func (s *Server) handleTrain(c *echo.Context) error {
	req, err := decodeJSON[BatchRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	b, err := req.batch()
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	res, err := s.session.Train(c.Request().Context(), b)
	if err != nil {
		s.log.Warn("train request failed", "error", err)
		return writeFailure(c, err)
	}
	resp := TrainResponse{
		ID:        newStepID(),
		Object:    "train.step",
		CreatedAt: s.clock().Unix(),
		Step:      res.Step,
		Losses:    res.Losses,
		MeanLoss:  res.MeanLoss,
		Warnings:  res.Warnings,
	}
	s.store.Save(resp)
	s.log.Info("train step", "id", resp.ID, "step", resp.Step, "loss", resp.MeanLoss)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListSteps(c *echo.Context) error {
	return c.JSON(http.StatusOK, ListStepsResponse{Object: "list", Data: s.store.List()})
}

func (s *Server) handleGetStep(c *echo.Context) error {
	resp, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "step not found")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteStep(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "step not found")
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "object": "train.step", "deleted": true})
}

func (s *Server) handleEval(c *echo.Context) error {
	req, err := decodeJSON[BatchRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	b, err := req.batch()
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	loss, step, err := s.session.Eval(c.Request().Context(), b)
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, EvalResponse{Object: "eval", Step: step, Loss: loss})
}

func (s *Server) handleLogits(c *echo.Context) error {
	req, err := decodeJSON[LogitsRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Tokens) == 0 {
		return writeBadRequest(c, "tokens is required and must not be empty")
	}
	logits, err := s.session.Logits(c.Request().Context(), req.Tokens)
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, LogitsResponse{Object: "logits", Shape: logits.Shape, Data: logits.Data})
}

func (s *Server) handleCheckpoint(c *echo.Context) error {
	var req CheckpointRequest
	if c.Request().ContentLength != 0 {
		var err error
		if req, err = decodeJSON[CheckpointRequest](c.Request().Body); err != nil {
			return writeBadRequest(c, err.Error())
		}
	}
	st, err := s.session.Snapshot()
	if err != nil {
		return writeFailure(c, err)
	}
	path, err := s.checkpointPath(req.Path, st.Step)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	tr := s.session.Trainer()
	cfg := tr.Config()
	meta, err := checkpoint.Save(path, st, checkpoint.Meta{
		RunID:     tr.RunID(),
		Optimizer: tr.Optimizer().Name(),
		Model:     &cfg,
	})
	if err != nil {
		s.log.Error("checkpoint failed", "path", path, "error", err)
		return writeFailure(c, err)
	}
	s.log.Info("checkpoint saved", "path", path, "step", meta.Step, "id", meta.ID)
	return c.JSON(http.StatusOK, CheckpointResponse{Object: "checkpoint", Path: path, Meta: meta})
}

// checkpointPath resolves a requested checkpoint name inside the
// checkpoint directory. An empty name selects the per-step file.
func (s *Server) checkpointPath(name string, step int) (string, error) {
	if s.checkpointDir == "" {
		return "", errors.New("server has no checkpoint directory")
	}
	if name == "" {
		return checkpoint.Path(s.checkpointDir, step), nil
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("path %q must be relative to the checkpoint directory", name)
	}
	path := filepath.Join(s.checkpointDir, name)
	rel, err := filepath.Rel(s.checkpointDir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the checkpoint directory", name)
	}
	return path, nil
}
