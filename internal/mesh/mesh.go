// Package mesh runs one program instance per device of a two-axis device
// mesh and provides the named-axis collectives those instances synchronise
// with. Devices execute in lockstep: every collective is a barrier.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Axis names a mesh dimension.
type Axis string

const (
	// AxisShard is the model-parallel axis.
	AxisShard Axis = "shard"
	// AxisBatch is the data-parallel axis.
	AxisBatch Axis = "batch"
)

var (
	// ErrAxisUnavailable is raised when a collective runs without a device
	// that owns the requested axis.
	ErrAxisUnavailable = errors.New("mesh: named axis unavailable")
	// ErrAborted is raised inside a device when a peer failed.
	ErrAborted = errors.New("mesh: run aborted")
)

// Mesh is a fixed shards × replicas grid of logical devices.
type Mesh struct {
	shards   int
	replicas int
}

// New builds a mesh with the given model-parallel and data-parallel widths.
func New(shards, replicas int) (*Mesh, error) {
	if shards < 1 || replicas < 1 {
		return nil, fmt.Errorf("mesh: invalid shape %dx%d", shards, replicas)
	}
	return &Mesh{shards: shards, replicas: replicas}, nil
}

// Shards returns the size of the shard axis.
func (m *Mesh) Shards() int { return m.shards }

// Replicas returns the size of the batch axis.
func (m *Mesh) Replicas() int { return m.replicas }

// NumDevices returns shards × replicas.
func (m *Mesh) NumDevices() int { return m.shards * m.replicas }

// AxisSize returns the size of a named axis, or 0 for unknown axes.
func (m *Mesh) AxisSize(axis Axis) int {
	switch axis {
	case AxisShard:
		return m.shards
	case AxisBatch:
		return m.replicas
	default:
		return 0
	}
}

// Run executes fn once per device, concurrently, and waits for all of them.
//
// A device that returns an error or panics aborts the run: every peer blocked
// in a collective is released with ErrAborted and Run returns the first
// failure. Cancelling ctx aborts the run the same way.
func (m *Mesh) Run(ctx context.Context, fn func(ctx context.Context, d *Device) error) error {
	s := newSession(m)
	g, gctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(gctx, func() {
		s.abort(context.Cause(gctx))
	})
	defer stop()

	for shard := 0; shard < m.shards; shard++ {
		for replica := 0; replica < m.replicas; replica++ {
			d := &Device{s: s, Shard: shard, Replica: replica}
			g.Go(func() (err error) {
				defer func() {
					if rec := recover(); rec != nil {
						err = panicError(d, rec)
					}
					if err != nil {
						s.abort(err)
					}
				}()
				return fn(gctx, d)
			})
		}
	}
	return g.Wait()
}

func panicError(d *Device, rec any) error {
	if err, ok := rec.(error); ok {
		if errors.Is(err, ErrAborted) {
			return err
		}
		return fmt.Errorf("panic on shard %d replica %d: %w\n%s", d.Shard, d.Replica, err, debug.Stack())
	}
	return fmt.Errorf("panic on shard %d replica %d: %v\n%s", d.Shard, d.Replica, rec, debug.Stack())
}

type groupKey struct {
	axis Axis
	// fixed is the coordinate along the other axis.
	fixed int
}

// session holds the collective groups for one Run. Groups never outlive a
// run, so an aborted run cannot poison the next one.
type session struct {
	mesh   *Mesh
	groups map[groupKey]*group

	mu  sync.Mutex
	err error
}

func newSession(m *Mesh) *session {
	s := &session{mesh: m, groups: make(map[groupKey]*group)}
	for r := 0; r < m.replicas; r++ {
		s.groups[groupKey{AxisShard, r}] = newGroup(s, m.shards)
	}
	for sh := 0; sh < m.shards; sh++ {
		s.groups[groupKey{AxisBatch, sh}] = newGroup(s, m.replicas)
	}
	return s
}

func (s *session) abort(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	s.mu.Unlock()
	for _, g := range s.groups {
		g.wake()
	}
}

func (s *session) aborted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
