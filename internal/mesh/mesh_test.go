package mesh

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/meshformer/internal/tensor"
)

func TestNewRejectsEmptyAxes(t *testing.T) {
	t.Parallel()

	if _, err := New(0, 1); err == nil {
		t.Fatalf("expected error for zero shards")
	}
	m, err := New(4, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.NumDevices() != 8 || m.AxisSize(AxisShard) != 4 || m.AxisSize(AxisBatch) != 2 {
		t.Fatalf("unexpected mesh geometry")
	}
}

func TestCollectivesAlongEachAxis(t *testing.T) {
	t.Parallel()

	m, _ := New(3, 2)
	var mu sync.Mutex
	results := map[[2]int][4]*tensor.Tensor{}

	err := m.Run(context.Background(), func(ctx context.Context, d *Device) error {
		v := float32(10*d.Shard + d.Replica)
		x := tensor.FromData([]float32{v, -v}, 2)

		sum := d.Sum(AxisShard, x)
		mean := d.Mean(AxisBatch, x)
		mx := d.Max(AxisShard, x)
		gathered := d.AllGather(AxisShard, x)

		mu.Lock()
		results[[2]int{d.Shard, d.Replica}] = [4]*tensor.Tensor{sum, mean, mx, gathered}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for key, r := range results {
		shard, replica := key[0], key[1]
		wantSum := float32(0+10+20) + 3*float32(replica)
		if r[0].Data[0] != wantSum || r[0].Data[1] != -wantSum {
			t.Fatalf("%v: sum %v want %v", key, r[0].Data, wantSum)
		}
		wantMean := float32(10*shard) + 0.5
		if r[1].Data[0] != wantMean {
			t.Fatalf("%v: mean %v want %v", key, r[1].Data, wantMean)
		}
		if r[2].Data[0] != float32(20+replica) || r[2].Data[1] != -float32(replica) {
			t.Fatalf("%v: max %v", key, r[2].Data)
		}
		if !tensor.EqualShape(r[3].Shape, []int{3, 2}) {
			t.Fatalf("%v: gather shape %v", key, r[3].Shape)
		}
		for s := 0; s < 3; s++ {
			if r[3].At(s, 0) != float32(10*s+replica) {
				t.Fatalf("%v: gather row %d = %v", key, s, r[3].Row(s))
			}
		}
	}
}

func TestCollectiveResultsAreIndependentCopies(t *testing.T) {
	t.Parallel()

	m, _ := New(2, 1)
	err := m.Run(context.Background(), func(ctx context.Context, d *Device) error {
		out := d.Sum(AxisShard, tensor.Full(1, 4))
		out.Data[0] = float32(100 + d.Shard)
		again := d.Sum(AxisShard, out)
		if again.Data[0] != 201 {
			return errors.New("results aliased between devices")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunAbortsPeersOnFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	m, _ := New(4, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.Run(context.Background(), func(ctx context.Context, d *Device) error {
			if d.Shard == 2 {
				return boom
			}
			d.Sum(AxisShard, tensor.Full(1, 2))
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("peers were not released")
	}
}

func TestRunConvertsPanics(t *testing.T) {
	t.Parallel()

	m, _ := New(2, 2)
	err := m.Run(context.Background(), func(ctx context.Context, d *Device) error {
		if d.Shard == 1 && d.Replica == 0 {
			panic("kernel exploded")
		}
		d.Mean(AxisBatch, tensor.Full(1, 1))
		d.Sum(AxisShard, tensor.Full(1, 1))
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "kernel exploded") {
		t.Fatalf("expected panic to surface, got %v", err)
	}
}

func TestShapeMismatchFailsEveryMember(t *testing.T) {
	t.Parallel()

	m, _ := New(2, 1)
	err := m.Run(context.Background(), func(ctx context.Context, d *Device) error {
		d.Sum(AxisShard, tensor.New(1+d.Shard))
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "shape mismatch") {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestUnknownAxisIsUnavailable(t *testing.T) {
	t.Parallel()

	m, _ := New(1, 1)
	err := m.Run(context.Background(), func(ctx context.Context, d *Device) error {
		d.Sum(Axis("pipeline"), tensor.New(1))
		return nil
	})
	if !errors.Is(err, ErrAxisUnavailable) {
		t.Fatalf("expected ErrAxisUnavailable, got %v", err)
	}
}

func TestCancelledContextAbortsRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	m, _ := New(2, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, func(ctx context.Context, d *Device) error {
			if d.Shard == 0 {
				<-ctx.Done()
				return ctx.Err()
			}
			d.Sum(AxisShard, tensor.New(1))
			return nil
		})
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}
