package tensor

import (
	"fmt"
	"runtime"
	"sync"
)

// Rows below this count run on the calling goroutine.
const gemmParallelMinRows = 16

type gemmTask struct {
	c, a, b        *Tensor
	transA, transB bool
	m, k, n        int
	rs, re         int
	done           chan struct{}
}

type gemmPool struct {
	size      int
	tasks     chan gemmTask
	doneSlots chan chan struct{}
}

var (
	gemmWorkPool *gemmPool
	gemmPoolOnce sync.Once
)

func getGemmPool() *gemmPool {
	gemmPoolOnce.Do(func() {
		gemmWorkPool = newGemmPool()
	})
	return gemmWorkPool
}

func newGemmPool() *gemmPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &gemmPool{
		size:      size,
		tasks:     make(chan gemmTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, size)
	}
	for w := 0; w < size; w++ {
		go func() {
			for task := range p.tasks {
				gemmRangeRows(task)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// MatMul returns a @ b for rank-2 operands.
func MatMul(a, b *Tensor) *Tensor { return Gemm(a, b, false, false) }

// MatMulTA returns aᵀ @ b.
func MatMulTA(a, b *Tensor) *Tensor { return Gemm(a, b, true, false) }

// MatMulTB returns a @ bᵀ.
func MatMulTB(a, b *Tensor) *Tensor { return Gemm(a, b, false, true) }

// Gemm computes op(a) @ op(b) where op optionally transposes a rank-2
// operand. Output rows are split across the shared worker pool.
func Gemm(a, b *Tensor, transA, transB bool) *Tensor {
	if a.Rank() != 2 || b.Rank() != 2 {
		panic(fmt.Sprintf("tensor: gemm needs rank-2 operands, got %v and %v", a.Shape, b.Shape))
	}
	m, k := a.Shape[0], a.Shape[1]
	if transA {
		m, k = k, m
	}
	k2, n := b.Shape[0], b.Shape[1]
	if transB {
		k2, n = n, k2
	}
	if k != k2 {
		panic(fmt.Sprintf("tensor: gemm inner dimension mismatch %v x %v (transA=%v transB=%v)", a.Shape, b.Shape, transA, transB))
	}
	c := New(m, n)
	if m == 0 || n == 0 {
		return c
	}
	task := gemmTask{c: c, a: a, b: b, transA: transA, transB: transB, m: m, k: k, n: n}

	pool := getGemmPool()
	workers := pool.size
	if workers > m/gemmParallelMinRows {
		workers = m / gemmParallelMinRows
	}
	if workers <= 1 {
		task.rs, task.re = 0, m
		gemmRangeRows(task)
		return c
	}

	chunk := (m + workers - 1) / workers
	done := <-pool.doneSlots
	sent := 0
	for rs := 0; rs < m; rs += chunk {
		t := task
		t.rs = rs
		t.re = min(rs+chunk, m)
		t.done = done
		pool.tasks <- t
		sent++
	}
	for i := 0; i < sent; i++ {
		<-done
	}
	pool.doneSlots <- done
	return c
}

func gemmRangeRows(t gemmTask) {
	a, b := t.a.Data, t.b.Data
	aCols := t.a.Shape[1]
	bCols := t.b.Shape[1]
	for i := t.rs; i < t.re; i++ {
		crow := t.c.Data[i*t.n : (i+1)*t.n]
		for p := 0; p < t.k; p++ {
			var av float32
			if t.transA {
				av = a[p*aCols+i]
			} else {
				av = a[i*aCols+p]
			}
			if av == 0 {
				continue
			}
			if t.transB {
				for j := range crow {
					crow[j] += av * b[j*bCols+p]
				}
			} else {
				brow := b[p*bCols : (p+1)*bCols]
				for j := range crow {
					crow[j] += av * brow[j]
				}
			}
		}
	}
}
