package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func seq(n, vocab int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i % vocab
	}
	return out
}

func TestNextShiftsTargets(t *testing.T) {
	t.Parallel()

	d, err := FromTokens(seq(13, 8), 8, Options{SeqLen: 3, MicroBatches: 2, Replicas: 2})
	if err != nil {
		t.Fatal(err)
	}
	if d.NumWindows() != 4 {
		t.Fatalf("NumWindows = %d", d.NumWindows())
	}
	b := d.Next()
	if b.MicroBatches() != 2 || len(b.Context[0]) != 2 {
		t.Fatalf("batch layout = %d x %d", b.MicroBatches(), len(b.Context[0]))
	}
	want := [][][]int{{{0, 1, 2}, {3, 4, 5}}, {{6, 7, 0}, {1, 2, 3}}}
	if diff := cmp.Diff(want, b.Context); diff != "" {
		t.Fatalf("context mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, b.Target[0][0]); diff != "" {
		t.Fatalf("target mismatch:\n%s", diff)
	}
	d.Next()
	if d.Epoch() != 1 {
		t.Fatalf("epoch = %d, want 1", d.Epoch())
	}
}

func TestShuffleIsDeterministic(t *testing.T) {
	t.Parallel()

	opts := Options{SeqLen: 2, MicroBatches: 1, Replicas: 1, Seed: 9, Shuffle: true}
	a, err := FromTokens(seq(41, 8), 8, opts)
	if err != nil {
		t.Fatal(err)
	}
	b, err := FromTokens(seq(41, 8), 8, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if diff := cmp.Diff(a.Next(), b.Next()); diff != "" {
			t.Fatalf("batch %d differs:\n%s", i, diff)
		}
	}
}

func TestSeekMatchesReplay(t *testing.T) {
	t.Parallel()

	opts := Options{SeqLen: 2, MicroBatches: 2, Replicas: 1, Seed: 1, Shuffle: true}
	a, err := FromTokens(seq(31, 5), 5, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 11; i++ {
		a.Next()
	}
	b, err := FromTokens(seq(31, 5), 5, opts)
	if err != nil {
		t.Fatal(err)
	}
	b.Seek(11)
	if diff := cmp.Diff(a.Next(), b.Next()); diff != "" {
		t.Fatalf("seek differs from replay:\n%s", diff)
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()

	opts := Options{SeqLen: 4, MicroBatches: 1, Replicas: 1}
	if _, err := FromTokens([]int{1, 2, 3}, 8, opts); !errors.Is(err, ErrTooShort) {
		t.Fatalf("short err = %v", err)
	}
	if _, err := FromBytes([]byte("hello world"), 8, opts); !errors.Is(err, ErrOutOfVocab) {
		t.Fatalf("vocab err = %v", err)
	}
	if _, err := FromTokens(seq(10, 4), 4, Options{}); err == nil {
		t.Fatal("zero options accepted")
	}
}

func TestFromFileAndSplit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "corpus.txt")
	if err := os.WriteFile(path, []byte("the quick brown fox jumps over the lazy dog"), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := FromFile(path, 256, Options{SeqLen: 4, MicroBatches: 1, Replicas: 1, Shuffle: true})
	if err != nil {
		t.Fatal(err)
	}
	head, tail, err := d.Split(0.25)
	if err != nil {
		t.Fatal(err)
	}
	if head.NumWindows()+tail.NumWindows() != d.NumWindows() || tail.NumWindows() != 2 {
		t.Fatalf("split = %d + %d of %d", head.NumWindows(), tail.NumWindows(), d.NumWindows())
	}
	if got := tail.Next().Context[0][0]; string(rune(got[0])) != "h" {
		t.Fatalf("eval window starts with %q", rune(got[0]))
	}
	if _, _, err := d.Split(1); err == nil {
		t.Fatal("split of 1 accepted")
	}
}
