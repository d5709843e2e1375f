package checkpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/meshformer/internal/config"
	"github.com/samcharles93/meshformer/internal/mesh"
	"github.com/samcharles93/meshformer/internal/tensor"
	"github.com/samcharles93/meshformer/internal/train"
)

func trainedState(t *testing.T) (*train.Trainer, *train.State) {
	t.Helper()
	cfg, err := config.NewShardConfig(config.ShardConfig{
		NumShards: 2, NumHeads: 2, ModelDim: 4, VocabSize: 8, NumLayers: 1, SeqLen: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err := mesh.New(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	tr, err := train.New(cfg, m, nil, train.Options{Precision: tensor.F32})
	if err != nil {
		t.Fatal(err)
	}
	st, err := tr.Init(context.Background(), 3, [][]int{{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	_, st, err = tr.TrainStep(context.Background(), st, train.SingleBatch([]int{1, 2, 3}, []int{2, 3, 4}))
	if err != nil {
		t.Fatal(err)
	}
	return tr, st
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	tr, st := trainedState(t)
	cfg := tr.Config()
	path := Path(t.TempDir(), st.Step)

	meta, err := Save(path, st, Meta{RunID: tr.RunID(), Optimizer: tr.Optimizer().Name(), Model: &cfg})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if meta.ID == "" || meta.Step != 1 || meta.Shards != 2 {
		t.Fatalf("meta = %+v", meta)
	}

	got, gotMeta, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(st, got); diff != "" {
		t.Fatalf("state mismatch (-saved +loaded):\n%s", diff)
	}
	if gotMeta.ID != meta.ID || gotMeta.RunID != tr.RunID() || gotMeta.Model == nil || gotMeta.Model.NumShards != 2 {
		t.Fatalf("meta = %+v", gotMeta)
	}

	// Training continues identically from the restored state.
	b := train.SingleBatch([]int{3, 2, 1}, []int{2, 1, 0})
	_, want, err := tr.TrainStep(context.Background(), st, b)
	if err != nil {
		t.Fatal(err)
	}
	_, next, err := tr.TrainStep(context.Background(), got, b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, next); diff != "" {
		t.Fatalf("resumed step differs:\n%s", diff)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp-*"))
	if len(matches) != 0 {
		t.Fatalf("temporary files left behind: %v", matches)
	}
}

func TestTensorDataAligned(t *testing.T) {
	t.Parallel()

	_, st := trainedState(t)
	path := filepath.Join(t.TempDir(), "ckpt.mfck")
	if _, err := Save(path, st, Meta{}); err != nil {
		t.Fatal(err)
	}

	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer func() { _ = f.Close() }()
	if f.Header.Flags&FlagTensorDataAligned64 == 0 {
		t.Fatal("aligned flag not set")
	}
	idx, err := readIndex(f)
	if err != nil {
		t.Fatal(err)
	}
	data := f.Section(SectionTensorData)
	if len(idx.Tensors) == 0 {
		t.Fatal("no tensors in index")
	}
	for _, e := range idx.Tensors {
		if (data.Offset+e.Offset)%tensorAlign != 0 {
			t.Fatalf("tensor %s.%s at %d is not aligned", e.Module, e.Name, data.Offset+e.Offset)
		}
	}

	info, err := Inspect(path)
	if err != nil || len(info.Tensors) != len(idx.Tensors) {
		t.Fatalf("Inspect = %d tensors, %v", len(info.Tensors), err)
	}
}

func TestOpenReaderAtDoesNotMap(t *testing.T) {
	t.Parallel()

	_, st := trainedState(t)
	path := filepath.Join(t.TempDir(), "ckpt.mfck")
	if _, err := Save(path, st, Meta{}); err != nil {
		t.Fatal(err)
	}
	rf, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rf.Close() }()
	fi, err := rf.Stat()
	if err != nil {
		t.Fatal(err)
	}
	f, err := OpenReaderAt(rf, fi.Size())
	if err != nil {
		t.Fatalf("OpenReaderAt: %v", err)
	}
	if f.mmapped {
		t.Fatal("OpenReaderAt should not mmap")
	}
	if f.Section(SectionIndex) == nil || f.Section(SectionTensorData) == nil {
		t.Fatalf("sections = %+v", f.Sections)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestCorruptFiles(t *testing.T) {
	t.Parallel()

	_, st := trainedState(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "ckpt.mfck")
	if _, err := Save(path, st, Meta{}); err != nil {
		t.Fatal(err)
	}
	good, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"magic", func(b []byte) []byte { b[0] = 'X'; return b }, ErrInvalidMagic},
		{"major", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[4:], CurrentMajor+1); return b }, ErrUnsupportedVersion},
		{"truncated", func(b []byte) []byte { return b[:len(b)-8] }, ErrCorrupt},
		{"short", func(b []byte) []byte { return b[:10] }, ErrCorrupt},
	}
	for _, tc := range cases {
		p := filepath.Join(dir, tc.name+".mfck")
		data := tc.mutate(append([]byte(nil), good...))
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, _, err := Load(p); !errors.Is(err, tc.want) {
			t.Errorf("%s: Load err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestWriterRejectsDuplicateSection(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "dup.mfck"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	w, err := NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSection(SectionIndex, 1, []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSection(SectionIndex, 1, []byte("{}")); err == nil {
		t.Fatal("duplicate section accepted")
	}
	if err := w.Finalise(); err != nil {
		t.Fatal(err)
	}
	if err := w.Finalise(); err == nil {
		t.Fatal("second Finalise accepted")
	}
}
