package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/meshformer/internal/config"
	"github.com/samcharles93/meshformer/internal/optim"
	"github.com/samcharles93/meshformer/internal/params"
	"github.com/samcharles93/meshformer/internal/tensor"
	"github.com/samcharles93/meshformer/internal/train"
)

const indexVersion = 1

// Meta describes where a checkpoint came from.
type Meta struct {
	ID        string              `json:"id"`
	RunID     string              `json:"run_id,omitempty"`
	Step      int                 `json:"step"`
	Shards    int                 `json:"shards"`
	Optimizer string              `json:"optimizer,omitempty"`
	Model     *config.ShardConfig `json:"model,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// TensorEntry locates one tensor in the data section. An empty Slot marks a
// model parameter; otherwise the tensor belongs to that optimizer slot.
type TensorEntry struct {
	Shard  int    `json:"shard"`
	Slot   string `json:"slot,omitempty"`
	Module string `json:"module"`
	Name   string `json:"name"`
	Shape  []int  `json:"shape"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

// Index is the JSON payload of the index section.
type Index struct {
	Meta      Meta          `json:"meta"`
	OptCounts []int         `json:"opt_counts"`
	Tensors   []TensorEntry `json:"tensors"`
}

// Path returns the conventional file name for a checkpoint of step in dir.
func Path(dir string, step int) string {
	return filepath.Join(dir, fmt.Sprintf("step-%08d.mfck", step))
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) / a * a
}

type pending struct {
	entry TensorEntry
	data  []float32
}

func layout(st *train.State) ([]pending, []int) {
	var out []pending
	var off uint64
	add := func(shard int, slot string, tree params.Tree) {
		for _, k := range tree.Keys() {
			t := tree.Get(k.Module, k.Name)
			off = alignUp(off, tensorAlign)
			size := uint64(len(t.Data)) * 4
			out = append(out, pending{
				entry: TensorEntry{
					Shard:  shard,
					Slot:   slot,
					Module: k.Module,
					Name:   k.Name,
					Shape:  slices.Clone(t.Shape),
					Offset: off,
					Size:   size,
				},
				data: t.Data,
			})
			off += size
		}
	}
	counts := make([]int, len(st.Opt))
	for s := range st.Params {
		add(s, "", st.Params[s])
		counts[s] = st.Opt[s].Count
		slots := make([]string, 0, len(st.Opt[s].Slots))
		for name := range st.Opt[s].Slots {
			slots = append(slots, name)
		}
		slices.Sort(slots)
		for _, name := range slots {
			add(s, name, st.Opt[s].Slots[name])
		}
	}
	return out, counts
}

// Save writes st to path atomically: the file is built under a temporary
// name in the same directory and renamed into place. Meta fields derived
// from st are filled in, and an ID is assigned when meta has none.
func Save(path string, st *train.State, meta Meta) (Meta, error) {
	if st == nil || len(st.Params) != len(st.Opt) {
		return Meta{}, errors.New("checkpoint: state has mismatched parameter and optimizer shards")
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	meta.Step = st.Step
	meta.Shards = len(st.Params)
	meta.CreatedAt = time.Now().UTC()

	tensors, counts := layout(st)
	idx := Index{Meta: meta, OptCounts: counts}
	for _, p := range tensors {
		idx.Tensors = append(idx.Tensors, p.entry)
	}
	indexJSON, err := json.Marshal(idx)
	if err != nil {
		return Meta{}, fmt.Errorf("checkpoint: encode index: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Meta{}, err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return Meta{}, err
	}
	cleanup := func(err error) (Meta, error) {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return Meta{}, err
	}

	w, err := NewWriter(tmp)
	if err != nil {
		return cleanup(err)
	}
	if err := w.AddFlags(FlagTensorDataAligned64); err != nil {
		return cleanup(err)
	}
	if err := w.WriteSection(SectionIndex, indexVersion, indexJSON); err != nil {
		return cleanup(err)
	}
	sw, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		return cleanup(err)
	}
	var buf []byte
	for _, p := range tensors {
		if err := sw.Align(tensorAlign); err != nil {
			return cleanup(err)
		}
		buf = encodeF32(buf[:0], p.data)
		if _, err := sw.Write(buf); err != nil {
			return cleanup(err)
		}
	}
	if err := sw.End(); err != nil {
		return cleanup(err)
	}
	if err := w.Finalise(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return Meta{}, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return Meta{}, err
	}
	return meta, nil
}

func encodeF32(dst []byte, src []float32) []byte {
	for _, v := range src {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

func readIndex(f *File) (Index, error) {
	sec := f.Section(SectionIndex)
	if sec == nil {
		return Index{}, fmt.Errorf("%w: %s", ErrMissingSection, SectionIndex)
	}
	var idx Index
	if err := json.Unmarshal(f.SectionData(sec), &idx); err != nil {
		return Index{}, fmt.Errorf("%w: decode index: %v", ErrCorrupt, err)
	}
	if idx.Meta.Shards <= 0 || len(idx.OptCounts) != idx.Meta.Shards {
		return Index{}, fmt.Errorf("%w: index records %d shards and %d optimizer counts",
			ErrCorrupt, idx.Meta.Shards, len(idx.OptCounts))
	}
	return idx, nil
}

// Inspect returns the index of the checkpoint at path without loading any
// tensor data.
func Inspect(path string) (Index, error) {
	f, err := OpenFile(path)
	if err != nil {
		return Index{}, err
	}
	defer func() { _ = f.Close() }()
	return readIndex(f)
}

// Load reads the checkpoint at path back into a State.
func Load(path string) (*train.State, Meta, error) {
	f, err := OpenFile(path)
	if err != nil {
		return nil, Meta{}, err
	}
	defer func() { _ = f.Close() }()

	idx, err := readIndex(f)
	if err != nil {
		return nil, Meta{}, err
	}
	dataSec := f.Section(SectionTensorData)
	if dataSec == nil {
		return nil, Meta{}, fmt.Errorf("%w: %s", ErrMissingSection, SectionTensorData)
	}
	data := f.SectionData(dataSec)

	shards := idx.Meta.Shards
	st := &train.State{
		Params: make([]params.Tree, shards),
		Opt:    make([]optim.State, shards),
		Step:   idx.Meta.Step,
	}
	for s := range shards {
		st.Params[s] = params.Tree{}
		st.Opt[s] = optim.State{Count: idx.OptCounts[s], Slots: map[string]params.Tree{}}
	}

	for i, e := range idx.Tensors {
		if e.Shard < 0 || e.Shard >= shards {
			return nil, Meta{}, fmt.Errorf("%w: tensor %d names shard %d", ErrCorrupt, i, e.Shard)
		}
		n := tensor.SizeOf(e.Shape)
		if n <= 0 || e.Size != uint64(n)*4 {
			return nil, Meta{}, fmt.Errorf("%w: tensor %s.%s size %d does not match shape %v",
				ErrCorrupt, e.Module, e.Name, e.Size, e.Shape)
		}
		end := e.Offset + e.Size
		if end < e.Offset || end > uint64(len(data)) {
			return nil, Meta{}, fmt.Errorf("%w: tensor %s.%s out of bounds", ErrCorrupt, e.Module, e.Name)
		}
		t := tensor.New(e.Shape...)
		raw := data[e.Offset:end]
		for j := range t.Data {
			t.Data[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[j*4:]))
		}

		tree := st.Params[e.Shard]
		if e.Slot != "" {
			slot, ok := st.Opt[e.Shard].Slots[e.Slot]
			if !ok {
				slot = params.Tree{}
				st.Opt[e.Shard].Slots[e.Slot] = slot
			}
			tree = slot
		}
		tree.Set(e.Module, e.Name, t)
	}
	return st, idx.Meta, nil
}
