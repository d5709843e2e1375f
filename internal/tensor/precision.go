package tensor

import (
	"fmt"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Precision names the floating representation used for bulk compute.
// Master copies of parameters are always kept in F32.
type Precision int

const (
	F32 Precision = iota
	BF16
	F16
)

func (p Precision) String() string {
	switch p {
	case F32:
		return "f32"
	case BF16:
		return "bf16"
	case F16:
		return "f16"
	default:
		return fmt.Sprintf("precision(%d)", int(p))
	}
}

// ParsePrecision accepts f32, bf16 and f16 (case-insensitive).
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "fp32":
		return F32, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "f16", "float16", "fp16":
		return F16, nil
	default:
		return F32, fmt.Errorf("tensor: unknown precision %q", s)
	}
}

// Cast returns a copy of t whose values are representable in p.
// Values stay stored as float32; only their precision is reduced.
func Cast(t *Tensor, p Precision) *Tensor {
	out := t.Clone()
	RoundInPlace(out, p)
	return out
}

// RoundInPlace rounds every element of t to precision p.
func RoundInPlace(t *Tensor, p Precision) {
	switch p {
	case F32:
	case BF16:
		copy(t.Data, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(t.Data)))
	case F16:
		for i, v := range t.Data {
			t.Data[i] = float16.Fromfloat32(v).Float32()
		}
	default:
		panic(fmt.Sprintf("tensor: unsupported precision %v", p))
	}
}
