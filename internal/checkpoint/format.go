// Package checkpoint stores training state in a single memory-mappable file.
//
// A checkpoint is a fixed header, a JSON index section, a tensor data section
// and a section directory. Tensor payloads are little-endian float32 and start
// on 64-byte boundaries.
package checkpoint

import (
	"encoding/binary"
	"errors"
)

const (
	// Magic opens every checkpoint file.
	Magic = "MFCK"

	// CurrentMajor changes only on breaking layout changes.
	CurrentMajor uint16 = 1
	// CurrentMinor may add optional sections or index fields.
	CurrentMinor uint16 = 0

	// FlagTensorDataAligned64 marks files whose tensor payloads are 64-byte aligned.
	FlagTensorDataAligned64 uint64 = 1 << 0

	headerSize   = 40
	sectionSize  = 24
	sectionAlign = 8
	tensorAlign  = 64
)

var (
	ErrInvalidMagic       = errors.New("checkpoint: invalid magic")
	ErrUnsupportedVersion = errors.New("checkpoint: unsupported major version")
	ErrCorrupt            = errors.New("checkpoint: corrupt file")
	ErrMissingSection     = errors.New("checkpoint: missing section")
)

type SectionType uint32

const (
	SectionIndex      SectionType = 0x0001
	SectionTensorData SectionType = 0x0002
)

func (t SectionType) String() string {
	switch t {
	case SectionIndex:
		return "index"
	case SectionTensorData:
		return "tensor-data"
	default:
		return "unknown"
	}
}

// Header is the fixed-size prefix of a checkpoint file.
type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *Header) Valid() bool {
	return string(h.Magic[:]) == Magic
}

func (h *Header) Compatible() bool {
	return h.Major == CurrentMajor
}

// Section is one entry of the section directory.
type Section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *Section) End() uint64 { return s.Offset + s.Size }

func encodeHeader(dst []byte, h Header) bool {
	if len(dst) < headerSize {
		return false
	}
	le := binary.LittleEndian
	copy(dst[0:4], h.Magic[:])
	le.PutUint16(dst[4:], h.Major)
	le.PutUint16(dst[6:], h.Minor)
	le.PutUint32(dst[8:], h.HeaderSize)
	le.PutUint32(dst[12:], h.SectionCount)
	le.PutUint64(dst[16:], h.SectionDirOffset)
	le.PutUint64(dst[24:], h.FileSize)
	le.PutUint64(dst[32:], h.Flags)
	return true
}

func decodeHeader(src []byte) (Header, bool) {
	var h Header
	if len(src) < headerSize {
		return h, false
	}
	le := binary.LittleEndian
	copy(h.Magic[:], src[0:4])
	h.Major = le.Uint16(src[4:])
	h.Minor = le.Uint16(src[6:])
	h.HeaderSize = le.Uint32(src[8:])
	h.SectionCount = le.Uint32(src[12:])
	h.SectionDirOffset = le.Uint64(src[16:])
	h.FileSize = le.Uint64(src[24:])
	h.Flags = le.Uint64(src[32:])
	return h, true
}

func encodeSection(dst []byte, s Section) bool {
	if len(dst) < sectionSize {
		return false
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:], s.Type)
	le.PutUint32(dst[4:], s.Version)
	le.PutUint64(dst[8:], s.Offset)
	le.PutUint64(dst[16:], s.Size)
	return true
}

func decodeSection(src []byte) (Section, bool) {
	if len(src) < sectionSize {
		return Section{}, false
	}
	le := binary.LittleEndian
	return Section{
		Type:    le.Uint32(src[0:]),
		Version: le.Uint32(src[4:]),
		Offset:  le.Uint64(src[8:]),
		Size:    le.Uint64(src[16:]),
	}, true
}

func rangesOverlap(a0, a1, b0, b1 uint64) bool {
	// half-open ranges [a0,a1) and [b0,b1)
	return a0 < b1 && b0 < a1
}
