// Package keypath converts BIP32 paths between their textual form
// (m/84'/0'/0') and the 4-bytes-per-level encoding used on the wire.
package keypath

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/status-im/keycard-go/derivationpath"
)

const (
	MaxDepth       = 10
	HardenedOffset = uint32(0x80000000)

	rootMarker = "m"
	separator  = "/"
)

var (
	ErrTooDeep     = errors.New("key path exceeds 10 levels")
	ErrInvalidPath = errors.New("invalid key path")
)

type Path []uint32

func Parse(str string) (Path, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return nil, errors.Wrap(ErrInvalidPath, "empty path")
	}

	segments := strings.Split(str, separator)
	if segments[0] == rootMarker || segments[0] == "M" {
		segments = segments[1:]
	}

	if len(segments) > MaxDepth {
		return nil, errors.Wrapf(ErrTooDeep, "%d levels", len(segments))
	}

	path := make(Path, 0, len(segments))
	for _, segment := range segments {
		index, err := parseSegment(segment)
		if err != nil {
			return nil, err
		}
		path = append(path, index)
	}

	return path, nil
}

func parseSegment(segment string) (uint32, error) {
	hardened := false
	if n := len(segment); n > 0 {
		switch segment[n-1] {
		case '\'', 'h', 'H':
			hardened = true
			segment = segment[:n-1]
		}
	}

	if segment == "" {
		return 0, errors.Wrap(ErrInvalidPath, "empty level")
	}

	for _, c := range segment {
		if c < '0' || c > '9' {
			return 0, errors.Wrapf(ErrInvalidPath, "unexpected character %q", c)
		}
	}

	index, err := strconv.ParseUint(segment, 10, 32)
	if err != nil || uint32(index) >= HardenedOffset {
		return 0, errors.Wrapf(ErrInvalidPath, "index %s out of range", segment)
	}

	if hardened {
		return uint32(index) | HardenedOffset, nil
	}
	return uint32(index), nil
}

// FromBytes decodes the binary form, 4 big-endian bytes per level.
func FromBytes(data []byte) (Path, error) {
	if len(data)%4 != 0 {
		return nil, errors.Wrapf(ErrInvalidPath, "length %d is not a multiple of 4", len(data))
	}
	if len(data)/4 > MaxDepth {
		return nil, errors.Wrapf(ErrTooDeep, "%d levels", len(data)/4)
	}

	path := make(Path, len(data)/4)
	for i := range path {
		path[i] = binary.BigEndian.Uint32(data[i*4:])
	}
	return path, nil
}

func (p Path) Bytes() []byte {
	out := make([]byte, 4*len(p))
	for i, index := range p {
		binary.BigEndian.PutUint32(out[i*4:], index)
	}
	return out
}

func (p Path) String() string {
	return derivationpath.Encode(p)
}

func (p Path) Depth() int {
	return len(p)
}

func (p Path) IsRoot() bool {
	return len(p) == 0
}

// Parent returns the path one level up. The parent of the root is the root.
func (p Path) Parent() Path {
	if p.IsRoot() {
		return Path{}
	}
	return append(Path{}, p[:len(p)-1]...)
}

// ChildNumber is the last index of the path, 0 for the root.
func (p Path) ChildNumber() uint32 {
	if p.IsRoot() {
		return 0
	}
	return p[len(p)-1]
}

func (p Path) Child(index uint32) Path {
	return append(append(Path{}, p...), index)
}

func Hardened(index uint32) uint32 {
	return index | HardenedOffset
}

func IsHardened(index uint32) bool {
	return index&HardenedOffset != 0
}
