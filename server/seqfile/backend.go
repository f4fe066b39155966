package seqfile

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"github.com/ncw/directio"
)

// Backend selects how a file is opened and which alignment its buffers and
// offsets must honor. The SequentialFile contract is identical for every
// backend.
type Backend int

const (
	// BackendBuffered uses the OS page cache. No alignment is required.
	BackendBuffered Backend = iota

	// BackendDirect bypasses the page cache (O_DIRECT or the platform
	// equivalent). Buffers, lengths and offsets must be multiples of
	// directio.BlockSize.
	BackendDirect
)

// ParseBackend converts a backend name to a Backend. "nio" and "aio" are
// accepted as aliases for the buffered and direct backends.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "", "buffered", "nio":
		return BackendBuffered, nil
	case "direct", "aio":
		return BackendDirect, nil
	default:
		return 0, fmt.Errorf("unknown journal backend %q", name)
	}
}

func (b Backend) String() string {
	switch b {
	case BackendBuffered:
		return "buffered"
	case BackendDirect:
		return "direct"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// Alignment returns the block alignment required by the backend. A value of
// 1 means no constraint.
func (b Backend) Alignment() int {
	if b == BackendDirect {
		return directio.BlockSize
	}
	return 1
}

// RequiresAlignment reports whether buffers handed to WriteDirect and Read
// must be block aligned.
func (b Backend) RequiresAlignment() bool {
	return b.Alignment() > 1
}

func (b Backend) openFile(path string, flag int, perm os.FileMode) (*os.File, error) {
	if b == BackendDirect {
		return directio.OpenFile(path, flag, perm)
	}
	return os.OpenFile(path, flag, perm)
}

// newBuffer allocates a zeroed buffer of at least size bytes whose length is
// a multiple of the backend alignment and whose address is aligned.
func (b Backend) newBuffer(size int) []byte {
	return alignedBuffer(size, b.Alignment())
}

// isAligned reports whether p can be handed to the backend without copying.
func (b Backend) isAligned(p []byte) bool {
	if !b.RequiresAlignment() {
		return true
	}
	if len(p) == 0 {
		return true
	}
	return len(p)%b.Alignment() == 0 && isAddressAligned(p)
}

// isAddressAligned reports whether the first byte of p sits on a
// directio.AlignSize boundary.
func isAddressAligned(p []byte) bool {
	align := uintptr(directio.AlignSize)
	if align == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&p[0]))&(align-1) == 0
}

// AlignUp rounds pos up to the next multiple of alignment. Alignments of 0
// or 1 return pos unchanged.
func AlignUp(pos, alignment int64) int64 {
	if alignment <= 1 {
		return pos
	}
	return (pos + alignment - 1) / alignment * alignment
}
