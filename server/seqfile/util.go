package seqfile

import (
	"os"

	"github.com/ncw/directio"
)

const (
	fillChunkSize = 1024 * 1024
	copyChunkSize = 1024 * 1024
)

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// alignedBuffer returns a zeroed buffer of AlignUp(size, alignment) bytes
// whose address is aligned for direct I/O when alignment > 1.
func alignedBuffer(size, alignment int) []byte {
	if alignment <= 1 {
		return make([]byte, size)
	}
	return directio.AlignedBlock(int(AlignUp(int64(size), int64(alignment))))
}

// pad zero-fills p from n up to the next alignment boundary and returns the
// padded slice. p must have enough capacity.
func pad(p []byte, n, alignment int) []byte {
	padded := int(AlignUp(int64(n), int64(alignment)))
	p = p[:padded]
	for i := n; i < padded; i++ {
		p[i] = 0
	}
	return p
}

// rawBytes adapts a byte slice to an Encoder.
type rawBytes []byte

func (b rawBytes) EncodedSize() int { return len(b) }
func (b rawBytes) Encode(p []byte)  { copy(p, b) }
