//go:build linux

package seqfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves length bytes at offset. The new range reads as
// zeros.
func preallocate(fd *os.File, offset, length int64) error {
	for {
		err := unix.Fallocate(int(fd.Fd()), 0, offset, length)
		if err != unix.EINTR {
			return err
		}
	}
}
