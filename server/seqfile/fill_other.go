//go:build !linux

package seqfile

import (
	"os"

	"github.com/pkg/errors"
)

func preallocate(fd *os.File, offset, length int64) error {
	return errors.New("preallocation not supported on this platform")
}
