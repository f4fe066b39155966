package seqfile

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrIO is matched by every failure of the underlying file or device,
	// including alignment violations and misuse of a released handle.
	ErrIO = errors.New("io failure")

	// ErrInterrupted is returned when waiting for in-flight operations to
	// drain was abandoned because the context ended.
	ErrInterrupted = errors.New("interrupted")

	// ErrBufferFull is returned by a non-blocking TimedBuffer when a flush is
	// required but every flush slot is in use.
	ErrBufferFull = errors.New("timed buffer full")

	// ErrState is returned when an operation is invoked in the wrong
	// lifecycle state, e.g. writing to a file that is not open.
	ErrState = errors.New("invalid file state")

	// ErrMisaligned is wrapped by an IOError when a buffer or offset does not
	// satisfy the backend's block alignment.
	ErrMisaligned = errors.New("buffer not aligned to block size")
)

// IOError records a failed operation against a sequential file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// Is reports IOErrors as ErrIO.
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

func ioError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if ioErr, ok := err.(*IOError); ok {
		return ioErr
	}
	return &IOError{Op: op, Path: path, Err: err}
}

func stateError(op, path string) error {
	return errors.Wrapf(ErrState, "%s %s: file is not open", op, path)
}
