package seqfile

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/liftbridge-io/liftbridge-journal/server/logger"
)

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	// Backend selects how files are opened and the alignment they require.
	Backend Backend

	// MaxIO is the number of physical operations a file opened by the
	// factory allows in flight.
	MaxIO int

	// UseExecutor delivers callbacks on a dedicated goroutine per file
	// instead of the I/O goroutine.
	UseExecutor bool

	// MaxFileSize is used by SequentialFile.Fits. Zero means unbounded.
	MaxFileSize int64

	// BufferSize enables the factory TimedBuffer when positive.
	BufferSize int

	// BufferTimeout is the flush window of the TimedBuffer.
	BufferTimeout time.Duration

	// NonBlocking makes the TimedBuffer return ErrBufferFull instead of
	// waiting for a flush slot.
	NonBlocking bool

	Logger  logger.Logger
	Metrics *Metrics

	// OnCriticalError is called for every failed physical operation.
	OnCriticalError func(err error, path string)
}

// Factory creates SequentialFiles in one directory sharing a backend and an
// optional TimedBuffer.
type Factory struct {
	dir   string
	maxIO int
	opts  *fileOptions
	exec  bool
	tb    *TimedBuffer

	mu     sync.Mutex
	active SequentialFile
}

// NewFactory returns a Factory for dir.
func NewFactory(dir string, opts FactoryOptions) *Factory {
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}
	if opts.MaxIO < 1 {
		opts.MaxIO = 1
	}
	f := &Factory{
		dir:   dir,
		maxIO: opts.MaxIO,
		exec:  opts.UseExecutor,
		opts: &fileOptions{
			backend:         opts.Backend,
			maxSize:         opts.MaxFileSize,
			logger:          opts.Logger,
			metrics:         opts.Metrics,
			onCriticalError: opts.OnCriticalError,
		},
	}
	if opts.BufferSize > 0 {
		f.tb = NewTimedBuffer(TimedBufferOptions{
			Size:        opts.BufferSize,
			Timeout:     opts.BufferTimeout,
			MaxInFlight: opts.MaxIO,
			NonBlocking: opts.NonBlocking,
			Alignment:   opts.Backend.Alignment(),
			Logger:      opts.Logger,
			Metrics:     opts.Metrics,
		})
	}
	return f
}

// NewSequentialFile returns a closed file named name in the factory
// directory.
func (f *Factory) NewSequentialFile(name string) SequentialFile {
	return newFile(f.dir, name, f.opts)
}

// OpenSequentialFile returns name opened with the factory MaxIO and
// executor settings.
func (f *Factory) OpenSequentialFile(name string) (SequentialFile, error) {
	file := f.NewSequentialFile(name)
	if err := file.OpenWith(f.maxIO, f.exec); err != nil {
		return nil, err
	}
	return file, nil
}

// NewBuffer returns a zeroed buffer usable with WriteDirect. Its length is
// size rounded up to the alignment of the backend.
func (f *Factory) NewBuffer(size int) []byte {
	return f.opts.backend.newBuffer(size)
}

// Alignment returns the block alignment of the backend.
func (f *Factory) Alignment() int {
	return f.opts.backend.Alignment()
}

// RequiresAlignment reports whether writes must be block aligned.
func (f *Factory) RequiresAlignment() bool {
	return f.opts.backend.RequiresAlignment()
}

// CalculateBlockSize rounds size up to the alignment of the backend.
func (f *Factory) CalculateBlockSize(size int64) int64 {
	return AlignUp(size, int64(f.Alignment()))
}

// ListFiles returns the sorted names of the files in the directory with the
// given extension.
func (f *Factory) ListFiles(ext string) ([]string, error) {
	infos, err := ioutil.ReadDir(f.dir)
	if err != nil {
		return nil, ioError("list", f.dir, err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		if ext == "" || strings.HasSuffix(info.Name(), "."+strings.TrimPrefix(ext, ".")) {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// CreateDirs creates the factory directory if it does not exist.
func (f *Factory) CreateDirs() error {
	if err := os.MkdirAll(f.dir, os.ModePerm); err != nil {
		return ioError("mkdir", f.dir, errors.Wrap(err, "failed to create journal directory"))
	}
	return nil
}

// Dir returns the factory directory.
func (f *Factory) Dir() string {
	return f.dir
}

// Path returns the full path of name in the factory directory.
func (f *Factory) Path(name string) string {
	return filepath.Join(f.dir, name)
}

// MaxIO returns the in-flight limit of files opened by the factory.
func (f *Factory) MaxIO() int {
	return f.maxIO
}

// TimedBuffer returns the factory TimedBuffer or nil if buffering is
// disabled.
func (f *Factory) TimedBuffer() *TimedBuffer {
	return f.tb
}

// Start starts the TimedBuffer timer.
func (f *Factory) Start() {
	if f.tb != nil {
		f.tb.Start()
	}
}

// Stop flushes and stops the TimedBuffer.
func (f *Factory) Stop() {
	if f.tb != nil {
		f.tb.Stop()
	}
}

// ActivateBuffer binds the TimedBuffer to file, detaching it from the
// previously active file. The buffer timer is started if it is not running.
func (f *Factory) ActivateBuffer(file SequentialFile) error {
	if f.tb == nil {
		return nil
	}
	f.tb.Start()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != nil && f.active != file {
		if err := f.active.SetTimedBuffer(nil); err != nil {
			return err
		}
	}
	if err := file.SetTimedBuffer(f.tb); err != nil {
		f.active = nil
		return err
	}
	f.active = file
	return nil
}

// DeactivateBuffer detaches the TimedBuffer from the active file, flushing
// data pending for it.
func (f *Factory) DeactivateBuffer() error {
	if f.tb == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil
	}
	err := f.active.SetTimedBuffer(nil)
	f.active = nil
	return err
}
