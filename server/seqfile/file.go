package seqfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	atomic_file "github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"

	"github.com/liftbridge-io/liftbridge-journal/server/logger"
)

// SequentialFile is a single on-disk file written sequentially at a cursor.
// Writes submitted to one instance land in submission order and their
// callbacks fire in that same order. Backends differ only in alignment and
// how the file is opened.
type SequentialFile interface {
	// IsOpen reports whether the file holds an open handle.
	IsOpen() bool

	// Exists reports whether the file is present on disk.
	Exists() bool

	// Open opens the file with a single in-flight operation and completions
	// delivered on the I/O goroutine.
	Open() error

	// OpenWith opens the file allowing maxIO physical operations in flight.
	// If useExecutor is true, callbacks are dispatched on a dedicated
	// goroutine instead of the I/O goroutine.
	OpenWith(maxIO int, useExecutor bool) error

	// Fits reports whether size more bytes can be written before the
	// configured maximum file size is exceeded. It never changes state.
	Fits(size int) bool

	// Alignment returns the block alignment of the backend. It fails with
	// ErrIO if the file is not open.
	Alignment() (int, error)

	// CalculateBlockStart rounds pos up to the next alignment boundary.
	CalculateBlockStart(pos int64) (int64, error)

	// FileName returns the base name of the file.
	FileName() string

	// Path returns the full path of the file.
	Path() string

	// Fill zero-extends the file to size bytes, rounded up to the alignment,
	// and forces the extension to disk. The cursor is not moved.
	Fill(size int64) error

	// Delete closes the file, waiting for in-flight operations, and removes
	// it. If ctx ends while waiting, ErrInterrupted is returned and the file
	// stays open.
	Delete(ctx context.Context) error

	// Write appends p at the cursor and blocks until the write completes. If
	// sync is true it returns only after the data is on stable storage.
	Write(p []byte, sync bool) error

	// WriteAsync appends p at the cursor and notifies cb on completion. When
	// a TimedBuffer is bound the write is batched with others and completes
	// when the batch is flushed, so the buffer timer must be running for
	// writes nobody flushes explicitly. If an error is returned cb is never
	// called.
	WriteAsync(p []byte, sync bool, cb IOCallback) error

	// WriteEncoded is Write for a payload serialized at write time.
	WriteEncoded(e Encoder, sync bool) error

	// WriteEncodedAsync is WriteAsync for a payload serialized at write
	// time.
	WriteEncodedAsync(e Encoder, sync bool, cb IOCallback) error

	// WriteDirect writes p bypassing any TimedBuffer and blocks until it
	// completes. On aligned backends p must come from Factory.NewBuffer.
	WriteDirect(p []byte, sync bool) error

	// WriteDirectAsync is the callback form of WriteDirect. p must not be
	// modified until cb fires.
	WriteDirectAsync(p []byte, sync bool, cb IOCallback) error

	// Read reads into p from the cursor after every previously submitted
	// write, advances the cursor by the bytes read and returns that count.
	// At or past the end of the file it returns 0 and no error. cb, if not
	// nil, is notified once the read completes.
	Read(p []byte, cb IOCallback) (int, error)

	// SetPosition moves the cursor.
	SetPosition(pos int64) error

	// Position returns the cursor. It fails with ErrState if the file is not
	// open.
	Position() (int64, error)

	// Close flushes a bound TimedBuffer, waits for in-flight operations and
	// releases the handle. Closing a closed file is a no-op.
	Close() error

	// Sync forces every previously submitted write to stable storage.
	Sync() error

	// Size returns the length of the file in bytes.
	Size() (int64, error)

	// RenameTo closes the file if needed and renames it within its
	// directory. It fails if the target already exists.
	RenameTo(name string) error

	// CloneFile returns a closed file bound to the same path with its own
	// cursor and no TimedBuffer.
	CloneFile() SequentialFile

	// CopyTo copies the full contents of this file into target, which must
	// be open, and syncs the target.
	CopyTo(target SequentialFile) error

	// SetTimedBuffer binds tb to the file, or unbinds the current buffer
	// when tb is nil. Unbinding flushes data pending for this file.
	SetTimedBuffer(tb *TimedBuffer) error
}

// Encoder is a payload that is serialized directly into the destination
// buffer at write time.
type Encoder interface {
	// EncodedSize returns the exact number of bytes Encode writes.
	EncodedSize() int

	// Encode writes the payload into p, which is EncodedSize bytes long.
	Encode(p []byte)
}

type fileState int

const (
	stateClosed fileState = iota
	stateOpen
	stateClosing
)

// fileOptions are shared by every file created by a factory.
type fileOptions struct {
	backend         Backend
	maxSize         int64
	logger          logger.Logger
	metrics         *Metrics
	onCriticalError func(err error, path string)
}

type file struct {
	opts *fileOptions

	pathMu sync.RWMutex
	dir    string
	name   string

	mu       sync.Mutex
	state    fileState
	h        *handle
	position int64
	tb       *TimedBuffer
}

var _ SequentialFile = (*file)(nil)

func newFile(dir, name string, opts *fileOptions) *file {
	return &file{opts: opts, dir: dir, name: name}
}

func (f *file) String() string {
	return f.Path()
}

func (f *file) FileName() string {
	f.pathMu.RLock()
	defer f.pathMu.RUnlock()
	return f.name
}

func (f *file) Path() string {
	f.pathMu.RLock()
	defer f.pathMu.RUnlock()
	return filepath.Join(f.dir, f.name)
}

func (f *file) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateOpen
}

func (f *file) Exists() bool {
	return exists(f.Path())
}

func (f *file) Open() error {
	return f.OpenWith(1, false)
}

func (f *file) OpenWith(maxIO int, useExecutor bool) error {
	if maxIO < 1 {
		maxIO = 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	path := f.Path()
	if f.state != stateClosed {
		return errors.Wrapf(ErrState, "open %s: file is already open", path)
	}
	fd, err := f.opts.backend.openFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return ioError("open", path, err)
	}
	f.h = newHandle(fd, path, maxIO, useExecutor, f.opts)
	f.position = 0
	f.state = stateOpen
	f.opts.logger.Debugf("Opened journal file %s (backend: %s, max io: %d)", path, f.opts.backend, maxIO)
	return nil
}

func (f *file) Fits(size int) bool {
	if f.opts.maxSize <= 0 {
		return true
	}
	f.mu.Lock()
	tb := f.tb
	f.mu.Unlock()
	// Pending bytes are read before the cursor so a flush in between is
	// counted twice rather than not at all.
	pending, region := 0, 0
	if tb != nil {
		pending = tb.pendingFor(f)
		region = tb.Size()
	}
	f.mu.Lock()
	position := f.position
	f.mu.Unlock()

	alignment := int64(f.opts.backend.Alignment())
	needed := AlignUp(int64(pending+size), alignment)
	if pending > 0 && pending+size > region {
		// The pending batch is flushed and padded on its own first.
		needed = AlignUp(int64(pending), alignment) + AlignUp(int64(size), alignment)
	}
	return position+needed <= f.opts.maxSize
}

func (f *file) Alignment() (int, error) {
	if !f.IsOpen() {
		return 0, ioError("alignment", f.Path(), os.ErrClosed)
	}
	return f.opts.backend.Alignment(), nil
}

func (f *file) CalculateBlockStart(pos int64) (int64, error) {
	alignment, err := f.Alignment()
	if err != nil {
		return 0, err
	}
	return AlignUp(pos, int64(alignment)), nil
}

func (f *file) Fill(size int64) error {
	size = AlignUp(size, int64(f.opts.backend.Alignment()))
	wait := NewWaitCallback()
	if err := f.submit(&ioOp{kind: opFill, size: size, cb: wait}); err != nil {
		return err
	}
	return wait.Wait(context.Background())
}

func (f *file) Write(p []byte, sync bool) error {
	return f.WriteEncoded(rawBytes(p), sync)
}

func (f *file) WriteAsync(p []byte, sync bool, cb IOCallback) error {
	return f.WriteEncodedAsync(rawBytes(p), sync, cb)
}

func (f *file) WriteEncoded(e Encoder, sync bool) error {
	wait := NewWaitCallback()
	if err := f.WriteEncodedAsync(e, sync, wait); err != nil {
		return err
	}
	return wait.Wait(context.Background())
}

func (f *file) WriteEncodedAsync(e Encoder, sync bool, cb IOCallback) error {
	tb, err := f.timedBuffer("write")
	if err != nil {
		return err
	}
	if tb != nil {
		return tb.append(f, e, sync, callbackOrNoop(cb))
	}
	p := f.opts.backend.newBuffer(e.EncodedSize())
	e.Encode(p[:e.EncodedSize()])
	return f.submitWrite("write", p, sync, callbackOrNoop(cb), false)
}

func (f *file) WriteDirect(p []byte, sync bool) error {
	wait := NewWaitCallback()
	if err := f.WriteDirectAsync(p, sync, wait); err != nil {
		return err
	}
	return wait.Wait(context.Background())
}

func (f *file) WriteDirectAsync(p []byte, sync bool, cb IOCallback) error {
	return f.submitWrite("write direct", p, sync, callbackOrNoop(cb), true)
}

// flushBuffer receives a batch from the bound TimedBuffer.
func (f *file) flushBuffer(data []byte, sync bool, cb IOCallback) error {
	return f.submitWrite("flush", data, sync, cb, false)
}

// submitWrite reserves the next range at the cursor and queues the write.
// Unaligned data is copied into an aligned, zero-padded block unless the
// caller asked for a direct write.
func (f *file) submitWrite(op string, p []byte, sync bool, cb IOCallback, direct bool) error {
	backend := f.opts.backend
	data := p
	if !backend.isAligned(p) {
		if direct {
			return ioError(op, f.Path(), ErrMisaligned)
		}
		data = backend.newBuffer(len(p))
		copy(data, p)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != stateOpen {
		return stateError(op, f.Path())
	}
	if f.position%int64(backend.Alignment()) != 0 {
		return ioError(op, f.Path(), errors.Wrapf(ErrMisaligned, "position %d", f.position))
	}
	if err := f.h.submit(&ioOp{kind: opWrite, data: data, offset: f.position, sync: sync, cb: cb}); err != nil {
		return err
	}
	f.position += int64(len(data))
	return nil
}

// submit queues a non-write operation. Reads pass their own offset.
func (f *file) submit(op *ioOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != stateOpen {
		return stateError(op.kind.String(), f.Path())
	}
	return f.h.submit(op)
}

func (f *file) Read(p []byte, cb IOCallback) (int, error) {
	backend := f.opts.backend
	f.mu.Lock()
	if f.state != stateOpen {
		f.mu.Unlock()
		return 0, stateError("read", f.Path())
	}
	pos := f.position
	if !backend.isAligned(p) || pos%int64(backend.Alignment()) != 0 {
		f.mu.Unlock()
		return 0, ioError("read", f.Path(), ErrMisaligned)
	}
	wait := NewWaitCallback()
	op := &ioOp{kind: opRead, data: p, offset: pos, cb: wait}
	err := f.h.submit(op)
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if err := wait.Wait(context.Background()); err != nil {
		if cb != nil {
			cb.OnError(err)
		}
		return 0, err
	}
	f.mu.Lock()
	// Only advance if nobody moved the cursor while the read was queued.
	if f.position == pos {
		f.position = pos + int64(op.n)
	}
	f.mu.Unlock()
	if cb != nil {
		cb.Done()
	}
	return op.n, nil
}

func (f *file) SetPosition(pos int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != stateOpen {
		return stateError("position", f.Path())
	}
	if pos < 0 {
		return ioError("position", f.Path(), fmt.Errorf("negative position %d", pos))
	}
	f.position = pos
	return nil
}

func (f *file) Position() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != stateOpen {
		return 0, stateError("position", f.Path())
	}
	return f.position, nil
}

func (f *file) Sync() error {
	wait := NewWaitCallback()
	if err := f.submit(&ioOp{kind: opSync, cb: wait}); err != nil {
		return err
	}
	return wait.Wait(context.Background())
}

func (f *file) Size() (int64, error) {
	f.mu.Lock()
	h := f.h
	open := f.state == stateOpen
	f.mu.Unlock()
	var (
		info os.FileInfo
		err  error
	)
	if open {
		info, err = h.fd.Stat()
	} else {
		info, err = os.Stat(f.Path())
	}
	if err != nil {
		return 0, ioError("size", f.Path(), err)
	}
	return info.Size(), nil
}

func (f *file) Close() error {
	return f.close(context.Background())
}

// close flushes data the bound TimedBuffer holds for this file, then drains
// and releases the handle.
func (f *file) close(ctx context.Context) error {
	f.mu.Lock()
	if f.state != stateOpen {
		f.mu.Unlock()
		return nil
	}
	tb := f.tb
	f.mu.Unlock()

	if tb != nil {
		tb.flushFor(f)
	}

	f.mu.Lock()
	if f.state != stateOpen {
		f.mu.Unlock()
		return nil
	}
	f.state = stateClosing
	h := f.h
	f.mu.Unlock()

	if err := h.drain(ctx); err != nil {
		f.mu.Lock()
		f.state = stateOpen
		f.mu.Unlock()
		return err
	}
	err := h.close()

	f.mu.Lock()
	f.state = stateClosed
	f.h = nil
	f.mu.Unlock()
	f.opts.logger.Debugf("Closed journal file %s", h.path)
	return err
}

func (f *file) Delete(ctx context.Context) error {
	if err := f.close(ctx); err != nil {
		return err
	}
	path := f.Path()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return ioError("delete", path, err)
	}
	f.opts.logger.Debugf("Deleted journal file %s", path)
	return nil
}

func (f *file) RenameTo(name string) error {
	if err := f.Close(); err != nil {
		return err
	}
	f.pathMu.Lock()
	defer f.pathMu.Unlock()
	dir := f.dir
	if filepath.IsAbs(name) {
		dir, name = filepath.Split(name)
	}
	oldPath := filepath.Join(f.dir, f.name)
	newPath := filepath.Join(dir, name)
	if exists(newPath) {
		return ioError("rename", newPath, os.ErrExist)
	}
	if err := atomic_file.ReplaceFile(oldPath, newPath); err != nil {
		return ioError("rename", oldPath, err)
	}
	f.dir = filepath.Clean(dir)
	f.name = name
	f.opts.logger.Debugf("Renamed journal file %s to %s", oldPath, newPath)
	return nil
}

func (f *file) CloneFile() SequentialFile {
	f.pathMu.RLock()
	defer f.pathMu.RUnlock()
	return newFile(f.dir, f.name, f.opts)
}

func (f *file) CopyTo(target SequentialFile) error {
	if !target.IsOpen() {
		return errors.Wrapf(ErrState, "copy %s to %s: target is not open", f.Path(), target.Path())
	}
	// Make sure data still buffered for this file is visible first.
	if f.IsOpen() {
		if tb, _ := f.timedBuffer("copy"); tb != nil {
			tb.flushFor(f)
		}
		if err := f.Sync(); err != nil {
			return err
		}
	}
	alignment, err := target.Alignment()
	if err != nil {
		return err
	}

	src, err := os.Open(f.Path())
	if err != nil {
		return ioError("copy", f.Path(), err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return ioError("copy", f.Path(), err)
	}
	if info.Size() > 0 {
		mapped, err := gommap.Map(src.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
		if err != nil {
			return ioError("copy", f.Path(), errors.Wrap(err, "mmap file failed"))
		}
		defer mapped.UnsafeUnmap()

		buf := alignedBuffer(copyChunkSize, alignment)
		for off := 0; off < len(mapped); off += copyChunkSize {
			end := off + copyChunkSize
			if end > len(mapped) {
				end = len(mapped)
			}
			n := copy(buf, mapped[off:end])
			if err := target.WriteDirect(pad(buf, n, alignment), false); err != nil {
				return err
			}
		}
	}
	f.opts.logger.Debugf("Copied journal file %s to %s", f.Path(), target.Path())
	return target.Sync()
}

func (f *file) SetTimedBuffer(tb *TimedBuffer) error {
	f.mu.Lock()
	old := f.tb
	f.mu.Unlock()
	if old == tb {
		return nil
	}
	if old != nil {
		old.unbind(f)
	}
	var err error
	if tb != nil {
		if err = tb.bind(f); err != nil {
			tb = nil
		}
	}
	f.mu.Lock()
	f.tb = tb
	f.mu.Unlock()
	return err
}

// timedBuffer returns the bound buffer after checking the file is open.
func (f *file) timedBuffer(op string) (*TimedBuffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != stateOpen {
		return nil, stateError(op, f.Path())
	}
	return f.tb, nil
}

func callbackOrNoop(cb IOCallback) IOCallback {
	if cb == nil {
		return noopCallback{}
	}
	return cb
}
