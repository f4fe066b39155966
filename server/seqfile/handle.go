package seqfile

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// opBatch is the number of queued operations the I/O goroutine takes at a
// time.
const opBatch = 32

type opKind int

const (
	opWrite opKind = iota
	opRead
	opSync
	opFill
)

func (k opKind) String() string {
	switch k {
	case opWrite:
		return "write"
	case opRead:
		return "read"
	case opSync:
		return "sync"
	case opFill:
		return "fill"
	default:
		return "unknown"
	}
}

// ioOp is one physical operation. Writes and reads carry the offset reserved
// for them at submission.
type ioOp struct {
	kind   opKind
	data   []byte
	offset int64
	size   int64
	sync   bool
	cb     IOCallback
	n      int
	err    error
}

// stopDispatch is queued behind the last completion when a handle closes.
var stopDispatch = &ioOp{}

// handle owns the resources of one open file: the descriptor, the ordered
// operation queue, the in-flight slots and the goroutines serving them. A
// file gets a fresh handle every time it is opened.
type handle struct {
	*fileOptions
	fd          *os.File
	path        string
	maxIO       int64
	slots       *semaphore.Weighted
	ops         *queue.Queue
	completions *queue.Queue
	loops       sync.WaitGroup
}

func newHandle(fd *os.File, path string, maxIO int, useExecutor bool, opts *fileOptions) *handle {
	h := &handle{
		fileOptions: opts,
		fd:          fd,
		path:        path,
		maxIO:       int64(maxIO),
		slots:       semaphore.NewWeighted(int64(maxIO)),
		ops:         queue.New(int64(maxIO)),
	}
	if useExecutor {
		h.completions = queue.New(int64(maxIO))
		h.loops.Add(1)
		go h.dispatchLoop()
	}
	h.loops.Add(1)
	go h.ioLoop()
	return h
}

// submit queues op behind every previously submitted operation. It blocks
// while maxIO operations are in flight.
func (h *handle) submit(op *ioOp) error {
	if err := h.slots.Acquire(context.Background(), 1); err != nil {
		return ioError(op.kind.String(), h.path, err)
	}
	if err := h.ops.Put(op); err != nil {
		h.slots.Release(1)
		return ioError(op.kind.String(), h.path, os.ErrClosed)
	}
	return nil
}

func (h *handle) ioLoop() {
	defer h.loops.Done()
	for {
		items, err := h.ops.Get(opBatch)
		if err != nil {
			return
		}
		for _, item := range items {
			op := item.(*ioOp)
			op.err = h.execute(op)
			if h.completions != nil {
				// Queue the completion before giving the slot back so a
				// draining close never overtakes it.
				if err := h.completions.Put(op); err != nil {
					h.complete(op)
				}
				h.slots.Release(1)
				continue
			}
			h.slots.Release(1)
			h.complete(op)
		}
	}
}

func (h *handle) dispatchLoop() {
	defer h.loops.Done()
	for {
		items, err := h.completions.Get(opBatch)
		if err != nil {
			return
		}
		for _, item := range items {
			op := item.(*ioOp)
			if op == stopDispatch {
				return
			}
			h.complete(op)
		}
	}
}

func (h *handle) complete(op *ioOp) {
	if op.err != nil {
		h.metrics.failure()
		h.logger.Errorf("Journal file %s: %v", h.path, op.err)
		if h.onCriticalError != nil {
			h.onCriticalError(op.err, h.path)
		}
		op.cb.OnError(op.err)
		return
	}
	op.cb.Done()
}

func (h *handle) execute(op *ioOp) error {
	switch op.kind {
	case opWrite:
		n, err := h.fd.WriteAt(op.data, op.offset)
		if err == nil && n != len(op.data) {
			err = io.ErrShortWrite
		}
		if err != nil {
			return ioError("write", h.path, err)
		}
		if op.sync {
			if err := h.fd.Sync(); err != nil {
				return ioError("sync", h.path, err)
			}
		}
		h.metrics.write(n, op.sync)
		return nil
	case opRead:
		n, err := h.fd.ReadAt(op.data, op.offset)
		op.n = n
		if err == io.EOF {
			return nil
		}
		return ioError("read", h.path, err)
	case opSync:
		if err := h.fd.Sync(); err != nil {
			return ioError("sync", h.path, err)
		}
		h.metrics.sync()
		return nil
	case opFill:
		return h.fill(op.size)
	default:
		return ioError(op.kind.String(), h.path, errors.New("unsupported operation"))
	}
}

// fill zero-extends the file to size bytes and forces the extension to
// stable storage.
func (h *handle) fill(size int64) error {
	info, err := h.fd.Stat()
	if err != nil {
		return ioError("fill", h.path, err)
	}
	from := AlignUp(info.Size(), int64(h.backend.Alignment()))
	if size > from {
		if err := preallocate(h.fd, from, size-from); err != nil {
			h.logger.Debugf("Preallocation of %s unavailable (%v), writing zeros", h.path, err)
			if err := h.writeZeros(from, size); err != nil {
				return ioError("fill", h.path, err)
			}
		}
	}
	if err := h.fd.Sync(); err != nil {
		return ioError("fill", h.path, err)
	}
	h.metrics.sync()
	return nil
}

func (h *handle) writeZeros(from, to int64) error {
	zeros := h.backend.newBuffer(fillChunkSize)
	for off := from; off < to; {
		n := int64(len(zeros))
		if to-off < n {
			n = to - off
		}
		w, err := h.fd.WriteAt(zeros[:n], off)
		if err != nil {
			return err
		}
		off += int64(w)
	}
	return nil
}

// drain waits until every submitted operation has been executed and its
// completion handed off. The ctx ending first is reported as ErrInterrupted
// and leaves the handle usable.
func (h *handle) drain(ctx context.Context) error {
	if err := h.slots.Acquire(ctx, h.maxIO); err != nil {
		return errors.Wrapf(ErrInterrupted, "drain %s: %v", h.path, err)
	}
	return nil
}

// close stops the goroutines, waiting for pending completions to be
// delivered, and releases the descriptor. Must be called after drain.
func (h *handle) close() error {
	h.ops.Dispose()
	if h.completions != nil {
		if err := h.completions.Put(stopDispatch); err != nil {
			h.completions.Dispose()
		}
	}
	h.loops.Wait()
	if h.completions != nil {
		h.completions.Dispose()
	}
	h.slots.Release(h.maxIO)
	if err := h.fd.Close(); err != nil {
		return ioError("close", h.path, err)
	}
	return nil
}
