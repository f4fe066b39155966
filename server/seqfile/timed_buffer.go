package seqfile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/liftbridge-io/liftbridge-journal/server/logger"
)

const (
	defaultBufferSize    = 490 * 1024
	defaultBufferTimeout = 3333333 * time.Nanosecond
)

// TimedBufferOptions configures a TimedBuffer.
type TimedBufferOptions struct {
	// Size is the capacity of the accumulation region in bytes.
	Size int

	// Timeout is the maximum time an item waits in the region before it is
	// flushed by the timer.
	Timeout time.Duration

	// MaxInFlight is the number of flushes allowed to be outstanding at once.
	MaxInFlight int

	// NonBlocking makes appends fail with ErrBufferFull instead of waiting
	// when a flush is required and no flush slot is free.
	NonBlocking bool

	// Alignment is the block alignment of the files the buffer is bound to.
	// Every flush is padded to it.
	Alignment int

	Logger  logger.Logger
	Metrics *Metrics
}

// TimedBufferStats is a snapshot of the counters of a TimedBuffer.
type TimedBufferStats struct {
	Flushes   uint64
	Bytes     uint64
	Items     uint64
	Oversized uint64
}

// flushTarget receives the batches a TimedBuffer hands off.
type flushTarget interface {
	flushBuffer(data []byte, sync bool, cb IOCallback) error
}

// TimedBuffer coalesces small writes to a single bound file into one
// physical write. A batch is flushed when the region fills up, when the
// timer fires, on an explicit Flush, or ahead of an item too large to fit in
// the region. Callbacks of a batch fire in the order their items were
// appended and all share the outcome of the single physical write.
type TimedBuffer struct {
	opts   TimedBufferOptions
	slots  *semaphore.Weighted
	pool   sync.Pool
	logger logger.Logger

	mu          sync.Mutex
	target      flushTarget
	region      []byte
	used        int
	callbacks   []IOCallback
	pendingSync bool
	firstAppend time.Time
	started     bool
	stop        chan struct{}
	done        chan struct{}

	flushes   uint64
	bytes     uint64
	items     uint64
	oversized uint64
}

// NewTimedBuffer returns a TimedBuffer. Call Start to enable the flush
// timer.
func NewTimedBuffer(opts TimedBufferOptions) *TimedBuffer {
	if opts.Size <= 0 {
		opts.Size = defaultBufferSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultBufferTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	if opts.Alignment <= 0 {
		opts.Alignment = 1
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}
	tb := &TimedBuffer{
		opts:   opts,
		slots:  semaphore.NewWeighted(int64(opts.MaxInFlight)),
		logger: opts.Logger,
	}
	tb.pool.New = func() interface{} {
		return alignedBuffer(tb.opts.Size, tb.opts.Alignment)
	}
	tb.region = tb.newRegion()
	return tb
}

// Size returns the capacity of the accumulation region.
func (tb *TimedBuffer) Size() int {
	return tb.opts.Size
}

// Start launches the flush timer. It has no effect if the timer is already
// running.
func (tb *TimedBuffer) Start() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.started {
		return
	}
	tb.started = true
	tb.stop = make(chan struct{})
	tb.done = make(chan struct{})
	go tb.flushLoop(tb.stop, tb.done)
}

// Stop stops the flush timer and flushes pending data. It blocks until a
// flush slot is available.
func (tb *TimedBuffer) Stop() {
	tb.mu.Lock()
	if !tb.started {
		tb.mu.Unlock()
		tb.Flush()
		return
	}
	tb.started = false
	stop, done := tb.stop, tb.done
	tb.mu.Unlock()

	close(stop)
	<-done
	tb.Flush()
}

// Flush hands pending data to the bound file, waiting for a free flush slot
// if needed. Pending callbacks fire once the physical write completes.
func (tb *TimedBuffer) Flush() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if err := tb.flushLocked(true); err != nil {
		tb.logger.Errorf("Failed to flush timed buffer: %v", err)
	}
}

// Stats returns a snapshot of the buffer counters.
func (tb *TimedBuffer) Stats() TimedBufferStats {
	return TimedBufferStats{
		Flushes:   atomic.LoadUint64(&tb.flushes),
		Bytes:     atomic.LoadUint64(&tb.bytes),
		Items:     atomic.LoadUint64(&tb.items),
		Oversized: atomic.LoadUint64(&tb.oversized),
	}
}

func (tb *TimedBuffer) flushLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(tb.opts.Timeout)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			tb.mu.Lock()
			if err := tb.flushLocked(!tb.opts.NonBlocking); err != nil && !errors.Is(err, ErrBufferFull) {
				tb.logger.Errorf("Failed to flush timed buffer: %v", err)
			}
			tb.mu.Unlock()
		}
	}
}

// bind makes target the only file allowed to append. Binding a different
// file while data is pending for the current one fails.
func (tb *TimedBuffer) bind(target flushTarget) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.target != nil && tb.target != target && len(tb.callbacks) > 0 {
		return errors.Wrap(ErrState, "timed buffer has pending data for another file")
	}
	tb.target = target
	return nil
}

// unbind flushes data pending for target and detaches it.
func (tb *TimedBuffer) unbind(target flushTarget) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.target != target {
		return
	}
	if err := tb.flushLocked(true); err != nil {
		tb.logger.Errorf("Failed to flush timed buffer: %v", err)
	}
	tb.target = nil
}

// flushFor flushes pending data if target is the bound file.
func (tb *TimedBuffer) flushFor(target flushTarget) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.target != target {
		return
	}
	if err := tb.flushLocked(true); err != nil {
		tb.logger.Errorf("Failed to flush timed buffer: %v", err)
	}
}

// pendingFor returns the number of bytes waiting for target.
func (tb *TimedBuffer) pendingFor(target flushTarget) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.target != target {
		return 0
	}
	return tb.used
}

// append copies the encoded item into the region. The callback fires when
// the batch holding the item completes.
func (tb *TimedBuffer) append(target flushTarget, enc Encoder, sync bool, cb IOCallback) error {
	size := enc.EncodedSize()
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.target == nil || tb.target != target {
		return errors.Wrap(ErrState, "timed buffer is not bound to this file")
	}

	if size > tb.opts.Size {
		return tb.writeOversized(enc, size, sync, cb)
	}

	if tb.used+size > tb.opts.Size {
		if err := tb.flushLocked(!tb.opts.NonBlocking); err != nil {
			return err
		}
	}

	if len(tb.callbacks) == 0 {
		tb.firstAppend = time.Now()
	}
	enc.Encode(tb.region[tb.used : tb.used+size])
	tb.used += size
	tb.callbacks = append(tb.callbacks, cb)
	tb.pendingSync = tb.pendingSync || sync

	if tb.used == tb.opts.Size {
		// The item is accepted, a full region waits for the next append or
		// the timer if no slot is free.
		if err := tb.flushLocked(!tb.opts.NonBlocking); err != nil && !errors.Is(err, ErrBufferFull) {
			return err
		}
	}
	return nil
}

// writeOversized flushes pending items and then writes an item too large for
// the region as its own physical write.
func (tb *TimedBuffer) writeOversized(enc Encoder, size int, sync bool, cb IOCallback) error {
	if err := tb.flushLocked(!tb.opts.NonBlocking); err != nil {
		return err
	}
	if err := tb.acquire(!tb.opts.NonBlocking); err != nil {
		return err
	}
	data := alignedBuffer(size, tb.opts.Alignment)
	enc.Encode(data[:size])
	data = pad(data, size, tb.opts.Alignment)

	batch := &batchCallback{
		callbacks: []IOCallback{cb},
		onFinish:  func(error) { tb.slots.Release(1) },
	}
	atomic.AddUint64(&tb.oversized, 1)
	tb.opts.Metrics.oversize()
	if err := tb.target.flushBuffer(data, sync, batch); err != nil {
		tb.slots.Release(1)
		return err
	}
	return nil
}

// flushLocked swaps the region out and hands it to the bound file as one
// write. Empty items still hold a callback, so a batch of them is flushed as
// an empty write. Must be called with tb.mu held.
func (tb *TimedBuffer) flushLocked(block bool) error {
	if len(tb.callbacks) == 0 || tb.target == nil {
		return nil
	}
	if err := tb.acquire(block); err != nil {
		return err
	}

	region := tb.region
	used := tb.used
	callbacks := tb.callbacks
	sync := tb.pendingSync
	wait := time.Since(tb.firstAppend)

	tb.region = tb.newRegion()
	tb.used = 0
	tb.callbacks = nil
	tb.pendingSync = false

	batch := &batchCallback{
		callbacks: callbacks,
		onFinish: func(error) {
			tb.slots.Release(1)
			tb.pool.Put(region)
		},
	}

	atomic.AddUint64(&tb.flushes, 1)
	atomic.AddUint64(&tb.bytes, uint64(used))
	atomic.AddUint64(&tb.items, uint64(len(callbacks)))
	tb.opts.Metrics.flush(used, len(callbacks), wait.Seconds())

	if err := tb.target.flushBuffer(pad(region, used, tb.opts.Alignment), sync, batch); err != nil {
		batch.OnError(err)
	}
	return nil
}

// acquire takes a flush slot. Without block it fails with ErrBufferFull if
// every slot is in use.
func (tb *TimedBuffer) acquire(block bool) error {
	if block {
		return tb.slots.Acquire(context.Background(), 1)
	}
	if !tb.slots.TryAcquire(1) {
		tb.opts.Metrics.bufferFull()
		return errors.Wrapf(ErrBufferFull, "%d flushes in flight", tb.opts.MaxInFlight)
	}
	return nil
}

func (tb *TimedBuffer) newRegion() []byte {
	return tb.pool.Get().([]byte)
}
