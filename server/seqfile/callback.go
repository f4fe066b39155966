package seqfile

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// IOCallback is notified exactly once for every physical operation accepted
// by a SequentialFile: either Done on success or OnError with the failure.
// Sync writes are only reported after the data has been forced to stable
// storage.
type IOCallback interface {
	Done()
	OnError(err error)
}

// CallbackFunc adapts a function to an IOCallback. The function receives nil
// on success.
type CallbackFunc func(err error)

// Done calls f(nil).
func (f CallbackFunc) Done() {
	f(nil)
}

// OnError calls f(err).
func (f CallbackFunc) OnError(err error) {
	f(err)
}

// WaitCallback is an IOCallback that can be waited on. It backs the blocking
// variants of the file operations.
type WaitCallback struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewWaitCallback returns a WaitCallback ready to be submitted.
func NewWaitCallback() *WaitCallback {
	return &WaitCallback{done: make(chan struct{})}
}

// Done marks the operation as successful.
func (w *WaitCallback) Done() {
	w.once.Do(func() { close(w.done) })
}

// OnError marks the operation as failed.
func (w *WaitCallback) OnError(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// Wait blocks until the operation completes or ctx ends. A context ending
// before completion is reported as ErrInterrupted; the operation itself is
// not canceled.
func (w *WaitCallback) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return errors.Wrap(ErrInterrupted, ctx.Err().Error())
	}
}

// batchCallback resolves an ordered group of callbacks that share one
// physical operation. All of them succeed or all of them fail with the same
// error.
type batchCallback struct {
	callbacks []IOCallback
	onFinish  func(err error)
}

func (b *batchCallback) Done() {
	if b.onFinish != nil {
		b.onFinish(nil)
	}
	for _, cb := range b.callbacks {
		cb.Done()
	}
}

func (b *batchCallback) OnError(err error) {
	if b.onFinish != nil {
		b.onFinish(err)
	}
	for _, cb := range b.callbacks {
		cb.OnError(err)
	}
}

// noopCallback is used for operations nobody waits on.
type noopCallback struct{}

func (noopCallback) Done()         {}
func (noopCallback) OnError(error) {}
