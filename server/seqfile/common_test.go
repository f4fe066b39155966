package seqfile

import (
	"context"
	"io/ioutil"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func tempDir(t require.TestingT) string {
	p, err := ioutil.TempDir("", "journal_")
	require.NoError(t, err)
	return p
}

func remove(t require.TestingT, path string) {
	require.NoError(t, os.RemoveAll(path))
}

func setupFactory(t require.TestingT, opts FactoryOptions) (*Factory, func()) {
	dir := tempDir(t)
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	f := NewFactory(dir, opts)
	return f, func() {
		f.Stop()
		remove(t, dir)
	}
}

func openFile(t require.TestingT, f *Factory, name string) SequentialFile {
	file, err := f.OpenSequentialFile(name)
	require.NoError(t, err)
	return file
}

func position(t require.TestingT, file SequentialFile) int64 {
	pos, err := file.Position()
	require.NoError(t, err)
	return pos
}

func readAll(t require.TestingT, path string) []byte {
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	return data
}

// recorder collects completions in the order they fire.
type recorder struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	results []result
}

type result struct {
	id  string
	err error
}

func (r *recorder) callback(id string) IOCallback {
	r.wg.Add(1)
	return CallbackFunc(func(err error) {
		r.mu.Lock()
		r.results = append(r.results, result{id: id, err: err})
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *recorder) wait(t require.TestingT) []result {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timed out waiting for callbacks")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]result(nil), r.results...)
}

// fakeTarget records the batches handed to it. Batches complete inline
// unless hold is set.
type fakeTarget struct {
	mu      sync.Mutex
	writes  [][]byte
	syncs   []bool
	err     error
	hold    bool
	pending []IOCallback
}

func (f *fakeTarget) flushBuffer(data []byte, sync bool, cb IOCallback) error {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	f.syncs = append(f.syncs, sync)
	err := f.err
	if f.hold {
		f.pending = append(f.pending, cb)
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	if err != nil {
		cb.OnError(err)
	} else {
		cb.Done()
	}
	return nil
}

func (f *fakeTarget) release() {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.hold = false
	f.mu.Unlock()
	for _, cb := range pending {
		cb.Done()
	}
}

func (f *fakeTarget) written() ([][]byte, []bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes, f.syncs
}

func waitTimeout(t require.TestingT, w *WaitCallback) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.Wait(ctx)
}
