package server

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/liftbridge-journal/server/logger"
	"github.com/liftbridge-io/liftbridge-journal/server/seqfile"
)

func tempDir(t require.TestingT) string {
	p, err := ioutil.TempDir("", "journal_")
	require.NoError(t, err)
	return p
}

func remove(t require.TestingT, path string) {
	require.NoError(t, os.RemoveAll(path))
}

func getTestConfig(dir string) *Config {
	config := NewDefaultConfig()
	config.DataDir = dir
	config.Journal.FileSize = 1024
	config.Journal.BufferSize = 256
	config.Journal.BufferTimeout = time.Millisecond
	config.Journal.MinFiles = 1
	config.Registerer = prometheus.NewRegistry()
	return config
}

func record(i int) []byte {
	return []byte(fmt.Sprintf("%099d\n", i))
}

func listFiles(t require.TestingT, dir, ext string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, "*."+ext))
	require.NoError(t, err)
	return matches
}

func TestOpenJournal(t *testing.T) {
	dir := tempDir(t)
	defer remove(t, dir)

	j, err := OpenJournal(getTestConfig(dir), logger.NewNoopLogger())
	require.NoError(t, err)
	defer j.Close()

	require.Equal(t, []string{"00000000000000000001.jrn"}, j.Files())
	require.Equal(t, "00000000000000000001.jrn", j.Current())
	require.Equal(t, int64(1), j.Sequence())

	// The current file is pre-allocated and a spare file is ready.
	info, err := os.Stat(filepath.Join(dir, j.Current()))
	require.NoError(t, err)
	require.Equal(t, int64(1024), info.Size())
	require.Len(t, listFiles(t, dir, freeExtension), 1)
}

func TestOpenJournalInvalidConfig(t *testing.T) {
	config := getTestConfig("")
	_, err := OpenJournal(config, nil)
	require.Error(t, err)
}

// Ensure records are appended in order and the journal rolls when the
// current file is full.
func TestJournalAppendRolls(t *testing.T) {
	dir := tempDir(t)
	defer remove(t, dir)

	j, err := OpenJournal(getTestConfig(dir), nil)
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		require.NoError(t, j.AppendSync(record(i)))
	}
	require.Equal(t, []string{
		"00000000000000000001.jrn",
		"00000000000000000002.jrn",
		"00000000000000000003.jrn",
	}, j.Files())
	require.NoError(t, j.Close())

	// Ten 100 byte records fit in each 1024 byte file.
	for n, name := range j.Files() {
		data, err := ioutil.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		require.Len(t, data, 1024)
		var expected bytes.Buffer
		for i := n * 10; i < (n+1)*10 && i < 25; i++ {
			expected.Write(record(i))
		}
		require.Equal(t, expected.Bytes(), data[:expected.Len()])
	}

	// Spare files are consumed by rolling and replenished.
	require.Len(t, listFiles(t, dir, freeExtension), 1)
	require.Len(t, listFiles(t, dir, journalExtension), 3)
}

func TestJournalAppendAsync(t *testing.T) {
	dir := tempDir(t)
	defer remove(t, dir)

	config := getTestConfig(dir)
	config.Journal.FileSize = 64 * 1024
	config.Journal.BufferSize = 4096
	j, err := OpenJournal(config, nil)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, j.Append(record(i), false, seqfile.CallbackFunc(func(err error) {
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})))
	}
	wg.Wait()
	require.NoError(t, j.Close())

	for i, n := range order {
		require.Equal(t, i, n)
	}
	require.Len(t, order, 100)
	require.True(t, j.Stats().Items >= 100)
	require.True(t, j.Stats().Flushes < 100)

	data, err := ioutil.ReadFile(filepath.Join(dir, j.Files()[0]))
	require.NoError(t, err)
	var expected bytes.Buffer
	for i := 0; i < 100; i++ {
		expected.Write(record(i))
	}
	require.Equal(t, expected.Bytes(), data[:expected.Len()])
}

func TestJournalRecordTooLarge(t *testing.T) {
	dir := tempDir(t)
	defer remove(t, dir)

	j, err := OpenJournal(getTestConfig(dir), nil)
	require.NoError(t, err)
	defer j.Close()

	err = j.AppendSync(make([]byte, 1025))
	require.True(t, errors.Is(err, ErrRecordTooLarge))

	// A record as large as a file goes to a file of its own.
	require.NoError(t, j.AppendSync(record(0)))
	require.NoError(t, j.AppendSync(make([]byte, 1024)))
	require.Len(t, j.Files(), 2)
}

func TestJournalClosed(t *testing.T) {
	dir := tempDir(t)
	defer remove(t, dir)

	j, err := OpenJournal(getTestConfig(dir), nil)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	require.Equal(t, ErrJournalClosed, j.Append(record(0), false, nil))
	require.Equal(t, ErrJournalClosed, j.Roll())
	_, err = j.Backup(dir)
	require.Equal(t, ErrJournalClosed, err)
}

// Ensure reopening a journal continues the sequence and reuses spare files.
func TestJournalReopen(t *testing.T) {
	dir := tempDir(t)
	defer remove(t, dir)

	j, err := OpenJournal(getTestConfig(dir), nil)
	require.NoError(t, err)
	require.NoError(t, j.AppendSync(record(1)))
	require.NoError(t, j.Roll())
	require.Equal(t, int64(2), j.Sequence())
	require.NoError(t, j.Close())

	checkpoint, err := ioutil.ReadFile(filepath.Join(dir, checkpointFile))
	require.NoError(t, err)
	require.Equal(t, "2", string(checkpoint))

	j, err = OpenJournal(getTestConfig(dir), nil)
	require.NoError(t, err)
	defer j.Close()
	require.Equal(t, "00000000000000000003.jrn", j.Current())
	require.Len(t, j.Files(), 3)
	require.Len(t, listFiles(t, dir, freeExtension), 1)

	data, err := ioutil.ReadFile(filepath.Join(dir, "00000000000000000001.jrn"))
	require.NoError(t, err)
	require.Equal(t, record(1), data[:100])
}

func TestJournalBackup(t *testing.T) {
	dir := tempDir(t)
	defer remove(t, dir)
	backups := tempDir(t)
	defer remove(t, backups)

	j, err := OpenJournal(getTestConfig(dir), nil)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 12; i++ {
		require.NoError(t, j.AppendSync(record(i)))
	}
	// Not waited on, the backup must still include it.
	require.NoError(t, j.Append(record(12), false, nil))

	backup, err := j.Backup(backups)
	require.NoError(t, err)
	require.Equal(t, backups, filepath.Dir(backup))

	for _, name := range j.Files() {
		original, err := ioutil.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		copied, err := ioutil.ReadFile(filepath.Join(backup, name))
		require.NoError(t, err)
		require.Equal(t, original, copied)
	}
	copied, err := ioutil.ReadFile(filepath.Join(backup, "00000000000000000002.jrn"))
	require.NoError(t, err)
	require.Equal(t, record(12), copied[200:300])
}

func TestJournalUnbuffered(t *testing.T) {
	dir := tempDir(t)
	defer remove(t, dir)

	config := getTestConfig(dir)
	config.Journal.BufferSize = 0
	config.Journal.MinFiles = 0
	j, err := OpenJournal(config, nil)
	require.NoError(t, err)

	require.NoError(t, j.AppendSync(record(7)))
	require.Equal(t, seqfile.TimedBufferStats{}, j.Stats())
	require.NoError(t, j.Close())
	require.Empty(t, listFiles(t, dir, freeExtension))

	data, err := ioutil.ReadFile(filepath.Join(dir, j.Files()[0]))
	require.NoError(t, err)
	require.Equal(t, record(7), data[:100])
}
