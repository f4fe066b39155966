package server

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	atomic_file "github.com/natefinch/atomic"
	"github.com/nats-io/nuid"
	"github.com/pkg/errors"

	"github.com/liftbridge-io/liftbridge-journal/server/logger"
	"github.com/liftbridge-io/liftbridge-journal/server/seqfile"
)

const (
	journalExtension = "jrn"
	freeExtension    = "free"
	checkpointFile   = "journal.seq"
	backupDirPrefix  = "backup-"
)

var (
	// ErrRecordTooLarge is returned when a record cannot fit in an empty
	// journal file.
	ErrRecordTooLarge = errors.New("record larger than journal file")

	// ErrJournalClosed is returned when appending to a closed journal.
	ErrJournalClosed = errors.New("journal closed")
)

// Journal is an append-only sequence of pre-allocated journal files. Records
// are appended to the current file through the shared timed buffer and the
// journal rolls to a new file when the current one is full. Spare files are
// kept filled ahead of time so rolling does not pay for the allocation.
type Journal struct {
	config  *Config
	logger  logger.Logger
	factory *seqfile.Factory
	metrics *seqfile.Metrics

	mu       sync.Mutex
	current  seqfile.SequentialFile
	files    []string
	free     []seqfile.SequentialFile
	sequence int64
	closed   bool

	failMu  sync.Mutex
	failure error
}

// OpenJournal opens the journal in config.DataDir, creating the directory if
// needed, and starts a new current file numbered after every existing one.
func OpenJournal(config *Config, log logger.Logger) (*Journal, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}
	j := &Journal{
		config:  config,
		logger:  log,
		metrics: seqfile.NewMetrics(config.Registerer),
	}
	j.factory = seqfile.NewFactory(config.DataDir, seqfile.FactoryOptions{
		Backend:         config.Journal.Backend,
		MaxIO:           config.Journal.MaxIO,
		UseExecutor:     config.Journal.UseExecutor,
		MaxFileSize:     config.Journal.FileSize,
		BufferSize:      config.Journal.BufferSize,
		BufferTimeout:   config.Journal.BufferTimeout,
		NonBlocking:     config.Journal.BufferNonBlocking,
		Logger:          log,
		Metrics:         j.metrics,
		OnCriticalError: j.onCriticalError,
	})
	if err := j.factory.CreateDirs(); err != nil {
		return nil, err
	}
	if err := j.recover(); err != nil {
		return nil, err
	}
	j.factory.Start()
	if err := j.roll(); err != nil {
		j.factory.Stop()
		return nil, err
	}
	j.logger.Infof("Opened journal in %s %s", config.DataDir, config.Journal)
	return j, nil
}

// recover loads the existing journal files, the spare files and the last
// checkpointed sequence.
func (j *Journal) recover() error {
	names, err := j.factory.ListFiles(journalExtension)
	if err != nil {
		return err
	}
	for _, name := range names {
		seq, err := parseSequence(name)
		if err != nil {
			j.logger.Warnf("Ignoring journal file %s: %v", name, err)
			continue
		}
		j.files = append(j.files, name)
		if seq > j.sequence {
			j.sequence = seq
		}
	}

	spares, err := j.factory.ListFiles(freeExtension)
	if err != nil {
		return err
	}
	for _, name := range spares {
		j.free = append(j.free, j.factory.NewSequentialFile(name))
	}

	checkpoint, err := j.readCheckpoint()
	if err != nil {
		return err
	}
	if checkpoint > j.sequence {
		j.sequence = checkpoint
	}
	j.logger.Debugf("Recovered %d journal files and %d spare files, last sequence %d",
		len(j.files), len(j.free), j.sequence)
	return nil
}

// Append writes data to the current journal file, rolling to a new file if
// it does not fit. cb is notified once the record is on disk or failed; if
// an error is returned cb is never called.
func (j *Journal) Append(data []byte, sync bool, cb seqfile.IOCallback) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	if err := j.failed(); err != nil {
		return errors.Wrap(err, "journal failed")
	}
	if j.config.Journal.FileSize < j.factory.CalculateBlockSize(int64(len(data))) {
		return errors.Wrapf(ErrRecordTooLarge, "%d bytes", len(data))
	}
	if !j.current.Fits(len(data)) {
		if err := j.roll(); err != nil {
			return err
		}
	}
	return j.current.WriteAsync(data, sync, cb)
}

// AppendSync writes data and blocks until it is on stable storage.
func (j *Journal) AppendSync(data []byte) error {
	wait := seqfile.NewWaitCallback()
	if err := j.Append(data, true, wait); err != nil {
		return err
	}
	return wait.Wait(context.Background())
}

// Roll closes the current file and starts a new one.
func (j *Journal) Roll() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.roll()
}

// roll must be called with the lock held, except while opening.
func (j *Journal) roll() error {
	if j.current != nil {
		if err := j.factory.DeactivateBuffer(); err != nil {
			return err
		}
		if err := j.current.Close(); err != nil {
			return err
		}
		j.logger.Debugf("Rolled journal file %s", j.current.FileName())
	}

	file, err := j.nextFile()
	if err != nil {
		return err
	}
	if err := file.OpenWith(j.factory.MaxIO(), j.config.Journal.UseExecutor); err != nil {
		return err
	}
	if err := file.Fill(j.config.Journal.FileSize); err != nil {
		file.Close()
		return err
	}
	if err := j.factory.ActivateBuffer(file); err != nil {
		file.Close()
		return err
	}
	j.current = file
	j.files = append(j.files, file.FileName())
	if err := j.writeCheckpoint(); err != nil {
		return err
	}
	return j.replenish()
}

// nextFile takes a spare file if one exists and renames it to the next
// sequence, or creates a new file.
func (j *Journal) nextFile() (seqfile.SequentialFile, error) {
	j.sequence++
	name := sequenceName(j.sequence)
	if len(j.free) == 0 {
		return j.factory.NewSequentialFile(name), nil
	}
	file := j.free[0]
	j.free = j.free[1:]
	if err := file.RenameTo(name); err != nil {
		return nil, err
	}
	return file, nil
}

// replenish fills spare files until MinFiles are available.
func (j *Journal) replenish() error {
	for len(j.free) < j.config.Journal.MinFiles {
		file := j.factory.NewSequentialFile(nuid.Next() + "." + freeExtension)
		if err := file.Open(); err != nil {
			return err
		}
		if err := file.Fill(j.config.Journal.FileSize); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
		j.free = append(j.free, file)
	}
	return nil
}

// Files returns the names of the journal files in sequence order. The last
// one is the current file.
func (j *Journal) Files() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.files...)
}

// Current returns the name of the file being appended to.
func (j *Journal) Current() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current.FileName()
}

// Sequence returns the sequence of the current file.
func (j *Journal) Sequence() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sequence
}

// Stats returns the counters of the journal timed buffer.
func (j *Journal) Stats() seqfile.TimedBufferStats {
	if tb := j.factory.TimedBuffer(); tb != nil {
		return tb.Stats()
	}
	return seqfile.TimedBufferStats{}
}

// Backup copies every journal file into a new directory under dir and
// returns its path. Records appended to the current file before the call
// are included.
func (j *Journal) Backup(dir string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return "", ErrJournalClosed
	}
	target := seqfile.NewFactory(filepath.Join(dir, backupDirPrefix+nuid.Next()), seqfile.FactoryOptions{
		Backend: j.config.Journal.Backend,
		Logger:  j.logger,
	})
	if err := target.CreateDirs(); err != nil {
		return "", err
	}
	for _, name := range j.files {
		src := j.factory.NewSequentialFile(name)
		if name == j.current.FileName() {
			src = j.current
		}
		dst := target.NewSequentialFile(name)
		if err := dst.Open(); err != nil {
			return "", err
		}
		if err := src.CopyTo(dst); err != nil {
			dst.Close()
			return "", err
		}
		if err := dst.Close(); err != nil {
			return "", err
		}
	}
	j.logger.Infof("Backed up %d journal files to %s", len(j.files), target.Dir())
	return target.Dir(), nil
}

// Close flushes buffered records, closes the current file and records the
// sequence checkpoint.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	j.factory.Stop()
	if err := j.factory.DeactivateBuffer(); err != nil {
		return err
	}
	if err := j.current.Close(); err != nil {
		return err
	}
	return j.writeCheckpoint()
}

func (j *Journal) onCriticalError(err error, path string) {
	j.logger.Errorf("Critical journal failure on %s: %v", path, err)
	j.failMu.Lock()
	if j.failure == nil {
		j.failure = err
	}
	j.failMu.Unlock()
}

func (j *Journal) failed() error {
	j.failMu.Lock()
	defer j.failMu.Unlock()
	return j.failure
}

func (j *Journal) readCheckpoint() (int64, error) {
	data, err := ioutil.ReadFile(j.factory.Path(checkpointFile))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read journal checkpoint")
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "invalid journal checkpoint")
	}
	return seq, nil
}

func (j *Journal) writeCheckpoint() error {
	data := []byte(strconv.FormatInt(j.sequence, 10))
	if err := atomic_file.WriteFile(j.factory.Path(checkpointFile), bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "failed to write journal checkpoint")
	}
	return nil
}

func sequenceName(seq int64) string {
	return fmt.Sprintf("%020d.%s", seq, journalExtension)
}

func parseSequence(name string) (int64, error) {
	return strconv.ParseInt(strings.TrimSuffix(name, "."+journalExtension), 10, 64)
}
