package logger

import (
	"io"
	"io/ioutil"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Logger interface is used to allow tests to inject custom loggers.
type Logger interface {
	Fatalf(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Debug(...interface{})
	Warn(...interface{})
	Info(...interface{})
	Fatal(...interface{})
	Writer() io.Writer
	SetWriter(io.Writer)
	Prefix(string)
	Silent(bool)
}

type logger struct {
	*log.Logger
	formatter *prefixFormatter
	mu        sync.Mutex
	saved     io.Writer
}

// NewLogger returns a new Logger instance backed by Logrus.
func NewLogger(level uint32) Logger {
	l := log.New()
	l.SetLevel(log.Level(level))
	formatter := &prefixFormatter{
		TextFormatter: log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		},
	}
	l.Formatter = formatter
	return &logger{Logger: l, formatter: formatter}
}

// NewNoopLogger returns a Logger that discards everything.
func NewNoopLogger() Logger {
	l := NewLogger(uint32(log.InfoLevel))
	l.SetWriter(ioutil.Discard)
	return l
}

func (l *logger) Writer() io.Writer {
	return l.Out
}

func (l *logger) SetWriter(writer io.Writer) {
	l.SetOutput(writer)
}

// Prefix sets a string prepended to every message. An empty string clears
// it.
func (l *logger) Prefix(prefix string) {
	l.formatter.setPrefix(prefix)
}

// Silent discards all output while enabled and restores the previous writer
// when disabled. Disabling without enabling first is a programming error.
func (l *logger) Silent(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if enable {
		if l.saved == nil {
			l.saved = l.Out
		}
		l.SetOutput(ioutil.Discard)
		return
	}
	if l.saved == nil {
		panic("logger: Silent(false) called without Silent(true)")
	}
	l.SetOutput(l.saved)
	l.saved = nil
}

type prefixFormatter struct {
	log.TextFormatter
	mu     sync.RWMutex
	prefix string
}

func (f *prefixFormatter) setPrefix(prefix string) {
	f.mu.Lock()
	f.prefix = prefix
	f.mu.Unlock()
}

func (f *prefixFormatter) Format(entry *log.Entry) ([]byte, error) {
	f.mu.RLock()
	prefix := f.prefix
	f.mu.RUnlock()
	if prefix != "" {
		entry.Message = prefix + entry.Message
	}
	return f.TextFormatter.Format(entry)
}
