package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/liftbridge-io/liftbridge-journal/server/seqfile"
)

const (
	defaultDataDir       = "data/journal"
	defaultFileSize      = 10 * 1024 * 1024 // 10MB
	defaultBufferSize    = 490 * 1024
	defaultBufferTimeout = 3333333 * time.Nanosecond
	defaultMinFiles      = 2
	defaultBufferedMaxIO = 1
	defaultDirectMaxIO   = 500
)

// JournalConfig contains settings for the journal files and the buffer in
// front of them.
type JournalConfig struct {
	Backend           seqfile.Backend
	FileSize          int64
	BufferSize        int
	BufferTimeout     time.Duration
	BufferNonBlocking bool
	MaxIO             int
	UseExecutor       bool
	MinFiles          int
}

// Config contains all settings for a journal.
type Config struct {
	DataDir   string
	LogLevel  uint32
	LogSilent bool
	Journal   JournalConfig

	// Registerer receives the journal collectors. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
}

// NewDefaultConfig creates a new Config with default settings.
func NewDefaultConfig() *Config {
	config := &Config{DataDir: defaultDataDir}
	config.LogLevel = uint32(log.InfoLevel)
	config.Journal.Backend = seqfile.BackendBuffered
	config.Journal.FileSize = defaultFileSize
	config.Journal.BufferSize = defaultBufferSize
	config.Journal.BufferTimeout = defaultBufferTimeout
	config.Journal.MaxIO = defaultBufferedMaxIO
	config.Journal.MinFiles = defaultMinFiles
	return config
}

// GetLogLevel converts the level string to its corresponding int value. It
// returns an error if the level is invalid.
func GetLogLevel(level string) (uint32, error) {
	var l uint32
	switch strings.ToLower(level) {
	case "debug":
		l = uint32(log.DebugLevel)
	case "info":
		l = uint32(log.InfoLevel)
	case "warn":
		l = uint32(log.WarnLevel)
	case "error":
		l = uint32(log.ErrorLevel)
	default:
		return 0, fmt.Errorf("Invalid log.level setting %q", level)
	}
	return l, nil
}

// NewConfig creates a new Config with default settings and applies any
// settings from the given configuration file. An empty path returns the
// defaults.
func NewConfig(configFile string) (*Config, error) {
	config := NewDefaultConfig()
	if configFile == "" {
		return config, nil
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	if v.IsSet("log.level") {
		level, err := GetLogLevel(v.GetString("log.level"))
		if err != nil {
			return nil, err
		}
		config.LogLevel = level
	}

	if v.IsSet("log.silent") {
		config.LogSilent = v.GetBool("log.silent")
	}

	if v.IsSet("journal.dir") {
		config.DataDir = v.GetString("journal.dir")
	}

	if err := parseJournalConfig(config, v); err != nil {
		return nil, err
	}
	return config, config.Validate()
}

// parseJournalConfig parses the `journal` section of a config file and
// populates the given Config.
func parseJournalConfig(config *Config, v *viper.Viper) error { // nolint: gocyclo
	if v.IsSet("journal.type") {
		backend, err := seqfile.ParseBackend(v.GetString("journal.type"))
		if err != nil {
			return err
		}
		config.Journal.Backend = backend
		if backend == seqfile.BackendDirect && !v.IsSet("journal.max.io") {
			config.Journal.MaxIO = defaultDirectMaxIO
		}
	}

	if v.IsSet("journal.file.size") {
		size, err := parseBytes(v.GetString("journal.file.size"))
		if err != nil {
			return err
		}
		config.Journal.FileSize = int64(size)
	}

	if v.IsSet("journal.buffer.size") {
		size, err := parseBytes(v.GetString("journal.buffer.size"))
		if err != nil {
			return err
		}
		config.Journal.BufferSize = int(size)
	}

	if v.IsSet("journal.buffer.timeout") {
		timeout, err := time.ParseDuration(v.GetString("journal.buffer.timeout"))
		if err != nil {
			return err
		}
		config.Journal.BufferTimeout = timeout
	}

	if v.IsSet("journal.buffer.nonblocking") {
		config.Journal.BufferNonBlocking = v.GetBool("journal.buffer.nonblocking")
	}

	if v.IsSet("journal.max.io") {
		config.Journal.MaxIO = v.GetInt("journal.max.io")
	}

	if v.IsSet("journal.executor") {
		config.Journal.UseExecutor = v.GetBool("journal.executor")
	}

	if v.IsSet("journal.files.min") {
		config.Journal.MinFiles = v.GetInt("journal.files.min")
	}
	return nil
}

// parseBytes accepts plain byte counts as well as sizes like "10MiB".
func parseBytes(value string) (uint64, error) {
	size, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("Could not parse size %q: %v", value, err)
	}
	return size, nil
}

// Validate checks the settings are consistent.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("journal.dir must be set")
	}
	if c.Journal.FileSize <= 0 {
		return fmt.Errorf("journal.file.size must be positive")
	}
	if c.Journal.MaxIO < 1 {
		return fmt.Errorf("journal.max.io must be at least 1")
	}
	if c.Journal.MinFiles < 0 {
		return fmt.Errorf("journal.files.min must not be negative")
	}
	if int64(c.Journal.BufferSize) > c.Journal.FileSize {
		return fmt.Errorf("journal.buffer.size (%s) exceeds journal.file.size (%s)",
			humanize.IBytes(uint64(c.Journal.BufferSize)), humanize.IBytes(uint64(c.Journal.FileSize)))
	}
	return nil
}

// String returns a human-readable representation of the journal settings.
func (j JournalConfig) String() string {
	buffer := "disabled"
	if j.BufferSize > 0 {
		buffer = fmt.Sprintf("%s every %s", humanize.IBytes(uint64(j.BufferSize)), durafmt.Parse(j.BufferTimeout))
		if j.BufferNonBlocking {
			buffer += " (non-blocking)"
		}
	}
	return fmt.Sprintf("[Type: %s, File size: %s, Min files: %d, Max IO: %d, Executor: %t, Buffer: %s]",
		j.Backend, humanize.IBytes(uint64(j.FileSize)), j.MinFiles, j.MaxIO, j.UseExecutor, buffer)
}
