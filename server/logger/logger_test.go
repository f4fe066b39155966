package logger

import (
	"bytes"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	l := NewLogger(uint32(log.DebugLevel))
	require.NotNil(t, l)
}

func TestLogger_LogMethods(t *testing.T) {
	l := NewLogger(uint32(log.DebugLevel))
	var buf bytes.Buffer
	l.SetWriter(&buf)

	l.Debug("test debug")
	l.Info("test info")
	l.Warn("test warn")
	l.Debugf("test %s", "debugf")
	l.Infof("test %s", "infof")
	l.Warnf("test %s", "warnf")
	l.Errorf("test %s", "errorf")

	output := buf.String()
	for _, msg := range []string{"test debug", "test info", "test warn", "debugf", "infof", "warnf", "errorf"} {
		require.Contains(t, output, msg)
	}
}

func TestLogger_LevelFilters(t *testing.T) {
	l := NewLogger(uint32(log.WarnLevel))
	var buf bytes.Buffer
	l.SetWriter(&buf)

	l.Debugf("hidden")
	l.Infof("hidden")
	require.Zero(t, buf.Len())

	l.Warnf("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestLogger_Prefix(t *testing.T) {
	l := NewLogger(uint32(log.DebugLevel)).(*logger)

	var buf bytes.Buffer
	l.Logger.SetOutput(&buf)

	l.Prefix("[test] ")
	l.Info("message")
	require.Contains(t, buf.String(), "[test]")

	l.Prefix("")
	buf.Reset()
	l.Info("no prefix")
	require.False(t, strings.Contains(buf.String(), "[test]"))
}

func TestLogger_Silent(t *testing.T) {
	l := NewLogger(uint32(log.DebugLevel)).(*logger)

	var buf bytes.Buffer
	l.Logger.SetOutput(&buf)

	l.Silent(true)
	l.Info("should not appear")
	require.Zero(t, buf.Len())

	l.Silent(false)
	l.Info("should appear")
	require.NotZero(t, buf.Len())
	require.Equal(t, &buf, l.Writer())
}

func TestLogger_SilentPanicsIfNotEnabled(t *testing.T) {
	l := NewLogger(uint32(log.DebugLevel))
	require.Panics(t, func() { l.Silent(false) })
}

func TestNoopLoggerDiscards(t *testing.T) {
	l := NewNoopLogger()
	l.Errorf("dropped")
	require.NotNil(t, l.Writer())
}

// Ensure interfaces are implemented
var _ Logger = (*logger)(nil)
