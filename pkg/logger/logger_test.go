package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogLevelFromString(t *testing.T) {
	var ll LogLevel
	require.NoError(t, ll.FromString("Debug"))
	assert.Equal(t, LogLevelDebug, ll)
	assert.Equal(t, "debug", ll.String())
	assert.Error(t, ll.FromString("loud"))
	assert.Equal(t, LogLevelDebug, ll)
}

func TestForkLogPrefixesAndFilters(t *testing.T) {
	var buf bytes.Buffer
	lg, err := New(WithWriter(&buf), WithFlags(0), WithPrefix("server"), WithLogLevel(LogLevelInfo))
	require.NoError(t, err)

	sub := lg.ForkLog("conn#%d", 7)
	assert.Equal(t, "server: conn#7", sub.Prefix())

	sub.DLogf("hidden")
	sub.ILogf("hello %s", "there")
	assert.Equal(t, "server: conn#7: hello there\n", buf.String())

	err = sub.Errorf("broken")
	assert.EqualError(t, err, "server: conn#7: broken")
}

func TestPanicfPanics(t *testing.T) {
	lg := Nop()
	assert.PanicsWithValue(t, "boom 1", func() {
		lg.Panicf("boom %d", 1)
	})
}

func TestWithZap(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	lg, err := New(WithZap(zap.New(core)), WithPrefix("hs"), WithLogLevel(LogLevelDebug))
	require.NoError(t, err)

	lg.ForkLog("step").DLogf("started")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "hs: step: started", logs.All()[0].Message)
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(WithLogLevel(LogLevel(42)))
	assert.Error(t, err)
	_, err = New(WithWriter(nil))
	assert.Error(t, err)
}

func TestStringToLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelWarning, StringToLogLevel("WARNING"))
	assert.Equal(t, LogLevelTrace, StringToLogLevel("trace"))
	assert.Equal(t, LogLevelUnknown, StringToLogLevel("chatty"))
	assert.Equal(t, "unknown", LogLevel(99).String())
}

func TestSetLogLevelAndLog(t *testing.T) {
	var buf bytes.Buffer
	lg, err := New(WithWriter(&buf), WithFlags(0), WithPrefix("x"))
	require.NoError(t, err)

	lg.DLog("quiet")
	lg.Log(LogLevelDebug, "also quiet")
	assert.Empty(t, buf.String())

	lg.SetLogLevel(LogLevelDebug)
	assert.Equal(t, LogLevelDebug, lg.GetLogLevel())
	lg.DLog("a", 1)
	lg.Logf(LogLevelInfo, "b=%d", 2)
	lg.Log(LogLevelTrace, "still quiet")
	assert.Equal(t, "x: a1\nx: b=2\n", buf.String())
}

func TestLogErrorfLogsAndReturns(t *testing.T) {
	var buf bytes.Buffer
	lg, err := New(WithWriter(&buf), WithFlags(0), WithPrefix("x"), WithLogLevel(LogLevelWarning))
	require.NoError(t, err)

	assert.EqualError(t, lg.ELogErrorf("e%d", 1), "x: e1")
	assert.EqualError(t, lg.WLogErrorf("w%d", 2), "x: w2")
	assert.EqualError(t, lg.DLogErrorf("d%d", 3), "x: d3")
	assert.Equal(t, "x: e1\nx: w2\n", buf.String())
}

func TestPanicAndPanicOnError(t *testing.T) {
	lg := Nop()
	assert.PanicsWithValue(t, "bad7", func() {
		lg.Panic("bad", 7)
	})
	assert.NotPanics(t, func() {
		lg.PanicOnError(nil)
	})
	assert.PanicsWithValue(t, "disk on fire", func() {
		lg.PanicOnError(errors.New("disk on fire"))
	})
}
