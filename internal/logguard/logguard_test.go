package logguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogEventBuffersPerCircuit(t *testing.T) {
	b := NewBuffer(10)
	now := time.Now()
	b.LogEvent("1", "NOTICE", "circuit 1 built", now)
	b.LogEvent("2", "NOTICE", "circuit 2 built", now)

	assert.Equal(t, 1, b.Len("1"))
	assert.Equal(t, 1, b.Len("2"))
}

func TestLogEventTrimsOldestPastLimit(t *testing.T) {
	b := NewBuffer(2)
	now := time.Now()
	b.LogEvent("1", "INFO", "first", now)
	b.LogEvent("1", "INFO", "second", now)
	b.LogEvent("1", "INFO", "third", now)

	entries := b.Dump("1")
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Message)
	assert.Equal(t, "third", entries[1].Message)
}

func TestDumpClearsTheCircuitBuffer(t *testing.T) {
	b := NewBuffer(10)
	b.LogEvent("1", "INFO", "a", time.Now())

	entries := b.Dump("1")
	assert.Len(t, entries, 1)
	assert.Equal(t, 0, b.Len("1"))

	assert.Empty(t, b.Dump("1"))
}

func TestZeroLimitDisablesBuffering(t *testing.T) {
	b := NewBuffer(0)
	b.LogEvent("1", "INFO", "ignored", time.Now())
	assert.Equal(t, 0, b.Len("1"))
}
