package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock never actually sleeps, so retry-loop tests run instantly.
type fakeClock struct {
	now     time.Time
	slept   []time.Duration
	advance time.Duration
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) {
	f.slept = append(f.slept, d)
	f.now = f.now.Add(f.advance)
}

func TestRunReturnsNilWhenSessionExitsCleanly(t *testing.T) {
	calls := 0
	session := func(ctx context.Context) error {
		calls++
		return nil
	}

	err := run(context.Background(), Config{ReconnectWait: time.Second}, nil, session, &fakeClock{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunRetriesOnFailureUntilSessionSucceeds(t *testing.T) {
	calls := 0
	session := func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	fc := &fakeClock{}
	err := run(context.Background(), Config{ReconnectWait: time.Second}, nil, session, fc)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, fc.slept, 2)
}

func TestRunStopsAtRetryLimitWithoutEverConnecting(t *testing.T) {
	calls := 0
	session := func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	}

	err := run(context.Background(), Config{ReconnectWait: time.Millisecond, RetryLimit: 3}, nil, session, &fakeClock{})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunStopsImmediatelyWhenContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	session := func(ctx context.Context) error {
		calls++
		return nil
	}

	err := run(ctx, Config{ReconnectWait: time.Millisecond}, nil, session, &fakeClock{})
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
}

func TestRunReturnsNilWhenContextCancelledMidSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	session := func(ctx context.Context) error {
		cancel()
		return errors.New("connection reset")
	}

	err := run(ctx, Config{ReconnectWait: time.Millisecond}, nil, session, &fakeClock{})
	require.NoError(t, err)
}
