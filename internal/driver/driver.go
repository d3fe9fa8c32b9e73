// Package driver implements the top-level reconnect/back-off loop (spec
// §4.G "Cancellation and shutdown"), grounded on
// original_source/src/control.rs's run_main. It owns nothing about the
// control protocol itself; it just keeps calling a session function and
// decides whether, and how long, to wait before calling it again.
package driver

import (
	"context"
	"time"

	"github.com/torwatch/vanguard/pkg/errors"
	"github.com/torwatch/vanguard/pkg/logger"
)

// Session runs one connection's worth of work: dial the control channel,
// subscribe to events, and serve the dispatch loop until the connection
// drops or ctx is cancelled. A nil return means a clean, intentional exit
// (one-shot mode completed, or ctx was cancelled) and the driver should
// stop rather than reconnect.
type Session func(ctx context.Context) error

// Config controls reconnect behavior. It mirrors the driver-relevant
// fields of config.Config so this package doesn't import the whole tree.
type Config struct {
	RetryLimit          int           // 0 = unlimited
	ReconnectWait       time.Duration // fixed back-off between attempts
	ConnMaxDisconnected time.Duration // disconnection age that escalates the log level
}

// clock is overridable in tests so back-off doesn't actually sleep.
type clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Run calls session repeatedly until it returns a clean (nil) result, ctx
// is cancelled, or the retry limit is reached. It returns an error only if
// the retry limit was reached without ever connecting successfully once
// (a session call returning nil counts as connected, matching the
// daemon's "result == closed" check in the original control loop).
func Run(ctx context.Context, cfg Config, log *logger.Logger, session Session) error {
	return run(ctx, cfg, log, session, realClock{})
}

func run(ctx context.Context, cfg Config, log *logger.Logger, session Session, c clock) error {
	var (
		reconnects      uint32
		lastConnectedAt time.Time
		everConnected   bool
	)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if cfg.RetryLimit > 0 && int(reconnects) >= cfg.RetryLimit {
			break
		}

		err := session(ctx)

		if lastConnectedAt.IsZero() {
			lastConnectedAt = c.Now()
		}

		closedCleanly := err == nil
		if closedCleanly {
			everConnected = true
		}

		if closedCleanly || reconnects%10 == 0 {
			disconnectedFor := c.Now().Sub(lastConnectedAt)
			logReconnect(log, disconnectedFor, cfg.ConnMaxDisconnected, err)
		}

		if closedCleanly || ctx.Err() != nil {
			return nil
		}

		reconnects++
		c.Sleep(ctx, cfg.ReconnectWait)
	}

	if !everConnected {
		return errors.ControlProtocolError("failed to connect to the control channel", nil)
	}
	return nil
}

func logReconnect(log *logger.Logger, disconnectedFor, maxDisconnected time.Duration, err error) {
	if log == nil {
		return
	}
	msg := "control channel connection lost, reconnecting"
	if err != nil {
		msg = "control channel session ended, reconnecting: " + err.Error()
	}
	if maxDisconnected > 0 && disconnectedFor > maxDisconnected {
		log.Warn().Dur("disconnected_for", disconnectedFor).Msg(msg)
	} else {
		log.Info().Dur("disconnected_for", disconnectedFor).Msg(msg)
	}
}
