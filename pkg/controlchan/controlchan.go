// Package controlchan implements the core's one external dependency: a
// client connection to the anonymity daemon's control port (spec §6
// "Control channel"). It is a thin adapter over github.com/cretz/bine's
// control.Conn, the same third-party control-protocol library the teacher
// codebase uses (by way of its bine wrapper) to talk to a Tor-like daemon —
// except here the core is the client, not the daemon.
package controlchan

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	binecontrol "github.com/cretz/bine/control"
	"github.com/torwatch/vanguard/pkg/errors"
)

// Response is the reply to a single control-channel command.
type Response struct {
	Code          int
	Reply         string
	Data          []string
	RawReplyLines []string
}

// Event is an asynchronous (650-series) notification pushed by the daemon
// after a SETEVENTS subscription. Class is the first token (e.g. "CIRC",
// "BW", "NEWCONSENSUS"); Reply is the remainder of the line.
type Event struct {
	Class string
	Reply string
	Data  []string
}

// Channel is the control-channel contract the core's Event Dispatcher
// depends on. Production code is backed by Dial; tests back it with a fake.
type Channel interface {
	Authenticate(ctx context.Context, password string, cookiePath string) error
	SendRequest(ctx context.Context, format string, args ...interface{}) (*Response, error)
	SetEvents(ctx context.Context, classes []string) error
	Events() <-chan *Event
	Close() error
}

// bineChannel is the production Channel backed by cretz/bine's control.Conn.
type bineChannel struct {
	conn   *binecontrol.Conn
	netRaw net.Conn
	events chan *Event
	raw    chan *binecontrol.Response
	done   chan struct{}
}

// Dial parses a "tcp://host:port" or "unix:///path/to/socket" control
// address, opens the underlying connection, and wraps it in a bine
// control.Conn. Authenticate must be called before any other command.
func Dial(ctx context.Context, address string) (Channel, error) {
	network, addr, err := parseControlAddress(address)
	if err != nil {
		return nil, errors.ConfigurationError("invalid control address", err)
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.IOError(fmt.Sprintf("failed to dial control channel at %s", address), err)
	}

	bc := &bineChannel{
		conn:   binecontrol.NewConn(netConn),
		netRaw: netConn,
		events: make(chan *Event, 64),
		raw:    make(chan *binecontrol.Response, 64),
		done:   make(chan struct{}),
	}

	go bc.pump()
	return bc, nil
}

func parseControlAddress(address string) (network, addr string, err error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("parse control address %q: %w", address, err)
	}
	switch u.Scheme {
	case "tcp":
		return "tcp", u.Host, nil
	case "unix":
		return "unix", u.Path, nil
	default:
		return "", "", fmt.Errorf("unsupported control address scheme %q", u.Scheme)
	}
}

// pump drains the bine event-listener channel into our Event type, decoupling
// the dispatcher from bine's Response shape.
func (c *bineChannel) pump() {
	for {
		select {
		case <-c.done:
			return
		case resp, ok := <-c.raw:
			if !ok {
				return
			}
			c.events <- toEvent(resp)
		}
	}
}

func toEvent(resp *binecontrol.Response) *Event {
	reply := resp.Reply
	class := reply
	rest := ""
	if idx := strings.IndexByte(reply, ' '); idx >= 0 {
		class = reply[:idx]
		rest = reply[idx+1:]
	}
	return &Event{Class: class, Reply: rest, Data: resp.Data}
}

// Authenticate authenticates using a password if provided, otherwise reads
// the control_auth_cookie file at cookiePath. Per the error-handling design,
// the core never logs the password.
func (c *bineChannel) Authenticate(ctx context.Context, password string, cookiePath string) error {
	if password != "" {
		if err := c.conn.Authenticate(password); err != nil {
			return errors.ControlProtocolError("AUTHENTICATE with password failed", err)
		}
		return nil
	}

	if cookiePath != "" {
		cookie, err := os.ReadFile(cookiePath)
		if err != nil {
			return errors.ControlProtocolError("failed to read control auth cookie", err)
		}
		if err := c.conn.Authenticate(string(cookie)); err != nil {
			return errors.ControlProtocolError("AUTHENTICATE with cookie failed", err)
		}
		return nil
	}

	if err := c.conn.Authenticate(""); err != nil {
		return errors.ControlProtocolError("AUTHENTICATE with no credentials failed", err)
	}
	return nil
}

// SendRequest sends a single control command and waits for its reply.
func (c *bineChannel) SendRequest(ctx context.Context, format string, args ...interface{}) (*Response, error) {
	resp, err := c.conn.SendRequest(format, args...)
	if err != nil {
		return nil, errors.ControlProtocolError(fmt.Sprintf("control command %q failed", format), err)
	}
	return &Response{
		Code:          resp.Code,
		Reply:         resp.Reply,
		Data:          resp.Data,
		RawReplyLines: resp.RawReplyLines,
	}, nil
}

// SetEvents issues SETEVENTS for the given event classes and arms the
// listener that feeds Events().
func (c *bineChannel) SetEvents(ctx context.Context, classes []string) error {
	codes := make([]binecontrol.EventCode, len(classes))
	for i, cl := range classes {
		codes[i] = binecontrol.EventCode(cl)
	}
	c.conn.AddEventListener(c.raw, codes...)

	_, err := c.conn.SendRequest("SETEVENTS %s", strings.Join(classes, " "))
	if err != nil {
		return errors.ControlProtocolError("SETEVENTS failed", err)
	}
	return nil
}

// Events returns the channel of asynchronous daemon notifications.
func (c *bineChannel) Events() <-chan *Event {
	return c.events
}

// Close tears down the control connection.
func (c *bineChannel) Close() error {
	close(c.done)
	err := c.conn.Close()
	close(c.events)
	return err
}
