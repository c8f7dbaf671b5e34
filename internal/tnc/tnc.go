// Package tnc implements the KISS-over-TCP endpoint to the packet-radio
// TNC (§6.2): a reconnecting TCP client that decodes inbound KISS
// frames and accepts outbound ones. The reconnect/backoff shape
// mirrors the teacher's scheduleReconnect/attemptReconnect pair in
// cmd/ysf2dmr, adapted from a timer-driven Gateway method pair to a
// single cancellable loop goroutine.
package tnc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/n0call/rfmp/internal/kiss"
)

// Reconnect backoff bounds (§6.2).
const (
	MinReconnectBackoff = time.Second
	MaxReconnectBackoff = 30 * time.Second
)

// Dialer opens the TNC connection. Overridable for tests.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

// Client is a reconnecting KISS-over-TCP client.
type Client struct {
	addr    string
	offline bool
	dial    Dialer
	log     zerolog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// New constructs a Client for addr (host:port). If offline is true,
// Run never dials, per §6.5's network.offline_mode.
func New(addr string, offline bool, log zerolog.Logger) *Client {
	return &Client{addr: addr, offline: offline, dial: defaultDialer, log: log}
}

// SetDialer overrides the connection dialer, for tests.
func (c *Client) SetDialer(d Dialer) {
	c.dial = d
}

// Run connects and reconnects to the TNC until ctx is cancelled,
// invoking onFrame for every decoded data frame. In offline mode it
// blocks on ctx without attempting any I/O.
func (c *Client) Run(ctx context.Context, onFrame func(kiss.Frame)) error {
	if c.offline {
		<-ctx.Done()
		return ctx.Err()
	}

	backoff := MinReconnectBackoff
	for {
		conn, err := c.dial(ctx, c.addr)
		if err != nil {
			c.log.Warn().Err(err).Str("addr", c.addr).Msg("tnc: connect failed")
			if waitErr := c.wait(ctx, backoff); waitErr != nil {
				return waitErr
			}
			backoff = nextBackoff(backoff)
			continue
		}

		c.log.Info().Str("addr", c.addr).Msg("tnc: connected")
		c.setConn(conn)
		backoff = MinReconnectBackoff

		readErr := c.readLoop(ctx, conn, onFrame)
		c.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if readErr != nil {
			c.log.Warn().Err(readErr).Msg("tnc: connection lost")
		}
		if waitErr := c.wait(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff = nextBackoff(backoff)
	}
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > MaxReconnectBackoff {
		return MaxReconnectBackoff
	}
	return next
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// readLoop drains stale bytes left from a prior session, then decodes
// frames until the connection errors or ctx is cancelled.
func (c *Client) readLoop(ctx context.Context, conn net.Conn, onFrame func(kiss.Frame)) error {
	br := bufio.NewReader(conn)
	if err := drainStale(br); err != nil {
		return err
	}
	dec := kiss.NewDecoder(br)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, kiss.ErrTruncated) {
				return nil
			}
			return err
		}
		onFrame(frame)
	}
}

// drainStale discards any bytes buffered ahead of the next FEND, per
// §6.2's "scan to the next FEND" reconnect behavior.
func drainStale(br *bufio.Reader) error {
	for {
		b, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if b == kiss.FEND {
			return br.UnreadByte()
		}
	}
}

// Send encodes payload as a KISS data frame on port and writes it to
// the current connection.
func (c *Client) Send(port uint8, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("tnc: not connected")
	}
	_, err := conn.Write(kiss.Encode(port, payload))
	return err
}

// Connected reports whether a TNC connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
