// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package expect

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"
)

const (
	// LineTerminator is appended by [Channel.SendLine].
	LineTerminator = "\n"

	readChunkSize = 4096

	defaultWriteTimeout = 5 * time.Second
)

// Conn is the stream a [Channel] operates on. It is satisfied by [net.Conn].
//
// Read deadlines are used for expect timeouts, so the implementation must
// support them.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

var _ Conn = (net.Conn)(nil)

// Channel is a send/expect wrapper around a [Conn].
//
// A Channel is not safe for concurrent use. Callers must not interleave
// operations on the same channel.
type Channel struct {
	// Name is used in errors and log messages.
	Name string

	// Transcript receives every byte read from the connection, if set.
	Transcript io.Writer

	// WriteTimeout bounds a single [Channel.Send]. Defaults to 5 seconds.
	WriteTimeout time.Duration

	// Logger for debug output. Defaults to [slog.Default].
	Logger *slog.Logger

	conn   Conn
	buf    bytes.Buffer
	chunk  []byte
	closed bool
}

// New creates a new [Channel] with the given name on the given connection.
func New(name string, conn Conn) *Channel {
	return &Channel{
		Name:  name,
		conn:  conn,
		chunk: make([]byte, readChunkSize),
	}
}

// Dial connects to the unix socket at the given path and returns a [Channel]
// for it.
func Dial(name, path string) (*Channel, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, &Error{Channel: name, Op: "dial", Err: err}
	}

	return New(name, conn), nil
}

func (c *Channel) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}

	return c.Logger
}

// Send writes the text as is. It does not wait for any response.
func (c *Channel) Send(text string) error {
	if c.closed {
		return &Error{Channel: c.Name, Op: "send", Err: ErrClosed}
	}

	timeout := c.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}

	err := c.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err != nil {
		return &Error{Channel: c.Name, Op: "send", Err: err}
	}

	c.logger().Debug("Send",
		slog.String("channel", c.Name),
		slog.String("text", text))

	_, err = io.WriteString(c.conn, text)
	if err != nil {
		return &Error{Channel: c.Name, Op: "send", Err: err}
	}

	return nil
}

// SendLine writes the text followed by [LineTerminator].
func (c *Channel) SendLine(text string) error {
	return c.Send(text + LineTerminator)
}

// Expect blocks until pattern shows up in the received data or timeout
// elapses.
//
// On success, it returns all data up to and including the first occurrence of
// the pattern. This data is consumed: subsequent calls only see data received
// after the match. On timeout, a [*TimeoutError] is returned that contains the
// data buffered so far. The buffer is left untouched in that case.
func (c *Channel) Expect(pattern string, timeout time.Duration) (string, error) {
	if c.closed {
		return "", &Error{Channel: c.Name, Op: "expect", Err: ErrClosed}
	}

	deadline := time.Now().Add(timeout)

	err := c.conn.SetReadDeadline(deadline)
	if err != nil {
		return "", &Error{Channel: c.Name, Op: "expect", Err: err}
	}

	for {
		if out, found := c.consume(pattern); found {
			c.logger().Debug("Expect matched",
				slog.String("channel", c.Name),
				slog.String("pattern", pattern))

			return out, nil
		}

		n, err := c.conn.Read(c.chunk)
		if n > 0 {
			c.buf.Write(c.chunk[:n])
			c.record(c.chunk[:n])
		}

		if err == nil {
			continue
		}

		// Data received together with the error might complete the match.
		if out, found := c.consume(pattern); found {
			return out, nil
		}

		if errors.Is(err, os.ErrDeadlineExceeded) {
			return "", &TimeoutError{
				Channel:  c.Name,
				Pattern:  pattern,
				Timeout:  timeout,
				Buffered: c.buf.String(),
			}
		}

		return "", &Error{Channel: c.Name, Op: "expect", Err: err}
	}
}

func (c *Channel) consume(pattern string) (string, bool) {
	idx := bytes.Index(c.buf.Bytes(), []byte(pattern))
	if idx < 0 {
		return "", false
	}

	return string(c.buf.Next(idx + len(pattern))), true
}

func (c *Channel) record(data []byte) {
	if c.Transcript == nil {
		return
	}

	// Transcript failures must not break the protocol.
	_, _ = c.Transcript.Write(data)
}

// Buffered returns the received but not yet consumed data.
func (c *Channel) Buffered() string {
	return c.buf.String()
}

// Close closes the underlying connection. Subsequent operations fail with
// [ErrClosed].
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}

	c.closed = true

	err := c.conn.Close()
	if err != nil {
		return &Error{Channel: c.Name, Op: "close", Err: err}
	}

	return nil
}
