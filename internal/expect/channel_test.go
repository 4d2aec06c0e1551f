// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package expect_test

import (
	"bytes"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/aibor/vmrecord/internal/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPipeChannel(t *testing.T) (*expect.Channel, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()

	channel := expect.New("test", local)

	t.Cleanup(func() {
		_ = channel.Close()
		_ = remote.Close()
	})

	return channel, remote
}

func writeAsync(t *testing.T, conn net.Conn, data ...string) <-chan struct{} {
	t.Helper()

	done := make(chan struct{})

	go func() {
		defer close(done)

		for _, d := range data {
			_, err := io.WriteString(conn, d)
			if err != nil {
				return
			}
		}
	}()

	return done
}

func TestChannelExpect(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		pattern  string
		expected string
		rest     string
	}{
		{
			name:     "exact",
			input:    []string{"(qemu) "},
			pattern:  "(qemu)",
			expected: "(qemu)",
			rest:     " ",
		},
		{
			name:     "split across chunks",
			input:    []string{"QEMU 2.9 monitor\r\n(qe", "mu) "},
			pattern:  "(qemu)",
			expected: "QEMU 2.9 monitor\r\n(qemu)",
			rest:     " ",
		},
		{
			name:     "first occurrence only",
			input:    []string{"a# b# c# "},
			pattern:  "#",
			expected: "a#",
			rest:     " b# c# ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			channel, remote := newPipeChannel(t)
			done := writeAsync(t, remote, tt.input...)

			out, err := channel.Expect(tt.pattern, time.Second)
			require.NoError(t, err)

			<-done

			assert.Equal(t, tt.expected, out)

			// Drain what is left in the pipe, so the buffer is complete.
			remote.Close()

			_, err = channel.Expect("never", time.Second)
			require.Error(t, err)
			assert.Equal(t, tt.rest, channel.Buffered())
		})
	}
}

func TestChannelExpectNoDoubleConsumption(t *testing.T) {
	channel, remote := newPipeChannel(t)
	done := writeAsync(t, remote, "root@guest:~# ls\r\nfile\r\nroot@guest:~# ")

	first, err := channel.Expect("root@guest:~#", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "root@guest:~#", first)

	second, err := channel.Expect("root@guest:~#", time.Second)
	require.NoError(t, err)
	assert.Equal(t, " ls\r\nfile\r\nroot@guest:~#", second)

	<-done

	_, err = channel.Expect("root@guest:~#", 20*time.Millisecond)
	require.ErrorIs(t, err, expect.ErrTimeout)
}

func TestChannelExpectTimeout(t *testing.T) {
	channel, remote := newPipeChannel(t)
	done := writeAsync(t, remote, "still booting")

	_, err := channel.Expect("login:", 50*time.Millisecond)
	<-done

	require.ErrorIs(t, err, expect.ErrTimeout)

	var timeoutErr *expect.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "test", timeoutErr.Channel)
	assert.Equal(t, "login:", timeoutErr.Pattern)
	assert.Equal(t, "still booting", timeoutErr.Buffered)
	assert.Equal(t, "still booting", channel.Buffered(),
		"buffer should be kept on timeout")
}

// newSocketChannel returns a [expect.Channel] on a connected unix socket and
// the peer connection.
func newSocketChannel(t *testing.T) (*expect.Channel, net.Conn) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sock")

	listener, err := net.Listen("unix", path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = listener.Close() })

	accepted := make(chan net.Conn, 1)

	go func() {
		defer close(accepted)

		conn, err := listener.Accept()
		if err != nil {
			return
		}

		accepted <- conn
	}()

	channel, err := expect.Dial("test", path)
	require.NoError(t, err)

	remote, ok := <-accepted
	require.True(t, ok, "accept failed")

	t.Cleanup(func() {
		_ = channel.Close()
		_ = remote.Close()
	})

	return channel, remote
}

func TestChannelExpectEOF(t *testing.T) {
	channel, remote := newSocketChannel(t)
	require.NoError(t, remote.Close())

	_, err := channel.Expect("(qemu)", time.Second)
	require.ErrorIs(t, err, io.EOF)
	require.ErrorIs(t, err, &expect.Error{})
	assert.NotErrorIs(t, err, expect.ErrTimeout)
}

func TestChannelSend(t *testing.T) {
	channel, remote := newPipeChannel(t)

	received := make(chan string, 1)

	go func() {
		data, _ := io.ReadAll(remote)
		received <- string(data)
	}()

	require.NoError(t, channel.Send("ls -la"))
	require.NoError(t, channel.SendLine(""))
	require.NoError(t, channel.SendLine("quit"))
	require.NoError(t, channel.Close())

	assert.Equal(t, "ls -la\nquit\n", <-received)
}

func TestChannelClosed(t *testing.T) {
	channel, _ := newPipeChannel(t)
	require.NoError(t, channel.Close())
	require.NoError(t, channel.Close(), "second close should be no-op")

	err := channel.Send("x")
	require.ErrorIs(t, err, expect.ErrClosed)

	_, err = channel.Expect("x", time.Millisecond)
	require.ErrorIs(t, err, expect.ErrClosed)
}

func TestChannelTranscript(t *testing.T) {
	channel, remote := newPipeChannel(t)

	var transcript bytes.Buffer
	channel.Transcript = &transcript

	done := writeAsync(t, remote, "hello ", "world")

	_, err := channel.Expect("world", time.Second)
	require.NoError(t, err)

	<-done

	assert.Equal(t, "hello world", transcript.String())
}

func TestDial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock")

	listener, err := net.Listen("unix", path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = listener.Close() })

	accepted := make(chan struct{})

	go func() {
		defer close(accepted)

		conn, err := listener.Accept()
		if err != nil {
			return
		}

		_, _ = io.WriteString(conn, "(qemu) ")
		_ = conn.Close()
	}()

	channel, err := expect.Dial("monitor", path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = channel.Close() })

	out, err := channel.Expect("(qemu)", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "(qemu)", out)

	<-accepted
}

func TestDialMissingSocket(t *testing.T) {
	_, err := expect.Dial("monitor", filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, &expect.Error{})
}
