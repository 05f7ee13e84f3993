// Copyright 2024-2026 The Adaptyst Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ipc implements the line-oriented channel between the module
// and the perf script instances. Each acceptor listens on its own
// unix-domain socket; the socket path doubles as the connection
// instructions handed to the script through the environment.
package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Stop terminates a message stream in both directions.
const Stop = "<STOP>"

// ErrAcceptTimeout is returned by Accept when no peer connected within
// the given timeout. Callers retry while the producing process lives.
var ErrAcceptTimeout = errors.New("accept timed out")

// Acceptor produces a single connection on a unix-domain socket.
type Acceptor struct {
	listener *net.UnixListener
	path     string
}

// NewPipeAcceptor listens on a fresh socket under dir.
func NewPipeAcceptor(dir, name string) (*Acceptor, error) {
	path := filepath.Join(dir, name+".sock")

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("resolving socket address %s: %w", path, err)
	}

	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}

	return &Acceptor{listener: listener, path: path}, nil
}

// Type identifies the connection method in the instructions string.
func (a *Acceptor) Type() string { return "unix" }

// Instructions returns the connection details a peer needs to reach
// this acceptor.
func (a *Acceptor) Instructions() string { return a.path }

// Accept waits up to timeout for a peer and wraps the accepted socket
// in a Connection reading whole newline-delimited messages.
func (a *Acceptor) Accept(bufSize int, timeout time.Duration) (*Connection, error) {
	if err := a.listener.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("setting accept deadline: %w", err)
	}

	conn, err := a.listener.Accept()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ErrAcceptTimeout
		}
		return nil, fmt.Errorf("accepting on %s: %w", a.path, err)
	}

	return NewConnection(conn, bufSize), nil
}

func (a *Acceptor) Close() error {
	return a.listener.Close()
}

// Connection is a bidirectional stream of newline-delimited messages.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func NewConnection(conn net.Conn, bufSize int) *Connection {
	return &Connection{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, bufSize),
		writer: bufio.NewWriterSize(conn, bufSize),
	}
}

// Read returns the next message without its trailing newline. The
// Stop sentinel is returned verbatim; io.EOF signals a closed peer.
func (c *Connection) Read() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if line == "" {
			return "", err
		}
		// A final unterminated message is still a message.
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Write sends one message, appending the newline delimiter. With flush
// set the message is pushed out immediately.
func (c *Connection) Write(msg string, flush bool) error {
	if _, err := c.writer.WriteString(msg + "\n"); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if flush {
		if err := c.writer.Flush(); err != nil {
			return fmt.Errorf("flushing connection: %w", err)
		}
	}
	return nil
}

func (c *Connection) Close() error {
	if err := c.writer.Flush(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}
