// Package connector defines the interface for executing commands on target VMs.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotConnected is returned when an operation runs before Connect or after Close.
var ErrNotConnected = errors.New("not connected")

// Result holds the output from command execution.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Connector is the interface for connecting to and executing commands on targets.
type Connector interface {
	// Connect marks the connection usable.
	Connect(ctx context.Context) error

	// Execute runs a command on the target and returns the result.
	// A non-zero exit code is not an error.
	Execute(ctx context.Context, cmd string) (*Result, error)

	// Put copies the local file at localPath to remotePath on the target.
	Put(ctx context.Context, localPath, remotePath string) error

	// Fetch copies remotePath on the target to the local file at localPath.
	Fetch(ctx context.Context, remotePath, localPath string) error

	// Close terminates the connection.
	Close() error

	// HasPipelining reports whether commands can be sent in a single invocation.
	HasPipelining() bool

	// String returns a human-readable description of the connection.
	String() string
}

// TransferError reports a file transfer that the remote side rejected.
type TransferError struct {
	// Op is "put" or "fetch".
	Op string

	// Path is the remote path for put and the local path for fetch.
	Path string

	ExitCode int
	Stderr   []byte
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("%s failed for path %s: exit code %d", e.Op, e.Path, e.ExitCode)
	if s := strings.TrimSpace(string(e.Stderr)); s != "" {
		msg += fmt.Sprintf("\nstderr: %s", s)
	}
	return msg
}
