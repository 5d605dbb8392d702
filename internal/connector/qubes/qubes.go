// Package qubes provides a connector for running commands and transferring
// files into Qubes VMs through qvm-run.
package qubes

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eugenetaranov/qrun/internal/connector"
	"github.com/eugenetaranov/qrun/internal/logging"
)

// Connector executes commands inside a Qubes VM. Every operation spawns its
// own dispatcher process; there is no persistent channel behind Connect.
// Operations on a single Connector must not run concurrently.
type Connector struct {
	target     Target
	binary     string
	log        logrus.FieldLogger
	timeout    time.Duration
	quotePaths bool

	dispatcher *Dispatcher
	connected  bool
}

// Option configures the Qubes connector.
type Option func(*Connector)

// WithUser sets the user commands run as inside the VM.
func WithUser(user string) Option {
	return func(c *Connector) {
		if user != "" {
			c.target.User = user
		}
	}
}

// WithDispatcher sets the path to the qvm-run binary.
func WithDispatcher(path string) Option {
	return func(c *Connector) {
		if path != "" {
			c.binary = path
		}
	}
}

// WithLogger sets the logger used for dispatcher tracing.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Connector) {
		if log != nil {
			c.log = log
		}
	}
}

// WithTimeout bounds each operation. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) {
		c.timeout = d
	}
}

// WithQuotedPaths single-quotes remote paths in transfer commands instead of
// interpolating them verbatim.
func WithQuotedPaths() Option {
	return func(c *Connector) {
		c.quotePaths = true
	}
}

// New creates a new connector for the named VM.
func New(vm string, opts ...Option) *Connector {
	c := &Connector{
		target: NewTarget(vm, ""),
		binary: DefaultDispatcher,
		log:    logging.Discard(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.log = c.log.WithField("vm", vm)
	c.dispatcher = NewDispatcher(c.binary, c.log)

	return c
}

// Target returns the VM identity this connector addresses.
func (c *Connector) Target() Target {
	return c.target
}

// Connected reports whether Connect has been called since the last Close.
func (c *Connector) Connected() bool {
	return c.connected
}

// Connect marks the connector usable. No process is started.
func (c *Connector) Connect(ctx context.Context) error {
	if c.target.Name == "" {
		return fmt.Errorf("no VM name given")
	}
	c.connected = true
	return nil
}

// Execute runs cmd through the default shell service. A non-zero exit code
// is reported in the result, not as an error.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	if err := c.ensureConnected("execute"); err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	c.log.Debugf("EXEC %s", cmd)

	result, err := c.dispatcher.Dispatch(ctx, c.target, ServiceShell, cmd, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to execute command in %s: %w", c.target.Name, err)
	}

	return result, nil
}

// Put copies the local file at localPath into the VM at remotePath. The
// root shell service is tried first; when the VM does not provide it the
// default shell is used instead.
func (c *Connector) Put(ctx context.Context, localPath, remotePath string) error {
	if err := c.ensureConnected("put"); err != nil {
		return err
	}

	c.log.Debugf("PUT %s TO %s", localPath, remotePath)

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cmd := c.putCommand(remotePath)

	result, err := c.dispatcher.Dispatch(ctx, c.target, ServiceRootShell, cmd, data)
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", remotePath, err)
	}

	if result.ExitCode == ExitServiceUnsupported {
		c.log.Debugf("%s unavailable, retrying with %s", ServiceRootShell, ServiceShell)
		result, err = c.dispatcher.Dispatch(ctx, c.target, ServiceShell, cmd, data)
		if err != nil {
			return fmt.Errorf("failed to put %s: %w", remotePath, err)
		}
	}

	if result.ExitCode != 0 {
		return &connector.TransferError{
			Op:       "put",
			Path:     remotePath,
			ExitCode: result.ExitCode,
			Stderr:   result.Stderr,
		}
	}

	return nil
}

// Fetch copies remotePath from the VM into the local file at localPath.
// The file is written as output arrives and is left in place on failure.
func (c *Connector) Fetch(ctx context.Context, remotePath, localPath string) error {
	if err := c.ensureConnected("fetch"); err != nil {
		return err
	}

	c.log.Debugf("FETCH %s TO %s", remotePath, localPath)

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	exitCode, stderr, err := c.dispatcher.Stream(ctx, c.target, c.fetchCommand(remotePath), f)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", remotePath, err)
	}

	if exitCode != 0 {
		return &connector.TransferError{
			Op:       "fetch",
			Path:     localPath,
			ExitCode: exitCode,
			Stderr:   stderr,
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}

	return nil
}

// Close marks the connector unusable. It is safe to call more than once.
func (c *Connector) Close() error {
	c.connected = false
	return nil
}

// HasPipelining is always true: each operation is already a single
// self-contained dispatcher invocation.
func (c *Connector) HasPipelining() bool {
	return true
}

// String returns a description of the connection.
func (c *Connector) String() string {
	return fmt.Sprintf("qubes://%s@%s", c.target.User, c.target.Name)
}

func (c *Connector) ensureConnected(op string) error {
	if !c.connected {
		return fmt.Errorf("cannot %s on %s: %w", op, c.target.Name, connector.ErrNotConnected)
	}
	return nil
}

func (c *Connector) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// putCommand builds the remote command that writes stdin to path.
func (c *Connector) putCommand(path string) string {
	if c.quotePaths {
		return "cat > " + shellQuote(path)
	}
	return fmt.Sprintf(`cat > "%s"`, path)
}

// fetchCommand builds the remote command that prints path.
func (c *Connector) fetchCommand(path string) string {
	if c.quotePaths {
		return "cat " + shellQuote(path)
	}
	return "cat " + path
}

// shellQuote quotes a string for safe use in shell commands.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)
