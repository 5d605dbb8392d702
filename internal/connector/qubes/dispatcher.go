package qubes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/eugenetaranov/qrun/internal/connector"
	"github.com/eugenetaranov/qrun/internal/logging"
)

const (
	// DefaultDispatcher is the dom0 tool used to reach a VM.
	DefaultDispatcher = "qvm-run"

	// DefaultUser is the default user inside a Qubes VM.
	DefaultUser = "user"

	// ExitServiceUnsupported is the exit code qvm-run reports when the
	// requested service does not exist in the VM.
	ExitServiceUnsupported = 127
)

// Service names a qrexec service inside the VM.
type Service string

const (
	ServiceShell     Service = "qubes.VMShell"
	ServiceRootShell Service = "qubes.VMRootShell"
)

// Target identifies the VM and the user commands run as.
type Target struct {
	Name string
	User string
}

// NewTarget returns a Target, using DefaultUser when user is empty.
func NewTarget(name, user string) Target {
	if user == "" {
		user = DefaultUser
	}
	return Target{Name: name, User: user}
}

// Dispatcher runs the dispatcher binary as a child process. It keeps no
// state between calls.
type Dispatcher struct {
	binary string
	log    logrus.FieldLogger
}

// NewDispatcher creates a dispatcher invoking binary.
func NewDispatcher(binary string, log logrus.FieldLogger) *Dispatcher {
	if binary == "" {
		binary = DefaultDispatcher
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Dispatcher{binary: binary, log: log}
}

// Dispatch invokes service in the target VM. The command text is written to
// the child's stdin, newline-terminated, followed by input when it is non-nil.
// The exit code is returned as observed; only a failure to run the
// dispatcher itself is an error.
func (d *Dispatcher) Dispatch(ctx context.Context, target Target, service Service, cmd string, input []byte) (*connector.Result, error) {
	if cmd == "" {
		return nil, errors.New("empty command")
	}
	cmd = terminate(cmd)
	args := serviceArgs(target, service)

	log := d.log.WithFields(logrus.Fields{
		"vm":      target.Name,
		"service": string(service),
		"user":    target.User,
	})
	log.Debugf("CMD: %q", cmd)
	log.Debugf("RUN %s %s", d.binary, strings.Join(args, " "))

	execCmd := exec.CommandContext(ctx, d.binary, args...)
	execCmd.Stdin = io.MultiReader(strings.NewReader(cmd), bytes.NewReader(input))

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	if err := execCmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start dispatcher %s: %w", d.binary, err)
	}

	exitCode, err := exitStatus(ctx, execCmd.Wait())
	if err != nil {
		return nil, err
	}

	log.WithField("exit_code", exitCode).Debugf("STDOUT %q STDERR %q", stdout.Bytes(), stderr.Bytes())

	return &connector.Result{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// Stream runs remoteCmd in the target VM without a service and writes its
// output straight to w. When w is an *os.File the child writes to it
// directly.
func (d *Dispatcher) Stream(ctx context.Context, target Target, remoteCmd string, w io.Writer) (int, []byte, error) {
	args := []string{"--pass-io", target.Name, remoteCmd}

	d.log.WithField("vm", target.Name).Debugf("RUN %s %s", d.binary, strings.Join(args, " "))

	execCmd := exec.CommandContext(ctx, d.binary, args...)

	var stderr bytes.Buffer
	execCmd.Stdout = w
	execCmd.Stderr = &stderr

	if err := execCmd.Start(); err != nil {
		return 0, nil, fmt.Errorf("failed to start dispatcher %s: %w", d.binary, err)
	}

	exitCode, err := exitStatus(ctx, execCmd.Wait())
	if err != nil {
		return 0, stderr.Bytes(), err
	}
	return exitCode, stderr.Bytes(), nil
}

// serviceArgs builds the argument vector for a service invocation.
// Order: --pass-io --service [-u user] vm service
func serviceArgs(target Target, service Service) []string {
	args := []string{"--pass-io", "--service"}

	if target.User != "" && target.User != DefaultUser {
		args = append(args, "-u", target.User)
	}

	return append(args, target.Name, string(service))
}

// terminate appends a newline unless cmd already ends with one.
func terminate(cmd string) string {
	if strings.HasSuffix(cmd, "\n") {
		return cmd
	}
	return cmd + "\n"
}

// exitStatus turns the error from Wait into an exit code.
func exitStatus(ctx context.Context, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, fmt.Errorf("dispatcher interrupted: %w", ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("failed to wait for dispatcher: %w", err)
}
