package integration

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// execInContainer runs a command in the container and returns stdout
func execInContainer(ctx context.Context, container testcontainers.Container, cmd []string) (int, string, error) {
	exitCode, reader, err := container.Exec(ctx, cmd)
	if err != nil {
		return exitCode, "", err
	}

	// Demux the Docker stream (stdout/stderr are multiplexed)
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)

	return exitCode, stdout.String(), nil
}

// assertFileContains checks that a file in the container contains all expected substrings
func assertFileContains(t *testing.T, ctx context.Context, container testcontainers.Container, path string, expected []string) {
	t.Helper()
	exitCode, content, err := execInContainer(ctx, container, []string{"cat", path})
	require.NoError(t, err)
	require.Equal(t, 0, exitCode, "failed to read file %s", path)

	for _, substr := range expected {
		assert.Contains(t, content, substr, "file %s should contain %q", path, substr)
	}
}

// assertFileOwner checks the owner of a file in the container
func assertFileOwner(t *testing.T, ctx context.Context, container testcontainers.Container, path, owner string) {
	t.Helper()
	exitCode, got, err := execInContainer(ctx, container, []string{"stat", "-c", "%U", path})
	require.NoError(t, err)
	require.Equal(t, 0, exitCode, "failed to stat file %s", path)

	assert.Equal(t, owner, strings.TrimSpace(got), "file %s should be owned by %s", path, owner)
}

// qrunResult is the outcome of one qrun invocation.
type qrunResult struct {
	exitCode int
	stdout   string
	stderr   string
}

// qrun runs the built binary with the emulated dispatcher.
func qrun(t *testing.T, env []string, args ...string) qrunResult {
	t.Helper()

	full := append([]string{"--dispatcher", dispatcherPath}, args...)
	cmd := exec.Command(qrunBinaryPath, full...)
	cmd.Dir = projectRoot
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := qrunResult{stdout: stdout.String(), stderr: stderr.String()}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		require.True(t, ok, "qrun failed to start: %v", err)
		res.exitCode = exitErr.ExitCode()
	}

	t.Logf("qrun %v -> %d\nstdout: %s\nstderr: %s", args, res.exitCode, res.stdout, res.stderr)
	return res
}
