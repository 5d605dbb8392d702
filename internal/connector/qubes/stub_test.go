package qubes

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// stub is a fake qvm-run. Every invocation records its argv (one per line)
// in args.N and its stdin in stdin.N, then runs the script body with $n, $dir
// and $last (the final argument) set.
type stub struct {
	t    *testing.T
	dir  string
	path string
}

func newStub(t *testing.T, body string) *stub {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub dispatcher needs a POSIX shell")
	}

	dir := t.TempDir()
	script := "#!/bin/sh\n" +
		"dir='" + dir + "'\n" +
		"n=$(( $(cat \"$dir/count\" 2>/dev/null || echo 0) + 1 ))\n" +
		"echo \"$n\" > \"$dir/count\"\n" +
		"printf '%s\\n' \"$@\" > \"$dir/args.$n\"\n" +
		"cat > \"$dir/stdin.$n\"\n" +
		"for last; do :; done\n" +
		body + "\n"

	path := filepath.Join(dir, "qvm-run")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	return &stub{t: t, dir: dir, path: path}
}

// calls returns how many times the stub ran.
func (s *stub) calls() int {
	data, err := os.ReadFile(filepath.Join(s.dir, "count"))
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(s.t, err)
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(s.t, err)
	return n
}

// args returns the argv of the nth call, starting at 1.
func (s *stub) args(n int) []string {
	data, err := os.ReadFile(filepath.Join(s.dir, "args."+strconv.Itoa(n)))
	require.NoError(s.t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

// stdin returns what the nth call read on stdin.
func (s *stub) stdin(n int) []byte {
	data, err := os.ReadFile(filepath.Join(s.dir, "stdin."+strconv.Itoa(n)))
	require.NoError(s.t, err)
	return data
}
