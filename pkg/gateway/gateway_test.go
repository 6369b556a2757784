package gateway

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkdir = "/home/node/edward"

func newTestGateway() *Gateway {
	return New(testWorkdir, slog.Default())
}

// fakeExecer records the argv it was asked to run and returns a canned
// result.
type fakeExecer struct {
	argv    []string
	timeout time.Duration
	result  ExecResult
	err     error
}

func (f *fakeExecer) Exec(_ context.Context, argv []string, timeout time.Duration) (ExecResult, error) {
	f.argv = argv
	f.timeout = timeout
	return f.result, f.err
}

func TestValidate_AllowList(t *testing.T) {
	g := newTestGateway()

	for _, argv := range [][]string{
		{"ls", "-la"},
		{"pnpm", "install"},
		{"git", "status"},
		{"tsc", "--noEmit"},
		{"grep", "-r", "TODO", "src"},
		{"echo", "hello"},
	} {
		assert.NoError(t, g.Validate(argv), "argv %v", argv)
	}

	err := g.Validate([]string{"curl", "http://example.com"})
	assert.ErrorIs(t, err, ErrNotAllowed)

	err = g.Validate([]string{"bash", "-c", "ls"})
	assert.ErrorIs(t, err, ErrNotAllowed)

	err = g.Validate(nil)
	assert.ErrorIs(t, err, ErrInvalidArg)
}

func TestValidate_DisallowedPatterns(t *testing.T) {
	g := newTestGateway()

	err := g.Validate([]string{"rm", "-rf", "/"})
	assert.ErrorIs(t, err, ErrDisallowedPattern)

	err = g.Validate([]string{"echo", "x", ">", "/etc/hosts"})
	assert.ErrorIs(t, err, ErrDisallowedPattern)

	err = g.Validate([]string{"echo", "chmod"})
	assert.ErrorIs(t, err, ErrDisallowedPattern)

	err = g.Validate([]string{"find", ".", "-exec", "echo", "{}", ";"})
	assert.ErrorIs(t, err, ErrDisallowedPattern)

	err = g.Validate([]string{"find", ".", "-execdir", "echo", "{}", ";"})
	assert.ErrorIs(t, err, ErrDisallowedPattern)

	// Plain find is fine.
	assert.NoError(t, g.Validate([]string{"find", ".", "-name", "*.ts"}))
}

func TestValidate_ArgLimits(t *testing.T) {
	g := newTestGateway()

	args := make([]string, 62)
	args[0] = "echo"
	for i := 1; i < len(args); i++ {
		args[i] = "a"
	}
	err := g.Validate(args)
	assert.ErrorIs(t, err, ErrInvalidArg)

	err = g.Validate([]string{"echo", strings.Repeat("a", 1025)})
	assert.ErrorIs(t, err, ErrInvalidArg)

	// Nine 1000-char args blow the total budget without any single arg
	// being oversized.
	big := make([]string, 10)
	big[0] = "echo"
	for i := 1; i < len(big); i++ {
		big[i] = strings.Repeat("a", 1000)
	}
	err = g.Validate(big)
	assert.ErrorIs(t, err, ErrInvalidArg)

	err = g.Validate([]string{"echo", "has\x00nul"})
	assert.ErrorIs(t, err, ErrInvalidArg)

	err = g.Validate([]string{"echo", "has\ttab"})
	assert.ErrorIs(t, err, ErrInvalidArg)
}

func TestValidate_PathConfinement(t *testing.T) {
	g := newTestGateway()

	assert.NoError(t, g.Validate([]string{"cat", "src/App.tsx"}))
	assert.NoError(t, g.Validate([]string{"cat", "./src/App.tsx"}))
	assert.NoError(t, g.Validate([]string{"ls", testWorkdir + "/src"}))
	assert.NoError(t, g.Validate([]string{"ls", "."}))

	err := g.Validate([]string{"ls", "../../etc"})
	assert.ErrorIs(t, err, ErrPathEscape)

	err = g.Validate([]string{"cat", "/etc/passwd"})
	assert.ErrorIs(t, err, ErrPathEscape)

	err = g.Validate([]string{"cat", "src/../../secrets"})
	assert.ErrorIs(t, err, ErrPathEscape)

	err = g.Validate([]string{"ls", ".."})
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestValidate_FlagValues(t *testing.T) {
	g := newTestGateway()

	// Path-like flag values are confined too.
	err := g.Validate([]string{"tsc", "--project=/etc/tsconfig.json"})
	assert.ErrorIs(t, err, ErrPathEscape)

	assert.NoError(t, g.Validate([]string{"tsc", "--project=tsconfig.json"}))

	// Bare flags and URL arguments pass through.
	assert.NoError(t, g.Validate([]string{"ls", "-la"}))
	assert.NoError(t, g.Validate([]string{"git", "remote", "add", "origin", "https://github.com/acme/app.git"}))
}

func TestValidate_RmWorkspaceRoot(t *testing.T) {
	g := newTestGateway()

	err := g.Validate([]string{"rm", "-r", testWorkdir})
	assert.ErrorIs(t, err, ErrDisallowedPattern)

	err = g.Validate([]string{"rm", "-r", "."})
	assert.ErrorIs(t, err, ErrDisallowedPattern)

	assert.NoError(t, g.Validate([]string{"rm", "-r", "dist"}))
}

func TestRun(t *testing.T) {
	g := newTestGateway()

	t.Run("passes validated argv through", func(t *testing.T) {
		execer := &fakeExecer{result: ExecResult{ExitCode: 0, Stdout: "ok"}}
		result, err := g.Run(context.Background(), execer, []string{"ls", "-la"})
		require.NoError(t, err)
		assert.Equal(t, "ok", result.Stdout)
		assert.Equal(t, []string{"ls", "-la"}, execer.argv)
		assert.Equal(t, defaultTimeout, execer.timeout)
	})

	t.Run("rejected command never reaches the execer", func(t *testing.T) {
		execer := &fakeExecer{}
		_, err := g.Run(context.Background(), execer, []string{"curl", "x"})
		assert.ErrorIs(t, err, ErrNotAllowed)
		assert.Nil(t, execer.argv)
	})

	t.Run("non-zero exit is a result not an error", func(t *testing.T) {
		execer := &fakeExecer{result: ExecResult{ExitCode: 2, Stderr: "no such file"}}
		result, err := g.Run(context.Background(), execer, []string{"cat", "missing.ts"})
		require.NoError(t, err)
		assert.Equal(t, 2, result.ExitCode)
	})

	t.Run("transport failure maps to CommandFailed", func(t *testing.T) {
		execer := &fakeExecer{err: context.DeadlineExceeded}
		_, err := g.Run(context.Background(), execer, []string{"ls"})
		assert.ErrorIs(t, err, ErrCommandFailed)
	})

	t.Run("cat output gets the tighter cap", func(t *testing.T) {
		execer := &fakeExecer{result: ExecResult{Stdout: strings.Repeat("a", catOutputCap+100)}}
		result, err := g.Run(context.Background(), execer, []string{"cat", "big.txt"})
		require.NoError(t, err)
		assert.Len(t, result.Stdout, catOutputCap+len(truncationMarker))
		assert.True(t, strings.HasSuffix(result.Stdout, truncationMarker))
	})

	t.Run("other commands get the wider cap", func(t *testing.T) {
		payload := strings.Repeat("a", catOutputCap+100)
		execer := &fakeExecer{result: ExecResult{Stdout: payload}}
		result, err := g.Run(context.Background(), execer, []string{"grep", "-r", "a", "src"})
		require.NoError(t, err)
		assert.Equal(t, payload, result.Stdout)
	})

	t.Run("timeout override", func(t *testing.T) {
		execer := &fakeExecer{}
		_, err := g.WithTimeout(time.Minute).Run(context.Background(), execer, []string{"pnpm", "install"})
		require.NoError(t, err)
		assert.Equal(t, time.Minute, execer.timeout)
	})
}
