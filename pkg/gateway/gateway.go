// Package gateway validates and executes agent-issued commands against
// a sandbox. Every command goes through the allow-list, pattern, argument
// and path checks before it reaches the container.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/pragnya-works/edward/pkg/config"
)

const (
	maxArgs        = 60
	maxArgLen      = 1024
	maxCommandLen  = 8192
	defaultTimeout = config.DefaultGatewayTimeout

	// Per-stream output caps. cat gets a tighter budget since it is the
	// usual vector for dumping large files into the model context.
	catOutputCap     = 512 * 1024
	defaultOutputCap = 1024 * 1024

	truncationMarker = "\n... [output truncated]"
)

var allowedCommands = map[string]bool{
	"ls": true, "find": true, "grep": true, "mv": true, "cp": true,
	"mkdir": true, "rm": true, "cat": true, "pnpm": true, "npm": true,
	"git": true, "pwd": true, "date": true, "echo": true, "touch": true,
	"head": true, "tail": true, "wc": true, "tsc": true,
}

// Patterns rejected on the joined command line regardless of the command.
var disallowedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+(-\S+\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+/(\s|$)`),
	regexp.MustCompile(`>\s*/etc/`),
	regexp.MustCompile(`\bchmod\b`),
	regexp.MustCompile(`\bchown\b`),
}

// find actions spawn arbitrary commands and are never allowed.
var findExecFlags = map[string]bool{
	"-exec": true, "-execdir": true, "-ok": true, "-okdir": true,
}

// ExecResult is the captured outcome of one command.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Execer runs a validated argv inside the sandbox. Satisfied by the
// container driver.
type Execer interface {
	Exec(ctx context.Context, argv []string, timeout time.Duration) (ExecResult, error)
}

// Gateway validates commands against one workspace root.
type Gateway struct {
	workdir string
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a gateway confined to workdir.
func New(workdir string, logger *slog.Logger) *Gateway {
	return &Gateway{
		workdir: path.Clean(workdir),
		timeout: defaultTimeout,
		logger:  logger.With("component", "gateway"),
	}
}

// WithTimeout overrides the default wall-clock timeout.
func (g *Gateway) WithTimeout(d time.Duration) *Gateway {
	out := *g
	out.timeout = d
	return &out
}

// Run validates argv and executes it, returning the truncated result.
// A non-zero exit code is not an error; callers inspect ExitCode.
func (g *Gateway) Run(ctx context.Context, execer Execer, argv []string) (ExecResult, error) {
	if err := g.Validate(argv); err != nil {
		g.logger.Warn("command rejected", "command", strings.Join(argv, " "), "error", err)
		return ExecResult{}, err
	}

	result, err := execer.Exec(ctx, argv, g.timeout)
	if err != nil {
		return ExecResult{}, fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}

	limit := defaultOutputCap
	if argv[0] == "cat" {
		limit = catOutputCap
	}
	result.Stdout = truncate(result.Stdout, limit)
	result.Stderr = truncate(result.Stderr, limit)
	return result, nil
}

// Validate applies every gateway rule to argv without executing it.
func (g *Gateway) Validate(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("%w: empty command", ErrInvalidArg)
	}

	command := argv[0]
	if !allowedCommands[command] {
		return fmt.Errorf("%w: %q", ErrNotAllowed, command)
	}

	if err := validateArgs(argv); err != nil {
		return err
	}

	joined := strings.Join(argv, " ")
	for _, re := range disallowedPatterns {
		if re.MatchString(joined) {
			return fmt.Errorf("%w: %q", ErrDisallowedPattern, re.String())
		}
	}

	if command == "find" {
		for _, arg := range argv[1:] {
			if findExecFlags[arg] {
				return fmt.Errorf("%w: find %s", ErrDisallowedPattern, arg)
			}
		}
	}

	for _, arg := range argv[1:] {
		if err := g.validatePath(command, arg); err != nil {
			return err
		}
	}
	return nil
}

func validateArgs(argv []string) error {
	args := argv[1:]
	if len(args) > maxArgs {
		return fmt.Errorf("%w: %d arguments exceeds limit of %d", ErrInvalidArg, len(args), maxArgs)
	}
	total := 0
	for _, arg := range args {
		if len(arg) > maxArgLen {
			return fmt.Errorf("%w: argument of %d chars exceeds limit of %d", ErrInvalidArg, len(arg), maxArgLen)
		}
		total += len(arg)
		for _, b := range []byte(arg) {
			if b < 0x20 || b == 0x7f {
				return fmt.Errorf("%w: control character in argument", ErrInvalidArg)
			}
		}
	}
	if total > maxCommandLen {
		return fmt.Errorf("%w: command line of %d chars exceeds limit of %d", ErrInvalidArg, total, maxCommandLen)
	}
	return nil
}

// validatePath confines path-like arguments to the workspace. Flag values
// after '=' are checked too.
func (g *Gateway) validatePath(command, arg string) error {
	candidate := arg
	if strings.HasPrefix(arg, "-") {
		eq := strings.IndexByte(arg, '=')
		if eq == -1 {
			return nil
		}
		candidate = arg[eq+1:]
	}
	if !looksLikePath(candidate) {
		return nil
	}

	resolved := candidate
	if !strings.HasPrefix(candidate, "/") {
		resolved = path.Join(g.workdir, candidate)
	}
	resolved = path.Clean(resolved)

	if resolved != g.workdir && !strings.HasPrefix(resolved, g.workdir+"/") {
		return fmt.Errorf("%w: %q resolves to %q", ErrPathEscape, candidate, resolved)
	}
	if command == "rm" && resolved == g.workdir {
		return fmt.Errorf("%w: rm against workspace root", ErrDisallowedPattern)
	}
	return nil
}

// looksLikePath reports whether an argument should be confined. URL-ish
// arguments with a scheme are not filesystem paths.
func looksLikePath(arg string) bool {
	if arg == "" || strings.Contains(arg, "://") {
		return false
	}
	return strings.HasPrefix(arg, "/") ||
		strings.HasPrefix(arg, "./") ||
		strings.HasPrefix(arg, "../") ||
		strings.Contains(arg, "/") ||
		arg == ".."
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + truncationMarker
}
