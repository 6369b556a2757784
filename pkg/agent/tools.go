package agent

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/pragnya-works/edward/pkg/build"
	"github.com/pragnya-works/edward/pkg/events"
	"github.com/pragnya-works/edward/pkg/gateway"
	"github.com/pragnya-works/edward/pkg/sandbox"
	"github.com/pragnya-works/edward/pkg/stream"
)

// Tool names the loop dispatches on.
const (
	ToolCommand   = "command"
	ToolInstall   = "install"
	ToolWebSearch = "web_search"
	ToolURLScrape = "url_scrape"
	ToolFile      = "file"
)

// Tool directives ride inside the assistant's prose as self-contained
// tags with a JSON body, so the stream parser's tag grammar stays
// untouched and directives survive as plain text events.
var reToolDirective = regexp.MustCompile(`(?s)<edward_tool\s+name="(command|install|web_search|url_scrape)"\s*>(.*?)</edward_tool>`)

// ToolCall is one pending tool invocation extracted from a turn.
type ToolCall struct {
	Name  string
	Input json.RawMessage
}

// ToolResult is the executed outcome fed into the continuation prompt.
type ToolResult struct {
	Name   string
	Input  json.RawMessage
	Output json.RawMessage
	Err    string
}

// ParseDirectives extracts tool calls from a turn's text in order of
// appearance. Bodies that are not valid JSON are dropped with no error;
// the model sees its own malformed directive echoed back as text.
func ParseDirectives(text string) []ToolCall {
	var calls []ToolCall
	for _, m := range reToolDirective.FindAllStringSubmatch(text, -1) {
		body := bytes.TrimSpace([]byte(m[2]))
		if !json.Valid(body) {
			continue
		}
		calls = append(calls, ToolCall{Name: m[1], Input: body})
	}
	return calls
}

// StripDirectives removes tool directive tags from prose, for storing
// the assistant message without its machine-facing parts.
func StripDirectives(text string) string {
	return reToolDirective.ReplaceAllString(text, "")
}

// IdempotencyKey derives the stable key for one tool call within a run.
// Input is compacted first so formatting differences don't defeat replay
// detection.
func IdempotencyKey(turn int, toolName string, input json.RawMessage) string {
	var canonical bytes.Buffer
	if err := json.Compact(&canonical, input); err != nil {
		canonical.Reset()
		canonical.Write(input)
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%s|%s", turn, toolName, canonical.Bytes()))
	return hex.EncodeToString(sum[:])
}

// WebSearcher performs web searches for the web_search tool.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]events.URLScrapeResult, error)
}

// URLScraper fetches and summarizes pages for the url_scrape tool.
type URLScraper interface {
	Scrape(ctx context.Context, urls []string) ([]events.URLScrapeResult, error)
}

// ErrToolUnconfigured is returned by the stub search and scrape
// implementations when no provider is wired.
var ErrToolUnconfigured = errors.New("tool provider not configured")

// UnconfiguredSearcher is the default WebSearcher.
type UnconfiguredSearcher struct{}

// Search always reports the missing provider.
func (UnconfiguredSearcher) Search(context.Context, string, int) ([]events.URLScrapeResult, error) {
	return nil, fmt.Errorf("web_search: %w", ErrToolUnconfigured)
}

// UnconfiguredScraper is the default URLScraper.
type UnconfiguredScraper struct{}

// Scrape always reports the missing provider.
func (UnconfiguredScraper) Scrape(context.Context, []string) ([]events.URLScrapeResult, error) {
	return nil, fmt.Errorf("url_scrape: %w", ErrToolUnconfigured)
}

// PackageResolver validates install requests against the registry.
type PackageResolver interface {
	Resolve(ctx context.Context, requested []string) (*build.ResolveResult, error)
}

// ToolExecutor runs one run's tool calls against its sandbox. Executions
// are serialized by the loop; the executor itself holds no state beyond
// its collaborators.
type ToolExecutor struct {
	gateway     *gateway.Gateway
	execer      gateway.Execer
	driver      sandbox.Driver
	containerID string
	resolver    PackageResolver
	pm          string
	searcher    WebSearcher
	scraper     URLScraper
	logger      *slog.Logger
}

// ToolExecutorConfig wires a ToolExecutor. Searcher and Scraper default
// to the unconfigured stubs; PM defaults to pnpm.
type ToolExecutorConfig struct {
	Gateway     *gateway.Gateway
	Driver      sandbox.Driver
	ContainerID string
	Resolver    PackageResolver
	PM          string
	Searcher    WebSearcher
	Scraper     URLScraper
}

// NewToolExecutor builds an executor for one sandbox.
func NewToolExecutor(cfg ToolExecutorConfig, logger *slog.Logger) *ToolExecutor {
	if cfg.Searcher == nil {
		cfg.Searcher = UnconfiguredSearcher{}
	}
	if cfg.Scraper == nil {
		cfg.Scraper = UnconfiguredScraper{}
	}
	if cfg.PM == "" {
		cfg.PM = "pnpm"
	}
	return &ToolExecutor{
		gateway:     cfg.Gateway,
		execer:      sandbox.NewExecer(cfg.Driver, cfg.ContainerID),
		driver:      cfg.Driver,
		containerID: cfg.ContainerID,
		resolver:    cfg.Resolver,
		pm:          cfg.PM,
		searcher:    cfg.Searcher,
		scraper:     cfg.Scraper,
		logger:      logger.With("component", "agent.tools"),
	}
}

// Execute runs one tool call and returns its JSON output plus the stream
// event describing it. Tool failures are data, not errors: the error
// return is reserved for encoding problems.
func (e *ToolExecutor) Execute(ctx context.Context, call ToolCall) (json.RawMessage, events.StreamEvent, error) {
	switch call.Name {
	case ToolCommand:
		return e.execCommand(ctx, call.Input)
	case ToolInstall:
		return e.execInstall(ctx, call.Input)
	case ToolWebSearch:
		return e.execWebSearch(ctx, call.Input)
	case ToolURLScrape:
		return e.execURLScrape(ctx, call.Input)
	default:
		return nil, nil, fmt.Errorf("unknown tool %q", call.Name)
	}
}

type commandInput struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type commandOutput struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (e *ToolExecutor) execCommand(ctx context.Context, input json.RawMessage) (json.RawMessage, events.StreamEvent, error) {
	var in commandInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, nil, fmt.Errorf("command input: %w", err)
	}
	argv := append([]string{in.Command}, in.Args...)

	event := events.NewCommandEvent(in.Command, in.Args)
	out := commandOutput{}

	res, err := e.gateway.Run(ctx, e.execer, argv)
	if err != nil {
		out.Error = err.Error()
		out.ExitCode = -1
	} else {
		out.ExitCode = res.ExitCode
		// The payload feeds the continuation prompt; each stream is capped
		// separately so a noisy stdout cannot crowd out stderr. The event
		// keeps the full gateway-capped capture for clients.
		out.Stdout = TruncateStdio(res.Stdout)
		out.Stderr = TruncateStdio(res.Stderr)
		event.Stdout = res.Stdout
		event.Stderr = res.Stderr
		event.ExitCode = &res.ExitCode
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	return payload, event, nil
}

type installInput struct {
	Packages []string `json:"packages"`
}

type installOutput struct {
	Valid     []build.ResolvedPackage `json:"valid"`
	Invalid   []string                `json:"invalid,omitempty"`
	Conflicts []string                `json:"conflicts,omitempty"`
	ExitCode  int                     `json:"exitCode"`
	Stderr    string                  `json:"stderr,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// execInstall resolves the requested packages against the registry and
// adds the valid ones through the gateway. Invalid names are reported
// back to the model rather than failing the turn.
func (e *ToolExecutor) execInstall(ctx context.Context, input json.RawMessage) (json.RawMessage, events.StreamEvent, error) {
	var in installInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, nil, fmt.Errorf("install input: %w", err)
	}

	out := installOutput{}
	resolved, err := e.resolver.Resolve(ctx, in.Packages)
	if err != nil {
		out.Error = err.Error()
		out.ExitCode = -1
		payload, merr := json.Marshal(out)
		if merr != nil {
			return nil, nil, merr
		}
		return payload, events.NewCommandEvent(e.pm, append([]string{"add"}, in.Packages...)), nil
	}
	out.Valid = resolved.Valid
	out.Invalid = resolved.Invalid
	out.Conflicts = resolved.Conflicts

	args := []string{"add"}
	for _, p := range resolved.Valid {
		args = append(args, p.Name+"@"+p.Version)
	}
	event := events.NewCommandEvent(e.pm, args)

	if len(resolved.Valid) > 0 {
		res, err := e.gateway.Run(ctx, e.execer, append([]string{e.pm}, args...))
		if err != nil {
			out.Error = err.Error()
			out.ExitCode = -1
		} else {
			out.ExitCode = res.ExitCode
			out.Stderr = TruncateStdio(res.Stderr)
			event.Stdout = res.Stdout
			event.Stderr = res.Stderr
			event.ExitCode = &res.ExitCode
		}
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	return payload, event, nil
}

type webSearchInput struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults"`
}

func (e *ToolExecutor) execWebSearch(ctx context.Context, input json.RawMessage) (json.RawMessage, events.StreamEvent, error) {
	var in webSearchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, nil, fmt.Errorf("web_search input: %w", err)
	}
	if in.MaxResults <= 0 {
		in.MaxResults = 5
	}
	event := events.NewWebSearchEvent(in.Query, in.MaxResults)

	results, err := e.searcher.Search(ctx, in.Query, in.MaxResults)
	payload, merr := marshalScrapeOutput(results, err)
	if merr != nil {
		return nil, nil, merr
	}
	return payload, event, nil
}

type urlScrapeInput struct {
	URLs []string `json:"urls"`
}

func (e *ToolExecutor) execURLScrape(ctx context.Context, input json.RawMessage) (json.RawMessage, events.StreamEvent, error) {
	var in urlScrapeInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, nil, fmt.Errorf("url_scrape input: %w", err)
	}

	results, err := e.scraper.Scrape(ctx, in.URLs)
	payload, merr := marshalScrapeOutput(results, err)
	if merr != nil {
		return nil, nil, merr
	}
	return payload, events.NewURLScrapeEvent(results), nil
}

func marshalScrapeOutput(results []events.URLScrapeResult, err error) (json.RawMessage, error) {
	out := struct {
		Results []events.URLScrapeResult `json:"results,omitempty"`
		Error   string                   `json:"error,omitempty"`
	}{Results: results}
	if err != nil {
		out.Error = err.Error()
	}
	return json.Marshal(out)
}

// fileToolInput is the persisted input of a streamed file write. Content
// travels as a hash so idempotency keys stay small and stable.
type fileToolInput struct {
	Path        string `json:"path"`
	ContentHash string `json:"contentHash"`
}

// FileInput builds the tool-call input for a streamed file write.
func FileInput(path, content string) json.RawMessage {
	sum := sha256.Sum256([]byte(content))
	payload, _ := json.Marshal(fileToolInput{Path: path, ContentHash: hex.EncodeToString(sum[:])})
	return payload
}

// WriteFile materializes one streamed file into the sandbox workspace
// through a single-entry tar upload. The path has already been
// normalized by the parser; an empty path means normalization rejected it.
func (e *ToolExecutor) WriteFile(ctx context.Context, rel, content string) (json.RawMessage, error) {
	if rel == "" || stream.NormalizePath(rel) != rel {
		return nil, fmt.Errorf("invalid file path %q", rel)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:     rel,
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     int64(len(content)),
		ModTime:  time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("write file %s: %w", rel, err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return nil, fmt.Errorf("write file %s: %w", rel, err)
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := e.driver.PutArchive(ctx, e.containerID, &buf, sandbox.Workdir); err != nil {
		return nil, fmt.Errorf("write file %s: %w", rel, err)
	}

	return json.Marshal(struct {
		Path  string `json:"path"`
		Bytes int    `json:"bytes"`
	}{Path: rel, Bytes: len(content)})
}
