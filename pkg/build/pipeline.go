// Package build runs preview builds inside sandbox containers and
// publishes the artifacts: package-manager detection, base-path
// injection, the build exec itself, output upload to object storage,
// CDN invalidation, and preview URL routing. Registry resolution and
// diagnostic extraction live here too since both feed the same flow.
package build

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/pragnya-works/edward/pkg/config"
	"github.com/pragnya-works/edward/pkg/events"
	"github.com/pragnya-works/edward/pkg/kv"
	"github.com/pragnya-works/edward/pkg/models"
	"github.com/pragnya-works/edward/pkg/sandbox"
	"github.com/pragnya-works/edward/pkg/storage"
)

const (
	buildTimeout   = config.BuildTimeout
	errorTailLimit = 500
)

// outputDirProbes are checked in order after a build.
var outputDirProbes = []string{"dist", "build", ".next/standalone", "out", ".output"}

// Request identifies one build of a sandbox workspace.
type Request struct {
	BuildID     string
	UserID      string
	ChatID      string
	SandboxID   string
	ContainerID string
}

// Result is the outcome of a pipeline run. A failed build is a normal
// Result, not an error; errors mean the pipeline itself broke.
type Result struct {
	Status      models.BuildStatus
	PreviewURL  string
	ErrorLog    string
	Diagnostics []models.BuildDiagnostic
	Duration    time.Duration
}

// Pipeline drives a workspace from source to published preview.
type Pipeline struct {
	driver sandbox.Driver
	store  storage.ObjectStore
	router *Router
	kv     kv.Client
	logger *slog.Logger
}

// NewPipeline wires the pipeline.
func NewPipeline(driver sandbox.Driver, store storage.ObjectStore, router *Router, client kv.Client, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		driver: driver,
		store:  store,
		router: router,
		kv:     client,
		logger: logger.With("component", "build.pipeline"),
	}
}

// Run executes the full build flow and publishes the terminal
// build_status event. The returned Result mirrors what was published.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	logger := p.logger.With("build_id", req.BuildID, "chat_id", req.ChatID)

	p.PublishStatus(ctx, events.NewBuildStatusEvent(req.ChatID, models.BuildStatusBuilding, req.BuildID, "", ""))

	result, err := p.run(ctx, req, logger)
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)

	if result.Status == models.BuildStatusSuccess {
		logger.Info("build succeeded", "preview_url", result.PreviewURL, "duration", result.Duration)
	} else {
		logger.Info("build failed", "duration", result.Duration, "diagnostics", len(result.Diagnostics))
	}
	p.PublishStatus(ctx, events.NewBuildStatusEvent(req.ChatID, result.Status, req.BuildID, result.PreviewURL, result.ErrorLog))

	return result, nil
}

func (p *Pipeline) run(ctx context.Context, req Request, logger *slog.Logger) (*Result, error) {
	pm, err := p.detectPackageManager(ctx, req.ContainerID)
	if err != nil {
		return nil, err
	}

	hasBuildScript := false
	if pm != models.PackageManagerNone {
		hasBuildScript, err = p.hasBuildScript(ctx, req.ContainerID)
		if err != nil {
			return nil, err
		}
	}

	if hasBuildScript {
		basePath := p.router.BasePath(req.UserID, req.ChatID)
		if err := p.injectBasePath(ctx, req.ContainerID, basePath, logger); err != nil {
			logger.Warn("base path injection failed", "error", err)
		}

		res, err := p.driver.Exec(ctx, req.ContainerID, []string{string(pm), "run", "build"}, sandbox.ExecOptions{
			Timeout: buildTimeout,
			Workdir: sandbox.Workdir,
			Env: []string{
				"NEXT_TELEMETRY_DISABLED=1",
				"CI=true",
				"EDWARD_BASE_PATH=" + basePath,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("build exec: %w", err)
		}
		if res.ExitCode != 0 {
			combined := res.Stdout + "\n" + res.Stderr
			return &Result{
				Status:      models.BuildStatusFailed,
				ErrorLog:    errorTail(res.Stdout, res.Stderr, errorTailLimit),
				Diagnostics: ExtractDiagnostics(combined),
			}, nil
		}
	}

	outputDir, err := p.detectOutputDir(ctx, req.ContainerID)
	if err != nil {
		return nil, err
	}
	if outputDir == "" {
		return &Result{
			Status:   models.BuildStatusFailed,
			ErrorLog: "no build output directory found",
		}, nil
	}

	uploaded, err := p.uploadOutput(ctx, req, outputDir)
	if err != nil {
		return nil, err
	}
	logger.Info("preview uploaded", "output_dir", outputDir, "files", uploaded)

	if err := p.store.InvalidatePrefix(ctx, storage.PreviewPrefix(req.UserID, req.ChatID)); err != nil {
		logger.Warn("cdn invalidation failed", "error", err)
	}

	previewURL, err := p.router.PublishURL(ctx, req.UserID, req.ChatID)
	if err != nil {
		return nil, fmt.Errorf("publish preview url: %w", err)
	}

	return &Result{Status: models.BuildStatusSuccess, PreviewURL: previewURL}, nil
}

// PublishStatus sends a build_status event on the chat's channel.
// Delivery is best effort; a missed event never fails a build.
func (p *Pipeline) PublishStatus(ctx context.Context, event events.BuildStatusEvent) {
	payload, err := events.Marshal(event)
	if err != nil {
		return
	}
	if err := p.kv.Publish(ctx, events.BuildStatusChannel(event.ChatID), payload); err != nil {
		p.logger.Warn("failed to publish build status", "chat_id", event.ChatID, "error", err)
	}
}

// detectPackageManager inspects lock files, falling back to npm when
// only a package.json is present.
func (p *Pipeline) detectPackageManager(ctx context.Context, containerID string) (models.PackageManager, error) {
	for _, probe := range []struct {
		file string
		pm   models.PackageManager
	}{
		{"pnpm-lock.yaml", models.PackageManagerPnpm},
		{"yarn.lock", models.PackageManagerYarn},
		{"package-lock.json", models.PackageManagerNpm},
	} {
		ok, err := p.fileExists(ctx, containerID, probe.file)
		if err != nil {
			return models.PackageManagerNone, err
		}
		if ok {
			return probe.pm, nil
		}
	}
	ok, err := p.fileExists(ctx, containerID, "package.json")
	if err != nil {
		return models.PackageManagerNone, err
	}
	if ok {
		return models.PackageManagerNpm, nil
	}
	return models.PackageManagerNone, nil
}

func (p *Pipeline) hasBuildScript(ctx context.Context, containerID string) (bool, error) {
	content, ok, err := p.readFile(ctx, containerID, "package.json")
	if err != nil || !ok {
		return false, err
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(content), &pkg); err != nil {
		// A workspace with a broken package.json has nothing to build.
		return false, nil
	}
	return pkg.Scripts["build"] != "", nil
}

// injectBasePath materializes the preview base path into the framework
// config so built assets resolve under the storage prefix. Vanilla
// projects pick it up from the EDWARD_BASE_PATH env instead.
func (p *Pipeline) injectBasePath(ctx context.Context, containerID, basePath string, logger *slog.Logger) error {
	if basePath == "" {
		return nil
	}

	for _, name := range []string{"next.config.js", "next.config.mjs", "next.config.ts"} {
		content, ok, err := p.readFile(ctx, containerID, name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		patched, changed := patchNextConfig(content, basePath)
		if !changed {
			return nil
		}
		logger.Info("patched next config", "file", name)
		return p.writeFile(ctx, containerID, name, patched)
	}

	for _, name := range []string{"vite.config.ts", "vite.config.js", "vite.config.mjs"} {
		content, ok, err := p.readFile(ctx, containerID, name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		patched, changed := patchViteConfig(content, basePath)
		if !changed {
			return nil
		}
		logger.Info("patched vite config", "file", name)
		return p.writeFile(ctx, containerID, name, patched)
	}

	// No framework config found. If the project uses vite without a config
	// file, give it one so the base path applies.
	if ok, err := p.dependsOn(ctx, containerID, "vite"); err == nil && ok {
		cfg := fmt.Sprintf("import { defineConfig } from 'vite'\n\nexport default defineConfig({\n  base: %q,\n})\n", basePath+"/")
		logger.Info("wrote vite config for base path")
		return p.writeFile(ctx, containerID, "vite.config.js", cfg)
	}
	return nil
}

func (p *Pipeline) dependsOn(ctx context.Context, containerID, dep string) (bool, error) {
	content, ok, err := p.readFile(ctx, containerID, "package.json")
	if err != nil || !ok {
		return false, err
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal([]byte(content), &pkg); err != nil {
		return false, nil
	}
	return pkg.Dependencies[dep] != "" || pkg.DevDependencies[dep] != "", nil
}

// detectOutputDir probes conventional output directories, falling back
// to the workspace root when it holds a plain index.html. Empty means
// nothing servable was produced.
func (p *Pipeline) detectOutputDir(ctx context.Context, containerID string) (string, error) {
	for _, dir := range outputDirProbes {
		res, err := p.driver.Exec(ctx, containerID, []string{"test", "-d", dir}, sandbox.ExecOptions{Workdir: sandbox.Workdir})
		if err != nil {
			return "", fmt.Errorf("probe output dir %s: %w", dir, err)
		}
		if res.ExitCode == 0 {
			return dir, nil
		}
	}
	ok, err := p.fileExists(ctx, containerID, "index.html")
	if err != nil {
		return "", err
	}
	if ok {
		return ".", nil
	}
	return "", nil
}

// uploadOutput streams the output directory's tar out of the container
// and uploads each regular file under the preview prefix, injecting the
// SPA fallback into the root index.html as it passes through.
func (p *Pipeline) uploadOutput(ctx context.Context, req Request, outputDir string) (int, error) {
	src := sandbox.Workdir
	if outputDir != "." {
		src = path.Join(sandbox.Workdir, outputDir)
	}
	archive, err := p.driver.Archive(ctx, req.ContainerID, src)
	if err != nil {
		return 0, fmt.Errorf("archive build output: %w", err)
	}
	defer archive.Close()

	// Docker prefixes entries with the archived directory's basename.
	prefix := path.Base(src) + "/"

	uploaded := 0
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return uploaded, fmt.Errorf("read build output archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel := strings.TrimPrefix(path.Clean(hdr.Name), prefix)
		if rel == "" || !sandbox.SafeArchivePath(rel) {
			continue
		}
		if outputDir == "." && !servableFromRoot(rel) {
			continue
		}

		body, err := io.ReadAll(tr)
		if err != nil {
			return uploaded, fmt.Errorf("read build output %s: %w", rel, err)
		}
		if rel == "index.html" {
			body = InjectSPAFallback(body)
		}

		key := storage.PreviewKey(req.UserID, req.ChatID, rel)
		if err := p.store.Upload(ctx, key, bytes.NewReader(body), contentTypeFor(rel)); err != nil {
			return uploaded, fmt.Errorf("upload %s: %w", key, err)
		}
		uploaded++
	}
	return uploaded, nil
}

// servableFromRoot filters workspace-root uploads down to static assets
// so source trees without a build step don't leak configs or sources
// that the preview never references.
func servableFromRoot(rel string) bool {
	first := rel
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		first = rel[:i]
	}
	switch first {
	case "node_modules", ".git", "src", ".next", ".cache":
		return false
	}
	switch path.Ext(rel) {
	case ".html", ".css", ".js", ".mjs", ".svg", ".png", ".jpg", ".jpeg", ".gif",
		".ico", ".webp", ".woff", ".woff2", ".ttf", ".json", ".txt", ".map", ".wasm":
		return true
	}
	return false
}

func contentTypeFor(rel string) string {
	if ct := mime.TypeByExtension(path.Ext(rel)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// fileExists checks for a regular file relative to the workspace.
func (p *Pipeline) fileExists(ctx context.Context, containerID, rel string) (bool, error) {
	res, err := p.driver.Exec(ctx, containerID, []string{"test", "-f", rel}, sandbox.ExecOptions{Workdir: sandbox.Workdir})
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", rel, err)
	}
	return res.ExitCode == 0, nil
}

// readFile returns a workspace file's content and whether it exists.
func (p *Pipeline) readFile(ctx context.Context, containerID, rel string) (string, bool, error) {
	res, err := p.driver.Exec(ctx, containerID, []string{"cat", rel}, sandbox.ExecOptions{Workdir: sandbox.Workdir})
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", rel, err)
	}
	if res.ExitCode != 0 {
		return "", false, nil
	}
	return res.Stdout, true, nil
}

// writeFile replaces a workspace file through a single-entry tar upload.
func (p *Pipeline) writeFile(ctx context.Context, containerID, rel, content string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:     rel,
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     int64(len(content)),
	}); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return p.driver.PutArchive(ctx, containerID, &buf, sandbox.Workdir)
}
