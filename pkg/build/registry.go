package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pragnya-works/edward/pkg/kv"
)

const (
	registryCacheTTL     = 24 * time.Hour
	registryFetchTimeout = 5 * time.Second
	peerDepMaxDepth      = 3
)

const defaultRegistryBase = "https://registry.npmjs.org"

func registryCacheKey(name string) string { return "pkg:" + name }

// packageMetadata is the subset of registry metadata the resolver needs.
type packageMetadata struct {
	Name     string `json:"name"`
	DistTags struct {
		Latest string `json:"latest"`
	} `json:"dist-tags"`
	Versions map[string]struct {
		PeerDependencies map[string]string `json:"peerDependencies"`
	} `json:"versions"`
}

type searchResponse struct {
	Objects []struct {
		Package struct {
			Name string `json:"name"`
		} `json:"package"`
	} `json:"objects"`
}

// ResolvedPackage is one successfully resolved package.
type ResolvedPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`

	// SubstitutedFor is set when a 404'd request was replaced by the top
	// fuzzy-search hit.
	SubstitutedFor string `json:"substitutedFor,omitempty"`
}

// ResolveResult partitions a package request.
type ResolveResult struct {
	Valid     []ResolvedPackage `json:"valid"`
	Invalid   []string          `json:"invalid"`
	Conflicts []string          `json:"conflicts"`
}

// Resolver validates requested packages against the npm registry with a
// KV cache and bounded peer-dependency expansion.
type Resolver struct {
	kv           kv.Client
	httpClient   *http.Client
	registryBase string
	logger       *slog.Logger
}

// NewResolver wires the resolver against the public registry.
func NewResolver(client kv.Client, logger *slog.Logger) *Resolver {
	return &Resolver{
		kv:           client,
		httpClient:   &http.Client{Timeout: registryFetchTimeout},
		registryBase: defaultRegistryBase,
		logger:       logger.With("component", "build.registry"),
	}
}

// Resolve checks every requested package, substituting fuzzy matches for
// 404s and walking peer dependencies up to three levels deep. Peer
// conflicts are reported, not resolved.
func (r *Resolver) Resolve(ctx context.Context, requested []string) (*ResolveResult, error) {
	result := &ResolveResult{}
	seen := make(map[string]bool)
	resolvedVersions := make(map[string]string)

	type queueItem struct {
		name  string
		depth int
	}
	queue := make([]queueItem, 0, len(requested))
	for _, name := range requested {
		queue = append(queue, queueItem{name: name, depth: 0})
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		name := strings.TrimSpace(item.name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		meta, substitutedFor, err := r.lookup(ctx, name)
		if err != nil {
			if errors.Is(err, errPackageNotFound) {
				// Only packages the user asked for count as invalid; missing
				// transitive peers are noise.
				if item.depth == 0 {
					result.Invalid = append(result.Invalid, name)
				}
				continue
			}
			return nil, err
		}
		if substitutedFor != "" && seen[meta.Name] {
			continue
		}
		seen[meta.Name] = true

		version := meta.DistTags.Latest
		if prev, ok := resolvedVersions[meta.Name]; ok && prev != version {
			result.Conflicts = append(result.Conflicts, meta.Name)
			continue
		}
		resolvedVersions[meta.Name] = version
		result.Valid = append(result.Valid, ResolvedPackage{
			Name:           meta.Name,
			Version:        version,
			SubstitutedFor: substitutedFor,
		})

		if item.depth < peerDepMaxDepth {
			for peer := range meta.Versions[version].PeerDependencies {
				if !seen[peer] {
					queue = append(queue, queueItem{name: peer, depth: item.depth + 1})
				}
			}
		}
	}

	// A name that 404'd but whose substitute resolved is not invalid.
	valid := make(map[string]bool, len(result.Valid))
	for _, p := range result.Valid {
		valid[p.Name] = true
		if p.SubstitutedFor != "" {
			valid[p.SubstitutedFor] = true
		}
	}
	filtered := result.Invalid[:0]
	for _, name := range result.Invalid {
		if !valid[name] {
			filtered = append(filtered, name)
		}
	}
	result.Invalid = filtered

	return result, nil
}

var errPackageNotFound = errors.New("package not found")

// lookup fetches metadata through the KV cache; a 404 triggers one fuzzy
// search and a substitute lookup.
func (r *Resolver) lookup(ctx context.Context, name string) (*packageMetadata, string, error) {
	if cached, err := r.kv.Get(ctx, registryCacheKey(name)); err == nil {
		var meta packageMetadata
		if json.Unmarshal([]byte(cached), &meta) == nil {
			return &meta, "", nil
		}
	}

	meta, err := r.fetch(ctx, name)
	if err == nil {
		r.cache(ctx, name, meta)
		return meta, "", nil
	}
	if !errors.Is(err, errPackageNotFound) {
		return nil, "", err
	}

	substitute, searchErr := r.fuzzySearch(ctx, name)
	if searchErr != nil || substitute == "" || substitute == name {
		return nil, "", errPackageNotFound
	}
	meta, err = r.fetch(ctx, substitute)
	if err != nil {
		return nil, "", errPackageNotFound
	}
	r.cache(ctx, substitute, meta)
	r.logger.Info("substituted package", "requested", name, "substitute", substitute)
	return meta, name, nil
}

func (r *Resolver) fetch(ctx context.Context, name string) (*packageMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.registryBase+"/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry fetch %s: %w", name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errPackageNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("registry fetch %s returned %d", name, resp.StatusCode)
	}

	var meta packageMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4*1024*1024)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("registry metadata %s: %w", name, err)
	}
	return &meta, nil
}

func (r *Resolver) fuzzySearch(ctx context.Context, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.registryBase+"/-/v1/search?size=1&text="+url.QueryEscape(name), nil)
	if err != nil {
		return "", err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry search returned %d", resp.StatusCode)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", err
	}
	if len(sr.Objects) == 0 {
		return "", nil
	}
	return sr.Objects[0].Package.Name, nil
}

func (r *Resolver) cache(ctx context.Context, name string, meta *packageMetadata) {
	payload, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := r.kv.Set(ctx, registryCacheKey(name), string(payload), registryCacheTTL); err != nil {
		r.logger.Warn("failed to cache package metadata", "package", name, "error", err)
	}
}
