package build

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Deployment modes for preview URLs.
const (
	DeploymentPath      = "path"
	DeploymentSubdomain = "subdomain"
)

const subdomainSuffixLen = 5

// Word lists for deterministic subdomains. Hash-indexed, so order is
// part of the contract; append only.
var subdomainAdjectives = []string{
	"amber", "bold", "calm", "dusty", "eager", "fancy", "gentle", "happy",
	"ivory", "jolly", "keen", "lively", "mellow", "noble", "opal", "proud",
	"quiet", "rapid", "sunny", "tidy", "vivid", "witty", "young", "zesty",
}

var subdomainNouns = []string{
	"aspen", "brook", "cedar", "dune", "ember", "fjord", "glade", "harbor",
	"isle", "juniper", "knoll", "lagoon", "meadow", "nook", "orchard", "pine",
	"quarry", "ridge", "summit", "tide", "vale", "willow", "yarrow", "zephyr",
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9-_.]`)

// SanitizePathSegment replaces any character outside [A-Za-z0-9-_.]
// with '_' so user and chat IDs are safe in URLs and storage keys.
func SanitizePathSegment(s string) string {
	return unsafePathChars.ReplaceAllString(s, "_")
}

// Subdomain derives the stable preview subdomain for a chat:
// <adjective>-<noun>-<5-char-base36> hashed from (userID, chatID).
func Subdomain(userID, chatID string) string {
	sum := sha256.Sum256([]byte(userID + ":" + chatID))
	adj := subdomainAdjectives[int(sum[0])%len(subdomainAdjectives)]
	noun := subdomainNouns[int(sum[1])%len(subdomainNouns)]

	n := binary.BigEndian.Uint64(sum[2:10])
	suffix := make([]byte, subdomainSuffixLen)
	for i := range suffix {
		suffix[i] = base36Alphabet[n%36]
		n /= 36
	}
	return fmt.Sprintf("%s-%s-%s", adj, noun, suffix)
}

// EdgeKV upserts subdomain routes into the edge KV namespace.
type EdgeKV interface {
	Put(ctx context.Context, key, value string) error
}

// CloudflareKV implements EdgeKV over the Cloudflare KV HTTP API.
type CloudflareKV struct {
	httpClient  *http.Client
	accountID   string
	namespaceID string
	apiToken    string
}

// NewCloudflareKV builds the client. A 10 s timeout covers the PUT.
func NewCloudflareKV(accountID, namespaceID, apiToken string) *CloudflareKV {
	return &CloudflareKV{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		accountID:   accountID,
		namespaceID: namespaceID,
		apiToken:    apiToken,
	}
}

func (c *CloudflareKV) Put(ctx context.Context, key, value string) error {
	url := fmt.Sprintf("https://api.cloudflare.com/client/v4/accounts/%s/storage/kv/namespaces/%s/values/%s",
		c.accountID, c.namespaceID, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewBufferString(value))
	if err != nil {
		return fmt.Errorf("failed to build edge kv request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upsert edge kv key %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("edge kv upsert %s returned %d: %s", key, resp.StatusCode, string(body))
	}
	return nil
}

// Router resolves preview URLs for both deployment modes.
type Router struct {
	deploymentType string
	rootDomain     string
	cloudfrontBase string
	edgeKV         EdgeKV
	logger         *slog.Logger
}

// RouterConfig configures preview routing.
type RouterConfig struct {
	DeploymentType string // "path" or "subdomain"
	RootDomain     string // subdomain mode
	CloudfrontBase string // path mode, e.g. https://dxxxx.cloudfront.net
}

// NewRouter wires the router. edgeKV may be nil in path mode.
func NewRouter(cfg RouterConfig, edgeKV EdgeKV, logger *slog.Logger) *Router {
	return &Router{
		deploymentType: cfg.DeploymentType,
		rootDomain:     cfg.RootDomain,
		cloudfrontBase: strings.TrimSuffix(cfg.CloudfrontBase, "/"),
		edgeKV:         edgeKV,
		logger:         logger.With("component", "build.router"),
	}
}

// DeploymentType reports the configured mode.
func (r *Router) DeploymentType() string { return r.deploymentType }

// BasePath returns the base path assets are served under, "" in
// subdomain mode.
func (r *Router) BasePath(userID, chatID string) string {
	if r.deploymentType != DeploymentPath {
		return ""
	}
	return fmt.Sprintf("/%s/%s/preview", SanitizePathSegment(userID), SanitizePathSegment(chatID))
}

// PublishURL registers routing for the chat's preview and returns its
// public URL. Subdomain mode upserts the edge KV mapping; the mapping is
// stable across builds so repeat upserts are harmless.
func (r *Router) PublishURL(ctx context.Context, userID, chatID string) (string, error) {
	if r.deploymentType == DeploymentSubdomain {
		sub := Subdomain(userID, chatID)
		target := fmt.Sprintf("%s/%s", SanitizePathSegment(userID), SanitizePathSegment(chatID))
		if r.edgeKV != nil {
			if err := r.edgeKV.Put(ctx, sub, target); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("https://%s.%s", sub, r.rootDomain), nil
	}
	return fmt.Sprintf("%s/%s/%s/", r.cloudfrontBase, SanitizePathSegment(userID), SanitizePathSegment(chatID)), nil
}
