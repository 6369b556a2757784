// Package config loads and validates the environment-driven configuration.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// DeploymentType selects how preview URLs are routed.
type DeploymentType string

// Deployment types.
const (
	DeploymentPath      DeploymentType = "path"
	DeploymentSubdomain DeploymentType = "subdomain"
)

// Config is the process-wide configuration, loaded once at startup.
type Config struct {
	HTTPPort   string
	CORSOrigin string
	TrustProxy TrustProxy

	// Redis connection: URL wins over host/port when both are set.
	RedisURL      string
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Preview routing
	DeploymentType            DeploymentType
	PreviewRootDomain         string
	CloudfrontDistributionURL string
	CloudfrontDistributionID  string

	// Cloudflare edge KV (subdomain mode)
	CloudflareAccountID   string
	CloudflareNamespaceID string
	CloudflareAPIToken    string

	// Object storage
	S3Bucket string
	S3Region string

	// Secret envelope key: 32 bytes, hex encoded.
	EncryptionKey string

	// Concurrency and budget overrides (zero means use the default).
	MaxActiveRunsPerUser    int
	MaxAgentToolCallsPerRun int
	WorkerConcurrency       int
	ToolGatewayTimeout      time.Duration
}

// Load reads configuration from the environment and applies defaults.
// It fails only on values that are present but unparseable; a missing
// optional var falls back to its default.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:                  getEnv("HTTP_PORT", "8080"),
		CORSOrigin:                os.Getenv("CORS_ORIGIN"),
		RedisURL:                  os.Getenv("REDIS_URL"),
		RedisHost:                 getEnv("REDIS_HOST", "localhost"),
		RedisPort:                 getEnv("REDIS_PORT", "6379"),
		RedisPassword:             os.Getenv("REDIS_PASSWORD"),
		PreviewRootDomain:         os.Getenv("PREVIEW_ROOT_DOMAIN"),
		CloudfrontDistributionURL: strings.TrimRight(os.Getenv("CLOUDFRONT_DISTRIBUTION_URL"), "/"),
		CloudfrontDistributionID:  os.Getenv("CLOUDFRONT_DISTRIBUTION_ID"),
		CloudflareAccountID:       os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
		CloudflareNamespaceID:     os.Getenv("CLOUDFLARE_KV_NAMESPACE_ID"),
		CloudflareAPIToken:        os.Getenv("CLOUDFLARE_API_TOKEN"),
		S3Bucket:                  os.Getenv("S3_BUCKET"),
		S3Region:                  getEnv("S3_REGION", "us-east-1"),
		EncryptionKey:             os.Getenv("ENCRYPTION_KEY"),
	}

	switch dt := DeploymentType(getEnv("EDWARD_DEPLOYMENT_TYPE", string(DeploymentPath))); dt {
	case DeploymentPath, DeploymentSubdomain:
		cfg.DeploymentType = dt
	default:
		return nil, fmt.Errorf("invalid EDWARD_DEPLOYMENT_TYPE %q (want path or subdomain)", dt)
	}

	var err error
	if cfg.MaxActiveRunsPerUser, err = getEnvInt("MAX_ACTIVE_RUNS_PER_USER", DefaultMaxActiveRunsPerUser); err != nil {
		return nil, err
	}
	if cfg.MaxAgentToolCallsPerRun, err = getEnvInt("MAX_AGENT_TOOL_CALLS_PER_RUN", DefaultMaxAgentToolCallsPerRun); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = getEnvInt("WORKER_CONCURRENCY", DefaultWorkerConcurrency); err != nil {
		return nil, err
	}

	gatewayTimeoutMs, err := getEnvInt("TOOL_GATEWAY_TIMEOUT_MS", int(DefaultGatewayTimeout/time.Millisecond))
	if err != nil {
		return nil, err
	}
	cfg.ToolGatewayTimeout = time.Duration(gatewayTimeoutMs) * time.Millisecond

	cfg.TrustProxy = ParseTrustProxy(os.Getenv("TRUST_PROXY"))

	if cfg.EncryptionKey != "" && len(cfg.EncryptionKey) != 64 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be 32 bytes hex encoded (64 chars), got %d chars", len(cfg.EncryptionKey))
	}

	return cfg, nil
}

// RedisAddr returns the host:port to dial when RedisURL is not set.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, c.RedisPort)
}

// TrustProxyMode describes how proxy hops are trusted when resolving
// client IPs.
type TrustProxyMode string

// Trust proxy modes.
const (
	TrustProxyNone     TrustProxyMode = "none"
	TrustProxyAll      TrustProxyMode = "all"
	TrustProxyLoopback TrustProxyMode = "loopback"
	TrustProxyHops     TrustProxyMode = "hops"
	TrustProxyCIDRs    TrustProxyMode = "cidrs"
)

// TrustProxy is the parsed TRUST_PROXY setting.
type TrustProxy struct {
	Mode  TrustProxyMode
	Hops  int
	CIDRs []string
}

// ParseTrustProxy accepts a boolean, an integer hop count, a single CIDR,
// or a comma-separated CIDR allow-list. An absent or unparseable value
// falls back to trusting loopback only.
func ParseTrustProxy(raw string) TrustProxy {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TrustProxy{Mode: TrustProxyLoopback}
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		if b {
			return TrustProxy{Mode: TrustProxyAll}
		}
		return TrustProxy{Mode: TrustProxyNone}
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
		return TrustProxy{Mode: TrustProxyHops, Hops: n}
	}

	parts := strings.Split(raw, ",")
	cidrs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(p); err != nil {
			if ip := net.ParseIP(p); ip == nil {
				slog.Warn("Unparseable TRUST_PROXY value, falling back to loopback", "value", raw)
				return TrustProxy{Mode: TrustProxyLoopback}
			}
		}
		cidrs = append(cidrs, p)
	}
	if len(cidrs) == 0 {
		return TrustProxy{Mode: TrustProxyLoopback}
	}
	return TrustProxy{Mode: TrustProxyCIDRs, CIDRs: cidrs}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
