package config

import (
	"fmt"
	"strings"
	"time"
)

// StorageBackend selects where jobs and shard records live.
type StorageBackend string

const (
	// StoragePostgres persists jobs in PostgreSQL.
	StoragePostgres StorageBackend = "postgres"
	// StorageMemory keeps jobs in process memory; state is lost on restart.
	StorageMemory StorageBackend = "memory"
)

// Valid reports whether s names a known backend.
func (s StorageBackend) Valid() bool {
	return s == StoragePostgres || s == StorageMemory
}

// LockBackend selects the per-job retry lock implementation.
type LockBackend string

const (
	// LockBackendRedis uses SET NX PX locks shared across processes.
	LockBackendRedis LockBackend = "redis"
	// LockBackendMemory uses an in-process lock table.
	LockBackendMemory LockBackend = "memory"
)

// LauncherConfig controls how shard collections are triggered.
type LauncherConfig struct {
	// Delay is the minimum spacing between consecutive collection triggers.
	Delay time.Duration `env:"LAUNCH_DELAY" envDefault:"2s"`
}

// Sanitize applies guardrails to launcher configuration values.
func (l *LauncherConfig) Sanitize() {
	if l.Delay < 0 {
		l.Delay = 0
	}
}

// CollectionConfig describes the external collection worker.
type CollectionConfig struct {
	BaseURL   string        `env:"COLLECTION_BASE_URL"`
	DatasetID string        `env:"COLLECTION_DATASET_ID"`
	Token     string        `env:"COLLECTION_TOKEN"`
	Timeout   time.Duration `env:"COLLECTION_TIMEOUT" envDefault:"30s"`

	// CallbackBaseURL is the base URL the worker posts results to. Defaults to APP_BASE_URL.
	CallbackBaseURL string `env:"COLLECTION_CALLBACK_BASE_URL"`

	// TransientErrorPatterns are case-insensitive substrings that classify a reported
	// collection error as retry_needed instead of failed.
	TransientErrorPatterns []string `env:"COLLECTION_TRANSIENT_ERROR_PATTERNS" envSeparator:","`
}

// Sanitize applies guardrails to collection configuration values.
func (c *CollectionConfig) Sanitize(appBaseURL string) {
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.DatasetID = strings.TrimSpace(c.DatasetID)
	c.Token = strings.TrimSpace(c.Token)
	c.CallbackBaseURL = strings.TrimRight(strings.TrimSpace(c.CallbackBaseURL), "/")
	if c.CallbackBaseURL == "" {
		c.CallbackBaseURL = appBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	patterns := c.TransientErrorPatterns[:0]
	for _, p := range c.TransientErrorPatterns {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	c.TransientErrorPatterns = patterns
}

// InterpretationConfig describes the external interpretation worker and dispatch policy.
type InterpretationConfig struct {
	URL     string        `env:"INTERPRETATION_URL"`
	Token   string        `env:"INTERPRETATION_TOKEN"`
	Timeout time.Duration `env:"INTERPRETATION_TIMEOUT" envDefault:"2m"`

	// Concurrency bounds parallel interpretation calls per job.
	Concurrency int `env:"INTERPRETATION_CONCURRENCY" envDefault:"4"`

	// MaxFailures is how many shard interpretations may fail before the job fails.
	MaxFailures int `env:"INTERPRETATION_MAX_FAILURES" envDefault:"0"`

	// ShardSelectors are "shard=expression" pairs separated by ";". Each JMESPath
	// expression narrows that shard's raw collection output before interpretation.
	ShardSelectors []string `env:"SHARD_SELECTORS" envSeparator:";"`
}

// Selectors parses ShardSelectors into a map keyed by shard name.
func (i InterpretationConfig) Selectors() (map[string]string, error) {
	out := make(map[string]string, len(i.ShardSelectors))
	for _, pair := range i.ShardSelectors {
		name, expr, ok := strings.Cut(pair, "=")
		name, expr = strings.TrimSpace(name), strings.TrimSpace(expr)
		if !ok || name == "" || expr == "" {
			return nil, fmt.Errorf("SHARD_SELECTORS entry %q: expected shard=expression", pair)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("SHARD_SELECTORS: duplicate shard %q", name)
		}
		out[name] = expr
	}
	return out, nil
}

// Sanitize applies guardrails to interpretation configuration values.
func (i *InterpretationConfig) Sanitize() {
	i.URL = strings.TrimSpace(i.URL)
	if i.Timeout <= 0 {
		i.Timeout = 2 * time.Minute
	}
	if i.Concurrency < 1 {
		i.Concurrency = 1
	}
	if i.MaxFailures < 0 {
		i.MaxFailures = 0
	}
	selectors := i.ShardSelectors[:0]
	for _, s := range i.ShardSelectors {
		if s = strings.TrimSpace(s); s != "" {
			selectors = append(selectors, s)
		}
	}
	i.ShardSelectors = selectors
}

// RetryConfig controls retry serialization.
type RetryConfig struct {
	LockBackend LockBackend `env:"RETRY_LOCK_BACKEND" envDefault:"redis"`
	// LockTTL bounds how long a crashed holder blocks retries. A live holder keeps
	// refreshing its lock until the follow-up pass ends.
	LockTTL time.Duration `env:"RETRY_LOCK_TTL" envDefault:"5m"`

	// ConflictRetries is how many times a retry re-plans after a concurrent callback
	// changed the job under it.
	ConflictRetries int `env:"RETRY_CONFLICT_RETRIES" envDefault:"3"`
}

// Sanitize applies guardrails to retry configuration values.
func (r *RetryConfig) Sanitize() {
	if r.LockBackend != LockBackendRedis && r.LockBackend != LockBackendMemory {
		r.LockBackend = LockBackendMemory
	}
	if r.LockTTL < 10*time.Second {
		r.LockTTL = 10 * time.Second
	}
	if r.ConflictRetries < 0 {
		r.ConflictRetries = 0
	}
}
