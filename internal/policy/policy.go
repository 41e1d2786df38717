// Package policy holds the hot-reloadable policy document the admission
// pipeline reads. A Snapshot is an immutable value; the Store publishes new
// ones atomically so a request that has already captured a Snapshot never
// observes a change made mid-request (spec §5, "Shared resources").
package policy

import (
	"strings"
	"time"
)

// Caps is the shape shared by the global and per-identity-default limits.
type Caps struct {
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
	MaxRPM        int `json:"max_rpm" yaml:"max_rpm"`
	MaxSSE        int `json:"max_sse" yaml:"max_sse"`
}

// DownstreamConfig describes the single proxied backend.
type DownstreamConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// QueueConfig bounds the priority wait queue.
type QueueConfig struct {
	MaxSize int           `json:"max_size" yaml:"max_size"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// SSEConfig controls streaming behavior.
type SSEConfig struct {
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// RetentionConfig is consumed entirely by the out-of-core request-log
// sweep; the core only carries it through the snapshot.
type RetentionConfig struct {
	RequestLogMaxAge time.Duration `json:"request_log_max_age" yaml:"request_log_max_age"`
}

// APIPattern is one configured route pattern used both to derive the API
// identifier for a request and to look up its per-API rpm cap. Patterns
// are matched in order; the first match wins.
//
// Path supports two shapes: a prefix wildcard ("/v1/models/*") and a
// single named parameter segment ("/v1/threads/{id}"). The identifier
// produced for a match is the pattern itself ("METHOD /v1/models/*"),
// which doubles as its own rpm cap key.
type APIPattern struct {
	Method string `json:"method" yaml:"method"`
	Path   string `json:"path" yaml:"path"`
	RPM    int    `json:"rpm" yaml:"rpm"`
}

// Snapshot is the immutable, value-typed policy document a single request
// observes for its entire lifetime.
type Snapshot struct {
	Downstream  DownstreamConfig `json:"downstream" yaml:"downstream"`
	Global      Caps             `json:"global" yaml:"global"`
	DefaultUser Caps             `json:"default_user" yaml:"default_user"`
	// APIPatterns is the ordered list of route patterns used for API
	// identifier derivation and per-API rpm caps.
	APIPatterns []APIPattern    `json:"api_patterns" yaml:"api_patterns"`
	Queue       QueueConfig     `json:"queue" yaml:"queue"`
	SSE         SSEConfig       `json:"sse" yaml:"sse"`
	Retention   RetentionConfig `json:"retention" yaml:"retention"`
}

// MatchAPI derives the API identifier for method+path by matching
// against APIPatterns in order; the first match wins. Unmatched
// requests fall back to the literal "METHOD /path" identifier, which
// never carries an API-level rpm cap.
func (s *Snapshot) MatchAPI(method, path string) string {
	for _, p := range s.APIPatterns {
		if p.Method != method {
			continue
		}
		if matchPath(p.Path, path) {
			return method + " " + p.Path
		}
	}
	return method + " " + path
}

// APIRPMFor returns the configured rpm cap for an API identifier (as
// produced by MatchAPI) and whether one is configured at all.
func (s *Snapshot) APIRPMFor(apiID string) (int, bool) {
	for _, p := range s.APIPatterns {
		if p.Method+" "+p.Path == apiID {
			return p.RPM, true
		}
	}
	return 0, false
}

func matchPath(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(path, prefix)
	}
	if !strings.Contains(pattern, "{") {
		return pattern == path
	}

	patSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	pathSegs := strings.Split(strings.Trim(path, "/"), "/")
	if len(patSegs) != len(pathSegs) {
		return false
	}
	for i, seg := range patSegs {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			continue
		}
		if seg != pathSegs[i] {
			return false
		}
	}
	return true
}

// Default returns a conservative snapshot used when no durable policy
// document has been written yet.
func Default() *Snapshot {
	return &Snapshot{
		Downstream: DownstreamConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Global: Caps{
			MaxConcurrent: 100,
			MaxRPM:        6000,
			MaxSSE:        50,
		},
		DefaultUser: Caps{
			MaxConcurrent: 4,
			MaxRPM:        60,
			MaxSSE:        4,
		},
		APIPatterns: []APIPattern{},
		Queue: QueueConfig{
			MaxSize: 100,
			Timeout: 30 * time.Second,
		},
		SSE: SSEConfig{
			IdleTimeout: 60 * time.Second,
		},
		Retention: RetentionConfig{
			RequestLogMaxAge: 30 * 24 * time.Hour,
		},
	}
}
