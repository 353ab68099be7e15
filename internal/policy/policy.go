// Package policy holds the hot-reloadable operational knobs that govern
// cache behavior: chunk sizing, TTL classes, and the bypass surface. It is
// deliberately separate from internal/config (which holds static
// deployment settings such as DSNs and ports) because these values are
// the kind of thing operators tune without a redeploy.
package policy

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// Policy is the full set of dynamic knobs.
type Policy struct {
	// ChunkThreshold is the byte size above which a variant is split into
	// chunks instead of stored as a single value.
	ChunkThreshold int64 `mapstructure:"chunk_threshold_bytes"`

	// StandardChunkSize is the nominal chunk size used when splitting a
	// variant. Recorded per-object in the manifest; never assumed global
	// at read time.
	StandardChunkSize int64 `mapstructure:"standard_chunk_size_bytes"`

	// MaxChunks bounds chunkCount to keep reads cheap.
	MaxChunks int `mapstructure:"max_chunks"`

	// HardSkipThreshold is the Content-Length above which the fallback
	// streamer skips persistence entirely and streams straight through.
	HardSkipThreshold int64 `mapstructure:"hard_skip_threshold_bytes"`

	// ChunkLockMaxHold bounds how long a per-chunk write lock may be held
	// before the sweeper reclaims it.
	ChunkLockMaxHold time.Duration `mapstructure:"chunk_lock_max_hold"`

	// ChunkWriteConcurrency caps the number of concurrent chunk writes.
	ChunkWriteConcurrency int `mapstructure:"chunk_write_concurrency"`

	// ChunkReadTimeout is loaded with the policy but no component reads
	// it: chunk reads are bounded only by the request context.
	ChunkReadTimeout time.Duration `mapstructure:"chunk_read_timeout"`

	// BackgroundMaxRetries is loaded with the policy but no component
	// reads it: background persistence tasks are not retried, and chunk
	// puts use their own fixed retry count in internal/chunkstore.
	BackgroundMaxRetries int `mapstructure:"background_max_retries"`

	// BypassQueryParams are recognized query parameters that force a
	// pass-through fetch (debug, nocache, no-kv-cache, ...).
	BypassQueryParams []string `mapstructure:"bypass_query_params"`

	// BypassHeaders are recognized header name/value pairs (case-
	// insensitive on the name) that force a pass-through fetch.
	BypassHeaders map[string]string `mapstructure:"bypass_headers"`
}

// Default returns the built-in defaults, used when no policy file is
// configured and as the base a loaded file is merged onto.
func Default() Policy {
	return Policy{
		ChunkThreshold:        20 * 1 << 20, // 20 MiB
		StandardChunkSize:     10 * 1 << 20, // 10 MiB, see DESIGN.md Open Question
		MaxChunks:             1000,
		HardSkipThreshold:     128 * 1 << 20, // 128 MiB
		ChunkLockMaxHold:      30 * time.Second,
		ChunkWriteConcurrency: 5,
		ChunkReadTimeout:      10 * time.Second,
		BackgroundMaxRetries:  3,
		BypassQueryParams:     []string{"debug", "nocache", "no-kv-cache"},
		BypassHeaders: map[string]string{
			"Cache-Control":  "no-cache",
			"X-Bypass-Cache": "true",
		},
	}
}

// IsBypassHeader reports whether the supplied header name/value pair is
// configured to force a bypass.
func (p Policy) IsBypassHeader(name, value string) bool {
	want, ok := p.BypassHeaders[name]
	return ok && want == value
}

// Load reads a YAML file at path into a Policy, starting from Default()
// so a partial file only overrides what it sets.
func Load(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Policy{}, fmt.Errorf("policy: reading %s: %w", path, err)
	}
	if err := v.Unmarshal(&p); err != nil {
		return Policy{}, fmt.Errorf("policy: decoding %s: %w", path, err)
	}
	return p, nil
}

// Store is a thread-safe holder for the current Policy, swapped in whole
// on each successful reload.
type Store struct {
	ptr atomic.Pointer[Policy]
}

// NewStore creates a Store seeded with p.
func NewStore(p Policy) *Store {
	s := &Store{}
	s.ptr.Store(&p)
	return s
}

// Get returns the current Policy.
func (s *Store) Get() Policy {
	return *s.ptr.Load()
}

// Set atomically replaces the current Policy.
func (s *Store) Set(p Policy) {
	s.ptr.Store(&p)
}
