// Package fingerprint derives the canonical cache key from a validated
// TransformRecipe (component A of the cache pipeline).
package fingerprint

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/hszk-dev/gostream-edge/internal/core"
)

const maxFingerprintLen = 512

// allowed reports whether r is a character fingerprints may contain
// unescaped: [A-Za-z0-9:/=.*_-].
func allowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == ':' || r == '/' || r == '=' || r == '.' || r == '*' || r == '_' || r == '-':
		return true
	}
	return false
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if allowed(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	out := b.String()
	if len(out) > maxFingerprintLen {
		out = out[:maxFingerprintLen]
	}
	return out
}

// Fingerprint builds the deterministic cache key for a recipe: mode,
// sourcePath and either a named derivative or the sorted set of active
// fields, in the fixed enumerated order w, h, f, q, c, t, dur, cols, rows,
// interval, then sorted customData.
func Fingerprint(r *core.TransformRecipe) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode:%s:%s", r.Mode, r.SourcePath)

	if r.Derivative != "" {
		fmt.Fprintf(&b, ":derivative=%s", r.Derivative)
		return sanitize(b.String())
	}

	write := func(key, value string) {
		fmt.Fprintf(&b, ":%s=%s", key, value)
	}

	if r.Width != nil {
		write("w", strconv.Itoa(*r.Width))
	}
	if r.Height != nil {
		write("h", strconv.Itoa(*r.Height))
	}
	if r.Fit != "" {
		write("f", string(r.Fit))
	}
	if r.Quality != "" {
		write("q", string(r.Quality))
	}
	if r.Compression != "" {
		write("c", string(r.Compression))
	}
	if r.Time != nil {
		write("t", formatFloat(*r.Time))
	}
	if r.Duration != nil {
		write("dur", formatFloat(*r.Duration))
	}
	if r.Columns != nil {
		write("cols", strconv.Itoa(*r.Columns))
	}
	if r.Rows != nil {
		write("rows", strconv.Itoa(*r.Rows))
	}
	if r.Interval != nil {
		write("interval", formatFloat(*r.Interval))
	}

	custom := make([]core.KV, len(r.CustomData))
	copy(custom, r.CustomData)
	sort.Slice(custom, func(i, j int) bool { return custom[i].Key < custom[j].Key })
	for _, kv := range custom {
		write(kv.Key, kv.Value)
	}

	return sanitize(b.String())
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// VersionKey is the key under which the per-fingerprint version counter is
// stored, in a separate namespace from the variant itself.
func VersionKey(fp string) string {
	return "version-" + fp
}

// volatileParams are stripped from a URL before it is used to derive a
// fingerprint or as an edge-cache storage key, so the fingerprint remains
// stable across retries and version bumps.
var volatileParams = map[string]bool{
	"v":              true,
	"debug":          true,
	"nocache":        true,
	"no-kv-cache":    true,
}

// StripVolatile removes the version query parameter and any bypass
// parameters from u, returning a new URL value (u is not mutated).
func StripVolatile(u *url.URL) *url.URL {
	clone := *u
	q := clone.Query()
	changed := false
	for k := range q {
		if volatileParams[strings.ToLower(k)] {
			q.Del(k)
			changed = true
		}
	}
	if changed {
		clone.RawQuery = q.Encode()
	}
	return &clone
}
