// Package pathmatch matches incoming request paths against configured
// transformation path patterns and extracts the embedded option string
// and source path, e.g. pattern "/cdn-video/<opts>/<source>" against path
// "/cdn-video/w=320,h=240/videos/a.mp4". New domain logic; grounded in
// style on internal/api/handler/video.go's chi.URLParam-based path
// extraction, generalized from chi's fixed route tree to a small set of
// runtime-configured patterns since this gateway accepts a source path of
// unbounded depth after the options segment.
package pathmatch

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	optsToken   = "<opts>"
	sourceToken = "<source>"
)

// Pattern is a compiled path pattern.
type Pattern struct {
	prefix string // literal segment before <opts>, including leading/trailing slash
	raw    string
}

// Compile parses a pattern string of the form
// "/literal-prefix/<opts>/<source>". <opts> and <source> must each appear
// exactly once, with <source> last.
func Compile(pattern string) (Pattern, error) {
	optsIdx := strings.Index(pattern, optsToken)
	sourceIdx := strings.Index(pattern, sourceToken)
	if optsIdx < 0 || sourceIdx < 0 {
		return Pattern{}, fmt.Errorf("pathmatch: pattern %q must contain both %s and %s", pattern, optsToken, sourceToken)
	}
	if sourceIdx < optsIdx {
		return Pattern{}, fmt.Errorf("pathmatch: pattern %q must place %s before %s", pattern, optsToken, sourceToken)
	}
	prefix := pattern[:optsIdx]
	return Pattern{prefix: prefix, raw: pattern}, nil
}

// Match reports whether path begins with p's literal prefix and, if so,
// returns the options segment and the remaining source path.
func (p Pattern) Match(path string) (opts, sourcePath string, ok bool) {
	if !strings.HasPrefix(path, p.prefix) {
		return "", "", false
	}
	rest := path[len(p.prefix):]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return "", "", false
	}
	opts = rest[:slash]
	sourcePath = rest[slash+1:]
	if opts == "" || sourcePath == "" {
		return "", "", false
	}
	return opts, sourcePath, true
}

// String returns the pattern's original text.
func (p Pattern) String() string { return p.raw }

// FirstMatch tries each pattern in order and returns the first match.
func FirstMatch(patterns []Pattern, path string) (opts, sourcePath string, matched Pattern, ok bool) {
	for _, p := range patterns {
		if o, s, matchOK := p.Match(path); matchOK {
			return o, s, p, true
		}
	}
	return "", "", Pattern{}, false
}

// ParseOpts splits an options segment ("w=320,h=240,f=contain") into a
// map, used to seed a recipe.FromQuery-compatible url.Values by callers
// that accept path-embedded options rather than (or in addition to)
// regular query parameters.
func ParseOpts(opts string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(opts, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

// shorthand maps the compact option keys used in path-embedded option
// strings (w=320,h=240,f=contain) onto the query parameter names
// internal/recipe.FromQuery expects.
var shorthand = map[string]string{
	"w":        "width",
	"h":        "height",
	"f":        "fit",
	"q":        "quality",
	"c":        "compression",
	"t":        "time",
	"dur":      "duration",
	"cols":     "columns",
	"rows":     "rows",
	"interval": "interval",
	"m":        "mode",
	"d":        "derivative",
}

// ToQueryValues expands a parsed opts map into url.Values keyed by the
// query parameter names internal/recipe.FromQuery expects, merging into
// existing (typically empty) values.
func ToQueryValues(opts map[string]string, into url.Values) url.Values {
	if into == nil {
		into = url.Values{}
	}
	for k, v := range opts {
		name, ok := shorthand[k]
		if !ok {
			name = k
		}
		into.Set(name, v)
	}
	return into
}
