// Package recipe translates an incoming request's URL query parameters
// into a validated core.TransformRecipe. Grounded in style on
// internal/api/handler/video.go's decode-then-validate request handling,
// adapted from JSON body decoding to query-string parsing since this
// gateway's requests carry no body.
package recipe

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/hszk-dev/gostream-edge/internal/core"
)

// FromQuery builds a TransformRecipe from sourcePath and q, validating the
// result before returning it. sourcePath is expected already stripped of
// any leading path-pattern segment (see internal/pathmatch).
func FromQuery(sourcePath string, q url.Values) (*core.TransformRecipe, error) {
	r := &core.TransformRecipe{
		SourcePath:  strings.TrimPrefix(sourcePath, "/"),
		Mode:        core.Mode(firstNonEmpty(q.Get("mode"), "video")),
		Fit:         core.Fit(q.Get("fit")),
		Quality:     core.Quality(q.Get("quality")),
		Compression: core.Quality(q.Get("compression")),
		Format:      q.Get("format"),
		Preload:     core.Preload(q.Get("preload")),
		Derivative:  q.Get("derivative"),
	}

	var err error
	if r.Width, err = parseIntPtr(q, "width"); err != nil {
		return nil, err
	}
	if r.Height, err = parseIntPtr(q, "height"); err != nil {
		return nil, err
	}
	if r.Bitrate, err = parseIntPtr(q, "bitrate"); err != nil {
		return nil, err
	}
	if r.Columns, err = parseIntPtr(q, "columns"); err != nil {
		return nil, err
	}
	if r.Rows, err = parseIntPtr(q, "rows"); err != nil {
		return nil, err
	}
	if r.Time, err = parseFloatPtr(q, "time"); err != nil {
		return nil, err
	}
	if r.Duration, err = parseFloatPtr(q, "duration"); err != nil {
		return nil, err
	}
	if r.Interval, err = parseFloatPtr(q, "interval"); err != nil {
		return nil, err
	}
	if r.Loop, err = parseBoolPtr(q, "loop"); err != nil {
		return nil, err
	}
	if r.Autoplay, err = parseBoolPtr(q, "autoplay"); err != nil {
		return nil, err
	}
	if r.Muted, err = parseBoolPtr(q, "muted"); err != nil {
		return nil, err
	}
	if r.Audio, err = parseBoolPtr(q, "audio"); err != nil {
		return nil, err
	}

	r.CustomData = customDataFrom(q)

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// customDataFrom lifts every "cd-<key>" query parameter into the recipe's
// ordered CustomData, in the order net/url happens to return (the
// fingerprint sorts it; insertion order here is irrelevant to caching).
func customDataFrom(q url.Values) []core.KV {
	var out []core.KV
	for k, vals := range q {
		const prefix = "cd-"
		if !strings.HasPrefix(k, prefix) || len(vals) == 0 {
			continue
		}
		out = append(out, core.KV{Key: strings.TrimPrefix(k, prefix), Value: vals[0]})
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntPtr(q url.Values, key string) (*int, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", core.ErrBadRequest, key)
	}
	return &n, nil
}

func parseFloatPtr(q url.Values, key string) (*float64, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a number", core.ErrBadRequest, key)
	}
	return &f, nil
}

func parseBoolPtr(q url.Values, key string) (*bool, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a boolean", core.ErrBadRequest, key)
	}
	return &b, nil
}
