// Package akamai translates the Akamai Image & Video Manager query
// dialect into the gateway's normalized query parameter set, so
// internal/recipe has a single shape to validate regardless of which
// client dialect produced the request. New domain logic grounded in
// style on internal/api/handler/video.go's small, explicit per-field
// translation functions.
package akamai

import (
	"net/url"
	"strconv"
	"strings"
)

// imDirective is the decoded form of an im= value, e.g.
// "im=Resize,width=320,height=240,aspect=fit".
type imDirective struct {
	name   string
	params map[string]string
}

// Translate rewrites q's Akamai-dialect parameters (im, imwidth, imheight,
// imbypass) into the gateway's normalized query parameters understood by
// internal/recipe.FromQuery. Every other parameter is copied over as is;
// where an Akamai parameter maps onto a normalized one that is already
// present, the Akamai value replaces it. It never mutates q; it returns a
// new url.Values.
func Translate(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = v
	}

	if raw := q.Get("im"); raw != "" {
		applyDirective(out, parseDirective(raw))
	}
	if w := q.Get("imwidth"); w != "" {
		out.Set("width", w)
	}
	if h := q.Get("imheight"); h != "" {
		out.Set("height", h)
	}
	if q.Get("imbypass") == "true" {
		out.Set("nocache", "true")
	}

	return out
}

// parseDirective decodes "Name,k1=v1,k2=v2" into an imDirective. Malformed
// segments (no '=') are ignored rather than rejected: Akamai clients in
// the wild emit a wide variety of directive shapes and this translation
// only needs to recognize the ones the gateway can act on.
func parseDirective(raw string) imDirective {
	parts := strings.Split(raw, ",")
	d := imDirective{params: map[string]string{}}
	if len(parts) == 0 {
		return d
	}
	d.name = parts[0]
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		d.params[strings.ToLower(kv[0])] = kv[1]
	}
	return d
}

func applyDirective(out url.Values, d imDirective) {
	switch strings.ToLower(d.name) {
	case "resize":
		if w, ok := d.params["width"]; ok {
			out.Set("width", w)
		}
		if h, ok := d.params["height"]; ok {
			out.Set("height", h)
		}
		if aspect, ok := d.params["aspect"]; ok {
			out.Set("fit", translateAspect(aspect))
		}
	case "quality":
		if q, ok := d.params["level"]; ok {
			out.Set("quality", translateQualityLevel(q))
		}
	case "frame":
		if t, ok := d.params["time"]; ok {
			out.Set("mode", "frame")
			out.Set("time", t)
		}
	}
}

// translateAspect maps Akamai's aspect keywords onto the gateway's Fit
// vocabulary.
func translateAspect(aspect string) string {
	switch strings.ToLower(aspect) {
	case "fit":
		return "contain"
	case "fill":
		return "cover"
	case "ignore":
		return "scale-down"
	case "pad":
		return "pad"
	default:
		return ""
	}
}

// translateQualityLevel maps Akamai's 1-100 quality level onto the
// gateway's low/medium/high/auto buckets.
func translateQualityLevel(level string) string {
	n, err := strconv.Atoi(level)
	if err != nil {
		return "auto"
	}
	switch {
	case n <= 0:
		return "auto"
	case n < 40:
		return "low"
	case n < 75:
		return "medium"
	default:
		return "high"
	}
}
