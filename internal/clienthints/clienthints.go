// Package clienthints derives a responsive-width customData bucket from
// client hint headers, so requests for the same logical viewport size
// share a cache fingerprint instead of fragmenting by exact pixel width.
// New domain logic; grounded in style on
// internal/api/handler/video.go's small pure-translation functions.
package clienthints

import (
	"math"
	"net/http"
	"strconv"

	"github.com/hszk-dev/gostream-edge/internal/core"
)

// widthBuckets are the responsive-width steps the gateway normalizes
// client-reported viewport widths onto, widest-first is not required: the
// caller only needs the smallest bucket ≥ the effective width.
var widthBuckets = []int{320, 640, 768, 1024, 1280, 1600, 1920, 2560}

// CustomDataKey is the CustomData key populated by DeriveBucket.
const CustomDataKey = "responsive-width"

// DeriveBucket takes the width from Sec-CH-Viewport-Width, then
// Viewport-Width, then Width (first usable value wins), multiplies it by
// Sec-CH-DPR or DPR when present, and returns the KV to append to a
// TransformRecipe's CustomData, or false if no width header carried a
// usable value.
func DeriveBucket(h http.Header) (core.KV, bool) {
	viewport, ok := parseFirstPositiveFloat(h, "Sec-CH-Viewport-Width", "Viewport-Width")
	if !ok {
		viewport, ok = parseFirstPositiveFloat(h, "Width")
		if !ok {
			return core.KV{}, false
		}
	}

	dpr := 1.0
	if v, ok := parseFirstPositiveFloat(h, "Sec-CH-DPR", "DPR"); ok {
		dpr = v
	}

	effective := int(math.Ceil(viewport * dpr))
	bucket := bucketFor(effective)
	return core.KV{Key: CustomDataKey, Value: strconv.Itoa(bucket)}, true
}

func bucketFor(width int) int {
	for _, b := range widthBuckets {
		if width <= b {
			return b
		}
	}
	return widthBuckets[len(widthBuckets)-1]
}

func parseFirstPositiveFloat(h http.Header, names ...string) (float64, bool) {
	for _, name := range names {
		raw := h.Get(name)
		if raw == "" {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f <= 0 {
			continue
		}
		return f, true
	}
	return 0, false
}
