// Package rangeengine implements component D: parsing a single-range
// HTTP Range header and walking a chunk manifest to stream only the
// bytes that intersect it. Pure parsing logic lives here; chunk fetch is
// delegated through the ChunkFetcher function type so this package has no
// direct dependency on chunkstore's minio plumbing.
package rangeengine

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hszk-dev/gostream-edge/internal/core"
)

// Range is a resolved, clamped byte range [Start, End] inclusive.
type Range struct {
	Start, End int64
}

// ErrMultiRange signals a multi-range request; callers fall back to a
// full 200 response, per spec.md §4.D step 1.
var ErrMultiRange = fmt.Errorf("rangeengine: multi-range requests are not supported")

// Parse parses a single Range header value (e.g. "bytes=0-499",
// "bytes=500-", "bytes=-500") against totalSize. Returns
// core.ErrRangeUnsatisfiable for an invalid or out-of-bounds range, and
// ErrMultiRange for a comma-separated multi-range spec.
func Parse(header string, totalSize int64) (Range, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return Range{}, fmt.Errorf("%w: missing bytes= prefix", core.ErrRangeUnsatisfiable)
	}
	spec := strings.TrimPrefix(header, prefix)

	if strings.Contains(spec, ",") {
		return Range{}, ErrMultiRange
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return Range{}, fmt.Errorf("%w: no '-' in range spec", core.ErrRangeUnsatisfiable)
	}

	startStr, endStr := spec[:dash], spec[dash+1:]

	var start, end int64
	switch {
	case startStr == "" && endStr == "":
		return Range{}, fmt.Errorf("%w: empty range spec", core.ErrRangeUnsatisfiable)

	case startStr == "":
		// Suffix range: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return Range{}, fmt.Errorf("%w: invalid suffix length", core.ErrRangeUnsatisfiable)
		}
		start = totalSize - n
		if start < 0 {
			start = 0
		}
		end = totalSize - 1

	case endStr == "":
		s, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || s < 0 {
			return Range{}, fmt.Errorf("%w: invalid start", core.ErrRangeUnsatisfiable)
		}
		start = s
		end = totalSize - 1

	default:
		s, err1 := strconv.ParseInt(startStr, 10, 64)
		e, err2 := strconv.ParseInt(endStr, 10, 64)
		if err1 != nil || err2 != nil || s < 0 || e < s {
			return Range{}, fmt.Errorf("%w: invalid start-end", core.ErrRangeUnsatisfiable)
		}
		start, end = s, e
	}

	if end > totalSize-1 {
		end = totalSize - 1
	}
	if start >= totalSize || start > end {
		return Range{}, fmt.Errorf("%w: range outside [0,%d)", core.ErrRangeUnsatisfiable, totalSize)
	}

	return Range{Start: start, End: end}, nil
}

// ContentRangeHeader formats the Content-Range header value for r over
// totalSize.
func ContentRangeHeader(r Range, totalSize int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, totalSize)
}

// UnsatisfiableHeader formats the Content-Range header value for a 416
// response.
func UnsatisfiableHeader(totalSize int64) string {
	return fmt.Sprintf("bytes */%d", totalSize)
}

// Length returns the byte count r covers.
func (r Range) Length() int64 { return r.End - r.Start + 1 }

// ChunkWindow describes one manifest chunk's position in the overall
// byte stream.
type ChunkWindow struct {
	Index      int
	Offset     int64 // offset of chunk's first byte in the full object
	Size       int64
}

// PlanChunks walks sizes (the manifest's actualChunkSizes) by running
// offset and returns the windows that intersect r, along with the
// slice bounds (lo, hi) within each chunk's own buffer that must be
// emitted.
func PlanChunks(sizes []int64, r Range) []ChunkPlan {
	var plan []ChunkPlan
	var offset int64
	for i, sz := range sizes {
		chunkStart := offset
		chunkEnd := offset + sz - 1
		offset += sz

		if chunkEnd < r.Start || chunkStart > r.End {
			continue
		}

		lo := int64(0)
		if r.Start > chunkStart {
			lo = r.Start - chunkStart
		}
		hi := sz
		if r.End < chunkEnd {
			hi = r.End - chunkStart + 1
		}

		plan = append(plan, ChunkPlan{
			Window: ChunkWindow{Index: i, Offset: chunkStart, Size: sz},
			Lo:     lo,
			Hi:     hi,
		})
	}
	return plan
}

// ChunkPlan is one chunk's contribution to a range response: the byte
// window [Lo, Hi) within that chunk's own buffer.
type ChunkPlan struct {
	Window ChunkWindow
	Lo, Hi int64
}

// ChunkFetcher fetches the raw bytes [lo, hi) of chunk index, already
// integrity-checked against the manifest by the caller's store.
type ChunkFetcher func(ctx context.Context, index int, expectedSize, lo, hi int64) ([]byte, error)

// StreamRange writes the bytes covered by r to w by walking plan and
// calling fetch for each chunk window. If a chunk fetch fails mid-stream
// after the caller has already committed the 206 header, the producer
// substitutes zero bytes to keep the byte position valid, unless ctx is
// done (client disconnected), in which case it aborts immediately.
func StreamRange(ctx context.Context, w io.Writer, plan []ChunkPlan, fetch ChunkFetcher) error {
	for _, p := range plan {
		data, err := fetch(ctx, p.Window.Index, p.Window.Size, p.Lo, p.Hi)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Pad with zero bytes for the missing window to preserve
			// byte position for any still-connected client.
			padding := make([]byte, p.Hi-p.Lo)
			if _, werr := w.Write(padding); werr != nil {
				return werr
			}
			continue
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}
