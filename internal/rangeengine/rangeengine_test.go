package rangeengine

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/hszk-dev/gostream-edge/internal/core"
)

func TestParse_Forms(t *testing.T) {
	const total = 1000

	tests := []struct {
		name    string
		header  string
		want    Range
		wantErr error
	}{
		{"start-end", "bytes=0-499", Range{0, 499}, nil},
		{"start only", "bytes=500-", Range{500, 999}, nil},
		{"suffix", "bytes=-500", Range{500, 999}, nil},
		{"clamped end", "bytes=900-2000", Range{900, 999}, nil},
		{"multi-range", "bytes=0-10,20-30", Range{}, ErrMultiRange},
		{"start beyond total", "bytes=1000-1010", Range{}, core.ErrRangeUnsatisfiable},
		{"inverted", "bytes=500-100", Range{}, core.ErrRangeUnsatisfiable},
		{"missing prefix", "0-10", Range{}, core.ErrRangeUnsatisfiable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.header, total)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestPlanChunks_BoundaryCrossing mirrors spec.md scenario S3: a 50 MiB
// source split into 10 x 5 MiB chunks, requesting bytes=5242870-5242890
// which straddles the chunk 0/1 boundary at offset 5242880.
func TestPlanChunks_BoundaryCrossing(t *testing.T) {
	const chunkSize = 5242880
	sizes := make([]int64, 10)
	for i := range sizes {
		sizes[i] = chunkSize
	}

	r := Range{Start: 5242870, End: 5242890}
	plan := PlanChunks(sizes, r)

	if len(plan) != 2 {
		t.Fatalf("PlanChunks() returned %d windows, want 2", len(plan))
	}

	if plan[0].Window.Index != 0 || plan[0].Lo != chunkSize-10 || plan[0].Hi != chunkSize {
		t.Fatalf("chunk 0 plan = %+v, want lo=%d hi=%d", plan[0], chunkSize-10, chunkSize)
	}
	if plan[1].Window.Index != 1 || plan[1].Lo != 0 || plan[1].Hi != 11 {
		t.Fatalf("chunk 1 plan = %+v, want lo=0 hi=11", plan[1])
	}

	total := (plan[0].Hi - plan[0].Lo) + (plan[1].Hi - plan[1].Lo)
	if total != r.Length() {
		t.Fatalf("planned bytes = %d, want %d", total, r.Length())
	}
}

func TestStreamRange_PadsOnMidStreamFailure(t *testing.T) {
	sizes := []int64{10, 10}
	r := Range{Start: 0, End: 19}
	plan := PlanChunks(sizes, r)

	var buf bytes.Buffer
	fetch := func(ctx context.Context, index int, expected, lo, hi int64) ([]byte, error) {
		if index == 1 {
			return nil, errors.New("chunk fetch failed")
		}
		return bytes.Repeat([]byte{'a'}, int(hi-lo)), nil
	}

	if err := StreamRange(context.Background(), &buf, plan, fetch); err != nil {
		t.Fatalf("StreamRange() unexpected error: %v", err)
	}
	if buf.Len() != 20 {
		t.Fatalf("StreamRange() wrote %d bytes, want 20 (padded)", buf.Len())
	}
	if !bytes.Equal(buf.Bytes()[:10], bytes.Repeat([]byte{'a'}, 10)) {
		t.Fatalf("first chunk content mismatch")
	}
	if !bytes.Equal(buf.Bytes()[10:], make([]byte, 10)) {
		t.Fatalf("second chunk should be zero-padded, got %v", buf.Bytes()[10:])
	}
}

func TestStreamRange_AbortsOnClientDisconnect(t *testing.T) {
	sizes := []int64{10, 10}
	r := Range{Start: 0, End: 19}
	plan := PlanChunks(sizes, r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	fetch := func(ctx context.Context, index int, expected, lo, hi int64) ([]byte, error) {
		if index == 1 {
			return nil, errors.New("chunk fetch failed")
		}
		return bytes.Repeat([]byte{'a'}, int(hi-lo)), nil
	}

	if err := StreamRange(ctx, &buf, plan, fetch); err != nil {
		t.Fatalf("StreamRange() unexpected error: %v", err)
	}
	if buf.Len() != 10 {
		t.Fatalf("StreamRange() wrote %d bytes after disconnect, want 10 (no padding)", buf.Len())
	}
}
