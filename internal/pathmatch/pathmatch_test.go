package pathmatch

import (
	"net/url"
	"testing"
)

func TestPattern_Match(t *testing.T) {
	p, err := Compile("/cdn-video/<opts>/<source>")
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	opts, source, ok := p.Match("/cdn-video/w=320,h=240/videos/a.mp4")
	if !ok {
		t.Fatal("Match() ok = false, want true")
	}
	if opts != "w=320,h=240" {
		t.Fatalf("opts = %q, want w=320,h=240", opts)
	}
	if source != "videos/a.mp4" {
		t.Fatalf("source = %q, want videos/a.mp4", source)
	}
}

func TestPattern_Match_WrongPrefix(t *testing.T) {
	p, _ := Compile("/cdn-video/<opts>/<source>")
	if _, _, ok := p.Match("/cdn-image/w=320/videos/a.mp4"); ok {
		t.Fatal("Match() ok = true, want false for mismatched prefix")
	}
}

func TestPattern_Match_NoSourceSegment(t *testing.T) {
	p, _ := Compile("/cdn-video/<opts>/<source>")
	if _, _, ok := p.Match("/cdn-video/w=320"); ok {
		t.Fatal("Match() ok = true, want false when no source segment follows opts")
	}
}

func TestCompile_RejectsMissingTokens(t *testing.T) {
	if _, err := Compile("/cdn-video/<opts>"); err == nil {
		t.Fatal("Compile() error = nil, want error for missing <source>")
	}
}

func TestFirstMatch(t *testing.T) {
	video, _ := Compile("/cdn-video/<opts>/<source>")
	image, _ := Compile("/cdn-image/<opts>/<source>")
	_, source, matched, ok := FirstMatch([]Pattern{video, image}, "/cdn-image/w=100/pics/a.jpg")
	if !ok {
		t.Fatal("FirstMatch() ok = false, want true")
	}
	if matched.String() != "/cdn-image/<opts>/<source>" {
		t.Fatalf("matched = %q, want image pattern", matched.String())
	}
	if source != "pics/a.jpg" {
		t.Fatalf("source = %q, want pics/a.jpg", source)
	}
}

func TestToQueryValues_ExpandsShorthand(t *testing.T) {
	opts := ParseOpts("w=320,h=240,f=contain")
	q := ToQueryValues(opts, nil)
	if q.Get("width") != "320" || q.Get("height") != "240" || q.Get("fit") != "contain" {
		t.Fatalf("q = %v, want width=320 height=240 fit=contain", q)
	}
}

func TestToQueryValues_MergesIntoExisting(t *testing.T) {
	existing := url.Values{"mode": {"frame"}}
	q := ToQueryValues(map[string]string{"w": "100"}, existing)
	if q.Get("mode") != "frame" || q.Get("width") != "100" {
		t.Fatalf("q = %v, want mode=frame width=100", q)
	}
}

func TestParseOpts(t *testing.T) {
	got := ParseOpts("w=320,h=240,f=contain")
	want := map[string]string{"w": "320", "h": "240", "f": "contain"}
	if len(got) != len(want) {
		t.Fatalf("ParseOpts() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("ParseOpts()[%q] = %q, want %q", k, got[k], v)
		}
	}
}
