// Package transformer is the external collaborator the core consumes as
// a FetchUpstream function: it calls the upstream media-transformation
// service and recognizes its sentinel failure signals (source-too-large,
// transformer-rejected). Grounded in pattern, not code, on
// internal/infrastructure/storage/minio.go's interface-wrapping a
// concrete client for testability -- here the concrete client is
// *http.Client instead of *minio.Client.
package transformer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hszk-dev/gostream-edge/internal/core"
)

// httpDoer abstracts *http.Client for testability.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client invokes the upstream transformer over HTTP.
type Client struct {
	doer    httpDoer
	baseURL *url.URL
	timeout time.Duration
}

// Config configures a transformer Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New constructs a Client from Config.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("transformer: parsing base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		doer:    &http.Client{Timeout: timeout},
		baseURL: u,
		timeout: timeout,
	}, nil
}

// Sentinel response headers the upstream transformer uses to signal a
// recognized failure mode rather than an opaque 5xx.
const (
	headerTransformError   = "X-Transform-Error"
	sentinelSourceTooLarge = "source-too-large"
	sentinelRejected       = "rejected"
)

// FetchUpstream implements core.FetchUpstream against the configured
// transformer service. req's path and query are forwarded as-is (the
// Orchestrator has already rewritten the query to add v=<version> when
// needed).
func (c *Client) FetchUpstream(req *http.Request) (*core.Response, error) {
	target := *c.baseURL
	target.Path = singleJoiningSlash(c.baseURL.Path, req.URL.Path)
	target.RawQuery = req.URL.RawQuery

	ctx := req.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	outReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building upstream request: %v", core.ErrUpstream, err)
	}
	outReq.Header = req.Header.Clone()

	httpResp, err := c.doer.Do(outReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrUpstream, err)
	}

	if sentinel := httpResp.Header.Get(headerTransformError); sentinel != "" {
		_ = httpResp.Body.Close()
		switch sentinel {
		case sentinelSourceTooLarge:
			return nil, core.ErrSourceTooLarge
		case sentinelRejected:
			return nil, core.ErrTransformerRejected
		default:
			return nil, fmt.Errorf("%w: unrecognized sentinel %q", core.ErrUpstream, sentinel)
		}
	}

	return toCoreResponse(httpResp), nil
}

// FetchOrigin performs a plain, untransformed fetch of the source asset,
// used by the Fallback Streamer when the transformer rejects a request.
func (c *Client) FetchOrigin(ctx context.Context, sourcePath string) (*core.Response, error) {
	target := *c.baseURL
	target.Path = singleJoiningSlash(c.baseURL.Path, "/origin/"+sourcePath)

	outReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building origin request: %v", core.ErrUpstream, err)
	}

	httpResp, err := c.doer.Do(outReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrUpstream, err)
	}
	return toCoreResponse(httpResp), nil
}

func toCoreResponse(r *http.Response) *core.Response {
	contentLength := r.ContentLength
	if contentLength < 0 {
		if cl := r.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				contentLength = n
			}
		}
	}
	return &core.Response{
		StatusCode:    r.StatusCode,
		Header:        r.Header,
		Body:          r.Body,
		ContentLength: contentLength,
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	default:
		return a + b
	}
}
