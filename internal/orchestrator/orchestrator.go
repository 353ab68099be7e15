// Package orchestrator implements component H: ServeCached, the single
// entry point the HTTP handler calls, composing the key/fingerprint,
// version store, chunk store, range engine, edge cache, coalescer,
// fallback streamer and event bus into the request-serving algorithm.
// New domain logic; grounded in *structure* on
// internal/usecase/video_service.go's interface-per-concern dependency
// injection and Config-struct-plus-constructor idiom.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hszk-dev/gostream-edge/internal/background"
	"github.com/hszk-dev/gostream-edge/internal/chunkstore"
	"github.com/hszk-dev/gostream-edge/internal/coalescer"
	"github.com/hszk-dev/gostream-edge/internal/core"
	"github.com/hszk-dev/gostream-edge/internal/edgecache"
	"github.com/hszk-dev/gostream-edge/internal/eventbus"
	"github.com/hszk-dev/gostream-edge/internal/fallback"
	"github.com/hszk-dev/gostream-edge/internal/fingerprint"
	"github.com/hszk-dev/gostream-edge/internal/metrics"
	"github.com/hszk-dev/gostream-edge/internal/policy"
	"github.com/hszk-dev/gostream-edge/internal/rangeengine"
	"github.com/hszk-dev/gostream-edge/internal/versionstore"
)

// diagnostic response headers, per spec.md §4.H step 6 and §8.
const (
	headerCacheStatus  = "X-Cache-Status"
	headerCacheVersion = "X-Cache-Version"
)

// EventPublisher is the subset of eventbus.Bus the orchestrator needs.
// Kept as an interface so tests can swap in a no-op.
type EventPublisher interface {
	Publish(ctx context.Context, evt eventbus.Event) error
}

// OriginFetcher performs a plain, untransformed fetch of the source
// asset. Used on the fallback path instead of fetchUpstream, since
// fetchUpstream is the same collaborator that just rejected the
// request and would only repeat the rejection.
type OriginFetcher interface {
	FetchOrigin(ctx context.Context, sourcePath string) (*core.Response, error)
}

// Orchestrator implements ServeCached.
type Orchestrator struct {
	versions   *versionstore.Store
	chunks     *chunkstore.Store
	edge       *edgecache.Cache
	coalescer  *coalescer.Coalescer
	fallback   *fallback.Streamer
	bgPool     *background.Pool
	events     EventPublisher
	origin     OriginFetcher
	policy     *policy.Store
	logger     *slog.Logger
	now        core.NowFunc
}

// Config bundles Orchestrator's collaborators.
type Config struct {
	Versions  *versionstore.Store
	Chunks    *chunkstore.Store
	Edge      *edgecache.Cache
	Coalescer *coalescer.Coalescer
	Fallback  *fallback.Streamer
	BgPool    *background.Pool
	Events    EventPublisher
	Origin    OriginFetcher
	Policy    *policy.Store
	Logger    *slog.Logger
	Now       core.NowFunc // nil = core.RealNowMs
}

// New constructs an Orchestrator from Config.
func New(cfg Config) *Orchestrator {
	now := cfg.Now
	if now == nil {
		now = core.RealNowMs
	}
	return &Orchestrator{
		versions:  cfg.Versions,
		chunks:    cfg.Chunks,
		edge:      cfg.Edge,
		coalescer: cfg.Coalescer,
		fallback:  cfg.Fallback,
		bgPool:    cfg.BgPool,
		events:    cfg.Events,
		origin:    cfg.Origin,
		policy:    cfg.Policy,
		logger:    cfg.Logger,
		now:       now,
	}
}

// ServeCached is the core's one exposed operation.
func (o *Orchestrator) ServeCached(ctx context.Context, req *http.Request, recipe *core.TransformRecipe, fetchUpstream core.FetchUpstream) (*core.Response, error) {
	key := fingerprint.Fingerprint(recipe)

	if req.Method != http.MethodGet || o.bypassRequested(req) {
		return fetchUpstream(req)
	}

	if edgeHit, err := o.edge.Match(ctx, req); err == nil && edgeHit != nil {
		metrics.CacheTierRequestsTotal.WithLabelValues(metrics.TierEdge, metrics.ResultHit).Inc()
		return entryToResponse(edgeHit), nil
	} else if err != nil {
		metrics.CacheTierRequestsTotal.WithLabelValues(metrics.TierEdge, metrics.ResultError).Inc()
		o.logger.Warn("edge cache lookup failed, degrading to durable/miss path", slog.Any("error", err))
	} else {
		metrics.CacheTierRequestsTotal.WithLabelValues(metrics.TierEdge, metrics.ResultMiss).Inc()
	}

	if resp, err := o.serveDurableHit(ctx, req, key); err != nil {
		metrics.CacheTierRequestsTotal.WithLabelValues(metrics.TierDurable, metrics.ResultError).Inc()
		o.logger.Warn("durable tier lookup failed, degrading to miss path", slog.String("key", key), slog.Any("error", err))
	} else if resp != nil {
		metrics.CacheTierRequestsTotal.WithLabelValues(metrics.TierDurable, metrics.ResultHit).Inc()
		return resp, nil
	} else {
		metrics.CacheTierRequestsTotal.WithLabelValues(metrics.TierDurable, metrics.ResultMiss).Inc()
	}

	return o.serveMiss(ctx, req, key, recipe.SourcePath, fetchUpstream)
}

// bypassRequested reports whether req carries a recognized bypass query
// parameter, cookie, or header, per spec.md §4.H step 2.
func (o *Orchestrator) bypassRequested(req *http.Request) bool {
	p := o.policy.Get()

	q := req.URL.Query()
	for _, name := range p.BypassQueryParams {
		if q.Has(name) {
			return true
		}
	}
	if len(req.Cookies()) > 0 {
		return true
	}
	for name := range p.BypassHeaders {
		if p.IsBypassHeader(name, req.Header.Get(name)) {
			return true
		}
	}
	return false
}

// serveDurableHit implements step 4: a durable-tier hit, served in full
// or via the range engine, with opportunistic edge-tier seeding.
func (o *Orchestrator) serveDurableHit(ctx context.Context, req *http.Request, key string) (*core.Response, error) {
	obj, err := o.chunks.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}

	rangeHeader := req.Header.Get("Range")
	var resp *core.Response
	if rangeHeader != "" && obj.Manifest != nil {
		resp, err = o.serveRange(ctx, key, rangeHeader, obj)
		if err != nil {
			return nil, err
		}
	} else {
		resp = &core.Response{
			StatusCode:    http.StatusOK,
			Header:        baseHeaders(obj.Metadata.ContentType),
			Body:          obj.Stream,
			ContentLength: obj.TotalSize,
		}
	}
	resp.Header.Set(headerCacheStatus, "hit-durable")
	resp.Header.Set(headerCacheVersion, strconv.Itoa(obj.Metadata.CacheVersion))

	o.seedEdgeInBackground(req, resp)
	return resp, nil
}

func (o *Orchestrator) serveRange(ctx context.Context, key, rangeHeader string, obj *chunkstore.Object) (*core.Response, error) {
	r, err := rangeengine.Parse(rangeHeader, obj.TotalSize)
	if errors.Is(err, core.ErrRangeUnsatisfiable) {
		metrics.RangeRequestsTotal.WithLabelValues(metrics.RangeUnsatisfiable).Inc()
		return &core.Response{
			StatusCode: http.StatusRequestedRangeNotSatisfiable,
			Header: http.Header{
				"Content-Range": []string{rangeengine.UnsatisfiableHeader(obj.TotalSize)},
			},
			Body: io.NopCloser(bytes.NewReader(nil)),
		}, nil
	}
	if errors.Is(err, rangeengine.ErrMultiRange) {
		metrics.RangeRequestsTotal.WithLabelValues(metrics.RangeMultiRangeFull).Inc()
		return &core.Response{
			StatusCode:    http.StatusOK,
			Header:        baseHeaders(obj.Metadata.ContentType),
			Body:          obj.Stream,
			ContentLength: obj.TotalSize,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.RangeRequestsTotal.WithLabelValues(metrics.RangeSatisfied).Inc()

	plan := rangeengine.PlanChunks(obj.Manifest.ActualChunkSizes, r)
	pr, pw := io.Pipe()
	go func() {
		fetch := func(ctx context.Context, index int, expected, lo, hi int64) ([]byte, error) {
			return o.chunks.ReadChunkRange(ctx, key, index, expected, lo, hi)
		}
		err := rangeengine.StreamRange(ctx, pw, plan, fetch)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	h := baseHeaders(obj.Metadata.ContentType)
	h.Set("Content-Range", rangeengine.ContentRangeHeader(r, obj.TotalSize))
	h.Set("Content-Length", strconv.FormatInt(r.Length(), 10))
	return &core.Response{
		StatusCode:    http.StatusPartialContent,
		Header:        h,
		Body:          pr,
		ContentLength: r.Length(),
	}, nil
}

func baseHeaders(contentType string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("Accept-Ranges", "bytes")
	return h
}

// seedEdgeInBackground opportunistically populates the edge tier from a
// durable-tier hit. Buffers the body first since the client is also
// consuming it; failures are logged only.
func (o *Orchestrator) seedEdgeInBackground(req *http.Request, resp *core.Response) {
	// Only seed for full, non-range responses: the edge tier stores
	// full representations, per spec.md §4.F.
	if resp.StatusCode != http.StatusOK {
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	o.bgPool.Submit(func(ctx context.Context) {
		ttl := core.TTLClassFor(resp.StatusCode)
		if err := o.edge.Put(ctx, req, resp.StatusCode, resp.Header, body, ttl); err != nil {
			o.logger.Warn("edge seed from durable hit failed", slog.Any("error", err))
		}
	})
}

// serveMiss implements steps 5-7: version bump, coalesced upstream fetch,
// background durable persistence, and fallback delegation.
func (o *Orchestrator) serveMiss(ctx context.Context, req *http.Request, key, sourcePath string, fetchUpstream core.FetchUpstream) (*core.Response, error) {
	v, err := o.versions.BumpVersion(ctx, key, true)
	if err != nil {
		o.logger.Warn("version bump failed, serving without cache-busting", slog.String("key", key), slog.Any("error", err))
		v = 1
	} else {
		metrics.VersionBumpsTotal.WithLabelValues(metrics.BumpTriggerCacheMiss).Inc()
	}

	o.publishEvent(ctx, eventbus.Event{Type: eventbus.EventCacheMiss, Fingerprint: key, Version: v, OccurredAt: o.now()})

	rewritten := req
	if v > 1 {
		rewritten = withVersionParam(req, v)
	}

	resp, shared, err := o.coalescer.Do(key, func() (*core.Response, error) {
		return fetchUpstream(rewritten)
	})
	if shared {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightShared).Inc()
	} else {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightInitiated).Inc()
	}

	switch {
	case err == nil:
		return o.handleMissSuccess(ctx, req, key, v, resp), nil

	case errors.Is(err, core.ErrSourceTooLarge), errors.Is(err, core.ErrTransformerRejected):
		o.publishEvent(ctx, eventbus.Event{Type: eventbus.EventFallback, Fingerprint: key, Version: v, OccurredAt: o.now(), Detail: err.Error()})
		origin, origErr := o.origin.FetchOrigin(ctx, sourcePath)
		if origErr != nil {
			return nil, origErr
		}
		meta := core.Metadata{ContentType: origin.Header.Get("Content-Type"), CreatedAt: o.now(), CacheVersion: v}
		return o.fallback.Stream(ctx, key, origin, meta), nil

	default:
		return nil, err
	}
}

func (o *Orchestrator) handleMissSuccess(ctx context.Context, req *http.Request, key string, version int, resp *core.Response) *core.Response {
	resp.Header.Set(headerCacheStatus, "miss")
	resp.Header.Set(headerCacheVersion, strconv.Itoa(version))

	if !core.Cacheable(resp.Header.Get("Content-Type"), resp.StatusCode) {
		return resp
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	p := o.policy.Get()
	meta := core.Metadata{
		ContentType:  resp.Header.Get("Content-Type"),
		CreatedAt:    o.now(),
		ExpiresAt:    o.now() + core.TTLClassFor(resp.StatusCode).Milliseconds(),
		CacheVersion: version,
	}

	o.bgPool.Submit(func(bgCtx context.Context) {
		err := o.chunks.PutObject(bgCtx, key, bytes.NewReader(body), int64(len(body)), meta, p.ChunkThreshold, p.StandardChunkSize)
		if err != nil {
			o.logger.Warn("durable put failed after miss", slog.String("key", key), slog.Any("error", err))
			o.publishEvent(bgCtx, eventbus.Event{Type: eventbus.EventIntegrityError, Fingerprint: key, OccurredAt: o.now(), Detail: err.Error()})
			if _, bumpErr := o.versions.BumpVersion(bgCtx, key, true); bumpErr != nil {
				o.logger.Warn("re-bump after put failure also failed", slog.String("key", key), slog.Any("error", bumpErr))
			}
			return
		}
		ttl := core.TTLClassFor(resp.StatusCode)
		if err := o.edge.Put(bgCtx, req, resp.StatusCode, resp.Header, body, ttl); err != nil {
			o.logger.Warn("edge seed after durable put failed", slog.String("key", key), slog.Any("error", err))
		}
	})

	return resp
}

func (o *Orchestrator) publishEvent(ctx context.Context, evt eventbus.Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, evt); err != nil {
		o.logger.Debug("event publish failed", slog.Any("error", err))
	}
}

// InvalidateFingerprint busts the cache for a fingerprint. Admin
// operation, trigger 3 in spec.md §4.B. Bumping the version is the
// entire contract: it does not delete anything. The edge and durable
// tiers are keyed by fingerprint without the version, so entries already
// stored there stay reachable; the bumped version only changes the
// upstream URL of the next miss.
func (o *Orchestrator) InvalidateFingerprint(ctx context.Context, key string) error {
	v, err := o.versions.BumpVersion(ctx, key, true)
	if err != nil {
		return fmt.Errorf("invalidate: bumping version: %w", err)
	}
	metrics.VersionBumpsTotal.WithLabelValues(metrics.BumpTriggerAdminBust).Inc()
	o.publishEvent(ctx, eventbus.Event{Type: eventbus.EventVersionBumped, Fingerprint: key, Version: v, OccurredAt: o.now()})
	return nil
}

// Diagnostics is the version state GetDiagnostics exposes for the debug UI.
type Diagnostics struct {
	Version  int
	LastSeen time.Time
}

func (o *Orchestrator) GetDiagnostics(ctx context.Context, key string) (Diagnostics, error) {
	d, err := o.versions.GetDiagnostics(ctx, key)
	if err != nil {
		return Diagnostics{}, err
	}
	return Diagnostics{Version: d.Version, LastSeen: d.LastSeen}, nil
}

func withVersionParam(req *http.Request, v int) *http.Request {
	u := *req.URL
	q := u.Query()
	q.Set("v", strconv.Itoa(v))
	u.RawQuery = q.Encode()
	clone := req.Clone(req.Context())
	clone.URL = &u
	return clone
}

func entryToResponse(e *edgecache.Entry) *core.Response {
	h := e.Header.Clone()
	h.Set(headerCacheStatus, "hit-edge")
	return &core.Response{
		StatusCode:    e.StatusCode,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
	}
}
