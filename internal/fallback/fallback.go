// Package fallback implements component G: used when the transformer
// signals a source-too-large or transformer-rejected error but a plain
// origin fetch still succeeds. It tees the origin body to the client
// while opportunistically persisting it to the chunk store in the
// background, using an in-process bounded worker pool rather than a
// separate out-of-process job.
package fallback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hszk-dev/gostream-edge/internal/background"
	"github.com/hszk-dev/gostream-edge/internal/core"
	"github.com/hszk-dev/gostream-edge/internal/metrics"
)

// errTeeAbandoned marks a fallback persist attempt cut short because the
// client-side reader outran the background persister's bounded buffer.
// PutObject sees this as a hard error rather than a silently truncated
// object.
var errTeeAbandoned = errors.New("fallback: tee abandoned, persister fell too far behind")

// teeBufferDepth bounds how many in-flight read buffers the tee may hold
// before the background persister before giving up on persistence rather
// than blocking the client read.
const teeBufferDepth = 64

// Persister is the subset of chunkstore.Store the streamer needs to
// opportunistically persist a fallback body.
type Persister interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64, meta core.Metadata, chunkThreshold, standardChunkSize int64) error
}

// Streamer implements the tee-and-persist behavior.
type Streamer struct {
	persister         Persister
	pool              *background.Pool
	logger            *slog.Logger
	hardSkipThreshold int64
	chunkThreshold    int64
	standardChunkSize int64
}

// New creates a Streamer. hardSkipThreshold is the Content-Length above
// which persistence is skipped entirely (spec.md §4.G step 2).
func New(persister Persister, pool *background.Pool, logger *slog.Logger, hardSkipThreshold, chunkThreshold, standardChunkSize int64) *Streamer {
	return &Streamer{
		persister:         persister,
		pool:              pool,
		logger:            logger,
		hardSkipThreshold: hardSkipThreshold,
		chunkThreshold:    chunkThreshold,
		standardChunkSize: standardChunkSize,
	}
}

// Stream pipes originResp's body to the returned Response while, unless
// the body is too large, also persisting it to the durable tier in the
// background under key. The client read and the background persist are
// decoupled by a bounded channel (teeBufferDepth): a persister that falls
// behind never stalls the client, it just loses the persistence attempt.
func (s *Streamer) Stream(ctx context.Context, key string, originResp *core.Response, meta core.Metadata) *core.Response {
	if originResp.ContentLength > s.hardSkipThreshold {
		metrics.FallbackStreamsTotal.WithLabelValues(metrics.FallbackSkippedTooLarge).Inc()
		s.logger.Info("fallback: content too large, skipping persistence",
			slog.String("key", key), slog.Int64("contentLength", originResp.ContentLength))
		return originResp
	}

	pr, pw := io.Pipe()
	buf := make(chan []byte, teeBufferDepth)
	var aborted atomic.Bool
	clientBody := &teeReadCloser{
		src:     originResp.Body,
		buf:     buf,
		aborted: &aborted,
	}
	go relayTee(buf, pw, &aborted)

	submitted := s.pool.Submit(func(bgCtx context.Context) {
		bgCtx, cancel := context.WithTimeout(bgCtx, DefaultPersistTimeout)
		defer cancel()
		defer pr.Close()
		err := s.persister.PutObject(bgCtx, key, pr, originResp.ContentLength, meta, s.chunkThreshold, s.standardChunkSize)
		if err != nil {
			metrics.FallbackStreamsTotal.WithLabelValues(metrics.FallbackPersistFailed).Inc()
			s.logger.Warn("fallback: background persistence failed",
				slog.String("key", key), slog.Any("error", err))
			return
		}
		metrics.FallbackStreamsTotal.WithLabelValues(metrics.FallbackPersisted).Inc()
	})
	if !submitted {
		// Pool saturated: drop the persistence attempt entirely rather
		// than block the client response. The client still gets its
		// bytes; the object simply isn't cached this time.
		pw.CloseWithError(context.Canceled)
		metrics.FallbackStreamsTotal.WithLabelValues(metrics.FallbackPersistFailed).Inc()
		s.logger.Warn("fallback: background pool saturated, skipping persistence", slog.String("key", key))
	}

	return &core.Response{
		StatusCode:    originResp.StatusCode,
		Header:        originResp.Header,
		Body:          clientBody,
		ContentLength: originResp.ContentLength,
	}
}

// teeReadCloser reads from src and hands every chunk read off to a
// bounded channel for a separate goroutine (relayTee) to forward to the
// background persister, giving the persister an independent copy without
// buffering the whole body in memory. Unlike a direct io.TeeReader onto
// an unbuffered pipe, a slow persister cannot stall the client read: once
// teeBufferDepth chunks are queued and unconsumed, the tee abandons
// persistence outright (closing the channel and marking aborted) rather
// than blocking. The client's own Read always proceeds at src's pace.
type teeReadCloser struct {
	src     io.ReadCloser
	buf     chan []byte
	aborted *atomic.Bool
	done    bool // single-goroutine field, same assumption as the rest of this type
}

func (t *teeReadCloser) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && !t.done {
		cp := append([]byte(nil), p[:n]...)
		select {
		case t.buf <- cp:
		default:
			// Persister is too far behind; give up on persisting this
			// object rather than risk blocking the client or silently
			// truncating the durable copy.
			t.aborted.Store(true)
			t.done = true
			close(t.buf)
		}
	}
	if err != nil && !t.done {
		t.done = true
		if err != io.EOF {
			// Source itself failed mid-stream; the persister must see
			// this as a failure too, not a clean end of object.
			t.aborted.Store(true)
		}
		close(t.buf)
	}
	return n, err
}

func (t *teeReadCloser) Close() error {
	if !t.done {
		t.done = true
		t.aborted.Store(true)
		close(t.buf)
	}
	return t.src.Close()
}

// relayTee drains buf onto pw until buf is closed, then closes pw --
// with an error if the tee was abandoned mid-stream or pw's reader
// (the persister) already went away, so PutObject never mistakes a
// truncated stream for a complete one.
func relayTee(buf <-chan []byte, pw *io.PipeWriter, aborted *atomic.Bool) {
	failed := false
	for b := range buf {
		if failed {
			continue
		}
		if _, err := pw.Write(b); err != nil {
			failed = true
		}
	}
	if failed || aborted.Load() {
		pw.CloseWithError(errTeeAbandoned)
		return
	}
	pw.Close()
}

// DefaultPersistTimeout bounds how long the background persist task may
// run before it is abandoned.
const DefaultPersistTimeout = 5 * time.Minute
