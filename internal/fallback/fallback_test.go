package fallback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hszk-dev/gostream-edge/internal/background"
	"github.com/hszk-dev/gostream-edge/internal/core"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPersister struct {
	mu       sync.Mutex
	gotBytes []byte
	gotSize  int64
	err      error
	done     chan struct{}
}

func newRecordingPersister(err error) *recordingPersister {
	return &recordingPersister{err: err, done: make(chan struct{})}
}

func (p *recordingPersister) PutObject(ctx context.Context, key string, body io.Reader, size int64, meta core.Metadata, chunkThreshold, standardChunkSize int64) error {
	defer close(p.done)
	b, _ := io.ReadAll(body)
	p.mu.Lock()
	p.gotBytes = b
	p.gotSize = size
	p.mu.Unlock()
	return p.err
}

func TestStream_SkipsPersistenceWhenTooLarge(t *testing.T) {
	persister := newRecordingPersister(nil)
	pool := background.NewPool(2, discardLogger())
	s := New(persister, pool, discardLogger(), 10, 1024, 1024)

	origin := &core.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader("this body is longer than ten bytes")),
		ContentLength: 35,
	}
	resp := s.Stream(context.Background(), "key", origin, core.Metadata{})

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	if string(body) != "this body is longer than ten bytes" {
		t.Fatalf("body = %q, want original content", string(body))
	}

	select {
	case <-persister.done:
		t.Fatal("persister.PutObject was called despite exceeding hardSkipThreshold")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStream_PersistsInBackgroundWhileStreamingToClient(t *testing.T) {
	persister := newRecordingPersister(nil)
	pool := background.NewPool(2, discardLogger())
	s := New(persister, pool, discardLogger(), 1<<20, 1024, 1024)

	const content = "hello from origin"
	origin := &core.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader(content)),
		ContentLength: int64(len(content)),
	}
	resp := s.Stream(context.Background(), "key", origin, core.Metadata{})

	clientBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	if string(clientBytes) != content {
		t.Fatalf("client body = %q, want %q", string(clientBytes), content)
	}

	select {
	case <-persister.done:
	case <-time.After(time.Second):
		t.Fatal("persister.PutObject was not called within timeout")
	}
	if !bytes.Equal(persister.gotBytes, []byte(content)) {
		t.Fatalf("persisted bytes = %q, want %q", persister.gotBytes, content)
	}
	if persister.gotSize != int64(len(content)) {
		t.Fatalf("persisted size = %d, want %d", persister.gotSize, len(content))
	}
}

// slowPersister delays before it starts reading its body, standing in
// for a background chunk write that is slow to begin (e.g. a laggy
// MinIO connection).
type slowPersister struct {
	delay   time.Duration
	started chan struct{}
	done    chan struct{}
}

func newSlowPersister(delay time.Duration) *slowPersister {
	return &slowPersister{delay: delay, started: make(chan struct{}), done: make(chan struct{})}
}

func (p *slowPersister) PutObject(ctx context.Context, key string, body io.Reader, size int64, meta core.Metadata, chunkThreshold, standardChunkSize int64) error {
	defer close(p.done)
	close(p.started)
	time.Sleep(p.delay)
	_, err := io.ReadAll(body)
	return err
}

func TestStream_ClientReadNotBlockedBySlowPersister(t *testing.T) {
	persister := newSlowPersister(200 * time.Millisecond)
	pool := background.NewPool(2, discardLogger())
	s := New(persister, pool, discardLogger(), 1<<20, 1024, 1024)

	const content = "client must not wait on the persister"
	origin := &core.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader(content)),
		ContentLength: int64(len(content)),
	}

	start := time.Now()
	resp := s.Stream(context.Background(), "key", origin, core.Metadata{})
	clientBytes, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	if string(clientBytes) != content {
		t.Fatalf("client body = %q, want %q", string(clientBytes), content)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("client read took %v, want it to finish well before the persister's %v delay", elapsed, persister.delay)
	}

	select {
	case <-persister.done:
	case <-time.After(time.Second):
		t.Fatal("slow persister never finished")
	}
}

func TestTeeReadCloser_AbandonsPersistenceWhenBufferFull(t *testing.T) {
	buf := make(chan []byte, 1) // nobody drains this; capacity 1 forces an early overflow
	var aborted atomic.Bool
	tee := &teeReadCloser{
		src:     io.NopCloser(strings.NewReader("abcdef")),
		buf:     buf,
		aborted: &aborted,
	}

	p := make([]byte, 1)
	if n, err := tee.Read(p); err != nil || n != 1 {
		t.Fatalf("Read() = %d, %v, want 1, nil", n, err)
	}
	if aborted.Load() {
		t.Fatal("aborted set after the first read, want only after the buffer fills")
	}

	if n, err := tee.Read(p); err != nil || n != 1 {
		t.Fatalf("Read() = %d, %v, want 1, nil", n, err)
	}
	if !aborted.Load() {
		t.Fatal("aborted not set once the channel filled up, want true")
	}

	// Further reads still proceed at src's pace; the client is never
	// blocked by the abandoned persist attempt.
	for i := 0; i < 4; i++ {
		if _, err := tee.Read(p); err != nil && err != io.EOF {
			t.Fatalf("Read() after abandonment: %v", err)
		}
	}
}

func TestRelayTee_ClosesPipeWithErrorWhenAbandoned(t *testing.T) {
	buf := make(chan []byte, 4)
	pr, pw := io.Pipe()
	var aborted atomic.Bool
	aborted.Store(true)

	buf <- []byte("partial")
	close(buf)

	done := make(chan struct{})
	go func() {
		relayTee(buf, pw, &aborted)
		close(done)
	}()

	if _, err := io.ReadAll(pr); !errors.Is(err, errTeeAbandoned) {
		t.Fatalf("io.ReadAll(pr) error = %v, want %v", err, errTeeAbandoned)
	}
	<-done
}

func TestStream_ContinuesClientStreamWhenPoolSaturated(t *testing.T) {
	persister := newRecordingPersister(nil)
	pool := background.NewPool(1, discardLogger())
	block := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(func(ctx context.Context) {
		close(started)
		<-block
	})
	<-started
	defer close(block)

	s := New(persister, pool, discardLogger(), 1<<20, 1024, 1024)

	const content = "client still gets its bytes"
	origin := &core.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader(content)),
		ContentLength: int64(len(content)),
	}
	resp := s.Stream(context.Background(), "key", origin, core.Metadata{})

	clientBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	if string(clientBytes) != content {
		t.Fatalf("client body = %q, want %q", string(clientBytes), content)
	}
}
