package coalescer

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hszk-dev/gostream-edge/internal/core"
)

func TestDo_ConcurrentCallsShareOneHandlerInvocation(t *testing.T) {
	c := New()

	var calls int32
	release := make(chan struct{})
	started := make(chan struct{})

	handler := func() (*core.Response, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return &core.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"video/mp4"}},
			Body:       io.NopCloser(strings.NewReader("payload")),
		}, nil
	}

	const waiters = 100
	var wg sync.WaitGroup
	results := make([]*core.Response, waiters)
	shares := make([]bool, waiters)
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func(i int) {
			defer wg.Done()
			resp, shared, err := c.Do("fingerprint-a", handler)
			if err != nil {
				t.Errorf("Do() error = %v", err)
				return
			}
			results[i] = resp
			shares[i] = shared
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("handler invoked %d times, want exactly 1", got)
	}

	sharedCount := 0
	for _, s := range shares {
		if s {
			sharedCount++
		}
	}
	if sharedCount != waiters-1 {
		t.Fatalf("shared = %d, want %d (all but the initiator)", sharedCount, waiters-1)
	}

	for i, resp := range results {
		if resp == nil {
			t.Fatalf("result %d is nil", i)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("result %d: reading body: %v", i, err)
		}
		if string(body) != "payload" {
			t.Fatalf("result %d body = %q, want %q", i, body, "payload")
		}
	}
}

func TestDo_IndependentWaiterBodiesDoNotInterfere(t *testing.T) {
	c := New()
	handler := func() (*core.Response, error) {
		return &core.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("shared body")),
		}, nil
	}

	resp1, _, err := c.Do("fp", handler)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp2, _, err := c.Do("fp", handler)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	// Partially drain resp1's body; resp2 must still read in full.
	buf := make([]byte, 6)
	if _, err := io.ReadFull(resp1.Body, buf); err != nil {
		t.Fatalf("reading resp1 partially: %v", err)
	}

	body2, err := io.ReadAll(resp2.Body)
	if err != nil {
		t.Fatalf("reading resp2: %v", err)
	}
	if string(body2) != "shared body" {
		t.Fatalf("resp2 body = %q, want %q", body2, "shared body")
	}
}

func TestDo_DifferentFingerprintsRunIndependently(t *testing.T) {
	c := New()
	var callsA, callsB int32

	handlerA := func() (*core.Response, error) {
		atomic.AddInt32(&callsA, 1)
		return &core.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("a"))}, nil
	}
	handlerB := func() (*core.Response, error) {
		atomic.AddInt32(&callsB, 1)
		return &core.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("b"))}, nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.Do("fp-a", handlerA) }()
	go func() { defer wg.Done(); c.Do("fp-b", handlerB) }()
	wg.Wait()

	if callsA != 1 || callsB != 1 {
		t.Fatalf("callsA=%d callsB=%d, want 1 and 1", callsA, callsB)
	}
}

func TestDo_HandlerErrorPropagatesToAllWaiters(t *testing.T) {
	c := New()
	wantErr := io.ErrUnexpectedEOF
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	handler := func() (*core.Response, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, wantErr
	}

	const waiters = 10
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func(i int) {
			defer wg.Done()
			_, _, err := c.Do("fp-err", handler)
			errs[i] = err
		}(i)
	}
	<-started
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != wantErr {
			t.Fatalf("waiter %d error = %v, want %v", i, err, wantErr)
		}
	}
}

func TestCurrentStats_ReflectsInFlightFingerprints(t *testing.T) {
	c := New()
	release := make(chan struct{})
	started := make(chan struct{})

	go c.Do("fp-stats", func() (*core.Response, error) {
		close(started)
		<-release
		return &core.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
	})
	<-started

	if got := c.CurrentStats().InFlightFingerprints; got != 1 {
		t.Fatalf("CurrentStats().InFlightFingerprints = %d, want 1", got)
	}

	close(release)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.CurrentStats().InFlightFingerprints == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("CurrentStats().InFlightFingerprints did not settle back to 0")
}
