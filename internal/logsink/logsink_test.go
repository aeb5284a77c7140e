package logsink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"airbridge/internal/observability"
	"airbridge/pkg/backoff"
)

func TestReadRunLog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.log")
	body := `{"msg":"cycle started"}` + "\n\n" + `{"msg":"cycle done"}` + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := ReadRunLog("faker", "1700000000", path)
	if err != nil {
		t.Fatalf("ReadRunLog: %v", err)
	}
	if b.JobID != "faker" || b.RunID != "1700000000" {
		t.Errorf("batch identity = %s/%s", b.JobID, b.RunID)
	}
	if len(b.Lines) != 2 {
		t.Fatalf("got %d lines, want 2 (blank skipped)", len(b.Lines))
	}
	if b.Lines[1].Text != `{"msg":"cycle done"}` {
		t.Errorf("line = %q", b.Lines[1].Text)
	}
	if b.Lines[0].Timestamp.IsZero() {
		t.Error("lines must be timestamped")
	}
}

func TestHTTPSinkPostsPerRunStream(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
	}))
	defer srv.Close()

	sink := &HTTPSink{URL: srv.URL}
	b := Batch{
		JobID: "faker",
		RunID: "1700000000",
		Lines: []Line{{Timestamp: time.Unix(1700000000, 0).UTC(), Text: "hello"}},
	}
	if err := sink.Ship(context.Background(), b); err != nil {
		t.Fatalf("Ship: %v", err)
	}
	if gotPath != "/faker/1700000000" {
		t.Errorf("path = %q, want /faker/1700000000", gotPath)
	}
	if !strings.Contains(gotBody, "hello") {
		t.Errorf("body = %q, want line content", gotBody)
	}
}

func TestHTTPSinkRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	sink := &HTTPSink{URL: srv.URL}
	if err := sink.Ship(context.Background(), Batch{JobID: "x", RunID: "1"}); err == nil {
		t.Error("expected error for 403 response")
	}
}

// recordingSink collects shipped batches and can fail the first n calls.
type recordingSink struct {
	mu       sync.Mutex
	batches  []Batch
	failures atomic.Int32
}

func (s *recordingSink) Ship(_ context.Context, b Batch) error {
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return errors.New("transient")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestShipperDeliversWithRetry(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	sink.failures.Store(2)

	sh := NewShipper(sink, Config{
		Workers:   1,
		QueueSize: 4,
		Retry:     backoff.Policy{Initial: time.Millisecond, Attempts: 3},
	}, nil)

	if err := sh.Enqueue(Batch{JobID: "faker", RunID: "1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sh.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if sink.count() != 1 {
		t.Errorf("delivered %d batches, want 1", sink.count())
	}
	stats := sh.Stats()
	if stats.Shipped != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want shipped=1 failed=0", stats)
	}
}

func TestShipperDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	sink := blockingSink{release: block}
	sh := NewShipper(sink, Config{Workers: 1, QueueSize: 1}, nil)

	// First batch occupies the worker, second fills the queue, third drops.
	sh.Enqueue(Batch{RunID: "1"})
	time.Sleep(50 * time.Millisecond)
	sh.Enqueue(Batch{RunID: "2"})
	err := sh.Enqueue(Batch{RunID: "3"})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	if sh.Stats().Dropped != 1 {
		t.Errorf("dropped = %d, want 1", sh.Stats().Dropped)
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sh.Close(ctx)
}

type blockingSink struct {
	release chan struct{}
}

func (s blockingSink) Ship(context.Context, Batch) error {
	<-s.release
	return nil
}

func TestShipperRejectsAfterClose(t *testing.T) {
	t.Parallel()

	sh := NewShipper(&recordingSink{}, Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sh.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sh.Enqueue(Batch{}); !errors.Is(err, ErrShipperClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrShipperClosed", err)
	}
	// Idempotent close.
	if err := sh.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestEnqueueConcurrentWithClose(t *testing.T) {
	t.Parallel()

	sh := NewShipper(&recordingSink{}, Config{Workers: 2, QueueSize: 4}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			err := sh.Enqueue(Batch{JobID: "faker", RunID: "1"})
			if errors.Is(err, ErrShipperClosed) {
				return
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sh.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// The enqueuer must observe the closed shipper, never a panic.
	<-done
}

func TestShipperRecordsMetrics(t *testing.T) {
	t.Parallel()

	metrics, _, err := observability.NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	failing := &recordingSink{}
	failing.failures.Store(10)
	sh := NewShipper(failing, Config{
		Workers:   1,
		QueueSize: 4,
		Retry:     backoff.Policy{Initial: time.Millisecond, Attempts: 1},
		Metrics:   metrics,
	}, nil)

	sh.Enqueue(Batch{JobID: "faker", RunID: "1"})
	sh.Enqueue(Batch{JobID: "faker", RunID: "2"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sh.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stats := sh.Stats()
	if stats.Failed != 2 {
		t.Errorf("failed = %d, want 2", stats.Failed)
	}
}
