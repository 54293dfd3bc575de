package dedupe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const invokeBody = `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"generate-image","arguments":{"imageprompt":"a cat"}}}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoalescer(t *testing.T, ttl, maxWait time.Duration) (*Coalescer, *Metrics) {
	t.Helper()
	table := NewTable(ttl)
	t.Cleanup(table.Close)
	metrics := NewMetrics(prometheus.NewRegistry(), table)
	c := New(table, Options{
		MaxInFlightWait: maxWait,
		Metrics:         metrics,
		Logger:          testLogger(),
	})
	return c, metrics
}

func invokeRequest(ctx context.Context, auth string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(invokeBody))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	return req
}

// countingHandler writes {"call":N} and counts invocations. It also checks
// that the body reaching it is intact.
func countingHandler(t *testing.T, calls *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != invokeBody {
			t.Errorf("handler saw body %q", body)
		}
		n := calls.Add(1)
		WriteJSON(w, http.StatusOK, map[string]int32{"call": n})
	})
}

func onlyEntry(t *testing.T, tbl *Table) *Entry {
	t.Helper()
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if len(tbl.entries) != 1 {
		t.Fatalf("table holds %d entries, want 1", len(tbl.entries))
	}
	for _, e := range tbl.entries {
		return e
	}
	return nil
}

func TestCoalescerReplaysCompletedResponse(t *testing.T) {
	t.Parallel()
	c, metrics := newTestCoalescer(t, time.Minute, time.Second)

	var calls atomic.Int32
	h := c.Middleware(countingHandler(t, &calls))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, invokeRequest(nil, "Bearer a"))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, invokeRequest(nil, "Bearer a"))

	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", calls.Load())
	}
	if second.Code != first.Code {
		t.Errorf("replayed status %d, original %d", second.Code, first.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body %q, original %q", second.Body.String(), first.Body.String())
	}
	if got := testutil.ToFloat64(metrics.requests.WithLabelValues(OutcomeHit)); got != 1 {
		t.Errorf("hit count = %v, want 1", got)
	}
	if c.Table().Len() != 1 {
		t.Errorf("table holds %d entries, want 1", c.Table().Len())
	}
}

func TestCoalescerConcurrentDuplicatesExecuteOnce(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoalescer(t, time.Minute, 5*time.Second)

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}))

	const n = 8
	results := make([]*httptest.ResponseRecorder, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		results[i] = httptest.NewRecorder()
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ServeHTTP(results[i], invokeRequest(nil, "Bearer a"))
		}()
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", calls.Load())
	}
	for i, rr := range results {
		if rr.Code != http.StatusOK {
			t.Errorf("result %d: status %d", i, rr.Code)
		}
		if strings.TrimSpace(rr.Body.String()) != `{"ok":true}` {
			t.Errorf("result %d: body %q", i, rr.Body.String())
		}
	}
}

func TestCoalescerExpiryReexecutes(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoalescer(t, 40*time.Millisecond, time.Second)

	var calls atomic.Int32
	h := c.Middleware(countingHandler(t, &calls))

	h.ServeHTTP(httptest.NewRecorder(), invokeRequest(nil, ""))
	time.Sleep(120 * time.Millisecond)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, invokeRequest(nil, ""))

	if calls.Load() != 2 {
		t.Fatalf("handler ran %d times, want 2", calls.Load())
	}
	if !strings.Contains(rr.Body.String(), `"call":2`) {
		t.Errorf("second response should be fresh, got %q", rr.Body.String())
	}
}

func TestCoalescerBypass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		body   string
	}{
		{"get", http.MethodGet, invokeBody},
		{"non-invoke method", http.MethodPost, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`},
		{"not json", http.MethodPost, `method=tools/call`},
		{"empty body", http.MethodPost, ``},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, metrics := newTestCoalescer(t, time.Minute, time.Second)

			var calls atomic.Int32
			var bodies []string
			var mu sync.Mutex
			h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				mu.Lock()
				bodies = append(bodies, string(b))
				mu.Unlock()
				calls.Add(1)
				w.WriteHeader(http.StatusOK)
			}))

			for j := 0; j < 2; j++ {
				req := httptest.NewRequest(tt.method, "/mcp", strings.NewReader(tt.body))
				h.ServeHTTP(httptest.NewRecorder(), req)
			}

			if calls.Load() != 2 {
				t.Errorf("handler ran %d times, want 2", calls.Load())
			}
			for _, b := range bodies {
				if b != tt.body {
					t.Errorf("handler saw body %q, want %q", b, tt.body)
				}
			}
			if c.Table().Len() != 0 {
				t.Errorf("bypassed requests should not create entries, got %d", c.Table().Len())
			}
			if got := testutil.ToFloat64(metrics.requests.WithLabelValues(OutcomeBypass)); got != 2 {
				t.Errorf("bypass count = %v, want 2", got)
			}
		})
	}
}

func TestCoalescerOversizedBodyBypasses(t *testing.T) {
	t.Parallel()
	table := NewTable(time.Minute)
	t.Cleanup(table.Close)
	c := New(table, Options{MaxBodyBytes: 16, Logger: testLogger()})

	var calls atomic.Int32
	h := c.Middleware(countingHandler(t, &calls))
	h.ServeHTTP(httptest.NewRecorder(), invokeRequest(nil, ""))
	h.ServeHTTP(httptest.NewRecorder(), invokeRequest(nil, ""))

	if calls.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", calls.Load())
	}
}

func TestCoalescerCredentialsAreSeparate(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoalescer(t, time.Minute, time.Second)

	var calls atomic.Int32
	h := c.Middleware(countingHandler(t, &calls))

	h.ServeHTTP(httptest.NewRecorder(), invokeRequest(nil, "Bearer a"))
	h.ServeHTTP(httptest.NewRecorder(), invokeRequest(nil, "Bearer b"))
	h.ServeHTTP(httptest.NewRecorder(), invokeRequest(nil, ""))

	if calls.Load() != 3 {
		t.Errorf("handler ran %d times, want 3", calls.Load())
	}
}

func TestCoalescerAbandonedOriginalReleasesWaiter(t *testing.T) {
	t.Parallel()
	c, metrics := newTestCoalescer(t, time.Minute, 10*time.Second)

	var calls atomic.Int32
	started := make(chan struct{})
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(started)
			<-r.Context().Done() // client hangs up before we answer
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"from": "retry"})
	}))

	ctx, cancel := context.WithCancel(context.Background())
	origDone := make(chan struct{})
	go func() {
		defer close(origDone)
		h.ServeHTTP(httptest.NewRecorder(), invokeRequest(ctx, ""))
	}()
	<-started

	dupDone := make(chan *httptest.ResponseRecorder)
	go func() {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, invokeRequest(nil, ""))
		dupDone <- rr
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case rr := <-dupDone:
		if !strings.Contains(rr.Body.String(), `"retry"`) {
			t.Errorf("waiter should have processed independently, got %q", rr.Body.String())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("waiter blocked after the original was abandoned")
	}
	<-origDone

	if calls.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", calls.Load())
	}
	if got := testutil.ToFloat64(metrics.requests.WithLabelValues(OutcomeAbandoned)); got != 1 {
		t.Errorf("abandoned count = %v, want 1", got)
	}
}

func TestCoalescerWaitTimeoutTakesOver(t *testing.T) {
	t.Parallel()
	c, metrics := newTestCoalescer(t, time.Minute, 50*time.Millisecond)

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			close(started)
			<-release
		}
		WriteJSON(w, http.StatusOK, map[string]int32{"call": n})
	}))

	origDone := make(chan *httptest.ResponseRecorder)
	go func() {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, invokeRequest(nil, ""))
		origDone <- rr
	}()
	<-started

	dup := httptest.NewRecorder()
	h.ServeHTTP(dup, invokeRequest(nil, ""))
	if !strings.Contains(dup.Body.String(), `"call":2`) {
		t.Errorf("timed-out duplicate should have run itself, got %q", dup.Body.String())
	}

	// A later duplicate replays the takeover's result, not a third run.
	later := httptest.NewRecorder()
	h.ServeHTTP(later, invokeRequest(nil, ""))
	if later.Body.String() != dup.Body.String() {
		t.Errorf("later duplicate got %q, want %q", later.Body.String(), dup.Body.String())
	}

	close(release)
	orig := <-origDone
	if !strings.Contains(orig.Body.String(), `"call":1`) {
		t.Errorf("original response = %q", orig.Body.String())
	}

	if calls.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", calls.Load())
	}
	if got := testutil.ToFloat64(metrics.requests.WithLabelValues(OutcomeWaitTimeout)); got != 1 {
		t.Errorf("wait_timeout count = %v, want 1", got)
	}
}

func TestCoalescerStreamedResponseReplaysSamePayload(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoalescer(t, time.Minute, time.Second)

	var calls atomic.Int32
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		for _, chunk := range []string{`{"result":`, `{"content":[`, `{"type":"text","text":"hi"}`, `]}}`} {
			fmt.Fprint(w, chunk)
			w.(http.Flusher).Flush()
		}
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, invokeRequest(nil, ""))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, invokeRequest(nil, ""))

	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", calls.Load())
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed %q, original %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Errorf("replayed Content-Type = %q", second.Header().Get("Content-Type"))
	}

	resp, ok := onlyEntry(t, c.Table()).Response()
	if !ok || resp.Kind != BodyStructured {
		t.Errorf("streamed JSON should be captured as structured, got ok=%v kind=%s", ok, resp.Kind)
	}
}

func TestCoalescerPanicAbandons(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoalescer(t, time.Minute, time.Second)

	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"partial":`))
		panic("boom")
	}))

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic should propagate to the server")
			}
		}()
		h.ServeHTTP(httptest.NewRecorder(), invokeRequest(nil, ""))
	}()

	if c.Table().Len() != 0 {
		t.Errorf("partial response from a panicking handler was kept")
	}
}

// A duplicate arriving 10ms after an original that takes 200ms blocks until
// the original finishes and receives its result; the tool runs once.
func TestCoalescerDuplicateWaitsForSlowOriginal(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoalescer(t, time.Minute, 3*time.Second)

	var calls atomic.Int32
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
		WriteJSON(w, http.StatusOK, map[string]string{"url": "https://x/img.png"})
	}))

	start := time.Now()
	origDone := make(chan struct{})
	go func() {
		defer close(origDone)
		h.ServeHTTP(httptest.NewRecorder(), invokeRequest(nil, "Bearer a"))
	}()

	time.Sleep(10 * time.Millisecond)
	dup := httptest.NewRecorder()
	h.ServeHTTP(dup, invokeRequest(nil, "Bearer a"))
	elapsed := time.Since(start)
	<-origDone

	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
	if dup.Code != http.StatusOK || strings.TrimSpace(dup.Body.String()) != `{"url":"https://x/img.png"}` {
		t.Errorf("duplicate got %d %q", dup.Code, dup.Body.String())
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("duplicate returned after %s, before the original could have finished", elapsed)
	}
}
