package dedupe

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultReplayTTL       = 20 * time.Second
	DefaultMaxInFlightWait = 30 * time.Second
	DefaultMaxBodyBytes    = 4 << 20
)

// Options configures a Coalescer.
type Options struct {
	// MaxInFlightWait bounds how long a duplicate blocks on an in-flight
	// original before re-checking the table and, if needed, running itself.
	MaxInFlightWait time.Duration

	// InvokeMethods are the body "method" values eligible for coalescing.
	InvokeMethods []string

	// MaxBodyBytes caps how much of a body is buffered for fingerprinting.
	// Larger bodies bypass coalescing.
	MaxBodyBytes int64

	Metrics *Metrics
	Logger  *slog.Logger
}

// Coalescer is HTTP middleware that guarantees at most one concurrent
// execution per fingerprint. Duplicates of a completed request replay its
// response; duplicates of an in-flight request wait for it (bounded).
//
// Every failure inside the Coalescer degrades to "process normally": it
// changes whether work is repeated, never whether a request succeeds.
type Coalescer struct {
	table   *Table
	fp      *Fingerprinter
	maxWait time.Duration
	maxBody int64
	metrics *Metrics
	logger  *slog.Logger
}

// New creates a Coalescer over table. The table's TTL is the replay window.
func New(table *Table, opts Options) *Coalescer {
	if opts.MaxInFlightWait <= 0 {
		opts.MaxInFlightWait = DefaultMaxInFlightWait
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Coalescer{
		table:   table,
		fp:      NewFingerprinter(opts.InvokeMethods),
		maxWait: opts.MaxInFlightWait,
		maxBody: opts.MaxBodyBytes,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}

	table.mu.Lock()
	table.onEvict = func(key string, state State) {
		c.metrics.Record(OutcomeEvicted)
		c.logger.Debug("coalescing entry evicted", "key", shortKey(key), "state", state.String())
	}
	table.mu.Unlock()

	return c
}

// Table returns the entry table the Coalescer mutates.
func (c *Coalescer) Table() *Table { return c.table }

// Middleware wraps next with request coalescing.
func (c *Coalescer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := c.fingerprint(r)
		if !ok {
			c.metrics.Record(OutcomeBypass)
			next.ServeHTTP(w, r)
			return
		}
		c.serve(w, r, key, next)
	})
}

// fingerprint buffers the body (restoring it for next) and returns the key
// for eligible requests. Any failure means "not eligible".
func (c *Coalescer) fingerprint(r *http.Request) (string, bool) {
	if !mutatingMethods[r.Method] || r.Body == nil || r.Body == http.NoBody {
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, c.maxBody+1))
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
	if err != nil {
		c.logger.Debug("reading body for fingerprint failed, bypassing", "error", err)
		return "", false
	}
	if int64(len(body)) > c.maxBody {
		return "", false
	}

	if !c.fp.Eligible(r.Method, body) {
		return "", false
	}

	key, err := c.fp.Key(RequestInfo{
		Method:     r.Method,
		RequestURI: r.URL.RequestURI(),
		Query:      r.URL.Query(),
		Body:       body,
		Credential: r.Header.Get("Authorization"),
	})
	if err != nil {
		c.logger.Debug("fingerprint failed, bypassing", "error", err)
		return "", false
	}
	return key, true
}

// serve runs the replay / wait / execute decision for one eligible request.
func (c *Coalescer) serve(w http.ResponseWriter, r *http.Request, key string, next http.Handler) {
	logger := c.logger.With("key", shortKey(key))
	e, created := c.table.Begin(key)

	for {
		if created {
			c.metrics.Record(OutcomeMiss)
			c.execute(w, r, e, next, logger)
			return
		}

		if resp, ok := e.Response(); ok {
			c.metrics.Record(OutcomeHit)
			logger.Warn("duplicate request within replay window, returning cached response",
				"status", resp.StatusCode)
			c.replay(w, resp, logger)
			return
		}

		if e.State() == StateCompleted {
			// Completed but past its window; the reaper has not run yet.
			e, created = c.table.Supersede(key, e)
			continue
		}

		start := time.Now()
		released := c.wait(r.Context(), e)
		c.metrics.ObserveWait(time.Since(start))

		if resp, ok := e.Response(); ok {
			c.metrics.Record(OutcomeWaitHit)
			logger.Warn("duplicate request waited on in-flight original, returning its response",
				"waited", time.Since(start).String(), "status", resp.StatusCode)
			c.replay(w, resp, logger)
			return
		}

		if r.Context().Err() != nil {
			logger.Debug("caller went away while waiting on duplicate")
			return
		}

		if released {
			logger.Debug("in-flight original was abandoned, re-checking")
		} else {
			c.metrics.Record(OutcomeWaitTimeout)
			logger.Warn("in-flight wait timed out, re-checking before processing",
				"max_wait", c.maxWait.String())
		}

		// Re-check before acting: another duplicate may already have
		// completed or recreated the entry while we were blocked.
		if cur := c.table.Lookup(key); cur != nil && cur != e {
			e, created = cur, false
			continue
		}
		e, created = c.table.Supersede(key, e)
	}
}

// wait blocks until e is released, the in-flight wait elapses, or the
// caller goes away. It reports whether e was released.
func (c *Coalescer) wait(ctx context.Context, e *Entry) bool {
	timer := time.NewTimer(c.maxWait)
	defer timer.Stop()

	select {
	case <-e.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// execute runs next as the owner of e, capturing its response.
func (c *Coalescer) execute(w http.ResponseWriter, r *http.Request, e *Entry, next http.Handler, logger *slog.Logger) {
	rec := NewRecorder(w)
	finished := make(chan struct{})

	// Abrupt close: release waiters now instead of when next returns.
	go func() {
		select {
		case <-r.Context().Done():
			if !rec.HasBody() && c.table.Abandon(e) {
				c.metrics.Record(OutcomeAbandoned)
				logger.Debug("original request closed before responding, entry abandoned")
			}
		case <-finished:
		}
	}()

	panicked := true
	defer func() {
		close(finished)
		c.finalize(r, rec, e, panicked, logger)
	}()

	next.ServeHTTP(rec, r)
	panicked = false
}

// finalize caches what the owner produced, or abandons the entry when there
// is nothing complete to cache.
func (c *Coalescer) finalize(r *http.Request, rec *Recorder, e *Entry, panicked bool, logger *slog.Logger) {
	resp, ok := rec.Finalize()
	aborted := r.Context().Err() != nil && !rec.HasWhole()

	if ok && !panicked && !aborted {
		if c.table.Complete(e, resp) {
			logger.Debug("response captured for replay",
				"status", resp.StatusCode, "kind", resp.Kind.String(), "bytes", len(resp.Body))
		}
		return
	}

	if c.table.Abandon(e) {
		c.metrics.Record(OutcomeAbandoned)
		logger.Debug("no complete response captured, entry abandoned",
			"panicked", panicked, "aborted", aborted)
	}
}

func (c *Coalescer) replay(w http.ResponseWriter, resp Response, logger *slog.Logger) {
	if err := Replay(w, resp); err != nil {
		logger.Debug("writing replayed response failed", "error", err)
	}
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
