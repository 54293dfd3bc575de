// Package dedupe coalesces duplicate tool invocations arriving at the relay.
//
// LLM clients retry tool calls aggressively. A retry that lands while the
// original call is still running must not start a second execution, and a
// retry that lands shortly after must get the original answer back. The
// package is split into four pieces:
//
//   - Fingerprint reduces a request to a cache key (or declines it).
//   - Table holds one Entry per key and owns every state transition.
//   - Recorder wraps the http.ResponseWriter of the original request and
//     captures whatever it emits.
//   - Coalescer is the middleware that ties them together and makes
//     duplicates replay or wait.
//
// Nothing here survives a restart. Entries are evicted by a per-entry timer;
// there is no background sweep.
package dedupe

import (
	"sync"
	"time"
)

// State is the lifecycle state of an Entry.
type State int

const (
	// StatePending means the original request is still being processed.
	StatePending State = iota
	// StateCompleted means a response was captured and can be replayed.
	StateCompleted
	// stateAbandoned means the entry was removed before anything was captured.
	// Never visible through Lookup; waiters holding the entry observe it.
	stateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case stateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// BodyKind tells replay how to re-emit a captured body.
type BodyKind int

const (
	// BodyStructured is a JSON document.
	BodyStructured BodyKind = iota
	// BodyOpaque is text or binary emitted as-is.
	BodyOpaque
)

func (k BodyKind) String() string {
	if k == BodyStructured {
		return "structured"
	}
	return "opaque"
}

// Response is a captured response, replayed verbatim to duplicates.
type Response struct {
	StatusCode  int
	Body        []byte
	Kind        BodyKind
	ContentType string
}

// Entry is the cache record for one logical request.
//
// All fields are guarded by the owning Table's mutex. Callers only touch
// an Entry through the Table or through the read accessors below.
type Entry struct {
	table *Table
	key   string

	state     State
	expiresAt time.Time
	response  *Response

	done     chan struct{} // closed once, on completion or abandonment
	timer    *time.Timer
	timerGen uint64 // bumped on every reschedule so a stale callback is a no-op
}

// Key returns the fingerprint this entry is stored under.
func (e *Entry) Key() string { return e.key }

// Done returns a channel closed when the entry completes or is abandoned.
func (e *Entry) Done() <-chan struct{} { return e.done }

// State returns the current lifecycle state.
func (e *Entry) State() State {
	e.table.mu.Lock()
	defer e.table.mu.Unlock()
	return e.state
}

// ExpiresAt returns when the reaper will evict this entry.
func (e *Entry) ExpiresAt() time.Time {
	e.table.mu.Lock()
	defer e.table.mu.Unlock()
	return e.expiresAt
}

// Response returns the captured response if the entry is completed and has
// not yet expired.
func (e *Entry) Response() (Response, bool) {
	e.table.mu.Lock()
	defer e.table.mu.Unlock()
	if e.state != StateCompleted || e.response == nil {
		return Response{}, false
	}
	if !e.table.now().Before(e.expiresAt) {
		return Response{}, false
	}
	return *e.response, true
}

// Table maps fingerprints to entries. It is created once per server and
// passed to the Coalescer; there is no package-level instance.
//
// Every exported method runs under a single mutex acquisition, so a
// check-then-create (Begin) or check-then-replace (Supersede) is atomic.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
	ttl     time.Duration
	now     func() time.Time

	// onEvict is invoked (outside the lock) after the reaper removes an entry.
	onEvict func(key string, state State)
}

// NewTable creates an empty table whose entries live for ttl after each
// transition.
func NewTable(ttl time.Duration) *Table {
	return &Table{
		entries: make(map[string]*Entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// TTL returns the replay window.
func (t *Table) TTL() time.Duration { return t.ttl }

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Lookup returns the entry stored under key, or nil.
func (t *Table) Lookup(key string) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key]
}

// Begin returns the entry for key, creating a Pending one if none exists.
// created reports whether the caller now owns execution for this key.
func (t *Table) Begin(key string) (e *Entry, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[key]; ok {
		return existing, false
	}
	return t.createLocked(key), true
}

// Supersede replaces stale with a fresh Pending entry, but only if stale (or
// nothing) is still what the table holds for key. If another caller already
// recreated the entry, that entry is returned with created=false and the
// caller must wait on it instead of executing.
//
// Used by waiters that timed out on an original which is still running.
func (t *Table) Supersede(key string, stale *Entry) (e *Entry, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[key]
	if ok && existing != stale {
		return existing, false
	}
	if ok {
		t.stopTimerLocked(existing)
	}
	return t.createLocked(key), true
}

// Complete moves e from Pending to Completed, stores resp, pushes expiresAt
// to now+TTL, reschedules eviction and releases waiters.
//
// Completing an entry that was abandoned or already completed is a no-op.
// If the reaper already evicted a pending entry and nothing replaced it, the
// completed entry is stored again so later duplicates can replay it.
func (t *Table) Complete(e *Entry, resp Response) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.state != StatePending {
		return false
	}

	stored := resp
	stored.Body = append([]byte(nil), resp.Body...)
	e.state = StateCompleted
	e.response = &stored

	if cur, ok := t.entries[e.key]; !ok || cur == e {
		t.entries[e.key] = e
		t.scheduleLocked(e)
	} else {
		// A newer entry owns the key; this one only serves its own waiters.
		t.stopTimerLocked(e)
		e.expiresAt = t.now().Add(t.ttl)
	}

	close(e.done)
	return true
}

// Abandon removes a pending entry immediately and releases its waiters with
// no response. It has no effect on a completed entry.
func (t *Table) Abandon(e *Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.state != StatePending {
		return false
	}

	e.state = stateAbandoned
	t.stopTimerLocked(e)
	if t.entries[e.key] == e {
		delete(t.entries, e.key)
	}
	close(e.done)
	return true
}

// Close stops every eviction timer and empties the table.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		t.stopTimerLocked(e)
		delete(t.entries, key)
	}
}

func (t *Table) createLocked(key string) *Entry {
	e := &Entry{
		table: t,
		key:   key,
		state: StatePending,
		done:  make(chan struct{}),
	}
	t.entries[key] = e
	t.scheduleLocked(e)
	return e
}

// scheduleLocked cancels the entry's current eviction callback and arms a
// new one at now+TTL. Exactly one callback is live per entry.
func (t *Table) scheduleLocked(e *Entry) {
	t.stopTimerLocked(e)
	e.expiresAt = t.now().Add(t.ttl)
	gen := e.timerGen
	e.timer = time.AfterFunc(t.ttl, func() { t.expire(e, gen) })
}

func (t *Table) stopTimerLocked(e *Entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

// expire is the reaper callback. It evicts e only if the callback is still
// the current one for e and e is still the entry stored under its key.
func (t *Table) expire(e *Entry, gen uint64) {
	t.mu.Lock()
	if e.timerGen != gen || t.entries[e.key] != e {
		t.mu.Unlock()
		return
	}
	delete(t.entries, e.key)
	e.timer = nil
	e.timerGen++
	state := e.state
	onEvict := t.onEvict
	t.mu.Unlock()

	if onEvict != nil {
		onEvict(e.key, state)
	}
}
