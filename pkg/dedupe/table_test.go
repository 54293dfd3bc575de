package dedupe

import (
	"testing"
	"time"
)

func okResponse(body string) Response {
	return Response{StatusCode: 200, Body: []byte(body), Kind: BodyStructured, ContentType: "application/json"}
}

func TestTableBeginCreatesOnce(t *testing.T) {
	t.Parallel()
	tbl := NewTable(time.Hour)
	defer tbl.Close()

	e1, created := tbl.Begin("k")
	if !created {
		t.Fatal("first Begin should create")
	}
	if e1.State() != StatePending {
		t.Errorf("new entry state = %s, want pending", e1.State())
	}

	e2, created := tbl.Begin("k")
	if created {
		t.Error("second Begin should not create")
	}
	if e2 != e1 {
		t.Error("second Begin should return the existing entry")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d, want 1", tbl.Len())
	}
}

func TestTableCompleteReleasesWaiters(t *testing.T) {
	t.Parallel()
	tbl := NewTable(time.Hour)
	defer tbl.Close()

	e, _ := tbl.Begin("k")
	before := e.ExpiresAt()

	select {
	case <-e.Done():
		t.Fatal("done should not be closed while pending")
	default:
	}

	time.Sleep(2 * time.Millisecond)
	if !tbl.Complete(e, okResponse(`{"ok":true}`)) {
		t.Fatal("Complete returned false for a pending entry")
	}

	select {
	case <-e.Done():
	default:
		t.Fatal("done should be closed after Complete")
	}

	resp, ok := e.Response()
	if !ok {
		t.Fatal("completed entry should have a replayable response")
	}
	if string(resp.Body) != `{"ok":true}` || resp.StatusCode != 200 {
		t.Errorf("response = %d %s", resp.StatusCode, resp.Body)
	}
	if !e.ExpiresAt().After(before) {
		t.Error("Complete should push expiresAt forward")
	}
	if tbl.Lookup("k") != e {
		t.Error("completed entry should still be stored")
	}

	// Second transition is a no-op; signal fires at most once.
	if tbl.Complete(e, okResponse(`{"ok":false}`)) {
		t.Error("completing twice should be a no-op")
	}
	if tbl.Abandon(e) {
		t.Error("abandoning a completed entry should be a no-op")
	}
	resp, _ = e.Response()
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("response changed after no-op transitions: %s", resp.Body)
	}
}

func TestTableCompleteCopiesBody(t *testing.T) {
	t.Parallel()
	tbl := NewTable(time.Hour)
	defer tbl.Close()

	e, _ := tbl.Begin("k")
	body := []byte(`{"a":1}`)
	tbl.Complete(e, Response{StatusCode: 200, Body: body})
	body[2] = 'X'

	resp, _ := e.Response()
	if string(resp.Body) != `{"a":1}` {
		t.Errorf("stored body aliased the caller's slice: %s", resp.Body)
	}
}

func TestTableAbandon(t *testing.T) {
	t.Parallel()
	tbl := NewTable(time.Hour)
	defer tbl.Close()

	e, _ := tbl.Begin("k")
	if !tbl.Abandon(e) {
		t.Fatal("Abandon returned false for a pending entry")
	}
	if tbl.Lookup("k") != nil {
		t.Error("abandoned entry should be removed")
	}

	select {
	case <-e.Done():
	default:
		t.Fatal("done should be closed after Abandon")
	}
	if _, ok := e.Response(); ok {
		t.Error("abandoned entry should have no response")
	}
	if tbl.Complete(e, okResponse(`{}`)) {
		t.Error("completing an abandoned entry should be a no-op")
	}
	if tbl.Lookup("k") != nil {
		t.Error("a no-op Complete should not re-store the entry")
	}
}

func TestTableReaperEvictsCompleted(t *testing.T) {
	t.Parallel()
	tbl := NewTable(30 * time.Millisecond)
	defer tbl.Close()

	evicted := make(chan State, 1)
	tbl.onEvict = func(_ string, s State) { evicted <- s }

	e, _ := tbl.Begin("k")
	tbl.Complete(e, okResponse(`{}`))

	select {
	case s := <-evicted:
		if s != StateCompleted {
			t.Errorf("evicted state = %s, want completed", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("entry was not evicted")
	}
	if tbl.Lookup("k") != nil {
		t.Error("evicted entry still present")
	}
	if _, ok := e.Response(); ok {
		t.Error("response should not be replayable after its window")
	}
}

func TestTableReaperEvictsPendingWithoutSignal(t *testing.T) {
	t.Parallel()
	tbl := NewTable(20 * time.Millisecond)
	defer tbl.Close()

	e, _ := tbl.Begin("k")
	deadline := time.Now().Add(2 * time.Second)
	for tbl.Lookup("k") != nil {
		if time.Now().After(deadline) {
			t.Fatal("pending entry was not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-e.Done():
		t.Fatal("eviction must not fire the completion signal")
	default:
	}

	// The original finishing late re-stores its result.
	if !tbl.Complete(e, okResponse(`{"late":true}`)) {
		t.Fatal("late Complete should succeed")
	}
	if tbl.Lookup("k") != e {
		t.Error("late completion should be stored when the key is free")
	}
}

func TestTableCompleteRestartsTimer(t *testing.T) {
	t.Parallel()
	tbl := NewTable(60 * time.Millisecond)
	defer tbl.Close()

	e, _ := tbl.Begin("k")
	time.Sleep(40 * time.Millisecond)
	tbl.Complete(e, okResponse(`{}`))

	// The creation timer would have fired by now had it not been replaced.
	time.Sleep(35 * time.Millisecond)
	if tbl.Lookup("k") != e {
		t.Fatal("entry evicted by a stale timer")
	}
}

func TestTableSupersede(t *testing.T) {
	t.Parallel()
	tbl := NewTable(time.Hour)
	defer tbl.Close()

	stale, _ := tbl.Begin("k")

	fresh, created := tbl.Supersede("k", stale)
	if !created || fresh == stale {
		t.Fatal("Supersede should replace the stale entry")
	}

	// A second timed-out waiter holding the same stale entry must not
	// replace the fresh one.
	again, created := tbl.Supersede("k", stale)
	if created {
		t.Error("Supersede should not replace a newer entry")
	}
	if again != fresh {
		t.Error("Supersede should return the newer entry")
	}

	// The superseded original completing serves its own waiters only.
	if !tbl.Complete(stale, okResponse(`{"old":true}`)) {
		t.Fatal("completing the superseded entry should still succeed")
	}
	if tbl.Lookup("k") != fresh {
		t.Error("superseded completion must not displace the newer entry")
	}
	if resp, ok := stale.Response(); !ok || string(resp.Body) != `{"old":true}` {
		t.Error("superseded entry should still be replayable to its waiters")
	}
}

func TestTableSupersedeAbsentKeyCreates(t *testing.T) {
	t.Parallel()
	tbl := NewTable(time.Hour)
	defer tbl.Close()

	old, _ := tbl.Begin("k")
	tbl.Abandon(old)

	e, created := tbl.Supersede("k", old)
	if !created {
		t.Fatal("Supersede on a free key should create")
	}
	if tbl.Lookup("k") != e {
		t.Error("new entry not stored")
	}
}

func TestEntryResponseRespectsWindow(t *testing.T) {
	t.Parallel()
	tbl := NewTable(time.Hour)
	defer tbl.Close()

	now := time.Now()
	tbl.now = func() time.Time { return now }

	e, _ := tbl.Begin("k")
	tbl.Complete(e, okResponse(`{}`))

	if _, ok := e.Response(); !ok {
		t.Fatal("response should be replayable inside the window")
	}

	tbl.mu.Lock()
	tbl.now = func() time.Time { return now.Add(time.Hour) }
	tbl.mu.Unlock()

	if _, ok := e.Response(); ok {
		t.Error("response should not be replayable once expiresAt is reached")
	}
}
