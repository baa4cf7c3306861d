package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mercatus/mercsync/internal/entity"
	"github.com/mercatus/mercsync/internal/erpclient"
	"github.com/mercatus/mercsync/internal/notify"
	"github.com/mercatus/mercsync/internal/store"
)

// fakeAPI implements API with per-collection canned data, injectable
// failures, and a call log for ordering assertions.
type fakeAPI struct {
	mu          sync.Mutex
	calls       []string
	collections map[string][]entity.Record
	fetchErr    map[string]error
	applyFn     func(m erpclient.MutationRequest) (json.RawMessage, error)

	// fetchGate, when set, blocks every fetch until the channel is closed.
	// fetchStarted receives one value per fetch that has begun.
	fetchGate    chan struct{}
	fetchStarted chan struct{}
}

func (f *fakeAPI) FetchCollection(ctx context.Context, collection string) ([]entity.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "fetch "+collection)
	gate := f.fetchGate
	started := f.fetchStarted
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[collection]; err != nil {
		return nil, err
	}
	return f.collections[collection], nil
}

func (f *fakeAPI) Apply(ctx context.Context, m erpclient.MutationRequest) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "apply "+payloadID(m.Payload)+" "+m.Endpoint)
	fn := f.applyFn
	f.mu.Unlock()
	if fn != nil {
		return fn(m)
	}
	return json.RawMessage(`{"id":"srv-1"}`), nil
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) countCalls(prefix string) int {
	n := 0
	for _, c := range f.callLog() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func payloadID(payload json.RawMessage) string {
	var fields struct {
		ID string `json:"id"`
	}
	json.Unmarshal(payload, &fields)
	return fields.ID
}

// capturePub records published events.
type capturePub struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *capturePub) Publish(ev notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePub) ofType(typ string) []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notify.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTestEngine(t *testing.T, api *fakeAPI, online bool) (*Engine, store.Store, *capturePub) {
	t.Helper()
	st := store.NewMemory()
	pub := &capturePub{}
	isOnline := func() bool { return online }
	eng := New(st, api, Config{
		Interval:    time.Hour,
		MaxRetries:  3,
		Collections: []string{entity.Products, entity.Staff},
	}, pub, isOnline)
	return eng, st, pub
}

func enqueueCreate(t *testing.T, st store.Store, id string) int64 {
	t.Helper()
	seq, err := st.Enqueue(store.Mutation{
		Collection: entity.Products,
		Action:     entity.ActionCreate,
		RecordID:   "local-" + id,
		Payload:    json.RawMessage(`{"id":"` + id + `"}`),
		Endpoint:   "/api/products/",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return seq
}

func TestCycleDrainsQueueBeforeRefreshing(t *testing.T) {
	api := &fakeAPI{
		collections: map[string][]entity.Record{
			entity.Products: {{ID: "p1", Data: json.RawMessage(`{"id":"p1"}`)}},
			entity.Staff:    {{ID: "s1", Data: json.RawMessage(`{"id":"s1"}`)}},
		},
	}
	eng, st, _ := newTestEngine(t, api, true)

	for _, id := range []string{"a", "b", "c"} {
		enqueueCreate(t, st, id)
	}

	res, err := eng.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if res.Drained != 3 {
		t.Errorf("drained: got %d, want 3", res.Drained)
	}
	if res.Skipped {
		t.Error("cycle should not be skipped while online")
	}

	// The queue replays oldest first, and the whole drain precedes any fetch.
	calls := api.callLog()
	wantPrefix := []string{
		"apply a /api/products/",
		"apply b /api/products/",
		"apply c /api/products/",
	}
	if len(calls) < len(wantPrefix) {
		t.Fatalf("too few calls: %v", calls)
	}
	for i, want := range wantPrefix {
		if calls[i] != want {
			t.Errorf("call %d: got %q, want %q", i, calls[i], want)
		}
	}
	for _, c := range calls[:3] {
		if strings.HasPrefix(c, "fetch") {
			t.Errorf("fetch before drain finished: %v", calls)
		}
	}
	if api.countCalls("fetch") != 2 {
		t.Errorf("fetch calls: got %d, want one per collection", api.countCalls("fetch"))
	}

	n, err := st.CountPending()
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if n != 0 {
		t.Errorf("pending after drain: got %d, want 0", n)
	}
	if eng.State() != StateIdle {
		t.Errorf("state: got %s, want idle", eng.State())
	}
	if eng.LastSync().IsZero() {
		t.Error("last sync not recorded")
	}
}

func TestOfflineCycleSkipsWithoutTouchingServer(t *testing.T) {
	api := &fakeAPI{}
	eng, st, pub := newTestEngine(t, api, false)
	enqueueCreate(t, st, "a")

	res, err := eng.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if !res.Skipped {
		t.Error("offline cycle should report skipped")
	}
	if len(api.callLog()) != 0 {
		t.Errorf("offline cycle made server calls: %v", api.callLog())
	}
	if eng.State() != StateOffline {
		t.Errorf("state: got %s, want offline", eng.State())
	}
	// Nothing started, so no sync notifications either.
	if evs := pub.ofType(notify.TypeSyncStarted); len(evs) != 0 {
		t.Errorf("unexpected sync-started events: %d", len(evs))
	}

	n, _ := st.CountPending()
	if n != 1 {
		t.Errorf("queue must be preserved offline: got %d pending", n)
	}
}

func TestRefreshReplacesAndFailsInIsolation(t *testing.T) {
	api := &fakeAPI{
		collections: map[string][]entity.Record{
			entity.Staff: {{ID: "s1", Data: json.RawMessage(`{"id":"s1","name":"Ana"}`)}},
		},
		fetchErr: map[string]error{
			entity.Products: fmt.Errorf("%w: connection reset", erpclient.ErrNetwork),
		},
	}
	eng, st, _ := newTestEngine(t, api, true)

	// Seed cached copies: products has a stale record that must survive the
	// failed fetch, staff has one that must be replaced away.
	if err := st.Put(entity.Products, entity.Record{ID: "stale-p", Data: json.RawMessage(`{"id":"stale-p"}`)}); err != nil {
		t.Fatalf("seed products: %v", err)
	}
	if err := st.Put(entity.Staff, entity.Record{ID: "stale-s", Data: json.RawMessage(`{"id":"stale-s"}`)}); err != nil {
		t.Fatalf("seed staff: %v", err)
	}

	res, err := eng.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("partial refresh must not fail the cycle: %v", err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], entity.Products) {
		t.Errorf("warnings: got %v, want one naming products", res.Warnings)
	}
	if eng.State() != StateIdle {
		t.Errorf("state after partial sync: got %s, want idle", eng.State())
	}

	// Fresh staff data, replace-not-merge.
	staff := res.Collections[entity.Staff]
	if len(staff) != 1 || staff[0].ID != "s1" {
		t.Errorf("staff result: got %+v, want only s1", staff)
	}
	stored, err := st.GetAll(entity.Staff)
	if err != nil {
		t.Fatalf("get staff: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != "s1" {
		t.Errorf("stored staff: got %+v, want stale record dropped", stored)
	}

	// Failed products fetch falls back to the cached copy.
	products := res.Collections[entity.Products]
	if len(products) != 1 || products[0].ID != "stale-p" {
		t.Errorf("products result: got %+v, want the cached copy", products)
	}

	// Only the fresh collection earns sync metadata.
	if meta, _ := st.GetSyncMeta(entity.Staff); meta == nil {
		t.Error("staff sync meta missing after successful refresh")
	}
	if meta, _ := st.GetSyncMeta(entity.Products); meta != nil {
		t.Error("products must not gain sync meta from a failed fetch")
	}
}

func TestConcurrentForceSyncSharesOneCycle(t *testing.T) {
	api := &fakeAPI{
		collections:  map[string][]entity.Record{},
		fetchGate:    make(chan struct{}),
		fetchStarted: make(chan struct{}, 4),
	}
	eng, _, _ := newTestEngine(t, api, true)

	type syncResult struct {
		res *Result
		err error
	}
	results := make(chan syncResult, 2)
	run := func() {
		res, err := eng.ForceSync(context.Background())
		results <- syncResult{res, err}
	}

	go run()
	// Wait until the first cycle is mid-refresh, then trigger again.
	<-api.fetchStarted
	go run()
	time.Sleep(50 * time.Millisecond)
	close(api.fetchGate)

	first := <-results
	second := <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("force sync: %v / %v", first.err, second.err)
	}
	if first.res != second.res {
		t.Error("concurrent triggers should share the in-flight cycle's result")
	}
	for _, collection := range []string{entity.Products, entity.Staff} {
		if n := api.countCalls("fetch " + collection); n != 1 {
			t.Errorf("fetch %s: got %d calls, want exactly 1", collection, n)
		}
	}
}

func TestNetworkFailureRetriesThenDeadLetters(t *testing.T) {
	api := &fakeAPI{
		collections: map[string][]entity.Record{},
		applyFn: func(m erpclient.MutationRequest) (json.RawMessage, error) {
			return nil, fmt.Errorf("%w: connection refused", erpclient.ErrNetwork)
		},
	}
	eng, st, _ := newTestEngine(t, api, true)
	seq := enqueueCreate(t, st, "a")

	// MaxRetries is 3: two cycles bump the counter, the third abandons.
	for i := 0; i < 2; i++ {
		res, err := eng.ForceSync(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if res.DeadLettered != 0 {
			t.Fatalf("cycle %d dead-lettered too early", i)
		}
	}
	pending, _ := st.ListPending()
	if len(pending) != 1 || pending[0].RetryCount != 2 {
		t.Fatalf("after two cycles: %+v, want retry count 2", pending)
	}

	res, err := eng.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("final cycle: %v", err)
	}
	if res.DeadLettered != 1 {
		t.Errorf("dead-lettered: got %d, want 1", res.DeadLettered)
	}
	pending, _ = st.ListPending()
	if len(pending) != 0 {
		t.Errorf("mutation still pending after retry budget: %+v", pending)
	}
	dead, _ := st.ListAbandoned()
	if len(dead) != 1 || dead[0].Seq != seq {
		t.Fatalf("abandoned: got %+v, want seq %d", dead, seq)
	}
}

func TestServerRejectionDeadLettersImmediatelyAndDrainContinues(t *testing.T) {
	api := &fakeAPI{
		collections: map[string][]entity.Record{},
		applyFn: func(m erpclient.MutationRequest) (json.RawMessage, error) {
			if payloadID(m.Payload) == "bad" {
				return nil, &erpclient.RejectedError{StatusCode: 422, Detail: "no such warehouse"}
			}
			return json.RawMessage(`{"id":"srv-ok"}`), nil
		},
	}
	eng, st, _ := newTestEngine(t, api, true)
	enqueueCreate(t, st, "bad")
	enqueueCreate(t, st, "good")

	res, err := eng.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if res.DeadLettered != 1 {
		t.Errorf("dead-lettered: got %d, want 1", res.DeadLettered)
	}
	if res.Drained != 1 {
		t.Errorf("drained: got %d, want the mutation behind the rejected one", res.Drained)
	}

	dead, _ := st.ListAbandoned()
	if len(dead) != 1 || !strings.Contains(dead[0].LastError, "no such warehouse") {
		t.Fatalf("abandoned: got %+v, want the rejection cause recorded", dead)
	}
	pending, _ := st.ListPending()
	if len(pending) != 0 {
		t.Errorf("pending after drain: %+v", pending)
	}
}

func TestConfirmedCreateSwapsProvisionalRecord(t *testing.T) {
	api := &fakeAPI{
		collections: map[string][]entity.Record{
			entity.Products: {{ID: "srv-9", Data: json.RawMessage(`{"id":"srv-9","name":"Widget"}`)}},
		},
		applyFn: func(m erpclient.MutationRequest) (json.RawMessage, error) {
			return json.RawMessage(`{"id":"srv-9","name":"Widget"}`), nil
		},
	}
	eng, st, _ := newTestEngine(t, api, true)

	// The optimistic record sits in the store under its provisional id.
	if err := st.Put(entity.Products, entity.Record{ID: "local-a", Data: json.RawMessage(`{"id":"local-a"}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	enqueueCreate(t, st, "a")

	if _, err := eng.ForceSync(context.Background()); err != nil {
		t.Fatalf("force sync: %v", err)
	}

	if rec, _ := st.GetByID(entity.Products, "local-a"); rec != nil {
		t.Error("provisional record should be dropped after confirmation")
	}
	rec, err := st.GetByID(entity.Products, "srv-9")
	if err != nil {
		t.Fatalf("get server record: %v", err)
	}
	if rec == nil {
		t.Fatal("server-assigned record missing after confirmation")
	}
	pending, _ := st.ListPending()
	if len(pending) != 0 {
		t.Errorf("queue not drained: %+v", pending)
	}
}

func TestSubmitOnlineWritesThrough(t *testing.T) {
	api := &fakeAPI{
		collections: map[string][]entity.Record{},
		applyFn: func(m erpclient.MutationRequest) (json.RawMessage, error) {
			return json.RawMessage(`{"id":"srv-5","name":"Widget"}`), nil
		},
	}
	eng, st, pub := newTestEngine(t, api, true)

	rec, err := eng.Submit(context.Background(), store.Mutation{
		Collection: entity.Products,
		Action:     entity.ActionCreate,
		Payload:    json.RawMessage(`{"name":"Widget"}`),
		Endpoint:   "/api/products/",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec == nil || rec.ID != "srv-5" {
		t.Fatalf("returned record: got %+v, want server id", rec)
	}

	stored, err := st.GetByID(entity.Products, "srv-5")
	if err != nil || stored == nil {
		t.Fatalf("server record not in store: %v", err)
	}
	n, _ := st.CountPending()
	if n != 0 {
		t.Errorf("online submit must not queue: %d pending", n)
	}
	if evs := pub.ofType(notify.TypeDataUpdated); len(evs) != 1 {
		t.Errorf("data-updated events: got %d, want 1", len(evs))
	}
}

func TestSubmitOfflineQueuesOptimistically(t *testing.T) {
	api := &fakeAPI{}
	eng, st, pub := newTestEngine(t, api, false)

	rec, err := eng.Submit(context.Background(), store.Mutation{
		Collection: entity.Products,
		Action:     entity.ActionCreate,
		Payload:    json.RawMessage(`{"name":"Widget"}`),
		Endpoint:   "/api/products/",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec == nil || !strings.HasPrefix(rec.ID, "local-") {
		t.Fatalf("optimistic record: got %+v, want provisional local- id", rec)
	}
	if len(api.callLog()) != 0 {
		t.Errorf("offline submit hit the server: %v", api.callLog())
	}

	// Visible to reads immediately.
	stored, err := st.GetByID(entity.Products, rec.ID)
	if err != nil || stored == nil {
		t.Fatalf("optimistic record not readable: %v", err)
	}

	pending, err := st.ListPending()
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending: got %d, want 1", len(pending))
	}
	if pending[0].RecordID != rec.ID {
		t.Errorf("queued record id: got %q, want %q", pending[0].RecordID, rec.ID)
	}
	// The queued payload is what gets replayed; the provisional id must not
	// leak into it.
	if payloadID(pending[0].Payload) != "" {
		t.Errorf("provisional id leaked into queued payload: %s", pending[0].Payload)
	}

	if evs := pub.ofType(notify.TypeDataUpdated); len(evs) != 1 {
		t.Errorf("data-updated events: got %d, want 1", len(evs))
	}
}

func TestSubmitRejectionReturnsErrorWithoutQueueing(t *testing.T) {
	api := &fakeAPI{
		applyFn: func(m erpclient.MutationRequest) (json.RawMessage, error) {
			return nil, &erpclient.RejectedError{StatusCode: 400, Detail: "bad request"}
		},
	}
	eng, st, _ := newTestEngine(t, api, true)

	_, err := eng.Submit(context.Background(), store.Mutation{
		Collection: entity.Products,
		Action:     entity.ActionCreate,
		Payload:    json.RawMessage(`{"name":""}`),
		Endpoint:   "/api/products/",
	})
	var rejected *erpclient.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected the rejection back, got %v", err)
	}
	n, _ := st.CountPending()
	if n != 0 {
		t.Errorf("rejected submit must not queue: %d pending", n)
	}
	recs, _ := st.GetAll(entity.Products)
	if len(recs) != 0 {
		t.Errorf("rejected submit must not write locally: %+v", recs)
	}
}

func TestSubmitNetworkFailureFallsBackToQueue(t *testing.T) {
	api := &fakeAPI{
		applyFn: func(m erpclient.MutationRequest) (json.RawMessage, error) {
			return nil, fmt.Errorf("%w: timeout", erpclient.ErrNetwork)
		},
	}
	eng, st, _ := newTestEngine(t, api, true)

	rec, err := eng.Submit(context.Background(), store.Mutation{
		Collection: entity.Products,
		Action:     entity.ActionCreate,
		Payload:    json.RawMessage(`{"name":"Widget"}`),
		Endpoint:   "/api/products/",
	})
	if err != nil {
		t.Fatalf("network failure should fall back to queueing: %v", err)
	}
	if rec == nil || !strings.HasPrefix(rec.ID, "local-") {
		t.Fatalf("expected optimistic record, got %+v", rec)
	}
	n, _ := st.CountPending()
	if n != 1 {
		t.Errorf("pending: got %d, want 1", n)
	}
}

func TestSubmitOfflineDelete(t *testing.T) {
	api := &fakeAPI{}
	eng, st, _ := newTestEngine(t, api, false)

	if err := st.Put(entity.Products, entity.Record{ID: "p1", Data: json.RawMessage(`{"id":"p1"}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec, err := eng.Submit(context.Background(), store.Mutation{
		Collection: entity.Products,
		Action:     entity.ActionDelete,
		RecordID:   "p1",
		Endpoint:   "/api/products/p1/",
	})
	if err != nil {
		t.Fatalf("submit delete: %v", err)
	}
	if rec != nil {
		t.Errorf("delete returns no record, got %+v", rec)
	}
	if stored, _ := st.GetByID(entity.Products, "p1"); stored != nil {
		t.Error("record should be gone locally before server confirmation")
	}
	n, _ := st.CountPending()
	if n != 1 {
		t.Errorf("pending: got %d, want 1", n)
	}
}

func TestSyncNotifications(t *testing.T) {
	api := &fakeAPI{
		collections: map[string][]entity.Record{
			entity.Products: {{ID: "p1", Data: json.RawMessage(`{"id":"p1"}`)}},
		},
	}
	eng, _, pub := newTestEngine(t, api, true)

	if _, err := eng.ForceSync(context.Background()); err != nil {
		t.Fatalf("force sync: %v", err)
	}

	if evs := pub.ofType(notify.TypeSyncStarted); len(evs) != 1 {
		t.Errorf("sync-started: got %d, want 1", len(evs))
	}
	if evs := pub.ofType(notify.TypeSyncFinished); len(evs) != 1 {
		t.Errorf("sync-finished: got %d, want 1", len(evs))
	}
	// One refresh notification per freshly fetched collection.
	updated := pub.ofType(notify.TypeDataUpdated)
	if len(updated) != 2 {
		t.Errorf("data-updated: got %d, want one per collection", len(updated))
	}
}
