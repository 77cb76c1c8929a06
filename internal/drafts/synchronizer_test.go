package drafts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reliefnet/fieldagent/internal/models"
	"github.com/reliefnet/fieldagent/internal/store/sqlstore"
	"go.uber.org/zap"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	calls   []string
	keys    []string
	fail    map[string]bool
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeSubmitter) SubmitHazardReport(ctx context.Context, p models.ReportPayload, key string) error {
	f.mu.Lock()
	f.calls = append(f.calls, p.Description)
	f.keys = append(f.keys, key)
	fail := f.fail[p.Description]
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if fail {
		return errors.New("backend returned 500")
	}
	return nil
}

func (f *fakeSubmitter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeConn struct{ online atomic.Bool }

func (c *fakeConn) Online() bool { return c.online.Load() }

func newConn(online bool) *fakeConn {
	c := &fakeConn{}
	c.online.Store(online)
	return c
}

type fixture struct {
	sync  *Synchronizer
	store *sqlstore.SQLStore
	sub   *fakeSubmitter
	conn  *fakeConn
}

func setup(t *testing.T, online bool, policy Policy) *fixture {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sub := &fakeSubmitter{fail: map[string]bool{}}
	conn := newConn(online)
	clock := time.UnixMilli(1700000000000)
	s := NewSynchronizer(st, sub, conn, zap.NewNop().Sugar(), Options{
		Policy:        policy,
		DefaultRegion: "US",
		Now:           func() time.Time { return clock },
	})
	return &fixture{sync: s, store: st, sub: sub, conn: conn}
}

func report(description string) models.ReportPayload {
	return models.ReportPayload{Type: "Flood", Description: description}
}

func TestOfflineReportSyncsOnReconnect(t *testing.T) {
	f := setup(t, false, FailFast)
	ctx := context.Background()

	lat, lon := 19.07, 72.87
	p := models.ReportPayload{Type: "Flood", Description: "Road blocked", Latitude: &lat, Longitude: &lon}
	res, err := f.sync.Submit(ctx, p)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !res.Queued || res.Delivered {
		t.Fatalf("Expected report to be queued, got %+v", res)
	}

	drafts, err := f.sync.ListDrafts(ctx)
	if err != nil {
		t.Fatalf("ListDrafts failed: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Status != models.DraftPending || drafts[0].Payload.Description != "Road blocked" {
		t.Fatalf("Expected one pending draft, got %+v", drafts)
	}
	if len(f.sub.Calls()) != 0 {
		t.Errorf("Expected no submissions while offline, got %v", f.sub.Calls())
	}

	f.conn.online.Store(true)
	report, err := f.sync.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if len(report.Synced) != 1 || report.Synced[0] != res.DraftID {
		t.Errorf("Expected draft %d synced, got %+v", res.DraftID, report)
	}

	drafts, _ = f.sync.ListDrafts(ctx)
	if len(drafts) != 0 {
		t.Errorf("Expected no drafts after sync, got %d", len(drafts))
	}
}

func TestSubmitDeliversDirectlyWhenOnline(t *testing.T) {
	f := setup(t, true, FailFast)
	ctx := context.Background()

	res, err := f.sync.Submit(ctx, report("Tree down"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !res.Delivered {
		t.Errorf("Expected delivery, got %+v", res)
	}
	if n, _ := f.store.CountDrafts(ctx); n != 0 {
		t.Errorf("Expected no drafts, got %d", n)
	}
}

func TestSubmitQueuesOnFailureWithSameKey(t *testing.T) {
	f := setup(t, true, FailFast)
	ctx := context.Background()
	f.sub.fail["Tree down"] = true

	res, err := f.sync.Submit(ctx, report("Tree down"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !res.Queued {
		t.Fatalf("Expected report to be queued, got %+v", res)
	}

	d, err := f.store.GetDraft(ctx, res.DraftID)
	if err != nil {
		t.Fatalf("GetDraft failed: %v", err)
	}
	if d.IdempotencyKey != f.sub.keys[0] {
		t.Errorf("Expected draft to reuse key %s, got %s", f.sub.keys[0], d.IdempotencyKey)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := setup(t, true, FailFast)
	lat := 120.0
	lon := 72.0

	tests := []struct {
		name    string
		payload models.ReportPayload
		field   string
	}{
		{"missing type", models.ReportPayload{Description: "x"}, "type"},
		{"blank description", models.ReportPayload{Type: "Fire", Description: "   "}, "description"},
		{"latitude out of range", models.ReportPayload{Type: "Fire", Description: "x", Latitude: &lat, Longitude: &lon}, "latitude"},
		{"half coordinates", models.ReportPayload{Type: "Fire", Description: "x", Longitude: &lon}, "coordinates"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sync.Submit(context.Background(), tt.payload)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Errorf("Expected field %s in %v", tt.field, verr.Fields)
			}
		})
	}
	if len(f.sub.Calls()) != 0 {
		t.Errorf("Invalid reports must not be submitted")
	}
}

func TestSaveDraftNeverRejects(t *testing.T) {
	f := setup(t, false, FailFast)
	id, err := f.sync.SaveDraft(context.Background(), models.ReportPayload{})
	if err != nil {
		t.Fatalf("SaveDraft failed: %v", err)
	}
	if id != 1700000000000 {
		t.Errorf("Expected id from clock, got %d", id)
	}
}

func TestSaveDraftIDsIncrease(t *testing.T) {
	f := setup(t, false, FailFast)
	ctx := context.Background()

	var last int64
	for i := 0; i < 3; i++ {
		id, err := f.sync.SaveDraft(ctx, report("same millisecond"))
		if err != nil {
			t.Fatalf("SaveDraft failed: %v", err)
		}
		if id <= last {
			t.Errorf("Expected id above %d, got %d", last, id)
		}
		last = id
	}
}

func TestSaveDraftNormalizesContact(t *testing.T) {
	f := setup(t, false, FailFast)
	ctx := context.Background()

	tests := []struct {
		contact string
		want    string
	}{
		{"(650) 253-0000", "+16502530000"},
		{"call the shop next door", "call the shop next door"},
		{"", ""},
	}

	for _, tt := range tests {
		p := report("contact")
		p.Contact = tt.contact
		id, err := f.sync.SaveDraft(ctx, p)
		if err != nil {
			t.Fatalf("SaveDraft failed: %v", err)
		}
		d, _ := f.store.GetDraft(ctx, id)
		if d.Payload.Contact != tt.want {
			t.Errorf("Contact %q: expected %q, got %q", tt.contact, tt.want, d.Payload.Contact)
		}
	}
}

func TestSyncOneFailureKeepsDraft(t *testing.T) {
	f := setup(t, true, FailFast)
	ctx := context.Background()
	f.sub.fail["Bridge cracked"] = true

	id, _ := f.sync.SaveDraft(ctx, report("Bridge cracked"))
	status, err := f.sync.SyncOne(ctx, id)
	if err != nil {
		t.Fatalf("SyncOne failed: %v", err)
	}
	if status != models.DraftFailed {
		t.Errorf("Expected failed, got %s", status)
	}

	d, err := f.store.GetDraft(ctx, id)
	if err != nil {
		t.Fatalf("Draft should be retained: %v", err)
	}
	if d.Status != models.DraftFailed || d.LastError == "" {
		t.Errorf("Expected failed draft with last error, got %+v", d)
	}

	delete(f.sub.fail, "Bridge cracked")
	status, _ = f.sync.SyncOne(ctx, id)
	if status != models.DraftSynced {
		t.Errorf("Expected retry to sync, got %s", status)
	}
	if _, err := f.sync.SyncOne(ctx, id); !errors.Is(err, ErrDraftNotFound) {
		t.Errorf("Expected ErrDraftNotFound after sync, got %v", err)
	}
}

func TestSyncOneAtMostOneInFlight(t *testing.T) {
	f := setup(t, true, FailFast)
	ctx := context.Background()
	id, _ := f.sync.SaveDraft(ctx, report("Gas leak"))

	f.sub.block = make(chan struct{})
	f.sub.entered = make(chan struct{}, 4)

	var wg sync.WaitGroup
	results := make(chan models.DraftStatus, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		st, _ := f.sync.SyncOne(ctx, id)
		results <- st
	}()
	<-f.sub.entered

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := f.sync.SyncOne(ctx, id)
			if err == nil {
				results <- st
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(f.sub.block)
	wg.Wait()
	close(results)

	if n := len(f.sub.Calls()); n != 1 {
		t.Errorf("Expected exactly one submission, got %d", n)
	}
	for st := range results {
		if st != models.DraftSynced {
			t.Errorf("Expected shared synced result, got %s", st)
		}
	}
}

func TestCancelledCallerLeavesSharedPassRunning(t *testing.T) {
	f := setup(t, true, FailFast)
	a, _ := f.sync.SaveDraft(context.Background(), report("A"))
	b, _ := f.sync.SaveDraft(context.Background(), report("B"))

	f.sub.block = make(chan struct{})
	f.sub.entered = make(chan struct{}, 4)

	uiCtx, cancelUI := context.WithCancel(context.Background())
	uiErr := make(chan error, 1)
	go func() {
		_, err := f.sync.SyncAll(uiCtx)
		uiErr <- err
	}()
	<-f.sub.entered

	reconnect := make(chan SyncReport, 1)
	go func() {
		rep, _ := f.sync.SyncAll(context.Background())
		reconnect <- rep
	}()
	time.Sleep(20 * time.Millisecond)

	cancelUI()
	if err := <-uiErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected the cancelled caller to get context.Canceled, got %v", err)
	}
	close(f.sub.block)

	rep := <-reconnect
	if len(rep.Synced) != 2 || rep.Synced[0] != a || rep.Synced[1] != b || len(rep.Untouched) != 0 {
		t.Errorf("Expected both drafts synced by the shared pass, got %+v", rep)
	}
	if n := len(f.sub.Calls()); n != 2 {
		t.Errorf("Expected one submission per draft, got %d", n)
	}
}

func TestSyncAllFailFast(t *testing.T) {
	f := setup(t, true, FailFast)
	ctx := context.Background()
	a, _ := f.sync.SaveDraft(ctx, report("A"))
	b, _ := f.sync.SaveDraft(ctx, report("B"))
	c, _ := f.sync.SaveDraft(ctx, report("C"))
	f.sub.fail["A"] = true

	rep, err := f.sync.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if calls := f.sub.Calls(); len(calls) != 1 || calls[0] != "A" {
		t.Errorf("Expected only A to be attempted, got %v", calls)
	}
	if len(rep.Failed) != 1 || rep.Failed[0] != a {
		t.Errorf("Expected A failed, got %+v", rep)
	}
	if len(rep.Untouched) != 2 || rep.Untouched[0] != b || rep.Untouched[1] != c {
		t.Errorf("Expected B and C untouched, got %+v", rep)
	}

	for _, id := range []int64{b, c} {
		d, _ := f.store.GetDraft(ctx, id)
		if d.Status != models.DraftPending {
			t.Errorf("Draft %d should still be pending, got %s", id, d.Status)
		}
	}
	d, _ := f.store.GetDraft(ctx, a)
	if d.Status != models.DraftFailed {
		t.Errorf("Draft A should be failed, got %s", d.Status)
	}
}

func TestSyncAllBestEffort(t *testing.T) {
	f := setup(t, true, BestEffort)
	ctx := context.Background()
	a, _ := f.sync.SaveDraft(ctx, report("A"))
	b, _ := f.sync.SaveDraft(ctx, report("B"))
	c, _ := f.sync.SaveDraft(ctx, report("C"))
	f.sub.fail["A"] = true

	rep, err := f.sync.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if calls := f.sub.Calls(); len(calls) != 3 || calls[0] != "A" || calls[1] != "B" || calls[2] != "C" {
		t.Errorf("Expected A, B, C in order, got %v", calls)
	}
	if len(rep.Failed) != 1 || rep.Failed[0] != a {
		t.Errorf("Expected A failed, got %+v", rep)
	}
	if len(rep.Synced) != 2 || rep.Synced[0] != b || rep.Synced[1] != c {
		t.Errorf("Expected B and C synced, got %+v", rep)
	}
	if len(rep.Untouched) != 0 {
		t.Errorf("Expected nothing untouched, got %v", rep.Untouched)
	}
}

func TestOfflineMakesNoNetworkCall(t *testing.T) {
	f := setup(t, false, FailFast)
	ctx := context.Background()
	id, _ := f.sync.SaveDraft(ctx, report("A"))

	if _, err := f.sync.SyncOne(ctx, id); !errors.Is(err, ErrOffline) {
		t.Errorf("Expected ErrOffline from SyncOne, got %v", err)
	}
	if _, err := f.sync.SyncAll(ctx); !errors.Is(err, ErrOffline) {
		t.Errorf("Expected ErrOffline from SyncAll, got %v", err)
	}
	if len(f.sub.Calls()) != 0 {
		t.Errorf("Expected no submissions, got %v", f.sub.Calls())
	}
	d, _ := f.store.GetDraft(ctx, id)
	if d.Status != models.DraftPending {
		t.Errorf("Expected draft to stay pending, got %s", d.Status)
	}
}

func TestRecover(t *testing.T) {
	f := setup(t, false, FailFast)
	ctx := context.Background()

	stuck := &models.Draft{
		ID:             1800000000000,
		IdempotencyKey: "k",
		Payload:        report("stuck"),
		Status:         models.DraftSyncing,
		CreatedAt:      time.UnixMilli(1800000000000),
	}
	if err := f.store.PutDraft(ctx, stuck); err != nil {
		t.Fatalf("PutDraft failed: %v", err)
	}

	if err := f.sync.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	d, _ := f.store.GetDraft(ctx, stuck.ID)
	if d.Status != models.DraftPending {
		t.Errorf("Expected pending after recover, got %s", d.Status)
	}

	id, _ := f.sync.SaveDraft(ctx, report("new"))
	if id <= stuck.ID {
		t.Errorf("Expected new id above %d, got %d", stuck.ID, id)
	}
}

func TestDeleteDraftIsIdempotent(t *testing.T) {
	f := setup(t, false, FailFast)
	ctx := context.Background()
	id, _ := f.sync.SaveDraft(ctx, report("A"))

	if err := f.sync.DeleteDraft(ctx, id); err != nil {
		t.Fatalf("DeleteDraft failed: %v", err)
	}
	if err := f.sync.DeleteDraft(ctx, id); err != nil {
		t.Errorf("Second delete should succeed, got %v", err)
	}
}

func TestOnConnectivityTriggersSync(t *testing.T) {
	f := setup(t, true, FailFast)
	ctx := context.Background()
	f.sync.SaveDraft(ctx, report("A"))

	done := make(chan Event, 4)
	unsubscribe := f.sync.OnChange(func(ev Event) {
		if ev.Status == models.DraftSynced {
			done <- ev
		}
	})
	defer unsubscribe()

	f.sync.OnConnectivity(false)
	f.sync.OnConnectivity(true)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected reconnect to sync the draft")
	}
}

func TestChangeEvents(t *testing.T) {
	f := setup(t, true, FailFast)
	ctx := context.Background()

	var mu sync.Mutex
	var got []models.DraftStatus
	f.sync.OnChange(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Status)
		mu.Unlock()
	})

	id, _ := f.sync.SaveDraft(ctx, report("A"))
	f.sync.SyncOne(ctx, id)

	want := []models.DraftStatus{models.DraftPending, models.DraftSyncing, models.DraftSynced}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestStoreFailureIsReturned(t *testing.T) {
	f := setup(t, false, FailFast)
	f.store.Close()

	if _, err := f.sync.SaveDraft(context.Background(), report("A")); err == nil {
		t.Error("Expected error from closed store")
	}
	if _, err := f.sync.ListDrafts(context.Background()); err == nil {
		t.Error("Expected error from closed store")
	}
}
