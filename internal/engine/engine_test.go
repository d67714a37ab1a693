package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/northstarlabs/notesync/internal/model"
	"github.com/northstarlabs/notesync/internal/queue"
	"github.com/northstarlabs/notesync/internal/remote"
	"github.com/northstarlabs/notesync/internal/store"
)

// fakeRemote implements RemoteStore in memory with programmable failures.
type fakeRemote struct {
	inserts   []pushCall
	updates   []pushCall
	rows      map[model.Table][]json.RawMessage
	ops       []string
	insertErr error
	updateErr error
	selectErr error

	lastFilter remote.SelectFilter
}

type pushCall struct {
	table model.Table
	id    string
	row   json.RawMessage
}

func (f *fakeRemote) Insert(ctx context.Context, table model.Table, row json.RawMessage) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserts = append(f.inserts, pushCall{table: table, row: row})
	return nil
}

func (f *fakeRemote) Update(ctx context.Context, table model.Table, id string, patch json.RawMessage) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, pushCall{table: table, id: id, row: patch})
	return nil
}

func (f *fakeRemote) Select(ctx context.Context, table model.Table, filter remote.SelectFilter) ([]json.RawMessage, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	f.lastFilter = filter
	return f.rows[table], nil
}

func (f *fakeRemote) RecordOperation(ctx context.Context, table model.Table, recordID string, op model.Operation, userID string) error {
	f.ops = append(f.ops, fmt.Sprintf("%s %s/%s", op, table, recordID))
	return nil
}

func setupTestEngine(t *testing.T, fr *fakeRemote) (*Engine, *store.DB, *queue.Queue) {
	t.Helper()

	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	q := queue.New(db.RawDB())

	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	eng := New(db, db, q, fr, "u1", cfg)
	eng.SetOnline(true)
	return eng, db, q
}

func noteJSON(t *testing.T, id string, version int64, updatedAt time.Time) json.RawMessage {
	t.Helper()
	n := model.Note{
		ID:        id,
		UserID:    "u1",
		Title:     "note " + id,
		Version:   version,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
	data, err := json.Marshal(&n)
	if err != nil {
		t.Fatalf("failed to marshal note: %v", err)
	}
	return data
}

func TestSyncOffline(t *testing.T) {
	eng, _, _ := setupTestEngine(t, &fakeRemote{})
	eng.SetOnline(false)

	if err := eng.Sync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Errorf("Sync() while offline = %v, want ErrOffline", err)
	}
}

func TestSyncSingleFlight(t *testing.T) {
	eng, _, _ := setupTestEngine(t, &fakeRemote{})

	// Simulate an in-flight cycle; a second trigger is a silent no-op.
	eng.syncing.Store(true)
	if err := eng.Sync(context.Background()); err != nil {
		t.Errorf("concurrent Sync() = %v, want nil", err)
	}
	if !eng.Syncing() {
		t.Error("no-op Sync() cleared the in-flight flag")
	}
}

func TestPushDrainsQueue(t *testing.T) {
	fr := &fakeRemote{}
	eng, _, q := setupTestEngine(t, fr)
	ctx := context.Background()

	insertRow := noteJSON(t, "n1", 1, time.Now().UTC())
	updateRow := noteJSON(t, "n2", 3, time.Now().UTC())

	if _, err := q.Enqueue(ctx, model.TableNotes, "n1", model.OpInsert, insertRow, "u1"); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if _, err := q.Enqueue(ctx, model.TableNotes, "n2", model.OpUpdate, updateRow, "u1"); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if _, err := q.Enqueue(ctx, model.TableNotes, "n3", model.OpDelete, updateRow, "u1"); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	if err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	if len(fr.inserts) != 1 || fr.inserts[0].table != model.TableNotes {
		t.Errorf("inserts = %+v, want one notes insert", fr.inserts)
	}
	// DELETE travels as a soft-delete update.
	if len(fr.updates) != 2 {
		t.Fatalf("updates = %d, want 2 (UPDATE and DELETE)", len(fr.updates))
	}
	if fr.updates[0].id != "n2" || fr.updates[1].id != "n3" {
		t.Errorf("update targets = %s, %s", fr.updates[0].id, fr.updates[1].id)
	}

	count, err := q.PendingCount(ctx, "u1")
	if err != nil {
		t.Fatalf("PendingCount() error: %v", err)
	}
	if count != 0 {
		t.Errorf("queue not drained: %d items left", count)
	}

	if len(fr.ops) != 3 {
		t.Errorf("audit trail has %d entries, want 3: %v", len(fr.ops), fr.ops)
	}
}

func TestPushFailureRetriesAndContinues(t *testing.T) {
	fr := &fakeRemote{insertErr: errors.New("server returned 500")}
	eng, _, q := setupTestEngine(t, fr)
	ctx := context.Background()

	row := noteJSON(t, "n1", 1, time.Now().UTC())
	if _, err := q.Enqueue(ctx, model.TableNotes, "n1", model.OpInsert, row, "u1"); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if _, err := q.Enqueue(ctx, model.TableNotes, "n2", model.OpUpdate, row, "u1"); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	// A broken item must not block the rest of the batch or the cycle.
	if err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	if len(fr.updates) != 1 {
		t.Errorf("healthy item not pushed: updates = %+v", fr.updates)
	}

	items, err := q.Pending(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("Pending() error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queue has %d items, want the failed one", len(items))
	}
	if items[0].RecordID != "n1" || items[0].RetryCount != 1 {
		t.Errorf("failed item = %+v, want n1 with retry_count 1", items[0])
	}
	if items[0].LastError == "" {
		t.Error("push error not recorded on the item")
	}
}

func TestPullInsertsUnknownNote(t *testing.T) {
	remoteTime := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	fr := &fakeRemote{rows: map[model.Table][]json.RawMessage{
		model.TableNotes: {noteJSON(t, "n1", 2, remoteTime)},
	}}
	eng, db, q := setupTestEngine(t, fr)
	ctx := context.Background()

	if err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	got, err := db.GetNote(ctx, "n1")
	if err != nil {
		t.Fatalf("pulled note not in local store: %v", err)
	}
	if got.Version != 2 || !got.UpdatedAt.Equal(remoteTime) {
		t.Errorf("pulled note = %+v", got)
	}

	// Server-driven write must not loop back into the push queue.
	count, _ := q.PendingCount(ctx, "u1")
	if count != 0 {
		t.Errorf("pull enqueued %d items", count)
	}
}

func TestPullConflictResolution(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		localTime   time.Time
		remoteTime  time.Time
		wantVersion int64
	}{
		{"newer remote overwrites", base, base.Add(time.Minute), 9},
		{"stale remote ignored", base.Add(time.Minute), base, 1},
		{"tie goes to remote", base, base, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := &fakeRemote{rows: map[model.Table][]json.RawMessage{
				model.TableNotes: {noteJSON(t, "n1", 9, tt.remoteTime)},
			}}
			eng, db, _ := setupTestEngine(t, fr)
			ctx := context.Background()

			local := &model.Note{
				ID: "n1", UserID: "u1", Title: "local", Version: 1,
				CreatedAt: tt.localTime, UpdatedAt: tt.localTime,
			}
			if err := db.UpsertNote(ctx, local, true); err != nil {
				t.Fatalf("UpsertNote() error: %v", err)
			}

			if err := eng.Sync(ctx); err != nil {
				t.Fatalf("Sync() error: %v", err)
			}

			got, err := db.GetNote(ctx, "n1")
			if err != nil {
				t.Fatalf("GetNote() error: %v", err)
			}
			if got.Version != tt.wantVersion {
				t.Errorf("Version = %d, want %d", got.Version, tt.wantVersion)
			}
		})
	}
}

func TestPullAppliesTombstone(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	deleted := base.Add(time.Hour)

	tomb := model.Note{
		ID: "n1", UserID: "u1", Title: "gone", Version: 2,
		CreatedAt: base, UpdatedAt: deleted, IsDeleted: true, DeletedAt: &deleted,
	}
	row, _ := json.Marshal(&tomb)

	fr := &fakeRemote{rows: map[model.Table][]json.RawMessage{
		model.TableNotes: {row},
	}}
	eng, db, _ := setupTestEngine(t, fr)
	ctx := context.Background()

	local := &model.Note{ID: "n1", UserID: "u1", Title: "gone", Version: 1, CreatedAt: base, UpdatedAt: base}
	if err := db.UpsertNote(ctx, local, true); err != nil {
		t.Fatalf("UpsertNote() error: %v", err)
	}

	if err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	got, err := db.GetNote(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNote() error: %v", err)
	}
	if !got.IsDeleted || got.DeletedAt == nil {
		t.Errorf("remote tombstone not applied: %+v", got)
	}
}

func TestWatermarkAdvancesOnlyOnSuccess(t *testing.T) {
	fr := &fakeRemote{}
	eng, db, _ := setupTestEngine(t, fr)
	ctx := context.Background()

	cycleTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return cycleTime }

	if err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	raw, err := db.GetSetting(ctx, WatermarkKey)
	if err != nil {
		t.Fatalf("watermark not persisted: %v", err)
	}
	wm, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || !wm.Equal(cycleTime) {
		t.Errorf("watermark = %q, want %v", raw, cycleTime)
	}

	// A failed cycle leaves the watermark untouched.
	fr.selectErr = errors.New("connection reset")
	eng.now = func() time.Time { return cycleTime.Add(time.Hour) }

	if err := eng.Sync(ctx); err == nil {
		t.Fatal("Sync() with failing pull returned nil")
	}

	raw2, err := db.GetSetting(ctx, WatermarkKey)
	if err != nil {
		t.Fatalf("GetSetting() error: %v", err)
	}
	if raw2 != raw {
		t.Errorf("watermark moved after failed cycle: %q -> %q", raw, raw2)
	}

	// The next successful cycle re-pulls the same window.
	fr.selectErr = nil
	if err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if !fr.lastFilter.UpdatedSince.Equal(cycleTime) {
		t.Errorf("pull window lower bound = %v, want %v", fr.lastFilter.UpdatedSince, cycleTime)
	}
}

func TestFirstPullFetchesFullHistory(t *testing.T) {
	fr := &fakeRemote{}
	eng, _, _ := setupTestEngine(t, fr)

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if !fr.lastFilter.UpdatedSince.IsZero() {
		t.Errorf("first pull window = %v, want zero time", fr.lastFilter.UpdatedSince)
	}
	if fr.lastFilter.UserID != "u1" {
		t.Errorf("pull not scoped to user: %q", fr.lastFilter.UserID)
	}
}

func TestPullIdempotentReapply(t *testing.T) {
	remoteTime := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	fr := &fakeRemote{rows: map[model.Table][]json.RawMessage{
		model.TableNotes: {noteJSON(t, "n1", 4, remoteTime)},
	}}
	eng, db, _ := setupTestEngine(t, fr)
	ctx := context.Background()

	// Applying the same remote row twice converges on the same state.
	for i := 0; i < 2; i++ {
		if err := eng.Sync(ctx); err != nil {
			t.Fatalf("Sync() #%d error: %v", i+1, err)
		}
	}

	got, err := db.GetNote(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNote() error: %v", err)
	}
	if got.Version != 4 || !got.UpdatedAt.Equal(remoteTime) {
		t.Errorf("re-applied note = %+v", got)
	}
}

func TestStatusListeners(t *testing.T) {
	fr := &fakeRemote{}
	eng, _, q := setupTestEngine(t, fr)
	ctx := context.Background()

	row := noteJSON(t, "n1", 1, time.Now().UTC())
	if _, err := q.Enqueue(ctx, model.TableNotes, "n1", model.OpInsert, row, "u1"); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	var statuses []Status
	id := eng.AddListener(func(st Status) { statuses = append(statuses, st) })

	if err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	if len(statuses) != 2 {
		t.Fatalf("listener called %d times, want 2 (start and end)", len(statuses))
	}
	start, end := statuses[0], statuses[1]
	if !start.Syncing || start.PendingCount != 1 {
		t.Errorf("start status = %+v", start)
	}
	if end.Syncing || end.PendingCount != 0 || end.LastError != "" {
		t.Errorf("end status = %+v", end)
	}
	if end.LastSyncTime.IsZero() {
		t.Error("end status missing last sync time")
	}

	// Removed listeners stop receiving updates.
	eng.RemoveListener(id)
	if err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if len(statuses) != 2 {
		t.Errorf("removed listener still called (%d updates)", len(statuses))
	}
}

func TestStatusReportsLastError(t *testing.T) {
	fr := &fakeRemote{selectErr: errors.New("gateway timeout")}
	eng, _, _ := setupTestEngine(t, fr)
	ctx := context.Background()

	if err := eng.Sync(ctx); err == nil {
		t.Fatal("Sync() with failing pull returned nil")
	}

	st := eng.Status(ctx)
	if st.LastError == "" {
		t.Error("Status() missing last error after failed cycle")
	}

	// A subsequent success clears it.
	fr.selectErr = nil
	if err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if st := eng.Status(ctx); st.LastError != "" {
		t.Errorf("LastError = %q after successful cycle", st.LastError)
	}
}
