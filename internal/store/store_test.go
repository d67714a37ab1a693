package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/northstarlabs/notesync/internal/model"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return db
}

func testNote(id string, updatedAt time.Time) *model.Note {
	return &model.Note{
		ID:        id,
		UserID:    "u1",
		Title:     "title " + id,
		Content:   "content",
		Version:   1,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

func TestUpsertAndGetNote(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 10, 0, 0, 123456000, time.UTC)
	n := testNote("n1", now)
	n.GroupID = "g1"

	if err := db.UpsertNote(ctx, n, false); err != nil {
		t.Fatalf("UpsertNote() error: %v", err)
	}

	got, err := db.GetNote(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNote() error: %v", err)
	}
	if got.Title != n.Title || got.GroupID != "g1" || got.Version != 1 {
		t.Errorf("GetNote() = %+v, want %+v", got, n)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v (sub-second precision lost?)", got.UpdatedAt, now)
	}

	// Upsert with the same ID overwrites.
	n.Title = "renamed"
	n.Version = 2
	if err := db.UpsertNote(ctx, n, true); err != nil {
		t.Fatalf("UpsertNote() overwrite error: %v", err)
	}
	got, err = db.GetNote(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNote() after overwrite error: %v", err)
	}
	if got.Title != "renamed" || got.Version != 2 {
		t.Errorf("overwrite not applied: %+v", got)
	}
}

func TestGetNoteNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.GetNote(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetNote() error = %v, want ErrNotFound", err)
	}
}

func TestUpsertNoteRejectsInvalid(t *testing.T) {
	db := setupTestDB(t)

	n := testNote("", time.Now().UTC())
	if err := db.UpsertNote(context.Background(), n, false); err == nil {
		t.Error("UpsertNote() accepted note without an ID")
	}
}

func TestListNotesOrdering(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		if err := db.UpsertNote(ctx, testNote(id, base.Add(time.Duration(i)*time.Minute)), false); err != nil {
			t.Fatalf("UpsertNote(%s) error: %v", id, err)
		}
	}

	notes, err := db.ListNotes(ctx, "u1")
	if err != nil {
		t.Fatalf("ListNotes() error: %v", err)
	}
	if len(notes) != 3 {
		t.Fatalf("ListNotes() returned %d notes, want 3", len(notes))
	}
	if notes[0].ID != "new" || notes[2].ID != "old" {
		t.Errorf("ListNotes() order = [%s %s %s], want newest first",
			notes[0].ID, notes[1].ID, notes[2].ID)
	}

	other, err := db.ListNotes(ctx, "someone-else")
	if err != nil {
		t.Fatalf("ListNotes() error: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("ListNotes() leaked %d notes across users", len(other))
	}
}

func TestTombstoneRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	deleted := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := testNote("n1", deleted)
	n.IsDeleted = true
	n.DeletedAt = &deleted

	if err := db.UpsertNote(ctx, n, true); err != nil {
		t.Fatalf("UpsertNote() error: %v", err)
	}

	got, err := db.GetNote(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNote() error: %v", err)
	}
	if !got.IsDeleted {
		t.Error("IsDeleted not persisted")
	}
	if got.DeletedAt == nil || !got.DeletedAt.Equal(deleted) {
		t.Errorf("DeletedAt = %v, want %v", got.DeletedAt, deleted)
	}
}

func TestPurgeTombstonedNotes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-31 * 24 * time.Hour)
	recent := now.Add(-29 * 24 * time.Hour)

	for _, tc := range []struct {
		id        string
		deletedAt *time.Time
	}{
		{"expired", &old},
		{"recent", &recent},
		{"live", nil},
	} {
		n := testNote(tc.id, now)
		if tc.deletedAt != nil {
			n.IsDeleted = true
			n.DeletedAt = tc.deletedAt
		}
		if err := db.UpsertNote(ctx, n, true); err != nil {
			t.Fatalf("UpsertNote(%s) error: %v", tc.id, err)
		}
	}

	cutoff := now.Add(-30 * 24 * time.Hour)
	purged, err := db.PurgeTombstonedNotes(ctx, cutoff)
	if err != nil {
		t.Fatalf("PurgeTombstonedNotes() error: %v", err)
	}
	if purged != 1 {
		t.Errorf("PurgeTombstonedNotes() = %d, want 1", purged)
	}

	if _, err := db.GetNote(ctx, "expired"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired tombstone still present, err = %v", err)
	}
	if _, err := db.GetNote(ctx, "recent"); err != nil {
		t.Errorf("recent tombstone purged early: %v", err)
	}
	if _, err := db.GetNote(ctx, "live"); err != nil {
		t.Errorf("live note purged: %v", err)
	}
}

func TestPurgeTombstonedNotesSubSecondCutoff(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// A whole-second deleted_at must compare as older than a fractional
	// cutoff in the same second. The stored format is fixed-width for
	// exactly this: with truncated trailing zeros, "10:00:00Z" would sort
	// after "10:00:00.5Z" and the row would survive the purge.
	deleted := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	n := testNote("whole-second", deleted)
	n.IsDeleted = true
	n.DeletedAt = &deleted

	if err := db.UpsertNote(ctx, n, true); err != nil {
		t.Fatalf("UpsertNote() error: %v", err)
	}

	purged, err := db.PurgeTombstonedNotes(ctx, deleted.Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("PurgeTombstonedNotes() error: %v", err)
	}
	if purged != 1 {
		t.Errorf("PurgeTombstonedNotes() = %d, want 1", purged)
	}
}

func TestGroupCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	groups := []*model.Group{
		{ID: "g2", UserID: "u1", Name: "second", SortOrder: 2, Version: 1, CreatedAt: now, UpdatedAt: now},
		{ID: "g1", UserID: "u1", Name: "first", SortOrder: 1, Version: 1, CreatedAt: now, UpdatedAt: now},
	}
	for _, g := range groups {
		if err := db.UpsertGroup(ctx, g, false); err != nil {
			t.Fatalf("UpsertGroup(%s) error: %v", g.ID, err)
		}
	}

	got, err := db.ListGroups(ctx, "u1")
	if err != nil {
		t.Fatalf("ListGroups() error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "g1" || got[1].ID != "g2" {
		t.Errorf("ListGroups() not ordered by sort_order: %+v", got)
	}

	if err := db.DeleteGroup(ctx, "g1"); err != nil {
		t.Fatalf("DeleteGroup() error: %v", err)
	}
	if _, err := db.GetGroup(ctx, "g1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetGroup() after delete error = %v, want ErrNotFound", err)
	}

	// Deleting a missing group is a no-op.
	if err := db.DeleteGroup(ctx, "g1"); err != nil {
		t.Errorf("DeleteGroup() second call error: %v", err)
	}
}

func TestSettings(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.GetSetting(ctx, "lastSyncTime"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSetting() on fresh db error = %v, want ErrNotFound", err)
	}

	if err := db.SetSetting(ctx, "lastSyncTime", "2025-06-01T10:00:00Z"); err != nil {
		t.Fatalf("SetSetting() error: %v", err)
	}
	if err := db.SetSetting(ctx, "lastSyncTime", "2025-06-01T11:00:00Z"); err != nil {
		t.Fatalf("SetSetting() overwrite error: %v", err)
	}

	got, err := db.GetSetting(ctx, "lastSyncTime")
	if err != nil {
		t.Fatalf("GetSetting() error: %v", err)
	}
	if got != "2025-06-01T11:00:00Z" {
		t.Errorf("GetSetting() = %q, want the overwritten value", got)
	}
}
