package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/quantumlife/labcal/internal/core"
)

// testDB creates an in-memory database for testing
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

func seedConnection(t *testing.T, db *DB, id string) *core.Connection {
	t.Helper()
	c := &core.Connection{
		ID:          id,
		UserID:      "user-1",
		Provider:    core.ProviderGoogle,
		CalendarIDs: []string{"primary"},
		Status:      core.StatusActive,
	}
	if err := NewConnectionStore(db).Create(context.Background(), c); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	return c
}

// =============================================================================
// DB Tests
// =============================================================================

func TestDB_Open_InMemory(t *testing.T) {
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if db.conn == nil {
		t.Error("db.conn should not be nil")
	}
	if !db.isMemory {
		t.Error("db.isMemory should be true for in-memory database")
	}
	if db.Path() != "" {
		t.Errorf("Path() = %q, want empty", db.Path())
	}
}

func TestDB_Open_File(t *testing.T) {
	path := t.TempDir() + "/nested/test.db"

	db, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestDB_InMemoryDatabasesAreIsolated(t *testing.T) {
	a := testDB(t)
	b := testDB(t)

	seedConnection(t, a, "c1")

	if _, err := NewConnectionStore(b).Get(context.Background(), "c1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second database sees first database rows: err = %v", err)
	}
}

func TestDB_Migrate_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	var count int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count); err != nil {
		t.Fatal(err)
	}
	all, _ := availableMigrations()
	if count != len(all) {
		t.Errorf("applied migrations = %d, want %d", count, len(all))
	}
}

func TestDB_Transaction_Rollback(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConnection(t, db, "c1")

	wantErr := errors.New("abort")
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE connections SET status = 'error' WHERE id = 'c1'`); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Transaction() error = %v, want %v", err, wantErr)
	}

	c, err := NewConnectionStore(db).Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != core.StatusActive {
		t.Errorf("status = %v, want rollback to active", c.Status)
	}
}

// =============================================================================
// ConnectionStore Tests
// =============================================================================

func TestConnectionStore_CreateGet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	store := NewConnectionStore(db)

	want := seedConnection(t, db, "c1")

	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != want.UserID || got.Status != core.StatusActive {
		t.Errorf("Get() = %+v", got)
	}
	if len(got.CalendarIDs) != 1 || got.CalendarIDs[0] != "primary" {
		t.Errorf("CalendarIDs = %v", got.CalendarIDs)
	}
	if got.LastSyncAt != nil {
		t.Errorf("LastSyncAt = %v, want nil", got.LastSyncAt)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestConnectionStore_SyncHealth(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	store := NewConnectionStore(db)
	seedConnection(t, db, "c1")

	if err := store.RecordSyncFailure(ctx, "c1", "rate limited"); err != nil {
		t.Fatal(err)
	}
	c, _ := store.Get(ctx, "c1")
	if !c.Degraded || c.LastError != "rate limited" || c.Status != core.StatusActive {
		t.Errorf("after failure: %+v", c)
	}

	at := time.Now().UTC().Truncate(time.Second)
	if err := store.RecordSyncSuccess(ctx, "c1", at); err != nil {
		t.Fatal(err)
	}
	c, _ = store.Get(ctx, "c1")
	if c.Degraded || c.LastError != "" {
		t.Errorf("after success: degraded=%v lastError=%q", c.Degraded, c.LastError)
	}
	if c.LastSyncAt == nil || !c.LastSyncAt.Equal(at) {
		t.Errorf("LastSyncAt = %v, want %v", c.LastSyncAt, at)
	}
}

func TestConnectionStore_SetStatusRevoked(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	store := NewConnectionStore(db)
	seedConnection(t, db, "c1")

	if err := store.SetStatus(ctx, "c1", core.StatusRevoked, ""); err != nil {
		t.Fatal(err)
	}
	c, _ := store.Get(ctx, "c1")
	if c.Status != core.StatusRevoked || c.RevokedAt == nil {
		t.Fatalf("status = %v revokedAt = %v", c.Status, c.RevokedAt)
	}
	first := *c.RevokedAt

	// revoking twice keeps the original timestamp
	if err := store.SetStatus(ctx, "c1", core.StatusRevoked, ""); err != nil {
		t.Fatal(err)
	}
	c, _ = store.Get(ctx, "c1")
	if !c.RevokedAt.Equal(first) {
		t.Errorf("RevokedAt moved from %v to %v", first, *c.RevokedAt)
	}

	// a success stamp does not resurrect a revoked connection
	if err := store.RecordSyncSuccess(ctx, "c1", time.Now()); err != nil {
		t.Fatal(err)
	}
	c, _ = store.Get(ctx, "c1")
	if c.LastSyncAt != nil {
		t.Error("RecordSyncSuccess should not touch a revoked connection")
	}

	if err := store.SetStatus(ctx, "missing", core.StatusError, "x"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("SetStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestConnectionStore_Lists(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	store := NewConnectionStore(db)
	seedConnection(t, db, "c1")
	seedConnection(t, db, "c2")
	store.SetStatus(ctx, "c2", core.StatusError, "refresh rejected")

	active, err := store.ListByStatus(ctx, core.StatusActive)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "c1" {
		t.Errorf("ListByStatus(active) = %v", active)
	}

	mine, _ := store.ListByUser(ctx, "user-1")
	if len(mine) != 2 {
		t.Errorf("ListByUser() = %d, want 2", len(mine))
	}
}

// =============================================================================
// EventStore Tests
// =============================================================================

func testEvent(conn, id string, start time.Time, synced time.Time) *core.MirroredEvent {
	return &core.MirroredEvent{
		ConnectionID: conn,
		ExternalID:   id,
		CalendarID:   "primary",
		Title:        "Event " + id,
		Start:        start,
		End:          start.Add(time.Hour),
		Attendees:    []core.Attendee{{Email: "a@example.org", ResponseStatus: "accepted"}},
		Reminders:    core.Reminders{Overrides: []core.Reminder{{Method: "popup", Minutes: 10}}},
		Visibility:   "private",
		ReadOnly:     true,
		SyncStatus:   core.EventSynced,
		LastSyncedAt: synced,
		ExternalLink: "https://calendar.google.com/event?eid=" + id,
	}
}

func TestEventStore_UpsertIsKeyedByExternalID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	store := NewEventStore(db)
	seedConnection(t, db, "c1")

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e := testEvent("c1", "ev1", start, start)
	if err := store.Upsert(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.Title = "Renamed"
	if err := store.Upsert(ctx, e); err != nil {
		t.Fatal(err)
	}

	n, _ := store.Count(ctx, "c1")
	if n != 1 {
		t.Fatalf("Count() = %d, want 1", n)
	}
	got, err := store.Get(ctx, "c1", "primary", "ev1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Renamed" || !got.ReadOnly || got.Visibility != "private" {
		t.Errorf("Get() = %+v", got)
	}
	if len(got.Attendees) != 1 || got.Reminders.Overrides[0].Minutes != 10 {
		t.Errorf("attendees/reminders lost: %+v %+v", got.Attendees, got.Reminders)
	}
	if !got.Start.Equal(start) {
		t.Errorf("Start = %v, want %v", got.Start, start)
	}
}

func TestEventStore_ApplyPageAndPrune(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	store := NewEventStore(db)
	seedConnection(t, db, "c1")

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pass := old.Add(time.Hour)
	start := old.Add(48 * time.Hour)

	if err := store.ApplyPage(ctx, "c1", "primary", []*core.MirroredEvent{
		testEvent("c1", "keep", start, old),
		testEvent("c1", "gone", start, old),
		testEvent("c1", "orphan", start, old),
	}, nil); err != nil {
		t.Fatal(err)
	}

	// next pass refreshes "keep", deletes "gone", never mentions "orphan"
	if err := store.ApplyPage(ctx, "c1", "primary",
		[]*core.MirroredEvent{testEvent("c1", "keep", start, pass)},
		[]string{"gone", "never-existed"}); err != nil {
		t.Fatal(err)
	}
	pruned, err := store.PruneCalendar(ctx, "c1", "primary", pass)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Errorf("PruneCalendar() = %d, want 1", pruned)
	}

	events, _ := store.List(ctx, EventQuery{ConnectionID: "c1"})
	if len(events) != 1 || events[0].ExternalID != "keep" {
		t.Errorf("List() = %v", events)
	}
}

func TestEventStore_SharedEventInTwoCalendars(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	store := NewEventStore(db)
	seedConnection(t, db, "c1")

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	inPrimary := testEvent("c1", "shared", start, start)
	inLab := testEvent("c1", "shared", start, start)
	inLab.CalendarID = "lab"
	inLab.Title = "Lab copy"

	if err := store.ApplyPage(ctx, "c1", "primary", []*core.MirroredEvent{inPrimary}, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.ApplyPage(ctx, "c1", "lab", []*core.MirroredEvent{inLab}, nil); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.Count(ctx, "c1"); n != 2 {
		t.Fatalf("Count() = %d, want 2", n)
	}

	// cancelled in lab only
	if err := store.ApplyPage(ctx, "c1", "lab", nil, []string{"shared"}); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, "c1", "primary", "shared")
	if err != nil {
		t.Fatalf("primary copy lost: %v", err)
	}
	if got.Title != "Event shared" {
		t.Errorf("Title = %q", got.Title)
	}
	if _, err := store.Get(ctx, "c1", "lab", "shared"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get(lab) error = %v, want not found", err)
	}
}

func TestEventStore_DeleteForConnection(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	store := NewEventStore(db)
	seedConnection(t, db, "c1")
	seedConnection(t, db, "c2")

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.Upsert(ctx, testEvent("c1", "a", start, start))
	store.Upsert(ctx, testEvent("c1", "b", start, start))
	store.Upsert(ctx, testEvent("c2", "a", start, start))

	if err := store.DeleteForConnection(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.Count(ctx, "c1"); n != 0 {
		t.Errorf("Count(c1) = %d, want 0", n)
	}
	if n, _ := store.Count(ctx, "c2"); n != 1 {
		t.Errorf("Count(c2) = %d, want 1", n)
	}
}

func TestEventStore_MarkStaleAndListWindow(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	store := NewEventStore(db)
	seedConnection(t, db, "c1")

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		store.Upsert(ctx, testEvent("c1", id, base.Add(time.Duration(i)*24*time.Hour), base))
	}

	n, err := store.MarkStale(ctx, "c1")
	if err != nil || n != 3 {
		t.Fatalf("MarkStale() = %d, %v", n, err)
	}

	events, err := store.List(ctx, EventQuery{
		ConnectionID: "c1",
		From:         base.Add(12 * time.Hour),
		To:           base.Add(36 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ExternalID != "b" {
		t.Fatalf("List(window) = %v", events)
	}
	if events[0].SyncStatus != core.EventStale {
		t.Errorf("SyncStatus = %v, want stale", events[0].SyncStatus)
	}
}

// =============================================================================
// SyncStateStore Tests
// =============================================================================

func TestSyncStateStore(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	store := NewSyncStateStore(db)
	seedConnection(t, db, "c1")

	if _, err := store.Get(ctx, "c1", "primary"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Get() before put error = %v", err)
	}

	ws := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	st := &core.SyncState{ConnectionID: "c1", CalendarID: "primary", SyncToken: "T0", WindowStart: ws, WindowEnd: ws.AddDate(1, 6, 0)}
	if err := store.Put(ctx, st); err != nil {
		t.Fatal(err)
	}
	st.SyncToken = "T1"
	if err := store.Put(ctx, st); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "c1", "primary")
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncToken != "T1" || !got.WindowStart.Equal(ws) {
		t.Errorf("Get() = %+v", got)
	}

	if err := store.Delete(ctx, "c1", "primary"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "c1", "primary"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}

	for _, cal := range []string{"primary", "lab"} {
		st := &core.SyncState{ConnectionID: "c1", CalendarID: cal, SyncToken: "T", WindowStart: ws, WindowEnd: ws.AddDate(1, 0, 0)}
		if err := store.Put(ctx, st); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.DeleteForConnection(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "c1", "lab"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get() after DeleteForConnection error = %v", err)
	}
}

// =============================================================================
// ChannelStore Tests
// =============================================================================

func TestChannelStore_ReplaceKeepsOneActive(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	store := NewChannelStore(db)
	seedConnection(t, db, "c1")

	exp := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	first := &core.WebhookChannel{ChannelID: "ch1", ConnectionID: "c1", CalendarID: "primary", ResourceID: "r1", TokenHash: "h1", Expiry: exp}
	if err := store.Insert(ctx, first); err != nil {
		t.Fatal(err)
	}

	// a second active channel for the same calendar is refused
	dup := &core.WebhookChannel{ChannelID: "dup", ConnectionID: "c1", CalendarID: "primary", ResourceID: "r1", TokenHash: "h", Expiry: exp}
	if err := store.Insert(ctx, dup); err == nil {
		t.Fatal("Insert() of second active channel should fail")
	}

	next := &core.WebhookChannel{ChannelID: "ch2", ConnectionID: "c1", CalendarID: "primary", ResourceID: "r2", TokenHash: "h2", Expiry: exp.Add(7 * 24 * time.Hour)}
	if err := store.Replace(ctx, "ch1", next); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	active, err := store.GetActive(ctx, "c1", "primary")
	if err != nil {
		t.Fatal(err)
	}
	if active.ChannelID != "ch2" {
		t.Errorf("active channel = %s, want ch2", active.ChannelID)
	}
	old, _ := store.Get(ctx, "ch1")
	if old.Active() {
		t.Error("replaced channel should be stopped")
	}

	expiring, _ := store.ListExpiring(ctx, exp.Add(30*24*time.Hour))
	if len(expiring) != 1 || expiring[0].ChannelID != "ch2" {
		t.Errorf("ListExpiring() = %v", expiring)
	}
	expiring, _ = store.ListExpiring(ctx, exp)
	if len(expiring) != 0 {
		t.Errorf("ListExpiring(before expiry) = %v, want none", expiring)
	}

	if err := store.MarkStopped(ctx, "ch2"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetActive(ctx, "c1", "primary"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetActive() after stop error = %v", err)
	}
}
