package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/db"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/domain"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/fingerprint"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/ledger"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/migrate"
)

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ledger.Ledger{DB: conn}
}

func announcement(id, title, content string) domain.Record {
	return domain.Record{
		Category:   domain.CategoryAnnouncement,
		GroupID:    "course-101",
		GroupLabel: "Intro to Algorithms",
		Title:      title,
		ExternalID: id,
		ObservedAt: "2024-01-01T11:00:00Z",
		Payload:    map[string]string{"content": content, "author": "prof"},
	}
}

func TestUpsertIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	rec := announcement("a1", "Welcome", "first post")

	if err := l.Upsert(ctx, []domain.Record{rec}, testNow); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	first, err := l.Get(ctx, fingerprint.IdentityKey(rec))
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	later := testNow.Add(time.Hour)
	if err := l.Upsert(ctx, []domain.Record{rec}, later); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	second, err := l.Get(ctx, fingerprint.IdentityKey(rec))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.LastStateKey != first.LastStateKey {
		t.Errorf("state key changed on identical upsert")
	}
	if second.CreatedAt != first.CreatedAt {
		t.Errorf("created_at rewritten: %q -> %q", first.CreatedAt, second.CreatedAt)
	}
	if second.LastSeenAt == first.LastSeenAt {
		t.Errorf("last_seen_at not advanced")
	}
}

func TestClassifyPartition(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	a := announcement("a1", "Welcome", "first post")
	b := announcement("a2", "Homework", "read chapter 2")

	if err := l.Upsert(ctx, []domain.Record{a, b}, testNow); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	edited := a
	edited.Payload = map[string]string{"content": "first post (edited)", "author": "prof"}
	fresh := announcement("a3", "Exam", "midterm in week 8")

	c, err := l.Classify(ctx, []domain.Record{edited, b, fresh})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(c.New) != 1 || c.New[0].ExternalID != "a3" {
		t.Errorf("new = %+v, want just a3", c.New)
	}
	if len(c.Updated) != 1 || c.Updated[0].ExternalID != "a1" {
		t.Errorf("updated = %+v, want just a1", c.Updated)
	}
	if len(c.Unchanged) != 1 || c.Unchanged[0].ExternalID != "a2" {
		t.Errorf("unchanged = %+v, want just a2", c.Unchanged)
	}
}

func TestAcknowledgeGuard(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	rec := announcement("a1", "Welcome", "first post")
	key := fingerprint.IdentityKey(rec)
	state := fingerprint.StateKey(rec)

	if err := l.Upsert(ctx, []domain.Record{rec}, testNow); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := l.Acknowledge(ctx, key, state, testNow); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	row, err := l.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.LastNotifiedStateKey != state {
		t.Fatalf("last_notified_state_key = %q, want %q", row.LastNotifiedStateKey, state)
	}

	// The record moves on before a stale acknowledge lands.
	edited := rec
	edited.Payload = map[string]string{"content": "edited", "author": "prof"}
	if err := l.Upsert(ctx, []domain.Record{edited}, testNow.Add(time.Minute)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := l.Acknowledge(ctx, key, state, testNow.Add(2*time.Minute)); err != nil {
		t.Fatalf("stale acknowledge should be a no-op, got %v", err)
	}
	row, err = l.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.LastNotifiedStateKey != state {
		t.Errorf("stale acknowledge overwrote notified state")
	}
	if row.LastNotifiedStateKey == row.LastStateKey {
		t.Errorf("row should still be pending after the edit")
	}
}

func TestHasAnyNotifiedRow(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	got, err := l.HasAnyNotifiedRow(ctx)
	if err != nil {
		t.Fatalf("has-notified: %v", err)
	}
	if got {
		t.Fatalf("empty store should report no notified rows")
	}

	rec := announcement("a1", "Welcome", "first post")
	if err := l.Upsert(ctx, []domain.Record{rec}, testNow); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = l.HasAnyNotifiedRow(ctx)
	if err != nil {
		t.Fatalf("has-notified: %v", err)
	}
	if got {
		t.Fatalf("seen-but-unnotified rows should not count")
	}

	err = l.AcknowledgeState(ctx, []ledger.StateAck{
		{IdentityKey: fingerprint.IdentityKey(rec), StateKey: fingerprint.StateKey(rec)},
	})
	if err != nil {
		t.Fatalf("ack-state: %v", err)
	}
	got, err = l.HasAnyNotifiedRow(ctx)
	if err != nil {
		t.Fatalf("has-notified: %v", err)
	}
	if !got {
		t.Fatalf("acknowledged row should flip the flag")
	}
}

func TestGetNotFound(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Get(context.Background(), "missing"); err != domain.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCountsAndList(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grade := domain.Record{
		Category: domain.CategoryGrade,
		GroupID:  "course-101",
		Title:    "Quiz 1",
		Payload:  map[string]string{"grade": "92", "points_possible": "100"},
	}
	recs := []domain.Record{
		announcement("a1", "Welcome", "first post"),
		announcement("a2", "Homework", "read chapter 2"),
		grade,
	}
	if err := l.Upsert(ctx, recs, testNow); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := l.Acknowledge(ctx, fingerprint.IdentityKey(grade), fingerprint.StateKey(grade), testNow); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	c, err := l.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if c.Total != 3 || c.Notified != 1 {
		t.Errorf("counts = %+v, want total 3 notified 1", c)
	}
	if c.PerCategory[domain.CategoryAnnouncement] != 2 || c.PerCategory[domain.CategoryGrade] != 1 {
		t.Errorf("per-category = %+v", c.PerCategory)
	}

	rows, err := l.List(ctx, ledger.Filters{Category: domain.CategoryAnnouncement})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("list returned %d rows, want 2", len(rows))
	}
	rows, err = l.List(ctx, ledger.Filters{GroupID: "course-101", Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("limited list returned %d rows, want 1", len(rows))
	}
}

func TestRunHistory(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.LastRun(ctx); err != domain.ErrNotFound {
		t.Fatalf("last run on empty store: err = %v, want ErrNotFound", err)
	}

	first := domain.RunSummary{
		RunID: "run-1", Status: domain.RunBootstrapped,
		StartedAt: testNow.Format(time.RFC3339), ElapsedMS: 120,
		Fetched: 10, New: 10, Candidates: 10, Notified: 1,
	}
	second := domain.RunSummary{
		RunID: "run-2", Status: domain.RunCompleted,
		StartedAt: testNow.Add(time.Hour).Format(time.RFC3339), ElapsedMS: 80,
		Fetched: 10, Unchanged: 9, Updated: 1, Candidates: 1, Notified: 1,
		FetchErrors: []domain.SubsourceError{{Source: "grades", Cause: "timeout"}},
	}
	if err := l.InsertRun(ctx, first); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if err := l.InsertRun(ctx, second); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	runs, err := l.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-2" {
		t.Fatalf("runs = %+v, want run-2 first", runs)
	}
	if len(runs[0].FetchErrors) != 1 || runs[0].FetchErrors[0].Source != "grades" {
		t.Errorf("fetch errors not round-tripped: %+v", runs[0].FetchErrors)
	}

	last, err := l.LastRun(ctx)
	if err != nil {
		t.Fatalf("last run: %v", err)
	}
	if last.RunID != "run-2" || last.Status != domain.RunCompleted {
		t.Errorf("last run = %+v", last)
	}
}
