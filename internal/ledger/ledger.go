// Package ledger is the durable record of everything the watcher has ever
// seen and notified, one row per identity key. It is the only holder of
// identity across runs. Not safe for concurrent writers: one run owns the
// store for its duration.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/domain"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/fingerprint"
)

type Ledger struct {
	DB *sql.DB
}

// StateAck pairs an identity key with the state key being acknowledged.
type StateAck struct {
	IdentityKey string
	StateKey    string
}

const rowColumns = `identity_key,category,group_id,COALESCE(group_label,''),COALESCE(title,''),COALESCE(detail_ref,''),COALESCE(due_at,''),last_state_key,COALESCE(last_notified_state_key,''),COALESCE(payload_json,''),created_at,last_seen_at,COALESCE(last_notified_at,'')`

func scanRow(s interface{ Scan(...any) error }) (domain.Row, error) {
	var r domain.Row
	err := s.Scan(&r.IdentityKey, &r.Category, &r.GroupID, &r.GroupLabel, &r.Title,
		&r.DetailRef, &r.DueAt, &r.LastStateKey, &r.LastNotifiedStateKey,
		&r.PayloadJSON, &r.CreatedAt, &r.LastSeenAt, &r.LastNotifiedAt)
	return r, err
}

func (l Ledger) Get(ctx context.Context, identityKey string) (domain.Row, error) {
	row, err := scanRow(l.DB.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM ledger WHERE identity_key=?`, identityKey))
	if err == sql.ErrNoRows {
		return row, domain.ErrNotFound
	}
	if err != nil {
		return row, domain.StorageError{Op: "get", Err: err}
	}
	return row, nil
}

// RowsFor looks up the ledger rows for a batch, keyed by identity key.
// SQLite caps bound parameters, so the lookup is chunked.
func (l Ledger) RowsFor(ctx context.Context, records []domain.Record) (map[string]domain.Row, error) {
	keys := make([]string, 0, len(records))
	seen := map[string]bool{}
	for _, r := range records {
		k := fingerprint.IdentityKey(r)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	out := make(map[string]domain.Row, len(keys))
	const chunkSize = 500
	for i := 0; i < len(keys); i += chunkSize {
		chunk := keys[i:min(i+chunkSize, len(keys))]
		placeholders := "?"
		args := []any{chunk[0]}
		for _, k := range chunk[1:] {
			placeholders += ",?"
			args = append(args, k)
		}
		rows, err := l.DB.QueryContext(ctx,
			`SELECT `+rowColumns+` FROM ledger WHERE identity_key IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, domain.StorageError{Op: "lookup", Err: err}
		}
		for rows.Next() {
			r, err := scanRow(rows)
			if err != nil {
				rows.Close()
				return nil, domain.StorageError{Op: "lookup", Err: err}
			}
			out[r.IdentityKey] = r
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, domain.StorageError{Op: "lookup", Err: err}
		}
		rows.Close()
	}
	return out, nil
}

// Classify partitions a batch into new / updated / unchanged against the
// stored state keys. Read-only.
func (l Ledger) Classify(ctx context.Context, records []domain.Record) (domain.Classification, error) {
	var c domain.Classification
	existing, err := l.RowsFor(ctx, records)
	if err != nil {
		return c, err
	}
	for _, r := range records {
		row, ok := existing[fingerprint.IdentityKey(r)]
		switch {
		case !ok:
			c.New = append(c.New, r)
		case row.LastStateKey != fingerprint.StateKey(r):
			c.Updated = append(c.Updated, r)
		default:
			c.Unchanged = append(c.Unchanged, r)
		}
	}
	return c, nil
}

// Upsert makes the batch durable: new keys get a row, changed keys advance
// last_state_key, unchanged keys only touch last_seen_at. Idempotent; one
// transaction so a killed run never leaves half-written rows.
func (l Ledger) Upsert(ctx context.Context, records []domain.Record, now time.Time) error {
	if len(records) == 0 {
		return nil
	}
	ts := now.UTC().Format(time.RFC3339)
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StorageError{Op: "upsert", Err: err}
	}
	defer tx.Rollback()

	for _, r := range records {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return domain.StorageError{Op: "upsert", Err: err}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO ledger(
  identity_key,category,group_id,group_label,title,detail_ref,due_at,
  last_state_key,payload_json,created_at,last_seen_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(identity_key) DO UPDATE SET
  group_label=excluded.group_label,
  title=excluded.title,
  detail_ref=excluded.detail_ref,
  due_at=excluded.due_at,
  last_state_key=excluded.last_state_key,
  payload_json=excluded.payload_json,
  last_seen_at=excluded.last_seen_at`,
			fingerprint.IdentityKey(r), r.Category, r.GroupID, nullable(r.GroupLabel),
			nullable(r.Title), nullable(r.DetailRef), nullable(r.DueAt),
			fingerprint.StateKey(r), string(payload), ts, ts)
		if err != nil {
			return domain.StorageError{Op: "upsert", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.StorageError{Op: "upsert", Err: err}
	}
	return nil
}

// Acknowledge records a confirmed notification. Guarded: it is a no-op when
// the row has already advanced past stateKey, never an error.
func (l Ledger) Acknowledge(ctx context.Context, identityKey, stateKey string, when time.Time) error {
	_, err := l.DB.ExecContext(ctx,
		`UPDATE ledger SET last_notified_state_key=?, last_notified_at=?
 WHERE identity_key=? AND last_state_key=?`,
		stateKey, when.UTC().Format(time.RFC3339), identityKey, stateKey)
	if err != nil {
		return domain.StorageError{Op: "acknowledge", Err: err}
	}
	return nil
}

// AcknowledgeState advances last_notified_state_key without recording a
// delivery time. Used for updates the notify policy absorbs silently, so
// they stop surfacing as candidates.
func (l Ledger) AcknowledgeState(ctx context.Context, acks []StateAck) error {
	if len(acks) == 0 {
		return nil
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StorageError{Op: "ack-state", Err: err}
	}
	defer tx.Rollback()
	for _, a := range acks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE ledger SET last_notified_state_key=? WHERE identity_key=?`,
			a.StateKey, a.IdentityKey); err != nil {
			return domain.StorageError{Op: "ack-state", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.StorageError{Op: "ack-state", Err: err}
	}
	return nil
}

// HasAnyNotifiedRow answers the bootstrap question. The partial index on
// notified rows keeps this off the full table.
func (l Ledger) HasAnyNotifiedRow(ctx context.Context) (bool, error) {
	var n int
	err := l.DB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger WHERE last_notified_state_key IS NOT NULL)`).Scan(&n)
	if err != nil {
		return false, domain.StorageError{Op: "has-notified", Err: err}
	}
	return n == 1, nil
}

type Counts struct {
	Total       int                     `json:"total"`
	Notified    int                     `json:"notified"`
	PerCategory map[domain.Category]int `json:"per_category"`
}

func (l Ledger) Counts(ctx context.Context) (Counts, error) {
	c := Counts{PerCategory: map[domain.Category]int{}}
	err := l.DB.QueryRowContext(ctx,
		`SELECT COUNT(1), COALESCE(SUM(CASE WHEN last_notified_state_key IS NOT NULL THEN 1 ELSE 0 END),0) FROM ledger`).
		Scan(&c.Total, &c.Notified)
	if err != nil {
		return c, domain.StorageError{Op: "counts", Err: err}
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT category, COUNT(1) FROM ledger GROUP BY category`)
	if err != nil {
		return c, domain.StorageError{Op: "counts", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var cat domain.Category
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return c, domain.StorageError{Op: "counts", Err: err}
		}
		c.PerCategory[cat] = n
	}
	return c, rows.Err()
}

type Filters struct {
	Category domain.Category
	GroupID  string
	Limit    int
}

func (l Ledger) List(ctx context.Context, f Filters) ([]domain.Row, error) {
	query := `SELECT ` + rowColumns + ` FROM ledger`
	var clauses []string
	var args []any
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.GroupID != "" {
		clauses = append(clauses, "group_id=?")
		args = append(args, f.GroupID)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY category, group_id, last_seen_at DESC, identity_key"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()
	var res []domain.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, domain.StorageError{Op: "list", Err: err}
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// ExportRows returns every ledger row for export.
func (l Ledger) ExportRows(ctx context.Context) ([]domain.Row, error) {
	return l.List(ctx, Filters{})
}

// InsertRun persists one run summary for `bbw runs` and the status API.
func (l Ledger) InsertRun(ctx context.Context, s domain.RunSummary) error {
	errsJSON, err := json.Marshal(s.FetchErrors)
	if err != nil {
		return domain.StorageError{Op: "insert-run", Err: err}
	}
	_, err = l.DB.ExecContext(ctx, `INSERT INTO runs(
  run_id,status,started_at,elapsed_ms,fetched,new_count,updated_count,
  unchanged_count,candidates,notified,failed_notify,deferred,dry_run,fetch_errors_json
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.RunID, s.Status, s.StartedAt, s.ElapsedMS, s.Fetched, s.New, s.Updated,
		s.Unchanged, s.Candidates, s.Notified, s.FailedNotify, s.Deferred,
		boolInt(s.DryRun), string(errsJSON))
	if err != nil {
		return domain.StorageError{Op: "insert-run", Err: err}
	}
	return nil
}

func (l Ledger) ListRuns(ctx context.Context, limit int) ([]domain.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT
  run_id,status,started_at,elapsed_ms,fetched,new_count,updated_count,
  unchanged_count,candidates,notified,failed_notify,deferred,dry_run,COALESCE(fetch_errors_json,'')
 FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, domain.StorageError{Op: "list-runs", Err: err}
	}
	defer rows.Close()
	var res []domain.RunSummary
	for rows.Next() {
		var s domain.RunSummary
		var dryRun int
		var errsJSON string
		if err := rows.Scan(&s.RunID, &s.Status, &s.StartedAt, &s.ElapsedMS, &s.Fetched,
			&s.New, &s.Updated, &s.Unchanged, &s.Candidates, &s.Notified,
			&s.FailedNotify, &s.Deferred, &dryRun, &errsJSON); err != nil {
			return nil, domain.StorageError{Op: "list-runs", Err: err}
		}
		s.DryRun = dryRun == 1
		if errsJSON != "" {
			_ = json.Unmarshal([]byte(errsJSON), &s.FetchErrors)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// LastRun returns the most recent run summary, or ErrNotFound.
func (l Ledger) LastRun(ctx context.Context) (domain.RunSummary, error) {
	runs, err := l.ListRuns(ctx, 1)
	if err != nil {
		return domain.RunSummary{}, err
	}
	if len(runs) == 0 {
		return domain.RunSummary{}, domain.ErrNotFound
	}
	return runs[0], nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
