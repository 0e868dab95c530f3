// Package events appends an audit trail of run activity: starts, pushes,
// failures, completions. Rows are append-only.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/domain"
)

const (
	TypeRunStart     = "run.start"
	TypeRunBootstrap = "run.bootstrap"
	TypeNotifySent   = "notify.sent"
	TypeNotifyFailed = "notify.failed"
	TypeRunDone      = "run.done"
)

type EventPayload map[string]any

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes one event. identityKey may be empty for run-level events.
func (w Writer) Append(ctx context.Context, evtType, runID, identityKey string, payload EventPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx,
		`INSERT INTO events(ts, type, run_id, identity_key, payload_json) VALUES (?,?,?,?,?)`,
		w.now().UTC().Format(time.RFC3339), evtType, runID, nullableKey(identityKey), string(data))
	return err
}

// List returns the most recent events, newest first.
func List(ctx context.Context, db *sql.DB, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, ts, type, COALESCE(run_id,''), COALESCE(identity_key,''), payload_json
 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.IdentityKey, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableKey(v string) any {
	if v == "" {
		return nil
	}
	return v
}
