// Package engine coordinates one watcher run: fetch, classify, persist,
// notify, acknowledge. Run owns the store for its duration; nothing here
// supports concurrent runs against the same database.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/classify"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/config"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/domain"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/events"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/fetch"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/fingerprint"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/ledger"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/notify"
)

// Fetcher produces the batch for one run.
type Fetcher interface {
	Fetch(ctx context.Context) ([]domain.Record, []domain.SubsourceError)
}

type Engine struct {
	DB       *sql.DB
	Ledger   ledger.Ledger
	Events   events.Writer
	Config   config.Config
	Fetcher  Fetcher
	Notifier notify.Notifier
	Now      func() time.Time
}

func New(db *sql.DB, cfg config.Config) *Engine {
	e := &Engine{
		DB:     db,
		Ledger: ledger.Ledger{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
	}
	var sources []fetch.Source
	for _, s := range cfg.Fetch.Sources {
		switch s.Kind {
		case "file":
			sources = append(sources, fetch.FileSource{SourceName: s.Name, Path: s.Path})
		case "http":
			sources = append(sources, fetch.HTTPSource{SourceName: s.Name, URL: s.URL})
		}
	}
	e.Fetcher = fetch.Multi{
		Sources: sources,
		Timeout: time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
	}
	if ep := notify.NormalizeEndpoint(cfg.Notify.BarkEndpoint); ep != "" {
		e.Notifier = notify.Bark{
			Endpoint: ep,
			Client:   &http.Client{Timeout: time.Duration(cfg.Notify.TimeoutSeconds) * time.Second},
		}
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) writer() events.Writer {
	ev := e.Events
	if ev.Now == nil {
		ev.Now = e.now
	}
	return ev
}

func (e *Engine) policy() classify.Policy {
	p := classify.DefaultPolicy()
	if e.Config.Notify.OnUpdate != nil {
		p.NotifyOnUpdate = map[domain.Category]bool{}
		for cat, on := range e.Config.Notify.OnUpdate {
			p.NotifyOnUpdate[domain.Category(cat)] = on
		}
	}
	return p
}

type RunOptions struct {
	DryRun bool
	// Limit caps pushes this run; 0 means the configured limit.
	Limit int
}

// Run executes one full cycle. A storage failure aborts before anything is
// pushed; a push failure only skips that record's acknowledgement, so the
// next run retries it.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (domain.RunSummary, error) {
	started := e.now()
	summary := domain.RunSummary{
		RunID:     uuid.NewString(),
		Status:    domain.RunCompleted,
		StartedAt: started.UTC().Format(time.RFC3339),
		DryRun:    opts.DryRun,
	}
	ev := e.writer()
	_ = ev.Append(ctx, events.TypeRunStart, summary.RunID, "", events.EventPayload{"dry_run": opts.DryRun})

	records, fetchErrs := e.Fetcher.Fetch(ctx)
	summary.Fetched = len(records)
	summary.FetchErrors = fetchErrs

	rows, err := e.Ledger.RowsFor(ctx, records)
	if err != nil {
		return e.abort(ctx, summary, started, err)
	}

	// Read before any acknowledgement: silent acks below would flip it.
	everNotified, err := e.Ledger.HasAnyNotifiedRow(ctx)
	if err != nil {
		return e.abort(ctx, summary, started, err)
	}

	sel := classify.Select(records, rows, e.policy())
	summary.New = len(sel.New)
	summary.Updated = len(sel.Updated)
	summary.Unchanged = len(sel.Unchanged)
	summary.Candidates = len(sel.Candidates)

	if err := e.Ledger.Upsert(ctx, records, e.now()); err != nil {
		return e.abort(ctx, summary, started, err)
	}

	if !everNotified && len(records) > 0 {
		return e.bootstrap(ctx, summary, started, records, opts)
	}

	silent := make([]ledger.StateAck, 0, len(sel.SilentAcks))
	for _, a := range sel.SilentAcks {
		silent = append(silent, ledger.StateAck{IdentityKey: a.IdentityKey, StateKey: a.StateKey})
	}
	if err := e.Ledger.AcknowledgeState(ctx, silent); err != nil {
		return e.abort(ctx, summary, started, err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = e.Config.Notify.LimitPerRun
	}

	sent := 0
	for _, c := range sel.Candidates {
		var msg notify.Message
		if c.Updated {
			var ok bool
			msg, ok = notify.UpdatedItemMessage(c.Record, c.OldPayload, c.OldDueAt)
			if !ok {
				// Nothing worth pushing; stop it from resurfacing.
				ack := []ledger.StateAck{{IdentityKey: c.IdentityKey, StateKey: c.StateKey}}
				if err := e.Ledger.AcknowledgeState(ctx, ack); err != nil {
					return e.abort(ctx, summary, started, err)
				}
				continue
			}
		} else {
			msg = notify.NewItemMessage(c.Record)
		}

		if sent >= limit {
			summary.Deferred++
			continue
		}
		sent++

		if opts.DryRun {
			summary.Previews = append(summary.Previews, domain.Preview{
				IdentityKey: c.IdentityKey,
				StateKey:    c.StateKey,
				Title:       msg.Title,
				Body:        msg.Body,
				Link:        msg.Link,
			})
			continue
		}

		if err := e.push(ctx, msg); err != nil {
			summary.FailedNotify++
			_ = ev.Append(ctx, events.TypeNotifyFailed, summary.RunID, c.IdentityKey,
				events.EventPayload{"title": msg.Title, "error": err.Error()})
			continue
		}
		if err := e.Ledger.Acknowledge(ctx, c.IdentityKey, c.StateKey, e.now()); err != nil {
			return e.abort(ctx, summary, started, err)
		}
		summary.Notified++
		_ = ev.Append(ctx, events.TypeNotifySent, summary.RunID, c.IdentityKey,
			events.EventPayload{"title": msg.Title})
	}

	return e.finish(ctx, summary, started)
}

// bootstrap handles the very first productive run: the whole backlog is
// acknowledged behind a single summary push instead of flooding the device.
func (e *Engine) bootstrap(ctx context.Context, summary domain.RunSummary, started time.Time, records []domain.Record, opts RunOptions) (domain.RunSummary, error) {
	summary.Status = domain.RunBootstrapped
	ev := e.writer()

	groups := map[string]bool{}
	for _, r := range records {
		groups[r.GroupID] = true
	}
	msg := notify.Message{
		Title: "Blackboard watcher initialized",
		Body:  fmt.Sprintf("Tracking %d items across %d courses.", len(records), len(groups)),
	}
	_ = ev.Append(ctx, events.TypeRunBootstrap, summary.RunID, "",
		events.EventPayload{"items": len(records), "courses": len(groups)})

	if opts.DryRun {
		summary.Previews = append(summary.Previews, domain.Preview{Title: msg.Title, Body: msg.Body})
		return e.finish(ctx, summary, started)
	}

	if err := e.push(ctx, msg); err != nil {
		// Leave everything unacknowledged; the next run bootstraps again.
		summary.FailedNotify = 1
		_ = ev.Append(ctx, events.TypeNotifyFailed, summary.RunID, "",
			events.EventPayload{"title": msg.Title, "error": err.Error()})
		return e.finish(ctx, summary, started)
	}
	summary.Notified = 1

	acks := make([]ledger.StateAck, 0, len(records))
	for _, r := range records {
		acks = append(acks, ledger.StateAck{
			IdentityKey: fingerprint.IdentityKey(r),
			StateKey:    fingerprint.StateKey(r),
		})
	}
	if err := e.Ledger.AcknowledgeState(ctx, acks); err != nil {
		return e.abort(ctx, summary, started, err)
	}
	return e.finish(ctx, summary, started)
}

func (e *Engine) push(ctx context.Context, msg notify.Message) error {
	if e.Notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	if t := e.Config.Notify.TimeoutSeconds; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t)*time.Second)
		defer cancel()
	}
	return e.Notifier.Notify(ctx, msg)
}

func (e *Engine) finish(ctx context.Context, summary domain.RunSummary, started time.Time) (domain.RunSummary, error) {
	summary.ElapsedMS = e.now().Sub(started).Milliseconds()
	_ = e.writer().Append(ctx, events.TypeRunDone, summary.RunID, "", events.EventPayload{
		"status":   summary.Status,
		"notified": summary.Notified,
		"deferred": summary.Deferred,
	})
	if err := e.Ledger.InsertRun(ctx, summary); err != nil {
		return summary, err
	}
	return summary, nil
}

func (e *Engine) abort(ctx context.Context, summary domain.RunSummary, started time.Time, cause error) (domain.RunSummary, error) {
	summary.Status = domain.RunAborted
	summary.ElapsedMS = e.now().Sub(started).Milliseconds()
	// Best effort: the store that failed may refuse this write too.
	_ = e.Ledger.InsertRun(ctx, summary)
	return summary, cause
}
