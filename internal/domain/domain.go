package domain

import "errors"

// Category discriminates the kind of remote entity a Record observes.
type Category string

const (
	CategoryAnnouncement Category = "announcement"
	CategoryContent      Category = "content"
	CategoryAssignment   Category = "assignment"
	CategoryGrade        Category = "grade_item"
)

// Categories lists all valid categories in notification priority order.
var Categories = []Category{
	CategoryAnnouncement,
	CategoryContent,
	CategoryAssignment,
	CategoryGrade,
}

func (c Category) Valid() bool {
	switch c {
	case CategoryAnnouncement, CategoryContent, CategoryAssignment, CategoryGrade:
		return true
	}
	return false
}

// Record is one normalized observation of a remote entity. It is a value:
// identity across runs lives only in the ledger, keyed by fingerprint.
type Record struct {
	Category   Category          `json:"category"`
	GroupID    string            `json:"group_id"`
	GroupLabel string            `json:"group_label,omitempty"`
	Title      string            `json:"title"`
	DetailRef  string            `json:"detail_ref,omitempty"`
	ExternalID string            `json:"external_id,omitempty"`
	ObservedAt string            `json:"observed_at,omitempty" format:"date-time"`
	DueAt      string            `json:"due_at,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
}

// Field returns a payload value and whether it was observed at all.
func (r Record) Field(key string) (string, bool) {
	v, ok := r.Payload[key]
	return v, ok
}

// Row is the persisted ledger state for one identity key.
type Row struct {
	IdentityKey          string   `json:"identity_key"`
	Category             Category `json:"category"`
	GroupID              string   `json:"group_id"`
	GroupLabel           string   `json:"group_label,omitempty"`
	Title                string   `json:"title,omitempty"`
	DetailRef            string   `json:"detail_ref,omitempty"`
	DueAt                string   `json:"due_at,omitempty"`
	LastStateKey         string   `json:"last_state_key"`
	LastNotifiedStateKey string   `json:"last_notified_state_key,omitempty"`
	PayloadJSON          string   `json:"payload_json,omitempty"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
	LastSeenAt           string   `json:"last_seen_at" format:"date-time"`
	LastNotifiedAt       string   `json:"last_notified_at,omitempty" format:"date-time"`
}

// Classification partitions one fetched batch against the ledger.
type Classification struct {
	New       []Record `json:"new"`
	Updated   []Record `json:"updated"`
	Unchanged []Record `json:"unchanged"`
}

// SubsourceError reports a failed sub-source fetch. It shrinks the batch
// but never aborts a run.
type SubsourceError struct {
	Source string `json:"source"`
	Cause  string `json:"cause"`
}

func (e SubsourceError) Error() string {
	return e.Source + ": " + e.Cause
}

// Run statuses.
const (
	RunCompleted    = "completed"
	RunBootstrapped = "bootstrapped"
	RunAborted      = "aborted"
)

// Preview is a notification that a dry run would have sent.
type Preview struct {
	IdentityKey string `json:"identity_key"`
	StateKey    string `json:"state_key"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Link        string `json:"link,omitempty"`
}

// RunSummary is the structured result of one polling cycle. The engine
// computes it and returns it; it never prints.
type RunSummary struct {
	RunID        string           `json:"run_id"`
	Status       string           `json:"status"`
	StartedAt    string           `json:"started_at" format:"date-time"`
	ElapsedMS    int64            `json:"elapsed_ms"`
	Fetched      int              `json:"fetched"`
	New          int              `json:"new"`
	Updated      int              `json:"updated"`
	Unchanged    int              `json:"unchanged"`
	Candidates   int              `json:"candidates"`
	Notified     int              `json:"notified"`
	FailedNotify int              `json:"failed_notify"`
	Deferred     int              `json:"deferred"`
	DryRun       bool             `json:"dry_run,omitempty"`
	FetchErrors  []SubsourceError `json:"fetch_errors,omitempty"`
	Previews     []Preview        `json:"previews,omitempty"`
}

// Event is one append-only log entry tied to a run.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	RunID       string `json:"run_id,omitempty"`
	IdentityKey string `json:"identity_key,omitempty"`
	Payload     string `json:"payload_json"`
}

var ErrNotFound = errors.New("not found")

// StorageError marks a ledger I/O failure. A run must abort before any
// notification once one is seen.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string { return "storage " + e.Op + ": " + e.Err.Error() }
func (e StorageError) Unwrap() error { return e.Err }

func IsStorageError(err error) bool {
	var se StorageError
	return errors.As(err, &se)
}
