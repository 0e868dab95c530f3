// Package classify decides which records from a batch deserve a push.
// It is pure: callers hand it the batch and the stored rows, it hands back
// a partition plus the notification candidates and silent acknowledgements.
package classify

import (
	"encoding/json"
	"sort"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/domain"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/fingerprint"
)

// Policy controls which transitions produce a push per category. Anything
// it suppresses is acknowledged silently so it never surfaces again.
type Policy struct {
	NotifyOnNew    map[domain.Category]bool
	NotifyOnUpdate map[domain.Category]bool
}

// DefaultPolicy pushes every new record, but updates only for assignments
// and grade items. Announcement and content edits are routine noise.
func DefaultPolicy() Policy {
	return Policy{
		NotifyOnNew: map[domain.Category]bool{
			domain.CategoryAnnouncement: true,
			domain.CategoryContent:      true,
			domain.CategoryAssignment:   true,
			domain.CategoryGrade:        true,
		},
		NotifyOnUpdate: map[domain.Category]bool{
			domain.CategoryAssignment: true,
			domain.CategoryGrade:      true,
		},
	}
}

// Candidate is a record that should produce a push this run.
type Candidate struct {
	Record      domain.Record
	IdentityKey string
	StateKey    string
	Updated     bool
	// OldPayload and OldDueAt come from the stored row, for update diffs.
	OldPayload map[string]string
	OldDueAt   string
}

// Ack marks a state as handled without a push.
type Ack struct {
	IdentityKey string
	StateKey    string
}

// Selection is the outcome of classifying one batch.
type Selection struct {
	New        []domain.Record
	Updated    []domain.Record
	Unchanged  []domain.Record
	Candidates []Candidate
	SilentAcks []Ack
}

// Select partitions the batch against the stored rows and applies the
// policy. The notify gate is the stored last notified state key, not the
// new/updated/unchanged label: a record whose earlier push failed is
// unchanged yet still a candidate.
func Select(records []domain.Record, rows map[string]domain.Row, p Policy) Selection {
	var sel Selection
	for _, r := range records {
		idKey := fingerprint.IdentityKey(r)
		stateKey := fingerprint.StateKey(r)
		row, known := rows[idKey]

		switch {
		case !known:
			sel.New = append(sel.New, r)
		case row.LastStateKey != stateKey:
			sel.Updated = append(sel.Updated, r)
		default:
			sel.Unchanged = append(sel.Unchanged, r)
		}

		if known && row.LastNotifiedStateKey == stateKey {
			continue
		}

		isNew := !known || row.LastNotifiedStateKey == ""
		var allowed bool
		if isNew {
			allowed = p.NotifyOnNew[r.Category]
		} else {
			allowed = p.NotifyOnUpdate[r.Category]
		}
		if !allowed {
			sel.SilentAcks = append(sel.SilentAcks, Ack{IdentityKey: idKey, StateKey: stateKey})
			continue
		}

		c := Candidate{Record: r, IdentityKey: idKey, StateKey: stateKey, Updated: !isNew}
		if known {
			c.OldDueAt = row.DueAt
			if row.PayloadJSON != "" {
				_ = json.Unmarshal([]byte(row.PayloadJSON), &c.OldPayload)
			}
		}
		sel.Candidates = append(sel.Candidates, c)
	}
	sortCandidates(sel.Candidates)
	return sel
}

func categoryRank(c domain.Category) int {
	for i, cat := range domain.Categories {
		if cat == c {
			return i
		}
	}
	return len(domain.Categories)
}

// sortCandidates fixes the push order: category priority, then course,
// then soonest due date (falling back to observation time), then title.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].Record, cs[j].Record
		if ra, rb := categoryRank(a.Category), categoryRank(b.Category); ra != rb {
			return ra < rb
		}
		if a.GroupID != b.GroupID {
			return a.GroupID < b.GroupID
		}
		at, bt := timeKey(a), timeKey(b)
		if at != bt {
			return at < bt
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return cs[i].IdentityKey < cs[j].IdentityKey
	})
}

func timeKey(r domain.Record) string {
	if r.DueAt != "" {
		return r.DueAt
	}
	return r.ObservedAt
}
