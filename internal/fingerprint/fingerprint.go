// Package fingerprint derives the two keys the ledger is built on: a stable
// identity key naming one remote entity forever, and a state key hashing the
// entity's mutable observable fields. Both are pure functions of a Record.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/domain"
)

// Bumping the version changes every key, forcing a full re-bootstrap.
const (
	identityVersion = "id.v1"
	stateVersion    = "st.v1"
)

// absent is hashed in place of a field that was never observed. It can never
// collide with a real value because records carry printable text only.
const absent = "\x00absent\x00"

const sep = "\x1f"

// IdentityKey computes the stable key for a record. Precedence: the
// source-native external id, then the detail locator, then title (plus the
// due date when present, to split same-titled recurring items).
func IdentityKey(r domain.Record) string {
	parts := []string{identityVersion, r.GroupID, string(r.Category)}
	switch {
	case r.ExternalID != "":
		parts = append(parts, "ext", r.ExternalID)
	case r.DetailRef != "":
		parts = append(parts, "ref", r.DetailRef)
	default:
		parts = append(parts, "title", r.Title)
		if r.DueAt != "" {
			parts = append(parts, r.DueAt)
		}
	}
	return digest(parts)
}

// stateFields maps each category to the payload fields that count as mutable
// observable state. Arrival time is deliberately not in any list.
var stateFields = map[domain.Category][]string{
	domain.CategoryGrade: {
		"grade", "points_possible", "grade_category", "status", "last_activity",
	},
	domain.CategoryAssignment: {
		"submitted", "submitted_at", "points_possible", "online_submission",
	},
	domain.CategoryAnnouncement: {
		"content", "author", "has_attachments", "published_at",
	},
	domain.CategoryContent: {
		"content", "has_attachments",
	},
}

// StateKey hashes the category-specific mutable field set plus the due date.
// Records differing only in fields outside that set (observedAt, payload
// extras) produce identical keys.
func StateKey(r domain.Record) string {
	parts := []string{stateVersion, string(r.Category), encode(r.DueAt != "", r.DueAt)}
	for _, name := range stateFields[r.Category] {
		v, ok := r.Field(name)
		parts = append(parts, name+"="+encode(ok, v))
	}
	return digest(parts)
}

func encode(present bool, v string) string {
	if !present {
		return absent
	}
	return v
}

func digest(parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, sep)))
	return hex.EncodeToString(sum[:])
}
