package notify

import (
	"fmt"
	"strings"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/domain"
)

const excerptLimit = 180

// NewItemMessage builds the push for a record seen for the first time.
func NewItemMessage(r domain.Record) Message {
	var prefix string
	switch r.Category {
	case domain.CategoryAnnouncement:
		prefix = "New announcement"
	case domain.CategoryContent:
		prefix = "New course material"
	case domain.CategoryAssignment:
		prefix = "New assignment"
	case domain.CategoryGrade:
		prefix = "New grade item"
	default:
		prefix = "New item"
	}

	lines := []string{"Course: " + groupName(r)}
	switch r.Category {
	case domain.CategoryAnnouncement:
		if v, ok := r.Field("author"); ok && v != "" {
			lines = append(lines, "Author: "+v)
		}
		if v, ok := r.Field("published_at"); ok && v != "" {
			lines = append(lines, "Published: "+v)
		}
		if v, ok := r.Field("content"); ok && v != "" {
			lines = append(lines, "Content: "+excerpt(v))
		}
		lines = appendAttachments(lines, r)
	case domain.CategoryContent:
		if v, ok := r.Field("content"); ok && v != "" {
			lines = append(lines, "Content: "+excerpt(v))
		}
		lines = appendAttachments(lines, r)
	case domain.CategoryAssignment:
		if r.DueAt != "" {
			lines = append(lines, "Due: "+r.DueAt)
		}
		if v, ok := r.Field("online_submission"); ok && v != "" {
			lines = append(lines, "Online submission: "+v)
		}
	case domain.CategoryGrade:
		lines = append(lines, "Grade: "+gradeLine(r.Payload))
		if v, ok := r.Field("grade_category"); ok && v != "" {
			lines = append(lines, "Category: "+v)
		}
	}

	return Message{
		Title: prefix + ": " + r.Title,
		Body:  strings.Join(lines, "\n"),
		Link:  linkFor(r),
	}
}

// UpdatedItemMessage builds the push for a changed record. oldDueAt is the
// due date stored before this run. The second return is false when the
// change is not worth a push; the caller then acknowledges the state
// silently.
func UpdatedItemMessage(r domain.Record, old map[string]string, oldDueAt string) (Message, bool) {
	switch r.Category {
	case domain.CategoryGrade:
		return gradeUpdate(r, old, oldDueAt)
	case domain.CategoryAssignment:
		return assignmentUpdate(r, old, oldDueAt)
	}
	return Message{}, false
}

func gradeUpdate(r domain.Record, old map[string]string, oldDueAt string) (Message, bool) {
	oldGrade := old["grade"]
	newGrade := r.Payload["grade"]
	lines := []string{"Course: " + groupName(r)}
	var title string
	switch {
	case oldGrade == "" && newGrade != "":
		title = "Grade posted: " + r.Title
		lines = append(lines, "Grade: "+gradeLine(r.Payload))
	case oldGrade != "" && newGrade != "" && oldGrade != newGrade:
		title = "Grade changed: " + r.Title
		lines = append(lines, fmt.Sprintf("Grade: %s -> %s", oldGrade, newGrade))
	default:
		diffs := diffLines(r.Payload, old, []string{"status", "grade_category", "points_possible"}, map[string]string{
			"status":          "Status",
			"grade_category":  "Category",
			"points_possible": "Points possible",
		})
		if d := dueDiff(oldDueAt, r.DueAt); d != "" {
			diffs = append(diffs, d)
		}
		if len(diffs) == 0 {
			return Message{}, false
		}
		title = "Grade item updated: " + r.Title
		lines = append(lines, diffs...)
	}
	return Message{Title: title, Body: strings.Join(lines, "\n"), Link: linkFor(r)}, true
}

func assignmentUpdate(r domain.Record, old map[string]string, oldDueAt string) (Message, bool) {
	diffs := diffLines(r.Payload, old, []string{"submitted", "submitted_at", "online_submission"}, map[string]string{
		"submitted":         "Submitted",
		"submitted_at":      "Submitted at",
		"online_submission": "Online submission",
	})
	if d := dueDiff(oldDueAt, r.DueAt); d != "" {
		diffs = append(diffs, d)
	}
	if len(diffs) == 0 {
		return Message{}, false
	}
	lines := []string{"Course: " + groupName(r)}
	lines = append(lines, diffs...)
	if oldDueAt == r.DueAt && r.DueAt != "" {
		lines = append(lines, "Due: "+r.DueAt)
	}
	return Message{
		Title: "Assignment updated: " + r.Title,
		Body:  strings.Join(lines, "\n"),
		Link:  linkFor(r),
	}, true
}

// dueDiff reports a due-date move; fingerprints always include the due
// date, so a moved deadline alone must still surface here.
func dueDiff(oldDue, newDue string) string {
	if oldDue == newDue {
		return ""
	}
	switch {
	case oldDue == "":
		return "Due: " + newDue
	case newDue == "":
		return "Due: " + oldDue + " -> (removed)"
	}
	return "Due: " + oldDue + " -> " + newDue
}

func diffLines(cur, old map[string]string, keys []string, labels map[string]string) []string {
	var out []string
	for _, k := range keys {
		oldV, newV := old[k], cur[k]
		if oldV == newV {
			continue
		}
		switch {
		case oldV == "":
			out = append(out, labels[k]+": "+newV)
		case newV == "":
			out = append(out, labels[k]+": "+oldV+" -> (removed)")
		default:
			out = append(out, labels[k]+": "+oldV+" -> "+newV)
		}
	}
	return out
}

func groupName(r domain.Record) string {
	if r.GroupLabel != "" {
		return r.GroupLabel
	}
	return r.GroupID
}

func gradeLine(payload map[string]string) string {
	g := payload["grade"]
	if g == "" {
		g = "-"
	}
	if pp := payload["points_possible"]; pp != "" {
		return g + "/" + pp
	}
	return g
}

func appendAttachments(lines []string, r domain.Record) []string {
	if v, ok := r.Field("has_attachments"); ok && (v == "true" || v == "yes" || v == "1") {
		return append(lines, "Attachments: yes")
	}
	return lines
}

func linkFor(r domain.Record) string {
	if strings.HasPrefix(r.DetailRef, "http://") || strings.HasPrefix(r.DetailRef, "https://") {
		return r.DetailRef
	}
	return ""
}

func excerpt(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= excerptLimit {
		return string(runes)
	}
	return string(runes[:excerptLimit]) + "..."
}
