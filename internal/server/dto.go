package server

import (
	"encoding/json"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/domain"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/ledger"
)

type StatusResponse struct {
	Counts  ledger.Counts      `json:"counts"`
	LastRun *domain.RunSummary `json:"last_run,omitempty"`
}

type RecordResponse struct {
	IdentityKey    string            `json:"identity_key"`
	Category       domain.Category   `json:"category"`
	GroupID        string            `json:"group_id"`
	GroupLabel     string            `json:"group_label,omitempty"`
	Title          string            `json:"title,omitempty"`
	DetailRef      string            `json:"detail_ref,omitempty"`
	DueAt          string            `json:"due_at,omitempty"`
	Payload        map[string]string `json:"payload,omitempty"`
	Notified       bool              `json:"notified"`
	Pending        bool              `json:"pending"`
	CreatedAt      string            `json:"created_at"`
	LastSeenAt     string            `json:"last_seen_at"`
	LastNotifiedAt string            `json:"last_notified_at,omitempty"`
}

func recordResponse(r domain.Row) RecordResponse {
	resp := RecordResponse{
		IdentityKey:    r.IdentityKey,
		Category:       r.Category,
		GroupID:        r.GroupID,
		GroupLabel:     r.GroupLabel,
		Title:          r.Title,
		DetailRef:      r.DetailRef,
		DueAt:          r.DueAt,
		Notified:       r.LastNotifiedStateKey != "",
		Pending:        r.LastNotifiedStateKey != r.LastStateKey,
		CreatedAt:      r.CreatedAt,
		LastSeenAt:     r.LastSeenAt,
		LastNotifiedAt: r.LastNotifiedAt,
	}
	if r.PayloadJSON != "" {
		_ = json.Unmarshal([]byte(r.PayloadJSON), &resp.Payload)
	}
	return resp
}

func mapRecords(rows []domain.Row) []RecordResponse {
	out := make([]RecordResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, recordResponse(r))
	}
	return out
}
