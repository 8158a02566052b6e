package escrow

import (
	"encoding/json"
	"time"
)

// HistoryAction names what happened to a milestone.
type HistoryAction string

const (
	ActionCreated  HistoryAction = "created"
	ActionApproved HistoryAction = "approved"
	ActionReleased HistoryAction = "released"
)

// HistoryEntry is an immutable snapshot of a milestone at the moment of an
// action.
type HistoryEntry struct {
	Milestone Milestone     `json:"milestone"`
	Action    HistoryAction `json:"action"`
	Timestamp time.Time     `json:"timestamp"`
}

// History is the append-only milestone log. It exposes no way to edit or drop
// an entry once recorded.
type History struct {
	entries []HistoryEntry
}

// NewHistory rebuilds a history from persisted entries.
func NewHistory(entries []HistoryEntry) History {
	h := History{}
	for _, e := range entries {
		h.record(e.Milestone, e.Action, e.Timestamp)
	}
	return h
}

func (h *History) record(m Milestone, action HistoryAction, at time.Time) {
	h.entries = append(h.entries, HistoryEntry{Milestone: m.clone(), Action: action, Timestamp: at})
}

// Len returns the number of recorded entries.
func (h History) Len() int { return len(h.entries) }

// Entries returns a copy of the log, oldest first.
func (h History) Entries() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	for i, e := range h.entries {
		out[i] = HistoryEntry{Milestone: e.Milestone.clone(), Action: e.Action, Timestamp: e.Timestamp}
	}
	return out
}

func (h History) clone() History {
	return History{entries: h.Entries()}
}

func (h History) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Entries())
}

func (h *History) UnmarshalJSON(data []byte) error {
	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	*h = NewHistory(entries)
	return nil
}
