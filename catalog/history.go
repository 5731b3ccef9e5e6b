package catalog

import (
	"context"

	"github.com/warp/calm-planner/calendar"
)

// HistoryQuery filters list_history. Limit keeps the most recent entries.
type HistoryQuery struct {
	From    string   `json:"from,omitempty"`
	To      string   `json:"to,omitempty"`
	Actions []string `json:"actions,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

type RevertResult struct {
	Reverted calendar.HistoryID `json:"reverted"`
	// Applied is the state of every entity the revert changed. It is empty,
	// with no history id, when the entities already matched.
	Applied   []calendar.Snapshot `json:"applied"`
	HistoryID calendar.HistoryID  `json:"history_id,omitempty"`
}

// ListHistory returns matching entries oldest first.
func (s *Service) ListHistory(q HistoryQuery) ([]calendar.HistoryEntry, error) {
	var f calendar.HistoryFilter
	var err error
	if q.From != "" {
		if f.From, err = s.parseMoment("from", q.From, false); err != nil {
			return nil, err
		}
	}
	if q.To != "" {
		if f.To, err = s.parseUpperBound("to", q.To); err != nil {
			return nil, err
		}
	}
	if q.Limit < 0 {
		return nil, &calendar.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	for _, a := range q.Actions {
		f.Actions = append(f.Actions, calendar.Action(a))
	}

	out := []calendar.HistoryEntry{}
	for e := range s.history.List(f) {
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (s *Service) GetHistoryEntry(id int64) (calendar.HistoryEntry, error) {
	entry, ok := s.history.Get(calendar.HistoryID(id))
	if !ok {
		return calendar.HistoryEntry{}, calendar.NotFound(calendar.HistoryKey(calendar.HistoryID(id)))
	}
	return entry, nil
}

// RevertToHistoryEntry restores the entities touched by entry id to their
// state before it. Entities evicted from the mirror are read back from the
// backend first. The revert is recorded as a new entry, so it can be
// reverted in turn.
func (s *Service) RevertToHistoryEntry(ctx context.Context, id int64) (RevertResult, error) {
	target := calendar.HistoryID(id)
	recorded, ok := s.history.Get(target)
	if !ok {
		return RevertResult{}, calendar.NotFound(calendar.HistoryKey(target))
	}
	var need reach
	for _, snap := range recorded.Pre {
		need.keys = append(need.keys, snap.Key)
	}

	result := RevertResult{Reverted: target, Applied: []calendar.Snapshot{}}
	entry, err := s.mutateBeyond(ctx, calendar.ActionRevert, need, func(tx *calendar.Tx) (map[string]string, error) {
		if _, err := s.history.Revert(tx, target); err != nil {
			return nil, err
		}
		return map[string]string{"reverted_entry": target.String()}, nil
	})
	if err != nil {
		return RevertResult{}, err
	}
	if entry != nil {
		result.Applied = entry.Post
	}
	result.HistoryID = entryID(entry)
	return result, nil
}
