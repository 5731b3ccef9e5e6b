package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/warp/calm-planner/calendar"
)

// SubjectSummary is a subject with its progress.
type SubjectSummary struct {
	calendar.Subject
	TaskCount int `json:"task_count"`
	DoneCount int `json:"done_count"`
}

// UpdateSubjectRequest changes the fields given. Nil fields keep their value.
type UpdateSubjectRequest struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Color       *string `json:"color,omitempty"`
}

type SubjectResult struct {
	Subject   calendar.Subject   `json:"subject"`
	Created   bool               `json:"created,omitempty"`
	HistoryID calendar.HistoryID `json:"history_id,omitempty"`
}

type DeleteSubjectResult struct {
	ID        calendar.EntityID   `json:"id"`
	Removed   []calendar.EntityID `json:"removed_tasks"`
	Detached  []calendar.EntityID `json:"detached_tasks"`
	HistoryID calendar.HistoryID  `json:"history_id,omitempty"`
}

// ListSubjects returns every subject, soonest due first.
func (s *Service) ListSubjects() []SubjectSummary {
	subjects := s.entities.Subjects()
	out := make([]SubjectSummary, 0, len(subjects))
	for _, sub := range subjects {
		sum := SubjectSummary{Subject: sub}
		for _, t := range s.entities.TasksBySubject(sub.ID) {
			sum.TaskCount++
			if t.Status == calendar.StatusDone {
				sum.DoneCount++
			}
		}
		out = append(out, sum)
	}
	return out
}

// CreateSubject stores an empty subject. Its id is derived from the name, so
// a plan generated later for the same name fills it in.
func (s *Service) CreateSubject(ctx context.Context, name, description, color string) (SubjectResult, error) {
	name = strings.TrimSpace(name)
	if err := required("name", name); err != nil {
		return SubjectResult{}, err
	}
	id := calendar.EntityID(calendar.Slug(name))
	if id == "" {
		return SubjectResult{}, &calendar.ValidationError{Field: "name", Reason: "must contain a letter or digit"}
	}
	var result SubjectResult
	entry, err := s.mutate(ctx, calendar.ActionUpsertSubject, func(tx *calendar.Tx) (map[string]string, error) {
		if _, ok := tx.Subject(id); ok {
			return nil, fmt.Errorf("subject %q: %w", name, calendar.ErrDuplicateName)
		}
		if err := checkSubjectName(tx, id, name); err != nil {
			return nil, err
		}
		sub := calendar.Subject{
			ID:          id,
			OwnerID:     s.owner,
			Name:        name,
			Description: description,
			Color:       strings.TrimSpace(color),
			TaskIDs:     []calendar.EntityID{},
			UpdatedAt:   s.now().UTC(),
		}
		if err := put(tx, calendar.SubjectEntity(sub)); err != nil {
			return nil, err
		}
		result.Subject, _ = tx.Subject(id)
		return map[string]string{"subject_id": string(id)}, nil
	})
	if err != nil {
		return SubjectResult{}, err
	}
	result.Created = true
	result.HistoryID = entryID(entry)
	return result, nil
}

// UpdateSubject edits a subject's name, description or color.
func (s *Service) UpdateSubject(ctx context.Context, req UpdateSubjectRequest) (SubjectResult, error) {
	key := calendar.SubjectKey(calendar.EntityID(strings.TrimSpace(req.ID)))
	var result SubjectResult
	entry, err := s.mutate(ctx, calendar.ActionUpsertSubject, func(tx *calendar.Tx) (map[string]string, error) {
		sub, ok := tx.Subject(key.ID)
		if !ok {
			return nil, calendar.NotFound(key)
		}
		if req.Name != nil {
			sub.Name = strings.TrimSpace(*req.Name)
			if err := checkSubjectName(tx, sub.ID, sub.Name); err != nil {
				return nil, err
			}
		}
		if req.Description != nil {
			sub.Description = *req.Description
		}
		if req.Color != nil {
			sub.Color = strings.TrimSpace(*req.Color)
		}
		sub.UpdatedAt = s.now().UTC()
		if err := put(tx, calendar.SubjectEntity(sub)); err != nil {
			return nil, err
		}
		result.Subject, _ = tx.Subject(sub.ID)
		return map[string]string{"subject_id": string(sub.ID)}, nil
	})
	if err != nil {
		return SubjectResult{}, err
	}
	result.HistoryID = entryID(entry)
	return result, nil
}

func checkSubjectName(tx *calendar.Tx, id calendar.EntityID, name string) error {
	if other, dup := tx.SubjectByName(name); dup && other.ID != id {
		return fmt.Errorf("subject %q: %w", name, calendar.ErrDuplicateName)
	}
	return nil
}

// DeleteSubject removes a subject. Its tasks, wherever they are anchored,
// are deleted with it when removeTasks is set, and otherwise kept without
// the subject reference.
func (s *Service) DeleteSubject(ctx context.Context, id string, removeTasks bool) (DeleteSubjectResult, error) {
	key := calendar.SubjectKey(calendar.EntityID(id))
	result := DeleteSubjectResult{ID: key.ID, Removed: []calendar.EntityID{}, Detached: []calendar.EntityID{}}
	entry, err := s.mutateBeyond(ctx, calendar.ActionDeleteSubject, reach{refs: []calendar.Key{key}}, func(tx *calendar.Tx) (map[string]string, error) {
		if _, ok := tx.Subject(key.ID); !ok {
			return nil, calendar.NotFound(key)
		}
		now := s.now().UTC()
		for _, t := range tx.TasksBySubject(key.ID) {
			if removeTasks {
				tx.Delete(calendar.TaskKey(t.ID))
				result.Removed = append(result.Removed, t.ID)
				continue
			}
			t.SubjectID = ""
			t.UpdatedAt = now
			if err := put(tx, calendar.TaskEntity(t)); err != nil {
				return nil, err
			}
			result.Detached = append(result.Detached, t.ID)
		}
		tx.Delete(key)
		return map[string]string{
			"subject_id":   id,
			"remove_tasks": strconv.FormatBool(removeTasks),
		}, nil
	})
	if err != nil {
		return DeleteSubjectResult{}, err
	}
	result.HistoryID = entryID(entry)
	return result, nil
}
