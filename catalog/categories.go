package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/warp/calm-planner/calendar"
)

type UpsertCategoryRequest struct {
	ID          string  `json:"id,omitempty"`
	Name        *string `json:"name,omitempty"`
	Color       *string `json:"color,omitempty"`
	Icon        *string `json:"icon,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CategoryResult struct {
	Category  calendar.Category  `json:"category"`
	Created   bool               `json:"created,omitempty"`
	HistoryID calendar.HistoryID `json:"history_id,omitempty"`
}

type DeleteCategoryResult struct {
	ID calendar.EntityID `json:"id"`
	// Cleared lists the events that referenced the category.
	Cleared   []calendar.EntityID `json:"cleared"`
	HistoryID calendar.HistoryID  `json:"history_id,omitempty"`
}

// ListCategories returns categories sorted by name.
func (s *Service) ListCategories() []calendar.Category {
	return s.entities.Categories()
}

// UpsertCategory creates or updates a category. Names are unique per owner,
// compared case-insensitively.
func (s *Service) UpsertCategory(ctx context.Context, req UpsertCategoryRequest) (CategoryResult, error) {
	var result CategoryResult
	entry, err := s.mutate(ctx, calendar.ActionUpsertCategory, func(tx *calendar.Tx) (map[string]string, error) {
		id := calendar.EntityID(strings.TrimSpace(req.ID))
		var cat calendar.Category
		found := false
		if id != "" {
			cat, found = tx.Category(id)
		}
		if !found {
			if id == "" {
				id = calendar.EntityID(s.newID())
			}
			cat = calendar.Category{ID: id, OwnerID: s.owner}
			result.Created = true
		}

		if req.Name != nil {
			cat.Name = strings.TrimSpace(*req.Name)
		}
		if cat.Name == "" {
			return nil, &calendar.ValidationError{Field: "name", Reason: "required"}
		}
		if other, dup := tx.CategoryByName(cat.Name); dup && other.ID != cat.ID {
			return nil, fmt.Errorf("category %q: %w", cat.Name, calendar.ErrDuplicateName)
		}
		if req.Color != nil {
			cat.Color = strings.TrimSpace(*req.Color)
		}
		if req.Icon != nil {
			cat.Icon = strings.TrimSpace(*req.Icon)
		}
		if req.Description != nil {
			cat.Description = *req.Description
		}
		cat.UpdatedAt = s.now().UTC()

		if err := put(tx, calendar.CategoryEntity(cat)); err != nil {
			return nil, err
		}
		result.Category, _ = tx.Category(cat.ID)
		return map[string]string{"category_id": string(cat.ID)}, nil
	})
	if err != nil {
		return CategoryResult{}, err
	}
	result.HistoryID = entryID(entry)
	return result, nil
}

// DeleteCategory removes a category and clears it from every event that
// referenced it, in one history entry. Events outside the mirrored window
// are pulled in first so none keeps a dangling reference.
func (s *Service) DeleteCategory(ctx context.Context, id string) (DeleteCategoryResult, error) {
	key := calendar.CategoryKey(calendar.EntityID(id))
	result := DeleteCategoryResult{ID: key.ID, Cleared: []calendar.EntityID{}}
	entry, err := s.mutateBeyond(ctx, calendar.ActionDeleteCategory, reach{refs: []calendar.Key{key}}, func(tx *calendar.Tx) (map[string]string, error) {
		if _, ok := tx.Category(key.ID); !ok {
			return nil, calendar.NotFound(key)
		}
		now := s.now().UTC()
		for _, t := range tx.TasksByCategory(key.ID) {
			t.CategoryID = ""
			t.UpdatedAt = now
			if err := put(tx, calendar.TaskEntity(t)); err != nil {
				return nil, err
			}
			result.Cleared = append(result.Cleared, t.ID)
		}
		tx.Delete(key)
		return map[string]string{
			"category_id": id,
			"cleared":     fmt.Sprint(len(result.Cleared)),
		}, nil
	})
	if err != nil {
		return DeleteCategoryResult{}, err
	}
	result.HistoryID = entryID(entry)
	return result, nil
}
