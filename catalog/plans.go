package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/shopspring/decimal"

	"github.com/warp/calm-planner/calendar"
)

// SectionInput is one weighted outline item.
type SectionInput struct {
	Label string          `json:"label"`
	Hours decimal.Decimal `json:"hours"`
}

// GeneratePlanRequest describes the plan to build for a subject. Outline
// lines get HoursPerSection each; Sections carry their own weight. Either
// may be used, or both (sections come after the outline lines).
type GeneratePlanRequest struct {
	Subject            string           `json:"subject"`
	DueDate            string           `json:"due_date"`
	Outline            []string         `json:"outline,omitempty"`
	Sections           []SectionInput   `json:"sections,omitempty"`
	HoursPerSection    *decimal.Decimal `json:"hours_per_section,omitempty"`
	DailyCapacityHours *decimal.Decimal `json:"daily_capacity_hours,omitempty"`
	StartDate          string           `json:"start_date,omitempty"`
	// WorkdayStart ("HH:MM") gives every task an explicit time range.
	WorkdayStart string `json:"workday_start,omitempty"`
	CategoryID   string `json:"category_id,omitempty"`
	Description  string `json:"description,omitempty"`
	Color        string `json:"color,omitempty"`
}

// DescriptionPlanRequest plans from free text: each line of Description,
// split like outline lines, becomes a section. The text is also kept as the
// subject description.
type DescriptionPlanRequest struct {
	GeneratePlanRequest
}

// OutlineFilePlanRequest plans from the lines of a text file. Path may start
// with "~".
type OutlineFilePlanRequest struct {
	GeneratePlanRequest
	Path string `json:"path"`
}

// maxOutlineFileBytes bounds what GeneratePlanFromOutlineFile reads.
const maxOutlineFileBytes = 1 << 20

type ReviewPlanRequest struct {
	Subject         string           `json:"subject"`
	DueDate         string           `json:"due_date"`
	HoursPerSection *decimal.Decimal `json:"hours_per_section,omitempty"`
	StartDate       string           `json:"start_date,omitempty"`
}

type PlanResult struct {
	calendar.Plan
	Days        []calendar.DayLoad `json:"days"`
	Compression decimal.Decimal    `json:"compression"`
	// Removed lists tasks of an earlier plan for the subject that the new
	// plan replaced.
	Removed   []calendar.EntityID `json:"removed,omitempty"`
	HistoryID calendar.HistoryID  `json:"history_id,omitempty"`
}

// =============================================================================
// GENERATE
// =============================================================================

// GeneratePlanFromOutline schedules the outline and stores the subject and
// its tasks. Regenerating a subject replaces its previous plan.
func (s *Service) GeneratePlanFromOutline(ctx context.Context, req GeneratePlanRequest) (PlanResult, error) {
	name := strings.TrimSpace(req.Subject)
	if err := required("subject", name); err != nil {
		return PlanResult{}, err
	}
	subjectID := calendar.EntityID(calendar.Slug(name))
	if subjectID == "" {
		return PlanResult{}, &calendar.ValidationError{Field: "subject", Reason: "must contain a letter or digit"}
	}

	hours := s.hoursPerSection
	if req.HoursPerSection != nil {
		hours = *req.HoursPerSection
	}
	outline := calendar.ParseOutline(req.Outline, hours)
	for _, sec := range req.Sections {
		outline = append(outline, calendar.Section{Label: strings.TrimSpace(sec.Label), Hours: sec.Hours})
	}

	in, err := s.planInput(subjectID, req.DueDate, req.StartDate, req.DailyCapacityHours, outline)
	if err != nil {
		return PlanResult{}, err
	}
	if in.WorkdayStart, err = parseClock("workday_start", req.WorkdayStart); err != nil {
		return PlanResult{}, err
	}
	in.SubjectID = subjectID
	in.CategoryID = calendar.EntityID(strings.TrimSpace(req.CategoryID))

	sched, err := calendar.GeneratePlan(in)
	if err != nil {
		return PlanResult{}, err
	}

	result := PlanResult{Days: sched.Days, Compression: sched.Compression}
	need := reach{keys: []calendar.Key{calendar.SubjectKey(subjectID)}, refs: []calendar.Key{calendar.SubjectKey(subjectID)}}
	for _, t := range sched.Tasks {
		need.keys = append(need.keys, calendar.TaskKey(t.ID))
	}
	entry, err := s.mutateBeyond(ctx, calendar.ActionGeneratePlan, need, func(tx *calendar.Tx) (map[string]string, error) {
		if in.CategoryID != "" {
			if _, ok := tx.Category(in.CategoryID); !ok {
				return nil, calendar.NotFound(calendar.CategoryKey(in.CategoryID))
			}
		}
		now := s.now().UTC()

		sub, existed := tx.Subject(subjectID)
		if !existed {
			sub = calendar.Subject{ID: subjectID, OwnerID: s.owner}
		}
		sub.Name = name
		if req.Description != "" || !existed {
			sub.Description = req.Description
		}
		if req.Color != "" {
			sub.Color = req.Color
		}
		sub.Outline = in.Outline
		sub.DueAt = in.DueAt
		sub.DailyCapacity = in.DailyCapacity
		sub.UpdatedAt = now
		sub.TaskIDs = make([]calendar.EntityID, 0, len(sched.Tasks))

		keep := make(map[calendar.EntityID]bool, len(sched.Tasks))
		for _, t := range sched.Tasks {
			t.OwnerID = s.owner
			t.UpdatedAt = now
			if err := put(tx, calendar.TaskEntity(t)); err != nil {
				return nil, err
			}
			keep[t.ID] = true
			sub.TaskIDs = append(sub.TaskIDs, t.ID)
		}
		// Generated tasks of the previous plan go; hand-made ones stay linked.
		for _, old := range tx.TasksBySubject(subjectID) {
			switch {
			case keep[old.ID]:
			case old.Metadata[calendar.MetaPlanSection] != "":
				tx.Delete(calendar.TaskKey(old.ID))
				result.Removed = append(result.Removed, old.ID)
			default:
				sub.TaskIDs = append(sub.TaskIDs, old.ID)
			}
		}
		if err := put(tx, calendar.SubjectEntity(sub)); err != nil {
			return nil, err
		}

		result.Subject, _ = tx.Subject(subjectID)
		for _, id := range sub.TaskIDs {
			t, _ := tx.Task(id)
			result.Tasks = append(result.Tasks, t)
		}
		return map[string]string{
			"subject_id":  string(subjectID),
			"tasks":       strconv.Itoa(len(sched.Tasks)),
			"compression": sched.Compression.StringFixed(4),
		}, nil
	})
	if err != nil {
		return PlanResult{}, err
	}
	slices.SortStableFunc(result.Removed, func(a, b calendar.EntityID) int { return strings.Compare(string(a), string(b)) })
	result.HistoryID = entryID(entry)
	return result, nil
}

func (s *Service) GeneratePlanFromDescription(ctx context.Context, req DescriptionPlanRequest) (PlanResult, error) {
	text := strings.TrimSpace(req.Description)
	if err := required("description", text); err != nil {
		return PlanResult{}, err
	}
	plan := req.GeneratePlanRequest
	plan.Description = text
	plan.Outline = append(strings.Split(text, "\n"), plan.Outline...)
	return s.GeneratePlanFromOutline(ctx, plan)
}

func (s *Service) GeneratePlanFromOutlineFile(ctx context.Context, req OutlineFilePlanRequest) (PlanResult, error) {
	lines, err := readOutlineFile(req.Path)
	if err != nil {
		return PlanResult{}, err
	}
	plan := req.GeneratePlanRequest
	plan.Outline = append(lines, plan.Outline...)
	return s.GeneratePlanFromOutline(ctx, plan)
}

func readOutlineFile(path string) ([]string, error) {
	if err := required("path", path); err != nil {
		return nil, err
	}
	expanded, err := homedir.Expand(strings.TrimSpace(path))
	if err != nil {
		return nil, &calendar.ValidationError{Field: "path", Reason: err.Error()}
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, &calendar.ValidationError{Field: "path", Reason: fmt.Sprintf("cannot open outline: %v", err)}
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, maxOutlineFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read outline %s: %w", expanded, err)
	}
	if len(raw) > maxOutlineFileBytes {
		return nil, &calendar.ValidationError{Field: "path", Reason: "outline file is larger than 1 MiB"}
	}
	return strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n"), nil
}

// GenerateReviewPlanForSubject schedules one review session per existing
// task of the subject. Nothing is stored.
func (s *Service) GenerateReviewPlanForSubject(req ReviewPlanRequest) (PlanResult, error) {
	subjectID := calendar.EntityID(calendar.Slug(req.Subject))
	sub, ok := s.entities.Subject(subjectID)
	if !ok {
		return PlanResult{}, calendar.NotFound(calendar.SubjectKey(subjectID))
	}
	tasks, err := s.ListTasksForSubject(string(subjectID))
	if err != nil {
		return PlanResult{}, err
	}
	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		lines = append(lines, t.Title)
	}
	hours := s.hoursPerSection
	if req.HoursPerSection != nil {
		hours = *req.HoursPerSection
	}
	outline := make([]calendar.Section, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			outline = append(outline, calendar.Section{Label: l, Hours: hours})
		}
	}

	in, err := s.planInput(subjectID+"-review", req.DueDate, req.StartDate, nil, outline)
	if err != nil {
		return PlanResult{}, err
	}
	in.SubjectID = subjectID
	sched, err := calendar.GeneratePlan(in)
	if err != nil {
		return PlanResult{}, err
	}
	for i := range sched.Tasks {
		sched.Tasks[i].OwnerID = s.owner
	}
	return PlanResult{
		Plan:        calendar.Plan{Subject: sub, Tasks: sched.Tasks},
		Days:        sched.Days,
		Compression: sched.Compression,
	}, nil
}

func (s *Service) planInput(planID calendar.EntityID, dueDate, startDate string, capacity *decimal.Decimal, outline []calendar.Section) (calendar.PlanInput, error) {
	due, err := s.parseMoment("due_date", dueDate, true)
	if err != nil {
		return calendar.PlanInput{}, err
	}
	start := s.now()
	if strings.TrimSpace(startDate) != "" {
		if start, err = s.parseMoment("start_date", startDate, false); err != nil {
			return calendar.PlanInput{}, err
		}
	}
	daily := s.dailyCapacity
	if capacity != nil {
		daily = *capacity
	}
	return calendar.PlanInput{
		PlanID:        planID,
		Outline:       outline,
		StartAt:       start.In(s.loc).Truncate(time.Minute),
		DueAt:         due,
		DailyCapacity: daily,
		Location:      s.loc,
	}, nil
}
