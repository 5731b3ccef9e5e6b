/*
scheduler.go - Outline to dated tasks

PURPOSE:
  Converts a weighted outline, a due date and a daily capacity into one task
  per section with a due timestamp. The function is pure: no clock, no
  randomness, and ids derive from the plan id, so identical inputs always
  produce identical plans.

ALGORITHM:
  1. Eligible days: every day from the start day through the day holding the
     due date with time left before the due date. A day's capacity is the
     daily capacity, capped by the hours actually left on that day.
  2. Compression: if the outline weighs more than the total capacity, every
     section is scaled by the same factor (truncated to 0.01h).
  3. Allocation: sections in outline order, each day filled to capacity
     before moving on. A section's due is the close of the day its last
     hour lands on (23:59:59 local, or the due date on the last day).

RANGES:
  Tasks only get StartsAt/EndsAt when WorkdayStart is set; the day then
  opens at that offset from midnight and hours are laid out back to back.

EXAMPLE:
  outline [ch1=4h, ch2=6h], 2 days, 5h/day:
    day 1: ch1 4h, ch2 1h      -> ch1 due end of day 1
    day 2: ch2 5h              -> ch2 due end of day 2

SEE ALSO:
  - catalog/plans.go: generate_plan_from_outline
*/
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// Metadata keys written on generated tasks.
const (
	MetaPlanSection     = "plan.section"
	MetaPlanAllocation  = "plan.allocation"
	MetaPlanCompression = "plan.compression"
)

var (
	hoursPerDay = decimal.NewFromInt(24)
	minute      = decimal.NewFromInt(60)
)

type PlanInput struct {
	PlanID        EntityID
	SubjectID     EntityID
	CategoryID    EntityID
	Outline       []Section
	StartAt       time.Time
	DueAt         time.Time
	DailyCapacity decimal.Decimal
	// WorkdayStart, when set, is the offset from midnight at which each day's
	// work begins. Tasks then carry explicit ranges.
	WorkdayStart *time.Duration
	Location     *time.Location
}

// DayLoad is the number of hours scheduled on one day.
type DayLoad struct {
	Day   Day             `json:"day"`
	Hours decimal.Decimal `json:"hours"`
}

type Schedule struct {
	Tasks []Task    `json:"tasks"`
	Days  []DayLoad `json:"days"`
	// Compression is the factor applied to every section, 1 when the outline fit.
	Compression decimal.Decimal `json:"compression"`
}

type slot struct {
	day   Day
	open  time.Time
	close time.Time
	cap   decimal.Decimal
	used  decimal.Decimal
}

type chunk struct {
	slot  int
	start time.Time
	hours decimal.Decimal
}

// GeneratePlan computes the schedule for in.
func GeneratePlan(in PlanInput) (Schedule, error) {
	if err := validatePlanInput(in); err != nil {
		return Schedule{}, err
	}
	loc := locOrUTC(in.Location)

	slots := eligibleSlots(in, loc)
	if len(slots) == 0 {
		return Schedule{}, &ScheduleInputError{Field: "due_date", Reason: "no schedulable time before the due date"}
	}

	total := decimal.Zero
	for _, s := range in.Outline {
		total = total.Add(s.Hours)
	}
	capacity := decimal.Zero
	for _, s := range slots {
		capacity = capacity.Add(s.cap)
	}

	factor := decimal.NewFromInt(1)
	if total.GreaterThan(capacity) {
		factor = capacity.Div(total)
	}
	compressed := factor.LessThan(decimal.NewFromInt(1))

	tasks := make([]Task, 0, len(in.Outline))
	cursor := 0
	for i, section := range in.Outline {
		allotted := section.Hours
		if compressed {
			allotted = section.Hours.Mul(factor).Truncate(2)
		}

		chunks := place(slots, &cursor, allotted)
		task := Task{
			ID:             EntityID(fmt.Sprintf("%s-%d", in.PlanID, i+1)),
			Title:          section.Label,
			Notes:          fmt.Sprintf("Review %s; Summarize %s; Practice %s", section.Label, section.Label, section.Label),
			Status:         StatusPending,
			SubjectID:      in.SubjectID,
			CategoryID:     in.CategoryID,
			EstimatedHours: allotted,
			Metadata: map[string]string{
				MetaPlanSection:     strconv.Itoa(i + 1),
				MetaPlanAllocation:  allocationString(slots, chunks),
				MetaPlanCompression: factor.StringFixed(4),
			},
		}

		last := slots[min(cursor, len(slots)-1)]
		if n := len(chunks); n > 0 {
			last = slots[chunks[n-1].slot]
		}
		due := last.close
		if due.Equal(last.day.End(loc)) {
			due = last.day.Deadline(loc)
		}
		if in.WorkdayStart != nil {
			start, end := last.open.Add(hoursToDuration(last.used)), last.open.Add(hoursToDuration(last.used))
			if n := len(chunks); n > 0 {
				start = chunks[0].start
				end = chunks[n-1].start.Add(hoursToDuration(chunks[n-1].hours))
			}
			task.StartsAt = TimePtr(start)
			task.EndsAt = TimePtr(end)
			due = end
		}
		task.DueAt = TimePtr(due)
		tasks = append(tasks, task)
	}

	days := make([]DayLoad, 0, len(slots))
	for _, s := range slots {
		days = append(days, DayLoad{Day: s.day, Hours: s.used})
	}
	return Schedule{Tasks: tasks, Days: days, Compression: factor}, nil
}

func validatePlanInput(in PlanInput) error {
	if in.PlanID == "" {
		return &ScheduleInputError{Field: "plan_id", Reason: "required"}
	}
	if len(in.Outline) == 0 {
		return &ScheduleInputError{Field: "outline", Reason: "must not be empty"}
	}
	for i, s := range in.Outline {
		if strings.TrimSpace(s.Label) == "" {
			return &ScheduleInputError{Field: fmt.Sprintf("outline[%d].label", i), Reason: "must not be blank"}
		}
		if !s.Hours.IsPositive() {
			return &ScheduleInputError{Field: fmt.Sprintf("outline[%d].hours", i), Reason: "must be positive"}
		}
	}
	if !in.DailyCapacity.IsPositive() {
		return &ScheduleInputError{Field: "daily_capacity", Reason: "must be positive"}
	}
	if in.DailyCapacity.GreaterThan(hoursPerDay) {
		return &ScheduleInputError{Field: "daily_capacity", Reason: "must not exceed 24 hours"}
	}
	if !in.DueAt.After(in.StartAt) {
		return &ScheduleInputError{Field: "due_date", Reason: "must be after the start"}
	}
	if ws := in.WorkdayStart; ws != nil {
		if *ws < 0 || *ws >= 24*time.Hour {
			return &ScheduleInputError{Field: "workday_start", Reason: "must be within the day"}
		}
		end := *ws + hoursToDuration(in.DailyCapacity)
		if end > 24*time.Hour {
			return &ScheduleInputError{Field: "workday_start", Reason: "workday would run past midnight"}
		}
	}
	return nil
}

func eligibleSlots(in PlanInput, loc *time.Location) []slot {
	var slots []slot
	last := DayOf(in.DueAt, loc)
	for d := DayOf(in.StartAt, loc); !d.After(last); d = d.AddDays(1) {
		open := d.Start(loc)
		if in.WorkdayStart != nil {
			open = open.Add(*in.WorkdayStart)
		}
		if open.Before(in.StartAt) {
			open = in.StartAt
		}
		closeAt := d.End(loc)
		if in.DueAt.Before(closeAt) {
			closeAt = in.DueAt
		}
		if !closeAt.After(open) {
			continue
		}
		avail := decimal.NewFromInt(int64(closeAt.Sub(open) / time.Minute)).Div(minute).Truncate(2)
		if !avail.IsPositive() {
			continue
		}
		slots = append(slots, slot{day: d, open: open, close: closeAt, cap: decimal.Min(in.DailyCapacity, avail)})
	}
	return slots
}

// place fills slots from *cursor with hours and advances the cursor.
func place(slots []slot, cursor *int, hours decimal.Decimal) []chunk {
	var chunks []chunk
	remain := hours
	for remain.IsPositive() && *cursor < len(slots) {
		s := &slots[*cursor]
		free := s.cap.Sub(s.used)
		if !free.IsPositive() {
			*cursor++
			continue
		}
		take := decimal.Min(free, remain)
		chunks = append(chunks, chunk{slot: *cursor, start: s.open.Add(hoursToDuration(s.used)), hours: take})
		s.used = s.used.Add(take)
		remain = remain.Sub(take)
	}
	return chunks
}

func allocationString(slots []slot, chunks []chunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, slots[c.slot].day.String()+"="+c.hours.String())
	}
	return strings.Join(parts, ",")
}

// ParseAllocation reads the per-day hours recorded on a generated task.
func ParseAllocation(v string) ([]DayLoad, error) {
	var out []DayLoad
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		day, hours, ok := strings.Cut(part, "=")
		if !ok {
			return nil, &ValidationError{Field: MetaPlanAllocation, Reason: fmt.Sprintf("malformed entry %q", part)}
		}
		d, err := ParseDay(day)
		if err != nil {
			return nil, err
		}
		h, err := decimal.NewFromString(hours)
		if err != nil {
			return nil, &ValidationError{Field: MetaPlanAllocation, Reason: fmt.Sprintf("malformed hours %q", hours)}
		}
		out = append(out, DayLoad{Day: d, Hours: h})
	}
	return out, nil
}

// FormatAllocation renders loads the way ParseAllocation reads them.
func FormatAllocation(loads []DayLoad) string {
	parts := make([]string, 0, len(loads))
	for _, l := range loads {
		parts = append(parts, l.Day.String()+"="+l.Hours.String())
	}
	return strings.Join(parts, ",")
}

func hoursToDuration(h decimal.Decimal) time.Duration {
	return time.Duration(h.Mul(decimal.NewFromInt(int64(time.Hour))).IntPart())
}

// =============================================================================
// OUTLINE HELPERS
// =============================================================================

// ParseOutline turns free-form outline lines into sections of equal weight.
// Lines holding several items separated by " - " or "|" are split.
func ParseOutline(lines []string, hours decimal.Decimal) []Section {
	var out []Section
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(strings.ReplaceAll(line, " - ", "|"), "|")
		added := false
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, Section{Label: p, Hours: hours})
				added = true
			}
		}
		if !added {
			out = append(out, Section{Label: line, Hours: hours})
		}
	}
	return out
}

// Slug derives a stable id from a display name.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
