package catalog

import (
	"strings"
	"time"

	"github.com/warp/calm-planner/calendar"
)

// Accepted moment layouts besides plain dates.
var momentLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// parseMoment reads a timestamp or a date. A date means the start of that
// day, or its last second when endOfDay is set.
func (s *Service) parseMoment(field, v string, endOfDay bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, &calendar.ValidationError{Field: field, Reason: "required"}
	}
	if day, err := calendar.ParseDay(v); err == nil {
		if endOfDay {
			return day.Deadline(s.loc), nil
		}
		return day.Start(s.loc), nil
	}
	for _, layout := range momentLayouts {
		if t, err := time.ParseInLocation(layout, v, s.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &calendar.ValidationError{Field: field, Reason: "expected YYYY-MM-DD or an RFC 3339 timestamp"}
}

// parseUpperBound reads the inclusive end of a query range. A date covers
// the whole day.
func (s *Service) parseUpperBound(field, v string) (time.Time, error) {
	if day, err := calendar.ParseDay(strings.TrimSpace(v)); err == nil {
		return day.End(s.loc).Add(-time.Nanosecond), nil
	}
	return s.parseMoment(field, v, false)
}

// parseOptionalMoment treats nil as "not supplied" and "" as "clear".
func (s *Service) parseOptionalMoment(field string, v *string) (set bool, t *time.Time, err error) {
	if v == nil {
		return false, nil, nil
	}
	if strings.TrimSpace(*v) == "" {
		return true, nil, nil
	}
	parsed, err := s.parseMoment(field, *v, false)
	if err != nil {
		return true, nil, err
	}
	return true, &parsed, nil
}

// parseClock reads an "HH:MM" offset from midnight.
func parseClock(field, v string) (*time.Duration, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return nil, &calendar.ValidationError{Field: field, Reason: "expected HH:MM"}
	}
	d := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	return &d, nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &calendar.ValidationError{Field: field, Reason: "required"}
	}
	return nil
}
