package calendar

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock returns a settable instant. Safe for concurrent use.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixedClock(now time.Time) *FixedClock {
	return &FixedClock{now: now}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// DAY - Civil date in a given location
// =============================================================================

const dayLayout = "2006-01-02"

type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf returns the calendar day containing t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	t = t.In(locOrUTC(loc))
	return Day{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, &ValidationError{Field: "day", Reason: fmt.Sprintf("expected YYYY-MM-DD, got %q", s)}
	}
	return Day{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// Start is local midnight at the beginning of d.
func (d Day) Start(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, locOrUTC(loc))
}

// End is local midnight at the beginning of the next day.
func (d Day) End(loc *time.Location) time.Time {
	return d.AddDays(1).Start(loc)
}

// Deadline is the last whole second of d. Due times that mean "by the end of
// the day" use it so they still file under d.
func (d Day) Deadline(loc *time.Location) time.Time {
	return d.End(loc).Add(-time.Second)
}

func (d Day) AddDays(n int) Day {
	t := time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC)
	return Day{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

func (d Day) Before(o Day) bool { return d.ordinal() < o.ordinal() }
func (d Day) After(o Day) bool  { return d.ordinal() > o.ordinal() }
func (d Day) Equal(o Day) bool  { return d == o }

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Day) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Day) UnmarshalText(b []byte) error {
	parsed, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Day) ordinal() int64 {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// DaysBetween returns the number of calendar days from a to b.
func DaysBetween(a, b Day) int {
	return int(b.ordinal() - a.ordinal())
}

func locOrUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// =============================================================================
// WINDOW - Closed time range [Lower, Upper]
// =============================================================================

type Window struct {
	Lower time.Time `json:"lower"`
	Upper time.Time `json:"upper"`
}

func (w Window) IsZero() bool { return w.Lower.IsZero() && w.Upper.IsZero() }

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Lower) && !t.After(w.Upper)
}

// Intersects reports whether [start, end] overlaps the window.
func (w Window) Intersects(start, end time.Time) bool {
	return !end.Before(w.Lower) && !start.After(w.Upper)
}

// Exposed returns the parts of w that prev does not cover.
func (w Window) Exposed(prev Window) []Window {
	if prev.IsZero() || !w.Intersects(prev.Lower, prev.Upper) {
		return []Window{w}
	}
	var out []Window
	if w.Lower.Before(prev.Lower) {
		out = append(out, Window{Lower: w.Lower, Upper: prev.Lower})
	}
	if w.Upper.After(prev.Upper) {
		out = append(out, Window{Lower: prev.Upper, Upper: w.Upper})
	}
	return out
}

func (w Window) String() string {
	return w.Lower.Format(time.RFC3339) + ".." + w.Upper.Format(time.RFC3339)
}

// HydrationWindow is the day-aligned window from `before` days ahead of now's
// day to the end of the day `after` days later.
func HydrationWindow(now time.Time, before, after int, loc *time.Location) Window {
	today := DayOf(now, loc)
	return Window{
		Lower: today.AddDays(-before).Start(loc),
		Upper: today.AddDays(after).End(loc),
	}
}

// Horizon is the window from now to the end of the day `days` later.
func Horizon(now time.Time, days int, loc *time.Location) Window {
	return Window{Lower: now, Upper: DayOf(now, loc).AddDays(days).End(loc)}
}

// NeedsSlide reports whether now is outside w or within margin of an edge.
func NeedsSlide(w Window, now time.Time, margin time.Duration) bool {
	if w.IsZero() {
		return true
	}
	return now.Add(margin).After(w.Upper) || now.Add(-margin).Before(w.Lower)
}
