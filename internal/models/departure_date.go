package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DateLayout is the wire format of a single departure date.
const DateLayout = "2006-01-02"

// DepartureDate is either one calendar date or a set of weekdays for
// recurring trips. On the wire it is a "YYYY-MM-DD" string or an array of
// weekday names.
type DepartureDate struct {
	date     time.Time
	weekdays WeekdaySet
}

// OnDate returns a single date departure. Only the calendar date of t is kept.
func OnDate(t time.Time) DepartureDate {
	return DepartureDate{date: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

// RecurringOn returns a departure repeating on the given weekdays.
func RecurringOn(days ...Weekday) DepartureDate {
	return DepartureDate{weekdays: NewWeekdaySet(days...)}
}

// ParseDate parses a "YYYY-MM-DD" departure date.
func ParseDate(s string) (DepartureDate, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return DepartureDate{}, fmt.Errorf("invalid departure date %q: %w", s, err)
	}
	return OnDate(t), nil
}

func (d DepartureDate) IsRecurring() bool {
	return !d.weekdays.IsEmpty()
}

func (d DepartureDate) IsZero() bool {
	return d.date.IsZero() && d.weekdays.IsEmpty()
}

// Date is the civil date (UTC midnight) of a single date departure.
func (d DepartureDate) Date() time.Time {
	return d.date
}

func (d DepartureDate) Weekdays() WeekdaySet {
	return d.weekdays
}

func (d DepartureDate) String() string {
	if d.IsRecurring() {
		return fmt.Sprint(d.weekdays.Weekdays())
	}
	if d.date.IsZero() {
		return ""
	}
	return d.date.Format(DateLayout)
}

func (d DepartureDate) MarshalJSON() ([]byte, error) {
	if d.IsRecurring() {
		return json.Marshal(d.weekdays.Weekdays())
	}
	if d.date.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.date.Format(DateLayout))
}

func (d *DepartureDate) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*d = DepartureDate{}
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseDate(s)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case '[':
		var names []string
		if err := json.Unmarshal(b, &names); err != nil {
			return err
		}
		if len(names) == 0 {
			return errors.New("departure weekdays must not be empty")
		}
		days := make([]Weekday, 0, len(names))
		for _, name := range names {
			w, err := ParseWeekday(name)
			if err != nil {
				return err
			}
			days = append(days, w)
		}
		*d = RecurringOn(days...)
		return nil
	default:
		return fmt.Errorf("departure date must be a date string or a list of weekdays, got %s", b)
	}
}
