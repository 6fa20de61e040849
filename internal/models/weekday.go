package models

import (
	"fmt"
	"strings"
	"time"
)

// Weekday is the canonical lower case english weekday name used on the wire.
type Weekday string

const (
	Monday    Weekday = "monday"
	Tuesday   Weekday = "tuesday"
	Wednesday Weekday = "wednesday"
	Thursday  Weekday = "thursday"
	Friday    Weekday = "friday"
	Saturday  Weekday = "saturday"
	Sunday    Weekday = "sunday"
)

// AllWeekdays lists the weekdays in GTFS calendar column order.
var AllWeekdays = [7]Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

// ParseWeekday accepts a weekday name in any case.
func ParseWeekday(s string) (Weekday, error) {
	w := Weekday(strings.ToLower(strings.TrimSpace(s)))
	if w.Index() < 0 {
		return "", fmt.Errorf("unknown weekday %q", s)
	}
	return w, nil
}

// Index returns the position of w in AllWeekdays, or -1.
func (w Weekday) Index() int {
	for i, d := range AllWeekdays {
		if d == w {
			return i
		}
	}
	return -1
}

// WeekdayOf returns the weekday of t in its own location.
func WeekdayOf(t time.Time) Weekday {
	return AllWeekdays[(int(t.Weekday())+6)%7]
}

// WeekdaySet is a bitmask with bit 0 for monday.
type WeekdaySet uint8

func NewWeekdaySet(days ...Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		if i := d.Index(); i >= 0 {
			s |= 1 << uint(i)
		}
	}
	return s
}

func (s WeekdaySet) Has(w Weekday) bool {
	i := w.Index()
	return i >= 0 && s&(1<<uint(i)) != 0
}

func (s WeekdaySet) IsEmpty() bool {
	return s == 0
}

// Weekdays returns the members of s in calendar order.
func (s WeekdaySet) Weekdays() []Weekday {
	days := make([]Weekday, 0, 7)
	for i, d := range AllWeekdays {
		if s&(1<<uint(i)) != 0 {
			days = append(days, d)
		}
	}
	return days
}
