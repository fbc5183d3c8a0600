// Package slots turns a resolved day schedule into bookable time slots.
// Generation is pure: the same inputs always yield the same ordered output.
package slots

import (
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"

	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

// Booking is the part of an active appointment that consumes capacity.
type Booking struct {
	Start string
}

type Slot struct {
	Start             string `json:"start"`
	End               string `json:"end"`
	IsAvailable       bool   `json:"isAvailable"`
	BookedCount       int    `json:"bookedCount"`
	RemainingCapacity int    `json:"remainingCapacity"`
	IsPast            bool   `json:"isPast"`
}

type DaySlots struct {
	Date              civil.Date      `json:"date"`
	IsAvailable       bool            `json:"isAvailable"`
	Reason            string          `json:"reason,omitempty"`
	Source            schedule.Source `json:"source"`
	Slots             []Slot          `json:"slots"`
	DailyLimitReached bool            `json:"dailyLimitReached"`
	TotalBookedToday  int             `json:"totalBookedToday"`
	// Diagnostics lists schedule problems that were skipped over.
	Diagnostics []string `json:"-"`
}

// Generate computes the slots for date. bookings are the provider's active
// (pending, confirmed, ongoing) appointments on that date. now must already be
// in the clinic's time zone. Malformed schedule data never fails generation;
// it degrades to fewer or no slots and a diagnostic.
func Generate(cfg schedule.ScheduleConfig, date civil.Date, bookings []Booking, now time.Time) DaySlots {
	out := DaySlots{
		Date:             date,
		Slots:            []Slot{},
		TotalBookedToday: len(bookings),
	}

	set := cfg.Settings
	capacity := set.MaxConcurrentPerSlot
	if capacity < 1 {
		out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("capacity %d invalid, using 1", capacity))
		capacity = 1
	}
	if set.MaxAppointmentsPerDay >= 1 {
		out.DailyLimitReached = len(bookings) >= set.MaxAppointmentsPerDay
	}

	res := schedule.Resolve(cfg, date)
	out.Source = res.Source
	out.Reason = res.Reason
	if !res.Available {
		return out
	}
	if len(res.TimeRanges) == 0 {
		out.Reason = "No working hours configured"
		return out
	}
	out.IsAvailable = true

	duration := set.SlotDurationMinutes
	if duration <= 0 {
		out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("slot duration %d invalid", duration))
		out.IsAvailable = false
		out.Reason = "Schedule misconfigured"
		return out
	}
	buffer := set.BufferMinutes
	if buffer < 0 {
		out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("buffer %d invalid, using 0", buffer))
		buffer = 0
	}

	candidates := candidateSlots(res.TimeRanges, res.Breaks, duration, buffer, &out.Diagnostics)

	booked := make(map[string]int, len(bookings))
	for _, b := range bookings {
		booked[b.Start]++
	}

	today := civil.DateOf(now)
	nowMinute := now.Hour()*60 + now.Minute()

	for _, c := range candidates {
		start := schedule.FormatClock(c.Start)
		count := booked[start]
		slot := Slot{
			Start:       start,
			End:         schedule.FormatClock(c.End),
			BookedCount: count,
		}
		if count < capacity {
			slot.IsAvailable = true
			slot.RemainingCapacity = capacity - count
		}
		if date.Before(today) || (date == today && c.Start <= nowMinute) {
			slot.IsPast = true
			slot.IsAvailable = false
		}
		out.Slots = append(out.Slots, slot)
	}

	if len(out.Slots) == 0 && out.Reason == "" {
		out.Reason = "No slots fit the working hours"
	}
	return out
}

// candidateSlots walks each range in steps of duration+buffer and drops
// slots that touch a break. Overlapping ranges may produce the same start
// twice; the first occurrence wins and output is ordered by start.
func candidateSlots(ranges, breaks []schedule.TimeRange, duration, buffer int, diags *[]string) []schedule.TimeRange {
	var validBreaks []schedule.TimeRange
	for _, b := range breaks {
		if !b.Valid() {
			*diags = append(*diags, "skipped invalid break "+b.String())
			continue
		}
		validBreaks = append(validBreaks, b)
	}

	seen := make(map[int]bool)
	var out []schedule.TimeRange
	for _, r := range ranges {
		if !r.Valid() {
			*diags = append(*diags, "skipped invalid range "+r.String())
			continue
		}
		for cursor := r.Start; cursor+duration <= r.End; cursor += duration + buffer {
			slot := schedule.TimeRange{Start: cursor, End: cursor + duration}
			if overlapsAny(slot, validBreaks) || seen[slot.Start] {
				continue
			}
			seen[slot.Start] = true
			out = append(out, slot)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func overlapsAny(slot schedule.TimeRange, breaks []schedule.TimeRange) bool {
	for _, b := range breaks {
		if slot.Overlaps(b) {
			return true
		}
	}
	return false
}

// Find returns the generated slot with the exact start and end.
func (d DaySlots) Find(start, end string) (Slot, bool) {
	for _, s := range d.Slots {
		if s.Start == start && s.End == end {
			return s, true
		}
	}
	return Slot{}, false
}
