package schedule

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// Source says which layer of the schedule decided a date's availability.
type Source int

const (
	SourceWeeklyPattern Source = iota
	SourceOverride
	SourceHoliday
)

func (s Source) String() string {
	switch s {
	case SourceHoliday:
		return "holiday"
	case SourceOverride:
		return "override"
	default:
		return "weekly_pattern"
	}
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Resolution is the effective availability of one date.
type Resolution struct {
	Source     Source
	Available  bool
	Reason     string
	TimeRanges []TimeRange
	Breaks     []TimeRange
	OverrideID uuid.UUID
}

// Resolve applies the precedence holiday > date override > weekly pattern.
// An override replaces the weekly pattern for its date entirely, breaks
// included.
func Resolve(cfg ScheduleConfig, date civil.Date) Resolution {
	if cfg.IsHoliday(date) {
		return Resolution{Source: SourceHoliday, Available: false, Reason: "Holiday"}
	}

	if o, ok := cfg.Override(date); ok {
		res := Resolution{
			Source:     SourceOverride,
			Available:  o.Available,
			Reason:     o.Reason,
			TimeRanges: o.TimeRanges,
			OverrideID: o.ID,
		}
		if !o.Available && res.Reason == "" {
			res.Reason = "Unavailable on this date"
		}
		return res
	}

	day := cfg.Weekly.For(date.In(time.UTC).Weekday())
	res := Resolution{
		Source:     SourceWeeklyPattern,
		Available:  day.Available,
		TimeRanges: day.TimeRanges,
		Breaks:     day.Breaks,
	}
	if !day.Available {
		res.Reason = "Not available on " + date.In(time.UTC).Weekday().String()
	}
	return res
}
