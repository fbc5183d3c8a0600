// Package schedule models a provider's recurring availability, per-date
// overrides, holidays and slot-generation settings.
package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AllowedSlotDurations lists the slot lengths a provider may configure.
var AllowedSlotDurations = []int{10, 15, 30}

// TimeRange is a half-open [Start, End) interval in minutes of day.
type TimeRange struct {
	Start int
	End   int
}

func (r TimeRange) Valid() bool {
	return r.Start >= 0 && r.End <= 24*60 && r.Start < r.End
}

// Overlaps reports whether the two intervals share at least one minute.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r TimeRange) String() string {
	return FormatClock(r.Start) + "-" + FormatClock(r.End)
}

type timeRangeJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (r TimeRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(timeRangeJSON{Start: FormatClock(r.Start), End: FormatClock(r.End)})
}

func (r *TimeRange) UnmarshalJSON(b []byte) error {
	var raw timeRangeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	start, err := ParseClock(raw.Start)
	if err != nil {
		return err
	}
	end, err := ParseClock(raw.End)
	if err != nil {
		return err
	}
	r.Start, r.End = start, end
	return nil
}

// ParseClock parses "HH:MM" into minutes of day. "24:00" is accepted as the
// end of the day.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) == 0 || len(h) > 2 || len(m) != 2 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	if hh < 0 || hh > 24 || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return hh*60 + mm, nil
}

func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// DaySchedule is one weekday's recurring availability.
type DaySchedule struct {
	Available  bool        `json:"available"`
	TimeRanges []TimeRange `json:"timeRanges"`
	Breaks     []TimeRange `json:"breaks"`
}

// WeeklyPattern holds exactly one DaySchedule per weekday, indexed by
// time.Weekday.
type WeeklyPattern [7]DaySchedule

func (w WeeklyPattern) For(day time.Weekday) DaySchedule {
	return w[day]
}

func (w WeeklyPattern) MarshalJSON() ([]byte, error) {
	out := make(map[string]DaySchedule, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		out[strings.ToLower(d.String())] = w[d]
	}
	return json.Marshal(out)
}

func (w *WeeklyPattern) UnmarshalJSON(b []byte) error {
	var raw map[string]DaySchedule
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var out WeeklyPattern
	for key, day := range raw {
		wd, ok := ParseWeekday(key)
		if !ok {
			return fmt.Errorf("unknown weekday %q", key)
		}
		out[wd] = day
	}
	*w = out
	return nil
}

func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == s {
			return d, true
		}
	}
	return 0, false
}

// DateOverride replaces the weekly pattern for a single date. ID is a stable
// surrogate key that survives last-write-wins updates of the same date.
type DateOverride struct {
	ID         uuid.UUID   `json:"id"`
	Date       civil.Date  `json:"date"`
	Available  bool        `json:"available"`
	Reason     string      `json:"reason,omitempty"`
	TimeRanges []TimeRange `json:"timeRanges"`
}

type SlotSettings struct {
	SlotDurationMinutes   int `json:"slotDurationMinutes"`
	BufferMinutes         int `json:"bufferMinutes"`
	MaxConcurrentPerSlot  int `json:"maxConcurrentPerSlot"`
	MaxAppointmentsPerDay int `json:"maxAppointmentsPerDay"`
}

func DefaultSettings() SlotSettings {
	return SlotSettings{
		SlotDurationMinutes:   30,
		BufferMinutes:         0,
		MaxConcurrentPerSlot:  1,
		MaxAppointmentsPerDay: 20,
	}
}

type ScheduleConfig struct {
	Weekly    WeeklyPattern  `json:"weeklyPattern"`
	Overrides []DateOverride `json:"dateOverrides"`
	Holidays  []civil.Date   `json:"holidays"`
	Settings  SlotSettings   `json:"settings"`
}

// Override returns the override for date, if one exists.
func (c ScheduleConfig) Override(date civil.Date) (DateOverride, bool) {
	for _, o := range c.Overrides {
		if o.Date == date {
			return o, true
		}
	}
	return DateOverride{}, false
}

func (c ScheduleConfig) IsHoliday(date civil.Date) bool {
	for _, h := range c.Holidays {
		if h == date {
			return true
		}
	}
	return false
}

// Terms is the provider's fee schedule.
type Terms struct {
	OnlineFee  decimal.Decimal `json:"onlineFee"`
	OfflineFee decimal.Decimal `json:"offlineFee"`
	// CommissionPercent overrides the platform commission when set.
	CommissionPercent *decimal.Decimal `json:"commissionPercent,omitempty"`
}

// Provider is the aggregate owning a schedule and fee terms.
type Provider struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Schedule  ScheduleConfig `json:"schedule"`
	Terms     Terms          `json:"terms"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (p *Provider) clone() *Provider {
	cp := *p
	cp.Schedule.Overrides = append([]DateOverride(nil), p.Schedule.Overrides...)
	cp.Schedule.Holidays = append([]civil.Date(nil), p.Schedule.Holidays...)
	return &cp
}
