package schedule

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
)

func ValidateSettings(s SlotSettings) error {
	if !slices.Contains(AllowedSlotDurations, s.SlotDurationMinutes) {
		return apperr.Validation("slotDurationMinutes", fmt.Sprintf("slot duration must be one of %v", AllowedSlotDurations))
	}
	if s.BufferMinutes < 0 {
		return apperr.Validation("bufferMinutes", "buffer must not be negative")
	}
	if s.MaxConcurrentPerSlot < 1 {
		return apperr.Validation("maxConcurrentPerSlot", "capacity per slot must be at least 1")
	}
	if s.MaxAppointmentsPerDay < 1 {
		return apperr.Validation("maxAppointmentsPerDay", "daily cap must be at least 1")
	}
	return nil
}

func ValidateWeekly(w WeeklyPattern) error {
	for d := time.Sunday; d <= time.Saturday; d++ {
		field := "weeklyPattern." + strings.ToLower(d.String())
		if err := validateRanges(field+".timeRanges", w[d].TimeRanges); err != nil {
			return err
		}
		if err := validateRanges(field+".breaks", w[d].Breaks); err != nil {
			return err
		}
	}
	return nil
}

func ValidateOverride(o DateOverride) error {
	if !o.Date.IsValid() {
		return apperr.Validation("date", "override date is invalid")
	}
	return validateRanges("timeRanges", o.TimeRanges)
}

func validateRanges(field string, ranges []TimeRange) error {
	for i, r := range ranges {
		if !r.Valid() {
			return apperr.Validation(fmt.Sprintf("%s[%d]", field, i), fmt.Sprintf("range %s must start before it ends within the day", r))
		}
	}
	return nil
}
