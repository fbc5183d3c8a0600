package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/db"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
	"github.com/hackgods/telehealth-scheduling/pkg/logging"
)

func main() {
	count := flag.Int("providers", 100, "number of providers to create")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel).With("service", "seed")
	logger.Info("seed starting", "providers", *count)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := schedule.NewPgStore(pool)
	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	for i := 0; i < *count; i++ {
		p := fakeProvider(faker)
		if err := store.Create(ctx, p); err != nil {
			logger.Error("seed provider", "error", err)
			os.Exit(1)
		}
		if i%25 == 24 {
			logger.Info("providers seeded", "done", i+1, "total", *count)
		}
	}

	logger.Info("seed complete")
}

var (
	morning   = schedule.TimeRange{Start: 9 * 60, End: 12 * 60}
	afternoon = schedule.TimeRange{Start: 13 * 60, End: 17 * 60}
	evening   = schedule.TimeRange{Start: 17 * 60, End: 20 * 60}
	teaBreak  = schedule.TimeRange{Start: 15 * 60, End: 15*60 + 15}
)

// fakeProvider builds a provider with a plausible working week: weekdays
// with a morning and afternoon block, an optional evening clinic and
// Saturday mornings for some.
func fakeProvider(f *gofakeit.Faker) *schedule.Provider {
	var weekly schedule.WeeklyPattern
	for d := time.Monday; d <= time.Friday; d++ {
		day := schedule.DaySchedule{
			Available:  f.Number(1, 10) > 1,
			TimeRanges: []schedule.TimeRange{morning, afternoon},
		}
		if f.Bool() {
			day.Breaks = []schedule.TimeRange{teaBreak}
		}
		if f.Number(1, 5) == 1 {
			day.TimeRanges = append(day.TimeRanges, evening)
		}
		weekly[d] = day
	}
	if f.Bool() {
		weekly[time.Saturday] = schedule.DaySchedule{Available: true, TimeRanges: []schedule.TimeRange{morning}}
	}

	durations := schedule.AllowedSlotDurations
	settings := schedule.SlotSettings{
		SlotDurationMinutes:   durations[f.Number(0, len(durations)-1)],
		BufferMinutes:         []int{0, 0, 5}[f.Number(0, 2)],
		MaxConcurrentPerSlot:  f.Number(1, 2),
		MaxAppointmentsPerDay: f.Number(8, 24),
	}

	online := decimal.NewFromInt(int64(f.Number(3, 12) * 100))
	terms := schedule.Terms{
		OnlineFee:  online,
		OfflineFee: online.Add(decimal.NewFromInt(200)),
	}
	if f.Number(1, 4) == 1 {
		c := decimal.NewFromInt(int64(f.Number(5, 20)))
		terms.CommissionPercent = &c
	}

	return &schedule.Provider{
		Name: "Dr. " + f.FirstName() + " " + f.LastName(),
		Schedule: schedule.ScheduleConfig{
			Weekly:   weekly,
			Settings: settings,
		},
		Terms: terms,
	}
}
