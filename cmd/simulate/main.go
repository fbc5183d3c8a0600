package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/db"
	"github.com/hackgods/telehealth-scheduling/pkg/logging"
)

// The simulator fires many concurrent bookings at one slot of a running
// api-server and checks the write-time capacity guard held.

type SimConfig struct {
	APIBaseURL  string
	ProviderID  string
	Workers     int
	Rounds      int
	LookAhead   int
	PostgresDSN string
}

type slotView struct {
	Start             string `json:"start"`
	End               string `json:"end"`
	IsAvailable       bool   `json:"isAvailable"`
	BookedCount       int    `json:"bookedCount"`
	RemainingCapacity int    `json:"remainingCapacity"`
}

type dayView struct {
	Date        civil.Date `json:"date"`
	IsAvailable bool       `json:"isAvailable"`
	Slots       []slotView `json:"slots"`
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err != nil:
		atomic.AddInt64(&om.Error, 1)
	case status == http.StatusCreated:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}
	latencies := append([]time.Duration(nil), om.Latencies...)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	at := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), at(50), at(95), latencies[len(latencies)-1]
}

type Simulator struct {
	config SimConfig
	client *http.Client
	logger *logging.Logger
}

func main() {
	logger := logging.New(getEnv("LOG_LEVEL", "info")).With("service", "simulate")
	cfg := loadConfig()
	if cfg.Workers <= 0 || cfg.Rounds <= 0 {
		logger.Error("SIM_WORKERS and SIM_ROUNDS must be > 0")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if cfg.ProviderID == "" {
		id, err := firstProvider(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Error("pick provider", "error", err)
			os.Exit(1)
		}
		cfg.ProviderID = id
	}

	sim := &Simulator{config: cfg, client: &http.Client{Timeout: 10 * time.Second}, logger: logger}
	failed := false
	for round := 1; round <= cfg.Rounds; round++ {
		ok, err := sim.RunRound(ctx, round)
		if err != nil {
			logger.Error("round aborted", "round", round, "error", err)
			os.Exit(1)
		}
		failed = failed || !ok
	}
	if failed {
		fmt.Println("RESULT: capacity guard violated")
		os.Exit(2)
	}
	fmt.Println("RESULT: capacity guard held in every round")
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:  strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		ProviderID:  os.Getenv("SIM_PROVIDER_ID"),
		Workers:     getInt("SIM_WORKERS", 50),
		Rounds:      getInt("SIM_ROUNDS", 5),
		LookAhead:   getInt("SIM_LOOKAHEAD_DAYS", 14),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
	}
}

func firstProvider(ctx context.Context, dsn string) (string, error) {
	if dsn == "" {
		return "", errors.New("set SIM_PROVIDER_ID or POSTGRES_DSN")
	}
	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		return "", err
	}
	defer pool.Close()

	var id uuid.UUID
	if err := pool.QueryRow(ctx, `SELECT id FROM providers ORDER BY created_at LIMIT 1`).Scan(&id); err != nil {
		return "", fmt.Errorf("load provider: %w", err)
	}
	return id.String(), nil
}

// RunRound races every worker at the first open slot and reports whether
// the server admitted no more bookings than the slot had room for.
func (s *Simulator) RunRound(ctx context.Context, round int) (bool, error) {
	date, slot, err := s.findOpenSlot(ctx)
	if err != nil {
		return false, err
	}
	s.logger.Info("racing slot",
		"round", round,
		"date", date.String(),
		"slot", slot.Start,
		"remaining", slot.RemainingCapacity,
		"workers", s.config.Workers,
	)

	var om OperationMetrics
	var wg sync.WaitGroup
	startGate := make(chan struct{})
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-startGate
			start := time.Now()
			status, err := s.book(ctx, date, slot)
			om.Record(time.Since(start), status, err)
		}()
	}
	close(startGate)
	wg.Wait()

	after, err := s.slot(ctx, date, slot.Start)
	if err != nil {
		return false, err
	}

	success := atomic.LoadInt64(&om.Success)
	ok := int(success) <= slot.RemainingCapacity && after.RemainingCapacity >= 0
	printRound(round, &om, slot.RemainingCapacity, after, ok)
	return ok, nil
}

func (s *Simulator) findOpenSlot(ctx context.Context) (civil.Date, slotView, error) {
	today := civil.DateOf(time.Now())
	for i := 0; i < s.config.LookAhead; i++ {
		date := today.AddDays(i)
		day, err := s.day(ctx, date)
		if err != nil {
			return civil.Date{}, slotView{}, err
		}
		if !day.IsAvailable {
			continue
		}
		for _, sl := range day.Slots {
			if sl.IsAvailable {
				return date, sl, nil
			}
		}
	}
	return civil.Date{}, slotView{}, fmt.Errorf("no open slot in the next %d days", s.config.LookAhead)
}

func (s *Simulator) day(ctx context.Context, date civil.Date) (dayView, error) {
	url := fmt.Sprintf("%s/providers/%s/slots?date=%s", s.config.APIBaseURL, s.config.ProviderID, date)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return dayView{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return dayView{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return dayView{}, fmt.Errorf("get slots: status %d", resp.StatusCode)
	}
	var day dayView
	if err := json.NewDecoder(resp.Body).Decode(&day); err != nil {
		return dayView{}, fmt.Errorf("decode slots: %w", err)
	}
	return day, nil
}

func (s *Simulator) slot(ctx context.Context, date civil.Date, start string) (slotView, error) {
	day, err := s.day(ctx, date)
	if err != nil {
		return slotView{}, err
	}
	for _, sl := range day.Slots {
		if sl.Start == start {
			return sl, nil
		}
	}
	return slotView{}, fmt.Errorf("slot %s disappeared", start)
}

func (s *Simulator) book(ctx context.Context, date civil.Date, slot slotView) (int, error) {
	patient := uuid.New()
	body, _ := json.Marshal(map[string]any{
		"providerId":       s.config.ProviderID,
		"appointmentDate":  date.String(),
		"timeSlot":         map[string]string{"start": slot.Start, "end": slot.End},
		"consultationType": "online",
		"paymentMethod":    "clinic",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Role", "patient")
	req.Header.Set("X-Actor-ID", patient.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func printRound(round int, om *OperationMetrics, capacity int, after slotView, ok bool) {
	total := atomic.LoadInt64(&om.Total)
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errs := atomic.LoadInt64(&om.Error)
	avg, p50, p95, max := om.Stats()

	verdict := "ok"
	if !ok {
		verdict = "OVERBOOKED"
	}
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Round %d: %s\n", round, verdict)
	fmt.Printf("  Attempts: %d  Created: %d  Conflicts: %d  Errors: %d\n", total, success, conflict, errs)
	fmt.Printf("  Capacity before: %d  Booked after: %d  Remaining after: %d\n", capacity, after.BookedCount, after.RemainingCapacity)
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond), max.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
