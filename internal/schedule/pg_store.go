package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/db"
)

// PgStore keeps the provider aggregate in Postgres. The weekly pattern,
// settings and terms are jsonb documents on the provider row; overrides and
// holidays are child rows.
type PgStore struct {
	pool db.Pool
}

func NewPgStore(pool db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Get(ctx context.Context, providerID uuid.UUID) (*Provider, error) {
	var p Provider
	var weekly, settings, terms []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, weekly_pattern, slot_settings, terms, updated_at
		FROM providers
		WHERE id = $1
	`, providerID).Scan(&p.ID, &p.Name, &weekly, &settings, &terms, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("provider", providerID.String())
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}

	if err := decodeDocs(&p, weekly, settings, terms); err != nil {
		return nil, err
	}

	overrides, err := s.listOverrides(ctx, providerID)
	if err != nil {
		return nil, err
	}
	p.Schedule.Overrides = overrides

	holidays, err := s.listHolidays(ctx, providerID)
	if err != nil {
		return nil, err
	}
	p.Schedule.Holidays = holidays

	return &p, nil
}

func decodeDocs(p *Provider, weekly, settings, terms []byte) error {
	if len(weekly) > 0 {
		if err := json.Unmarshal(weekly, &p.Schedule.Weekly); err != nil {
			return fmt.Errorf("decode weekly pattern: %w", err)
		}
	}
	p.Schedule.Settings = DefaultSettings()
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &p.Schedule.Settings); err != nil {
			return fmt.Errorf("decode slot settings: %w", err)
		}
	}
	if len(terms) > 0 {
		if err := json.Unmarshal(terms, &p.Terms); err != nil {
			return fmt.Errorf("decode terms: %w", err)
		}
	}
	return nil
}

func (s *PgStore) listOverrides(ctx context.Context, providerID uuid.UUID) ([]DateOverride, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, override_date, available, reason, time_ranges
		FROM schedule_overrides
		WHERE provider_id = $1
		ORDER BY override_date
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()

	var out []DateOverride
	for rows.Next() {
		var (
			o      DateOverride
			day    time.Time
			ranges []byte
		)
		if err := rows.Scan(&o.ID, &day, &o.Available, &o.Reason, &ranges); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		o.Date = civil.DateOf(day)
		if len(ranges) > 0 {
			if err := json.Unmarshal(ranges, &o.TimeRanges); err != nil {
				return nil, fmt.Errorf("decode override ranges: %w", err)
			}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PgStore) listHolidays(ctx context.Context, providerID uuid.UUID) ([]civil.Date, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT holiday_date
		FROM provider_holidays
		WHERE provider_id = $1
		ORDER BY holiday_date
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list holidays: %w", err)
	}
	defer rows.Close()

	var out []civil.Date
	for rows.Next() {
		var day time.Time
		if err := rows.Scan(&day); err != nil {
			return nil, fmt.Errorf("scan holiday: %w", err)
		}
		out = append(out, civil.DateOf(day))
	}
	return out, rows.Err()
}

func (s *PgStore) Create(ctx context.Context, p *Provider) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	weekly, err := json.Marshal(p.Schedule.Weekly)
	if err != nil {
		return fmt.Errorf("encode weekly pattern: %w", err)
	}
	settings, err := json.Marshal(p.Schedule.Settings)
	if err != nil {
		return fmt.Errorf("encode slot settings: %w", err)
	}
	terms, err := json.Marshal(p.Terms)
	if err != nil {
		return fmt.Errorf("encode terms: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO providers (id, name, weekly_pattern, slot_settings, terms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
	`, p.ID, p.Name, weekly, settings, terms)
	if err != nil {
		return fmt.Errorf("insert provider: %w", err)
	}
	return nil
}

func (s *PgStore) updateDoc(ctx context.Context, providerID uuid.UUID, column string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", column, err)
	}
	// column is one of a fixed set chosen by the callers below
	tag, err := s.pool.Exec(ctx, `UPDATE providers SET `+column+` = $2, updated_at = now() WHERE id = $1`, providerID, doc)
	if err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("provider", providerID.String())
	}
	return nil
}

func (s *PgStore) SaveWeekly(ctx context.Context, providerID uuid.UUID, w WeeklyPattern) error {
	return s.updateDoc(ctx, providerID, "weekly_pattern", w)
}

func (s *PgStore) SaveSettings(ctx context.Context, providerID uuid.UUID, set SlotSettings) error {
	return s.updateDoc(ctx, providerID, "slot_settings", set)
}

func (s *PgStore) SaveTerms(ctx context.Context, providerID uuid.UUID, t Terms) error {
	return s.updateDoc(ctx, providerID, "terms", t)
}

func (s *PgStore) UpsertOverride(ctx context.Context, providerID uuid.UUID, o DateOverride) (DateOverride, error) {
	ranges, err := json.Marshal(o.TimeRanges)
	if err != nil {
		return DateOverride{}, fmt.Errorf("encode override ranges: %w", err)
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO schedule_overrides (id, provider_id, override_date, available, reason, time_ranges)
		VALUES ($1, $2, $3::date, $4, $5, $6)
		ON CONFLICT (provider_id, override_date) DO UPDATE
		SET available = EXCLUDED.available,
		    reason = EXCLUDED.reason,
		    time_ranges = EXCLUDED.time_ranges
		RETURNING id
	`, o.ID, providerID, o.Date.String(), o.Available, o.Reason, ranges).Scan(&o.ID)
	if err != nil {
		return DateOverride{}, fmt.Errorf("upsert override: %w", err)
	}
	return o, nil
}

func (s *PgStore) DeleteOverride(ctx context.Context, providerID, overrideID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM schedule_overrides WHERE provider_id = $1 AND id = $2
	`, providerID, overrideID)
	if err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("override", overrideID.String())
	}
	return nil
}

func (s *PgStore) AddHoliday(ctx context.Context, providerID uuid.UUID, date civil.Date) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_holidays (provider_id, holiday_date)
		VALUES ($1, $2::date)
		ON CONFLICT DO NOTHING
	`, providerID, date.String())
	if err != nil {
		return fmt.Errorf("add holiday: %w", err)
	}
	return nil
}

func (s *PgStore) RemoveHoliday(ctx context.Context, providerID uuid.UUID, date civil.Date) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM provider_holidays WHERE provider_id = $1 AND holiday_date = $2::date
	`, providerID, date.String())
	if err != nil {
		return fmt.Errorf("remove holiday: %w", err)
	}
	return nil
}
