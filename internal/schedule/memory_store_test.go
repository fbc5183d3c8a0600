package schedule

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
)

func TestServiceOverrideLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, nil)

	p := &Provider{Name: "Dr. Lee", Schedule: mondayConfig()}
	require.NoError(t, store.Create(ctx, p))

	first, err := svc.UpsertOverride(ctx, p.ID, DateOverride{Date: monday, Available: false, Reason: "Conference"})
	require.NoError(t, err)
	second, err := svc.UpsertOverride(ctx, p.ID, DateOverride{Date: monday, Available: true, TimeRanges: []TimeRange{{Start: 600, End: 660}}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got.Schedule.Overrides, 1)
	assert.True(t, got.Schedule.Overrides[0].Available)

	require.NoError(t, svc.DeleteOverride(ctx, p.ID, first.ID))
	err = svc.DeleteOverride(ctx, p.ID, first.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestServiceRejectsInvalidOverride(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, nil)
	p := &Provider{Name: "Dr. Lee"}
	require.NoError(t, store.Create(ctx, p))

	_, err := svc.UpsertOverride(ctx, p.ID, DateOverride{Date: monday, Available: true, TimeRanges: []TimeRange{{Start: 700, End: 600}}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := &Provider{Name: "Dr. Lee", Schedule: mondayConfig()}
	require.NoError(t, store.Create(ctx, p))
	require.NoError(t, store.AddHoliday(ctx, p.ID, monday))
	require.NoError(t, store.AddHoliday(ctx, p.ID, monday))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Schedule.Holidays, 1)
	got.Schedule.Holidays = nil

	again, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, again.Schedule.Holidays, 1)

	require.NoError(t, store.RemoveHoliday(ctx, p.ID, monday))
	again, err = store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Schedule.Holidays)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
