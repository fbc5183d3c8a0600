package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
)

type recordingPeer struct {
	mu   sync.Mutex
	msgs []Message
	fail bool
}

func (p *recordingPeer) Send(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("gone")
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPeer) kinds() []Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Kind, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.Type
	}
	return out
}

func (p *recordingPeer) last() Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[len(p.msgs)-1]
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRegistry(onEnded func(Ended)) (*Registry, *clock) {
	c := &clock{t: time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry(Options{
		MaxDuration: time.Hour,
		StaleAfter:  2 * time.Hour,
		EndGrace:    30 * time.Second,
		OnEnded:     onEnded,
		Now:         c.now,
	})
	return r, c
}

func TestJoinActivatesOnceBothRolesPresent(t *testing.T) {
	r, c := newTestRegistry(nil)
	patient, doctor := &recordingPeer{}, &recordingPeer{}

	snap, err := r.Join("s-1", "pat-1", RolePatient, patient)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, snap.Status)
	assert.Nil(t, snap.StartTime)

	c.advance(time.Minute)
	snap, err = r.Join("s-1", "doc-1", RoleDoctor, doctor)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, snap.Status)
	require.NotNil(t, snap.StartTime)
	startedAt := *snap.StartTime
	assert.Equal(t, c.now(), startedAt)

	assert.Equal(t, []Kind{KindUserJoined, KindSessionStarted}, patient.kinds())
	assert.Equal(t, []Kind{KindSessionStarted}, doctor.kinds())

	// Re-joining replaces the handle and never restamps the start.
	c.advance(time.Minute)
	doctor2 := &recordingPeer{}
	for i := 0; i < 3; i++ {
		snap, err = r.Join("s-1", "doc-1", RoleDoctor, doctor2)
		require.NoError(t, err)
	}
	assert.Len(t, snap.Participants, 2)
	assert.Equal(t, startedAt, *snap.StartTime)
	assert.Equal(t, KindUserJoined, patient.last().Type)
	assert.Equal(t, 1, r.Len())
}

func TestJoinRejectsSecondUserForRole(t *testing.T) {
	r, _ := newTestRegistry(nil)
	_, err := r.Join("s-1", "pat-1", RolePatient, &recordingPeer{})
	require.NoError(t, err)
	_, err = r.Join("s-1", "pat-2", RolePatient, &recordingPeer{})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = r.Join("s-1", "x", Role("nurse"), &recordingPeer{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRelayForwardsVerbatim(t *testing.T) {
	r, _ := newTestRegistry(nil)
	patient, doctor := &recordingPeer{}, &recordingPeer{}
	_, _ = r.Join("s-1", "pat-1", RolePatient, patient)
	_, _ = r.Join("s-1", "doc-1", RoleDoctor, doctor)

	payload := json.RawMessage(`{"sdp":"v=0..."}`)
	require.NoError(t, r.Relay("s-1", RoleDoctor, KindOffer, payload))

	got := patient.last()
	assert.Equal(t, KindOffer, got.Type)
	assert.Equal(t, RoleDoctor, got.Role)
	assert.JSONEq(t, string(payload), string(got.Payload))

	assert.ErrorIs(t, r.Relay("s-1", RoleDoctor, KindSessionStarted, nil), apperr.ErrValidation)
	assert.ErrorIs(t, r.Relay("missing", RoleDoctor, KindOffer, nil), apperr.ErrNotFound)
}

func TestRelayToDeadPeerTellsSender(t *testing.T) {
	r, _ := newTestRegistry(nil)
	patient, doctor := &recordingPeer{}, &recordingPeer{}
	_, _ = r.Join("s-1", "pat-1", RolePatient, patient)
	_, _ = r.Join("s-1", "doc-1", RoleDoctor, doctor)
	patient.mu.Lock()
	patient.fail = true
	patient.mu.Unlock()

	require.NoError(t, r.Relay("s-1", RoleDoctor, KindICECandidate, json.RawMessage(`{}`)))
	assert.Equal(t, KindUserDisconnected, doctor.last().Type)
}

func TestDisconnectDoesNotEndCall(t *testing.T) {
	r, _ := newTestRegistry(nil)
	patient, doctor := &recordingPeer{}, &recordingPeer{}
	_, _ = r.Join("s-1", "pat-1", RolePatient, patient)
	_, _ = r.Join("s-1", "doc-1", RoleDoctor, doctor)

	// A stale handle is ignored.
	r.Disconnect("s-1", RolePatient, &recordingPeer{})
	assert.Equal(t, KindSessionStarted, doctor.last().Type)

	r.Disconnect("s-1", RolePatient, patient)
	assert.Equal(t, KindUserDisconnected, doctor.last().Type)

	snap, ok := r.Get("s-1")
	require.True(t, ok)
	assert.Equal(t, StatusActive, snap.Status)
}

func TestEndCallComputesDurationAndRemovesAfterGrace(t *testing.T) {
	var ended []Ended
	r, c := newTestRegistry(func(e Ended) { ended = append(ended, e) })
	patient, doctor := &recordingPeer{}, &recordingPeer{}
	_, _ = r.Join("s-1", "pat-1", RolePatient, patient)
	_, _ = r.Join("s-1", "doc-1", RoleDoctor, doctor)

	c.advance(25 * time.Minute)
	e, err := r.EndCall("s-1", RoleDoctor)
	require.NoError(t, err)
	assert.Equal(t, 25*time.Minute, e.Duration)
	assert.Equal(t, EndHangup, e.Reason)

	msg := patient.last()
	assert.Equal(t, KindCallEnded, msg.Type)
	assert.Equal(t, int64(1500), msg.DurationSeconds)
	assert.NotEqual(t, KindCallEnded, doctor.last().Type, "the caller that hung up is not echoed")
	require.Len(t, ended, 1)

	_, err = r.EndCall("s-1", RolePatient)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	_, err = r.Join("s-1", "pat-1", RolePatient, patient)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	r.Sweep(c.now().Add(10 * time.Second))
	_, ok := r.Get("s-1")
	assert.True(t, ok, "still inside grace period")

	r.Sweep(c.now().Add(30 * time.Second))
	_, ok = r.Get("s-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestSweepTimesOutLongSessionsAndDropsStaleWaiting(t *testing.T) {
	var ended []Ended
	r, c := newTestRegistry(func(e Ended) { ended = append(ended, e) })
	patient, doctor := &recordingPeer{}, &recordingPeer{}
	_, _ = r.Join("live", "pat-1", RolePatient, patient)
	_, _ = r.Join("live", "doc-1", RoleDoctor, doctor)
	lonely := &recordingPeer{}
	_, _ = r.Join("lonely", "pat-2", RolePatient, lonely)

	assert.Empty(t, r.Sweep(c.now().Add(59*time.Minute)))

	timedOut := r.Sweep(c.now().Add(61 * time.Minute))
	require.Len(t, timedOut, 1)
	assert.Equal(t, "live", timedOut[0].SessionID)
	assert.Equal(t, 61*time.Minute, timedOut[0].Duration)
	assert.Equal(t, KindSessionTimeout, patient.last().Type)
	assert.Equal(t, KindSessionTimeout, doctor.last().Type)
	require.Len(t, ended, 1)

	snap, ok := r.Get("live")
	require.True(t, ok)
	assert.Equal(t, StatusTimeout, snap.Status)

	r.Sweep(c.now().Add(2*time.Hour + time.Second))
	_, ok = r.Get("lonely")
	assert.False(t, ok)
	assert.Empty(t, lonely.kinds(), "stale waiting sessions are dropped silently")
}

func TestConcurrentEndAndDisconnect(t *testing.T) {
	var ended int
	var mu sync.Mutex
	r, _ := newTestRegistry(func(Ended) {
		mu.Lock()
		ended++
		mu.Unlock()
	})

	const sessions = 50
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("s-%d", i)
		patient, doctor := &recordingPeer{}, &recordingPeer{}
		_, _ = r.Join(id, "pat", RolePatient, patient)
		_, _ = r.Join(id, "doc", RoleDoctor, doctor)
		wg.Add(3)
		go func() { defer wg.Done(); _, _ = r.EndCall(id, RoleDoctor) }()
		go func() { defer wg.Done(); _, _ = r.EndCall(id, RolePatient) }()
		go func() { defer wg.Done(); r.Disconnect(id, RolePatient, patient) }()
	}
	wg.Wait()

	assert.Equal(t, sessions, ended, "each session ends exactly once")
}

func TestCloseRejectsFurtherJoins(t *testing.T) {
	r, _ := newTestRegistry(nil)
	_, _ = r.Join("s-1", "pat-1", RolePatient, &recordingPeer{})
	r.Close()
	_, err := r.Join("s-2", "pat-1", RolePatient, &recordingPeer{})
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.Equal(t, 0, r.Len())
}
