package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
	"github.com/hackgods/telehealth-scheduling/pkg/logging"
)

const shardCount = 32

var ErrRegistryClosed = errors.New("session registry closed")

// Peer is one participant's connection. Send must not block; it reports an
// error when the message cannot be queued.
type Peer interface {
	Send(msg Message) error
}

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusTimeout Status = "timeout"
)

type EndReason string

const (
	EndHangup  EndReason = "hangup"
	EndTimeout EndReason = "timeout"
)

// Ended describes a session that was hung up or timed out.
type Ended struct {
	SessionID string
	Reason    EndReason
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

type Participant struct {
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID           string               `json:"sessionId"`
	Status       Status               `json:"status"`
	Participants map[Role]Participant `json:"participants"`
	CreatedAt    time.Time            `json:"createdAt"`
	StartTime    *time.Time           `json:"startTime,omitempty"`
	EndTime      *time.Time           `json:"endTime,omitempty"`
}

type member struct {
	Participant
	peer Peer
}

type session struct {
	id        string
	status    Status
	members   map[Role]*member
	createdAt time.Time
	startTime time.Time
	endTime   time.Time
	removeAt  time.Time
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ID:           s.id,
		Status:       s.status,
		Participants: make(map[Role]Participant, len(s.members)),
		CreatedAt:    s.createdAt,
	}
	for role, m := range s.members {
		snap.Participants[role] = m.Participant
	}
	if !s.startTime.IsZero() {
		t := s.startTime
		snap.StartTime = &t
	}
	if !s.endTime.IsZero() {
		t := s.endTime
		snap.EndTime = &t
	}
	return snap
}

func (s *session) duration() time.Duration {
	if s.startTime.IsZero() {
		return 0
	}
	return s.endTime.Sub(s.startTime)
}

func (s *session) finished() bool {
	return s.status == StatusEnded || s.status == StatusTimeout
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// Registry holds live sessions in memory. Each session maps to one of a
// fixed set of lock stripes, so unrelated sessions never contend.
type Registry struct {
	shards      [shardCount]shard
	now         func() time.Time
	maxDuration time.Duration
	staleAfter  time.Duration
	endGrace    time.Duration
	interval    time.Duration
	onEnded     func(Ended)
	logger      *logging.Logger
	metrics     *metrics.Metrics
	closed      atomic.Bool
	live        atomic.Int64
}

type Options struct {
	MaxDuration   time.Duration
	StaleAfter    time.Duration
	EndGrace      time.Duration
	SweepInterval time.Duration
	// OnEnded runs after a hangup or timeout, outside any registry lock.
	OnEnded func(Ended)
	Now     func() time.Time
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		now:         opts.Now,
		maxDuration: opts.MaxDuration,
		staleAfter:  opts.StaleAfter,
		endGrace:    opts.EndGrace,
		interval:    opts.SweepInterval,
		onEnded:     opts.OnEnded,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.maxDuration <= 0 {
		r.maxDuration = time.Hour
	}
	if r.staleAfter <= 0 {
		r.staleAfter = 2 * time.Hour
	}
	if r.endGrace <= 0 {
		r.endGrace = 30 * time.Second
	}
	if r.interval <= 0 {
		r.interval = time.Minute
	}
	if r.logger == nil {
		r.logger = logging.Default()
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*session)
	}
	return r
}

func (r *Registry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &r.shards[h.Sum32()%shardCount]
}

// withSession runs fn under the session's stripe lock.
func (r *Registry) withSession(sessionID string, fn func(sh *shard) error) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return fn(sh)
}

// Join places userID in the role's slot, replacing any earlier connection
// for that role. The session becomes active when both roles are present.
func (r *Registry) Join(sessionID, userID string, role Role, peer Peer) (Snapshot, error) {
	if sessionID == "" {
		return Snapshot{}, apperr.Validation("sessionId", "sessionId is required")
	}
	if !role.Valid() {
		return Snapshot{}, apperr.Validation("role", "role must be doctor or patient")
	}
	var snap Snapshot
	created := false
	err := r.withSession(sessionID, func(sh *shard) error {
		now := r.now()
		s, ok := sh.sessions[sessionID]
		if !ok {
			s = &session{id: sessionID, status: StatusWaiting, members: make(map[Role]*member), createdAt: now}
			sh.sessions[sessionID] = s
			created = true
		}
		if s.finished() {
			return apperr.StatusConflict(string(s.status), "session has already ended")
		}
		if existing, ok := s.members[role]; ok && existing.UserID != userID {
			return apperr.Conflict("role_taken", fmt.Sprintf("%s slot is held by another user", role))
		}

		s.members[role] = &member{Participant: Participant{UserID: userID, JoinedAt: now}, peer: peer}
		if other, ok := s.members[role.Other()]; ok && other.peer != nil {
			r.deliver(other.peer, Message{Type: KindUserJoined, SessionID: sessionID, UserID: userID, Role: role})
		}

		if s.status == StatusWaiting && len(s.members) == 2 {
			s.status = StatusActive
			s.startTime = now
			started := Message{Type: KindSessionStarted, SessionID: sessionID}
			r.broadcast(s, started, "")
		}
		snap = s.snapshot()
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	if created {
		r.metrics.SetLiveSessions(int(r.live.Add(1)))
	}
	return snap, nil
}

// Relay forwards a signaling payload to the other participant. When the
// other side is unreachable the sender gets user-disconnected instead.
func (r *Registry) Relay(sessionID string, from Role, kind Kind, payload json.RawMessage) error {
	if !kind.Relayable() {
		return apperr.Validation("type", fmt.Sprintf("%s cannot be relayed", kind))
	}
	return r.withSession(sessionID, func(sh *shard) error {
		s, ok := sh.sessions[sessionID]
		if !ok {
			return apperr.NotFound("session", sessionID)
		}
		sender, ok := s.members[from]
		if !ok {
			return apperr.Conflict("not_participant", "sender has not joined this session")
		}
		if s.finished() {
			return apperr.StatusConflict(string(s.status), "session has already ended")
		}

		msg := Message{Type: kind, SessionID: sessionID, UserID: sender.UserID, Role: from, Payload: payload}
		other, ok := s.members[from.Other()]
		if !ok || other.peer == nil || other.peer.Send(msg) != nil {
			if sender.peer != nil {
				r.deliver(sender.peer, Message{Type: KindUserDisconnected, SessionID: sessionID, Role: from.Other()})
			}
		}
		return nil
	})
}

// EndCall hangs up the session, tells the other participant and keeps the
// entry around for the grace period.
func (r *Registry) EndCall(sessionID string, by Role) (Ended, error) {
	var ended Ended
	err := r.withSession(sessionID, func(sh *shard) error {
		s, ok := sh.sessions[sessionID]
		if !ok {
			return apperr.NotFound("session", sessionID)
		}
		if s.finished() {
			return apperr.StatusConflict(string(s.status), "session has already ended")
		}
		now := r.now()
		s.status = StatusEnded
		s.endTime = now
		s.removeAt = now.Add(r.endGrace)
		ended = Ended{SessionID: sessionID, Reason: EndHangup, StartTime: s.startTime, EndTime: now, Duration: s.duration()}

		r.broadcast(s, Message{
			Type:            KindCallEnded,
			SessionID:       sessionID,
			Role:            by,
			DurationSeconds: int64(ended.Duration / time.Second),
			Reason:          string(EndHangup),
		}, by)
		return nil
	})
	if err != nil {
		return Ended{}, err
	}
	r.metrics.ObserveSessionTermination(string(EndHangup))
	r.notifyEnded(ended)
	return ended, nil
}

// Disconnect drops peer's handle. The call keeps running; the remaining
// participant is told the counterpart went away. A peer that has already
// been replaced by a re-join is ignored.
func (r *Registry) Disconnect(sessionID string, role Role, peer Peer) {
	_ = r.withSession(sessionID, func(sh *shard) error {
		s, ok := sh.sessions[sessionID]
		if !ok {
			return nil
		}
		m, ok := s.members[role]
		if !ok || m.peer != peer {
			return nil
		}
		m.peer = nil
		if s.status == StatusActive {
			if other, ok := s.members[role.Other()]; ok && other.peer != nil {
				r.deliver(other.peer, Message{Type: KindUserDisconnected, SessionID: sessionID, UserID: m.UserID, Role: role})
			}
		}
		return nil
	})
}

func (r *Registry) Get(sessionID string) (Snapshot, bool) {
	var snap Snapshot
	found := false
	_ = r.withSession(sessionID, func(sh *shard) error {
		if s, ok := sh.sessions[sessionID]; ok {
			snap, found = s.snapshot(), true
		}
		return nil
	})
	return snap, found
}

func (r *Registry) Len() int {
	return int(r.live.Load())
}

// Sweep times out active sessions running past the ceiling, drops stale
// waiting sessions and removes ended sessions whose grace has passed.
// Elapsed time is always measured from the stored start time.
func (r *Registry) Sweep(now time.Time) []Ended {
	var timedOut []Ended
	removed := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for id, s := range sh.sessions {
			switch s.status {
			case StatusActive:
				if now.Sub(s.startTime) <= r.maxDuration {
					continue
				}
				s.status = StatusTimeout
				s.endTime = now
				s.removeAt = now.Add(r.endGrace)
				e := Ended{SessionID: id, Reason: EndTimeout, StartTime: s.startTime, EndTime: now, Duration: s.duration()}
				r.broadcast(s, Message{
					Type:            KindSessionTimeout,
					SessionID:       id,
					DurationSeconds: int64(e.Duration / time.Second),
					Reason:          string(EndTimeout),
				}, "")
				timedOut = append(timedOut, e)
			case StatusWaiting:
				if now.Sub(s.createdAt) > r.staleAfter {
					delete(sh.sessions, id)
					removed++
				}
			case StatusEnded, StatusTimeout:
				if !now.Before(s.removeAt) {
					delete(sh.sessions, id)
					removed++
				}
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		r.metrics.SetLiveSessions(int(r.live.Add(int64(-removed))))
	}
	for _, e := range timedOut {
		r.metrics.ObserveSessionTermination(string(EndTimeout))
		r.logger.Info("session timed out", "session_id", e.SessionID, "duration", e.Duration)
		r.notifyEnded(e)
	}
	return timedOut
}

// Run sweeps on every interval until ctx is done or the registry closes.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.closed.Load() {
				return
			}
			r.Sweep(r.now())
		}
	}
}

// Close rejects further operations and forgets every session.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		sh.sessions = make(map[string]*session)
		sh.mu.Unlock()
	}
	r.live.Store(0)
	r.metrics.SetLiveSessions(0)
}

func (r *Registry) broadcast(s *session, msg Message, except Role) {
	for role, m := range s.members {
		if role == except || m.peer == nil {
			continue
		}
		r.deliver(m.peer, msg)
	}
}

// deliver swallows send failures; a dead peer surfaces through Disconnect.
func (r *Registry) deliver(p Peer, msg Message) {
	if err := p.Send(msg); err != nil {
		r.logger.Debug("signaling send dropped", "session_id", msg.SessionID, "type", msg.Type, "error", err)
	}
}

func (r *Registry) notifyEnded(e Ended) {
	if r.onEnded == nil {
		return
	}
	r.onEnded(e)
}
