package appointment

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/fees"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusConfirmed   Status = "confirmed"
	StatusOngoing     Status = "ongoing"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusNoShow      Status = "no_show"
	StatusRescheduled Status = "rescheduled"
)

// ActiveStatuses count against slot and daily capacity.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed, StatusOngoing}

func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusOngoing:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

type Actor string

const (
	ActorPatient  Actor = "patient"
	ActorProvider Actor = "doctor"
	ActorAdmin    Actor = "admin"
)

func ParseActor(s string) (Actor, bool) {
	switch Actor(s) {
	case ActorPatient, ActorProvider, ActorAdmin:
		return Actor(s), true
	case "provider":
		return ActorProvider, true
	}
	return "", false
}

// ActorRef identifies who is driving a transition.
type ActorRef struct {
	Role Actor
	ID   uuid.UUID
}

type ConsultationType string

const (
	ConsultationOnline  ConsultationType = "online"
	ConsultationOffline ConsultationType = "offline"
)

type PaymentMethod string

const (
	PaymentOnline PaymentMethod = "online"
	PaymentClinic PaymentMethod = "clinic"
)

// TimeSlot holds the exact generated slot strings (HH:MM).
type TimeSlot struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Cancellation struct {
	Reason      string    `json:"reason"`
	CancelledBy Actor     `json:"cancelledBy"`
	CancelledAt time.Time `json:"cancelledAt"`
}

type VideoSession struct {
	SessionID       string     `json:"sessionId"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationMinutes int        `json:"durationMinutes"`
}

type StatusChange struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Actor  Actor     `json:"actor"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type Appointment struct {
	ID               uuid.UUID        `json:"id"`
	PatientID        uuid.UUID        `json:"patientId"`
	ProviderID       uuid.UUID        `json:"providerId"`
	Date             civil.Date       `json:"appointmentDate"`
	TimeSlot         TimeSlot         `json:"timeSlot"`
	ConsultationType ConsultationType `json:"consultationType"`
	PaymentMethod    PaymentMethod    `json:"paymentMethod"`
	Status           Status           `json:"status"`
	Pricing          fees.Breakdown   `json:"pricing"`
	Symptoms         string           `json:"symptoms,omitempty"`
	Cancellation     *Cancellation    `json:"cancellation,omitempty"`
	VideoSession     *VideoSession    `json:"videoSession,omitempty"`
	Diagnosis        string           `json:"diagnosis,omitempty"`
	Notes            string           `json:"notes,omitempty"`
	RescheduleCount  int              `json:"rescheduleCount"`
	History          []StatusChange   `json:"history"`
	Version          int              `json:"version"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func (a *Appointment) clone() *Appointment {
	cp := *a
	cp.History = append([]StatusChange(nil), a.History...)
	if a.Cancellation != nil {
		c := *a.Cancellation
		cp.Cancellation = &c
	}
	if a.VideoSession != nil {
		v := *a.VideoSession
		if a.VideoSession.EndedAt != nil {
			t := *a.VideoSession.EndedAt
			v.EndedAt = &t
		}
		cp.VideoSession = &v
	}
	return &cp
}

// Stats are running counters per provider.
type Stats struct {
	ProviderID uuid.UUID `json:"providerId"`
	Booked     int       `json:"booked"`
	Completed  int       `json:"completed"`
	Cancelled  int       `json:"cancelled"`
	NoShow     int       `json:"noShow"`
}

func (s Stats) CancellationRate() float64 {
	if s.Booked == 0 {
		return 0
	}
	return float64(s.Cancelled) / float64(s.Booked)
}

// StatsDelta is the counter change produced by one transition.
type StatsDelta struct {
	Booked    int
	Completed int
	Cancelled int
	NoShow    int
}

func (d StatsDelta) IsZero() bool {
	return d == StatsDelta{}
}
