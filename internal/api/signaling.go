package api

import (
	"context"
	"fmt"
	"time"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/appointment"
	"github.com/hackgods/telehealth-scheduling/internal/signaling"
	"github.com/hackgods/telehealth-scheduling/pkg/logging"
)

// SessionLookup resolves the appointment behind a video session.
type SessionLookup interface {
	LookupSession(ctx context.Context, sessionID string) (*appointment.Appointment, error)
}

// JoinValidator admits a signaling join only for the participants of an
// ongoing online appointment whose call has not ended.
type JoinValidator struct {
	appointments SessionLookup
}

func NewJoinValidator(appointments SessionLookup) *JoinValidator {
	return &JoinValidator{appointments: appointments}
}

func (v *JoinValidator) ValidateJoin(ctx context.Context, sessionID, userID string, role signaling.Role) error {
	appt, err := v.appointments.LookupSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if appt.Status != appointment.StatusOngoing {
		return apperr.StatusConflict(string(appt.Status), "consultation is not in progress")
	}
	// A hung-up call keeps the appointment ongoing until it is completed,
	// but its session must not reopen once the registry has dropped it.
	if appt.VideoSession == nil || appt.VideoSession.SessionID != sessionID || appt.VideoSession.EndedAt != nil {
		return apperr.StatusConflict(string(appt.Status), "session has ended")
	}
	want := appt.PatientID.String()
	if role == signaling.RoleDoctor {
		want = appt.ProviderID.String()
	}
	if userID != want {
		return apperr.Conflict("not_participant", fmt.Sprintf("user is not the %s of this appointment", role))
	}
	return nil
}

// SessionEndRecorder records hangups and timeouts on the appointment.
type SessionEndRecorder interface {
	RecordSessionEnded(ctx context.Context, sessionID string, endedAt time.Time) error
}

// OnSessionEnded returns the registry hook that stamps a finished call on
// its appointment.
func OnSessionEnded(appointments SessionEndRecorder, logger *logging.Logger) func(signaling.Ended) {
	if logger == nil {
		logger = logging.Default()
	}
	return func(e signaling.Ended) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := appointments.RecordSessionEnded(ctx, e.SessionID, e.EndTime); err != nil {
			logger.Error("record session end failed", "session_id", e.SessionID, "reason", e.Reason, "error", err)
			return
		}
		logger.Info("session ended", "session_id", e.SessionID, "reason", e.Reason, "duration", e.Duration)
	}
}
