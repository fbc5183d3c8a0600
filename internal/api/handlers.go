package api

import (
	"encoding/json"
	"net/http"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/internal/appointment"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Validation(name, name+" must be a valid UUID")
	}
	return id, nil
}

func parseDate(raw, field string) (civil.Date, error) {
	d, err := civil.ParseDate(raw)
	if err != nil {
		return civil.Date{}, apperr.Validation(field, field+" must be YYYY-MM-DD")
	}
	return d, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("body", "could not parse JSON")
	}
	return nil
}

// actorFrom reads the caller identity set by the authenticating proxy.
func actorFrom(r *http.Request) (appointment.ActorRef, error) {
	role, ok := appointment.ParseActor(r.Header.Get("X-Actor-Role"))
	if !ok {
		return appointment.ActorRef{}, apperr.Validation("X-Actor-Role", "X-Actor-Role must be patient, doctor or admin")
	}
	id, err := uuid.Parse(r.Header.Get("X-Actor-ID"))
	if err != nil && role != appointment.ActorAdmin {
		return appointment.ActorRef{}, apperr.Validation("X-Actor-ID", "X-Actor-ID must be a valid UUID")
	}
	return appointment.ActorRef{Role: role, ID: id}, nil
}

// scheduleEditor gates schedule writes to the owning doctor or an admin.
func scheduleEditor(r *http.Request) (uuid.UUID, error) {
	providerID, err := uuidParam(r, "providerID")
	if err != nil {
		return uuid.Nil, err
	}
	actor, err := actorFrom(r)
	if err != nil {
		return uuid.Nil, err
	}
	switch {
	case actor.Role == appointment.ActorAdmin:
	case actor.Role == appointment.ActorProvider && actor.ID == providerID:
	default:
		return uuid.Nil, apperr.Conflict("actor_not_permitted", "only the doctor or an admin can edit this schedule")
	}
	return providerID, nil
}

func getSlotsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuidParam(r, "providerID")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		date, err := parseDate(r.URL.Query().Get("date"), "date")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		day, err := svc.GetAvailableSlots(r.Context(), providerID, date)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, day)
	}
}

func getScheduleHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuidParam(r, "providerID")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		p, err := svc.Get(r.Context(), providerID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func putWeeklyHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := scheduleEditor(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		var weekly schedule.WeeklyPattern
		if err := decodeBody(r, &weekly); err != nil {
			writeAppError(w, r, err)
			return
		}
		if err := svc.SetWeeklyPattern(r.Context(), providerID, weekly); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func putSettingsHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := scheduleEditor(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		var settings schedule.SlotSettings
		if err := decodeBody(r, &settings); err != nil {
			writeAppError(w, r, err)
			return
		}
		if err := svc.UpdateSettings(r.Context(), providerID, settings); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func putTermsHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := scheduleEditor(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		var terms schedule.Terms
		if err := decodeBody(r, &terms); err != nil {
			writeAppError(w, r, err)
			return
		}
		if err := svc.UpdateTerms(r.Context(), providerID, terms); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func putOverrideHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := scheduleEditor(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		date, err := parseDate(chi.URLParam(r, "override"), "date")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		var req OverrideRequest
		if err := decodeBody(r, &req); err != nil {
			writeAppError(w, r, err)
			return
		}
		stored, err := svc.UpsertOverride(r.Context(), providerID, schedule.DateOverride{
			Date:       date,
			Available:  req.Available,
			Reason:     req.Reason,
			TimeRanges: req.TimeRanges,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stored)
	}
}

func deleteOverrideHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := scheduleEditor(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		overrideID, err := uuidParam(r, "override")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if err := svc.DeleteOverride(r.Context(), providerID, overrideID); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func declareHolidayHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuidParam(r, "providerID")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		actor, err := actorFrom(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		var req HolidayRequest
		if err := decodeBody(r, &req); err != nil {
			writeAppError(w, r, err)
			return
		}
		n, err := svc.DeclareHoliday(r.Context(), providerID, req.Date, actor)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, HolidayResponse{Date: req.Date, Cancelled: n})
	}
}

func removeHolidayHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := scheduleEditor(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		date, err := parseDate(chi.URLParam(r, "date"), "date")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if err := svc.RemoveHoliday(r.Context(), providerID, date); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listProviderAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuidParam(r, "providerID")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		date, err := parseDate(r.URL.Query().Get("date"), "date")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		appts, err := svc.ListProviderAppointments(r.Context(), providerID, date)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if appts == nil {
			appts = []appointment.Appointment{}
		}
		writeJSON(w, http.StatusOK, appts)
	}
}

func providerStatsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuidParam(r, "providerID")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		stats, err := svc.GetProviderStats(r.Context(), providerID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, StatsResponse{Stats: stats, CancellationRate: stats.CancellationRate()})
	}
}

func bookAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		var req BookAppointmentRequest
		if err := decodeBody(r, &req); err != nil {
			writeAppError(w, r, err)
			return
		}
		switch actor.Role {
		case appointment.ActorPatient:
			if req.PatientID != uuid.Nil && req.PatientID != actor.ID {
				writeAppError(w, r, apperr.Conflict("actor_not_permitted", "patients can only book for themselves"))
				return
			}
			req.PatientID = actor.ID
		case appointment.ActorAdmin:
		default:
			writeAppError(w, r, apperr.Conflict("actor_not_permitted", "only patients or admins can book"))
			return
		}

		appt, err := svc.BookAppointment(r.Context(), appointment.BookRequest{
			PatientID:        req.PatientID,
			ProviderID:       req.ProviderID,
			Date:             req.Date,
			TimeSlot:         req.TimeSlot,
			ConsultationType: req.ConsultationType,
			PaymentMethod:    req.PaymentMethod,
			Symptoms:         req.Symptoms,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, appt)
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

type transitionFunc func(r *http.Request, id uuid.UUID, actor appointment.ActorRef) (*appointment.Appointment, error)

// transitionHandler resolves the id and actor common to every lifecycle
// endpoint and writes the updated appointment.
func transitionHandler(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		actor, err := actorFrom(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		appt, err := fn(r, id, actor)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

// optionalBody decodes a JSON body when one was sent.
func optionalBody(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeBody(r, v)
}

func acceptHandler(svc *appointment.Service) http.HandlerFunc {
	return transitionHandler(func(r *http.Request, id uuid.UUID, actor appointment.ActorRef) (*appointment.Appointment, error) {
		return svc.Accept(r.Context(), id, actor)
	})
}

func rejectHandler(svc *appointment.Service) http.HandlerFunc {
	return transitionHandler(func(r *http.Request, id uuid.UUID, actor appointment.ActorRef) (*appointment.Appointment, error) {
		var req ReasonRequest
		if err := optionalBody(r, &req); err != nil {
			return nil, err
		}
		return svc.Reject(r.Context(), id, actor, req.Reason)
	})
}

func cancelHandler(svc *appointment.Service) http.HandlerFunc {
	return transitionHandler(func(r *http.Request, id uuid.UUID, actor appointment.ActorRef) (*appointment.Appointment, error) {
		var req ReasonRequest
		if err := optionalBody(r, &req); err != nil {
			return nil, err
		}
		return svc.Cancel(r.Context(), id, actor, req.Reason)
	})
}

func rescheduleHandler(svc *appointment.Service) http.HandlerFunc {
	return transitionHandler(func(r *http.Request, id uuid.UUID, actor appointment.ActorRef) (*appointment.Appointment, error) {
		var req RescheduleRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return svc.Reschedule(r.Context(), id, actor, req.Date, req.TimeSlot, req.Reason)
	})
}

func startHandler(svc *appointment.Service) http.HandlerFunc {
	return transitionHandler(func(r *http.Request, id uuid.UUID, actor appointment.ActorRef) (*appointment.Appointment, error) {
		return svc.StartConsultation(r.Context(), id, actor)
	})
}

func endHandler(svc *appointment.Service) http.HandlerFunc {
	return transitionHandler(func(r *http.Request, id uuid.UUID, actor appointment.ActorRef) (*appointment.Appointment, error) {
		return svc.EndConsultation(r.Context(), id, actor)
	})
}

func completeHandler(svc *appointment.Service) http.HandlerFunc {
	return transitionHandler(func(r *http.Request, id uuid.UUID, actor appointment.ActorRef) (*appointment.Appointment, error) {
		var req CompleteRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return svc.Complete(r.Context(), id, actor, req.Diagnosis, req.Notes)
	})
}

func noShowHandler(svc *appointment.Service) http.HandlerFunc {
	return transitionHandler(func(r *http.Request, id uuid.UUID, actor appointment.ActorRef) (*appointment.Appointment, error) {
		return svc.MarkNoShow(r.Context(), id, actor)
	})
}

func paymentOrderHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		actor, err := actorFrom(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		p, err := svc.CreatePaymentOrder(r.Context(), id, actor)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func confirmPaymentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConfirmPaymentRequest
		if err := decodeBody(r, &req); err != nil {
			writeAppError(w, r, err)
			return
		}
		p, err := svc.ConfirmPayment(r.Context(), req.OrderRef, req.Signature)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}
