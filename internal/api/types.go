package api

import (
	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/appointment"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

type BookAppointmentRequest struct {
	PatientID        uuid.UUID                    `json:"patientId"`
	ProviderID       uuid.UUID                    `json:"providerId"`
	Date             civil.Date                   `json:"appointmentDate"`
	TimeSlot         appointment.TimeSlot         `json:"timeSlot"`
	ConsultationType appointment.ConsultationType `json:"consultationType"`
	PaymentMethod    appointment.PaymentMethod    `json:"paymentMethod"`
	Symptoms         string                       `json:"symptoms"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type RescheduleRequest struct {
	Date     civil.Date           `json:"appointmentDate"`
	TimeSlot appointment.TimeSlot `json:"timeSlot"`
	Reason   string               `json:"reason"`
}

type CompleteRequest struct {
	Diagnosis string `json:"diagnosis"`
	Notes     string `json:"notes"`
}

type OverrideRequest struct {
	Available  bool                 `json:"available"`
	Reason     string               `json:"reason"`
	TimeRanges []schedule.TimeRange `json:"timeRanges"`
}

type HolidayRequest struct {
	Date civil.Date `json:"date"`
}

type HolidayResponse struct {
	Date      civil.Date `json:"date"`
	Cancelled int        `json:"cancelledAppointments"`
}

type ConfirmPaymentRequest struct {
	OrderRef  string `json:"orderRef"`
	Signature string `json:"signature"`
}

type StatsResponse struct {
	appointment.Stats
	CancellationRate float64 `json:"cancellationRate"`
}
