package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
)

type ReserveSlotRequest struct {
	DoctorID        string  `json:"doctor_id" validate:"required,uuid"`
	PatientID       string  `json:"patient_id" validate:"required,uuid"`
	Date            string  `json:"date" validate:"required,datetime=2006-01-02"`
	Time            string  `json:"time" validate:"required,datetime=15:04"`
	DurationMinutes int     `json:"duration_minutes" validate:"gte=0,lte=720"`
	Type            string  `json:"type" validate:"omitempty,oneof=consultation follow-up therapy emergency check-up"`
	Priority        string  `json:"priority" validate:"omitempty,oneof=low medium high emergency"`
	Purpose         *string `json:"purpose" validate:"omitempty,max=500"`
	Notes           *string `json:"notes" validate:"omitempty,max=2000"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type RescheduleRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
	Time string `json:"time" validate:"required,datetime=15:04"`
}

type SetStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID `json:"id"`
	DoctorID           uuid.UUID `json:"doctor_id"`
	PatientID          uuid.UUID `json:"patient_id"`
	Date               string    `json:"date"`
	Time               string    `json:"time"`
	EndTime            string    `json:"end_time"`
	DurationMinutes    int       `json:"duration_minutes"`
	Type               string    `json:"type"`
	Priority           string    `json:"priority"`
	Purpose            *string   `json:"purpose,omitempty"`
	Notes              *string   `json:"notes,omitempty"`
	Status             string    `json:"status"`
	CancellationReason *string   `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type WorkingHoursResponse struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type DoctorResponse struct {
	ID                  uuid.UUID            `json:"id"`
	Name                string               `json:"name"`
	Specialty           *string              `json:"specialty,omitempty"`
	WorkingHours        WorkingHoursResponse `json:"working_hours"`
	SlotDurationMinutes int                  `json:"slot_duration_minutes"`
	AvailableDays       []string             `json:"available_days"`
	MaxPatientsPerDay   *int                 `json:"max_patients_per_day,omitempty"`
}

const (
	slotOpen         = "open"
	slotBooked       = "booked"
	slotContinuation = "continuation"
)

type TimeSlotResponse struct {
	Time          string               `json:"time"`
	State         string               `json:"state"`
	AppointmentID *uuid.UUID           `json:"appointment_id,omitempty"`
	Appointment   *AppointmentResponse `json:"appointment,omitempty"`
}

type StatsResponse struct {
	Total      int `json:"total"`
	Scheduled  int `json:"scheduled"`
	Confirmed  int `json:"confirmed"`
	CheckedIn  int `json:"checked_in"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Cancelled  int `json:"cancelled"`
	NoShow     int `json:"no_show"`
	Pending    int `json:"pending"`
}

type ScheduleResponse struct {
	Doctor    DoctorResponse     `json:"doctor"`
	Date      string             `json:"date"`
	TimeSlots []TimeSlotResponse `json:"time_slots"`
	Stats     StatsResponse      `json:"stats"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		DoctorID:           a.DoctorID,
		PatientID:          a.PatientID,
		Date:               a.Date.Format(appointment.DateLayout),
		Time:               a.Time.String(),
		EndTime:            a.End().String(),
		DurationMinutes:    a.DurationMinutes,
		Type:               string(a.Type),
		Priority:           string(a.Priority),
		Purpose:            a.Purpose,
		Notes:              a.Notes,
		Status:             string(a.Status),
		CancellationReason: a.CancellationReason,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func toDoctorResponse(d appointment.Doctor) DoctorResponse {
	av := d.Availability
	days := make([]string, 0, len(av.AvailableDays))
	for _, wd := range av.AvailableDays {
		days = append(days, wd.String())
	}
	return DoctorResponse{
		ID:                  d.ID,
		Name:                d.Name,
		Specialty:           d.Specialty,
		WorkingHours:        WorkingHoursResponse{Start: av.WorkingHours.Start.String(), End: av.WorkingHours.End.String()},
		SlotDurationMinutes: av.SlotDurationMinutes,
		AvailableDays:       days,
		MaxPatientsPerDay:   av.MaxPatientsPerDay,
	}
}

func slotState(s appointment.TimeSlot) string {
	switch {
	case s.Open():
		return slotOpen
	case s.Continuation:
		return slotContinuation
	default:
		return slotBooked
	}
}

func toScheduleResponse(v *appointment.DailyScheduleView) ScheduleResponse {
	slots := make([]TimeSlotResponse, 0, len(v.TimeSlots))
	for _, s := range v.TimeSlots {
		ts := TimeSlotResponse{
			Time:          s.Time.String(),
			State:         slotState(s),
			AppointmentID: s.AppointmentID,
		}
		if s.Appointment != nil {
			a := toAppointmentResponse(s.Appointment)
			ts.Appointment = &a
		}
		slots = append(slots, ts)
	}

	st := v.Stats
	return ScheduleResponse{
		Doctor:    toDoctorResponse(v.Doctor),
		Date:      v.Date.Format(appointment.DateLayout),
		TimeSlots: slots,
		Stats: StatsResponse{
			Total:      st.Total,
			Scheduled:  st.Scheduled,
			Confirmed:  st.Confirmed,
			CheckedIn:  st.CheckedIn,
			InProgress: st.InProgress,
			Completed:  st.Completed,
			Cancelled:  st.Cancelled,
			NoShow:     st.NoShow,
			Pending:    st.Pending,
		},
	}
}
