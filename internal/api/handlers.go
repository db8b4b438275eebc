package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
)

func getScheduleHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(w, r, "doctorID", "invalid_doctor_id")
		if !ok {
			return
		}

		date, err := appointment.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		view, err := svc.GetSchedule(r.Context(), doctorID, date)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toScheduleResponse(view))
	}
}

func reserveSlotHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReserveSlotRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		// formats are checked by the validate tags
		date, _ := appointment.ParseDate(req.Date)
		start, _ := appointment.ParseClockTime(req.Time)

		appt, err := svc.ReserveSlot(r.Context(), appointment.ReserveRequest{
			DoctorID:        uuid.MustParse(req.DoctorID),
			PatientID:       uuid.MustParse(req.PatientID),
			Date:            date,
			Time:            start,
			DurationMinutes: req.DurationMinutes,
			Details: appointment.Details{
				Type:     appointment.AppointmentType(req.Type),
				Priority: appointment.Priority(req.Priority),
				Purpose:  req.Purpose,
				Notes:    req.Notes,
			},
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		var req CancelRequest
		if !decodeOptionalAndValidate(w, r, &req) {
			return
		}

		appt, err := svc.CancelReservation(r.Context(), id, req.Reason)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		var req RescheduleRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		date, _ := appointment.ParseDate(req.Date)
		start, _ := appointment.ParseClockTime(req.Time)

		appt, err := svc.RescheduleReservation(r.Context(), id, date, start)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func setStatusHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		var req SetStatusRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		target, err := appointment.ParseStatus(req.Status)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		appt, err := svc.SetStatus(r.Context(), id, target)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
