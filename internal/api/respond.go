package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
// It writes the 400 response itself and reports false on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeBody(w, r, dst, false)
}

// decodeOptionalAndValidate is decodeAndValidate for endpoints whose body
// may be missing. An empty body leaves dst as its zero value.
func decodeOptionalAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeBody(w, r, dst, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return false
		}
	}
	if err := validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation_failed",
			Details: "request has invalid fields",
			Fields:  formatValidationErrors(err),
		})
		return false
	}
	return true
}

func formatValidationErrors(err error) map[string]string {
	fields := make(map[string]string)

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fields
	}
	for _, e := range verrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			fields[field] = field + " is required"
		case "uuid":
			fields[field] = field + " must be a valid UUID"
		case "datetime":
			fields[field] = field + " must match " + e.Param()
		case "oneof":
			fields[field] = field + " must be one of: " + e.Param()
		case "max", "lte":
			fields[field] = field + " must be at most " + e.Param()
		case "gte":
			fields[field] = field + " must be greater than or equal to " + e.Param()
		default:
			fields[field] = field + " is invalid"
		}
	}
	return fields
}

type errorMapping struct {
	target error
	status int
	code   string
}

var serviceErrors = []errorMapping{
	{appointment.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
	{appointment.ErrDoctorNotFound, http.StatusNotFound, "doctor_not_found"},
	{appointment.ErrUnknownPatient, http.StatusUnprocessableEntity, "unknown_patient"},
	{appointment.ErrInvalidSlot, http.StatusUnprocessableEntity, "invalid_slot"},
	{appointment.ErrOutOfWorkingHours, http.StatusUnprocessableEntity, "out_of_working_hours"},
	{appointment.ErrUnknownStatus, http.StatusUnprocessableEntity, "unknown_status"},
	{appointment.ErrInvalidDetails, http.StatusUnprocessableEntity, "invalid_details"},
	{appointment.ErrInvalidDateRange, http.StatusBadRequest, "invalid_date_range"},
	{appointment.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{appointment.ErrSlotAlreadyBooked, http.StatusConflict, "slot_already_booked"},
	{appointment.ErrDailyCapacityExceeded, http.StatusConflict, "daily_capacity_exceeded"},
	{appointment.ErrScheduleBusy, http.StatusConflict, "schedule_busy"},
	{appointment.ErrInvalidAvailabilityConfig, http.StatusInternalServerError, "invalid_availability_config"},
}

// writeServiceError maps a service error kind to its HTTP status and code.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range serviceErrors {
		if errors.Is(err, m.target) {
			if m.status >= http.StatusInternalServerError {
				zerolog.Ctx(r.Context()).Error().Err(err).Msg("doctor availability misconfigured")
			}
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}

	zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
