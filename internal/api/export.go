package api

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
)

var csvHeader = []string{
	"date", "time", "slot_state", "appointment_id", "patient_id",
	"appointment_status", "type", "priority", "duration_minutes", "purpose",
}

func exportScheduleHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(w, r, "doctorID", "invalid_doctor_id")
		if !ok {
			return
		}

		q := r.URL.Query()
		start, err := appointment.ParseDate(q.Get("start"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "start must be YYYY-MM-DD")
			return
		}
		end, err := appointment.ParseDate(q.Get("end"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "end must be YYYY-MM-DD")
			return
		}

		format := q.Get("format")
		if format == "" {
			format = "json"
		}
		if format != "json" && format != "csv" {
			writeError(w, http.StatusBadRequest, "invalid_format", "format must be json or csv")
			return
		}

		views, err := svc.ExportRange(r.Context(), doctorID, start, end)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		if format == "json" {
			out := make([]ScheduleResponse, 0, len(views))
			for i := range views {
				out = append(out, toScheduleResponse(&views[i]))
			}
			writeJSON(w, http.StatusOK, out)
			return
		}

		filename := fmt.Sprintf("schedule_%s_%s_%s.csv", doctorID,
			start.Format(appointment.DateLayout), end.Format(appointment.DateLayout))
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		w.WriteHeader(http.StatusOK)
		if err := writeScheduleCSV(w, views); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("write csv export")
		}
	}
}

// writeScheduleCSV writes one row per slot of every day.
func writeScheduleCSV(out io.Writer, views []appointment.DailyScheduleView) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, v := range views {
		for _, s := range v.TimeSlots {
			row := []string{
				v.Date.Format(appointment.DateLayout),
				s.Time.String(),
				slotState(s),
				"", "", "", "", "", "", "",
			}
			if s.AppointmentID != nil {
				row[3] = s.AppointmentID.String()
			}
			if a := s.Appointment; a != nil {
				row[4] = a.PatientID.String()
				row[5] = string(a.Status)
				row[6] = string(a.Type)
				row[7] = string(a.Priority)
				row[8] = strconv.Itoa(a.DurationMinutes)
				if a.Purpose != nil {
					row[9] = *a.Purpose
				}
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}
