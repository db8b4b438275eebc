package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the Postgres SQLSTATE for a unique key conflict.
const uniqueViolation = "23505"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const appointmentColumns = `id, doctor_id, patient_id, appt_date, start_minute, duration_minutes,
	type, priority, purpose, notes, status, cancellation_reason, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var start int

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.Date,
		&start,
		&a.DurationMinutes,
		&a.Type,
		&a.Priority,
		&a.Purpose,
		&a.Notes,
		&a.Status,
		&a.CancellationReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Time = ClockTime(start)
	a.Date = NormalizeDate(a.Date)
	return &a, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var (
		d          Doctor
		start, end int
		days       []string
		maxPerDay  *int
	)

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Specialty,
		&start,
		&end,
		&d.Availability.SlotDurationMinutes,
		&days,
		&maxPerDay,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	d.Availability.DoctorID = d.ID
	d.Availability.WorkingHours = WorkingHours{Start: ClockTime(start), End: ClockTime(end)}
	d.Availability.MaxPatientsPerDay = maxPerDay
	for _, name := range days {
		wd, err := ParseWeekday(name)
		if err != nil {
			return nil, fmt.Errorf("%w: doctor %s: %v", ErrInvalidAvailabilityConfig, d.ID, err)
		}
		d.Availability.AvailableDays = append(d.Availability.AvailableDays, wd)
	}
	return &d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func claimMinutes(slots []ClockTime) []int32 {
	out := make([]int32, len(slots))
	for i, s := range slots {
		out[i] = int32(s)
	}
	return out
}

func insertClaims(ctx context.Context, tx pgx.Tx, appt *Appointment, slots []ClockTime) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointment_slot_claims (doctor_id, appt_date, slot_minute, appointment_id)
		SELECT $1::uuid, $2::date, m, $3::uuid
		FROM unnest($4::int[]) AS m
	`, appt.DoctorID, appt.Date, appt.ID, claimMinutes(slots))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", ErrSlotAlreadyBooked, appt.Date.Format(DateLayout), appt.Time)
		}
		return fmt.Errorf("insert slot claims: %w", err)
	}
	return nil
}

// Doctor and patient stores

func (r *PgRepository) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, work_start_minute, work_end_minute, slot_duration_minutes,
		       available_days, max_patients_per_day, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check patient: %w", err)
	}
	return exists, nil
}

// Ledger

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsForDay(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1 AND appt_date = $2
		ORDER BY start_minute, created_at
	`, doctorID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) CountActiveForDay(ctx context.Context, doctorID uuid.UUID, date time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE doctor_id = $1
		  AND appt_date = $2
		  AND status NOT IN ('cancelled', 'no-show')
	`, doctorID, date).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, appt Appointment, slots []ClockTime) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, appt_date, start_minute, duration_minutes,
		                          type, priority, purpose, notes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING `+appointmentColumns,
		appt.ID, appt.DoctorID, appt.PatientID, appt.Date, int(appt.Time), appt.DurationMinutes,
		string(appt.Type), string(appt.Priority), appt.Purpose, appt.Notes, string(appt.Status), appt.CreatedAt,
	)
	created, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err := insertClaims(ctx, tx, created, slots); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlotAlreadyBooked
		}
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) MoveAppointment(ctx context.Context, id uuid.UUID, from AppointmentStatus, date time.Time, start ClockTime, slots []ClockTime) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET appt_date = $2,
		    start_minute = $3,
		    status = 'scheduled',
		    updated_at = now()
		WHERE id = $1
		  AND status = $4
		RETURNING `+appointmentColumns,
		id, date, int(start), string(from),
	)
	moved, err := scanAppointment(row)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM appointment_slot_claims WHERE appointment_id = $1`, id); err != nil {
		return nil, fmt.Errorf("release slot claims: %w", err)
	}
	if err := insertClaims(ctx, tx, moved, slots); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlotAlreadyBooked
		}
		return nil, err
	}
	return moved, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if to != StatusCancelled {
		reason = nil
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    cancellation_reason = $4,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, string(to), string(from), reason,
	)
	updated, err := scanAppointment(row)
	if err != nil {
		return nil, err
	}

	if !to.Active() {
		if _, err := tx.Exec(ctx, `DELETE FROM appointment_slot_claims WHERE appointment_id = $1`, id); err != nil {
			return nil, fmt.Errorf("release slot claims: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// WeekdayNames renders available days the way the doctors table stores them.
func WeekdayNames(days []time.Weekday) []string {
	out := make([]string, len(days))
	for i, d := range days {
		out[i] = strings.ToLower(d.String())
	}
	return out
}
