package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository is the booking ledger.
type Repository interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointmentsForDay(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error)
	CountActiveForDay(ctx context.Context, doctorID uuid.UUID, date time.Time) (int, error)

	// CreateAppointment inserts appt together with one claim per slot in
	// slots. It returns ErrSlotAlreadyBooked when any claim already exists.
	CreateAppointment(ctx context.Context, appt Appointment, slots []ClockTime) (*Appointment, error)

	// MoveAppointment rebinds an appointment still in status from to a new
	// date and time, replacing its claims in one unit. The moved appointment
	// is scheduled again. Returns ErrAppointmentNotFound when no row in
	// status from matches and ErrSlotAlreadyBooked when a new claim conflicts.
	MoveAppointment(ctx context.Context, id uuid.UUID, from AppointmentStatus, date time.Time, start ClockTime, slots []ClockTime) (*Appointment, error)

	// UpdateAppointmentStatus is a compare-and-set on the status column.
	// Moving to a non-active status drops the claims in the same unit.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// DoctorStore is the read-only doctor profile collaborator.
type DoctorStore interface {
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
}

type PatientStore interface {
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Notifier hands appointment events to the delivery side (email, SMS).
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload []byte) error
}
