package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled  AppointmentStatus = "scheduled"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusCheckedIn  AppointmentStatus = "checked-in"
	StatusInProgress AppointmentStatus = "in-progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
	StatusNoShow     AppointmentStatus = "no-show"
)

type AppointmentType string

const (
	TypeConsultation AppointmentType = "consultation"
	TypeFollowUp     AppointmentType = "follow-up"
	TypeTherapy      AppointmentType = "therapy"
	TypeEmergency    AppointmentType = "emergency"
	TypeCheckUp      AppointmentType = "check-up"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case TypeConsultation, TypeFollowUp, TypeTherapy, TypeEmergency, TypeCheckUp:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityMedium    Priority = "medium"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityEmergency:
		return true
	}
	return false
}

// ClockTime is a minute-of-day offset (0 = 00:00).
type ClockTime int

const minutesPerDay = 24 * 60

// ParseClockTime parses "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse time %q: %w", s, err)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(b []byte) error {
	v, err := ParseClockTime(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD calendar date into UTC midnight.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

// NormalizeDate drops the clock part so dates compare by calendar day.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseWeekday accepts full English weekday names in any case.
func ParseWeekday(name string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), strings.TrimSpace(name)) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}

// DefaultSlotDuration applies when a doctor has no slot duration configured.
const DefaultSlotDuration = 30

type WorkingHours struct {
	Start ClockTime
	End   ClockTime
}

type DoctorAvailability struct {
	DoctorID            uuid.UUID
	WorkingHours        WorkingHours
	SlotDurationMinutes int
	AvailableDays       []time.Weekday
	MaxPatientsPerDay   *int
}

// WorksOn reports whether the weekday of date is one of the available days.
func (a DoctorAvailability) WorksOn(date time.Time) bool {
	wd := date.Weekday()
	for _, d := range a.AvailableDays {
		if d == wd {
			return true
		}
	}
	return false
}

// Doctor is the display snapshot of a doctor profile plus its availability.
type Doctor struct {
	ID           uuid.UUID
	Name         string
	Specialty    *string
	Availability DoctorAvailability
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID                 uuid.UUID
	DoctorID           uuid.UUID
	PatientID          uuid.UUID
	Date               time.Time
	Time               ClockTime
	DurationMinutes    int
	Type               AppointmentType
	Priority           Priority
	Purpose            *string
	Notes              *string
	Status             AppointmentStatus
	CancellationReason *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// End is the minute-of-day right after the appointment.
func (a Appointment) End() ClockTime {
	return a.Time + ClockTime(a.DurationMinutes)
}

// Details carries the optional descriptive fields of a reservation.
type Details struct {
	Type     AppointmentType
	Priority Priority
	Purpose  *string
	Notes    *string
}

// TimeSlot is computed on every read and never stored. Appointment is set
// only on the slot where a bound appointment starts; the following slots it
// covers carry AppointmentID with Continuation set.
type TimeSlot struct {
	DoctorID      uuid.UUID
	Date          time.Time
	Time          ClockTime
	AppointmentID *uuid.UUID
	Appointment   *Appointment
	Continuation  bool
}

func (s TimeSlot) Open() bool {
	return s.AppointmentID == nil
}

type DailyStats struct {
	Total      int
	Scheduled  int
	Confirmed  int
	CheckedIn  int
	InProgress int
	Completed  int
	Cancelled  int
	NoShow     int
	Pending    int
}

type DailyScheduleView struct {
	Doctor    Doctor
	Date      time.Time
	TimeSlots []TimeSlot
	Stats     DailyStats
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
