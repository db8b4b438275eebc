package appointment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type claimKey struct {
	doctorID uuid.UUID
	date     time.Time
	minute   ClockTime
}

// MemoryRepository is an in-process ledger, doctor store and patient store.
// The claims map plays the role of the unique key on
// (doctor, date, slot minute) and is only written under mu.
type MemoryRepository struct {
	mu           sync.RWMutex
	doctors      map[uuid.UUID]Doctor
	patients     map[uuid.UUID]Patient
	appointments map[uuid.UUID]Appointment
	claims       map[claimKey]uuid.UUID
	events       []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		doctors:      make(map[uuid.UUID]Doctor),
		patients:     make(map[uuid.UUID]Patient),
		appointments: make(map[uuid.UUID]Appointment),
		claims:       make(map[claimKey]uuid.UUID),
	}
}

// PutDoctor adds or replaces a doctor profile.
func (m *MemoryRepository) PutDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Availability.DoctorID = d.ID
	m.doctors[d.ID] = d
}

func (m *MemoryRepository) PutPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

// Events returns a copy of the recorded event log.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EventLog(nil), m.events...)
}

func (m *MemoryRepository) GetDoctor(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (m *MemoryRepository) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.patients[id]
	return ok, nil
}

func (m *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryRepository) ListAppointmentsForDay(_ context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	date = NormalizeDate(date)

	var result []Appointment
	for _, a := range m.appointments {
		if a.DoctorID == doctorID && a.Date.Equal(date) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Time != result[j].Time {
			return result[i].Time < result[j].Time
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryRepository) CountActiveForDay(_ context.Context, doctorID uuid.UUID, date time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	date = NormalizeDate(date)

	n := 0
	for _, a := range m.appointments {
		if a.DoctorID == doctorID && a.Date.Equal(date) && a.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) CreateAppointment(_ context.Context, appt Appointment, slots []ClockTime) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	appt.Date = NormalizeDate(appt.Date)
	if _, exists := m.appointments[appt.ID]; exists {
		return nil, fmt.Errorf("appointment %s already exists", appt.ID)
	}
	if err := m.claimLocked(appt, slots); err != nil {
		return nil, err
	}
	m.appointments[appt.ID] = appt
	return &appt, nil
}

func (m *MemoryRepository) MoveAppointment(_ context.Context, id uuid.UUID, from AppointmentStatus, date time.Time, start ClockTime, slots []ClockTime) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}

	moved := a
	moved.Date = NormalizeDate(date)
	moved.Time = start
	moved.Status = StatusScheduled
	moved.UpdatedAt = time.Now().UTC()

	released := m.releaseLocked(id)
	if err := m.claimLocked(moved, slots); err != nil {
		// put the old binding back untouched
		for _, k := range released {
			m.claims[k] = id
		}
		return nil, err
	}
	m.appointments[id] = moved
	return &moved, nil
}

func (m *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}

	a.Status = to
	a.CancellationReason = nil
	if to == StatusCancelled {
		a.CancellationReason = reason
	}
	a.UpdatedAt = time.Now().UTC()
	if !to.Active() {
		m.releaseLocked(id)
	}
	m.appointments[id] = a
	return &a, nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

// claimLocked inserts every claim or none.
func (m *MemoryRepository) claimLocked(appt Appointment, slots []ClockTime) error {
	for _, s := range slots {
		k := claimKey{doctorID: appt.DoctorID, date: appt.Date, minute: s}
		if holder, taken := m.claims[k]; taken && holder != appt.ID {
			return fmt.Errorf("%w: %s %s", ErrSlotAlreadyBooked, appt.Date.Format(DateLayout), s)
		}
	}
	for _, s := range slots {
		m.claims[claimKey{doctorID: appt.DoctorID, date: appt.Date, minute: s}] = appt.ID
	}
	return nil
}

func (m *MemoryRepository) releaseLocked(id uuid.UUID) []claimKey {
	var released []claimKey
	for k, holder := range m.claims {
		if holder == id {
			delete(m.claims, k)
			released = append(released, k)
		}
	}
	return released
}
