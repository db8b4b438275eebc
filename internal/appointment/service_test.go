package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/config"
	redisclient "github.com/hackgods/clinic-scheduling-core/internal/redis"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, eventType string, _ []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
	return n.err
}

func (n *recordingNotifier) Types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// slowRepo adds the latency of a database round trip to every write.
type slowRepo struct {
	*MemoryRepository
	delay time.Duration
}

func (r *slowRepo) CreateAppointment(ctx context.Context, appt Appointment, slots []ClockTime) (*Appointment, error) {
	time.Sleep(r.delay)
	return r.MemoryRepository.CreateAppointment(ctx, appt, slots)
}

func (r *slowRepo) MoveAppointment(ctx context.Context, id uuid.UUID, from AppointmentStatus, date time.Time, start ClockTime, slots []ClockTime) (*Appointment, error) {
	time.Sleep(r.delay)
	return r.MemoryRepository.MoveAppointment(ctx, id, from, date, start, slots)
}

func (r *slowRepo) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	time.Sleep(r.delay)
	return r.MemoryRepository.UpdateAppointmentStatus(ctx, id, from, to, reason)
}

// busyLocker never grants a lock.
type busyLocker struct {
	mu    sync.Mutex
	tries int
}

func (b *busyLocker) WithLock(_ context.Context, _ string, _ func(ctx context.Context) error) error {
	b.mu.Lock()
	b.tries++
	b.mu.Unlock()
	return redisclient.ErrLockNotAcquired
}

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	notifier *recordingNotifier
	doctorID uuid.UUID
	patients []uuid.UUID
}

func testConfig() config.Config {
	return config.Config{
		LockWait:            2 * time.Second,
		ReserveRetryBackoff: time.Millisecond,
		ExportMaxDays:       31,
	}
}

func newFixture(t *testing.T, mutate func(*DoctorAvailability)) *fixture {
	t.Helper()

	repo := NewMemoryRepository()
	av := nineToFive()
	if mutate != nil {
		mutate(&av)
	}
	doctorID := uuid.New()
	repo.PutDoctor(Doctor{ID: doctorID, Name: "Dr. Test", Availability: av})

	f := &fixture{repo: repo, notifier: &recordingNotifier{}, doctorID: doctorID}
	for i := 0; i < 20; i++ {
		p := Patient{ID: uuid.New(), Name: "Patient"}
		repo.PutPatient(p)
		f.patients = append(f.patients, p.ID)
	}

	f.svc = NewService(repo, repo, repo, redisclient.NewLocalLocker(0), f.notifier, testConfig(), zerolog.Nop())
	return f
}

func (f *fixture) reserve(t *testing.T, patient uuid.UUID, date time.Time, at string, duration int) (*Appointment, error) {
	t.Helper()
	start, err := ParseClockTime(at)
	if err != nil {
		t.Fatalf("ParseClockTime(%q): %v", at, err)
	}
	return f.svc.ReserveSlot(context.Background(), ReserveRequest{
		DoctorID:        f.doctorID,
		PatientID:       patient,
		Date:            date,
		Time:            start,
		DurationMinutes: duration,
	})
}

func (f *fixture) mustReserve(t *testing.T, patient uuid.UUID, date time.Time, at string, duration int) *Appointment {
	t.Helper()
	appt, err := f.reserve(t, patient, date, at, duration)
	if err != nil {
		t.Fatalf("ReserveSlot %s: %v", at, err)
	}
	return appt
}

func slotAt(t *testing.T, view *DailyScheduleView, at string) TimeSlot {
	t.Helper()
	for _, s := range view.TimeSlots {
		if s.Time.String() == at {
			return s
		}
	}
	t.Fatalf("no slot at %s", at)
	return TimeSlot{}
}

func TestGetSchedule_Empty(t *testing.T) {
	f := newFixture(t, nil)

	view, err := f.svc.GetSchedule(context.Background(), f.doctorID, wednesday)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if len(view.TimeSlots) != 16 {
		t.Fatalf("expected 16 slots, got %d", len(view.TimeSlots))
	}
	for _, s := range view.TimeSlots {
		if !s.Open() {
			t.Errorf("slot %s should be open", s.Time)
		}
	}
	if view.Stats.Total != 0 {
		t.Errorf("expected empty stats, got %+v", view.Stats)
	}
}

func TestGetSchedule_UnknownDoctor(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.GetSchedule(context.Background(), uuid.New(), wednesday); !errors.Is(err, ErrDoctorNotFound) {
		t.Fatalf("expected ErrDoctorNotFound, got %v", err)
	}
}

func TestGetSchedule_InvalidAvailability(t *testing.T) {
	f := newFixture(t, func(a *DoctorAvailability) { a.SlotDurationMinutes = 0 })
	if _, err := f.svc.GetSchedule(context.Background(), f.doctorID, wednesday); !errors.Is(err, ErrInvalidAvailabilityConfig) {
		t.Fatalf("expected ErrInvalidAvailabilityConfig, got %v", err)
	}
}

func TestReserveSlot_DoubleBooking(t *testing.T) {
	f := newFixture(t, nil)

	appt := f.mustReserve(t, f.patients[0], wednesday, "09:00", 30)
	if appt.Status != StatusScheduled {
		t.Errorf("status = %s, want scheduled", appt.Status)
	}
	if appt.Type != TypeConsultation || appt.Priority != PriorityMedium {
		t.Errorf("defaults not applied: type=%s priority=%s", appt.Type, appt.Priority)
	}

	if _, err := f.reserve(t, f.patients[1], wednesday, "09:00", 30); !errors.Is(err, ErrSlotAlreadyBooked) {
		t.Fatalf("expected ErrSlotAlreadyBooked, got %v", err)
	}

	view, err := f.svc.GetSchedule(context.Background(), f.doctorID, wednesday)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	s := slotAt(t, view, "09:00")
	if s.AppointmentID == nil || *s.AppointmentID != appt.ID {
		t.Errorf("09:00 not bound to %s", appt.ID)
	}
	if view.Stats.Total != 1 || view.Stats.Pending != 1 {
		t.Errorf("stats = %+v", view.Stats)
	}
}

func TestReserveSlot_Validation(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.reserve(t, uuid.New(), wednesday, "09:00", 30); !errors.Is(err, ErrUnknownPatient) {
		t.Errorf("unknown patient: got %v", err)
	}
	if _, err := f.reserve(t, f.patients[0], wednesday, "09:10", 30); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("misaligned: got %v", err)
	}
	if _, err := f.reserve(t, f.patients[0], wednesday.AddDate(0, 0, 3), "09:00", 30); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("weekend: got %v", err)
	}
	if _, err := f.reserve(t, f.patients[0], wednesday, "16:30", 90); !errors.Is(err, ErrOutOfWorkingHours) {
		t.Errorf("past closing: got %v", err)
	}

	start, _ := ParseClockTime("09:00")
	_, err := f.svc.ReserveSlot(context.Background(), ReserveRequest{
		DoctorID:  f.doctorID,
		PatientID: f.patients[0],
		Date:      wednesday,
		Time:      start,
		Details:   Details{Type: "surgery"},
	})
	if !errors.Is(err, ErrInvalidDetails) {
		t.Errorf("bad type: got %v", err)
	}

	_, err = f.svc.ReserveSlot(context.Background(), ReserveRequest{
		DoctorID:  uuid.New(),
		PatientID: f.patients[0],
		Date:      wednesday,
		Time:      start,
	})
	if !errors.Is(err, ErrDoctorNotFound) {
		t.Errorf("unknown doctor: got %v", err)
	}

	if n := len(f.repo.Events()); n != 0 {
		t.Errorf("rejected reservations recorded %d events", n)
	}
}

func TestReserveSlot_MultiSlot(t *testing.T) {
	f := newFixture(t, nil)

	appt := f.mustReserve(t, f.patients[0], wednesday, "10:00", 60)
	if appt.DurationMinutes != 60 {
		t.Errorf("duration = %d, want 60", appt.DurationMinutes)
	}

	if _, err := f.reserve(t, f.patients[1], wednesday, "10:30", 30); !errors.Is(err, ErrSlotAlreadyBooked) {
		t.Fatalf("expected covered slot to be booked, got %v", err)
	}
	if _, err := f.reserve(t, f.patients[1], wednesday, "09:30", 60); !errors.Is(err, ErrSlotAlreadyBooked) {
		t.Fatalf("expected overlap to be rejected, got %v", err)
	}

	view, err := f.svc.GetSchedule(context.Background(), f.doctorID, wednesday)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	first := slotAt(t, view, "10:00")
	if first.Appointment == nil || first.Continuation {
		t.Errorf("10:00 should carry the appointment: %+v", first)
	}
	next := slotAt(t, view, "10:30")
	if next.AppointmentID == nil || *next.AppointmentID != appt.ID || !next.Continuation || next.Appointment != nil {
		t.Errorf("10:30 should be a continuation: %+v", next)
	}
	if !slotAt(t, view, "09:30").Open() || !slotAt(t, view, "11:00").Open() {
		t.Error("neighbouring slots should stay open")
	}
}

func TestReserveSlot_ConcurrentSameSlot(t *testing.T) {
	f := newFixture(t, nil)

	const racers = 20
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		wins       int
		unexpected []error
	)
	start := make(chan struct{})

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(patient uuid.UUID) {
			defer wg.Done()
			<-start
			_, err := f.reserve(t, patient, wednesday, "11:00", 30)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrSlotAlreadyBooked):
			default:
				unexpected = append(unexpected, err)
			}
		}(f.patients[i])
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if len(unexpected) > 0 {
		t.Fatalf("unexpected errors: %v", unexpected)
	}

	count, err := f.repo.CountActiveForDay(context.Background(), f.doctorID, wednesday)
	if err != nil || count != 1 {
		t.Fatalf("ledger holds %d active appointments (err %v), want 1", count, err)
	}
}

func TestReserveSlot_DailyCapacity(t *testing.T) {
	limit := 2
	f := newFixture(t, func(a *DoctorAvailability) { a.MaxPatientsPerDay = &limit })

	first := f.mustReserve(t, f.patients[0], wednesday, "09:00", 30)
	f.mustReserve(t, f.patients[1], wednesday, "09:30", 30)

	if _, err := f.reserve(t, f.patients[2], wednesday, "10:00", 30); !errors.Is(err, ErrDailyCapacityExceeded) {
		t.Fatalf("expected ErrDailyCapacityExceeded, got %v", err)
	}

	if _, err := f.svc.CancelReservation(context.Background(), first.ID, "sick"); err != nil {
		t.Fatalf("CancelReservation: %v", err)
	}
	f.mustReserve(t, f.patients[2], wednesday, "10:00", 30)

	// another day has its own budget
	f.mustReserve(t, f.patients[3], wednesday.AddDate(0, 0, 1), "09:00", 30)
}

func TestReserveSlot_LockContention(t *testing.T) {
	limit := 10
	f := newFixture(t, func(a *DoctorAvailability) { a.MaxPatientsPerDay = &limit })
	locker := &busyLocker{}
	cfg := testConfig()
	cfg.LockWait = 30 * time.Millisecond
	f.svc = NewService(f.repo, f.repo, f.repo, locker, nil, cfg, zerolog.Nop())

	if _, err := f.reserve(t, f.patients[0], wednesday, "09:00", 30); !errors.Is(err, ErrScheduleBusy) {
		t.Fatalf("expected ErrScheduleBusy, got %v", err)
	}
	if locker.tries < 2 {
		t.Errorf("lock attempted %d times, want retries until the wait ran out", locker.tries)
	}

	view, err := f.svc.GetSchedule(context.Background(), f.doctorID, wednesday)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if !slotAt(t, view, "09:00").Open() {
		t.Error("09:00 bound although the reservation failed")
	}
}

func TestReserveSlot_UncappedDoctorTakesNoLock(t *testing.T) {
	f := newFixture(t, nil)
	locker := &busyLocker{}
	f.svc = NewService(f.repo, f.repo, f.repo, locker, nil, testConfig(), zerolog.Nop())

	f.mustReserve(t, f.patients[0], wednesday, "09:00", 30)
	if locker.tries != 0 {
		t.Errorf("lock attempted %d times for a doctor without a daily cap", locker.tries)
	}
}

// reserveDistinct books one free slot per patient concurrently and returns
// the errors in patient order.
func reserveDistinct(t *testing.T, f *fixture, n int) []error {
	t.Helper()

	views, err := f.svc.GetSchedule(context.Background(), f.doctorID, wednesday)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if len(views.TimeSlots) < n {
		t.Fatalf("only %d slots for %d racers", len(views.TimeSlots), n)
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.reserve(t, f.patients[i], wednesday, views.TimeSlots[i].Time.String(), 30)
		}(i)
	}
	close(start)
	wg.Wait()
	return errs
}

func TestReserveSlot_ConcurrentDistinctSlots(t *testing.T) {
	for _, capped := range []bool{false, true} {
		t.Run(map[bool]string{false: "uncapped", true: "capped"}[capped], func(t *testing.T) {
			limit := 20
			f := newFixture(t, func(a *DoctorAvailability) {
				if capped {
					a.MaxPatientsPerDay = &limit
				}
			})
			slow := &slowRepo{MemoryRepository: f.repo, delay: 5 * time.Millisecond}
			f.svc = NewService(slow, f.repo, f.repo, redisclient.NewLocalLocker(0), nil, testConfig(), zerolog.Nop())

			for i, err := range reserveDistinct(t, f, 16) {
				if err != nil {
					t.Errorf("racer %d: %v", i, err)
				}
			}

			count, _ := f.repo.CountActiveForDay(context.Background(), f.doctorID, wednesday)
			if count != 16 {
				t.Errorf("ledger holds %d appointments, want 16", count)
			}
		})
	}
}

func TestReserveSlot_ConcurrentCapacity(t *testing.T) {
	limit := 3
	f := newFixture(t, func(a *DoctorAvailability) { a.MaxPatientsPerDay = &limit })
	slow := &slowRepo{MemoryRepository: f.repo, delay: 5 * time.Millisecond}
	f.svc = NewService(slow, f.repo, f.repo, redisclient.NewLocalLocker(0), nil, testConfig(), zerolog.Nop())

	var booked, full int
	for i, err := range reserveDistinct(t, f, 10) {
		switch {
		case err == nil:
			booked++
		case errors.Is(err, ErrDailyCapacityExceeded):
			full++
		default:
			t.Errorf("racer %d: unexpected error %v", i, err)
		}
	}
	if booked != limit || full != 10-limit {
		t.Errorf("booked=%d full=%d, want %d and %d", booked, full, limit, 10-limit)
	}
}

func TestCancelReservation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	appt := f.mustReserve(t, f.patients[0], wednesday, "09:00", 30)

	cancelled, err := f.svc.CancelReservation(ctx, appt.ID, "patient request")
	if err != nil {
		t.Fatalf("CancelReservation: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}
	if cancelled.CancellationReason == nil || *cancelled.CancellationReason != "patient request" {
		t.Errorf("reason = %v", cancelled.CancellationReason)
	}

	again, err := f.svc.CancelReservation(ctx, appt.ID, "")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Status != StatusCancelled {
		t.Errorf("second cancel status = %s", again.Status)
	}

	// the slot is bookable again
	f.mustReserve(t, f.patients[1], wednesday, "09:00", 30)

	view, err := f.svc.GetSchedule(ctx, f.doctorID, wednesday)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if view.Stats.Total != 2 || view.Stats.Cancelled != 1 || view.Stats.Scheduled != 1 {
		t.Errorf("stats = %+v", view.Stats)
	}

	if _, err := f.svc.CancelReservation(ctx, uuid.New(), ""); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("unknown id: got %v", err)
	}
}

func TestCancelReservation_TerminalStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	appt := f.mustReserve(t, f.patients[0], wednesday, "09:00", 30)
	if _, err := f.svc.SetStatus(ctx, appt.ID, StatusNoShow); err != nil {
		t.Fatalf("SetStatus no-show: %v", err)
	}
	if _, err := f.svc.CancelReservation(ctx, appt.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelReservation_TakesNoLock(t *testing.T) {
	limit := 5
	f := newFixture(t, func(a *DoctorAvailability) { a.MaxPatientsPerDay = &limit })
	appt := f.mustReserve(t, f.patients[0], wednesday, "09:00", 30)
	other := f.mustReserve(t, f.patients[1], wednesday, "09:30", 30)

	locker := &busyLocker{}
	f.svc = NewService(f.repo, f.repo, f.repo, locker, nil, testConfig(), zerolog.Nop())

	cancelled, err := f.svc.CancelReservation(context.Background(), appt.ID, "")
	if err != nil {
		t.Fatalf("CancelReservation: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}
	if _, err := f.svc.SetStatus(context.Background(), other.ID, StatusNoShow); err != nil {
		t.Fatalf("SetStatus no-show: %v", err)
	}
	if locker.tries != 0 {
		t.Errorf("status writes attempted the day lock %d times", locker.tries)
	}
}

func TestCancelReservation_ConcurrentWithSlowLedger(t *testing.T) {
	f := newFixture(t, nil)
	var ids []uuid.UUID
	for i, at := range []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30", "12:00", "12:30"} {
		ids = append(ids, f.mustReserve(t, f.patients[i], wednesday, at, 30).ID)
	}

	slow := &slowRepo{MemoryRepository: f.repo, delay: 5 * time.Millisecond}
	f.svc = NewService(slow, f.repo, f.repo, redisclient.NewLocalLocker(0), nil, testConfig(), zerolog.Nop())

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = f.svc.CancelReservation(context.Background(), id, "clinic closed")
		}(i, id)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("cancel %d: %v", i, err)
		}
	}
	if count, _ := f.repo.CountActiveForDay(context.Background(), f.doctorID, wednesday); count != 0 {
		t.Errorf("%d appointments still active", count)
	}
}

func TestSetStatus_Lifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	appt := f.mustReserve(t, f.patients[0], wednesday, "09:00", 30)

	if _, err := f.svc.SetStatus(ctx, appt.ID, StatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("scheduled -> completed: expected ErrInvalidTransition, got %v", err)
	}

	for _, next := range []AppointmentStatus{StatusConfirmed, StatusCheckedIn, StatusInProgress, StatusCompleted} {
		updated, err := f.svc.SetStatus(ctx, appt.ID, next)
		if err != nil {
			t.Fatalf("SetStatus %s: %v", next, err)
		}
		if updated.Status != next {
			t.Fatalf("status = %s, want %s", updated.Status, next)
		}
	}

	if _, err := f.svc.SetStatus(ctx, appt.ID, StatusCancelled); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed -> cancelled: got %v", err)
	}

	// completed keeps its slot
	if _, err := f.reserve(t, f.patients[1], wednesday, "09:00", 30); !errors.Is(err, ErrSlotAlreadyBooked) {
		t.Errorf("completed appointment released its slot: %v", err)
	}
}

func TestSetStatus_UnknownStatus(t *testing.T) {
	f := newFixture(t, nil)
	appt := f.mustReserve(t, f.patients[0], wednesday, "09:00", 30)

	if _, err := f.svc.SetStatus(context.Background(), appt.ID, "archived"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestSetStatus_NoShowFreesSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	appt := f.mustReserve(t, f.patients[0], wednesday, "09:00", 60)
	if _, err := f.svc.SetStatus(ctx, appt.ID, StatusNoShow); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	f.mustReserve(t, f.patients[1], wednesday, "09:30", 30)
}

func TestReschedule_ConflictKeepsOriginal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.mustReserve(t, f.patients[0], wednesday, "09:00", 30)
	b := f.mustReserve(t, f.patients[1], wednesday, "10:00", 30)

	target, _ := ParseClockTime("10:00")
	if _, err := f.svc.RescheduleReservation(ctx, a.ID, wednesday, target); !errors.Is(err, ErrSlotAlreadyBooked) {
		t.Fatalf("expected ErrSlotAlreadyBooked, got %v", err)
	}

	current, err := f.svc.GetAppointment(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAppointment: %v", err)
	}
	if current.Time.String() != "09:00" || !current.Date.Equal(wednesday) {
		t.Errorf("original moved to %s %s", current.Date.Format(DateLayout), current.Time)
	}

	view, err := f.svc.GetSchedule(ctx, f.doctorID, wednesday)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if s := slotAt(t, view, "09:00"); s.AppointmentID == nil || *s.AppointmentID != a.ID {
		t.Errorf("09:00 binding lost: %+v", s)
	}
	if s := slotAt(t, view, "10:00"); s.AppointmentID == nil || *s.AppointmentID != b.ID {
		t.Errorf("10:00 binding changed: %+v", s)
	}

	// the original claim is still enforced
	if _, err := f.reserve(t, f.patients[2], wednesday, "09:00", 30); !errors.Is(err, ErrSlotAlreadyBooked) {
		t.Errorf("original slot became bookable: %v", err)
	}
}

func TestReschedule_Moves(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	appt := f.mustReserve(t, f.patients[0], wednesday, "09:00", 60)
	if _, err := f.svc.SetStatus(ctx, appt.ID, StatusConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	thursday := wednesday.AddDate(0, 0, 1)
	target, _ := ParseClockTime("14:00")
	moved, err := f.svc.RescheduleReservation(ctx, appt.ID, thursday, target)
	if err != nil {
		t.Fatalf("RescheduleReservation: %v", err)
	}
	if moved.Status != StatusScheduled {
		t.Errorf("status = %s, want scheduled", moved.Status)
	}
	if !moved.Date.Equal(thursday) || moved.Time != target || moved.DurationMinutes != 60 {
		t.Errorf("moved = %s %s %d", moved.Date.Format(DateLayout), moved.Time, moved.DurationMinutes)
	}

	// old slots are free, new ones are held
	f.mustReserve(t, f.patients[1], wednesday, "09:00", 60)
	if _, err := f.reserve(t, f.patients[2], thursday, "14:30", 30); !errors.Is(err, ErrSlotAlreadyBooked) {
		t.Errorf("new continuation slot not held: %v", err)
	}
}

func TestReschedule_SameDayOverlapWithItself(t *testing.T) {
	f := newFixture(t, nil)

	appt := f.mustReserve(t, f.patients[0], wednesday, "09:00", 60)
	target, _ := ParseClockTime("09:30")
	moved, err := f.svc.RescheduleReservation(context.Background(), appt.ID, wednesday, target)
	if err != nil {
		t.Fatalf("RescheduleReservation: %v", err)
	}
	if moved.Time != target {
		t.Errorf("time = %s", moved.Time)
	}
	f.mustReserve(t, f.patients[1], wednesday, "09:00", 30)
}

func TestReschedule_Rejections(t *testing.T) {
	limit := 1
	f := newFixture(t, func(a *DoctorAvailability) { a.MaxPatientsPerDay = &limit })
	ctx := context.Background()

	a := f.mustReserve(t, f.patients[0], wednesday, "09:00", 30)
	thursday := wednesday.AddDate(0, 0, 1)
	f.mustReserve(t, f.patients[1], thursday, "09:00", 30)

	target, _ := ParseClockTime("11:00")
	if _, err := f.svc.RescheduleReservation(ctx, a.ID, thursday, target); !errors.Is(err, ErrDailyCapacityExceeded) {
		t.Errorf("full day: got %v", err)
	}
	// moving within the same day does not count twice
	if _, err := f.svc.RescheduleReservation(ctx, a.ID, wednesday, target); err != nil {
		t.Errorf("same day move: %v", err)
	}

	bad, _ := ParseClockTime("11:10")
	if _, err := f.svc.RescheduleReservation(ctx, a.ID, wednesday, bad); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("misaligned: got %v", err)
	}

	if _, err := f.svc.CancelReservation(ctx, a.ID, ""); err != nil {
		t.Fatalf("CancelReservation: %v", err)
	}
	if _, err := f.svc.RescheduleReservation(ctx, a.ID, wednesday, target); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancelled: got %v", err)
	}
	if _, err := f.svc.RescheduleReservation(ctx, uuid.New(), wednesday, target); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("unknown id: got %v", err)
	}
}

func TestExportRange(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.mustReserve(t, f.patients[0], wednesday.AddDate(0, 0, 1), "09:00", 30)

	views, err := f.svc.ExportRange(ctx, f.doctorID, wednesday, wednesday.AddDate(0, 0, 4))
	if err != nil {
		t.Fatalf("ExportRange: %v", err)
	}
	if len(views) != 5 {
		t.Fatalf("expected 5 days, got %d", len(views))
	}
	if views[1].Stats.Total != 1 {
		t.Errorf("thursday stats = %+v", views[1].Stats)
	}
	// saturday and sunday have no slots
	if len(views[3].TimeSlots) != 0 || len(views[4].TimeSlots) != 0 {
		t.Errorf("weekend should be empty")
	}

	if _, err := f.svc.ExportRange(ctx, f.doctorID, wednesday, wednesday.AddDate(0, 0, -1)); !errors.Is(err, ErrInvalidDateRange) {
		t.Errorf("reversed range: got %v", err)
	}
	if _, err := f.svc.ExportRange(ctx, f.doctorID, wednesday, wednesday.AddDate(0, 0, 31)); !errors.Is(err, ErrInvalidDateRange) {
		t.Errorf("too long: got %v", err)
	}

	single, err := f.svc.ExportRange(ctx, f.doctorID, wednesday, wednesday)
	if err != nil || len(single) != 1 {
		t.Errorf("single day: %d views, %v", len(single), err)
	}
}

func TestEventsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	appt := f.mustReserve(t, f.patients[0], wednesday, "09:00", 30)
	if _, err := f.svc.SetStatus(ctx, appt.ID, StatusConfirmed); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	target, _ := ParseClockTime("10:00")
	if _, err := f.svc.RescheduleReservation(ctx, appt.ID, wednesday, target); err != nil {
		t.Fatalf("RescheduleReservation: %v", err)
	}
	if _, err := f.svc.CancelReservation(ctx, appt.ID, "moved away"); err != nil {
		t.Fatalf("CancelReservation: %v", err)
	}
	// idempotent cancel emits nothing
	if _, err := f.svc.CancelReservation(ctx, appt.ID, ""); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	want := []string{
		EventAppointmentCreated,
		EventAppointmentStatusChanged,
		EventAppointmentRescheduled,
		EventAppointmentCancelled,
	}

	events := f.repo.Events()
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.EventType, want[i])
		}
		if ev.AppointmentID == nil || *ev.AppointmentID != appt.ID {
			t.Errorf("event %d has appointment %v", i, ev.AppointmentID)
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(events[3].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["status"] != string(StatusCancelled) || payload["cancellation_reason"] != "moved away" {
		t.Errorf("payload = %v", payload)
	}

	got := f.notifier.Types()
	if len(got) != len(want) {
		t.Fatalf("notifier saw %v", got)
	}
}

func TestNotifierFailureDoesNotFailReservation(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.err = errors.New("broker down")

	if _, err := f.reserve(t, f.patients[0], wednesday, "09:00", 30); err != nil {
		t.Fatalf("ReserveSlot: %v", err)
	}
	if n := len(f.repo.Events()); n != 1 {
		t.Errorf("expected the event to be logged, got %d", n)
	}
}
