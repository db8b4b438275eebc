package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/config"
	redisclient "github.com/hackgods/clinic-scheduling-core/internal/redis"
)

const (
	EventAppointmentCreated       = "APPOINTMENT_CREATED"
	EventAppointmentCancelled     = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled   = "APPOINTMENT_RESCHEDULED"
	EventAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
)

var (
	ErrInvalidAvailabilityConfig = errors.New("invalid availability config")
	ErrInvalidSlot               = errors.New("invalid slot")
	ErrOutOfWorkingHours         = errors.New("appointment runs past working hours")
	ErrDailyCapacityExceeded     = errors.New("daily capacity exceeded")
	ErrSlotAlreadyBooked         = errors.New("slot already booked")
	ErrUnknownPatient            = errors.New("unknown patient")
	ErrUnknownStatus             = errors.New("unknown status")
	ErrInvalidTransition         = errors.New("invalid status transition")
	ErrInvalidDetails            = errors.New("invalid appointment details")
	ErrInvalidDateRange          = errors.New("invalid date range")
	ErrScheduleBusy              = errors.New("schedule is busy, please retry")
)

// statusUpdateAttempts bounds how often a lost compare-and-set is reloaded.
const statusUpdateAttempts = 3

const (
	defaultLockWait    = 2 * time.Second
	defaultLockBackoff = 5 * time.Millisecond
	maxLockBackoff     = 50 * time.Millisecond
)

type Service struct {
	repo     Repository
	doctors  DoctorStore
	patients PatientStore
	locker   redisclient.Locker
	notifier Notifier
	log      zerolog.Logger

	lockWait      time.Duration
	backoff       time.Duration
	exportMaxDays int
	now           func() time.Time
}

// NewService wires the ledger and its collaborators. notifier may be nil.
func NewService(
	repo Repository,
	doctors DoctorStore,
	patients PatientStore,
	locker redisclient.Locker,
	notifier Notifier,
	cfg config.Config,
	logger zerolog.Logger,
) *Service {
	lockWait := cfg.LockWait
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	backoff := cfg.ReserveRetryBackoff
	if backoff <= 0 {
		backoff = defaultLockBackoff
	}
	exportMaxDays := cfg.ExportMaxDays
	if exportMaxDays <= 0 {
		exportMaxDays = 92
	}
	return &Service{
		repo:          repo,
		doctors:       doctors,
		patients:      patients,
		locker:        locker,
		notifier:      notifier,
		log:           logger.With().Str("component", "appointment").Logger(),
		lockWait:      lockWait,
		backoff:       backoff,
		exportMaxDays: exportMaxDays,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type ReserveRequest struct {
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	Date            time.Time
	Time            ClockTime
	DurationMinutes int // 0 means one slot
	Details         Details
}

// GetSchedule merges the generated slots of a day with the ledger.
func (s *Service) GetSchedule(ctx context.Context, doctorID uuid.UUID, date time.Time) (*DailyScheduleView, error) {
	doc, err := s.loadDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	date = NormalizeDate(date)

	appts, err := s.repo.ListAppointmentsForDay(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	return buildView(*doc, date, appts)
}

func buildView(doc Doctor, date time.Time, appts []Appointment) (*DailyScheduleView, error) {
	slots, err := GenerateSlots(doc.Availability, date)
	if err != nil {
		return nil, err
	}

	var out []TimeSlot
	index := make(map[ClockTime]int)
	for t := range slots {
		index[t] = len(out)
		out = append(out, TimeSlot{DoctorID: doc.ID, Date: date, Time: t})
	}

	ordered := slices.Clone(appts)
	slices.SortFunc(ordered, func(a, b Appointment) int { return int(a.Time - b.Time) })

	step := doc.Availability.SlotDurationMinutes
	for i := range ordered {
		a := &ordered[i]
		if !a.Status.Active() {
			continue
		}
		first, ok := index[a.Time]
		if !ok {
			// working hours changed after booking
			continue
		}
		n := slotCount(a.DurationMinutes, step)
		for k := 0; k < n && first+k < len(out); k++ {
			slot := &out[first+k]
			if slot.AppointmentID != nil {
				break
			}
			id := a.ID
			slot.AppointmentID = &id
			if k == 0 {
				slot.Appointment = a
			} else {
				slot.Continuation = true
			}
		}
	}

	return &DailyScheduleView{
		Doctor:    doc,
		Date:      date,
		TimeSlots: out,
		Stats:     ComputeStats(ordered),
	}, nil
}

func slotCount(durationMinutes, step int) int {
	if durationMinutes <= step {
		return 1
	}
	return (durationMinutes + step - 1) / step
}

// ReserveSlot books a slot range for a patient. The ledger rejects any claim
// that already exists at commit time. For doctors with a daily cap the count
// and the insert also run under the doctor/date lock.
func (s *Service) ReserveSlot(ctx context.Context, req ReserveRequest) (*Appointment, error) {
	details, err := normalizeDetails(req.Details)
	if err != nil {
		return nil, err
	}

	ok, err := s.patients.PatientExists(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("check patient: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPatient, req.PatientID)
	}

	doc, err := s.loadDoctor(ctx, req.DoctorID)
	if err != nil {
		return nil, err
	}
	av := doc.Availability
	date := NormalizeDate(req.Date)

	span, err := SlotSpan(av, date, req.Time, req.DurationMinutes)
	if err != nil {
		return nil, err
	}
	duration := req.DurationMinutes
	if duration == 0 {
		duration = av.SlotDurationMinutes
	}

	var created *Appointment
	create := func(c context.Context) error {
		if err := s.checkCapacity(c, req.DoctorID, av, date); err != nil {
			return err
		}

		now := s.now()
		appt, err := s.repo.CreateAppointment(c, Appointment{
			ID:              uuid.New(),
			DoctorID:        req.DoctorID,
			PatientID:       req.PatientID,
			Date:            date,
			Time:            req.Time,
			DurationMinutes: duration,
			Type:            details.Type,
			Priority:        details.Priority,
			Purpose:         details.Purpose,
			Notes:           details.Notes,
			Status:          StatusScheduled,
			CreatedAt:       now,
			UpdatedAt:       now,
		}, span)
		if err != nil {
			if errors.Is(err, ErrSlotAlreadyBooked) {
				return err
			}
			return fmt.Errorf("create appointment: %w", err)
		}
		created = appt
		return nil
	}

	if av.MaxPatientsPerDay == nil {
		err = create(ctx)
	} else {
		err = s.withScheduleLock(ctx, redisclient.ScheduleKey(req.DoctorID, date), create)
	}
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("appointment_id", created.ID.String()).
		Str("doctor_id", created.DoctorID.String()).
		Str("date", created.Date.Format(DateLayout)).
		Str("time", created.Time.String()).
		Msg("slot reserved")
	s.emit(ctx, EventAppointmentCreated, created, nil)

	return created, nil
}

// CancelReservation frees the slots of an appointment. Cancelling an
// appointment that is already cancelled returns it unchanged.
func (s *Service) CancelReservation(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	var r *string
	if reason != "" {
		r = &reason
	}
	return s.transition(ctx, id, StatusCancelled, r, true)
}

// SetStatus applies one step of the appointment lifecycle.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, target AppointmentStatus) (*Appointment, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, string(target))
	}
	return s.transition(ctx, id, target, nil, false)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to AppointmentStatus, reason *string, idempotentCancel bool) (*Appointment, error) {
	for attempt := 1; attempt <= statusUpdateAttempts; attempt++ {
		current, err := s.repo.GetAppointmentByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if idempotentCancel && current.Status == StatusCancelled {
			return current, nil
		}
		if err := checkTransition(current.Status, to); err != nil {
			return nil, err
		}

		// row-level compare-and-set, status writes take no day lock
		updated, err := s.repo.UpdateAppointmentStatus(ctx, id, current.Status, to, reason)

		switch {
		case err == nil:
			event := EventAppointmentStatusChanged
			if to == StatusCancelled {
				event = EventAppointmentCancelled
			}
			s.emit(ctx, event, updated, map[string]any{"previous_status": current.Status})
			return updated, nil
		case errors.Is(err, ErrAppointmentNotFound):
			// status moved under us, reload and re-validate
			continue
		default:
			return nil, fmt.Errorf("update status: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: appointment %s changed concurrently", ErrScheduleBusy, id)
}

func reschedulable(st AppointmentStatus) bool {
	return st == StatusScheduled || st == StatusConfirmed
}

// RescheduleReservation moves an appointment to a new slot in one unit. On
// any failure the original binding is left as it was. Moving to another day
// of a capped doctor counts that day under its lock.
func (s *Service) RescheduleReservation(ctx context.Context, id uuid.UUID, newDate time.Time, newTime ClockTime) (*Appointment, error) {
	newDate = NormalizeDate(newDate)

	for attempt := 1; attempt <= statusUpdateAttempts; attempt++ {
		current, err := s.repo.GetAppointmentByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !reschedulable(current.Status) {
			return nil, fmt.Errorf("%w: cannot reschedule a %s appointment", ErrInvalidTransition, current.Status)
		}

		doc, err := s.loadDoctor(ctx, current.DoctorID)
		if err != nil {
			return nil, err
		}
		av := doc.Availability

		span, err := SlotSpan(av, newDate, newTime, current.DurationMinutes)
		if err != nil {
			return nil, err
		}

		var moved *Appointment
		move := func(c context.Context) error {
			if !current.Date.Equal(newDate) {
				if err := s.checkCapacity(c, current.DoctorID, av, newDate); err != nil {
					return err
				}
			}
			m, err := s.repo.MoveAppointment(c, id, current.Status, newDate, newTime, span)
			if err != nil {
				return err
			}
			moved = m
			return nil
		}

		if av.MaxPatientsPerDay == nil || current.Date.Equal(newDate) {
			err = move(ctx)
		} else {
			err = s.withScheduleLock(ctx, redisclient.ScheduleKey(current.DoctorID, newDate), move)
		}

		switch {
		case err == nil:
			s.emit(ctx, EventAppointmentRescheduled, moved, map[string]any{
				"previous_date": current.Date.Format(DateLayout),
				"previous_time": current.Time.String(),
			})
			return moved, nil
		case errors.Is(err, ErrAppointmentNotFound):
			continue
		case errors.Is(err, ErrSlotAlreadyBooked), errors.Is(err, ErrDailyCapacityExceeded), errors.Is(err, ErrScheduleBusy):
			return nil, err
		default:
			return nil, fmt.Errorf("move appointment: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: appointment %s changed concurrently", ErrScheduleBusy, id)
}

// ExportRange returns one schedule view per day from start to end inclusive.
func (s *Service) ExportRange(ctx context.Context, doctorID uuid.UUID, start, end time.Time) ([]DailyScheduleView, error) {
	start, end = NormalizeDate(start), NormalizeDate(end)
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidDateRange, end.Format(DateLayout), start.Format(DateLayout))
	}
	days := int(end.Sub(start).Hours()/24) + 1
	if days > s.exportMaxDays {
		return nil, fmt.Errorf("%w: %d days exceeds the limit of %d", ErrInvalidDateRange, days, s.exportMaxDays)
	}

	views := make([]DailyScheduleView, 0, days)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		view, err := s.GetSchedule(ctx, doctorID, d)
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

func (s *Service) loadDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	doc, err := s.doctors.GetDoctor(ctx, id)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	return doc, nil
}

func (s *Service) checkCapacity(ctx context.Context, doctorID uuid.UUID, av DoctorAvailability, date time.Time) error {
	if av.MaxPatientsPerDay == nil {
		return nil
	}
	count, err := s.repo.CountActiveForDay(ctx, doctorID, date)
	if err != nil {
		return fmt.Errorf("count appointments: %w", err)
	}
	if count+1 > *av.MaxPatientsPerDay {
		return fmt.Errorf("%w: %d of %d booked", ErrDailyCapacityExceeded, count, *av.MaxPatientsPerDay)
	}
	return nil
}

// withScheduleLock runs fn holding key. A busy lock is polled with a
// growing pause until lockWait has passed, then ErrScheduleBusy is returned.
func (s *Service) withScheduleLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(s.lockWait)
	pause := s.backoff

	for attempt := 1; ; attempt++ {
		err := s.locker.WithLock(ctx, key, fn)
		if !errors.Is(err, redisclient.ErrLockNotAcquired) {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: %s still locked after %d attempts", ErrScheduleBusy, key, attempt)
		}
		s.log.Debug().Str("key", key).Int("attempt", attempt).Msg("schedule lock busy, retrying")

		timer := time.NewTimer(min(pause, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		pause = min(pause*2, maxLockBackoff)
	}
}

func normalizeDetails(d Details) (Details, error) {
	if d.Type == "" {
		d.Type = TypeConsultation
	}
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
	if !d.Type.Valid() {
		return Details{}, fmt.Errorf("%w: type %q", ErrInvalidDetails, d.Type)
	}
	if !d.Priority.Valid() {
		return Details{}, fmt.Errorf("%w: priority %q", ErrInvalidDetails, d.Priority)
	}
	return d, nil
}

type eventPayload struct {
	AppointmentID      uuid.UUID         `json:"appointment_id"`
	DoctorID           uuid.UUID         `json:"doctor_id"`
	PatientID          uuid.UUID         `json:"patient_id"`
	Date               string            `json:"date"`
	Time               string            `json:"time"`
	DurationMinutes    int               `json:"duration_minutes"`
	Status             AppointmentStatus `json:"status"`
	CancellationReason *string           `json:"cancellation_reason,omitempty"`
	Extra              map[string]any    `json:"extra,omitempty"`
}

// emit records the event and hands it to the notifier. Both are best effort
// and never fail the operation that produced the event.
func (s *Service) emit(ctx context.Context, eventType string, appt *Appointment, extra map[string]any) {
	data, err := json.Marshal(eventPayload{
		AppointmentID:      appt.ID,
		DoctorID:           appt.DoctorID,
		PatientID:          appt.PatientID,
		Date:               appt.Date.Format(DateLayout),
		Time:               appt.Time.String(),
		DurationMinutes:    appt.DurationMinutes,
		Status:             appt.Status,
		CancellationReason: appt.CancellationReason,
		Extra:              extra,
	})
	if err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("marshal event payload")
		return
	}

	apptID := appt.ID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Str("appointment_id", apptID.String()).Msg("insert event log")
	}

	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, eventType, data); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Str("appointment_id", apptID.String()).Msg("notify")
	}
}
