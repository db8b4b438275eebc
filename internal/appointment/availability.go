package appointment

import (
	"fmt"
	"iter"
	"time"
)

// Validate checks the working-hours configuration of a doctor.
func (a DoctorAvailability) Validate() error {
	if a.SlotDurationMinutes <= 0 {
		return fmt.Errorf("%w: slot duration %d must be positive", ErrInvalidAvailabilityConfig, a.SlotDurationMinutes)
	}
	if a.WorkingHours.Start < 0 || a.WorkingHours.End > minutesPerDay {
		return fmt.Errorf("%w: working hours %s-%s outside the day", ErrInvalidAvailabilityConfig, a.WorkingHours.Start, a.WorkingHours.End)
	}
	if a.WorkingHours.Start >= a.WorkingHours.End {
		return fmt.Errorf("%w: working hours start %s must be before end %s", ErrInvalidAvailabilityConfig, a.WorkingHours.Start, a.WorkingHours.End)
	}
	return nil
}

// GenerateSlots returns the bookable slot start times of a doctor on date.
// The sequence is empty when the doctor does not work that weekday and never
// contains a partial trailing slot. It can be ranged over any number of times.
func GenerateSlots(av DoctorAvailability, date time.Time) (iter.Seq[ClockTime], error) {
	if err := av.Validate(); err != nil {
		return nil, err
	}
	works := av.WorksOn(date)
	step := ClockTime(av.SlotDurationMinutes)
	start, end := av.WorkingHours.Start, av.WorkingHours.End

	return func(yield func(ClockTime) bool) {
		if !works {
			return
		}
		for t := start; t+step <= end; t += step {
			if !yield(t) {
				return
			}
		}
	}, nil
}

// SlotSpan returns the consecutive slot boundaries an appointment starting at
// start and lasting durationMinutes occupies. A zero duration means one slot.
func SlotSpan(av DoctorAvailability, date time.Time, start ClockTime, durationMinutes int) ([]ClockTime, error) {
	if err := av.Validate(); err != nil {
		return nil, err
	}
	if !av.WorksOn(date) {
		return nil, fmt.Errorf("%w: doctor does not work on %s", ErrInvalidSlot, date.Weekday())
	}

	step := av.SlotDurationMinutes
	ws, we := av.WorkingHours.Start, av.WorkingHours.End
	if start < ws || start+ClockTime(step) > we || int(start-ws)%step != 0 {
		return nil, fmt.Errorf("%w: %s is not a slot boundary", ErrInvalidSlot, start)
	}

	if durationMinutes < 0 {
		return nil, fmt.Errorf("%w: negative duration %d", ErrInvalidSlot, durationMinutes)
	}
	if durationMinutes == 0 {
		durationMinutes = step
	}

	if durationMinutes > int(we-start) {
		return nil, fmt.Errorf("%w: %d minutes from %s ends after %s", ErrOutOfWorkingHours, durationMinutes, start, we)
	}

	n := (durationMinutes + step - 1) / step
	last := start + ClockTime((n-1)*step)
	if last+ClockTime(step) > we {
		return nil, fmt.Errorf("%w: %d minutes from %s ends after %s", ErrOutOfWorkingHours, durationMinutes, start, we)
	}

	span := make([]ClockTime, 0, n)
	for i := 0; i < n; i++ {
		span = append(span, start+ClockTime(i*step))
	}
	return span, nil
}
