package availability

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"SirenServer/internal/entity"
)

func parseClock(v string) (int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("clock %q: want HH:MM", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("clock %q: bad hour", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("clock %q: bad minute", v)
	}
	return h*60 + m, nil
}

var ErrInvalidWindow = errors.New("invalid availability window")

// Validate checks the clock strings and timezone of w.
func Validate(w entity.AvailabilityWindow) error {
	if err := validate(w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWindow, err)
	}
	return nil
}

func validate(w entity.AvailabilityWindow) error {
	if _, err := parseClock(w.StartLocal); err != nil {
		return err
	}
	if _, err := parseClock(w.EndLocal); err != nil {
		return err
	}
	if w.DayOfWeek < time.Sunday || w.DayOfWeek > time.Saturday {
		return fmt.Errorf("day of week %d out of range", w.DayOfWeek)
	}
	if _, err := time.LoadLocation(w.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", w.Timezone, err)
	}
	return nil
}

// Contains reports whether t, converted to the window's timezone, falls inside it.
// A window whose end is before its start runs past midnight into the next day.
// Equal start and end cover the whole day.
func Contains(w entity.AvailabilityWindow, t time.Time) (bool, error) {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return false, fmt.Errorf("timezone %q: %w", w.Timezone, err)
	}
	start, err := parseClock(w.StartLocal)
	if err != nil {
		return false, err
	}
	end, err := parseClock(w.EndLocal)
	if err != nil {
		return false, err
	}

	local := t.In(loc)
	day := local.Weekday()
	m := local.Hour()*60 + local.Minute()

	switch {
	case start == end:
		return day == w.DayOfWeek, nil
	case start < end:
		return day == w.DayOfWeek && m >= start && m < end, nil
	default:
		next := (w.DayOfWeek + 1) % 7
		return (day == w.DayOfWeek && m >= start) || (day == next && m < end), nil
	}
}
