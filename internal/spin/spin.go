// Package spin provides a busy-wait delay measured against the monotonic
// clock. Blocking sleeps hand the core back to the scheduler and wake up
// late; Wait keeps the core running and returns as soon as the deadline
// has passed.
package spin

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const nsecPerSec = int64(time.Second)

// Timespec is a monotonic clock reading split into seconds and nanoseconds.
// Nsec is always in [0, 1e9).
type Timespec struct {
	Sec  int64
	Nsec int64
}

// Add returns t advanced by d. Nanoseconds that spill past one second are
// carried into Sec. Negative durations are treated as zero.
func (t Timespec) Add(d time.Duration) Timespec {
	if d <= 0 {
		return t
	}
	ns := int64(d)
	end := Timespec{
		Sec:  t.Sec + ns/nsecPerSec,
		Nsec: t.Nsec + ns%nsecPerSec,
	}
	if end.Nsec >= nsecPerSec {
		end.Sec++
		end.Nsec -= nsecPerSec
	}
	return end
}

// Before reports whether t is strictly earlier than u.
func (t Timespec) Before(u Timespec) bool {
	if t.Sec != u.Sec {
		return t.Sec < u.Sec
	}
	return t.Nsec < u.Nsec
}

// Sub returns the duration t-u.
func (t Timespec) Sub(u Timespec) time.Duration {
	return time.Duration((t.Sec-u.Sec)*nsecPerSec + (t.Nsec - u.Nsec))
}

type Clock interface {
	Now() (Timespec, error)
}

// MonotonicClock reads CLOCK_MONOTONIC, which is not affected by wall clock
// adjustments.
type MonotonicClock struct{}

func (MonotonicClock) Now() (Timespec, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return Timespec{}, fmt.Errorf("clock_gettime failed: %w", err)
	}
	sec, nsec := ts.Unix()
	return Timespec{Sec: sec, Nsec: nsec}, nil
}

type Spinner struct {
	clock Clock
}

// NewSpinner returns a Spinner reading clock. A nil clock selects the
// monotonic clock.
func NewSpinner(clock Clock) *Spinner {
	if clock == nil {
		clock = MonotonicClock{}
	}
	return &Spinner{clock: clock}
}

func (s *Spinner) Now() (Timespec, error) {
	return s.clock.Now()
}

// Wait spins until at least d has elapsed on the clock and returns how far
// past the deadline it actually returned.
func (s *Spinner) Wait(d time.Duration) (time.Duration, error) {
	start, err := s.clock.Now()
	if err != nil {
		return 0, err
	}
	deadline := start.Add(d)
	now, err := s.Until(deadline)
	if err != nil {
		return 0, err
	}
	return now.Sub(deadline), nil
}

// Until spins until the clock reads no earlier than deadline and returns the
// first such reading.
func (s *Spinner) Until(deadline Timespec) (Timespec, error) {
	for {
		now, err := s.clock.Now()
		if err != nil {
			return Timespec{}, err
		}
		if !now.Before(deadline) {
			return now, nil
		}
	}
}
