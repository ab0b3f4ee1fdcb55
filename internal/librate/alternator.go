package librate

import (
	"fmt"
	"time"

	"librate-freqs/internal/cpufreq"
	"librate-freqs/internal/logging"

	"github.com/sirupsen/logrus"
)

type SpeedWriter interface {
	Write(freq string) error
	Close() error
}

// Target is the cpufreq policy being driven.
type Target interface {
	SetGovernor(cpu int, governor string) error
	OpenSpeed(cpu int) (SpeedWriter, error)
}

type Waiter interface {
	Wait(d time.Duration) (time.Duration, error)
}

type sysfsTarget struct {
	sysfs *cpufreq.Sysfs
}

func NewSysfsTarget(sysfs *cpufreq.Sysfs) Target {
	return sysfsTarget{sysfs: sysfs}
}

func (t sysfsTarget) SetGovernor(cpu int, governor string) error {
	return t.sysfs.SetGovernor(cpu, governor)
}

func (t sysfsTarget) OpenSpeed(cpu int) (SpeedWriter, error) {
	return t.sysfs.OpenSpeed(cpu)
}

type Result struct {
	Writes       int64         `json:"writes"`
	Started      time.Time     `json:"started"`
	Finished     time.Time     `json:"finished"`
	Elapsed      time.Duration `json:"elapsed_ns"`
	MaxOvershoot time.Duration `json:"max_overshoot_ns"`
}

type Alternator struct {
	target Target
	waiter Waiter
}

func NewAlternator(target Target, waiter Waiter) *Alternator {
	return &Alternator{target: target, waiter: waiter}
}

// Run switches the plan's CPU to the userspace governor and then writes
// FreqA and FreqB alternately, waiting the plan interval after each write.
// The first failure ends the run.
func (a *Alternator) Run(plan Plan) (*Result, error) {
	logger := logging.GetLogger()

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	if err := a.target.SetGovernor(plan.CPU, cpufreq.UserspaceGovernor); err != nil {
		return nil, fmt.Errorf("failed to set up governor: %w", err)
	}

	speed, err := a.target.OpenSpeed(plan.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to open scaling_setspeed file: %w", err)
	}
	defer speed.Close()

	logger.WithFields(logrus.Fields{
		"cpu":         plan.CPU,
		"freq_a":      plan.FreqA,
		"freq_b":      plan.FreqB,
		"interval_us": plan.IntervalUS,
		"iterations":  plan.Iterations,
	}).Debug("Starting frequency alternation")

	interval := plan.Interval()
	freqs := [2]string{plan.FreqA, plan.FreqB}
	result := &Result{Started: time.Now()}

	for i := int64(0); i < plan.Iterations; i++ {
		for _, freq := range freqs {
			if err := speed.Write(freq); err != nil {
				return nil, fmt.Errorf("couldn't set freq %s: %w", freq, err)
			}
			result.Writes++

			overshoot, err := a.waiter.Wait(interval)
			if err != nil {
				return nil, err
			}
			if overshoot > result.MaxOvershoot {
				result.MaxOvershoot = overshoot
			}
		}
	}

	result.Finished = time.Now()
	result.Elapsed = result.Finished.Sub(result.Started)

	logger.WithFields(logrus.Fields{
		"writes":        result.Writes,
		"elapsed":       result.Elapsed,
		"max_overshoot": result.MaxOvershoot,
	}).Debug("Frequency alternation finished")

	return result, nil
}
