package librate

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const Usage = "Args are <cpu> <freq1> <freq2> <interval_us> <loops>"

const maxIntervalUS = math.MaxInt64 / int64(time.Microsecond)

var ErrTooFewArgs = errors.New("too few arguments")

// Plan describes one alternation run. The frequency tokens are written to
// scaling_setspeed as given and are never parsed.
type Plan struct {
	CPU        int    `json:"cpu"`
	FreqA      string `json:"freq_a"`
	FreqB      string `json:"freq_b"`
	IntervalUS int64  `json:"interval_us"`
	Iterations int64  `json:"iterations"`
}

// ParseArgs builds a Plan from the positional arguments
// <cpu> <freq1> <freq2> <interval_us> <num_loops>. Arguments past the fifth
// are ignored. Integers accept 0x and leading-zero octal prefixes.
func ParseArgs(args []string) (Plan, error) {
	if len(args) < 5 {
		return Plan{}, ErrTooFewArgs
	}

	cpu, err := parseInt(args[0], "CPU")
	if err != nil {
		return Plan{}, err
	}
	interval, err := parseInt(args[3], "interval")
	if err != nil {
		return Plan{}, err
	}
	loops, err := parseInt(args[4], "loop count")
	if err != nil {
		return Plan{}, err
	}
	if cpu > math.MaxInt32 {
		return Plan{}, fmt.Errorf("invalid CPU %q: out of range", args[0])
	}

	plan := Plan{
		CPU:        int(cpu),
		FreqA:      args[1],
		FreqB:      args[2],
		IntervalUS: interval,
		Iterations: loops,
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func parseInt(s, what string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", what, s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", what, s)
	}
	return v, nil
}

func (p Plan) Validate() error {
	if p.CPU < 0 {
		return fmt.Errorf("invalid CPU %d: must not be negative", p.CPU)
	}
	if p.FreqA == "" || p.FreqB == "" {
		return fmt.Errorf("frequencies must not be empty")
	}
	if p.IntervalUS < 0 || p.IntervalUS > maxIntervalUS {
		return fmt.Errorf("invalid interval %dus", p.IntervalUS)
	}
	if p.Iterations < 0 {
		return fmt.Errorf("invalid loop count %d: must not be negative", p.Iterations)
	}
	return nil
}

func (p Plan) Interval() time.Duration {
	return time.Duration(p.IntervalUS) * time.Microsecond
}

// Estimate is the time spent waiting, 2 * iterations * interval. It
// saturates instead of overflowing.
func (p Plan) Estimate() time.Duration {
	if p.Iterations == 0 || p.IntervalUS == 0 {
		return 0
	}
	interval := p.Interval()
	if p.Iterations > math.MaxInt64/2/int64(interval) {
		return time.Duration(math.MaxInt64)
	}
	return 2 * time.Duration(p.Iterations) * interval
}

func (p Plan) Summary() string {
	return fmt.Sprintf("Switching from %s to %s %d times with %dus interval (should take about %s)",
		p.FreqA, p.FreqB, p.Iterations, p.IntervalUS, p.Estimate().Round(time.Millisecond))
}

// Writes is the number of scaling_setspeed writes the plan performs.
func (p Plan) Writes() int64 {
	return 2 * p.Iterations
}
