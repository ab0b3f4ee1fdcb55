package librate

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestParseArgs(t *testing.T) {
	plan, err := ParseArgs([]string{"0", "1000000", "2000000", "100", "3"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	want := Plan{CPU: 0, FreqA: "1000000", FreqB: "2000000", IntervalUS: 100, Iterations: 3}
	if plan != want {
		t.Fatalf("plan = %+v, want %+v", plan, want)
	}
}

func TestParseArgs_IntervalFromItsOwnArgument(t *testing.T) {
	plan, err := ParseArgs([]string{"4", "a", "b", "250", "1"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if plan.CPU != 4 || plan.IntervalUS != 250 {
		t.Fatalf("cpu=%d interval=%d, want 4 and 250", plan.CPU, plan.IntervalUS)
	}
}

func TestParseArgs_BasePrefixes(t *testing.T) {
	plan, err := ParseArgs([]string{"0x2", "a", "b", "010", "0x10"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if plan.CPU != 2 || plan.IntervalUS != 8 || plan.Iterations != 16 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestParseArgs_IgnoresExtraArguments(t *testing.T) {
	if _, err := ParseArgs([]string{"0", "a", "b", "1", "1", "extra"}); err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
}

func TestParseArgs_TooFew(t *testing.T) {
	for n := 0; n < 5; n++ {
		args := []string{"0", "a", "b", "1", "1"}[:n]
		if _, err := ParseArgs(args); !errors.Is(err, ErrTooFewArgs) {
			t.Fatalf("ParseArgs(%v) err = %v, want ErrTooFewArgs", args, err)
		}
	}
}

func TestParseArgs_Malformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		want string
	}{
		{"cpu", []string{"x", "a", "b", "1", "1"}, "CPU"},
		{"interval", []string{"0", "a", "b", "fast", "1"}, "interval"},
		{"negative interval", []string{"0", "a", "b", "-5", "1"}, "interval"},
		{"loops", []string{"0", "a", "b", "1", ""}, "loop count"},
		{"negative loops", []string{"0", "a", "b", "1", "-1"}, "loop count"},
		{"empty freq", []string{"0", "", "b", "1", "1"}, "frequencies"},
		{"huge interval", []string{"0", "a", "b", "9223372036854775807", "1"}, "interval"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseArgs(tc.args)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestPlanEstimate(t *testing.T) {
	p := Plan{FreqA: "a", FreqB: "b", IntervalUS: 100, Iterations: 3}
	if got := p.Estimate(); got != 600*time.Microsecond {
		t.Fatalf("Estimate = %v, want 600us", got)
	}
	if got := p.Writes(); got != 6 {
		t.Fatalf("Writes = %d, want 6", got)
	}

	p.Iterations = 0
	if got := p.Estimate(); got != 0 {
		t.Fatalf("Estimate with zero iterations = %v", got)
	}

	p.Iterations = math.MaxInt64
	if got := p.Estimate(); got != time.Duration(math.MaxInt64) {
		t.Fatalf("Estimate should saturate, got %v", got)
	}
}

func TestPlanSummary(t *testing.T) {
	p := Plan{FreqA: "1000000", FreqB: "2000000", IntervalUS: 500000, Iterations: 3}
	want := "Switching from 1000000 to 2000000 3 times with 500000us interval (should take about 3s)"
	if got := p.Summary(); got != want {
		t.Fatalf("Summary = %q, want %q", got, want)
	}
}
