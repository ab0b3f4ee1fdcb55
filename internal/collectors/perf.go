package collectors

import (
	"fmt"
	"sync"
	"time"

	"librate-freqs/internal/logging"

	"github.com/elastic/go-perf"
	"github.com/sirupsen/logrus"
)

// PerfMetrics summarises the hardware counters of one CPU over a run. Counts
// are corrected for multiplexing; nil means the counter was unavailable.
type PerfMetrics struct {
	CPU                  int           `json:"cpu"`
	Cycles               *uint64       `json:"cycles,omitempty"`
	RefCycles            *uint64       `json:"ref_cycles,omitempty"`
	Instructions         *uint64       `json:"instructions,omitempty"`
	Enabled              time.Duration `json:"enabled_ns"`
	InstructionsPerCycle *float64      `json:"instructions_per_cycle,omitempty"`
	EffectiveMHz         *float64      `json:"effective_mhz,omitempty"`
}

type counterReading struct {
	value   uint64
	enabled time.Duration
	running time.Duration
}

// PerfCollector counts cycles and instructions on a single CPU for every
// task that runs there, so the measured clock rate follows the frequency
// the core was actually driven at.
type PerfCollector struct {
	cpu    int
	events []*perf.Event
	mutex  sync.Mutex
}

func NewPerfCollector(cpu int) (*PerfCollector, error) {
	logger := logging.GetLogger()

	collector := &PerfCollector{cpu: cpu}

	hardwareCounters := []perf.HardwareCounter{
		perf.CPUCycles,
		perf.Instructions,
		perf.RefCPUCycles,
	}

	for _, counter := range hardwareCounters {
		attr := &perf.Attr{}
		counter.Configure(attr)
		attr.Options.Disabled = true
		// Enable time tracking for multiplexing correction
		attr.CountFormat.Enabled = true
		attr.CountFormat.Running = true

		event, err := perf.Open(attr, perf.AllThreads, cpu, nil)
		if err != nil {
			if counter == perf.RefCPUCycles {
				logger.WithFields(logrus.Fields{
					"counter": counter,
					"cpu":     cpu,
				}).WithError(err).Warn("Failed to open perf event, continuing without it")
				continue
			}
			collector.Close()
			logger.WithFields(logrus.Fields{
				"counter": counter,
				"cpu":     cpu,
			}).WithError(err).Error("Failed to open perf event")
			return nil, fmt.Errorf("failed to open %v counter on cpu %d: %w", counter, cpu, err)
		}
		collector.events = append(collector.events, event)
	}

	return collector, nil
}

// Start zeroes and enables all counters.
func (pc *PerfCollector) Start() error {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	for _, event := range pc.events {
		if err := event.Reset(); err != nil {
			return fmt.Errorf("failed to reset perf event: %w", err)
		}
		if err := event.Enable(); err != nil {
			return fmt.Errorf("failed to enable perf event: %w", err)
		}
	}
	return nil
}

// Stop disables the counters and returns what they saw since Start.
func (pc *PerfCollector) Stop() (*PerfMetrics, error) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	readings := make(map[string]counterReading)
	for _, event := range pc.events {
		if err := event.Disable(); err != nil {
			return nil, fmt.Errorf("failed to disable perf event: %w", err)
		}
		count, err := event.ReadCount()
		if err != nil {
			return nil, fmt.Errorf("failed to read perf event: %w", err)
		}
		readings[count.Label] = counterReading{
			value:   count.Value,
			enabled: count.Enabled,
			running: count.Running,
		}
	}

	return summarize(pc.cpu, readings), nil
}

func summarize(cpu int, readings map[string]counterReading) *PerfMetrics {
	metrics := &PerfMetrics{CPU: cpu}

	setValue := func(label string) *uint64 {
		r, ok := readings[label]
		if !ok {
			return nil
		}
		if r.enabled > metrics.Enabled {
			metrics.Enabled = r.enabled
		}
		v := r.value
		if r.running > 0 && r.enabled > 0 && r.running != r.enabled {
			v = uint64(float64(r.value) * float64(r.enabled) / float64(r.running))
		}
		return &v
	}

	metrics.Cycles = setValue("cpu-cycles")
	metrics.Instructions = setValue("instructions")
	metrics.RefCycles = setValue("ref-cycles")

	if metrics.Instructions != nil && metrics.Cycles != nil && *metrics.Cycles > 0 {
		ipc := float64(*metrics.Instructions) / float64(*metrics.Cycles)
		metrics.InstructionsPerCycle = &ipc
	}

	if metrics.Cycles != nil && metrics.Enabled > 0 {
		mhz := float64(*metrics.Cycles) / metrics.Enabled.Seconds() / 1e6
		metrics.EffectiveMHz = &mhz
	}

	return metrics
}

func (pc *PerfCollector) Close() {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	for _, event := range pc.events {
		if event != nil {
			event.Close()
		}
	}
	pc.events = nil
}
