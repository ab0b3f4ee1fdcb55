// Package acme drives a BayLibre ACME cape through iio-capture to record
// shunt voltage, bus voltage, power and current while a run is in progress.
package acme

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"librate-freqs/internal/config"
	"librate-freqs/internal/logging"

	"github.com/sirupsen/logrus"
)

const (
	SampleRateHz = 100

	// iio-capture exits with this status when terminated
	terminatedExitCode = 15
	stopTimeout        = 10 * time.Second
)

var ErrMissingIIOCapture = errors.New("missing iio-capture binary")

// Channel is one measured quantity of one IIO device.
type Channel struct {
	Site   string
	Kind   string
	Device string
	Column string
}

func (c Channel) Label() string {
	return c.Site + "_" + c.Kind
}

type capture struct {
	cmd    *exec.Cmd
	output *bytes.Buffer
	done   chan error
}

type Instrument struct {
	iioCapture  string
	host        string
	devices     []string
	bufferSize  int
	stopTimeout time.Duration

	channels []Channel
	active   []Channel
	rawFiles map[string]string
	commands [][]string
	captures []*capture
}

func NewInstrument(cfg config.AcmeConfig) (*Instrument, error) {
	binary := cfg.IIOCapture
	if binary == "" {
		binary = config.DefaultIIOCapture
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingIIOCapture, err)
	}

	devices := cfg.Devices
	if len(devices) == 0 {
		devices = []string{config.DefaultAcmeDevice}
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = config.DefaultAcmeBufferSize
	}

	inst := &Instrument{
		iioCapture:  path,
		host:        cfg.Host,
		devices:     devices,
		bufferSize:  bufferSize,
		stopTimeout: stopTimeout,
	}
	for _, device := range devices {
		inst.channels = append(inst.channels,
			Channel{Site: "shunt_" + device, Kind: "voltage", Device: device, Column: "vshunt mV"},
			Channel{Site: "bus_" + device, Kind: "voltage", Device: device, Column: "vbus mV"},
			Channel{Site: "device_" + device, Kind: "power", Device: device, Column: "power mW"},
			Channel{Site: "device_" + device, Kind: "current", Device: device, Column: "current mA"},
			Channel{Site: "timestamp_" + device, Kind: "time_ms", Device: device, Column: "timestamp ms"},
		)
	}
	inst.active = inst.channels
	return inst, nil
}

func (inst *Instrument) Channels() []Channel {
	return inst.channels
}

func (inst *Instrument) ActiveChannels() []Channel {
	return inst.active
}

// Reset selects the channels to report and prepares one raw output file and
// capture command per device. Empty sites or kinds select everything.
func (inst *Instrument) Reset(sites, kinds []string) error {
	inst.active = nil
	for _, ch := range inst.channels {
		if matches(sites, ch.Site) && matches(kinds, ch.Kind) {
			inst.active = append(inst.active, ch)
		}
	}
	if len(inst.active) == 0 {
		return fmt.Errorf("no ACME channels match sites %v and kinds %v", sites, kinds)
	}

	inst.removeRawFiles()
	inst.rawFiles = make(map[string]string, len(inst.devices))
	inst.commands = nil
	for _, device := range inst.devices {
		f, err := os.CreateTemp("", "acme-*_"+strings.ReplaceAll(device, "/", "_")+".csv")
		if err != nil {
			return fmt.Errorf("failed to create raw data file for %s: %w", device, err)
		}
		f.Close()
		inst.rawFiles[device] = f.Name()

		command := []string{
			inst.iioCapture,
			"-n", inst.host,
			"-b", strconv.Itoa(inst.bufferSize),
			"-c",
			"-f", f.Name(),
			device,
		}
		inst.commands = append(inst.commands, command)
		logging.GetLogger().WithField("command", strings.Join(command, " ")).Debug("ACME cape command")
	}
	return nil
}

func matches(filter []string, value string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == value {
			return true
		}
	}
	return false
}

// Start launches one iio-capture process per device.
func (inst *Instrument) Start() error {
	if len(inst.commands) == 0 {
		return fmt.Errorf("instrument not reset")
	}
	inst.captures = nil
	for _, command := range inst.commands {
		output := &bytes.Buffer{}
		cmd := exec.Command(command[0], command[1:]...)
		cmd.Stdout = output
		cmd.Stderr = output
		if err := cmd.Start(); err != nil {
			inst.killAll()
			return fmt.Errorf("failed to start iio-capture: %w", err)
		}
		c := &capture{cmd: cmd, output: output, done: make(chan error, 1)}
		go func() { c.done <- cmd.Wait() }()
		inst.captures = append(inst.captures, c)
	}
	return nil
}

// Stop terminates every capture and checks that each one exited the way
// iio-capture does when asked to stop.
func (inst *Instrument) Stop() error {
	logger := logging.GetLogger()

	var errs []error
	for i, c := range inst.captures {
		device := inst.devices[i]
		if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("failed to signal iio-capture for %s: %w", device, err))
		}

		var waitErr error
		select {
		case waitErr = <-c.done:
		case <-time.After(inst.stopTimeout):
			logger.WithField("device", device).Error("iio-capture did not terminate gracefully")
			_ = c.cmd.Process.Kill()
			<-c.done
			errs = append(errs, fmt.Errorf("could not terminate iio-capture for %s:\n%s", device, c.output.String()))
			continue
		}

		if !terminatedCleanly(waitErr) {
			errs = append(errs, fmt.Errorf("iio-capture for %s exited with an error (%v), output:\n%s",
				device, waitErr, c.output.String()))
			continue
		}
		if _, err := os.Stat(inst.rawFiles[device]); err != nil {
			errs = append(errs, fmt.Errorf("output CSV for %s not generated: %w", device, err))
		}
	}
	inst.captures = nil
	return errors.Join(errs...)
}

func terminatedCleanly(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if exitErr.ExitCode() == terminatedExitCode {
		return true
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == syscall.SIGTERM
}

func (inst *Instrument) killAll() {
	for _, c := range inst.captures {
		_ = c.cmd.Process.Kill()
		<-c.done
	}
	inst.captures = nil
}

// RawFiles returns the raw iio-capture CSV file of each device.
func (inst *Instrument) RawFiles() map[string]string {
	return inst.rawFiles
}

// Cleanup removes the raw capture files.
func (inst *Instrument) Cleanup() {
	inst.removeRawFiles()
	inst.rawFiles = nil
}

func (inst *Instrument) removeRawFiles() {
	for device, path := range inst.rawFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.GetLogger().WithFields(logrus.Fields{
				"device": device,
				"file":   path,
			}).WithError(err).Warn("Failed to remove raw data file")
		}
	}
}
