package cpufreq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"librate-freqs/internal/logging"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	DefaultRoot       = "/sys/devices/system/cpu"
	UserspaceGovernor = "userspace"

	governorFile           = "scaling_governor"
	setspeedFile           = "scaling_setspeed"
	curFreqFile            = "scaling_cur_freq"
	availableGovernorsFile = "scaling_available_governors"
	availableFreqsFile     = "scaling_available_frequencies"
	minFreqFile            = "cpuinfo_min_freq"
	maxFreqFile            = "cpuinfo_max_freq"
)

// PathError records a failed operation on a cpufreq control file.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// Errno returns the OS error number carried somewhere in err's chain.
func Errno(err error) (unix.Errno, bool) {
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno, true
	}
	return 0, false
}

// Sysfs gives access to the per-CPU cpufreq directories below root.
type Sysfs struct {
	root string
}

func New(root string) *Sysfs {
	if root == "" {
		root = DefaultRoot
	}
	return &Sysfs{root: root}
}

func (s *Sysfs) Root() string {
	return s.root
}

func (s *Sysfs) Path(cpu int, resource string) string {
	return filepath.Join(s.root, fmt.Sprintf("cpu%d", cpu), "cpufreq", resource)
}

// SetGovernor writes governor, newline terminated, to the CPU's
// scaling_governor file.
func (s *Sysfs) SetGovernor(cpu int, governor string) error {
	path := s.Path(cpu, governorFile)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return &PathError{Op: "open", Path: path, Err: err}
	}
	if _, err := f.WriteString(governor + "\n"); err != nil {
		f.Close()
		return &PathError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &PathError{Op: "close", Path: path, Err: err}
	}

	logging.GetLogger().WithFields(logrus.Fields{
		"cpu":      cpu,
		"governor": governor,
	}).Debug("Governor set")
	return nil
}

func (s *Sysfs) CurrentGovernor(cpu int) (string, error) {
	return s.readString(cpu, governorFile)
}

// SpeedFile is an open scaling_setspeed control file.
type SpeedFile struct {
	f    *os.File
	path string
}

// OpenSpeed opens the CPU's scaling_setspeed file for writing. The file only
// accepts values while the userspace governor is active.
func (s *Sysfs) OpenSpeed(cpu int) (*SpeedFile, error) {
	path := s.Path(cpu, setspeedFile)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, &PathError{Op: "open", Path: path, Err: err}
	}
	return &SpeedFile{f: f, path: path}, nil
}

// Write stores freq verbatim in a single write.
func (sf *SpeedFile) Write(freq string) error {
	if _, err := sf.f.WriteString(freq); err != nil {
		return &PathError{Op: "write", Path: sf.path, Err: err}
	}
	return nil
}

func (sf *SpeedFile) Path() string {
	return sf.path
}

func (sf *SpeedFile) Close() error {
	return sf.f.Close()
}

// Policy is a read-only snapshot of one CPU's cpufreq state. Frequencies are
// in kHz; zero means the kernel does not expose the value.
type Policy struct {
	CPU                     int      `json:"cpu"`
	Governor                string   `json:"governor"`
	AvailableGovernors      []string `json:"available_governors,omitempty"`
	CurFreqKHz              uint64   `json:"cur_freq_khz,omitempty"`
	MinFreqKHz              uint64   `json:"min_freq_khz,omitempty"`
	MaxFreqKHz              uint64   `json:"max_freq_khz,omitempty"`
	AvailableFrequenciesKHz []uint64 `json:"available_frequencies_khz,omitempty"`
}

// SupportsGovernor reports whether governor appears in the CPU's
// scaling_available_governors list.
func (p *Policy) SupportsGovernor(governor string) bool {
	for _, g := range p.AvailableGovernors {
		if g == governor {
			return true
		}
	}
	return false
}

// Policy reads the CPU's cpufreq state. Only the governor is mandatory; the
// remaining files vary between drivers and are skipped when absent.
func (s *Sysfs) Policy(cpu int) (*Policy, error) {
	logger := logging.GetLogger()

	governor, err := s.CurrentGovernor(cpu)
	if err != nil {
		return nil, err
	}
	p := &Policy{CPU: cpu, Governor: governor}

	if v, err := s.readString(cpu, availableGovernorsFile); err == nil {
		p.AvailableGovernors = strings.Fields(v)
	} else {
		logger.WithField("cpu", cpu).WithError(err).Debug("Available governors not readable")
	}

	for _, f := range []struct {
		name string
		dst  *uint64
	}{
		{curFreqFile, &p.CurFreqKHz},
		{minFreqFile, &p.MinFreqKHz},
		{maxFreqFile, &p.MaxFreqKHz},
	} {
		v, err := s.readUint(cpu, f.name)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"cpu":  cpu,
				"file": f.name,
			}).WithError(err).Debug("Frequency not readable")
			continue
		}
		*f.dst = v
	}

	if v, err := s.readString(cpu, availableFreqsFile); err == nil {
		for _, field := range strings.Fields(v) {
			freq, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse available frequency %q for CPU %d: %w", field, cpu, err)
			}
			p.AvailableFrequenciesKHz = append(p.AvailableFrequenciesKHz, freq)
		}
	}

	return p, nil
}

func (s *Sysfs) readString(cpu int, resource string) (string, error) {
	path := s.Path(cpu, resource)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &PathError{Op: "read", Path: path, Err: err}
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Sysfs) readUint(cpu int, resource string) (uint64, error) {
	v, err := s.readString(cpu, resource)
	if err != nil {
		return 0, err
	}
	freq, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to convert %s for CPU %d to uint: %w", resource, cpu, err)
	}
	return freq, nil
}
