package host

import (
	"bufio"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"librate-freqs/internal/logging"

	"github.com/sirupsen/logrus"
)

// HostConfig contains host system information recorded with every run
type HostConfig struct {
	Hostname      string `json:"hostname"`
	OSInfo        string `json:"os_info"`
	KernelVersion string `json:"kernel_version"`
	CPUVendor     string `json:"cpu_vendor"`
	CPUModel      string `json:"cpu_model"`
	TotalThreads  int    `json:"total_threads"`
	NumSockets    int    `json:"num_sockets"`
}

const (
	procVersionPath = "/proc/version"
	procCPUInfoPath = "/proc/cpuinfo"
)

var (
	globalHostConfig *HostConfig
	hostConfigOnce   sync.Once
)

// GetHostConfig returns the global host configuration
// It initializes the configuration on first call
func GetHostConfig() *HostConfig {
	hostConfigOnce.Do(func() {
		globalHostConfig = initializeHostConfig()
	})
	return globalHostConfig
}

func initializeHostConfig() *HostConfig {
	logger := logging.GetLogger()

	config := &HostConfig{
		OSInfo:       runtime.GOOS + "/" + runtime.GOARCH,
		TotalThreads: runtime.NumCPU(),
	}

	hostname, err := os.Hostname()
	if err != nil {
		logger.WithError(err).Warn("Failed to get hostname")
		hostname = "unknown"
	}
	config.Hostname = hostname

	config.KernelVersion = "unknown"
	if data, err := os.ReadFile(procVersionPath); err == nil {
		if version := strings.Fields(string(data)); len(version) >= 3 {
			config.KernelVersion = version[2]
		}
	}

	if f, err := os.Open(procCPUInfoPath); err == nil {
		config.parseCPUInfo(f)
		f.Close()
	} else {
		logger.WithError(err).Debug("Failed to read cpuinfo")
	}
	if config.CPUVendor == "" {
		config.CPUVendor = "unknown"
	}
	if config.CPUModel == "" {
		config.CPUModel = "unknown"
	}
	if config.NumSockets == 0 {
		config.NumSockets = 1
	}

	logger.WithFields(logrus.Fields{
		"hostname":  config.Hostname,
		"kernel":    config.KernelVersion,
		"cpu_model": config.CPUModel,
	}).Debug("Host configuration initialized")

	return config
}

func (hc *HostConfig) parseCPUInfo(r io.Reader) {
	physicalIDs := make(map[string]struct{})
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "vendor_id":
			if hc.CPUVendor == "" {
				hc.CPUVendor = value
			}
		case "model name":
			if hc.CPUModel == "" {
				hc.CPUModel = value
			}
		case "physical id":
			physicalIDs[value] = struct{}{}
		}
	}

	hc.NumSockets = len(physicalIDs)
}
