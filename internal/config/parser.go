package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"librate-freqs/internal/logging"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func Default() *Config {
	return &Config{LogLevel: "info"}
}

func LoadConfig(filepath string) (*Config, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

// LoadConfigWithContent reads a YAML config file, expanding ${VAR}
// references from the environment, and also returns the raw file content.
func LoadConfigWithContent(filepath string) (*Config, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)
	expanded := expandEnvVars(originalContent)

	config := Default()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, "", err
	}

	ApplyEnv(config)
	if err := ValidateConfig(config); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}

	return config, originalContent, nil
}

// ApplyEnv fills settings left empty from the environment and applies the
// ACME defaults.
func ApplyEnv(config *Config) {
	if config.SysfsRoot == "" {
		config.SysfsRoot = os.Getenv("LIBRATE_SYSFS_ROOT")
	}

	influx := &config.Influx
	for _, v := range []struct {
		dst *string
		env string
	}{
		{&influx.Host, "INFLUXDB_HOST"},
		{&influx.Token, "INFLUXDB_TOKEN"},
		{&influx.Org, "INFLUXDB_ORG"},
		{&influx.Bucket, "INFLUXDB_BUCKET"},
	} {
		if *v.dst == "" {
			*v.dst = os.Getenv(v.env)
		}
	}

	if config.Acme.Enabled() {
		if len(config.Acme.Devices) == 0 {
			config.Acme.Devices = []string{DefaultAcmeDevice}
		}
		if config.Acme.BufferSize == 0 {
			config.Acme.BufferSize = DefaultAcmeBufferSize
		}
		if config.Acme.Output == "" {
			config.Acme.Output = DefaultAcmeOutput
		}
		if config.Acme.IIOCapture == "" {
			config.Acme.IIOCapture = DefaultIIOCapture
		}
	}
}

func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func ValidateConfig(config *Config) error {
	if config.LogLevel != "" {
		if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}

	if config.Influx.Enabled {
		var missing []string
		for _, f := range []struct {
			name  string
			value string
		}{
			{"host", config.Influx.Host},
			{"token", config.Influx.Token},
			{"org", config.Influx.Org},
			{"bucket", config.Influx.Bucket},
		} {
			if f.value == "" {
				missing = append(missing, f.name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("incomplete influx configuration, missing %s", strings.Join(missing, ", "))
		}
	}

	if config.Acme.Enabled() {
		if config.Acme.BufferSize <= 0 {
			return fmt.Errorf("acme buffer_size must be greater than 0")
		}
		for _, device := range config.Acme.Devices {
			if strings.TrimSpace(device) == "" {
				return fmt.Errorf("acme device names must not be empty")
			}
		}
	}

	return nil
}
