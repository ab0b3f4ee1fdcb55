package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"librate-freqs/internal/acme"
	"librate-freqs/internal/collectors"
	"librate-freqs/internal/config"
	"librate-freqs/internal/cpufreq"
	"librate-freqs/internal/database"
	"librate-freqs/internal/host"
	"librate-freqs/internal/librate"
	"librate-freqs/internal/logging"
	"librate-freqs/internal/spin"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const Version = "1.0.0"

// usageError marks argument problems, which exit with status 1 before any
// file is touched.
type usageError struct {
	err error
}

func (e *usageError) Error() string {
	return e.err.Error()
}

func (e *usageError) Unwrap() error {
	return e.err
}

// exitCode maps an error to the process exit status: 1 for argument errors,
// the OS error number for failed file operations, 1 otherwise.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var uerr *usageError
	if errors.As(err, &uerr) {
		return 1
	}
	if errno, ok := cpufreq.Errno(err); ok {
		return int(errno)
	}
	return 1
}

type options struct {
	configFile      string
	logLevel        string
	sysfsRoot       string
	restoreGovernor bool
	perf            bool
	reportDir       string
	influx          bool
	acmeHost        string
	acmeDevices     []string
	acmeOut         string
}

func loadEnvironment() {
	logger := logging.GetLogger()

	// Try to load .env file from current directory
	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
		return
	}

	// Try to load from the application directory
	if execPath, err := os.Executable(); err == nil {
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
			} else {
				logger.WithField("file", envFile).Debug("Loaded environment variables")
			}
		}
	}
}

// resolveConfig merges the config file, the environment and the flags the
// user actually set, in increasing priority.
func resolveConfig(cmd *cobra.Command, opts *options) (*config.Config, string, error) {
	loadEnvironment()

	cfg := config.Default()
	content := ""
	if opts.configFile != "" {
		var err error
		cfg, content, err = config.LoadConfigWithContent(opts.configFile)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("sysfs-root") {
		cfg.SysfsRoot = opts.sysfsRoot
	}
	if flags.Changed("restore-governor") {
		cfg.RestoreGovernor = opts.restoreGovernor
	}
	if flags.Changed("perf") {
		cfg.Perf = opts.perf
	}
	if flags.Changed("report-dir") {
		cfg.ReportDir = opts.reportDir
	}
	if flags.Changed("influx") {
		cfg.Influx.Enabled = opts.influx
	}
	if flags.Changed("acme-host") {
		cfg.Acme.Host = opts.acmeHost
	}
	if flags.Changed("acme-device") {
		cfg.Acme.Devices = opts.acmeDevices
	}
	if flags.Changed("acme-out") {
		cfg.Acme.Output = opts.acmeOut
	}

	config.ApplyEnv(cfg)
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	if cfg.LogLevel != "" {
		if err := logging.SetLogLevel(cfg.LogLevel); err != nil {
			return nil, "", fmt.Errorf("invalid log level: %w", err)
		}
	}
	return cfg, content, nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:     "librate-freqs <cpu> <freq1> <freq2> <interval_us> <num_loops>",
		Short:   "Alternate a CPU between two frequencies",
		Long:    "Switches a CPU to the userspace cpufreq governor and writes two frequencies to scaling_setspeed in turn, busy-waiting interval_us between writes, num_loops times. Run as root.",
		Version: Version,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 5 {
				return &usageError{err: librate.ErrTooFewArgs}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := librate.ParseArgs(args)
			if err != nil {
				return &usageError{err: err}
			}
			cfg, content, err := resolveConfig(cmd, opts)
			if err != nil {
				return &usageError{err: err}
			}
			return runAlternation(cmd.Context(), cfg, content, plan, stdout)
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Path to an optional YAML configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.sysfsRoot, "sysfs-root", "", "CPU sysfs directory (default "+cpufreq.DefaultRoot+")")
	flags.BoolVar(&opts.restoreGovernor, "restore-governor", false, "Write the previous governor back after the run")
	flags.BoolVar(&opts.perf, "perf", false, "Count cycles and instructions on the CPU during the run")
	flags.StringVar(&opts.reportDir, "report-dir", "", "Write a gzip JSON run report into this directory")
	flags.BoolVar(&opts.influx, "influx", false, "Export the run to InfluxDB (INFLUXDB_HOST, INFLUXDB_TOKEN, INFLUXDB_ORG, INFLUXDB_BUCKET)")
	flags.StringVar(&opts.acmeHost, "acme-host", "", "Capture power from this ACME cape with iio-capture during the run")
	flags.StringSliceVar(&opts.acmeDevices, "acme-device", nil, "IIO device to capture (repeatable, default "+config.DefaultAcmeDevice+")")
	flags.StringVar(&opts.acmeOut, "acme-out", "", "Merged power CSV path (default "+config.DefaultAcmeOutput+")")

	rootCmd.AddCommand(newInfoCmd(stdout, opts))
	return rootCmd
}

func newInfoCmd(stdout io.Writer, opts *options) *cobra.Command {
	infoCmd := &cobra.Command{
		Use:   "info <cpu>",
		Short: "Show the cpufreq policy of a CPU",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return &usageError{err: fmt.Errorf("info takes exactly one CPU index")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cpu, err := strconv.Atoi(args[0])
			if err != nil || cpu < 0 {
				return &usageError{err: fmt.Errorf("invalid CPU %q", args[0])}
			}
			cfg, _, err := resolveConfig(cmd, opts)
			if err != nil {
				return &usageError{err: err}
			}
			policy, err := cpufreq.New(cfg.SysfsRoot).Policy(cpu)
			if err != nil {
				return err
			}
			printPolicy(stdout, policy)
			return nil
		},
	}
	infoCmd.Flags().StringVar(&opts.sysfsRoot, "sysfs-root", "", "CPU sysfs directory (default "+cpufreq.DefaultRoot+")")
	infoCmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	return infoCmd
}

func printPolicy(w io.Writer, p *cpufreq.Policy) {
	fmt.Fprintf(w, "cpu:                 %d\n", p.CPU)
	fmt.Fprintf(w, "governor:            %s\n", p.Governor)
	if len(p.AvailableGovernors) > 0 {
		fmt.Fprintf(w, "available governors: %v\n", p.AvailableGovernors)
	}
	if p.CurFreqKHz > 0 {
		fmt.Fprintf(w, "current frequency:   %d kHz\n", p.CurFreqKHz)
	}
	if p.MinFreqKHz > 0 || p.MaxFreqKHz > 0 {
		fmt.Fprintf(w, "hardware limits:     %d - %d kHz\n", p.MinFreqKHz, p.MaxFreqKHz)
	}
	if len(p.AvailableFrequenciesKHz) > 0 {
		fmt.Fprintf(w, "available frequencies: %v kHz\n", p.AvailableFrequenciesKHz)
	}
}

func runAlternation(ctx context.Context, cfg *config.Config, configContent string, plan librate.Plan, stdout io.Writer) error {
	logger := logging.GetLogger()
	sysfs := cpufreq.New(cfg.SysfsRoot)

	record := database.NewRunRecord(plan, time.Now())
	record.Host = host.GetHostConfig()
	record.ConfigContent = configContent

	policy, err := sysfs.Policy(plan.CPU)
	if err != nil {
		logger.WithField("cpu", plan.CPU).WithError(err).Debug("Could not read cpufreq policy before the run")
	} else {
		record.PolicyBefore = policy
		if len(policy.AvailableGovernors) > 0 && !policy.SupportsGovernor(cpufreq.UserspaceGovernor) {
			logger.WithFields(logrus.Fields{
				"cpu":       plan.CPU,
				"available": policy.AvailableGovernors,
			}).Warn("The userspace governor is not listed for this CPU")
		}
	}

	fmt.Fprintln(stdout, plan.Summary())

	var perfCollector *collectors.PerfCollector
	if cfg.Perf {
		perfCollector, err = collectors.NewPerfCollector(plan.CPU)
		if err != nil {
			return err
		}
		defer perfCollector.Close()
	}

	var instrument *acme.Instrument
	if cfg.Acme.Enabled() {
		instrument, err = acme.NewInstrument(cfg.Acme)
		if err != nil {
			return err
		}
		defer instrument.Cleanup()
		if err := instrument.Reset(nil, nil); err != nil {
			return err
		}
		if err := instrument.Start(); err != nil {
			return err
		}
	}

	if perfCollector != nil {
		if err := perfCollector.Start(); err != nil {
			return err
		}
	}

	alternator := librate.NewAlternator(librate.NewSysfsTarget(sysfs), spin.NewSpinner(nil))
	result, runErr := alternator.Run(plan)

	if perfCollector != nil {
		metrics, err := perfCollector.Stop()
		if err != nil {
			logger.WithError(err).Warn("Failed to read perf counters")
		}
		record.Perf = metrics
	}

	if instrument != nil {
		if err := instrument.Stop(); err != nil {
			logger.WithError(err).Error("ACME capture failed")
			if runErr == nil {
				return err
			}
		} else if runErr == nil {
			if err := instrument.Merge(cfg.Acme.Output); err != nil {
				return fmt.Errorf("failed to merge ACME captures: %w", err)
			}
			record.PowerCSV = cfg.Acme.Output
		}
	}

	if runErr != nil {
		return runErr
	}
	record.Result = result

	if cfg.RestoreGovernor && record.PolicyBefore != nil && record.PolicyBefore.Governor != cpufreq.UserspaceGovernor {
		if err := sysfs.SetGovernor(plan.CPU, record.PolicyBefore.Governor); err != nil {
			return fmt.Errorf("failed to restore governor %s: %w", record.PolicyBefore.Governor, err)
		}
	}

	fields := logrus.Fields{
		"writes":        result.Writes,
		"elapsed":       result.Elapsed,
		"max_overshoot": result.MaxOvershoot,
	}
	if record.Perf != nil && record.Perf.EffectiveMHz != nil {
		fields["effective_mhz"] = fmt.Sprintf("%.1f", *record.Perf.EffectiveMHz)
	}
	logger.WithFields(fields).Info("Frequency alternation complete")

	return writeReports(ctx, cfg, record)
}

var newDatabaseClient = func(cfg config.InfluxConfig) (database.DatabaseClient, error) {
	client, err := database.NewInfluxDBClient(cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func writeReports(ctx context.Context, cfg *config.Config, record *database.RunRecord) error {
	logger := logging.GetLogger()

	if cfg.ReportDir != "" {
		path, err := database.WriteSpoolArtifact(cfg.ReportDir, record)
		if err != nil {
			return fmt.Errorf("failed to write run report: %w", err)
		}
		logger.WithField("path", path).Info("Run report written")
	}

	if cfg.Influx.Enabled {
		dbClient, err := newDatabaseClient(cfg.Influx)
		if err != nil {
			return err
		}
		defer dbClient.Close()

		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := dbClient.WriteRun(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// run executes the command line and returns the process exit status.
func run(args []string, stdout, stderr io.Writer) int {
	logging.SetOutput(stderr)
	logger := logging.GetLogger()

	rootCmd := newRootCmd(stdout, stderr)
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}

	var uerr *usageError
	if errors.As(err, &uerr) {
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr, librate.Usage)
	} else {
		logger.WithError(err).Error("Command failed")
	}
	return exitCode(err)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
