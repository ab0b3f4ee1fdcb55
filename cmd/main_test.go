package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"librate-freqs/internal/config"
	"librate-freqs/internal/cpufreq"
	"librate-freqs/internal/database"

	"golang.org/x/sys/unix"
)

func fakeSysfs(t *testing.T, cpu int, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, fmt.Sprintf("cpu%d", cpu), "cpufreq")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return root
}

func readCPUFile(t *testing.T, root string, cpu int, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, fmt.Sprintf("cpu%d", cpu), "cpufreq", name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"LIBRATE_SYSFS_ROOT", "INFLUXDB_HOST", "INFLUXDB_TOKEN", "INFLUXDB_ORG", "INFLUXDB_BUCKET"} {
		t.Setenv(name, "")
	}
}

func TestRun_AlternatesAndExitsZero(t *testing.T) {
	clearEnv(t)
	root := fakeSysfs(t, 0, map[string]string{"scaling_governor": "", "scaling_setspeed": ""})

	var stdout, stderr bytes.Buffer
	code := run([]string{"--sysfs-root", root, "0", "1000000", "2000000", "100", "3"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr.String())
	}

	if !strings.Contains(stdout.String(), "Switching from 1000000 to 2000000 3 times with 100us interval") {
		t.Fatalf("summary missing from stdout: %q", stdout.String())
	}
	if got := readCPUFile(t, root, 0, "scaling_governor"); got != "userspace\n" {
		t.Fatalf("governor = %q", got)
	}
	if got := readCPUFile(t, root, 0, "scaling_setspeed"); got != "100000020000001000000200000010000002000000" {
		t.Fatalf("setspeed = %q", got)
	}
}

func TestRun_ZeroLoops(t *testing.T) {
	clearEnv(t)
	root := fakeSysfs(t, 1, map[string]string{"scaling_governor": "", "scaling_setspeed": ""})

	var stdout, stderr bytes.Buffer
	if code := run([]string{"--sysfs-root", root, "1", "a", "b", "100", "0"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr.String())
	}
	if got := readCPUFile(t, root, 1, "scaling_governor"); got != "userspace\n" {
		t.Fatalf("governor = %q", got)
	}
	if got := readCPUFile(t, root, 1, "scaling_setspeed"); got != "" {
		t.Fatalf("setspeed should be untouched, got %q", got)
	}
}

func TestRun_TooFewArgs(t *testing.T) {
	clearEnv(t)
	root := fakeSysfs(t, 0, map[string]string{"scaling_governor": "", "scaling_setspeed": ""})
	t.Setenv("LIBRATE_SYSFS_ROOT", root)

	var stdout, stderr bytes.Buffer
	code := run([]string{"0", "1000000", "2000000", "100"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "Args are <cpu> <freq1> <freq2> <interval_us> <loops>") {
		t.Fatalf("usage missing from stderr: %q", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("nothing should be printed to stdout, got %q", stdout.String())
	}
	if got := readCPUFile(t, root, 0, "scaling_governor"); got != "" {
		t.Fatalf("governor file touched: %q", got)
	}
}

func TestRun_MalformedInterval(t *testing.T) {
	clearEnv(t)
	root := fakeSysfs(t, 0, map[string]string{"scaling_governor": "", "scaling_setspeed": ""})

	var stdout, stderr bytes.Buffer
	if code := run([]string{"--sysfs-root", root, "0", "a", "b", "soon", "3"}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if got := readCPUFile(t, root, 0, "scaling_governor"); got != "" {
		t.Fatalf("governor file touched: %q", got)
	}
}

func TestRun_MissingCPUExitsWithErrno(t *testing.T) {
	clearEnv(t)
	root := fakeSysfs(t, 0, map[string]string{"scaling_governor": "", "scaling_setspeed": ""})

	var stdout, stderr bytes.Buffer
	code := run([]string{"--sysfs-root", root, "5", "a", "b", "1", "1"}, &stdout, &stderr)
	if code != int(unix.ENOENT) {
		t.Fatalf("exit code = %d, want %d; stderr:\n%s", code, unix.ENOENT, stderr.String())
	}
	if got := readCPUFile(t, root, 0, "scaling_setspeed"); got != "" {
		t.Fatalf("setspeed written: %q", got)
	}
}

func TestRun_MissingSetspeedExitsWithErrno(t *testing.T) {
	clearEnv(t)
	root := fakeSysfs(t, 0, map[string]string{"scaling_governor": ""})

	var stdout, stderr bytes.Buffer
	code := run([]string{"--sysfs-root", root, "0", "a", "b", "1", "1"}, &stdout, &stderr)
	if code != int(unix.ENOENT) {
		t.Fatalf("exit code = %d, want %d", code, unix.ENOENT)
	}
	if got := readCPUFile(t, root, 0, "scaling_governor"); got != "userspace\n" {
		t.Fatalf("governor = %q", got)
	}
}

func TestRun_RestoreGovernorAndReport(t *testing.T) {
	clearEnv(t)
	root := fakeSysfs(t, 3, map[string]string{
		"scaling_governor":            "schedutil\n",
		"scaling_available_governors": "performance schedutil userspace\n",
		"scaling_setspeed":            "",
	})
	reports := filepath.Join(t.TempDir(), "reports")

	var stdout, stderr bytes.Buffer
	code := run([]string{"--sysfs-root", root, "--restore-governor", "--report-dir", reports, "3", "800000", "1600000", "10", "2"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr.String())
	}
	if got := readCPUFile(t, root, 3, "scaling_governor"); got != "schedutil\n" {
		t.Fatalf("governor not restored: %q", got)
	}

	matches, err := filepath.Glob(filepath.Join(reports, "librate_*.json.gz"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one report, got %v (%v)", matches, err)
	}
	record, err := database.ReadSpoolArtifact(matches[0])
	if err != nil {
		t.Fatalf("ReadSpoolArtifact: %v", err)
	}
	if record.Plan.CPU != 3 || record.Result == nil || record.Result.Writes != 4 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.PolicyBefore == nil || record.PolicyBefore.Governor != "schedutil" {
		t.Fatalf("policy before = %+v", record.PolicyBefore)
	}
}

func TestRun_ConfigFile(t *testing.T) {
	clearEnv(t)
	root := fakeSysfs(t, 0, map[string]string{"scaling_governor": "", "scaling_setspeed": ""})
	cfgPath := filepath.Join(t.TempDir(), "librate.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: warn\nsysfs_root: "+root+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-c", cfgPath, "0", "a", "b", "1", "1"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr.String())
	}
	if got := readCPUFile(t, root, 0, "scaling_setspeed"); got != "ab" {
		t.Fatalf("setspeed = %q", got)
	}
}

func TestRun_InvalidConfigIsUsageError(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"-c", filepath.Join(t.TempDir(), "missing.yaml"), "0", "a", "b", "1", "1"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

type fakeDatabaseClient struct {
	records []*database.RunRecord
	closed  bool
}

func (f *fakeDatabaseClient) WriteRun(_ context.Context, record *database.RunRecord) error {
	f.records = append(f.records, record)
	return nil
}

func (f *fakeDatabaseClient) Close() {
	f.closed = true
}

func TestRun_InfluxExport(t *testing.T) {
	clearEnv(t)
	t.Setenv("INFLUXDB_HOST", "http://influx.test:8086")
	t.Setenv("INFLUXDB_TOKEN", "token")
	t.Setenv("INFLUXDB_ORG", "lab")
	t.Setenv("INFLUXDB_BUCKET", "freqs")
	root := fakeSysfs(t, 0, map[string]string{"scaling_governor": "", "scaling_setspeed": ""})

	fake := &fakeDatabaseClient{}
	var gotCfg config.InfluxConfig
	original := newDatabaseClient
	newDatabaseClient = func(cfg config.InfluxConfig) (database.DatabaseClient, error) {
		gotCfg = cfg
		return fake, nil
	}
	defer func() { newDatabaseClient = original }()

	var stdout, stderr bytes.Buffer
	if code := run([]string{"--sysfs-root", root, "--influx", "0", "a", "b", "1", "2"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr.String())
	}
	if gotCfg.Host != "http://influx.test:8086" || gotCfg.Bucket != "freqs" {
		t.Fatalf("influx config = %+v", gotCfg)
	}
	if len(fake.records) != 1 || fake.records[0].Result.Writes != 4 {
		t.Fatalf("records = %+v", fake.records)
	}
	if !fake.closed {
		t.Fatalf("database client not closed")
	}
}

func TestRun_InfluxWithoutSettingsIsUsageError(t *testing.T) {
	clearEnv(t)
	root := fakeSysfs(t, 0, map[string]string{"scaling_governor": "", "scaling_setspeed": ""})

	var stdout, stderr bytes.Buffer
	if code := run([]string{"--sysfs-root", root, "--influx", "0", "a", "b", "1", "1"}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if got := readCPUFile(t, root, 0, "scaling_governor"); got != "" {
		t.Fatalf("governor file touched: %q", got)
	}
}

func TestInfoCommand(t *testing.T) {
	clearEnv(t)
	root := fakeSysfs(t, 2, map[string]string{
		"scaling_governor":            "powersave\n",
		"scaling_available_governors": "performance powersave\n",
		"scaling_cur_freq":            "1200000\n",
	})

	var stdout, stderr bytes.Buffer
	if code := run([]string{"info", "--sysfs-root", root, "2"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"governor:            powersave", "1200000 kHz", "performance powersave"} {
		if !strings.Contains(out, want) {
			t.Fatalf("info output %q missing %q", out, want)
		}
	}
}

func TestInfoCommand_MissingCPU(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"info", "--sysfs-root", t.TempDir(), "9"}, &stdout, &stderr); code != int(unix.ENOENT) {
		t.Fatalf("exit code = %d, want %d", code, unix.ENOENT)
	}
}

func TestExitCode(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"usage", &usageError{err: errors.New("bad")}, 1},
		{"errno", fmt.Errorf("couldn't set freq: %w", &cpufreq.PathError{Op: "write", Path: "x", Err: unix.EINVAL}), int(unix.EINVAL)},
		{"eacces", &cpufreq.PathError{Op: "open", Path: "x", Err: &os.PathError{Op: "open", Path: "x", Err: unix.EACCES}}, int(unix.EACCES)},
		{"plain", errors.New("other"), 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Fatalf("exitCode = %d, want %d", got, tc.want)
			}
		})
	}
}
