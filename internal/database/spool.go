package database

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"librate-freqs/internal/collectors"
	"librate-freqs/internal/cpufreq"
	"librate-freqs/internal/host"
	"librate-freqs/internal/librate"
)

// RunRecord is everything known about one alternation run.
type RunRecord struct {
	Version int `json:"version"`

	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`

	Plan         librate.Plan            `json:"plan"`
	Result       *librate.Result         `json:"result"`
	Host         *host.HostConfig        `json:"host,omitempty"`
	PolicyBefore *cpufreq.Policy         `json:"policy_before,omitempty"`
	Perf         *collectors.PerfMetrics `json:"perf,omitempty"`
	PowerCSV     string                  `json:"power_csv,omitempty"`

	ConfigContent string `json:"config_content,omitempty"`
}

// NewRunRecord stamps a record for plan. The run ID is derived from the
// creation time and the target CPU.
func NewRunRecord(plan librate.Plan, now time.Time) *RunRecord {
	return &RunRecord{
		Version:   1,
		RunID:     fmt.Sprintf("%s-cpu%d", now.UTC().Format("20060102T150405.000Z"), plan.CPU),
		CreatedAt: now,
		Plan:      plan,
	}
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("LIBRATE_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// WriteSpoolArtifact writes a gzip-compressed JSON artifact to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, record *RunRecord) (string, error) {
	if record == nil {
		return "", fmt.Errorf("run record is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("librate_%s.json.gz", record.RunID)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(record); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

// ReadSpoolArtifact decodes an artifact written by WriteSpoolArtifact.
func ReadSpoolArtifact(path string) (*RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}
	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &record, nil
}
