package acme

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"librate-freqs/internal/logging"
)

const timestampColumn = "timestamp ms"

type deviceReader struct {
	file      *os.File
	reader    *csv.Reader
	columns   map[string]int
	current   []string
	timestamp float64
	finished  bool
}

func openDeviceReader(path string) (*deviceReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	dr := &deviceReader{file: f, reader: r, columns: make(map[string]int, len(header))}
	for i, name := range header {
		dr.columns[strings.TrimSpace(name)] = i
	}
	if _, ok := dr.columns[timestampColumn]; !ok {
		f.Close()
		return nil, fmt.Errorf("%s has no %q column", path, timestampColumn)
	}

	if err := dr.pop(); err != nil {
		f.Close()
		return nil, err
	}
	if dr.finished {
		f.Close()
		return nil, fmt.Errorf("%s has no samples", path)
	}
	return dr, nil
}

// pop advances to the next sample. The last sample stays current once the
// file is exhausted.
func (dr *deviceReader) pop() error {
	row, err := dr.reader.Read()
	if errors.Is(err, io.EOF) {
		dr.finished = true
		return nil
	}
	if err != nil {
		return err
	}
	ts, err := strconv.ParseFloat(strings.TrimSpace(row[dr.columns[timestampColumn]]), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", row[dr.columns[timestampColumn]], err)
	}
	dr.current = row
	dr.timestamp = ts
	return nil
}

func (dr *deviceReader) value(column string) string {
	i, ok := dr.columns[column]
	if !ok || i >= len(dr.current) {
		return ""
	}
	return strings.TrimSpace(dr.current[i])
}

// Merge combines the raw per-device captures into outfile, one column per
// active channel. Each output row holds the latest sample of every device;
// between rows the device with the oldest sample advances by one. Devices
// whose capture is empty are left out.
func (inst *Instrument) Merge(outfile string) error {
	logger := logging.GetLogger()

	readers := make(map[string]*deviceReader)
	defer func() {
		for _, r := range readers {
			r.file.Close()
		}
	}()

	var order []string
	for _, device := range inst.devices {
		if !inst.deviceActive(device) {
			continue
		}
		path, ok := inst.rawFiles[device]
		if !ok {
			return fmt.Errorf("no raw data file for %s", device)
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() == 0 {
			logger.WithField("file", path).Warn("Raw data file appears to be empty")
			continue
		}
		r, err := openDeviceReader(path)
		if err != nil {
			return err
		}
		readers[device] = r
		order = append(order, device)
	}

	var channels []Channel
	for _, ch := range inst.active {
		if _, ok := readers[ch.Device]; ok {
			channels = append(channels, ch)
		}
	}

	out, err := os.Create(outfile)
	if err != nil {
		return err
	}
	defer out.Close()

	w := csv.NewWriter(out)
	header := make([]string, len(channels))
	for i, ch := range channels {
		header[i] = ch.Label()
	}
	if err := w.Write(header); err != nil {
		return err
	}

	pending := append([]string(nil), order...)
	for len(pending) > 0 {
		row := make([]string, len(channels))
		for i, ch := range channels {
			row[i] = readers[ch.Device].value(ch.Column)
		}
		if err := w.Write(row); err != nil {
			return err
		}

		// advance the oldest device that still has samples
		advanced := false
		for len(pending) > 0 && !advanced {
			oldest := 0
			for i, device := range pending {
				if readers[device].timestamp < readers[pending[oldest]].timestamp {
					oldest = i
				}
			}
			r := readers[pending[oldest]]
			if err := r.pop(); err != nil {
				return fmt.Errorf("failed to read %s: %w", inst.rawFiles[pending[oldest]], err)
			}
			if r.finished {
				pending = append(pending[:oldest], pending[oldest+1:]...)
			} else {
				advanced = true
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return out.Close()
}

func (inst *Instrument) deviceActive(device string) bool {
	for _, ch := range inst.active {
		if ch.Device == device {
			return true
		}
	}
	return false
}
