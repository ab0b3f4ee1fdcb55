package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"librate-freqs/internal/config"
	"librate-freqs/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const runMeasurement = "librate_run"

type DatabaseClient interface {
	WriteRun(ctx context.Context, record *RunRecord) error
	Close()
}

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
}

func NewInfluxDBClient(cfg config.InfluxConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		return nil, fmt.Errorf("failed to connect to InfluxDB at %s: %w", cfg.Host, err)
	}
	if health.Status != "pass" {
		client.Close()
		message := ""
		if health.Message != nil {
			message = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    cfg.Host,
			"status":  health.Status,
			"message": message,
		}).Error("InfluxDB health check failed")
		return nil, fmt.Errorf("InfluxDB at %s is not healthy: %s", cfg.Host, health.Status)
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

func (idb *InfluxDBClient) WriteRun(ctx context.Context, record *RunRecord) error {
	point, err := buildRunPoint(record)
	if err != nil {
		return err
	}
	if err := idb.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write run point: %w", err)
	}
	logging.GetLogger().WithFields(logrus.Fields{
		"run_id": record.RunID,
		"bucket": idb.bucket,
	}).Debug("Run written to InfluxDB")
	return nil
}

func (idb *InfluxDBClient) Close() {
	idb.client.Close()
}

func buildRunPoint(record *RunRecord) (*write.Point, error) {
	if record == nil || record.Result == nil {
		return nil, fmt.Errorf("run record has no result")
	}

	tags := map[string]string{
		"run_id": record.RunID,
		"cpu":    strconv.Itoa(record.Plan.CPU),
		"freq_a": record.Plan.FreqA,
		"freq_b": record.Plan.FreqB,
	}
	if record.Host != nil {
		tags["hostname"] = record.Host.Hostname
		tags["cpu_model"] = record.Host.CPUModel
	}
	if record.PolicyBefore != nil {
		tags["governor_before"] = record.PolicyBefore.Governor
	}

	fields := map[string]interface{}{
		"interval_us":      record.Plan.IntervalUS,
		"iterations":       record.Plan.Iterations,
		"writes":           record.Result.Writes,
		"estimate_ns":      int64(record.Plan.Estimate()),
		"elapsed_ns":       int64(record.Result.Elapsed),
		"max_overshoot_ns": int64(record.Result.MaxOvershoot),
	}
	if perf := record.Perf; perf != nil {
		if perf.Cycles != nil {
			fields["cycles"] = *perf.Cycles
		}
		if perf.Instructions != nil {
			fields["instructions"] = *perf.Instructions
		}
		if perf.EffectiveMHz != nil {
			fields["effective_mhz"] = *perf.EffectiveMHz
		}
	}

	return influxdb2.NewPoint(runMeasurement, tags, fields, record.Result.Started), nil
}
