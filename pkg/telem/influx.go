package telem

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

// InfluxWriter exports snapshots to an InfluxDB v2 bucket, one point per
// snapshot tagged with the host and the running algorithm
type InfluxWriter struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
	host        string
	timeout     time.Duration
	logger      *logx.Logger
}

// NewInfluxWriter creates a writer for cfg. Nothing is sent until the
// first snapshot arrives.
func NewInfluxWriter(cfg uci.InfluxConfig, host string, logger *logx.Logger) (*InfluxWriter, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx url, org and bucket are required")
	}
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = uci.DefaultMeasurement
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(10))

	logger.Info("InfluxDB export enabled", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket, "measurement", measurement)
	return &InfluxWriter{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurement,
		host:        host,
		timeout:     10 * time.Second,
		logger:      logger,
	}, nil
}

// AddSnapshot implements pkg.SnapshotSink
func (w *InfluxWriter) AddSnapshot(ctx context.Context, snap *pkg.MetricsSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if err := w.writeAPI.WritePoint(ctx, Point(w.measurement, w.host, snap)); err != nil {
		return fmt.Errorf("failed to write point to influxdb: %w", err)
	}
	w.logger.Trace("Snapshot exported to InfluxDB", "measurement", w.measurement)
	return nil
}

// Point converts a snapshot into an InfluxDB point. The bandwidth-delay
// product is stored in Mbit (throughput times RTT).
func Point(measurement, host string, snap *pkg.MetricsSnapshot) *write.Point {
	cca := string(snap.CurrentAlgorithm)
	if cca == "" {
		cca = "unknown"
	}
	tags := map[string]string{"cca": cca}
	if host != "" {
		tags["host"] = host
	}

	fields := map[string]interface{}{
		"rtt":         snap.RTT(),
		"throughput":  snap.Throughput(),
		"loss":        snap.Loss(),
		"bdp":         snap.Throughput() * snap.RTT() / 1000,
		"retransmits": snap.Retransmits,
	}
	if bloat, ok := snap.Bufferbloat(); ok {
		fields["bufferbloat"] = bloat
	}

	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint(measurement, tags, fields, ts)
}

// Close releases the HTTP client
func (w *InfluxWriter) Close() error {
	w.client.Close()
	return nil
}
