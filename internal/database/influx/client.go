// Package influx provides the InfluxDB client for proxy metrics.
// It records share outcomes, translated jobs and connection gauges.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Proxy metrics

// SharePoint builds the point for a resolved share
func SharePoint(user, upstreamUser string, difficulty float64, accepted bool, errorCode string, latency time.Duration, at time.Time) *write.Point {
	tags := map[string]string{
		"user":          user,
		"upstream_user": upstreamUser,
		"accepted":      strconv.FormatBool(accepted),
	}
	if errorCode != "" {
		tags["error_code"] = errorCode
	}

	fields := map[string]interface{}{
		"difficulty": difficulty,
		"latency_ms": float64(latency) / float64(time.Millisecond),
		"count":      1,
	}

	return write.NewPoint("proxy_shares", tags, fields, at)
}

// JobPoint builds the point for a job exposed downstream
func JobPoint(user string, cleanJobs bool, difficulty, networkDiff float64, at time.Time) *write.Point {
	tags := map[string]string{
		"user":  user,
		"clean": strconv.FormatBool(cleanJobs),
	}

	fields := map[string]interface{}{
		"difficulty":         difficulty,
		"network_difficulty": networkDiff,
		"count":              1,
	}

	return write.NewPoint("proxy_jobs", tags, fields, at)
}

// ConnectionPoint builds the connection gauge point
func ConnectionPoint(active, total, dropped int64, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"active_connections": active,
		"total_connections":  total,
		"dropped_events":     dropped,
	}

	return write.NewPoint("proxy_connections", map[string]string{}, fields, at)
}

// WriteShareMetric writes a resolved share metric
func (c *Client) WriteShareMetric(user, upstreamUser string, difficulty float64, accepted bool, errorCode string, latency time.Duration, at time.Time) {
	c.writeAPI.WritePoint(SharePoint(user, upstreamUser, difficulty, accepted, errorCode, latency, at))
}

// WriteJobMetric writes a translated job metric
func (c *Client) WriteJobMetric(user string, cleanJobs bool, difficulty, networkDiff float64, at time.Time) {
	c.writeAPI.WritePoint(JobPoint(user, cleanJobs, difficulty, networkDiff, at))
}

// WriteConnectionMetric writes connection statistics
func (c *Client) WriteConnectionMetric(active, total, dropped int64) {
	c.writeAPI.WritePoint(ConnectionPoint(active, total, dropped, time.Now()))
}

// Query methods

// GetShareStats retrieves share statistics for a user over a time period
func (c *Client) GetShareStats(ctx context.Context, user string, duration time.Duration) (*ShareStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "proxy_shares")
		|> filter(fn: (r) => r.user == %q)
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["accepted"])
		|> sum()
	`, c.bucket, duration.String(), user)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	stats := &ShareStats{}
	for result.Next() {
		record := result.Record()
		if count, ok := record.Value().(int64); ok {
			if record.ValueByKey("accepted") == "true" {
				stats.Accepted = count
			} else {
				stats.Rejected = count
			}
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	stats.finish()
	return stats, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// ShareStats represents aggregated share statistics
type ShareStats struct {
	Total           int64   `json:"total"`
	Accepted        int64   `json:"accepted"`
	Rejected        int64   `json:"rejected"`
	AcceptedPercent float64 `json:"accepted_percent"`
}

func (s *ShareStats) finish() {
	s.Total = s.Accepted + s.Rejected
	if s.Total > 0 {
		s.AcceptedPercent = float64(s.Accepted) / float64(s.Total) * 100
	}
}
