// Package influx provides the InfluxDB time-series writer for Xenohash.
// It records shares, finalized rounds and presence.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/xenohash/internal/round"
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
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c := &Client{client: client}
	if err := c.Health(healthCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("InfluxDB unavailable: %w", err)
	}

	c.writeAPI = client.WriteAPI(cfg.Org, cfg.Bucket)
	c.queryAPI = client.QueryAPI(cfg.Org)
	c.bucket = cfg.Bucket
	c.org = cfg.Org
	return c, nil
}

// Errors exposes asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// WriteShareMetric records one share outcome
func (c *Client) WriteShareMetric(clientID, mode, status string, roundNumber int64) {
	tags := map[string]string{
		"client_id": clientID,
		"mode":      mode,
		"status":    status,
	}

	fields := map[string]interface{}{
		"round": roundNumber,
		"count": 1,
	}

	c.writeAPI.WritePoint(write.NewPoint("shares", tags, fields, time.Now()))
}

// WriteRoundMetric records a finalized round
func (c *Client) WriteRoundMetric(b *round.Block) {
	tags := map[string]string{
		"winner_id": b.WinnerID,
	}

	reward, _ := b.Reward.Float64()
	fields := map[string]interface{}{
		"round":           b.RoundNumber,
		"difficulty":      b.Difficulty,
		"next_difficulty": b.NextDifficulty,
		"reward":          reward,
		"duration_ms":     b.Duration.Milliseconds(),
		"miners_online":   b.MinersOnline,
	}

	c.writeAPI.WritePoint(write.NewPoint("rounds", tags, fields, b.Timestamp))
}

// WritePresenceMetric records the number of miners online
func (c *Client) WritePresenceMetric(count int, at time.Time) {
	fields := map[string]interface{}{
		"miners_online": count,
	}
	c.writeAPI.WritePoint(write.NewPoint("presence", map[string]string{}, fields, at))
}

// GetShareStats counts shares by status over the last duration
func (c *Client) GetShareStats(ctx context.Context, duration time.Duration) (map[string]int64, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "shares")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["status"])
		|> sum()
	`, c.bucket, duration.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer func() { _ = result.Close() }()

	stats := make(map[string]int64)
	for result.Next() {
		record := result.Record()
		status, _ := record.ValueByKey("status").(string)
		if count, ok := record.Value().(int64); ok {
			stats[status] = count
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return stats, nil
}
