package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

type ClickHouseClient struct {
	Conn   clickhouse.Conn
	logger *slog.Logger
}

type ClickHouseOptions struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

func NewClickHouseDB(ctx context.Context, opts ClickHouseOptions, logger *slog.Logger) (*ClickHouseClient, error) {
	if opts.Host == "" || opts.Database == "" {
		return nil, fmt.Errorf("clickhouse host and database are required")
	}

	options := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: "eventsite-telemetry", Version: "1.0.0"}},
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: time.Second * 5,
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse via Native TCP: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("connected to ClickHouse", "addr", options.Addr[0], "database", opts.Database)
	return &ClickHouseClient{Conn: conn, logger: logger}, nil
}

// MigrateWarehouse creates the mirror table if it does not exist.
func (c *ClickHouseClient) MigrateWarehouse(ctx context.Context) error {
	err := c.Conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS telemetry_events (
			event_id   String,
			event_type LowCardinality(String),
			user_id    String,
			session_id String,
			timestamp  DateTime64(3, 'UTC'),
			page_path  String,
			referrer   String,
			category   LowCardinality(String),
			action     String,
			event_data String
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (event_type, timestamp)
	`)
	if err != nil {
		return fmt.Errorf("create telemetry_events: %w", err)
	}
	return nil
}

func (c *ClickHouseClient) Close() {
	if c.Conn != nil {
		if err := c.Conn.Close(); err != nil {
			c.logger.Error("closing ClickHouse connection", "error", err)
			return
		}
		c.logger.Info("ClickHouse connection closed")
	}
}
