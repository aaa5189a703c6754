// api/store/warehouse_store.go
package store

import (
	"context"
	"fmt"
	"time"

	"eventsite/api/database"
	"eventsite/api/models"
	"eventsite/api/utils"
)

// WarehouseStore reads and writes the ClickHouse mirror of raw telemetry.
// PostgreSQL stays the source of truth; the mirror serves ad-hoc bucketing.
type WarehouseStore struct {
	DB *database.ClickHouseClient
}

func NewWarehouseStore(chClient *database.ClickHouseClient) *WarehouseStore {
	return &WarehouseStore{
		DB: chClient,
	}
}

func (s *WarehouseStore) InsertEvents(ctx context.Context, events []models.WarehouseEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.DB.Conn.PrepareBatch(ctx, `
		INSERT INTO telemetry_events (
			event_id, event_type, user_id, session_id, timestamp, page_path, referrer, category, action, event_data
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}

	for _, event := range events {
		data := string(event.EventData)
		if data == "" {
			data = "{}"
		}
		if err := batch.Append(
			event.EventID,
			event.EventType,
			event.UserID,
			event.SessionID,
			event.Timestamp,
			event.PagePath,
			event.Referrer,
			event.Category,
			event.Action,
			data,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append event %s to batch: %w", event.EventID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (s *WarehouseStore) GetEventCountsOverTime(ctx context.Context, interval string, start, end time.Time, eventTypeFilter string) ([]models.EventCountByTime, error) {
	if !utils.IsValidInterval(interval) {
		return nil, fmt.Errorf("invalid interval: %s", interval)
	}

	args := []any{start, end}
	selectCols := fmt.Sprintf("toStartOf%s(timestamp) AS time_bucket, count() AS total_events", interval)
	groupByCols := "time_bucket"
	whereClause := "WHERE timestamp >= ? AND timestamp < ?"
	orderByCols := "time_bucket ASC"
	isFilteringByType := eventTypeFilter != ""

	if isFilteringByType {
		selectCols += ", event_type"
		groupByCols += ", event_type"
		whereClause += " AND event_type = ?"
		args = append(args, eventTypeFilter)
		orderByCols += ", event_type ASC"
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM telemetry_events
		%s
		GROUP BY %s
		ORDER BY %s
	`, selectCols, whereClause, groupByCols, orderByCols)

	rows, err := s.DB.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event counts over time: %w", err)
	}
	defer rows.Close()

	var results []models.EventCountByTime
	for rows.Next() {
		var (
			timeBucket time.Time
			count      uint64
			eventType  string
			result     models.EventCountByTime
		)
		if isFilteringByType {
			if err := rows.Scan(&timeBucket, &count, &eventType); err != nil {
				return nil, fmt.Errorf("scan event count: %w", err)
			}
			result.EventType = &eventType
		} else if err := rows.Scan(&timeBucket, &count); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		result.Time = timeBucket
		result.Count = count
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row error during event counts over time query: %w", err)
	}
	return results, nil
}
