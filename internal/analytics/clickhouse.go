package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"
)

// ErrUnavailable is returned when the audit DB is not configured.
var ErrUnavailable = fmt.Errorf("audit sink unavailable")

// SlotEvent mirrors a row in the slot_events table. One row is written per
// slot lifecycle transition (hold, conflict, sold, canceled, expired).
type SlotEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	BannerType    string    `json:"banner_type"`
	SlotDate      string    `json:"slot_date"`
	Priority      int32     `json:"priority"`
	ApplicationID int32     `json:"application_id"`
	EventID       int32     `json:"event_id"`
	Amount        int64     `json:"amount"`
}

// AuditService records slot lifecycle events for reporting and audit.
// Implementations must treat a missing backend as ErrUnavailable rather
// than panicking; audit failures never fail the reservation path.
type AuditService interface {
	RecordSlotEvent(ctx context.Context, ev SlotEvent) error
	Close() error
}

// Audit wraps a ClickHouse DB connection.
type Audit struct {
	DB *sql.DB
}

// InitClickHouse connects to ClickHouse and ensures the slot_events table
// exists.
func InitClickHouse(dsn string) (*Audit, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(25)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	create := `CREATE TABLE IF NOT EXISTS slot_events (
       timestamp      DateTime,
       event_type     String,
       banner_type    String,
       slot_date      String,
       priority       Int32,
       application_id Int32,
       event_id       Int32,
       amount         Int64
   ) ENGINE=MergeTree() ORDER BY (event_type, timestamp)`
	if _, err := db.ExecContext(context.Background(), create); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	zap.L().Info("Connected to ClickHouse")
	return &Audit{DB: db}, nil
}

// RecordSlotEvent inserts a single event row into the slot_events table.
func (a *Audit) RecordSlotEvent(ctx context.Context, ev SlotEvent) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_, err := a.DB.ExecContext(ctx,
		`INSERT INTO slot_events (timestamp, event_type, banner_type, slot_date, priority, application_id, event_id, amount)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp, ev.EventType, ev.BannerType, ev.SlotDate, ev.Priority, ev.ApplicationID, ev.EventID, ev.Amount)
	if err != nil {
		return fmt.Errorf("insert slot event: %w", err)
	}
	return nil
}

// Close terminates the ClickHouse connection.
func (a *Audit) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
