package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadreserve/internal/models"
)

// Postgres wraps a postgres DB connection. It implements
// models.ReservationStore with row-level conditional updates, so the
// one-holder invariant holds across multiple service instances.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist. Slots carry no
// price column: price is a pure function of (banner_type, priority) and is
// derived from the configured rate card at read time.
const schemaSQL = `CREATE TABLE IF NOT EXISTS banner_slots (
    banner_type TEXT NOT NULL,
    slot_date DATE NOT NULL,
    priority INT NOT NULL,
    status TEXT NOT NULL DEFAULT 'AVAILABLE',
    holder UUID,
    locked_until TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (banner_type, slot_date, priority)
);

CREATE TABLE IF NOT EXISTS banner_applications (
    id SERIAL PRIMARY KEY,
    event_id INT NOT NULL,
    banner_type TEXT NOT NULL,
    title TEXT NOT NULL,
    image_url TEXT NOT NULL,
    link_url TEXT,
    items JSONB NOT NULL,
    total_amount BIGINT NOT NULL,
    status TEXT NOT NULL,
    holder UUID NOT NULL,
    locked_until TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_banner_applications_event ON banner_applications (event_id);
CREATE INDEX IF NOT EXISTS idx_banner_applications_holder ON banner_applications (holder);
CREATE UNIQUE INDEX IF NOT EXISTS idx_banner_applications_active ON banner_applications (event_id, banner_type) WHERE status IN ('HELD','SOLD');
CREATE INDEX IF NOT EXISTS idx_banner_slots_expiry ON banner_slots (locked_until) WHERE status = 'LOCKED';`

// InitPostgres opens an instrumented connection pool and ensures the schema.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	// Register the otelsql wrapper for postgres
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.ensureSchema(); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

func (p *Postgres) ensureSchema() error {
	if _, err := p.DB.ExecContext(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// GetSlot fetches the materialized slot for key, or nil when the key has
// never been written (implicitly available).
func (p *Postgres) GetSlot(ctx context.Context, key models.SlotKey) (*models.Slot, error) {
	row := p.DB.QueryRowContext(ctx,
		`SELECT banner_type, slot_date, priority, status, holder, locked_until
         FROM banner_slots
         WHERE banner_type = $1 AND slot_date = $2 AND priority = $3`,
		string(key.BannerType), key.Date, key.Priority)

	s, err := scanSlot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get slot %s: %w", key, err)
	}
	return s, nil
}

// ListSlots returns every materialized slot in the inclusive date span as a
// single consistent snapshot (one query).
func (p *Postgres) ListSlots(ctx context.Context, bt models.BannerType, from, to string) ([]models.Slot, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT banner_type, slot_date, priority, status, holder, locked_until
         FROM banner_slots
         WHERE banner_type = $1 AND slot_date BETWEEN $2 AND $3
         ORDER BY slot_date, priority`,
		string(bt), from, to)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// CompareAndLock is the sole acquisition primitive. The conditional upsert
// succeeds only from AVAILABLE, from an unmaterialized key, or over a lock
// whose deadline has already passed; concurrent callers race on the row and
// exactly one wins.
func (p *Postgres) CompareAndLock(ctx context.Context, key models.SlotKey, holder uuid.UUID, until time.Time) (bool, error) {
	res, err := p.DB.ExecContext(ctx,
		`INSERT INTO banner_slots (banner_type, slot_date, priority, status, holder, locked_until)
         VALUES ($1, $2, $3, 'LOCKED', $4, $5)
         ON CONFLICT (banner_type, slot_date, priority) DO UPDATE
         SET status = 'LOCKED', holder = EXCLUDED.holder, locked_until = EXCLUDED.locked_until, updated_at = NOW()
         WHERE banner_slots.status = 'AVAILABLE'
            OR (banner_slots.status = 'LOCKED' AND banner_slots.locked_until < NOW())`,
		string(key.BannerType), key.Date, key.Priority, holder, until)
	if err != nil {
		return false, fmt.Errorf("lock slot %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock slot %s: rows affected: %w", key, err)
	}
	return n == 1, nil
}

// Release reverts a lock still owned by holder. A no-op in any other state,
// so rollback and reaper passes may overlap safely.
func (p *Postgres) Release(ctx context.Context, key models.SlotKey, holder uuid.UUID) error {
	_, err := p.DB.ExecContext(ctx,
		`UPDATE banner_slots
         SET status = 'AVAILABLE', holder = NULL, locked_until = NULL, updated_at = NOW()
         WHERE banner_type = $1 AND slot_date = $2 AND priority = $3
           AND status = 'LOCKED' AND holder = $4`,
		string(key.BannerType), key.Date, key.Priority, holder)
	if err != nil {
		return fmt.Errorf("release slot %s: %w", key, err)
	}
	return nil
}

// MarkSold finalizes a live lock into a sale. The deadline check makes an
// expired hold fail distinctly even before the reaper has collected it.
func (p *Postgres) MarkSold(ctx context.Context, key models.SlotKey, holder uuid.UUID) error {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE banner_slots
         SET status = 'SOLD', updated_at = NOW()
         WHERE banner_type = $1 AND slot_date = $2 AND priority = $3
           AND status = 'LOCKED' AND holder = $4 AND locked_until >= NOW()`,
		string(key.BannerType), key.Date, key.Priority, holder)
	if err != nil {
		return fmt.Errorf("mark slot %s sold: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark slot %s sold: rows affected: %w", key, err)
	}
	if n == 0 {
		return models.ErrLockExpired
	}
	return nil
}

// RevertSold walks a partially finalized confirmation back: a SOLD slot
// still owned by holder returns to LOCKED under its original deadline.
func (p *Postgres) RevertSold(ctx context.Context, key models.SlotKey, holder uuid.UUID, until time.Time) error {
	_, err := p.DB.ExecContext(ctx,
		`UPDATE banner_slots
         SET status = 'LOCKED', locked_until = $5, updated_at = NOW()
         WHERE banner_type = $1 AND slot_date = $2 AND priority = $3
           AND status = 'SOLD' AND holder = $4`,
		string(key.BannerType), key.Date, key.Priority, holder, until)
	if err != nil {
		return fmt.Errorf("revert slot %s: %w", key, err)
	}
	return nil
}

// ListExpiredLocks returns up to limit lapsed holds for the reaper.
func (p *Postgres) ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]models.Slot, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT banner_type, slot_date, priority, status, holder, locked_until
         FROM banner_slots
         WHERE status = 'LOCKED' AND locked_until < $1
         ORDER BY locked_until
         LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired locks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired lock: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// InsertApplication persists an application and fills in its generated ID
// and creation time.
func (p *Postgres) InsertApplication(ctx context.Context, app *models.Application) error {
	items, err := json.Marshal(app.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	err = p.DB.QueryRowContext(ctx,
		`INSERT INTO banner_applications
            (event_id, banner_type, title, image_url, link_url, items, total_amount, status, holder, locked_until)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
         RETURNING id, created_at`,
		app.EventID, string(app.BannerType), app.Title, app.ImageURL, nullString(app.LinkURL),
		items, app.TotalAmount, string(app.Status), app.Holder, app.LockedUntil,
	).Scan(&app.ID, &app.CreatedAt)
	if err != nil {
		// The partial unique index on active applications catches the
		// race two concurrent submissions win against the pre-insert check.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return models.ErrDuplicateApplication
		}
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

// GetApplication retrieves an application by ID.
func (p *Postgres) GetApplication(ctx context.Context, id int) (*models.Application, error) {
	row := p.DB.QueryRowContext(ctx,
		`SELECT id, event_id, banner_type, title, image_url, link_url, items, total_amount, status, holder, locked_until, created_at
         FROM banner_applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get application %d: %w", id, err)
	}
	return app, nil
}

// ListApplicationsByEvent returns every application an event has submitted.
func (p *Postgres) ListApplicationsByEvent(ctx context.Context, eventID int) ([]models.Application, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, event_id, banner_type, title, image_url, link_url, items, total_amount, status, holder, locked_until, created_at
         FROM banner_applications WHERE event_id = $1 ORDER BY id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		out = append(out, *app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// UpdateApplicationStatus performs a guarded status transition.
func (p *Postgres) UpdateApplicationStatus(ctx context.Context, id int, from, to models.ApplicationStatus) error {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE banner_applications SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("update application %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update application %d: rows affected: %w", id, err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ExpireByHolder marks the HELD application owned by holder as EXPIRED.
func (p *Postgres) ExpireByHolder(ctx context.Context, holder uuid.UUID) error {
	_, err := p.DB.ExecContext(ctx,
		`UPDATE banner_applications SET status = 'EXPIRED' WHERE holder = $1 AND status = 'HELD'`,
		holder)
	if err != nil {
		return fmt.Errorf("expire applications for holder %s: %w", holder, err)
	}
	return nil
}

// HasActiveApplication reports whether the event already holds or has bought
// a banner of the given type.
func (p *Postgres) HasActiveApplication(ctx context.Context, eventID int, bt models.BannerType) (bool, error) {
	var exists bool
	err := p.DB.QueryRowContext(ctx,
		`SELECT EXISTS (
            SELECT 1 FROM banner_applications
            WHERE event_id = $1 AND banner_type = $2 AND status IN ('HELD','SOLD'))`,
		eventID, string(bt)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active application: %w", err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(r rowScanner) (*models.Slot, error) {
	var s models.Slot
	var bt string
	var date time.Time
	var status string
	var holder uuid.NullUUID
	var until sql.NullTime
	if err := r.Scan(&bt, &date, &s.Priority, &status, &holder, &until); err != nil {
		return nil, err
	}
	s.BannerType = models.BannerType(bt)
	s.SlotDate = date.Format(models.DateLayout)
	s.Status = models.SlotStatus(status)
	if holder.Valid {
		s.Holder = holder.UUID
	}
	if until.Valid {
		t := until.Time
		s.LockedUntil = &t
	}
	return &s, nil
}

func scanApplication(r rowScanner) (*models.Application, error) {
	var app models.Application
	var bt, status string
	var link sql.NullString
	var items []byte
	if err := r.Scan(&app.ID, &app.EventID, &bt, &app.Title, &app.ImageURL, &link,
		&items, &app.TotalAmount, &status, &app.Holder, &app.LockedUntil, &app.CreatedAt); err != nil {
		return nil, err
	}
	app.BannerType = models.BannerType(bt)
	app.Status = models.ApplicationStatus(status)
	if link.Valid {
		app.LinkURL = link.String
	}
	if err := json.Unmarshal(items, &app.Items); err != nil {
		return nil, fmt.Errorf("parse items: %w", err)
	}
	return &app, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
