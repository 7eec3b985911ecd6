package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver.
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"gttdesk/internal/domain"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on SQLite or PostgreSQL. Plans are stored as a
// JSON snapshot next to a few indexed columns; events get one row each.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens the database and creates the tables if needed. Both
// drivers accept $N placeholders, so the statements are shared.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s storage needs a data source", driver)
	}
	if driver == DriverSQLite && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s store: %w", driver, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	eventKey := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		eventKey = "id BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plans (
			id         TEXT PRIMARY KEY,
			symbol     TEXT NOT NULL,
			side       TEXT NOT NULL,
			snapshot   TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plan_events (
			` + eventKey + `,
			plan_id  TEXT NOT NULL,
			at       BIGINT NOT NULL,
			type     TEXT NOT NULL,
			op       TEXT NOT NULL,
			layer    TEXT NOT NULL,
			from_st  TEXT NOT NULL,
			to_st    TEXT NOT NULL,
			alert_id TEXT NOT NULL,
			quantity BIGINT NOT NULL,
			detail   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS plan_events_plan ON plan_events (plan_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// PlanStore implementation
// ---------------------------------------------------------------------------

// SavePlan upserts the plan snapshot.
func (s *SQLStore) SavePlan(ctx context.Context, p *domain.Plan) error {
	snap, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding plan %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, symbol, side, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			symbol = excluded.symbol,
			side = excluded.side,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		p.ID, p.Symbol, string(p.Side), string(snap),
		p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("saving plan %s: %w", p.ID, err)
	}
	return nil
}

// GetPlan retrieves a plan snapshot by ID.
func (s *SQLStore) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	var snap string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM plans WHERE id = $1`, id).Scan(&snap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading plan %s: %w", id, err)
	}
	return decodePlan(snap)
}

// ListPlans returns every plan, oldest first.
func (s *SQLStore) ListPlans(ctx context.Context) ([]*domain.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot FROM plans ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	defer rows.Close()

	var out []*domain.Plan
	for rows.Next() {
		var snap string
		if err := rows.Scan(&snap); err != nil {
			return nil, err
		}
		p, err := decodePlan(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePlan removes a plan snapshot.
func (s *SQLStore) DeletePlan(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting plan %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return nil
}

func decodePlan(snap string) (*domain.Plan, error) {
	var p domain.Plan
	if err := json.Unmarshal([]byte(snap), &p); err != nil {
		return nil, fmt.Errorf("decoding plan snapshot: %w", err)
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// Journal implementation
// ---------------------------------------------------------------------------

// Append inserts events in one transaction.
func (s *SQLStore) Append(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO plan_events (plan_id, at, type, op, layer, from_st, to_st, alert_id, quantity, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.PlanID, ev.Time.UnixNano(), string(ev.Type), ev.Op,
			ev.Layer, string(ev.From), string(ev.To), ev.AlertID, ev.Quantity, ev.Detail); err != nil {
			return fmt.Errorf("appending event for plan %s: %w", ev.PlanID, err)
		}
	}
	return tx.Commit()
}

// Events returns a plan's events in insertion order.
func (s *SQLStore) Events(ctx context.Context, planID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT at, type, op, layer, from_st, to_st, alert_id, quantity, detail
		FROM plan_events WHERE plan_id = $1 ORDER BY id`, planID)
	if err != nil {
		return nil, fmt.Errorf("reading journal of %s: %w", planID, err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			at            int64
			typ, from, to string
		)
		ev := domain.Event{PlanID: planID}
		if err := rows.Scan(&at, &typ, &ev.Op, &ev.Layer, &from, &to, &ev.AlertID, &ev.Quantity, &ev.Detail); err != nil {
			return nil, err
		}
		ev.Time = time.Unix(0, at).UTC()
		ev.Type = domain.EventType(typ)
		ev.From = domain.LayerStatus(from)
		ev.To = domain.LayerStatus(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}
