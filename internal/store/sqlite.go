package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"autopit/internal/models"
)

// SQLite persists to an embedded database file. Timestamps are stored as unix
// nanoseconds so that ORDER BY on them is chronological.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time keeps SQLITE_BUSY out of the upsert paths.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	stmts, err := migrationStatements("sqlite")
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *SQLite) UpsertCar(ctx context.Context, car models.Car) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cars (vin, make, model, year, trim) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (vin) DO UPDATE SET make = excluded.make, model = excluded.model, year = excluded.year, trim = excluded.trim
	`, car.VIN, car.Make, car.Model, car.Year, emptyToNil(car.Trim))
	if err != nil {
		return fmt.Errorf("upsert car %s: %w", car.VIN, err)
	}
	return nil
}

func (s *SQLite) GetCar(ctx context.Context, vin string) (models.Car, error) {
	var car models.Car
	var trim sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT vin, make, model, year, trim FROM cars WHERE vin = ?`, vin).
		Scan(&car.VIN, &car.Make, &car.Model, &car.Year, &trim)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Car{}, fmt.Errorf("car %s: %w", vin, ErrNotFound)
	}
	if err != nil {
		return models.Car{}, fmt.Errorf("scan car: %w", err)
	}
	car.Trim = trim.String
	return car, nil
}

func (s *SQLite) UpsertServiceRequest(ctx context.Context, req models.ServiceRequest) error {
	now := time.Now().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_requests (id, vin, concern, priority, created_at, status, failure_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, failure_reason = excluded.failure_reason, updated_at = excluded.updated_at
	`, req.ID.String(), req.VIN, req.Concern, req.Priority, req.CreatedUTC.UTC().UnixNano(), int(req.Status), emptyToNil(req.FailureReason), now)
	if err != nil {
		return fmt.Errorf("upsert service request %s: %w", req.ID, err)
	}
	return nil
}

const sqliteRequestColumns = `id, vin, concern, priority, created_at, status, failure_reason`

func (s *SQLite) GetServiceRequest(ctx context.Context, id uuid.UUID) (models.ServiceRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRequestColumns+` FROM service_requests WHERE id = ?`, id.String())
	req, err := scanSQLiteRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ServiceRequest{}, fmt.Errorf("service request %s: %w", id, ErrNotFound)
	}
	return req, err
}

func (s *SQLite) SaveOrder(ctx context.Context, order models.ServiceOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_orders (request_id, technician, findings, estimated_cost, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE SET technician = excluded.technician, findings = excluded.findings,
			estimated_cost = excluded.estimated_cost, completed_at = excluded.completed_at
	`, order.RequestID.String(), order.Technician, order.Findings, order.EstimatedCost, order.CompletedUTC.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save order %s: %w", order.RequestID, err)
	}
	return nil
}

func (s *SQLite) GetOrder(ctx context.Context, requestID uuid.UUID) (models.ServiceOrder, error) {
	var order models.ServiceOrder
	var id string
	var completed int64
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, technician, findings, estimated_cost, completed_at
		FROM service_orders WHERE request_id = ?
	`, requestID.String()).Scan(&id, &order.Technician, &order.Findings, &order.EstimatedCost, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ServiceOrder{}, fmt.Errorf("order %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return models.ServiceOrder{}, fmt.Errorf("scan order: %w", err)
	}
	if order.RequestID, err = uuid.Parse(id); err != nil {
		return models.ServiceOrder{}, fmt.Errorf("parse order id: %w", err)
	}
	order.CompletedUTC = time.Unix(0, completed).UTC()
	return order, nil
}

func (s *SQLite) ListQueuedRequests(ctx context.Context) ([]models.ServiceRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteRequestColumns+` FROM service_requests
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC
	`, int(models.StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("query queued requests: %w", err)
	}
	return collectSQLiteRequests(rows)
}

func (s *SQLite) ListStaleRequests(ctx context.Context, status models.Status, updatedBefore time.Time) ([]models.ServiceRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteRequestColumns+` FROM service_requests
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
	`, int(status), updatedBefore.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query stale requests: %w", err)
	}
	return collectSQLiteRequests(rows)
}

func collectSQLiteRequests(rows *sql.Rows) ([]models.ServiceRequest, error) {
	defer rows.Close()
	var out []models.ServiceRequest
	for rows.Next() {
		req, err := scanSQLiteRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRequest(row rowScanner) (models.ServiceRequest, error) {
	var req models.ServiceRequest
	var id string
	var created int64
	var status int
	var reason sql.NullString
	if err := row.Scan(&id, &req.VIN, &req.Concern, &req.Priority, &created, &status, &reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ServiceRequest{}, err
		}
		return models.ServiceRequest{}, fmt.Errorf("scan service request: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return models.ServiceRequest{}, fmt.Errorf("parse request id: %w", err)
	}
	req.ID = parsed
	req.CreatedUTC = time.Unix(0, created).UTC()
	req.Status = models.Status(status)
	req.FailureReason = reason.String
	return req, nil
}
