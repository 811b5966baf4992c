package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"autopit/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "autopit"
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	stmts, err := migrationStatements("postgres")
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// UpsertCar inserts or overwrites a car keyed by VIN.
func (s *Postgres) UpsertCar(ctx context.Context, car models.Car) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cars (vin, make, model, year, trim)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (vin) DO UPDATE SET make = EXCLUDED.make, model = EXCLUDED.model, year = EXCLUDED.year, trim = EXCLUDED.trim
	`, car.VIN, car.Make, car.Model, car.Year, emptyToNil(car.Trim))
	if err != nil {
		return fmt.Errorf("upsert car %s: %w", car.VIN, err)
	}
	return nil
}

// GetCar fetches a car by VIN.
func (s *Postgres) GetCar(ctx context.Context, vin string) (models.Car, error) {
	var car models.Car
	var trim pgtype.Text
	err := s.pool.QueryRow(ctx, `SELECT vin, make, model, year, trim FROM cars WHERE vin = $1`, vin).
		Scan(&car.VIN, &car.Make, &car.Model, &car.Year, &trim)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Car{}, fmt.Errorf("car %s: %w", vin, ErrNotFound)
	}
	if err != nil {
		return models.Car{}, fmt.Errorf("scan car: %w", err)
	}
	car.Trim = trim.String
	return car, nil
}

// UpsertServiceRequest inserts a request or overwrites its status and failure reason.
// The remaining columns are written once, at creation.
func (s *Postgres) UpsertServiceRequest(ctx context.Context, req models.ServiceRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_requests (id, vin, concern, priority, created_at, status, failure_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, failure_reason = EXCLUDED.failure_reason, updated_at = NOW()
	`, req.ID.String(), req.VIN, req.Concern, req.Priority, req.CreatedUTC, int(req.Status), emptyToNil(req.FailureReason))
	if err != nil {
		return fmt.Errorf("upsert service request %s: %w", req.ID, err)
	}
	return nil
}

const requestColumns = `id::text, vin, concern, priority, created_at, status, failure_reason`

// GetServiceRequest fetches a request by id.
func (s *Postgres) GetServiceRequest(ctx context.Context, id uuid.UUID) (models.ServiceRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, id.String())
	req, err := scanPostgresRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ServiceRequest{}, fmt.Errorf("service request %s: %w", id, ErrNotFound)
	}
	return req, err
}

// SaveOrder inserts or overwrites the order for a request.
func (s *Postgres) SaveOrder(ctx context.Context, order models.ServiceOrder) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_orders (request_id, technician, findings, estimated_cost, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO UPDATE SET technician = EXCLUDED.technician, findings = EXCLUDED.findings,
			estimated_cost = EXCLUDED.estimated_cost, completed_at = EXCLUDED.completed_at
	`, order.RequestID.String(), order.Technician, order.Findings, order.EstimatedCost, order.CompletedUTC)
	if err != nil {
		return fmt.Errorf("save order %s: %w", order.RequestID, err)
	}
	return nil
}

// GetOrder fetches the order for a request.
func (s *Postgres) GetOrder(ctx context.Context, requestID uuid.UUID) (models.ServiceOrder, error) {
	var order models.ServiceOrder
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT request_id::text, technician, findings, estimated_cost::float8, completed_at
		FROM service_orders WHERE request_id = $1
	`, requestID.String()).Scan(&id, &order.Technician, &order.Findings, &order.EstimatedCost, &order.CompletedUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ServiceOrder{}, fmt.Errorf("order %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return models.ServiceOrder{}, fmt.Errorf("scan order: %w", err)
	}
	if order.RequestID, err = uuid.Parse(id); err != nil {
		return models.ServiceOrder{}, fmt.Errorf("parse order id: %w", err)
	}
	order.CompletedUTC = order.CompletedUTC.UTC()
	return order, nil
}

// ListQueuedRequests returns Queued requests by priority desc, creation asc.
func (s *Postgres) ListQueuedRequests(ctx context.Context) ([]models.ServiceRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM service_requests
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC
	`, int(models.StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("query queued requests: %w", err)
	}
	return collectPostgresRequests(rows)
}

// ListStaleRequests returns requests in status not updated since updatedBefore.
func (s *Postgres) ListStaleRequests(ctx context.Context, status models.Status, updatedBefore time.Time) ([]models.ServiceRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM service_requests
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
	`, int(status), updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("query stale requests: %w", err)
	}
	return collectPostgresRequests(rows)
}

func collectPostgresRequests(rows pgx.Rows) ([]models.ServiceRequest, error) {
	defer rows.Close()
	var out []models.ServiceRequest
	for rows.Next() {
		req, err := scanPostgresRequest(rows)
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

func scanPostgresRequest(row pgx.Row) (models.ServiceRequest, error) {
	var req models.ServiceRequest
	var id string
	var status int
	var reason pgtype.Text
	if err := row.Scan(&id, &req.VIN, &req.Concern, &req.Priority, &req.CreatedUTC, &status, &reason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ServiceRequest{}, err
		}
		return models.ServiceRequest{}, fmt.Errorf("scan service request: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return models.ServiceRequest{}, fmt.Errorf("parse request id: %w", err)
	}
	req.ID = parsed
	req.CreatedUTC = req.CreatedUTC.UTC()
	req.Status = models.Status(status)
	req.FailureReason = reason.String
	return req, nil
}
