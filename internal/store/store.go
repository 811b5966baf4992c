package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"autopit/internal/config"
	"autopit/internal/models"
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("not found")

//go:embed migrations
var migrationFiles embed.FS

// Store is the system of record for cars, service requests, and orders.
// Upserts are keyed by identity and last write wins.
type Store interface {
	UpsertCar(ctx context.Context, car models.Car) error
	GetCar(ctx context.Context, vin string) (models.Car, error)
	UpsertServiceRequest(ctx context.Context, req models.ServiceRequest) error
	GetServiceRequest(ctx context.Context, id uuid.UUID) (models.ServiceRequest, error)
	SaveOrder(ctx context.Context, order models.ServiceOrder) error
	GetOrder(ctx context.Context, requestID uuid.UUID) (models.ServiceOrder, error)
	// ListQueuedRequests returns Queued requests, highest priority first, oldest first within a priority.
	ListQueuedRequests(ctx context.Context) ([]models.ServiceRequest, error)
	// ListStaleRequests returns requests in status whose last update is older than updatedBefore.
	ListStaleRequests(ctx context.Context, status models.Status, updatedBefore time.Time) ([]models.ServiceRequest, error)
	Close() error
}

// Open connects the backend named by cfg.StoreBackend and applies migrations.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case config.StoreSQLite, "":
		lite, err := NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := lite.RunMigrations(ctx); err != nil {
			_ = lite.Close()
			return nil, err
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// migrationStatements reads the embedded migrations for dialect in file order and
// splits them into single statements.
func migrationStatements(dialect string) ([]string, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := migrationFiles.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		for _, stmt := range strings.Split(string(content), ";") {
			if stmt = strings.TrimSpace(stmt); stmt != "" {
				out = append(out, stmt)
			}
		}
	}
	return out, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
