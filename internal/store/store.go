// Package store persists directory entities, enrichment attempts, and run records.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/directory-cli/internal/config"
	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/resilience"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict is returned by UpdateEntity when the row changed since it was read.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrUnavailable marks connection-level failures. A run cannot continue past one.
	ErrUnavailable = errors.New("store: unavailable")
)

// PendingFilter selects entities that still need enrichment.
type PendingFilter struct {
	Groups []model.FieldGroup
	// Cutoff hides (entity, group) pairs attempted after this instant.
	Cutoff   time.Time
	Locality string
	Limit    int
}

// PendingEntity is an entity together with the field groups it still needs.
type PendingEntity struct {
	Entity model.Entity
	Groups []model.FieldGroup
}

// Attempt records that an (entity, group) task was tried. Only the latest attempt per
// pair is kept; it acts as a cooldown marker, not a queue.
type Attempt struct {
	EntityID    int64
	Group       model.FieldGroup
	State       model.TaskState
	Error       string
	AttemptedAt time.Time
}

// Store defines the persistence interface for the enrichment pipeline.
type Store interface {
	// Entities
	CreateEntity(ctx context.Context, e *model.Entity) (*model.Entity, bool, error)
	GetEntity(ctx context.Context, id int64) (*model.Entity, error)
	EntitiesInLocality(ctx context.Context, locality string) ([]model.EntityRef, error)
	UpdateEntity(ctx context.Context, e *model.Entity) error
	LinkPlace(ctx context.Context, id int64, placeID, website, phone string) error

	// Enrichment backlog
	PendingEntities(ctx context.Context, f PendingFilter) ([]PendingEntity, error)
	CountPending(ctx context.Context, f PendingFilter) (map[model.FieldGroup]int, error)
	RecordAttempt(ctx context.Context, a Attempt) error

	// Runs
	CreateRun(ctx context.Context, groups []model.FieldGroup) (*model.Run, error)
	CompleteRun(ctx context.Context, id string, status model.RunStatus, summary *model.RunSummary, errMsg string) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns}, cfg.PostGIS)
	case "sqlite", "":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "directory.db"
		}
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// IsUnavailable reports whether err is a connection-level store failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// classify wraps err with ErrUnavailable when the database itself is unreachable.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return eris.Wrap(err, msg)
	}
	var connErr *pgconn.ConnectError
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.As(err, &connErr) || resilience.IsTransient(err) {
		return eris.Wrap(fmt.Errorf("%w: %w", ErrUnavailable, err), msg)
	}
	return eris.Wrap(err, msg)
}
