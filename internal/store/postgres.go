package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/directory-cli/internal/db"
	"github.com/sells-group/directory-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	// postgis maintains a geometry column alongside lat/lon.
	postgis bool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, postgis bool) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, postgis: postgis}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id              BIGSERIAL PRIMARY KEY,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	locality        TEXT NOT NULL,
	category        TEXT NOT NULL DEFAULT '',
	subcategory     TEXT NOT NULL DEFAULT '',
	price           TEXT,
	schedule_day    TEXT,
	schedule_time   TEXT,
	lat             DOUBLE PRECISION,
	lon             DOUBLE PRECISION,
	parking         JSONB,
	nearby_stops    JSONB,
	place_id        TEXT,
	website         TEXT NOT NULL DEFAULT '',
	phone           TEXT NOT NULL DEFAULT '',
	active          BOOLEAN NOT NULL DEFAULT true,
	provenance      JSONB NOT NULL DEFAULT '{}'::jsonb,
	version         BIGINT NOT NULL DEFAULT 1,
	verified_at     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (normalized_name, locality)
);

CREATE TABLE IF NOT EXISTS enrich_attempts (
	entity_id    BIGINT NOT NULL REFERENCES entities(id),
	field_group  TEXT NOT NULL,
	state        TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	attempted_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_id, field_group)
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	groups       TEXT NOT NULL,
	status       TEXT NOT NULL,
	summary      JSONB,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_entities_locality ON entities(locality);
CREATE INDEX IF NOT EXISTS idx_entities_place_id ON entities(place_id);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
`

const postgisMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;
ALTER TABLE entities ADD COLUMN IF NOT EXISTS geom geometry(Point, 4326);
CREATE INDEX IF NOT EXISTS idx_entities_geom ON entities USING GIST (geom);
`

// Migrate creates the schema, plus the geometry column when PostGIS is enabled.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return classify(err, "postgres: migrate")
	}
	if s.postgis {
		if _, err := s.pool.Exec(ctx, postgisMigration); err != nil {
			return classify(err, "postgres: migrate postgis")
		}
	}
	return nil
}

// Ping checks the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return classify(s.pool.Ping(ctx), "postgres: ping")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// encodePoint returns the EWKB encoding of p with SRID 4326, or nil for no point.
func encodePoint(p *model.GeoPoint) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	g := geom.NewPointFlat(geom.XY, []float64{p.Lon, p.Lat}).SetSRID(4326)
	b, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: encode point")
	}
	return b, nil
}

// CreateEntity inserts e unless an entity with the same normalized name already exists
// in the locality. It returns the stored entity and whether it was created.
func (s *PostgresStore) CreateEntity(ctx context.Context, e *model.Entity) (*model.Entity, bool, error) {
	args, err := encodeEnrich(e)
	if err != nil {
		return nil, false, err
	}
	cols := append([]string{"name", "normalized_name", "locality"}, updateColumns...)
	cols = append(cols, "place_id", "website", "phone")
	vals := append([]any{e.Name, e.NormalizedName, e.Locality}, args.values()...)
	vals = append(vals, nullIfEmpty(e.PlaceID), e.Website, e.Phone)
	if s.postgis {
		pt, err := encodePoint(e.Geo)
		if err != nil {
			return nil, false, err
		}
		cols = append(cols, "geom")
		vals = append(vals, pt)
	}

	q, err := db.InsertSQL(db.InsertConfig{
		Table:        "entities",
		Columns:      cols,
		ConflictKeys: []string{"normalized_name", "locality"},
		Exprs:        map[string]string{"geom": "ST_GeomFromEWKB($%d)"},
	})
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: build insert entity")
	}
	tag, err := s.pool.Exec(ctx, q, vals...)
	if err != nil {
		return nil, false, classify(err, "postgres: insert entity")
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE normalized_name = $1 AND locality = $2`,
		e.NormalizedName, e.Locality,
	)
	stored, err := scanPostgresEntity(row)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// GetEntity returns the entity with the given ID.
func (s *PostgresStore) GetEntity(ctx context.Context, id int64) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	e, err := scanPostgresEntity(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %d", id)
	}
	return e, nil
}

// EntitiesInLocality returns the matching identity of every entity in the locality.
func (s *PostgresStore) EntitiesInLocality(ctx context.Context, locality string) ([]model.EntityRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, normalized_name, locality, lat, lon FROM entities WHERE locality = $1 ORDER BY id`,
		locality,
	)
	if err != nil {
		return nil, classify(err, "postgres: entities in locality")
	}
	defer rows.Close()

	var out []model.EntityRef
	for rows.Next() {
		var ref model.EntityRef
		var lat, lon *float64
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.NormalizedName, &ref.Locality, &lat, &lon); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity ref")
		}
		if lat != nil && lon != nil {
			ref.Geo = &model.GeoPoint{Lat: *lat, Lon: *lon}
		}
		out = append(out, ref)
	}
	return out, classify(rows.Err(), "postgres: iterate entity refs")
}

// UpdateEntity writes the enrichable fields of e if the stored version still equals
// e.Version, then bumps the version.
func (s *PostgresStore) UpdateEntity(ctx context.Context, e *model.Entity) error {
	args, err := encodeEnrich(e)
	if err != nil {
		return err
	}
	vals := args.values()
	sets := make([]string, 0, len(updateColumns)+4)
	for i, c := range updateColumns {
		sets = append(sets, c+" = "+postgresDialect.param(i+1))
	}
	if s.postgis {
		pt, err := encodePoint(e.Geo)
		if err != nil {
			return err
		}
		vals = append(vals, pt)
		sets = append(sets, "geom = ST_GeomFromEWKB("+postgresDialect.param(len(vals))+")")
	}
	vals = append(vals, e.VerifiedAt)
	sets = append(sets, "verified_at = "+postgresDialect.param(len(vals)), "version = version + 1", "updated_at = now()")
	vals = append(vals, e.ID, e.Version)

	q := `UPDATE entities SET ` + strings.Join(sets, ", ") +
		` WHERE id = ` + postgresDialect.param(len(vals)-1) + ` AND version = ` + postgresDialect.param(len(vals))
	tag, err := s.pool.Exec(ctx, q, vals...)
	if err != nil {
		return classify(err, "postgres: update entity")
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM entities WHERE id = $1`, e.ID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "postgres: entity %d", e.ID)
		}
		return eris.Wrapf(ErrVersionConflict, "postgres: entity %d version %d", e.ID, e.Version)
	}
	e.Version++
	return nil
}

// LinkPlace records the provider identity of an entity. Existing non-empty values win.
func (s *PostgresStore) LinkPlace(ctx context.Context, id int64, placeID, website, phone string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET
			place_id = COALESCE(NULLIF(place_id, ''), $1),
			website  = COALESCE(NULLIF(website, ''), $2),
			phone    = COALESCE(NULLIF(phone, ''), $3),
			updated_at = now()
		WHERE id = $4`,
		nullIfEmpty(placeID), website, phone, id,
	)
	if err != nil {
		return classify(err, "postgres: link place")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: entity %d", id)
	}
	return nil
}

// PendingEntities returns active entities with at least one pending group, lowest ID first.
func (s *PostgresStore) PendingEntities(ctx context.Context, f PendingFilter) ([]PendingEntity, error) {
	groups := f.Groups
	if len(groups) == 0 {
		groups = model.AllGroups
	}
	q, args := postgresDialect.pendingQuery(f, f.Cutoff)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err, "postgres: pending entities")
	}
	defer rows.Close()

	var out []PendingEntity
	for rows.Next() {
		var r entityRow
		var verifiedAt *time.Time
		var createdAt, updatedAt time.Time
		flags := make([]int, len(groups))
		dest := append(r.dests(), &verifiedAt, &createdAt, &updatedAt)
		for i := range flags {
			dest = append(dest, &flags[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending entity")
		}
		e, err := r.entity()
		if err != nil {
			return nil, err
		}
		e.VerifiedAt, e.CreatedAt, e.UpdatedAt = verifiedAt, createdAt, updatedAt

		pe := PendingEntity{Entity: *e}
		for i, g := range groups {
			if flags[i] == 1 {
				pe.Groups = append(pe.Groups, g)
			}
		}
		out = append(out, pe)
	}
	return out, classify(rows.Err(), "postgres: iterate pending entities")
}

// CountPending counts pending entities per group.
func (s *PostgresStore) CountPending(ctx context.Context, f PendingFilter) (map[model.FieldGroup]int, error) {
	groups := f.Groups
	if len(groups) == 0 {
		groups = model.AllGroups
	}
	out := make(map[model.FieldGroup]int, len(groups))
	for _, g := range groups {
		q, args := postgresDialect.countQuery(g, f, f.Cutoff)
		var n int
		if err := s.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
			return nil, classify(err, "postgres: count pending "+string(g))
		}
		out[g] = n
	}
	return out, nil
}

// RecordAttempt upserts the latest attempt for an (entity, group) pair.
func (s *PostgresStore) RecordAttempt(ctx context.Context, a Attempt) error {
	at := a.AttemptedAt
	if at.IsZero() {
		at = time.Now()
	}
	q, err := db.InsertSQL(db.InsertConfig{
		Table:        "enrich_attempts",
		Columns:      []string{"entity_id", "field_group", "state", "error", "attempted_at"},
		ConflictKeys: []string{"entity_id", "field_group"},
		UpdateCols:   []string{"state", "error", "attempted_at"},
	})
	if err != nil {
		return eris.Wrap(err, "postgres: build record attempt")
	}
	_, err = s.pool.Exec(ctx, q, a.EntityID, string(a.Group), string(a.State), a.Error, at.UTC())
	return classify(err, "postgres: record attempt")
}

// CreateRun inserts a running run record.
func (s *PostgresStore) CreateRun(ctx context.Context, groups []model.FieldGroup) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, groups, status, started_at) VALUES ($1, $2, $3, $4)`,
		id, encodeGroups(groups), string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, classify(err, "postgres: insert run")
	}
	return &model.Run{ID: id, Groups: groups, Status: model.RunStatusRunning, StartedAt: now}, nil
}

// CompleteRun stores the terminal status and summary of a run.
func (s *PostgresStore) CompleteRun(ctx context.Context, id string, status model.RunStatus, summary *model.RunSummary, errMsg string) error {
	var summaryJSON []byte
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal summary")
		}
		summaryJSON = b
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, summary = $2, error = $3, completed_at = now() WHERE id = $4`,
		string(status), summaryJSON, errMsg, id,
	)
	if err != nil {
		return classify(err, "postgres: complete run "+id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", id)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanPostgresRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return r, nil
}

// ListRuns returns the most recent runs first.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, classify(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, classify(rows.Err(), "postgres: iterate runs")
}

func scanPostgresEntity(row pgx.Row) (*model.Entity, error) {
	var r entityRow
	var verifiedAt *time.Time
	var createdAt, updatedAt time.Time
	if err := row.Scan(append(r.dests(), &verifiedAt, &createdAt, &updatedAt)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "postgres: scan entity")
		}
		return nil, classify(err, "postgres: scan entity")
	}
	e, err := r.entity()
	if err != nil {
		return nil, err
	}
	e.VerifiedAt, e.CreatedAt, e.UpdatedAt = verifiedAt, createdAt, updatedAt
	return e, nil
}

func scanPostgresRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var groups, status string
	var summary []byte
	if err := row.Scan(&r.ID, &groups, &status, &summary, &r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "postgres: scan run")
		}
		return nil, classify(err, "postgres: scan run")
	}
	r.Groups = decodeGroups(groups)
	r.Status = model.RunStatus(status)
	if len(summary) > 0 {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summary, r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	return &r, nil
}
