package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/directory-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	locality        TEXT NOT NULL,
	category        TEXT NOT NULL DEFAULT '',
	subcategory     TEXT NOT NULL DEFAULT '',
	price           TEXT,
	schedule_day    TEXT,
	schedule_time   TEXT,
	lat             REAL,
	lon             REAL,
	parking         TEXT,
	nearby_stops    TEXT,
	place_id        TEXT,
	website         TEXT NOT NULL DEFAULT '',
	phone           TEXT NOT NULL DEFAULT '',
	active          INTEGER NOT NULL DEFAULT 1,
	provenance      TEXT NOT NULL DEFAULT '{}',
	version         INTEGER NOT NULL DEFAULT 1,
	verified_at     TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE (normalized_name, locality)
);

CREATE TABLE IF NOT EXISTS enrich_attempts (
	entity_id    INTEGER NOT NULL REFERENCES entities(id),
	field_group  TEXT NOT NULL,
	state        TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	attempted_at TEXT NOT NULL,
	PRIMARY KEY (entity_id, field_group)
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	groups       TEXT NOT NULL,
	status       TEXT NOT NULL,
	summary      TEXT,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TEXT NOT NULL,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_entities_locality ON entities(locality);
CREATE INDEX IF NOT EXISTS idx_entities_place_id ON entities(place_id);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return classify(err, "sqlite: migrate")
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateEntity inserts e unless an entity with the same normalized name already exists
// in the locality. It returns the stored entity and whether it was created.
func (s *SQLiteStore) CreateEntity(ctx context.Context, e *model.Entity) (*model.Entity, bool, error) {
	now := formatTS(time.Now())
	args, err := encodeEnrich(e)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (name, normalized_name, locality, `+strings.Join(updateColumns, ", ")+`,
			place_id, website, phone, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (normalized_name, locality) DO NOTHING`,
		append(append([]any{e.Name, e.NormalizedName, e.Locality}, args.values()...),
			nullIfEmpty(e.PlaceID), e.Website, e.Phone, now, now)...,
	)
	if err != nil {
		return nil, false, classify(err, "sqlite: insert entity")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE normalized_name = ? AND locality = ?`,
		e.NormalizedName, e.Locality,
	)
	stored, err := scanSQLiteEntity(row)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

// GetEntity returns the entity with the given ID.
func (s *SQLiteStore) GetEntity(ctx context.Context, id int64) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanSQLiteEntity(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %d", id)
	}
	return e, nil
}

// EntitiesInLocality returns the matching identity of every entity in the locality,
// inactive ones included so soft-deleted places are not re-created.
func (s *SQLiteStore) EntitiesInLocality(ctx context.Context, locality string) ([]model.EntityRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, normalized_name, locality, lat, lon FROM entities WHERE locality = ? ORDER BY id`,
		locality,
	)
	if err != nil {
		return nil, classify(err, "sqlite: entities in locality")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.EntityRef
	for rows.Next() {
		var ref model.EntityRef
		var lat, lon *float64
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.NormalizedName, &ref.Locality, &lat, &lon); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity ref")
		}
		if lat != nil && lon != nil {
			ref.Geo = &model.GeoPoint{Lat: *lat, Lon: *lon}
		}
		out = append(out, ref)
	}
	return out, classify(rows.Err(), "sqlite: iterate entity refs")
}

// UpdateEntity writes the enrichable fields of e if the stored version still equals
// e.Version, then bumps the version. It returns ErrVersionConflict otherwise.
func (s *SQLiteStore) UpdateEntity(ctx context.Context, e *model.Entity) error {
	args, err := encodeEnrich(e)
	if err != nil {
		return err
	}
	sets := make([]string, len(updateColumns))
	for i, c := range updateColumns {
		sets[i] = c + " = ?"
	}
	var verified *string
	if e.VerifiedAt != nil {
		v := formatTS(*e.VerifiedAt)
		verified = &v
	}

	q := `UPDATE entities SET ` + strings.Join(sets, ", ") +
		`, verified_at = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`
	vals := append(args.values(), verified, formatTS(time.Now()), e.ID, e.Version)

	res, err := s.db.ExecContext(ctx, q, vals...)
	if err != nil {
		return classify(err, "sqlite: update entity")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE id = ?`, e.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "sqlite: entity %d", e.ID)
		}
		return eris.Wrapf(ErrVersionConflict, "sqlite: entity %d version %d", e.ID, e.Version)
	}
	e.Version++
	return nil
}

// LinkPlace records the provider identity of an entity. Existing non-empty values win.
func (s *SQLiteStore) LinkPlace(ctx context.Context, id int64, placeID, website, phone string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET
			place_id = COALESCE(NULLIF(place_id, ''), ?),
			website  = COALESCE(NULLIF(website, ''), ?),
			phone    = COALESCE(NULLIF(phone, ''), ?),
			updated_at = ?
		WHERE id = ?`,
		nullIfEmpty(placeID), website, phone, formatTS(time.Now()), id,
	)
	if err != nil {
		return classify(err, "sqlite: link place")
	}
	return checkRowsAffected(res, "entity", id)
}

// PendingEntities returns active entities with at least one pending group, lowest ID first.
func (s *SQLiteStore) PendingEntities(ctx context.Context, f PendingFilter) ([]PendingEntity, error) {
	groups := f.Groups
	if len(groups) == 0 {
		groups = model.AllGroups
	}
	q, args := sqliteDialect.pendingQuery(f, formatTS(f.Cutoff))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err, "sqlite: pending entities")
	}
	defer rows.Close() //nolint:errcheck

	var out []PendingEntity
	for rows.Next() {
		var r entityRow
		var verifiedAt *string
		var createdAt, updatedAt string
		flags := make([]int, len(groups))
		dest := append(r.dests(), &verifiedAt, &createdAt, &updatedAt)
		for i := range flags {
			dest = append(dest, &flags[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending entity")
		}
		e, err := finishSQLiteEntity(&r, verifiedAt, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		pe := PendingEntity{Entity: *e}
		for i, g := range groups {
			if flags[i] == 1 {
				pe.Groups = append(pe.Groups, g)
			}
		}
		out = append(out, pe)
	}
	return out, classify(rows.Err(), "sqlite: iterate pending entities")
}

// CountPending counts pending entities per group.
func (s *SQLiteStore) CountPending(ctx context.Context, f PendingFilter) (map[model.FieldGroup]int, error) {
	groups := f.Groups
	if len(groups) == 0 {
		groups = model.AllGroups
	}
	out := make(map[model.FieldGroup]int, len(groups))
	for _, g := range groups {
		q, args := sqliteDialect.countQuery(g, f, formatTS(f.Cutoff))
		var n int
		if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
			return nil, classify(err, "sqlite: count pending "+string(g))
		}
		out[g] = n
	}
	return out, nil
}

// RecordAttempt upserts the latest attempt for an (entity, group) pair.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, a Attempt) error {
	at := a.AttemptedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrich_attempts (entity_id, field_group, state, error, attempted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, field_group) DO UPDATE SET
			state = excluded.state, error = excluded.error, attempted_at = excluded.attempted_at`,
		a.EntityID, string(a.Group), string(a.State), a.Error, formatTS(at),
	)
	return classify(err, "sqlite: record attempt")
}

// CreateRun inserts a running run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, groups []model.FieldGroup) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, groups, status, started_at) VALUES (?, ?, ?, ?)`,
		id, encodeGroups(groups), string(model.RunStatusRunning), formatTS(now),
	)
	if err != nil {
		return nil, classify(err, "sqlite: insert run")
	}
	return &model.Run{ID: id, Groups: groups, Status: model.RunStatusRunning, StartedAt: now}, nil
}

// CompleteRun stores the terminal status and summary of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status model.RunStatus, summary *model.RunSummary, errMsg string) error {
	var summaryJSON *string
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal summary")
		}
		s := string(b)
		summaryJSON = &s
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), summaryJSON, errMsg, formatTS(time.Now()), id,
	)
	if err != nil {
		return classify(err, "sqlite: complete run "+id)
	}
	return checkRowsAffected(res, "run", id)
}

const runColumns = `id, groups, status, summary, error, started_at, completed_at`

// GetRun returns a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanSQLiteRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	return r, nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, classify(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, classify(rows.Err(), "sqlite: iterate runs")
}

func checkRowsAffected(res sql.Result, entity string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %v", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteEntity(row scannable) (*model.Entity, error) {
	var r entityRow
	var verifiedAt *string
	var createdAt, updatedAt string
	if err := row.Scan(append(r.dests(), &verifiedAt, &createdAt, &updatedAt)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "sqlite: scan entity")
		}
		return nil, classify(err, "sqlite: scan entity")
	}
	return finishSQLiteEntity(&r, verifiedAt, createdAt, updatedAt)
}

func finishSQLiteEntity(r *entityRow, verifiedAt *string, createdAt, updatedAt string) (*model.Entity, error) {
	e, err := r.entity()
	if err != nil {
		return nil, err
	}
	if verifiedAt != nil {
		t, err := parseTS(*verifiedAt)
		if err != nil {
			return nil, err
		}
		e.VerifiedAt = &t
	}
	if e.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	return e, nil
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var groups, status, startedAt string
	var summary, completedAt *string
	if err := row.Scan(&r.ID, &groups, &status, &summary, &r.Error, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "sqlite: scan run")
		}
		return nil, classify(err, "sqlite: scan run")
	}
	r.Groups = decodeGroups(groups)
	r.Status = model.RunStatus(status)
	t, err := parseTS(startedAt)
	if err != nil {
		return nil, err
	}
	r.StartedAt = t
	if completedAt != nil {
		t, err := parseTS(*completedAt)
		if err != nil {
			return nil, err
		}
		r.CompletedAt = &t
	}
	if summary != nil {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(*summary), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	return &r, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
