package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/directory-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

// anyArgs matches n arguments of any value.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

var entityColumnNames = []string{
	"id", "name", "normalized_name", "locality", "category", "subcategory", "price",
	"schedule_day", "schedule_time", "lat", "lon", "parking", "nearby_stops", "place_id",
	"website", "phone", "active", "provenance", "version", "verified_at", "created_at", "updated_at",
}

func entityValues(id int64, name string, version int64) []any {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []any{
		id, name, name, "Leeds", "", "", nil,
		nil, nil, nil, nil, nil, nil, nil,
		"", "", true, `{}`, version, nil, now, now,
	}
}

func TestPostgresStore_GetEntity(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	vals := entityValues(7, "tots ballet", 3)
	price := "£8.50"
	vals[6] = &price
	vals[17] = `{"price":{"extractor_id":"pricing.editorial","confidence":0.8,"verified":true,"set_at":"2026-01-02T03:04:05Z"}}`

	mock.ExpectQuery(`(?s)SELECT id, name, normalized_name, locality.* FROM entities WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(entityColumnNames).AddRow(vals...))

	e, err := s.GetEntity(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "tots ballet", e.Name)
	assert.Equal(t, int64(3), e.Version)
	require.NotNil(t, e.Price)
	assert.Equal(t, "£8.50", *e.Price)
	assert.True(t, e.Provenance[model.FieldPrice].Verified)
	assert.Nil(t, e.Schedule)
	assert.Nil(t, e.Geo)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEntity_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM entities WHERE id = \$1`).
		WithArgs(int64(404)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetEntity(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "get entity")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateEntity(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO "entities" .* ON CONFLICT \("normalized_name", "locality"\) DO NOTHING`).
		WithArgs(anyArgs(16)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`FROM entities WHERE normalized_name = \$1 AND locality = \$2`).
		WithArgs("tots ballet", "Leeds").
		WillReturnRows(pgxmock.NewRows(entityColumnNames).AddRow(entityValues(1, "tots ballet", 1)...))

	e, created, err := s.CreateEntity(context.Background(), newEntity("tots ballet", "Leeds"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), e.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateEntity_Existing(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	s.postgis = true

	mock.ExpectExec(`INSERT INTO "entities" .*"geom"\) VALUES \(.*ST_GeomFromEWKB\(\$17\)\) ON CONFLICT`).
		WithArgs(anyArgs(17)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`FROM entities WHERE normalized_name = \$1`).
		WithArgs("tots ballet", "Leeds").
		WillReturnRows(pgxmock.NewRows(entityColumnNames).AddRow(entityValues(9, "tots ballet", 4)...))

	e := newEntity("tots ballet", "Leeds")
	e.Geo = &model.GeoPoint{Lat: 53.8, Lon: -1.55}
	stored, created, err := s.CreateEntity(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(9), stored.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEntity(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE entities SET category = \$1, .* verified_at = \$11, version = version \+ 1, updated_at = now\(\) WHERE id = \$12 AND version = \$13`).
		WithArgs(append(anyArgs(11), int64(5), int64(2))...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	e := &model.Entity{ID: 5, Version: 2, Category: "Sport"}
	require.NoError(t, s.UpdateEntity(context.Background(), e))
	assert.Equal(t, int64(3), e.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEntity_PostGIS(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	s.postgis = true

	mock.ExpectExec(`geom = ST_GeomFromEWKB\(\$11\), verified_at = \$12, .* WHERE id = \$13 AND version = \$14`).
		WithArgs(append(anyArgs(12), int64(5), int64(1))...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	e := &model.Entity{ID: 5, Version: 1, Geo: &model.GeoPoint{Lat: 51.5, Lon: -0.12}}
	require.NoError(t, s.UpdateEntity(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEntity_VersionConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE entities SET`).
		WithArgs(append(anyArgs(11), int64(5), int64(1))...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM entities WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(1))

	e := &model.Entity{ID: 5, Version: 1}
	err := s.UpdateEntity(context.Background(), e)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.Equal(t, int64(1), e.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEntity_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE entities SET`).
		WithArgs(append(anyArgs(11), int64(5), int64(1))...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM entities WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnError(pgx.ErrNoRows)

	err := s.UpdateEntity(context.Background(), &model.Entity{ID: 5, Version: 1})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordAttempt(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO "enrich_attempts" .* ON CONFLICT \("entity_id", "field_group"\) DO UPDATE SET "state" = EXCLUDED."state"`).
		WithArgs(int64(3), "pricing", "failed", "boom", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordAttempt(context.Background(), Attempt{
		EntityID: 3, Group: model.GroupPricing, State: model.TaskFailed, Error: "boom", AttemptedAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PendingEntities(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cutoff := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cols := append(append([]string{}, entityColumnNames...), "pending_pricing", "pending_transport")
	vals := append(entityValues(2, "fresh", 1), 1, 0)

	mock.ExpectQuery(`SELECT e.id, .* FROM entities e WHERE e.active AND e.locality = \$3 AND .* ORDER BY e.id LIMIT \$6`).
		WithArgs(cutoff, cutoff, "Leeds", cutoff, cutoff, 10).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(vals...))

	pending, err := s.PendingEntities(context.Background(), PendingFilter{
		Groups:   []model.FieldGroup{model.GroupPricing, model.GroupTransport},
		Cutoff:   cutoff,
		Locality: "Leeds",
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].Entity.ID)
	assert.Equal(t, []model.FieldGroup{model.GroupPricing}, pending[0].Groups)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1`).
		WithArgs("converged", pgxmock.AnyArg(), "", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), "missing", model.RunStatusConverged, &model.RunSummary{}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	started := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	completed := started.Add(time.Minute)
	mock.ExpectQuery(`SELECT id, groups, status, summary, error, started_at, completed_at FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "groups", "status", "summary", "error", "started_at", "completed_at"}).
			AddRow("run-1", "pricing,schedule", "converged", []byte(`{"processed":4,"cycles":2}`), "", started, &completed))

	r, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusConverged, r.Status)
	assert.Equal(t, []model.FieldGroup{model.GroupPricing, model.GroupSchedule}, r.Groups)
	require.NotNil(t, r.Summary)
	assert.Equal(t, int64(4), r.Summary.Processed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_PostGIS(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	s.postgis = true

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS entities`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS postgis`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping_Unavailable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectPing().WillReturnError(errors.New("read tcp: connection reset by peer"))

	err := s.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncodePoint(t *testing.T) {
	b, err := encodePoint(nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = encodePoint(&model.GeoPoint{Lat: 53.8, Lon: -1.55})
	require.NoError(t, err)
	g, err := ewkb.Unmarshal(b)
	require.NoError(t, err)
	pt, ok := g.(*geom.Point)
	require.True(t, ok)
	assert.Equal(t, 4326, pt.SRID())
	assert.InDelta(t, -1.55, pt.X(), 1e-9)
	assert.InDelta(t, 53.8, pt.Y(), 1e-9)
}
