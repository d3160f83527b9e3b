package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// InsertConfig describes a single-row insert guarded by a unique constraint.
type InsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // inserted columns, bound as $1..$n in order
	ConflictKeys []string // columns forming the unique constraint
	// UpdateCols are overwritten on conflict. Empty means DO NOTHING.
	UpdateCols []string
	// Exprs overrides the bind placeholder of a column, e.g. "ST_GeomFromEWKB($%d)".
	// The expression receives the column's parameter index.
	Exprs map[string]string
	// Returning columns, if any.
	Returning []string
}

// InsertSQL builds INSERT ... ON CONFLICT (...) DO NOTHING|DO UPDATE SET ... .
func InsertSQL(cfg InsertConfig) (string, error) {
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: insert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: insert: no conflict keys specified")
	}

	params := make([]string, len(cfg.Columns))
	for i, c := range cfg.Columns {
		if expr, ok := cfg.Exprs[c]; ok {
			params[i] = fmt.Sprintf(expr, i+1)
			continue
		}
		params[i] = fmt.Sprintf("$%d", i+1)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(params, ", "),
		quoteAndJoin(cfg.ConflictKeys),
	)
	if len(cfg.UpdateCols) == 0 {
		sb.WriteString("DO NOTHING")
	} else {
		sets := make([]string, len(cfg.UpdateCols))
		for i, col := range cfg.UpdateCols {
			id := pgx.Identifier{col}.Sanitize()
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", id, id)
		}
		sb.WriteString("DO UPDATE SET " + strings.Join(sets, ", "))
	}
	if len(cfg.Returning) > 0 {
		sb.WriteString(" RETURNING " + quoteAndJoin(cfg.Returning))
	}
	return sb.String(), nil
}

// sanitizeTable handles schema-qualified table names like "directory.entities".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
