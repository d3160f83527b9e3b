package store

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sells-group/directory-cli/internal/model"
)

// dialect captures the SQL differences between backends that the backlog query needs.
type dialect struct {
	// verified returns a boolean expression true when the field's provenance is verified.
	verified func(field model.Field) string
	// param renders the n-th (1-based) bind parameter.
	param func(n int) string
}

var sqliteDialect = dialect{
	verified: func(f model.Field) string {
		return fmt.Sprintf("COALESCE(json_extract(e.provenance, '$.%s.verified'), 0) = 1", f)
	},
	param: func(int) string { return "?" },
}

var postgresDialect = dialect{
	verified: func(f model.Field) string {
		return fmt.Sprintf("COALESCE((e.provenance->'%s'->>'verified')::boolean, false)", f)
	},
	param: func(n int) string { return fmt.Sprintf("$%d", n) },
}

// placeholderList renders the placeholder values as a quoted SQL list. Values are
// compile-time constants, never user input.
func placeholderList() string {
	ps := model.Placeholders()
	slices.Sort(ps)
	quoted := make([]string, 0, len(ps)+1)
	quoted = append(quoted, "''")
	for _, p := range ps {
		quoted = append(quoted, "'"+strings.ReplaceAll(p, "'", "''")+"'")
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

// missing returns a boolean expression true when the field holds no usable value.
func missing(f model.Field) string {
	ph := placeholderList()
	blank := func(col string) string {
		return fmt.Sprintf("%s IS NULL OR LOWER(TRIM(%s)) IN %s", col, col, ph)
	}
	switch f {
	case model.FieldPrice:
		return blank("e.price")
	case model.FieldSchedule:
		return blank("e.schedule_day") + " OR " + blank("e.schedule_time")
	case model.FieldCategory:
		return blank("e.category")
	case model.FieldGeo:
		return "e.lat IS NULL OR e.lon IS NULL"
	case model.FieldParking:
		return "e.parking IS NULL"
	case model.FieldNearbyStops:
		return "e.nearby_stops IS NULL"
	default:
		return "FALSE"
	}
}

// groupPending returns a boolean expression true when group g still needs work for row
// e: some field is missing or unverified, and no attempt is newer than the cutoff
// parameter.
func (d dialect) groupPending(g model.FieldGroup, cutoffParam string) string {
	var fields []string
	for _, f := range g.Fields() {
		fields = append(fields, fmt.Sprintf("(%s OR NOT (%s))", missing(f), d.verified(f)))
	}
	return fmt.Sprintf(
		"((%s) AND NOT EXISTS (SELECT 1 FROM enrich_attempts a WHERE a.entity_id = e.id AND a.field_group = '%s' AND a.attempted_at > %s))",
		strings.Join(fields, " OR "), g, cutoffParam,
	)
}

// pendingQuery builds the backlog selection. It returns the SQL and the bind arguments;
// cutoff is the already-encoded cutoff value for the backend.
func (d dialect) pendingQuery(f PendingFilter, cutoff any) (string, []any) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return d.param(len(args))
	}

	groups := f.Groups
	if len(groups) == 0 {
		groups = model.AllGroups
	}

	flags := make([]string, 0, len(groups))
	for _, g := range groups {
		expr := d.groupPending(g, next(cutoff))
		flags = append(flags, fmt.Sprintf("CASE WHEN %s THEN 1 ELSE 0 END AS pending_%s", expr, g))
	}

	where := []string{"e.active"}
	if f.Locality != "" {
		where = append(where, "e.locality = "+next(f.Locality))
	}

	// Flags are recomputed in the outer WHERE so cutoff params stay positional for SQLite.
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(prefixed(entityColumns, "e."))
	for _, fl := range flags {
		sb.WriteString(", ")
		sb.WriteString(fl)
	}
	sb.WriteString(" FROM entities e WHERE ")
	sb.WriteString(strings.Join(where, " AND "))
	sb.WriteString(" AND (")
	for i, g := range groups {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString(d.groupPending(g, next(cutoff)))
	}
	sb.WriteString(") ORDER BY e.id")
	if f.Limit > 0 {
		sb.WriteString(" LIMIT " + next(f.Limit))
	}
	return sb.String(), args
}

// countQuery counts pending entities for one group.
func (d dialect) countQuery(g model.FieldGroup, f PendingFilter, cutoff any) (string, []any) {
	args := []any{cutoff}
	q := "SELECT COUNT(*) FROM entities e WHERE e.active AND " + d.groupPending(g, d.param(1))
	if f.Locality != "" {
		args = append(args, f.Locality)
		q += " AND e.locality = " + d.param(2)
	}
	return q, args
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(cols, prefix string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
