// Package postgis reads feature layers from PostGIS tables.
//
// Reprojection is left to the database: geometries are requested through
// ST_Transform and travel as WKB, so the stream never transforms coordinates
// itself.
package postgis

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/woozymasta/layer2geojson/internal/geo"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/rs/zerolog/log"
)

// ErrNoGeometryColumn is returned when a table has no registered geometry column.
var ErrNoGeometryColumn = errors.New("no geometry column registered")

// Querier is the subset of *pgxpool.Pool the source needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner is implemented by *pgxpool.Pool. When the Querier supports it,
// the record count and the rows are read from one snapshot.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Options select the table to read.
type Options struct {
	Name          string // layer name, defaults to the table name
	Table         string // "schema.table" or "table" (public schema)
	GeometryField string // discovered from geometry_columns when empty
}

// Source reads one PostGIS table.
type Source struct {
	db            Querier
	name          string
	table         pgx.Identifier
	geometryField string
	fields        []geo.Field

	tx pgx.Tx // open between Count and the end of Records
}

const fieldsQuery = `
	SELECT a.attname, COALESCE(col_description(a.attrelid, a.attnum), '')
	FROM pg_catalog.pg_attribute a
	WHERE a.attrelid = $1::regclass AND a.attnum > 0 AND NOT a.attisdropped
	ORDER BY a.attnum`

const geometryColumnQuery = `
	SELECT f_geometry_column FROM geometry_columns
	WHERE f_table_schema = $1 AND f_table_name = $2
	ORDER BY f_geometry_column
	LIMIT 1`

// Open resolves the table schema and geometry column.
// Column comments are used as field aliases.
func Open(ctx context.Context, db Querier, opts Options) (*Source, error) {
	table := ParseTable(opts.Table)
	s := &Source{
		db:            db,
		name:          opts.Name,
		table:         table,
		geometryField: opts.GeometryField,
	}
	if s.name == "" {
		s.name = table[1]
	}

	if s.geometryField == "" {
		err := db.QueryRow(ctx, geometryColumnQuery, table[0], table[1]).Scan(&s.geometryField)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", table.Sanitize(), ErrNoGeometryColumn)
		}
		if err != nil {
			return nil, fmt.Errorf("lookup geometry column of %s: %w", table.Sanitize(), err)
		}
	}

	rows, err := db.Query(ctx, fieldsQuery, table.Sanitize())
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table.Sanitize(), err)
	}
	defer rows.Close()

	for rows.Next() {
		var f geo.Field
		if err := rows.Scan(&f.Name, &f.Alias); err != nil {
			return nil, err
		}
		s.fields = append(s.fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	log.Debug().
		Str("layer", s.name).
		Str("table", table.Sanitize()).
		Str("geometry", s.geometryField).
		Int("fields", len(s.fields)).
		Msg("PostGIS layer opened")

	return s, nil
}

// ParseTable splits "schema.table" into an identifier; a bare name lives in public.
func ParseTable(name string) pgx.Identifier {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return pgx.Identifier{schema, table}
	}
	return pgx.Identifier{"public", name}
}

func (s *Source) Name() string          { return s.name }
func (s *Source) GeometryField() string { return s.geometryField }

func (s *Source) Fields(ctx context.Context) ([]geo.Field, error) {
	return s.fields, nil
}

// Count returns the number of rows. The snapshot it reads from stays open
// for Records; call Close when Records will not follow.
func (s *Source) Count(ctx context.Context) (int, error) {
	q, err := s.snapshot(ctx)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := q.QueryRow(ctx, s.countQuery()).Scan(&n); err != nil {
		s.release(ctx)
		return 0, err
	}
	return int(n), nil
}

// Records streams the table with geometries transformed into srid.
// Breaking out of the loop closes the cursor and the snapshot.
func (s *Source) Records(ctx context.Context, srid int) iter.Seq2[geo.Record, error] {
	return func(yield func(geo.Record, error) bool) {
		q, err := s.snapshot(ctx)
		if err != nil {
			yield(geo.Record{}, err)
			return
		}
		defer s.release(ctx)

		rows, err := q.Query(ctx, s.recordsQuery(), srid)
		if err != nil {
			yield(geo.Record{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				yield(geo.Record{}, err)
				return
			}

			rec, err := s.record(values)
			if err != nil {
				yield(geo.Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(geo.Record{}, err)
		}
	}
}

// Close releases the snapshot left open by Count.
func (s *Source) Close(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	return tx.Rollback(context.WithoutCancel(ctx))
}

// snapshot begins a read only repeatable read transaction once, so the count
// matches the rows read after it.
func (s *Source) snapshot(ctx context.Context) (Querier, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	b, ok := s.db.(TxBeginner)
	if !ok {
		return s.db, nil
	}

	tx, err := b.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot of %s: %w", s.table.Sanitize(), err)
	}
	s.tx = tx
	return tx, nil
}

func (s *Source) release(ctx context.Context) {
	if err := s.Close(ctx); err != nil {
		log.Warn().Err(err).Str("layer", s.name).Msg("Failed to release snapshot")
	}
}

// record splits a row into its WKB geometry and the attribute values.
func (s *Source) record(values []any) (geo.Record, error) {
	if len(values) != len(s.fields)+1 {
		return geo.Record{}, fmt.Errorf("%s: expected %d columns, got %d", s.table.Sanitize(), len(s.fields)+1, len(values))
	}

	var g orb.Geometry
	switch raw := values[0].(type) {
	case nil:
	case []byte:
		var err error
		if g, err = wkb.Unmarshal(raw); err != nil {
			return geo.Record{}, fmt.Errorf("%s: decode geometry: %w", s.table.Sanitize(), err)
		}
	default:
		return geo.Record{}, fmt.Errorf("%s: unexpected geometry value %T", s.table.Sanitize(), raw)
	}

	attrs := values[1:]
	for i, v := range attrs {
		attrs[i] = scalar(v)
	}

	return geo.Record{Geometry: g, Values: attrs}, nil
}

// scalar turns pgx values without a natural JSON form into plain values:
// uuid becomes its canonical string, other types go through driver.Valuer
// or fmt.Stringer. Values JSON already encodes well are kept.
func scalar(v any) any {
	switch v := v.(type) {
	case nil, string, bool, []byte, time.Time,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		map[string]any, []any, json.Marshaler:
		return v
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", v[0:4], v[4:6], v[6:8], v[8:10], v[10:16])
	case driver.Valuer:
		dv, err := v.Value()
		if err != nil {
			return fmt.Sprint(v)
		}
		return dv
	case fmt.Stringer:
		return v.String()
	}
	return v
}

func (s *Source) countQuery() string {
	return "SELECT count(*) FROM " + s.table.Sanitize()
}

// recordsQuery selects the transformed geometry first, then every field in
// order. Geometries are flattened to 2D and empty ones read as NULL. The raw
// geometry column is replaced by NULL to keep the row aligned without
// transferring it twice.
func (s *Source) recordsQuery() string {
	geom := pgx.Identifier{s.geometryField}.Sanitize()

	cols := make([]string, 0, len(s.fields)+1)
	cols = append(cols, fmt.Sprintf(
		"CASE WHEN ST_IsEmpty(%[1]s) THEN NULL ELSE ST_AsBinary(ST_Force2D(ST_Transform(%[1]s, $1::integer))) END",
		geom))
	for _, f := range s.fields {
		col := pgx.Identifier{f.Name}.Sanitize()
		if f.Name == s.geometryField {
			col = "NULL AS " + col
		}
		cols = append(cols, col)
	}

	return "SELECT " + strings.Join(cols, ", ") + " FROM " + s.table.Sanitize()
}
