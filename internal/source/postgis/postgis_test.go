package postgis

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/woozymasta/layer2geojson/internal/geo"
)

// --- Fake pgx ---

type fakeRows struct {
	err    error
	data   [][]any
	pos    int
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.closed || r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.data[r.pos-1], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	return scanInto(r.data[r.pos-1], dest)
}

type fakeRow struct {
	err    error
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.values, dest)
}

func scanInto(values []any, dest []any) error {
	for i, d := range dest {
		switch d := d.(type) {
		case *string:
			*d = values[i].(string)
		case *int64:
			*d = values[i].(int64)
		default:
			return fmt.Errorf("unsupported scan target %T", d)
		}
	}
	return nil
}

type fakeDB struct {
	rows         map[string]*fakeRows
	geometryCol  string
	count        int64
	queries      []string
	args         [][]any
	lastRecords  *fakeRows
	recordsError error
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.queries = append(db.queries, sql)
	db.args = append(db.args, args)
	if strings.Contains(sql, "pg_attribute") {
		return db.rows["fields"], nil
	}
	if db.recordsError != nil {
		return nil, db.recordsError
	}
	db.lastRecords = db.rows["records"]
	return db.lastRecords, nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.queries = append(db.queries, sql)
	db.args = append(db.args, args)
	switch {
	case strings.Contains(sql, "geometry_columns"):
		if db.geometryCol == "" {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{values: []any{db.geometryCol}}
	case strings.Contains(sql, "count(*)"):
		return fakeRow{values: []any{db.count}}
	}
	return fakeRow{err: errors.New("unexpected query")}
}

func mustWKB(t *testing.T, g orb.Geometry) []byte {
	t.Helper()
	b, err := wkb.Marshal(g)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newParcelsDB(t *testing.T) *fakeDB {
	return &fakeDB{
		geometryCol: "geom",
		count:       2,
		rows: map[string]*fakeRows{
			"fields": {data: [][]any{
				{"gid", ""},
				{"geom", ""},
				{"name", "Parcel name"},
				{"shape_area", ""},
			}},
			"records": {data: [][]any{
				{mustWKB(t, orb.Point{-2.9350001, 43.2630004}), int32(1), nil, "Abando", 10.5},
				{nil, int32(2), nil, "Moyua", [16]byte{0x12, 0x3e, 0x45, 0x67, 0xe8, 0x9b, 0x12, 0xd3, 0xa4, 0x56, 0x42, 0x66, 0x14, 0x17, 0x40, 0x00}},
			}},
		},
	}
}

// --- Tests ---

func TestParseTable(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"parcels", `"public"."parcels"`},
		{"cadastre.parcels", `"cadastre"."parcels"`},
		{`odd"name`, `"public"."odd""name"`},
	}
	for _, tt := range tests {
		if got := ParseTable(tt.in).Sanitize(); got != tt.want {
			t.Errorf("ParseTable(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestOpen_DiscoversSchema(t *testing.T) {
	db := newParcelsDB(t)

	src, err := Open(context.Background(), db, Options{Table: "cadastre.parcels"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if src.Name() != "parcels" {
		t.Errorf("expected layer name parcels, got %q", src.Name())
	}
	if src.GeometryField() != "geom" {
		t.Errorf("expected geometry column geom, got %q", src.GeometryField())
	}
	if db.args[0][0] != "cadastre" || db.args[0][1] != "parcels" {
		t.Errorf("unexpected geometry_columns lookup args %v", db.args[0])
	}

	fields, _ := src.Fields(context.Background())
	if len(fields) != 4 || fields[2].Key() != "Parcel name" {
		t.Errorf("unexpected fields %+v", fields)
	}
	if !db.rows["fields"].closed {
		t.Error("field rows must be closed")
	}
}

func TestOpen_NoGeometryColumn(t *testing.T) {
	db := newParcelsDB(t)
	db.geometryCol = ""

	_, err := Open(context.Background(), db, Options{Table: "parcels"})
	if !errors.Is(err, ErrNoGeometryColumn) {
		t.Fatalf("expected ErrNoGeometryColumn, got %v", err)
	}
}

func TestOpen_ExplicitGeometryField(t *testing.T) {
	db := newParcelsDB(t)
	db.geometryCol = ""

	src, err := Open(context.Background(), db, Options{Name: "lots", Table: "parcels", GeometryField: "geom"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.Name() != "lots" {
		t.Errorf("expected configured name, got %q", src.Name())
	}
	for _, q := range db.queries {
		if strings.Contains(q, "geometry_columns") {
			t.Error("geometry_columns must not be queried when the field is configured")
		}
	}
}

func TestRecordsQuery(t *testing.T) {
	src, err := Open(context.Background(), newParcelsDB(t), Options{Table: "parcels"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := `SELECT CASE WHEN ST_IsEmpty("geom") THEN NULL ELSE ST_AsBinary(ST_Force2D(ST_Transform("geom", $1::integer))) END, ` +
		`"gid", NULL AS "geom", "name", "shape_area" FROM "public"."parcels"`
	if got := src.recordsQuery(); got != want {
		t.Errorf("unexpected query\n got: %s\nwant: %s", got, want)
	}
	if got := src.countQuery(); got != `SELECT count(*) FROM "public"."parcels"` {
		t.Errorf("unexpected count query %s", got)
	}
}

func TestRecords(t *testing.T) {
	db := newParcelsDB(t)
	src, err := Open(context.Background(), db, Options{Table: "parcels"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var records []geo.Record
	for rec, err := range src.Records(context.Background(), geo.WGS84) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		records = append(records, rec)
	}

	if got := db.args[len(db.args)-1]; len(got) != 1 || got[0] != geo.WGS84 {
		t.Errorf("expected SRID argument %d, got %v", geo.WGS84, got)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if p, ok := records[0].Geometry.(orb.Point); !ok || p[1] != 43.2630004 {
		t.Errorf("unexpected geometry %#v", records[0].Geometry)
	}
	if records[1].Geometry != nil {
		t.Errorf("expected nil geometry, got %#v", records[1].Geometry)
	}
	if len(records[0].Values) != 4 || records[0].Values[2] != "Abando" {
		t.Errorf("unexpected values %v", records[0].Values)
	}
	if got := records[1].Values[3]; got != "123e4567-e89b-12d3-a456-426614174000" {
		t.Errorf("expected uuid string, got %#v", got)
	}
	if !db.lastRecords.closed {
		t.Error("record rows must be closed")
	}
}

func TestRecords_EarlyStopClosesRows(t *testing.T) {
	db := newParcelsDB(t)
	src, err := Open(context.Background(), db, Options{Table: "parcels"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for range src.Records(context.Background(), geo.WGS84) {
		break
	}
	if !db.lastRecords.closed {
		t.Error("record rows must be closed after an early stop")
	}
}

func TestRecords_Errors(t *testing.T) {
	queryErr := errors.New("connection reset")
	db := newParcelsDB(t)
	src, err := Open(context.Background(), db, Options{Table: "parcels"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	db.recordsError = queryErr
	for _, err := range src.Records(context.Background(), geo.WGS84) {
		if err != queryErr {
			t.Fatalf("expected query error unchanged, got %v", err)
		}
	}

	db.recordsError = nil
	db.rows["records"] = &fakeRows{data: [][]any{{[]byte{0x01, 0x02}, int32(1), nil, "x", 1.0}}}
	for _, err := range src.Records(context.Background(), geo.WGS84) {
		if err == nil || !strings.Contains(err.Error(), "decode geometry") {
			t.Fatalf("expected decode error, got %v", err)
		}
	}

	db.rows["records"] = &fakeRows{data: [][]any{{nil, int32(1)}}}
	for _, err := range src.Records(context.Background(), geo.WGS84) {
		if err == nil || !strings.Contains(err.Error(), "expected 5 columns") {
			t.Fatalf("expected column count error, got %v", err)
		}
	}
}

func TestStream_PostGISLayer(t *testing.T) {
	src, err := Open(context.Background(), newParcelsDB(t), Options{Table: "parcels"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var chunks []string
	for chunk, err := range geo.Stream(context.Background(), src, geo.Options{}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		chunks = append(chunks, chunk)
	}

	want := `  {"type":"Feature","properties":{"gid":1,"Parcel name":"Abando"},"geometry":{"type":"Point","coordinates":[-2.935,43.263]}},`
	if len(chunks) != 4 || chunks[1] != want {
		t.Errorf("unexpected output %q", chunks)
	}
}

type interval struct{ days int }

func (i interval) Value() (driver.Value, error) { return fmt.Sprintf("%d days", i.days), nil }

type grade int

func (g grade) String() string { return fmt.Sprintf("grade %d", int(g)) }

type point struct{ X, Y float64 }

func TestScalar(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{"Abando", "Abando"},
		{int32(7), int32(7)},
		{10.5, 10.5},
		{true, true},
		{now, now},
		{[16]byte{0x12, 0x3e, 0x45, 0x67, 0xe8, 0x9b, 0x12, 0xd3, 0xa4, 0x56, 0x42, 0x66, 0x14, 0x17, 0x40, 0x00}, "123e4567-e89b-12d3-a456-426614174000"},
		{interval{days: 3}, "3 days"},
		{grade(2), "grade 2"},
		{point{1, 2}, point{1, 2}},
	}
	for _, tt := range tests {
		if got := scalar(tt.in); got != tt.want {
			t.Errorf("scalar(%#v) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

// --- Snapshot ---

type fakeTx struct {
	pgx.Tx
	db         *fakeDB
	rolledBack bool
}

func (tx *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return tx.db.Query(ctx, "/* tx */ "+sql, args...)
}

func (tx *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return tx.db.QueryRow(ctx, "/* tx */ "+sql, args...)
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	tx.rolledBack = true
	return nil
}

type fakeTxDB struct {
	*fakeDB
	opts []pgx.TxOptions
	txs  []*fakeTx
}

func (db *fakeTxDB) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	db.opts = append(db.opts, opts)
	tx := &fakeTx{db: db.fakeDB}
	db.txs = append(db.txs, tx)
	return tx, nil
}

func TestSnapshot_CountAndRecordsShareTransaction(t *testing.T) {
	db := &fakeTxDB{fakeDB: newParcelsDB(t)}
	src, err := Open(context.Background(), db, Options{Table: "parcels"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var chunks int
	for _, err := range geo.Stream(context.Background(), src, geo.Options{}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		chunks++
	}
	if chunks != 4 {
		t.Errorf("expected 4 chunks, got %d", chunks)
	}

	if len(db.txs) != 1 {
		t.Fatalf("expected one transaction, got %d", len(db.txs))
	}
	if db.opts[0].IsoLevel != pgx.RepeatableRead || db.opts[0].AccessMode != pgx.ReadOnly {
		t.Errorf("unexpected transaction options %+v", db.opts[0])
	}
	if !db.txs[0].rolledBack {
		t.Error("snapshot must be released after the records")
	}

	var inTx int
	for _, q := range db.queries {
		if strings.HasPrefix(q, "/* tx */") {
			inTx++
		}
	}
	if inTx != 2 {
		t.Errorf("expected count and records inside the transaction, got %d queries: %v", inTx, db.queries)
	}
}

func TestSnapshot_CloseAfterCount(t *testing.T) {
	db := &fakeTxDB{fakeDB: newParcelsDB(t)}
	src, err := Open(context.Background(), db, Options{Table: "parcels"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n, err := src.Count(context.Background()); err != nil || n != 2 {
		t.Fatalf("Count() = %d, %v", n, err)
	}
	if db.txs[0].rolledBack {
		t.Fatal("snapshot must stay open until the records are read")
	}
	if err := src.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !db.txs[0].rolledBack {
		t.Error("Close must release the snapshot")
	}
	if err := src.Close(context.Background()); err != nil {
		t.Errorf("second Close must be a no-op, got %v", err)
	}
}
