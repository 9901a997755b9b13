package geo

import (
	"context"
	"iter"

	"github.com/paulmach/orb"
)

// WGS84 is the EPSG code every source is asked to deliver coordinates in.
const WGS84 = 4326

// Field describes one source column.
type Field struct {
	Name  string `yaml:"name" json:"name"`
	Alias string `yaml:"alias,omitempty" json:"alias,omitempty"`
}

// Key returns the alias if one is registered, the raw name otherwise.
func (f Field) Key() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// Record is one row of a feature source.
// Values are aligned with the slice returned by Source.Fields.
type Record struct {
	Geometry orb.Geometry
	Values   []any
}

// Source is the narrow capability a feature store has to provide.
// Records is single pass and forward only; reprojection into srid is the
// source's job.
type Source interface {
	Name() string
	GeometryField() string
	Count(ctx context.Context) (int, error)
	Fields(ctx context.Context) ([]Field, error)
	Records(ctx context.Context, srid int) iter.Seq2[Record, error]
}

// Progress observes a running stream.
type Progress interface {
	Start(total int)
	Update(position int)
	Done(written int)
}

type noProgress struct{}

func (noProgress) Start(int)  {}
func (noProgress) Update(int) {}
func (noProgress) Done(int)   {}
