// Package memory provides a feature source held entirely in memory,
// typically declared inline in the configuration file.
package memory

import (
	"context"
	"fmt"
	"iter"

	"github.com/woozymasta/layer2geojson/internal/config"
	"github.com/woozymasta/layer2geojson/internal/geo"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// Feature is a stored record. Values are aligned with the source fields.
type Feature struct {
	Geometry orb.Geometry
	Values   []any
}

// Source serves a fixed list of features.
type Source struct {
	name          string
	geometryField string
	fields        []geo.Field
	features      []Feature
	srid          int
}

// New creates a source whose geometries are already in WGS 84.
func New(name, geometryField string, fields []geo.Field, features ...Feature) *Source {
	return &Source{
		name:          name,
		geometryField: geometryField,
		fields:        fields,
		features:      features,
		srid:          geo.WGS84,
	}
}

// FromConfig builds a source from an inline layer definition.
func FromConfig(l config.Layer) (*Source, error) {
	if l.Inline == nil {
		return nil, fmt.Errorf("layer %q has no inline features", l.Name)
	}

	features := make([]Feature, 0, len(l.Inline.Features))
	for i, f := range l.Inline.Features {
		var g orb.Geometry
		if f.Geometry != "" {
			var err error
			g, err = wkt.Unmarshal(f.Geometry)
			if err != nil {
				return nil, fmt.Errorf("layer %q feature %d: %w", l.Name, i, err)
			}
		}

		values := make([]any, len(l.Inline.Fields))
		for j, field := range l.Inline.Fields {
			values[j] = f.Values[field.Name]
		}

		features = append(features, Feature{Geometry: g, Values: values})
	}

	src := New(l.Name, l.Inline.GeometryField, l.Inline.Fields, features...)
	if l.Inline.SRID != 0 {
		src.srid = l.Inline.SRID
	}
	return src, nil
}

func (s *Source) Name() string          { return s.name }
func (s *Source) GeometryField() string { return s.geometryField }

func (s *Source) Count(ctx context.Context) (int, error) {
	return len(s.features), nil
}

func (s *Source) Fields(ctx context.Context) ([]geo.Field, error) {
	return s.fields, nil
}

// Records yields the stored features. Memory layers can not reproject, so
// asking for any SRID other than the stored one fails.
func (s *Source) Records(ctx context.Context, srid int) iter.Seq2[geo.Record, error] {
	return func(yield func(geo.Record, error) bool) {
		if srid != s.srid {
			yield(geo.Record{}, fmt.Errorf("layer %q is stored in EPSG:%d and can not be reprojected to EPSG:%d", s.name, s.srid, srid))
			return
		}

		for _, f := range s.features {
			if err := ctx.Err(); err != nil {
				yield(geo.Record{}, err)
				return
			}
			if !yield(geo.Record{Geometry: f.Geometry, Values: f.Values}, nil) {
				return
			}
		}
	}
}
