package geo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"unicode/utf8"
)

// progressStep is how many records pass between two Progress.Update calls.
const progressStep = 100

// LossyProperty is added to a feature whose text had to be repaired under
// TextFlagLossy.
const LossyProperty = "_lossy"

// DefaultExclude lists the system computed measure columns that never reach
// the output.
var DefaultExclude = []string{"Shape_Area", "Shape_Length"}

// ErrCountMismatch is returned when a source yields a different number of
// records than it reported up front.
var ErrCountMismatch = errors.New("record count mismatch")

// TextPolicy decides what happens to attribute text that is not valid UTF-8.
type TextPolicy int

const (
	// TextStrict fails the stream with an InvalidTextError.
	TextStrict TextPolicy = iota
	// TextFlagLossy replaces invalid sequences with U+FFFD and marks the
	// feature with LossyProperty.
	TextFlagLossy
)

// InvalidTextError reports a non UTF-8 attribute under TextStrict.
type InvalidTextError struct {
	Field string
}

func (e *InvalidTextError) Error() string {
	return fmt.Sprintf("attribute %q is not valid UTF-8", e.Field)
}

// Options tune a stream. The zero value is ready to use.
type Options struct {
	Progress Progress
	Exclude  []string // nil means DefaultExclude
	Text     TextPolicy
}

func (o Options) progress() Progress {
	if o.Progress == nil {
		return noProgress{}
	}
	return o.Progress
}

func (o Options) excluded(name string) bool {
	exclude := o.Exclude
	if exclude == nil {
		exclude = DefaultExclude
	}
	for _, e := range exclude {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}

type column struct {
	key   string
	index int
}

// columns picks the output attributes in source order.
func columns(fields []Field, geometryField string, opts Options) []column {
	cols := make([]column, 0, len(fields))
	for i, f := range fields {
		if f.Name == geometryField || opts.excluded(f.Name) {
			continue
		}
		cols = append(cols, column{index: i, key: f.Key()})
	}
	return cols
}

// Stream yields the text chunks of a FeatureCollection built from src.
//
// The first chunk opens the collection, each following chunk holds one
// feature (indented, comma terminated unless it is the last one) and the
// final chunk closes the collection. Chunks carry no newlines. Only one record
// is held at a time. The first error is yielded once and ends the sequence;
// whatever was yielded before it does not form a valid document.
func Stream(ctx context.Context, src Source, opts Options) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		fields, err := src.Fields(ctx)
		if err != nil {
			yield("", err)
			return
		}
		geometryField := src.GeometryField()
		cols := columns(fields, geometryField, opts)

		total, err := src.Count(ctx)
		if err != nil {
			yield("", err)
			return
		}

		progress := opts.progress()
		progress.Start(total)

		if !yield(collectionOpen, nil) {
			return
		}

		written := 0
		for rec, err := range src.Records(ctx, WGS84) {
			if err != nil {
				yield("", err)
				return
			}
			if written == total {
				yield("", fmt.Errorf("%w: %s reported %d records, got more", ErrCountMismatch, src.Name(), total))
				return
			}
			if written%progressStep == 1 {
				progress.Update(written)
			}
			written++

			line, err := encodeFeature(rec, cols, geometryField, opts.Text)
			if err != nil {
				yield("", err)
				return
			}

			chunk := featureIndent + line
			if written < total {
				chunk += ","
			}
			if !yield(chunk, nil) {
				return
			}
		}

		if written != total {
			yield("", fmt.Errorf("%w: %s reported %d records, got %d", ErrCountMismatch, src.Name(), total, written))
			return
		}

		progress.Done(written)
		yield(collectionClose, nil)
	}
}

func encodeFeature(rec Record, cols []column, geometryField string, policy TextPolicy) (string, error) {
	geometry, err := MapGeometry(rec.Geometry)
	if err != nil {
		return "", err
	}

	props, err := buildProperties(rec.Values, cols, policy)
	if err != nil {
		return "", err
	}
	props.Delete(geometryField)

	data, err := marshalJSON(Feature{
		Type:       "Feature",
		Properties: props,
		Geometry:   geometry,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func buildProperties(values []any, cols []column, policy TextPolicy) (Properties, error) {
	props := make(Properties, 0, len(cols))
	lossy := false

	for _, col := range cols {
		if col.index >= len(values) {
			continue
		}
		key, keyLossy, err := checkText(col.key, col.key, policy)
		if err != nil {
			return nil, err
		}

		value := values[col.index]
		valueLossy := false
		switch v := value.(type) {
		case string:
			value, valueLossy, err = checkText(v, col.key, policy)
		case []byte:
			value, valueLossy, err = checkText(string(v), col.key, policy)
		}
		if err != nil {
			return nil, err
		}

		lossy = lossy || keyLossy || valueLossy
		props.Set(key, value)
	}

	if lossy {
		props.Set(LossyProperty, true)
	}
	return props, nil
}

func checkText(s, field string, policy TextPolicy) (string, bool, error) {
	if utf8.ValidString(s) {
		return s, false, nil
	}
	if policy == TextFlagLossy {
		return strings.ToValidUTF8(s, "\uFFFD"), true, nil
	}
	return "", false, &InvalidTextError{Field: strings.ToValidUTF8(field, "\uFFFD")}
}
