// Package geo converts feature layers into streamed GeoJSON documents.
package geo

import (
	"bytes"
	"encoding/json"

	"github.com/paulmach/orb/geojson"
)

const (
	collectionOpen  = `{"type": "FeatureCollection", "features": [`
	collectionClose = `]}`
	featureIndent   = "  "
)

// Feature is a single GeoJSON feature.
// Field order is part of the output contract: type, properties, geometry.
type Feature struct {
	Type       string            `json:"type"`
	Properties Properties        `json:"properties"`
	Geometry   *geojson.Geometry `json:"geometry"`
}

// Property is a single attribute of a feature.
type Property struct {
	Value any
	Key   string
}

// Properties is an insertion ordered attribute mapping.
type Properties []Property

// Set assigns value to key. An existing key keeps its position.
func (p *Properties) Set(key string, value any) {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Property{Key: key, Value: value})
}

// Get returns the value stored under key.
func (p Properties) Get(key string) (any, bool) {
	for _, prop := range p {
		if prop.Key == key {
			return prop.Value, true
		}
	}
	return nil, false
}

// Delete removes key if present.
func (p *Properties) Delete(key string) {
	for i := range *p {
		if (*p)[i].Key == key {
			*p = append((*p)[:i], (*p)[i+1:]...)
			return
		}
	}
}

// MarshalJSON encodes the properties as a JSON object in insertion order.
func (p Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, prop := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalJSON(prop.Key)
		if err != nil {
			return nil, err
		}
		val, err := marshalJSON(prop.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalJSON encodes v on a single line without HTML escaping.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
