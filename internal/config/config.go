// Package config handles configuration loading and shared data structures.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/woozymasta/layer2geojson/internal/geo"

	"gopkg.in/yaml.v3"
)

// DefaultGistEndpoint is the GitHub API endpoint creating a new gist.
const DefaultGistEndpoint = "https://api.github.com/gists"

// Config represents the root configuration file structure.
type Config struct {
	Database  string  `yaml:"database,omitempty"`
	OutputDir string  `yaml:"output_dir,omitempty"`
	Gist      Gist    `yaml:"gist,omitempty"`
	Layers    []Layer `yaml:"layers"`
}

// Gist configures publishing to GitHub Gists.
type Gist struct {
	Public   *bool  `yaml:"public,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// IsPublic reports whether gists are created public, the default.
func (g Gist) IsPublic() bool {
	return g.Public == nil || *g.Public
}

// Layer represents a single exportable feature layer.
// Exactly one of Table (PostGIS) and Inline must be set.
type Layer struct {
	Index *int `yaml:"index,omitempty" json:"index,omitempty"`

	// defining features directly in config.yaml
	Inline *Inline `yaml:"inline,omitempty" json:"-"`

	Name          string   `yaml:"name" json:"name"`
	Title         string   `yaml:"title,omitempty" json:"title,omitempty"`
	Table         string   `yaml:"table,omitempty" json:"-"`
	GeometryField string   `yaml:"geometry_field,omitempty" json:"-"`
	Aliases       []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Exclude       []string `yaml:"exclude,omitempty" json:"-"`
}

// Inline is a layer whose features live in the configuration file.
// Geometries are WKT in WGS 84; SRID may only restate that.
type Inline struct {
	GeometryField string          `yaml:"geometry_field,omitempty"`
	Fields        []geo.Field     `yaml:"fields"`
	Features      []InlineFeature `yaml:"features"`
	SRID          int             `yaml:"srid,omitempty"`
}

// InlineFeature is one inline record. Values are keyed by field name.
type InlineFeature struct {
	Values   map[string]any `yaml:"values,omitempty"`
	Geometry string         `yaml:"geometry,omitempty"`
}

// Load reads and parses the YAML configuration file from the specified path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Gist.Endpoint == "" {
		cfg.Gist.Endpoint = DefaultGistEndpoint
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that layer definitions are complete and unambiguous.
func (c *Config) Validate() error {
	var errs []string
	seen := make(map[string]string)

	for i, l := range c.Layers {
		if l.Name == "" {
			errs = append(errs, fmt.Sprintf("layers[%d].name is required", i))
			continue
		}

		for _, name := range append([]string{l.Name}, l.Aliases...) {
			if owner, ok := seen[name]; ok {
				errs = append(errs, fmt.Sprintf("layer %q: name %q already used by layer %q", l.Name, name, owner))
				continue
			}
			seen[name] = l.Name
		}

		switch {
		case l.Table == "" && l.Inline == nil:
			errs = append(errs, fmt.Sprintf("layer %q: one of table or inline is required", l.Name))
		case l.Table != "" && l.Inline != nil:
			errs = append(errs, fmt.Sprintf("layer %q: table and inline are mutually exclusive", l.Name))
		case l.Inline != nil && len(l.Inline.Fields) == 0 && len(l.Inline.Features) > 0:
			errs = append(errs, fmt.Sprintf("layer %q: inline features need fields", l.Name))
		}

		if l.Inline != nil && l.Inline.SRID != 0 && l.Inline.SRID != geo.WGS84 {
			errs = append(errs, fmt.Sprintf("layer %q: inline srid must be %d, got %d", l.Name, geo.WGS84, l.Inline.SRID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Find returns the layer registered under name or one of its aliases.
func (c *Config) Find(name string) (*Layer, bool) {
	for i := range c.Layers {
		l := &c.Layers[i]
		if l.Name == name {
			return l, true
		}
		for _, alias := range l.Aliases {
			if alias == name {
				return l, true
			}
		}
	}
	return nil, false
}
