package server

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"sort"

	"github.com/woozymasta/layer2geojson/internal/config"
	"github.com/woozymasta/layer2geojson/internal/geo"
	"github.com/woozymasta/layer2geojson/internal/progress"
	"github.com/woozymasta/layer2geojson/internal/source/postgis"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
)

//go:embed index.html.tpl
var indexTemplate string

// ServerContext holds dependencies for request handlers.
type ServerContext struct {
	Config    *config.Config
	DB        postgis.Querier // nil when only inline layers are served
	Metrics   *progress.Metrics
	Options   geo.Options
	IndexHTML []byte

	indexETag string
}

// NewServerContext sorts the configured layers and renders the index page.
func NewServerContext(cfg *config.Config, db postgis.Querier, metrics *progress.Metrics, opts geo.Options) (*ServerContext, error) {
	log.Info().Int("config_layers_count", len(cfg.Layers)).Msg("Initializing server context")

	sort.SliceStable(cfg.Layers, func(i, j int) bool {
		idxI, idxJ := 999999, 999999
		if cfg.Layers[i].Index != nil {
			idxI = *cfg.Layers[i].Index
		}
		if cfg.Layers[j].Index != nil {
			idxJ = *cfg.Layers[j].Index
		}
		if idxI != idxJ {
			return idxI < idxJ
		}

		return cfg.Layers[i].Name < cfg.Layers[j].Name
	})

	for _, l := range cfg.Layers {
		if l.Table != "" && db == nil {
			log.Warn().
				Str("layer", l.Name).
				Msg("Layer reads a PostGIS table but no database is configured")
		}
	}

	index, err := renderIndex(cfg)
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("index_bytes", len(index)).
		Msg("Server context initialized successfully")

	return &ServerContext{
		Config:    cfg,
		DB:        db,
		Metrics:   metrics,
		Options:   opts,
		IndexHTML: index,
		indexETag: fmt.Sprintf(`"%x"`, xxhash.Sum64(index)),
	}, nil
}

// renderIndex executes the layer list template and minifies the result.
func renderIndex(cfg *config.Config) ([]byte, error) {
	tmpl, err := template.New("index").Parse(indexTemplate)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Layers []config.Layer }{cfg.Layers}); err != nil {
		return nil, err
	}

	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.AddFunc("text/html", html.Minify)

	return m.Bytes("text/html", buf.Bytes())
}
