// Package server handles HTTP requests and middleware.
package server

import (
	"encoding/json"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/woozymasta/layer2geojson/internal/geo"
	"github.com/woozymasta/layer2geojson/internal/progress"
	"github.com/woozymasta/layer2geojson/internal/source"

	"github.com/rs/zerolog/log"
)

const geoJSONExt = ".geojson"

// HandleLayersList serves the JSON list of configured layers.
func (s *ServerContext) HandleLayersList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	// Ignoring error as we cannot handle client disconnects
	_ = json.NewEncoder(w).Encode(s.Config.Layers)
}

// HandleIndex serves the HTML layer index.
func (s *ServerContext) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if match := r.Header.Get("If-None-Match"); match == s.indexETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("ETag", s.indexETag)
	w.Header().Set("Cache-Control", "public, no-cache")
	_, _ = w.Write(s.IndexHTML)
}

// HandleLayer streams a layer as GeoJSON.
// Path: /layers/{name}.geojson, where name may be any alias of the layer.
func (s *ServerContext) HandleLayer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || !strings.HasSuffix(parts[1], geoJSONExt) {
		http.NotFound(w, r)
		return
	}

	layer, ok := s.Config.Find(strings.TrimSuffix(parts[1], geoJSONExt))
	if !ok {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()
	src, err := source.Open(ctx, *layer, s.DB)
	if err != nil {
		log.Error().Err(err).Str("layer", layer.Name).Msg("Failed to open layer")
		http.Error(w, "layer unavailable", http.StatusBadGateway)
		return
	}
	defer source.Close(ctx, src)

	opts := source.StreamOptions(*layer, s.Options)
	opts.Progress = progress.New(layer.Name, s.Metrics)

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/geo+json")
		return
	}

	start := time.Now()
	started, err := stream(w, geo.Stream(ctx, src, opts))
	if s.Metrics != nil {
		s.Metrics.ObserveExport(layer.Name, err, time.Since(start))
	}
	if err == nil {
		return
	}

	log.Error().Err(err).Str("layer", layer.Name).Msg("Layer stream failed")
	if !started {
		http.Error(w, "layer export failed", http.StatusInternalServerError)
		return
	}
	// Headers are gone; abort so the client never sees a clean end of body.
	panic(http.ErrAbortHandler)
}

// stream copies chunks to w, one per line, and reports whether anything was written.
func stream(w http.ResponseWriter, chunks iter.Seq2[string, error]) (bool, error) {
	started := false
	for chunk, err := range chunks {
		if err != nil {
			return started, err
		}
		if !started {
			w.Header().Set("Content-Type", "application/geo+json")
			w.Header().Set("Cache-Control", "no-cache")
			started = true
		}
		if _, err := io.WriteString(w, chunk+"\n"); err != nil {
			return started, err
		}
	}
	return started, nil
}
