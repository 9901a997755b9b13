// Package source opens the feature source configured for a layer.
package source

import (
	"context"
	"fmt"

	"github.com/woozymasta/layer2geojson/internal/config"
	"github.com/woozymasta/layer2geojson/internal/geo"
	"github.com/woozymasta/layer2geojson/internal/source/memory"
	"github.com/woozymasta/layer2geojson/internal/source/postgis"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Open returns the source backing l. Table layers need db; inline layers
// ignore it.
func Open(ctx context.Context, l config.Layer, db postgis.Querier) (geo.Source, error) {
	if l.Inline != nil {
		return memory.FromConfig(l)
	}

	if db == nil {
		return nil, fmt.Errorf("layer %q reads table %s but no database is configured", l.Name, l.Table)
	}

	return postgis.Open(ctx, db, postgis.Options{
		Name:          l.Name,
		Table:         l.Table,
		GeometryField: l.GeometryField,
	})
}

// StreamOptions returns the stream options configured for l.
func StreamOptions(l config.Layer, base geo.Options) geo.Options {
	if len(l.Exclude) > 0 {
		base.Exclude = l.Exclude
	}
	return base
}

// Connect opens a connection pool for dsn. An empty dsn yields a nil Querier
// so only inline layers can be opened. The returned func closes the pool.
func Connect(ctx context.Context, dsn string) (postgis.Querier, func(), error) {
	if dsn == "" {
		return nil, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().
		Str("host", pool.Config().ConnConfig.Host).
		Str("database", pool.Config().ConnConfig.Database).
		Msg("Connected to PostGIS")

	return pool, pool.Close, nil
}

// Select returns the layers matching names, in the order given.
// Unknown and repeated names are logged and skipped. No names selects all layers.
func Select(cfg *config.Config, names []string) []config.Layer {
	if len(names) == 0 {
		return cfg.Layers
	}

	selected := make([]config.Layer, 0, len(names))
	seen := make(map[string]bool)

	for _, name := range names {
		l, ok := cfg.Find(name)
		if !ok {
			log.Error().
				Str("name", name).
				Msg("Layer specified in --layer not found in configuration")
			continue
		}
		if seen[l.Name] {
			continue
		}
		seen[l.Name] = true
		selected = append(selected, *l)
	}

	return selected
}

// Close releases anything src keeps open between Count and Records, such as
// a PostGIS snapshot. Sources without such state are left alone.
func Close(ctx context.Context, src geo.Source) {
	c, ok := src.(interface{ Close(context.Context) error })
	if !ok {
		return
	}
	if err := c.Close(ctx); err != nil {
		log.Warn().Err(err).Str("layer", src.Name()).Msg("Failed to close layer source")
	}
}
