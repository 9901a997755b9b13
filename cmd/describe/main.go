package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/woozymasta/layer2geojson/internal/config"
	"github.com/woozymasta/layer2geojson/internal/geo"
	"github.com/woozymasta/layer2geojson/internal/logger"
	"github.com/woozymasta/layer2geojson/internal/source"
	"github.com/woozymasta/layer2geojson/internal/source/postgis"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Options struct {
	Logger logger.Logger `group:"Logger options"`

	ConfigFile string   `short:"c" long:"config"   env:"CONFIG_FILE"  description:"Path to configuration file" default:"config.yaml"`
	Database   string   `long:"database"           env:"DATABASE_URL" description:"PostGIS connection string, overrides the config"`
	Layers     []string `short:"l" long:"layer"    description:"Limit to specific layer names or aliases"`
	Output     string   `short:"o" long:"out"      description:"Output file path. Writes to stdout if empty"`
	Format     string   `short:"f" long:"format"   description:"Output format" choice:"json" choice:"yaml" default:"yaml"`
}

// LayerInfo describes what an export of the layer would contain.
type LayerInfo struct {
	Name          string      `json:"name" yaml:"name"`
	Title         string      `json:"title,omitempty" yaml:"title,omitempty"`
	Source        string      `json:"source" yaml:"source"`
	GeometryField string      `json:"geometry_field" yaml:"geometry_field"`
	Records       int         `json:"records" yaml:"records"`
	Fields        []geo.Field `json:"fields" yaml:"fields"`
	Error         string      `json:"error,omitempty" yaml:"error,omitempty"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	opts.Logger.Setup()

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}

	ctx := context.Background()
	db, closeDB, err := source.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer closeDB()

	layers := source.Select(cfg, opts.Layers)
	infos := make([]LayerInfo, 0, len(layers))

	for _, l := range layers {
		info := LayerInfo{Name: l.Name, Title: l.Title, Source: l.Table}
		if l.Inline != nil {
			info.Source = "inline"
		}

		if err := describe(ctx, &info, l, db); err != nil {
			log.Error().Err(err).Str("layer", l.Name).Msg("Failed to describe layer")
			info.Error = err.Error()
		}
		infos = append(infos, info)
	}

	// marshal
	var outputData []byte
	if opts.Format == "json" {
		outputData, err = json.MarshalIndent(infos, "", "  ")
	} else {
		outputData, err = yaml.Marshal(infos)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to marshal layer descriptions")
	}

	if opts.Output == "" {
		fmt.Println(string(outputData))
		return
	}

	if err := os.WriteFile(opts.Output, outputData, 0644); err != nil {
		log.Fatal().Err(err).Str("path", opts.Output).Msg("Failed to write output file")
	}
	log.Info().
		Int("layers", len(infos)).
		Str("path", opts.Output).
		Str("format", opts.Format).
		Msg("Layer descriptions written")
}

// describe fills info from the layer source without reading any record.
func describe(ctx context.Context, info *LayerInfo, l config.Layer, db postgis.Querier) error {
	src, err := source.Open(ctx, l, db)
	if err != nil {
		return err
	}
	defer source.Close(ctx, src)

	info.GeometryField = src.GeometryField()
	if info.Records, err = src.Count(ctx); err != nil {
		return err
	}
	info.Fields, err = src.Fields(ctx)
	return err
}
