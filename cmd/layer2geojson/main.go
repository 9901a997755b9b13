package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/woozymasta/layer2geojson/internal/config"
	"github.com/woozymasta/layer2geojson/internal/geo"
	"github.com/woozymasta/layer2geojson/internal/logger"
	"github.com/woozymasta/layer2geojson/internal/processor"
	"github.com/woozymasta/layer2geojson/internal/progress"
	"github.com/woozymasta/layer2geojson/internal/source"
	"github.com/woozymasta/layer2geojson/internal/source/postgis"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Logger logger.Logger `group:"Logger options"`

	ConfigFile  string   `short:"c" long:"config"       env:"CONFIG_FILE"  description:"Path to configuration file" default:"config.yaml"`
	Database    string   `long:"database"               env:"DATABASE_URL" description:"PostGIS connection string, overrides the config"`
	Layers      []string `short:"l" long:"layer"        env:"LAYER_NAMES"  description:"Limit export to specific layer names or aliases"`
	Out         string   `short:"o" long:"out"          description:"Output file for a single layer, '-' for stdout"`
	OutDir      string   `short:"d" long:"out-dir"      env:"OUTPUT_DIR"   description:"Output directory, overrides the config"`
	Gist        bool     `short:"g" long:"gist"         description:"Publish layers as GitHub gists instead of writing files"`
	Token       string   `long:"token"                  env:"GITHUB_TOKEN" description:"GitHub token used for gists"`
	Lossy       bool     `long:"lossy"                  description:"Replace invalid UTF-8 in attributes instead of failing"`
	MetricsFile string   `long:"metrics-file"           env:"METRICS_FILE" description:"Write export metrics in Prometheus text format"`
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
	if opts.OutDir != "" {
		cfg.OutputDir = opts.OutDir
	}

	layers := source.Select(cfg, opts.Layers)
	if opts.Out != "" && len(layers) != 1 {
		log.Fatal().
			Int("layers", len(layers)).
			Msg("--out needs exactly one layer, use --layer to pick it")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, closeDB, err := source.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer closeDB()

	base := geo.Options{}
	if opts.Lossy {
		base.Text = geo.TextFlagLossy
	}

	var gist *processor.GistClient
	if opts.Gist {
		gist = &processor.GistClient{
			HTTPClient: &http.Client{Timeout: 60 * time.Second},
			Endpoint:   cfg.Gist.Endpoint,
			Token:      opts.Token,
			Public:     cfg.Gist.IsPublic(),
		}
	}

	metrics := progress.NewMetrics()

	log.Info().
		Int("layers_total", len(cfg.Layers)).
		Int("layers_queued", len(layers)).
		Bool("gist", opts.Gist).
		Msg("Starting export")

	failed := 0
	for _, l := range layers {
		start := time.Now()
		err := export(ctx, db, l, base, metrics, gist, target(cfg, opts, l))
		metrics.ObserveExport(l.Name, err, time.Since(start))

		if err != nil {
			failed++
			log.Error().Err(err).Str("layer", l.Name).Msg("Failed to export layer")
		}
		if ctx.Err() != nil {
			break
		}
	}

	if opts.MetricsFile != "" {
		if err := metrics.WriteTextfile(opts.MetricsFile); err != nil {
			log.Error().Err(err).Str("path", opts.MetricsFile).Msg("Failed to write metrics")
		}
	}

	if failed > 0 {
		log.Error().Int("failed", failed).Int("layers", len(layers)).Msg("Export finished with errors")
		os.Exit(1)
	}

	log.Info().Msg("Export finished successfully")
}

// target returns the output path of l, "-" meaning stdout.
func target(cfg *config.Config, opts Options, l config.Layer) string {
	if opts.Out != "" {
		return opts.Out
	}
	return filepath.Join(cfg.OutputDir, l.Name+".geojson")
}

func export(ctx context.Context, db postgis.Querier, l config.Layer, base geo.Options, metrics *progress.Metrics, gist *processor.GistClient, path string) error {
	src, err := source.Open(ctx, l, db)
	if err != nil {
		return err
	}
	defer source.Close(ctx, src)

	opts := source.StreamOptions(l, base)
	opts.Progress = progress.New(l.Name, metrics)

	switch {
	case gist != nil:
		url, err := processor.PublishGist(ctx, src, gist, opts)
		if err != nil {
			return err
		}
		// stdout carries the gist URL so scripts can pick it up
		_, err = os.Stdout.WriteString(url + "\n")
		return err

	case path == "-":
		return processor.Write(ctx, os.Stdout, src, opts)

	default:
		return processor.WriteFile(ctx, src, path, opts)
	}
}
