package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/woozymasta/layer2geojson/internal/config"
	"github.com/woozymasta/layer2geojson/internal/geo"
	"github.com/woozymasta/layer2geojson/internal/logger"
	"github.com/woozymasta/layer2geojson/internal/progress"
	"github.com/woozymasta/layer2geojson/internal/server"
	"github.com/woozymasta/layer2geojson/internal/source"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Logger logger.Logger `group:"Logger options"`

	ConfigFile string `short:"c" long:"config"   env:"CONFIG_FILE"    description:"Path to configuration file" default:"config.yaml"`
	Addr       string `short:"a" long:"addr"     env:"LISTEN_ADDRESS" description:"Address to listen on"       default:"0.0.0.0"`
	Port       int    `short:"p" long:"port"     env:"LISTEN_PORT"    description:"Port to listen on"          default:"8080"`
	Database   string `long:"database"           env:"DATABASE_URL"   description:"PostGIS connection string, overrides the config"`
	Lossy      bool   `long:"lossy"              env:"LOSSY_TEXT"     description:"Replace invalid UTF-8 in attributes instead of failing"`
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

	// Setup Logging
	opts.Logger.Setup()

	// Load Config
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, closeDB, err := source.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer closeDB()

	streamOpts := geo.Options{}
	if opts.Lossy {
		streamOpts.Text = geo.TextFlagLossy
	}

	metrics := progress.NewMetrics()
	srvCtx, err := server.NewServerContext(cfg, db, metrics, streamOpts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	// Routes
	mux := http.NewServeMux()
	mux.HandleFunc("/api/layers", srvCtx.HandleLayersList)
	mux.HandleFunc("/layers/", srvCtx.HandleLayer)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", srvCtx.HandleIndex)

	listenAddr := fmt.Sprintf("%s:%d", opts.Addr, opts.Port)
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           server.RequestLogger(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", listenAddr).
		Int("layers_loaded", len(cfg.Layers)).
		Bool("database", db != nil).
		Msg("Web server started")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}

	log.Info().Msg("Web server stopped")
}
