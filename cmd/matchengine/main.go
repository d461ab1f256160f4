package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/petrijr/matchengine/internal/config"
	"github.com/petrijr/matchengine/internal/logging"
	"github.com/petrijr/matchengine/internal/persistence"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "matchengine:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "matchengine",
		Short:         "Run matching engine maintenance tasks against MongoDB",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newCheckIndicesCmd(), newPingCmd())
	return root
}

// env is what every command needs once configuration is loaded.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *persistence.MongoStore
	reg    *prometheus.Registry

	closers []func(context.Context) error
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, logger: logger, reg: prometheus.NewRegistry()}

	rw, err := connect(ctx, cfg.Mongo.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Mongo.URI, err)
	}
	e.closers = append(e.closers, rw.Disconnect)

	ro := rw
	if cfg.Mongo.ReadOnlyURI != "" {
		ro, err = connect(ctx, cfg.Mongo.ReadOnlyURI, readpref.SecondaryPreferred())
		if err != nil {
			_ = e.close()
			return nil, fmt.Errorf("connect %s: %w", cfg.Mongo.ReadOnlyURI, err)
		}
		e.closers = append(e.closers, ro.Disconnect)
	}
	e.store = persistence.NewMongoStoreWithReplicas(ro, rw, cfg.Mongo.Database)

	if cfg.Metrics.Addr != "" {
		e.serveMetrics(cfg.Metrics.Addr)
	}
	return e, nil
}

func connect(ctx context.Context, uri string, rp *readpref.ReadPref) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(uri).SetAppName("matchengine")
	if rp != nil {
		opts.SetReadPreference(rp)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return mongo.Connect(ctx, opts)
}

func (e *env) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{Registry: e.reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics_server_failed", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	e.logger.Info("metrics_server_started", slog.String("addr", addr))
	e.closers = append(e.closers, srv.Shutdown)
}

func (e *env) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}
	return errors.Join(errs...)
}
