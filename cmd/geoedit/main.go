package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/joho/godotenv"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	ctrl "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zetareticula/geoedit/internal/api"
	"github.com/zetareticula/geoedit/internal/query"
	"github.com/zetareticula/geoedit/internal/session"
	"github.com/zetareticula/geoedit/internal/sketch"
	"github.com/zetareticula/geoedit/internal/store/cassandra"
	"github.com/zetareticula/geoedit/internal/store/gormstore"
	"github.com/zetareticula/geoedit/internal/store/mock"
	"github.com/zetareticula/geoedit/internal/store/redis"
	"github.com/zetareticula/geoedit/internal/store/service"
)

const version = "0.1.0"

const usage = `geoedit: interactive feature editing service.

Usage:
    geoedit serve [--config=<config>] [--v=<level>]
    geoedit validate [--config=<config>]
    geoedit import <store> <file> [--config=<config>] [--v=<level>]
    geoedit -h | --help
    geoedit --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<config>    Configuration file, YAML or TOML [default: geoedit.yaml].
    --v=<level>          Log verbosity [default: 0].`

// layer is a configured store plus what must be closed or run beside it
type layer struct {
	store   session.Store
	service *service.Store
	closers []func() error
}

func main() {
	_ = godotenv.Load(".env")

	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	configPath, _ := opts.String("--config")
	verbosity := 0
	if v, _ := opts.String("--v"); v != "" {
		verbosity, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("GEOEDIT_LOG_V"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			verbosity = n
		}
	}
	logger := funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", prefix, args)
			return
		}
		fmt.Fprintln(os.Stderr, args)
	}, funcr.Options{Verbosity: verbosity, LogTimestamp: true})
	ctrl.SetLogger(logger)

	config, err := session.LoadConfig(configPath)
	if err != nil {
		logger.Error(err, "failed to load config", "path", configPath)
		os.Exit(1)
	}
	config.ApplyEnv(os.Getenv)

	if validate, _ := opts.Bool("validate"); validate {
		templates, _ := config.BuildTemplates()
		fmt.Printf("%s: %d stores, %d templates\n", configPath, len(config.Stores), len(templates))
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = ctrl.IntoContext(ctx, logger)

	if imp, _ := opts.Bool("import"); imp {
		storeID, _ := opts.String("<store>")
		file, _ := opts.String("<file>")
		if err := importFeatures(ctx, config, storeID, file); err != nil {
			logger.Error(err, "import failed", "store", storeID, "file", file)
			os.Exit(1)
		}
		return
	}

	if serve, _ := opts.Bool("serve"); serve {
		if err := run(ctx, config, logger); err != nil {
			logger.Error(err, "server stopped")
			os.Exit(1)
		}
	}
}

func run(ctx context.Context, config *session.Config, logger logr.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	layers := make([]layer, 0, len(config.Stores))
	defer func() {
		for _, l := range layers {
			for _, c := range l.closers {
				_ = c()
			}
		}
	}()
	stores := make([]session.Store, 0, len(config.Stores))
	for _, sc := range config.Stores {
		l, err := openLayer(ctx, sc, config.Connection)
		if err != nil {
			return fmt.Errorf("store %s: %w", sc.Name, err)
		}
		layers = append(layers, l)
		stores = append(stores, l.store)

		if l.service != nil {
			svc := l.service
			reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name:        "geoedit_pending_edits",
				Help:        "Edits waiting to be pushed to the remote",
				ConstLabels: prometheus.Labels{"store": sc.Name},
			}, func() float64 { return float64(svc.Pending()) }))
			if config.Statistics.Enabled {
				go svc.ReportPending(ctx, time.Duration(config.Statistics.IntervalSeconds)*time.Second)
			}
		}
	}

	templates, err := config.BuildTemplates()
	if err != nil {
		return err
	}

	extent := orb.Bound{
		Min: orb.Point{config.Server.Extent[0], config.Server.Extent[1]},
		Max: orb.Point{config.Server.Extent[2], config.Server.Extent[3]},
	}
	if extent.Min == extent.Max {
		extent = orb.Bound{Max: orb.Point{config.Server.Width, config.Server.Height}}
	}
	viewport := session.NewStaticViewport(config.Server.Width, config.Server.Height, extent)

	hub := api.NewHub(logger.WithName("events"))
	sketcher := sketch.New()
	sess, err := session.NewEditSession(session.Options{
		Provider:    sketcher,
		Viewport:    viewport,
		Reporter:    hub,
		Stores:      stores,
		Metrics:     session.NewSessionMetrics(reg),
		Progress:    hub.Progress,
		ReportBusy:  config.Session.ReportBusy,
		TolerancePx: config.Query.TolerancePx,
	})
	if err != nil {
		return err
	}

	var pointer *query.PointerQuery
	if config.Query.Store != "" {
		st, _ := sess.Store(config.Query.Store)
		radius := config.Query.Radius
		if radius <= 0 {
			radius = viewport.PixelSize() * 50
		}
		pointer, err = query.New(query.Options{
			Store:    st,
			Viewport: viewport,
			GateKey:  config.Query.GateKey,
			Region:   query.SquareRegion(radius),
			Renderer: hub,
			Reporter: hub,
			Metrics:  query.NewMetrics(reg),
		})
		if err != nil {
			return err
		}
	}

	srv := api.NewServer(ctx, api.Deps{
		Session:   sess,
		Sketcher:  sketcher,
		Viewport:  viewport,
		Pointer:   pointer,
		Templates: templates,
		Hub:       hub,
		Gatherer:  reg,
		Logger:    logger.WithName("http"),
	})
	httpServer := &http.Server{Addr: config.Server.Listen, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", config.Server.Listen, "stores", sess.StoreIDs(), "templates", len(templates))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		_ = sketcher.Cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		srv.Wait()
	}
	return nil
}

// openLayer builds the local store for sc and wraps it for explicit sync
func openLayer(ctx context.Context, sc session.StoreConfig, conn session.ConnectionConfig) (layer, error) {
	logger := ctrl.FromContext(ctx).WithValues("store", sc.Name)
	schema, err := sc.Schema()
	if err != nil {
		return layer{}, err
	}
	policy, err := sc.SyncPolicy()
	if err != nil {
		return layer{}, err
	}

	var l layer
	var local session.Store
	switch sc.Driver {
	case "memory":
		local = mock.NewStore(sc.Name, schema)
	case "sqlite", "postgres":
		db, err := gormstore.Open(sc.Driver, sc.DSN)
		if err != nil {
			return layer{}, err
		}
		if sqlDB, err := db.DB(); err == nil {
			l.closers = append(l.closers, sqlDB.Close)
		}
		local = gormstore.NewStore(db, sc.Name, schema)
	default:
		return layer{}, fmt.Errorf("%w: unknown driver %q", session.ErrInvalidConfig, sc.Driver)
	}

	if policy == session.SyncImplicit {
		l.store = local
		logger.Info("store opened", "driver", sc.Driver, "sync", policy)
		return l, nil
	}

	var remote service.Remote
	switch sc.Remote.Type {
	case "redis":
		r := redis.NewRemote(sc.Remote.Addr, sc.Remote.DB)
		l.closers = append(l.closers, r.Close)
		remote = r
	case "cassandra":
		r, err := cassandra.NewRemote(sc.Remote.Hosts, sc.Remote.Keyspace, conn)
		if err != nil {
			return layer{}, err
		}
		l.closers = append(l.closers, r.Close)
		if err := r.EnsureSchema(ctx); err != nil {
			return layer{}, err
		}
		remote = r
	}

	svc := service.NewStore(local, remote, conn)
	n, err := svc.Load(ctx)
	if err != nil {
		logger.Error(err, "could not load remote features, starting from local copy")
	}
	l.store = svc
	l.service = svc
	logger.Info("store opened", "driver", sc.Driver, "sync", policy, "remote", sc.Remote.Type, "loaded", n)
	return l, nil
}

// importFeatures writes a GeoJSON feature collection into a store
func importFeatures(ctx context.Context, config *session.Config, storeID, file string) error {
	var sc *session.StoreConfig
	for i := range config.Stores {
		if config.Stores[i].Name == storeID {
			sc = &config.Stores[i]
		}
	}
	if sc == nil {
		return fmt.Errorf("%w: %q", session.ErrUnknownStore, storeID)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return err
	}

	l, err := openLayer(ctx, *sc, config.Connection)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range l.closers {
			_ = c()
		}
	}()

	schema := l.store.Schema()
	added := 0
	for i, gf := range fc.Features {
		f, err := session.DecodeFeature(gf, schema)
		if err != nil {
			return fmt.Errorf("feature %d: %w", i, err)
		}
		if _, err := l.store.Add(ctx, f); err != nil {
			return fmt.Errorf("feature %d: %w", i, err)
		}
		added++
	}
	if err := l.store.ApplyPendingEdits(ctx); err != nil {
		return err
	}
	ctrl.FromContext(ctx).Info("features imported", "store", storeID, "count", added)
	return nil
}
