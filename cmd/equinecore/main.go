// Command equinecore evaluates trait discovery and developmental milestones
// for subjects described in JSON files, against a catalog loaded from the
// configured blob store or the built-in default.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"equinecore/internal/blob"
	"equinecore/internal/catalog"
	"equinecore/internal/config"
	"equinecore/internal/core"
	"equinecore/internal/observability"
	"equinecore/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app holds the state shared by every subcommand of one invocation.
type app struct {
	logLevel  string
	traceFile string
	timeout   time.Duration

	cfg       config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	blobs     blob.Store
	store     domain.PersistentStore
	svc       *core.Service
	traceOut  io.WriteCloser
	environ   map[string]string
	newClock  func() core.Clock
	newTracer func(io.Writer) observability.Tracer
}

func newApp() *app {
	return &app{
		newTracer: func(w io.Writer) observability.Tracer { return observability.NewJSONTracer(w) },
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "equinecore",
		Short: "Trait discovery and developmental milestone engine",
		Long: `equinecore evaluates hidden-trait discovery, developmental windows and
age-gated milestones for horses described in JSON files.

Configuration is read from EQUINECORE_* environment variables. Storage,
catalog blob backend, logging and metrics follow that configuration.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override EQUINECORE_LOG_LEVEL")
	root.PersistentFlags().StringVar(&a.traceFile, "trace-file", "", "Write operation spans as JSON lines to this file")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 2*time.Minute, "Operation timeout")

	root.AddCommand(
		newCatalogCmd(a),
		newWindowsCmd(a),
		newMatrixCmd(a),
		newCareCmd(a),
		newDiscoverCmd(a),
		newMilestoneCmd(a),
		newHistoryCmd(a),
	)
	return root
}

// init loads configuration and builds the logger. Storage and the catalog
// are opened lazily by the commands that need them.
func (a *app) init() error {
	var err error
	if a.environ != nil {
		a.cfg, err = config.LoadFrom(a.environ)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		a.cfg.LogLevel = a.logLevel
	}
	a.logger, err = observability.NewLogger(a.cfg.LogLevel, a.cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *app) blobStore(ctx context.Context) (blob.Store, error) {
	if a.blobs != nil {
		return a.blobs, nil
	}
	store, err := blob.Open(ctx, a.cfg.Blob())
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	a.blobs = store
	return store, nil
}

func (a *app) catalog(ctx context.Context) (*catalog.Catalog, error) {
	if a.cfg.CatalogKey == "" {
		return catalog.Default(), nil
	}
	store, err := a.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.LoadFromBlob(ctx, store, a.cfg.CatalogKey)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("catalog loaded", zap.String("key", a.cfg.CatalogKey), zap.String("driver", string(store.Driver())))
	return cat, nil
}

func (a *app) service(ctx context.Context) (*core.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	cat, err := a.catalog(ctx)
	if err != nil {
		return nil, err
	}
	a.registry = prometheus.NewRegistry()
	metrics, err := observability.NewRecorder(a.cfg.MetricsDriver, a.registry)
	if err != nil {
		return nil, err
	}
	opts := append(core.ServiceOptionsFromConfig(a.cfg), core.WithLogger(a.logger), core.WithMetrics(metrics))
	if a.newClock != nil {
		opts = append(opts, core.WithClock(a.newClock()))
	}
	if a.traceFile != "" {
		f, err := os.OpenFile(a.traceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		a.traceOut = f
		opts = append(opts, core.WithTracer(a.newTracer(f)))
	}
	store, err := core.OpenPersistentStore(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	svc, err := core.NewService(cat, store, opts...)
	if err != nil {
		return nil, err
	}
	a.svc = svc
	a.logger.Debug("service ready",
		zap.String("storage", a.cfg.StorageDriver),
		zap.String("metrics", a.cfg.MetricsDriver))
	return svc, nil
}

// close releases the store and trace file. It runs after Execute returns,
// including on command errors.
func (a *app) close() error {
	var errs []error
	if a.registry != nil && a.logger != nil {
		if families, err := a.registry.Gather(); err == nil {
			for _, mf := range families {
				a.logger.Debug("metric family", zap.String("name", mf.GetName()), zap.Int("series", len(mf.GetMetric())))
			}
		}
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.traceOut != nil {
		errs = append(errs, a.traceOut.Close())
		a.traceOut = nil
	}
	a.svc = nil
	return errors.Join(errs...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	a := newApp()
	err := newRootCmd(a).ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil && err == nil {
		err = cerr
	}
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
