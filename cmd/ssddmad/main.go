// Command ssddmad runs the SSD DMA broker. It pins host memory for local
// processes and validates the transfers they submit over a unix socket.
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

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/ssddma-go/broker"
	"github.com/rocketbitz/ssddma-go/channel"
	"github.com/rocketbitz/ssddma-go/dma"
	"github.com/rocketbitz/ssddma-go/nvme"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ssddmad: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ssddmad: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger.Sugar(), prometheus.DefaultRegisterer); err != nil {
		logger.Error("ssddmad failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// run serves the broker until ctx is done or a component fails.
func run(ctx context.Context, cfg *config, log *zap.SugaredLogger, reg prometheus.Registerer) error {
	registry := dma.NewRegistry(
		dma.WithHostAllocator(dma.HostAllocator{Name: cfg.Node}),
		dma.WithLogger(log),
	)
	defer func() {
		if err := registry.Close(); err != nil {
			log.Warnw("registry close", "error", err)
		}
	}()

	metrics, err := broker.NewPrometheusMetrics(broker.PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	b, err := broker.New(broker.Config{
		Registry:        registry,
		Resolver:        nvme.NewResolver(nvme.WithSysfs(cfg.Sysfs), nvme.WithLogger(log)),
		MaxVectorLength: cfg.MaxVectorLength,
		VectorBudget:    cfg.VectorBudget,
		PinBudget:       cfg.PinBudget,
		Logger:          log,
		Metrics:         metrics,
	})
	if err != nil {
		return err
	}
	node, err := broker.Register(cfg.Node, b)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Deregister(); err != nil {
			log.Warnw("deregister", "node", cfg.Node, "error", err)
		}
	}()

	srv, err := channel.Listen(cfg.Socket, node, channel.WithServerLogger(log), channel.WithSocketMode(cfg.socketMode()))
	if err != nil {
		return err
	}
	log.Infow("serving", "node", cfg.Node, "socket", srv.Addr(),
		"max_vector_length", cfg.MaxVectorLength, "vector_budget", humanize.IBytes(uint64(cfg.VectorBudget)),
		"pin_budget", humanize.IBytes(uint64(cfg.PinBudget)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Serve(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, channel.ErrServerClosed) {
			return nil
		}
		return err
	})
	if cfg.MetricsAddr != "" {
		gatherer, ok := reg.(prometheus.Gatherer)
		if !ok {
			gatherer = prometheus.DefaultGatherer
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	err = g.Wait()
	log.Infow("stopped", "node", cfg.Node, "error", err)
	return err
}
