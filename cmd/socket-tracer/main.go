// socket-tracer captures socket traffic with eBPF and turns it into protocol
// records exported as OpenTelemetry spans or structured logs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/mrzor/socket-tracer/internal/bpfloader"
	"github.com/mrzor/socket-tracer/internal/config"
	"github.com/mrzor/socket-tracer/internal/connector"
	"github.com/mrzor/socket-tracer/internal/conntracker"
	"github.com/mrzor/socket-tracer/internal/eventprocessor"
	"github.com/mrzor/socket-tracer/internal/eventstream"
	"github.com/mrzor/socket-tracer/internal/telemetry"
	"github.com/mrzor/socket-tracer/internal/timesync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	configPath  string
	bpfObject   string
	metricsAddr string
	debug       bool
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "socket-tracer",
		Short:        "Trace HTTP and MySQL traffic from socket syscalls",
		Long:         `socket-tracer attaches eBPF probes to socket syscalls, reassembles each connection's byte streams, parses HTTP/1.x and MySQL messages and emits one record per request/response pair.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	cmd.Flags().StringVar(&opts.bpfObject, "bpf-object", "", "path to the compiled socket trace BPF object")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on, empty to disable")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable development logging")

	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.bpfObject != "" {
		cfg.BPFObject = opts.bpfObject
	}
	if opts.metricsAddr != "" {
		cfg.MetricsAddr = opts.metricsAddr
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := newLogger(opts.debug)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
	}()
	logger.Info("starting socket-tracer", zap.String("version", version), zap.String("commit", commit))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	converter, err := timesync.NewConverter()
	if err != nil {
		return fmt.Errorf("failed to create time converter: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.New(promRegistry)

	handlers, err := buildHandlers(cfg)
	if err != nil {
		return err
	}
	registry := conntracker.NewRegistry(cfg, handlers, converter.WallClockNanos, logger, metrics)
	conn := connector.New(registry, converter, cfg.TransferInterval, logger, metrics)

	shutdownSink, err := setupTables(ctx, cfg, handlers, conn, logger, metrics)
	if err != nil {
		return err
	}
	defer shutdownSink()

	dataRB, controlRB, cleanupBPF, err := setupBPF(cfg.BPFObject, logger)
	if err != nil {
		return err
	}
	defer cleanupBPF()

	processor := eventprocessor.NewProcessor(registry, converter, logger, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eventstream.New("data", dataRB, processor.AcceptData, logger).Run(gctx)
	})
	g.Go(func() error {
		return eventstream.New("control", controlRB, processor.AcceptControl, logger).Run(gctx)
	})
	g.Go(func() error {
		return conn.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, promRegistry, logger)
		})
	}

	logger.Info("tracing sockets", zap.Stringers("protocols", handlers.Protocols()))
	err = g.Wait()
	logger.Info("stopped", zap.Int("live_connections", registry.Len()))
	return err
}

// closers closes what a setup step opened, most recent first.
type closers struct {
	logger *zap.Logger
	items  []io.Closer
	names  []string
}

func (c *closers) push(name string, cl io.Closer) {
	c.items = append(c.items, cl)
	c.names = append(c.names, name)
}

func (c *closers) closeAll() {
	for i := len(c.items) - 1; i >= 0; i-- {
		if err := c.items[i].Close(); err != nil {
			c.logger.Warn("closing "+c.names[i], zap.Error(err))
		}
	}
	c.items, c.names = nil, nil
}

// setupBPF loads and attaches the probe and opens both ring buffers. The
// returned func closes the readers and the loader; on error everything opened
// so far is already closed.
func setupBPF(objectPath string, logger *zap.Logger) (*ringbuf.Reader, *ringbuf.Reader, func(), error) {
	loader, err := bpfloader.New(objectPath)
	if err != nil {
		return nil, nil, nil, err
	}
	opened := &closers{logger: logger}
	opened.push("BPF objects", loader)
	fail := func(err error) (*ringbuf.Reader, *ringbuf.Reader, func(), error) {
		opened.closeAll()
		return nil, nil, nil, err
	}

	// Keep the exporter's own traffic out of the trace.
	if err := loader.IgnorePID(os.Getpid()); err != nil {
		return fail(err)
	}
	if err := loader.Attach(); err != nil {
		return fail(err)
	}

	dataRB, err := loader.OpenDataRingBuffer()
	if err != nil {
		return fail(err)
	}
	opened.push("data ring buffer", dataRB)

	controlRB, err := loader.OpenControlRingBuffer()
	if err != nil {
		return fail(err)
	}
	opened.push("control ring buffer", controlRB)

	return dataRB, controlRB, opened.closeAll, nil
}

// serveMetrics serves /metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
