package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mrzor/socket-tracer/internal/attributes"
	"github.com/mrzor/socket-tracer/internal/config"
	"github.com/mrzor/socket-tracer/internal/connector"
	"github.com/mrzor/socket-tracer/internal/otel"
	"github.com/mrzor/socket-tracer/internal/output"
	"github.com/mrzor/socket-tracer/internal/peername"
	"github.com/mrzor/socket-tracer/internal/procmeta"
	"github.com/mrzor/socket-tracer/internal/protocols"
	"github.com/mrzor/socket-tracer/internal/protocols/http"
	"github.com/mrzor/socket-tracer/internal/protocols/mysql"
	"github.com/mrzor/socket-tracer/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var summarizers = map[protocols.Protocol]output.Summarizer{
	protocols.HTTP:  http.Summarize,
	protocols.MySQL: mysql.Summarize,
}

// buildHandlers registers the enabled protocols. HTTP is probed before MySQL.
func buildHandlers(cfg *config.Config) (*protocols.Table, error) {
	var handlers []protocols.Handler
	if cfg.Protocols.HTTP.Enabled {
		handlers = append(handlers, http.NewHandler(http.Options{
			MaxBodyBytes:   cfg.Protocols.HTTP.MaxBodyBytes,
			DecompressGzip: cfg.Protocols.HTTP.DecompressGzip,
		}))
	}
	if cfg.Protocols.MySQL.Enabled {
		handlers = append(handlers, mysql.NewHandler())
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("no protocol enabled")
	}
	return protocols.NewTable(handlers...)
}

// tableFactory creates the sink for one schema.
type tableFactory func(p protocols.Protocol, schema protocols.Schema) output.DataTable

// setupTables creates one emitter per registered protocol and adds it to the
// connector. The returned func flushes and closes the sink.
func setupTables(ctx context.Context, cfg *config.Config, handlers *protocols.Table, conn *connector.SocketTraceConnector, logger *zap.Logger, metrics *telemetry.Metrics) (func(), error) {
	newTable, shutdown, err := newTableFactory(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	for _, h := range handlers.Handlers() {
		e, err := output.NewEmitter(newTable(h.Protocol(), h.Schema()), cfg.Output.MaxBufferedRecords, logger, metrics)
		if err != nil {
			shutdown()
			return nil, err
		}
		if err := conn.AddTable(h.Protocol(), e); err != nil {
			shutdown()
			return nil, err
		}
	}
	return shutdown, nil
}

func newTableFactory(ctx context.Context, cfg *config.Config, logger *zap.Logger) (tableFactory, func(), error) {
	noop := func() {}

	switch cfg.Output.Sink {
	case config.SinkNone:
		return func(_ protocols.Protocol, s protocols.Schema) output.DataTable { return output.NewDiscard(s) }, noop, nil
	case config.SinkLog:
		return func(_ protocols.Protocol, s protocols.Schema) output.DataTable { return output.NewLogTable(s, logger) }, noop, nil
	case config.SinkOTEL:
	default:
		return nil, nil, fmt.Errorf("unknown sink %q", cfg.Output.Sink)
	}

	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, err
	}
	tp, err := otel.InitProvider(ctx, otelCfg, version, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			logger.Warn("shutting down OTEL provider", zap.Error(err))
		}
	}

	factory, closePeers, err := spanTableFactory(cfg, tp.Tracer("socket-tracer"), logger)
	if err != nil {
		shutdown()
		return nil, nil, err
	}
	return factory, func() {
		closePeers()
		shutdown()
	}, nil
}

// spanTableFactory compiles the attribute expressions once and shares them
// across every protocol's span table. The returned func stops the peer name
// resolver.
func spanTableFactory(cfg *config.Config, tracer trace.Tracer, logger *zap.Logger) (tableFactory, func(), error) {
	customAttrs, err := config.ParseAttributeString(cfg.Output.Attributes)
	if err != nil {
		return nil, nil, err
	}
	evaluator, err := attributes.NewEvaluator(customAttrs, logger)
	if err != nil {
		return nil, nil, err
	}
	traceID, err := attributes.NewTraceIDEvaluator(cfg.Output.TraceID)
	if err != nil {
		return nil, nil, err
	}
	metadata, err := procmeta.NewManager(cfg.ProcRoot, cfg.ProcMeta.CacheSize, cfg.ProcMeta.CacheTTL)
	if err != nil {
		return nil, nil, err
	}
	var peers *peername.Resolver
	closePeers := func() {}
	if cfg.Output.ResolvePeerNames {
		peers = peername.New(cfg.ProcMeta.CacheSize, nil)
		closePeers = peers.Close
	}

	return func(p protocols.Protocol, s protocols.Schema) output.DataTable {
		return output.NewSpanTable(s, output.SpanOptions{
			Tracer:     tracer,
			Summarize:  summarizers[p],
			Attributes: evaluator,
			TraceID:    traceID,
			Metadata:   metadata,
			PeerNames:  peers,
			Logger:     logger,
		})
	}, closePeers, nil
}
