package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"

	"github.com/ppiankov/rpcguard/internal/admission"
	"github.com/ppiankov/rpcguard/internal/config"
	"github.com/ppiankov/rpcguard/internal/fallback"
	"github.com/ppiankov/rpcguard/internal/grpcguard"
	"github.com/ppiankov/rpcguard/internal/guard"
	"github.com/ppiankov/rpcguard/internal/metrics"
	"github.com/ppiankov/rpcguard/internal/stats"
	"github.com/ppiankov/rpcguard/internal/traces"
)

// stack is a fully wired guard built from config: engine, coordinator,
// observers and their backends.
type stack struct {
	cfg      *config.Config
	logger   *slog.Logger
	engine   *admission.LocalEngine
	fallback *fallback.Registry
	coord    *guard.Coordinator
	store    stats.Store
	reloader *admission.Reloader
	closers  []func(context.Context) error
}

func newStack(ctx context.Context, cfg *config.Config, logger *slog.Logger, watch bool) (*stack, error) {
	s := &stack{cfg: cfg, logger: logger, fallback: fallback.NewRegistry()}

	rules, hash, err := admission.LoadRulesWithHash(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	s.engine, err = admission.NewLocalEngine(nil)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Load(rules, hash); err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.RulesPath, err)
	}
	s.engine.StartJanitor(ctx, time.Minute)
	logger.Debug("rules loaded", "path", cfg.RulesPath, "hash", hash, "rules", rules.Count())

	if watch && cfg.RulesPath != "" {
		s.reloader, err = admission.NewReloader(s.engine, cfg.RulesPath, logger)
		if err != nil {
			logger.Warn("hot-reload disabled", "error", err)
		} else {
			go s.reloader.Run(ctx)
		}
	}

	store, closeStore, err := stats.Open(cfg.Stats)
	if err != nil {
		return nil, err
	}
	s.store = store
	s.closers = append(s.closers, func(context.Context) error { return closeStore() })

	shutdown, err := traces.Init(ctx, cfg.Tracing.OTLPEndpoint, logger)
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.closers = append(s.closers, shutdown)

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logger.Error("metrics endpoint failed", "listen", cfg.Metrics.Listen, "error", err)
			}
		}()
	}

	observer := stats.NewObserver(store, logger, stats.WithQueueSize(cfg.Stats.QueueSize))
	s.closers = append(s.closers, observer.Close)

	s.coord = guard.New(s.engine,
		guard.WithNaming(cfg.Guard),
		guard.WithFallback(s.fallback),
		guard.WithLogger(logger),
		guard.WithObserver(metrics.Observer{}),
		guard.WithObserver(observer),
		guard.WithTracerProvider(otel.GetTracerProvider()),
	)
	return s, nil
}

// dialOptions installs the guard interceptors on a client connection.
func (s *stack) dialOptions() []grpc.DialOption {
	opts := []grpcguard.Option{
		grpcguard.WithGroup(s.cfg.Call.Group),
		grpcguard.WithVersion(s.cfg.Call.Version),
	}
	return []grpc.DialOption{
		grpc.WithChainUnaryInterceptor(grpcguard.UnaryClientInterceptor(s.coord, opts...)),
		grpc.WithChainStreamInterceptor(grpcguard.StreamClientInterceptor(s.coord, opts...)),
	}
}

// Close releases backends in reverse order of creation.
func (s *stack) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.Warn("shutdown error", "error", err)
		}
	}
	s.closers = nil
}
