// Package rawrqueue assembles the batch queue, the cache facade and the
// sliding-window rate limiter into a gRPC server.
//
//	srv, err := rawrqueue.NewServer(ctx, rawrqueue.DefaultOptions()...)
//	if err != nil { ... }
//	srv.RegisterAdmission()
//	go srv.Serve(lis)
//	defer srv.Shutdown(ctx)
//
// Interceptors run in a fixed order (recovery, request id, tracing, actor,
// rate limit, user interceptors) no matter the order of the options.
package rawrqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Keksclan/rawrqueue/admission"
	"github.com/Keksclan/rawrqueue/auth"
	"github.com/Keksclan/rawrqueue/breaker"
	"github.com/Keksclan/rawrqueue/cache"
	"github.com/Keksclan/rawrqueue/events"
	"github.com/Keksclan/rawrqueue/events/kafkasink"
	"github.com/Keksclan/rawrqueue/interceptors"
	"github.com/Keksclan/rawrqueue/internal/core"
	"github.com/Keksclan/rawrqueue/metrics"
	"github.com/Keksclan/rawrqueue/policy"
	"github.com/Keksclan/rawrqueue/queue"
	"github.com/Keksclan/rawrqueue/ratelimit"
	"github.com/Keksclan/rawrqueue/security"
	"github.com/Keksclan/rawrqueue/store"
	"github.com/Keksclan/rawrqueue/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server owns the gRPC server and everything behind it.
type Server struct {
	grpcServer *grpc.Server
	chain      []string

	store   store.Store
	queue   *queue.Queue
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	metrics *metrics.Collector
	gather  prometheus.Gatherer
	sink    *kafkasink.Sink
	detach  []func()
	logger  *zap.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer opens the configured store and starts the queue. ctx bounds
// only the start-up (store dial); call [Server.Shutdown] to release
// everything.
func NewServer(ctx context.Context, opts ...Option) (*Server, error) {
	o := options{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	if o.store != nil && cfg.Store.Type == "" {
		cfg.Store.Type = StoreMemory
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	collector := metrics.New(reg)

	s := &Server{
		metrics: collector,
		gather:  reg,
		logger:  logger,
	}

	base := o.store
	if base == nil {
		var err error
		if base, err = openStore(ctx, cfg.Store, logger); err != nil {
			return nil, err
		}
	}

	bc := cfg.Breaker
	bc.OnStateChange = func(from, to breaker.State) {
		collector.ObserveBreaker(from, to)
		logger.Warn("store circuit breaker changed state",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	s.store = store.Guard(base, breaker.New(bc))

	var tc *tracing.Config
	if o.tracerProvider != nil || cfg.Tracing.Enabled {
		tc = &tracing.Config{TracerProvider: o.tracerProvider}
	}

	emitter := events.NewEmitter(logger)
	q, err := queue.New(s.store, cfg.Queue,
		queue.WithEmitter(emitter),
		queue.WithLogger(logger),
		queue.WithTracing(tc),
	)
	if err != nil {
		s.closeStore()
		return nil, err
	}
	s.queue = q
	s.detach = append(s.detach, collector.Attach(emitter))
	collector.TrackPending(q)

	w := o.kafka
	if w == nil && len(cfg.Kafka.Brokers) > 0 {
		w = kafkasink.NewWriter(cfg.Kafka, logger)
	}
	if w != nil {
		s.sink = kafkasink.New(w, logger)
		s.detach = append(s.detach, s.sink.Attach(emitter))
	}

	s.cache = cache.New(q)
	limiterOpts := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithObserver(collector.ObserveDecision),
	}
	if cfg.RateLimit.Prefix != "" {
		limiterOpts = append(limiterOpts, ratelimit.WithPrefix(cfg.RateLimit.Prefix))
	}
	s.limiter = ratelimit.New(s.cache, limiterOpts...)

	var chain core.Chain
	if o.recovery {
		chain.Add("recovery", core.OrderRecovery,
			interceptors.RecoveryUnary(logger), interceptors.RecoveryStream(logger))
	}
	if o.requestID {
		chain.Add("requestid", core.OrderRequestID,
			interceptors.RequestIDUnary(), interceptors.RequestIDStream())
	}
	if tc != nil {
		chain.Add("tracing", core.OrderTracing,
			tracing.UnaryServerInterceptor(tc), tracing.StreamServerInterceptor(tc))
	}
	actors := o.actors
	if actors == nil && len(cfg.Auth.Tokens) > 0 {
		actors = auth.Tokens(cfg.Auth.Tokens)
	}
	if actors != nil {
		chain.Add("actor", core.OrderActor,
			interceptors.ActorUnary(actors), interceptors.ActorStream(actors))
	}
	if o.rateLimit || cfg.RateLimit.Enabled {
		rlc, err := rateLimitConfig(cfg.RateLimit, s.limiter, logger)
		if err != nil {
			_ = s.Shutdown(ctx)
			return nil, err
		}
		chain.Add("ratelimit", core.OrderRateLimit,
			interceptors.RateLimitUnary(rlc), interceptors.RateLimitStream(rlc))
	}
	for _, u := range o.unary {
		chain.Add("user", core.OrderUser, u, nil)
	}
	for _, st := range o.stream {
		chain.Add("user", core.OrderUser, nil, st)
	}

	s.chain = chain.Names()
	s.grpcServer = grpc.NewServer(chain.ServerOptions()...)
	logger.Info("rawrqueue server ready",
		zap.String("store", cfg.Store.Type),
		zap.Strings("interceptors", s.chain),
	)
	return s, nil
}

func openStore(ctx context.Context, sc StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch sc.Type {
	case StoreRedis:
		rc := sc.Retry
		rc.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Warn("redis not reachable, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}
		return store.DialRedis(ctx, sc.Redis, rc)
	case StoreDynamo:
		return store.OpenDynamo(ctx, sc.Dynamo)
	default:
		m, err := store.NewMemory(sc.MemoryMaxCost)
		if err != nil {
			return nil, fmt.Errorf("rawrqueue: memory store: %w", err)
		}
		return store.FanOut(m, sc.FanOut), nil
	}
}

func rateLimitConfig(rl RateLimitConfig, limiter *ratelimit.Limiter, logger *zap.Logger) (interceptors.RateLimitConfig, error) {
	resolver, err := policy.FromConfig(rl.Groups)
	if err != nil {
		return interceptors.RateLimitConfig{}, err
	}
	clients, err := security.NewClientResolver(rl.TrustedProxies, rl.HeaderPriority)
	if err != nil {
		return interceptors.RateLimitConfig{}, err
	}
	exempt, err := security.ParsePrefixes(rl.Exempt)
	if err != nil {
		return interceptors.RateLimitConfig{}, err
	}

	rlc := interceptors.RateLimitConfig{
		Limiter:  limiter,
		Resolver: resolver,
		Clients:  clients,
		Exempt:   exempt,
		Logger:   logger,
	}
	if rl.Default != "" {
		p := ratelimit.Presets()[rl.Default]
		rlc.Default = &p
	}
	if rl.GateRPS > 0 {
		rlc.Gate = ratelimit.NewGate(rl.GateRPS, max(rl.GateBurst, 1))
	}
	return rlc, nil
}

// GRPC returns the underlying *grpc.Server so callers can register services.
func (s *Server) GRPC() *grpc.Server { return s.grpcServer }

// Interceptors returns the names of the installed interceptors in
// execution order.
func (s *Server) Interceptors() []string { return s.chain }

// Queue returns the batch queue.
func (s *Server) Queue() *queue.Queue { return s.queue }

// Cache returns the cache facade over the queue.
func (s *Server) Cache() *cache.Cache { return s.cache }

// Limiter returns the sliding-window limiter shared with the interceptors.
func (s *Server) Limiter() *ratelimit.Limiter { return s.limiter }

// RegisterAdmission registers the rawr.Admission service backed by the
// server's limiter. extra policies are offered next to the presets.
func (s *Server) RegisterAdmission(extra ...ratelimit.Policy) {
	admission.Register(s.grpcServer, admission.NewService(s.limiter, extra...))
}

// MetricsHandler serves the server's Prometheus metrics.
func (s *Server) MetricsHandler() http.Handler {
	return metrics.Handler(s.gather)
}

// Serve accepts gRPC connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Shutdown stops accepting calls, drains in-flight ones, flushes the queue
// and closes the store and the event sink. When ctx ends first, remaining
// calls are cut off and the context error is returned. Shutdown is
// idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	var errs []error

	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
			<-stopped
		}
	}

	if err := s.queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	for _, d := range s.detach {
		d()
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event sink: %w", err))
		}
	}
	if err := s.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown incomplete", zap.Error(err))
	} else {
		s.logger.Info("rawrqueue server stopped")
	}
	return err
}

func (s *Server) closeStore() error {
	if c, ok := s.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
