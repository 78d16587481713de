package rawrqueue

import (
	"github.com/Keksclan/rawrqueue/auth"
	"github.com/Keksclan/rawrqueue/events/kafkasink"
	"github.com/Keksclan/rawrqueue/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// options holds what the functional options assemble before [NewServer]
// builds the server.
type options struct {
	cfg            Config
	store          store.Store
	logger         *zap.Logger
	registry       *prometheus.Registry
	tracerProvider trace.TracerProvider
	kafka          kafkasink.MessageWriter
	actors         auth.ActorFunc

	recovery  bool
	requestID bool
	rateLimit bool

	unary  []grpc.UnaryServerInterceptor
	stream []grpc.StreamServerInterceptor
}

// Option configures a Server.
type Option func(*options)

// WithConfig replaces the configuration. Without it [DefaultConfig] is used.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithStore uses s instead of opening the store named in the configuration.
// The server closes s on shutdown when it implements io.Closer.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers the server metrics on reg and serves them from
// [Server.MetricsHandler]. By default a private registry is used.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithTracerProvider enables flush and RPC spans on tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithRecovery turns handler panics into codes.Internal instead of crashing
// the process.
func WithRecovery() Option {
	return func(o *options) { o.recovery = true }
}

// WithRequestID assigns every call a request id, honouring x-request-id
// sent by the client.
func WithRequestID() Option {
	return func(o *options) { o.requestID = true }
}

// WithRateLimit enables the rate-limit interceptors regardless of
// ratelimit.enabled in the configuration.
func WithRateLimit() Option {
	return func(o *options) { o.rateLimit = true }
}

// WithActors identifies callers with fn ahead of the rate limiter, so that
// limits apply per actor. It replaces the tokens of the auth section.
func WithActors(fn auth.ActorFunc) Option {
	return func(o *options) { o.actors = fn }
}

// WithKafkaEvents publishes queue events through w instead of a writer built
// from the kafka section of the configuration.
func WithKafkaEvents(w kafkasink.MessageWriter) Option {
	return func(o *options) { o.kafka = w }
}

// WithUnaryInterceptor appends a unary interceptor after the built-in ones.
func WithUnaryInterceptor(i grpc.UnaryServerInterceptor) Option {
	return func(o *options) { o.unary = append(o.unary, i) }
}

// WithStreamInterceptor appends a stream interceptor after the built-in ones.
func WithStreamInterceptor(i grpc.StreamServerInterceptor) Option {
	return func(o *options) { o.stream = append(o.stream, i) }
}
