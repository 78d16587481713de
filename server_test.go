package rawrqueue

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Keksclan/rawrqueue/admission"
	"github.com/Keksclan/rawrqueue/auth"
	"github.com/Keksclan/rawrqueue/contextx"
	"github.com/Keksclan/rawrqueue/policy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	srv, err := NewServer(t.Context(), opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func serve(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNewServer_Defaults(t *testing.T) {
	srv := newTestServer(t)
	if srv.GRPC() == nil || srv.Queue() == nil || srv.Cache() == nil || srv.Limiter() == nil {
		t.Fatal("server components must be set")
	}
	if len(srv.Interceptors()) != 0 {
		t.Fatalf("expected no interceptors, got %v", srv.Interceptors())
	}
	if srv.MetricsHandler() == nil {
		t.Fatal("MetricsHandler() returned nil")
	}
}

func TestNewServer_InterceptorOrderIsFixed(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	noop := func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, h grpc.UnaryHandler) (any, error) {
		return h(ctx, req)
	}
	srv := newTestServer(t,
		WithUnaryInterceptor(noop),
		WithRateLimit(),
		WithTracerProvider(tp),
		WithRequestID(),
		WithRecovery(),
		WithActors(auth.Tokens(nil)),
	)

	want := []string{"recovery", "requestid", "tracing", "actor", "ratelimit", "user"}
	if got := srv.Interceptors(); !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNewServer_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Type = "etcd"
	if _, err := NewServer(t.Context(), WithConfig(cfg)); err == nil {
		t.Fatal("expected error for unknown store type")
	}
}

func TestServer_CacheRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	c := srv.Cache()

	if err := c.Set("user:1", map[string]string{"name": "rawr"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var got map[string]string
	found, err := c.GetJSON(t.Context(), "user:1", &got)
	if err != nil || !found {
		t.Fatalf("GetJSON: found=%v err=%v", found, err)
	}
	if got["name"] != "rawr" {
		t.Fatalf("unexpected value %v", got)
	}
}

func TestServer_RateLimitedAdmissionOverGRPC(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Groups = []policy.GroupConfig{
		{Name: "listing", Exact: []string{admission.PoliciesMethod}, Rate: 2, Window: time.Minute},
	}
	reg := prometheus.NewRegistry()
	srv := newTestServer(t, WithConfig(cfg), WithRegistry(reg), WithRequestID())
	srv.RegisterAdmission()
	client := admission.NewClient(serve(t, srv))

	for i := range 2 {
		var header metadata.MD
		if _, err := client.Policies(t.Context(), grpc.Header(&header)); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if got := header.Get("x-ratelimit-limit"); len(got) != 1 || got[0] != "2" {
			t.Fatalf("call %d: unexpected limit header %v", i+1, header)
		}
		if len(header.Get("x-request-id")) != 1 {
			t.Fatalf("call %d: missing request id header", i+1)
		}
	}

	var header metadata.MD
	_, err := client.Policies(t.Context(), grpc.Header(&header))
	if st, _ := status.FromError(err); st.Code() != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if len(header.Get("retry-after")) != 1 {
		t.Fatalf("expected retry-after header, got %v", header)
	}

	// Check is outside every group and no default is configured.
	for range 5 {
		if _, err := client.Check(t.Context(), "k", "burst"); err != nil {
			t.Fatalf("unlimited method was limited: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	srv.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `rawrqueue_ratelimit_decisions_total{outcome="rejected",policy="listing"} 1`) {
		t.Fatalf("decision metric missing from:\n%s", body)
	}
}

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestServer_ShutdownFlushesToKafkaSink(t *testing.T) {
	w := &recordingWriter{}
	cfg := DefaultConfig()
	cfg.Queue.BatchInterval = time.Hour
	srv, err := NewServer(t.Context(), WithConfig(cfg), WithKafkaEvents(w))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	srv.Queue().EnqueueSet("a", []byte("1"), 0)
	srv.Queue().EnqueueDelete("b")

	if err := srv.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := srv.Shutdown(t.Context()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		t.Fatal("kafka writer not closed")
	}
	if len(w.msgs) != 1 || !strings.Contains(string(w.msgs[0].Value), `"operation_count":2`) {
		t.Fatalf("expected one batch event with 2 operations, got %d messages", len(w.msgs))
	}
}

func TestServer_TracesFlushes(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	srv := newTestServer(t, WithTracerProvider(tp))
	if _, _, err := srv.Cache().Get(t.Context(), "missing"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	// Shutdown waits for the dispatchers, so the span has ended.
	if err := srv.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	found := false
	for _, s := range exp.GetSpans() {
		if s.Name == "rawrqueue.flush" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a flush span")
	}
}

func TestServer_LimitsPerActor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Groups = []policy.GroupConfig{
		{Name: "checks", Exact: []string{admission.CheckMethod}, Rate: 1, Window: time.Minute},
	}
	cfg.Auth.Tokens = map[string]contextx.Actor{
		"token-a": {Subject: "alice"},
		"token-b": {Subject: "bob"},
	}
	srv := newTestServer(t, WithConfig(cfg))
	srv.RegisterAdmission()
	client := admission.NewClient(serve(t, srv))

	as := func(token string) context.Context {
		return metadata.AppendToOutgoingContext(t.Context(), "authorization", "Bearer "+token)
	}

	if _, err := client.Check(as("token-a"), "k", "general"); err != nil {
		t.Fatalf("alice first call: %v", err)
	}
	if _, err := client.Check(as("token-b"), "k", "general"); err != nil {
		t.Fatalf("bob has a separate budget: %v", err)
	}
	_, err := client.Check(as("token-a"), "k", "general")
	if st, _ := status.FromError(err); st.Code() != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted for alice, got %v", err)
	}
	_, err = client.Check(as("forged"), "k", "general")
	if st, _ := status.FromError(err); st.Code() != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated for an unknown token, got %v", err)
	}
}
