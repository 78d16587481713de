package admission_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Keksclan/rawrqueue/admission"
	"github.com/Keksclan/rawrqueue/ratelimit"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

// stubChecker admits until a per-key count is reached.
type stubChecker struct {
	mu    sync.Mutex
	calls map[string]int
}

func (s *stubChecker) CheckAndRecord(_ context.Context, key string, p ratelimit.Policy) ratelimit.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	id := p.Name + ":" + key
	reset := time.Unix(1_700_000_000, 0)
	if s.calls[id] >= p.MaxRequests {
		return ratelimit.Decision{Limit: p.MaxRequests, ResetAt: reset, RetryAfter: 30 * time.Second}
	}
	s.calls[id]++
	return ratelimit.Decision{Admitted: true, Limit: p.MaxRequests, Remaining: p.MaxRequests - s.calls[id], ResetAt: reset}
}

func startServer(t *testing.T, h admission.Handler) *admission.Client {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	s := grpc.NewServer()
	admission.Register(s, h)
	t.Cleanup(func() { s.Stop() })
	go func() { _ = s.Serve(lis) }()

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
	return admission.NewClient(conn)
}

func TestRegisterService(t *testing.T) {
	s := grpc.NewServer()
	admission.Register(s, admission.NewService(&stubChecker{}))
	si, ok := s.GetServiceInfo()[admission.ServiceName]
	if !ok {
		t.Fatal("rawr.Admission service not registered")
	}
	names := map[string]bool{}
	for _, m := range si.Methods {
		names[m.Name] = true
	}
	if !names["Check"] || !names["Policies"] {
		t.Fatalf("unexpected methods %v", si.Methods)
	}
}

func TestCheckViaBufconn(t *testing.T) {
	client := startServer(t, admission.NewService(&stubChecker{}))

	for i := range ratelimit.Burst.MaxRequests {
		resp, err := client.Check(t.Context(), "client-1", "burst")
		if err != nil {
			t.Fatalf("check %d: %v", i+1, err)
		}
		if !resp.Admitted || resp.Remaining != ratelimit.Burst.MaxRequests-i-1 {
			t.Fatalf("check %d: unexpected response %+v", i+1, resp)
		}
		if resp.ResetAtUnix != 1_700_000_000 {
			t.Fatalf("unexpected reset %d", resp.ResetAtUnix)
		}
	}

	resp, err := client.Check(t.Context(), "client-1", "burst")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Admitted || resp.RetryAfterSeconds != 30 {
		t.Fatalf("expected rejection with retry after 30s, got %+v", resp)
	}
}

func TestCheck_InvalidArguments(t *testing.T) {
	client := startServer(t, admission.NewService(&stubChecker{}))

	cases := []struct{ key, policy string }{
		{"", "general"},
		{"   ", "general"},
		{"k", "nope"},
	}
	for _, tc := range cases {
		_, err := client.Check(t.Context(), tc.key, tc.policy)
		if st, _ := status.FromError(err); st.Code() != codes.InvalidArgument {
			t.Fatalf("key=%q policy=%q: expected InvalidArgument, got %v", tc.key, tc.policy, err)
		}
	}
}

func TestPolicies_IncludesExtra(t *testing.T) {
	custom := ratelimit.Policy{Name: "export", Window: time.Hour, MaxRequests: 3}
	client := startServer(t, admission.NewService(&stubChecker{}, custom))

	resp, err := client.Policies(t.Context())
	if err != nil {
		t.Fatalf("Policies RPC failed: %v", err)
	}
	var names []string
	for _, p := range resp.Policies {
		names = append(names, p.Name)
	}
	want := []string{"auth", "burst", "export", "general"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
	if resp.Policies[2].WindowSeconds != 3600 || resp.Policies[2].MaxRequests != 3 {
		t.Fatalf("unexpected custom policy %+v", resp.Policies[2])
	}

	if _, err := client.Check(t.Context(), "k", "export"); err != nil {
		t.Fatalf("custom policy not checkable: %v", err)
	}
}
