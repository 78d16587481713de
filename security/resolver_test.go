package security

import (
	"net/netip"
	"testing"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

type fakePeerAddr struct{ addr string }

func (f fakePeerAddr) Network() string { return "tcp" }
func (f fakePeerAddr) String() string  { return f.addr }

func peerAt(addr string) *peer.Peer {
	return &peer.Peer{Addr: fakePeerAddr{addr: addr}}
}

func TestResolve_UsesPeerWhenUntrusted(t *testing.T) {
	r, err := NewClientResolver([]string{"10.0.0.0/8"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := peer.NewContext(t.Context(), peerAt("203.0.113.7:4444"))
	ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("x-forwarded-for", "1.1.1.1"))

	got, ok := r.Resolve(ctx)
	if !ok || got != netip.MustParseAddr("203.0.113.7") {
		t.Fatalf("expected peer address, got %v (ok=%v)", got, ok)
	}
}

func TestResolve_TrustedProxyHeaders(t *testing.T) {
	r, _ := NewClientResolver([]string{"10.0.0.1"}, nil)
	ctx := peer.NewContext(t.Context(), peerAt("10.0.0.1:5000"))
	ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("x-forwarded-for", "garbage, 198.51.100.4, 10.0.0.1"))

	got, ok := r.Resolve(ctx)
	if !ok || got != netip.MustParseAddr("198.51.100.4") {
		t.Fatalf("expected forwarded client, got %v", got)
	}
}

func TestResolve_HeaderPriority(t *testing.T) {
	r, _ := NewClientResolver([]string{"10.0.0.0/8"}, []string{"x-forwarded-for", "x-real-ip"})
	ctx := peer.NewContext(t.Context(), peerAt("10.1.1.1:5000"))
	ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(
		"x-real-ip", "192.0.2.1",
		"x-forwarded-for", "192.0.2.2",
	))

	if got, _ := r.Resolve(ctx); got != netip.MustParseAddr("192.0.2.2") {
		t.Fatalf("expected x-forwarded-for to win, got %v", got)
	}
}

func TestResolve_TrustedProxyWithoutHeaders(t *testing.T) {
	r, _ := NewClientResolver([]string{"10.0.0.0/8"}, nil)
	ctx := peer.NewContext(t.Context(), peerAt("10.2.3.4:5000"))

	if got, _ := r.Resolve(ctx); got != netip.MustParseAddr("10.2.3.4") {
		t.Fatalf("expected proxy address as fallback, got %v", got)
	}
}

func TestResolve_NoPeer(t *testing.T) {
	r, _ := NewClientResolver(nil, nil)
	if _, ok := r.Resolve(t.Context()); ok {
		t.Fatal("expected no address without peer")
	}
}

func TestNewClientResolver_InvalidProxy(t *testing.T) {
	if _, err := NewClientResolver([]string{"not-an-ip"}, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestParsePrefixesAndContains(t *testing.T) {
	prefixes, err := ParsePrefixes([]string{"192.168.0.0/16", "2001:db8::1"})
	if err != nil {
		t.Fatalf("ParsePrefixes: %v", err)
	}
	if !Contains(prefixes, netip.MustParseAddr("192.168.4.2")) {
		t.Fatal("expected 192.168.4.2 inside 192.168.0.0/16")
	}
	if !Contains(prefixes, netip.MustParseAddr("2001:db8::1")) {
		t.Fatal("expected bare IPv6 address to match itself")
	}
	if Contains(prefixes, netip.MustParseAddr("2001:db8::2")) {
		t.Fatal("2001:db8::2 must not match a single-host prefix")
	}
}
