// Package security identifies the client behind a gRPC call, honouring
// forwarding headers only when the direct peer is a trusted proxy.
package security

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// DefaultHeaderPriority is the order in which forwarding headers are read.
var DefaultHeaderPriority = []string{"x-real-ip", "x-forwarded-for"}

// ClientResolver determines the effective client address of a call.
type ClientResolver struct {
	trustedProxies []netip.Prefix
	headerPriority []string
}

// NewClientResolver parses trustedProxies (CIDRs or bare addresses). An
// empty headerPriority selects [DefaultHeaderPriority].
func NewClientResolver(trustedProxies, headerPriority []string) (*ClientResolver, error) {
	proxies, err := ParsePrefixes(trustedProxies)
	if err != nil {
		return nil, fmt.Errorf("security: invalid trusted proxy: %w", err)
	}
	if len(headerPriority) == 0 {
		headerPriority = DefaultHeaderPriority
	}
	return &ClientResolver{trustedProxies: proxies, headerPriority: headerPriority}, nil
}

// Resolve returns the client address of the call in ctx. When the peer is a
// trusted proxy the first valid address from the forwarding headers wins;
// otherwise, or when no header carries one, the peer address is used.
func (r *ClientResolver) Resolve(ctx context.Context) (netip.Addr, bool) {
	peerAddr, ok := peerAddr(ctx)
	if !ok {
		return netip.Addr{}, false
	}
	if Contains(r.trustedProxies, peerAddr) {
		md, _ := metadata.FromIncomingContext(ctx)
		if addr, found := addrFromHeaders(md, r.headerPriority); found {
			return addr, true
		}
	}
	return peerAddr, true
}

func peerAddr(ctx context.Context) (netip.Addr, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return netip.Addr{}, false
	}
	s := p.Addr.String()
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// addrFromHeaders reads the headers in priority order. For a list such as
// X-Forwarded-For the left-most valid entry is the client.
func addrFromHeaders(md metadata.MD, priority []string) (netip.Addr, bool) {
	for _, key := range priority {
		for _, v := range md.Get(key) {
			for part := range strings.SplitSeq(v, ",") {
				if addr, err := netip.ParseAddr(strings.TrimSpace(part)); err == nil {
					return addr.Unmap(), true
				}
			}
		}
	}
	return netip.Addr{}, false
}
