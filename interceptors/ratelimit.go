package interceptors

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/Keksclan/rawrqueue/contextx"
	"github.com/Keksclan/rawrqueue/policy"
	"github.com/Keksclan/rawrqueue/ratelimit"
	"github.com/Keksclan/rawrqueue/security"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnknownClient is the limiter key used when neither an actor nor a client
// address is available.
const UnknownClient = "unknown"

var errBusy = status.Error(codes.ResourceExhausted, "server busy")

// Checker decides and records one request. *ratelimit.Limiter implements it.
type Checker interface {
	CheckAndRecord(ctx context.Context, key string, p ratelimit.Policy) ratelimit.Decision
}

// RateLimitConfig configures [RateLimitUnary] and [RateLimitStream].
type RateLimitConfig struct {
	Limiter Checker
	// Resolver maps methods to group policies. Methods without a group
	// rate limit fall back to Default.
	Resolver *policy.Resolver
	// Default applies to methods without a group policy. Nil leaves them
	// unlimited.
	Default *ratelimit.Policy
	// Clients resolves the client address used as key for anonymous calls.
	Clients *security.ClientResolver
	// Exempt client ranges are never limited.
	Exempt []netip.Prefix
	// Gate, when set, sheds load before any limiter round trip.
	Gate   *ratelimit.Gate
	Logger *zap.Logger
}

type rateLimiter struct {
	cfg    RateLimitConfig
	logger *zap.Logger
}

// admit returns the decision for the call, or ok=false when the method is
// not limited.
func (rl *rateLimiter) admit(ctx context.Context, method string) (context.Context, ratelimit.Decision, bool, error) {
	if rl.cfg.Gate != nil && !rl.cfg.Gate.Allow() {
		return ctx, ratelimit.Decision{}, false, errBusy
	}

	p, ok := rl.policyFor(method)
	if !ok {
		return ctx, ratelimit.Decision{}, false, nil
	}
	ctx = contextx.WithGroup(ctx, p.Name)

	key, exempt := rl.key(ctx)
	if exempt {
		return ctx, ratelimit.Decision{}, false, nil
	}

	d := rl.cfg.Limiter.CheckAndRecord(ctx, key, p)
	ctx = contextx.WithDecision(ctx, d)
	if !d.Admitted {
		rl.logger.Debug("request rate limited",
			zap.String("method", method),
			zap.String("policy", p.Name),
			zap.String("key", key),
			zap.Duration("retry_after", d.RetryAfter),
		)
		return ctx, d, true, status.Errorf(codes.ResourceExhausted,
			"rate limit exceeded, retry after %s", d.RetryAfter)
	}
	return ctx, d, true, nil
}

func (rl *rateLimiter) policyFor(method string) (ratelimit.Policy, bool) {
	if rl.cfg.Resolver != nil {
		if p, ok := rl.cfg.Resolver.Limit(method); ok {
			return p, true
		}
	}
	if rl.cfg.Default != nil {
		return *rl.cfg.Default, true
	}
	return ratelimit.Policy{}, false
}

// key picks the limiter key: the actor subject, else the client address,
// else UnknownClient. Exempt client addresses report exempt=true.
func (rl *rateLimiter) key(ctx context.Context) (key string, exempt bool) {
	var addr netip.Addr
	var hasAddr bool
	if rl.cfg.Clients != nil {
		addr, hasAddr = rl.cfg.Clients.Resolve(ctx)
	}
	if hasAddr && security.Contains(rl.cfg.Exempt, addr) {
		return "", true
	}

	if a, ok := contextx.ActorFromContext(ctx); ok && a.Subject != "" {
		if a.Tenant != "" {
			return "actor:" + a.Tenant + "/" + a.Subject, false
		}
		return "actor:" + a.Subject, false
	}
	if hasAddr {
		return "ip:" + addr.String(), false
	}
	return UnknownClient, false
}

// decisionMetadata renders d as lower-case response metadata.
func decisionMetadata(d ratelimit.Decision) metadata.MD {
	md := metadata.MD{}
	for k, v := range d.Headers() {
		md.Set(strings.ToLower(k), v)
	}
	return md
}

// RateLimitUnary limits unary calls per client and method group. Limited
// calls get x-ratelimit-* response headers; rejections fail with
// codes.ResourceExhausted and carry retry-after.
func RateLimitUnary(cfg RateLimitConfig) grpc.UnaryServerInterceptor {
	rl := newRateLimiter(cfg)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, d, limited, err := rl.admit(ctx, info.FullMethod)
		if limited {
			_ = grpc.SetHeader(ctx, decisionMetadata(d))
		}
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// RateLimitStream is the streaming counterpart of [RateLimitUnary]. The
// limit is checked once when the stream opens.
func RateLimitStream(cfg RateLimitConfig) grpc.StreamServerInterceptor {
	rl := newRateLimiter(cfg)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, d, limited, err := rl.admit(ss.Context(), info.FullMethod)
		if limited {
			_ = ss.SetHeader(decisionMetadata(d))
		}
		if err != nil {
			return err
		}
		return handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
	}
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.Limiter == nil {
		panic(fmt.Sprintf("interceptors: %T without Limiter", cfg))
	}
	return &rateLimiter{cfg: cfg, logger: orNop(cfg.Logger)}
}
