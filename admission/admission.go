// Package admission exposes the sliding-window limiter as the rawr.Admission
// gRPC service, so that other processes can ask for a decision without
// sharing the cache.
//
// The service is registered through a hand-written [grpc.ServiceDesc]; no
// protobuf code generation is involved. Its messages are plain structs sent
// as JSON by a codec that replaces the default "proto" codec and still
// delegates real protobuf messages to proto.Marshal.
package admission

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/Keksclan/rawrqueue/ratelimit"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Full method names of the service.
const (
	ServiceName    = "rawr.Admission"
	CheckMethod    = "/rawr.Admission/Check"
	PoliciesMethod = "/rawr.Admission/Policies"
)

// CheckRequest asks for one admission under a named policy.
type CheckRequest struct {
	Key    string `json:"key"`
	Policy string `json:"policy"`
}

// CheckResponse mirrors [ratelimit.Decision].
type CheckResponse struct {
	Admitted          bool  `json:"admitted"`
	Limit             int   `json:"limit"`
	Remaining         int   `json:"remaining"`
	ResetAtUnix       int64 `json:"reset_at_unix"`
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
	FailedOpen        bool  `json:"failed_open,omitempty"`
}

// PoliciesRequest is empty.
type PoliciesRequest struct{}

// PolicyInfo describes one policy known to the service.
type PolicyInfo struct {
	Name          string `json:"name"`
	WindowSeconds int64  `json:"window_seconds"`
	MaxRequests   int    `json:"max_requests"`
}

// PoliciesResponse lists the policies sorted by name.
type PoliciesResponse struct {
	Policies []PolicyInfo `json:"policies"`
}

// Handler is implemented by the service; [NewService] returns the default.
type Handler interface {
	Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error)
	Policies(ctx context.Context, req *PoliciesRequest) (*PoliciesResponse, error)
}

// Checker is the limiter subset used by the service.
type Checker interface {
	CheckAndRecord(ctx context.Context, key string, p ratelimit.Policy) ratelimit.Decision
}

// Service answers Check calls with a Checker and a fixed set of policies.
type Service struct {
	limiter  Checker
	policies map[string]ratelimit.Policy
}

// NewService returns a Service knowing the preset policies plus extra.
// Extra policies replace presets of the same name.
func NewService(limiter Checker, extra ...ratelimit.Policy) *Service {
	policies := ratelimit.Presets()
	for _, p := range extra {
		policies[p.Name] = p
	}
	return &Service{limiter: limiter, policies: policies}
}

// Check implements [Handler].
func (s *Service) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	p, ok := s.policies[req.Policy]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown policy %q", req.Policy)
	}

	d := s.limiter.CheckAndRecord(ctx, key, p)
	resp := &CheckResponse{
		Admitted:   d.Admitted,
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		FailedOpen: d.FailedOpen,
	}
	if !d.ResetAt.IsZero() {
		resp.ResetAtUnix = d.ResetAt.Unix()
	}
	if !d.Admitted {
		resp.RetryAfterSeconds = int64(d.RetryAfter / time.Second)
	}
	return resp, nil
}

// Policies implements [Handler].
func (s *Service) Policies(context.Context, *PoliciesRequest) (*PoliciesResponse, error) {
	resp := &PoliciesResponse{Policies: make([]PolicyInfo, 0, len(s.policies))}
	for _, p := range s.policies {
		resp.Policies = append(resp.Policies, PolicyInfo{
			Name:          p.Name,
			WindowSeconds: int64(p.Window / time.Second),
			MaxRequests:   p.MaxRequests,
		})
	}
	slices.SortFunc(resp.Policies, func(a, b PolicyInfo) int { return strings.Compare(a.Name, b.Name) })
	return resp, nil
}

// ServiceDesc is the grpc.ServiceDesc of rawr.Admission.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: checkHandler},
		{MethodName: "Policies", Handler: policiesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rawr/admission.proto",
}

func checkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(CheckRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Check(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CheckMethod}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(Handler).Check(ctx, r.(*CheckRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func policiesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(PoliciesRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Policies(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PoliciesMethod}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(Handler).Policies(ctx, r.(*PoliciesRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// Register registers h on s.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

// Client is a thin wrapper over a connection to rawr.Admission.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a Client using cc.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Check calls rawr.Admission/Check.
func (c *Client) Check(ctx context.Context, key, policy string, opts ...grpc.CallOption) (*CheckResponse, error) {
	resp := new(CheckResponse)
	if err := c.cc.Invoke(ctx, CheckMethod, &CheckRequest{Key: key, Policy: policy}, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// Policies calls rawr.Admission/Policies.
func (c *Client) Policies(ctx context.Context, opts ...grpc.CallOption) (*PoliciesResponse, error) {
	resp := new(PoliciesResponse)
	if err := c.cc.Invoke(ctx, PoliciesMethod, &PoliciesRequest{}, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}
