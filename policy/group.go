// Package policy maps gRPC method names to named groups and the rate limit
// that applies to each group.
package policy

import (
	"regexp"
	"time"

	"github.com/Keksclan/rawrqueue/ratelimit"
)

// RateLimitRule allows Rate requests per key inside any trailing Window.
type RateLimitRule struct {
	Rate   int
	Window time.Duration
}

// Policy holds the settings of a matched method group.
type Policy struct {
	RateLimit *RateLimitRule
}

// Limit converts the rule of group into a sliding-window policy named
// after the group, so that each group keeps its own records.
func (r RateLimitRule) Limit(group string) ratelimit.Policy {
	return ratelimit.Policy{Name: group, Window: r.Window, MaxRequests: r.Rate}
}

type matchKind int

const (
	kindExact matchKind = iota // highest priority
	kindPrefix
	kindRegex // lowest priority
)

type rule struct {
	kind    matchKind
	pattern string
	re      *regexp.Regexp
}

// GroupBuilder collects the matching rules and the policy of one group.
type GroupBuilder struct {
	name   string
	rules  []rule
	policy *Policy
}

// Group starts a method group called name.
func Group(name string) *GroupBuilder {
	return &GroupBuilder{name: name}
}

// Exact matches fullMethod == pattern.
func (g *GroupBuilder) Exact(pattern string) *GroupBuilder {
	g.rules = append(g.rules, rule{kind: kindExact, pattern: pattern})
	return g
}

// Prefix matches methods starting with pattern.
func (g *GroupBuilder) Prefix(pattern string) *GroupBuilder {
	g.rules = append(g.rules, rule{kind: kindPrefix, pattern: pattern})
	return g
}

// Regex matches methods containing a match of pattern. It panics on an
// invalid expression; [FromConfig] reports it as an error instead.
func (g *GroupBuilder) Regex(pattern string) *GroupBuilder {
	g.rules = append(g.rules, rule{kind: kindRegex, pattern: pattern, re: regexp.MustCompile(pattern)})
	return g
}

// Policy attaches p to the group.
func (g *GroupBuilder) Policy(p Policy) *GroupBuilder {
	g.policy = &p
	return g
}

// RateLimit is shorthand for Policy(Policy{RateLimit: ...}).
func (g *GroupBuilder) RateLimit(rate int, window time.Duration) *GroupBuilder {
	return g.Policy(Policy{RateLimit: &RateLimitRule{Rate: rate, Window: window}})
}
