package policy

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/Keksclan/rawrqueue/ratelimit"
)

// Resolver resolves a full gRPC method name to its best-matching group.
type Resolver struct {
	groups []*GroupBuilder
}

// NewResolver creates a Resolver over groups. Registration order breaks
// otherwise equal matches.
func NewResolver(groups ...*GroupBuilder) *Resolver {
	return &Resolver{groups: groups}
}

// Resolve finds the best group for fullMethod. Exact matches beat prefix
// matches, which beat regex matches; among matches of one kind the longer
// one wins; remaining ties go to the group registered first.
func (res *Resolver) Resolve(fullMethod string) (group string, pol *Policy, ok bool) {
	bestKind := matchKind(-1)
	bestLen := -1

	for _, g := range res.groups {
		for i := range g.rules {
			r := &g.rules[i]
			matched, n := r.match(fullMethod)
			if !matched {
				continue
			}
			if bestKind < 0 || r.kind < bestKind || (r.kind == bestKind && n > bestLen) {
				bestKind, bestLen = r.kind, n
				group, pol, ok = g.name, g.policy, true
			}
		}
	}
	return group, pol, ok
}

// Limit returns the sliding-window policy for fullMethod. ok is false when
// no group matches or the group has no rate limit.
func (res *Resolver) Limit(fullMethod string) (ratelimit.Policy, bool) {
	group, pol, ok := res.Resolve(fullMethod)
	if !ok || pol == nil || pol.RateLimit == nil {
		return ratelimit.Policy{}, false
	}
	return pol.RateLimit.Limit(group), true
}

// GroupConfig is the yaml form of a method group. Either Preset or both
// Rate and Window select the limit.
type GroupConfig struct {
	Name   string        `yaml:"name"`
	Exact  []string      `yaml:"exact"`
	Prefix []string      `yaml:"prefix"`
	Regex  []string      `yaml:"regex"`
	Preset string        `yaml:"preset"`
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

// FromConfig builds a Resolver from yaml group definitions.
func FromConfig(groups []GroupConfig) (*Resolver, error) {
	presets := ratelimit.Presets()
	builders := make([]*GroupBuilder, 0, len(groups))

	for _, gc := range groups {
		if gc.Name == "" {
			return nil, errors.New("policy: group without name")
		}
		g := Group(gc.Name)
		for _, p := range gc.Exact {
			g.Exact(p)
		}
		for _, p := range gc.Prefix {
			g.Prefix(p)
		}
		for _, p := range gc.Regex {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("policy: group %q: %w", gc.Name, err)
			}
			g.rules = append(g.rules, rule{kind: kindRegex, pattern: p, re: re})
		}

		switch {
		case gc.Preset != "":
			p, ok := presets[gc.Preset]
			if !ok {
				return nil, fmt.Errorf("policy: group %q: unknown preset %q", gc.Name, gc.Preset)
			}
			g.RateLimit(p.MaxRequests, p.Window)
		case gc.Rate > 0 && gc.Window > 0:
			g.RateLimit(gc.Rate, gc.Window)
		case gc.Rate != 0 || gc.Window != 0:
			return nil, fmt.Errorf("policy: group %q: rate and window must both be positive", gc.Name)
		}
		builders = append(builders, g)
	}
	return NewResolver(builders...), nil
}
