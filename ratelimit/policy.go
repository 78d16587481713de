package ratelimit

import "time"

// Policy is a sliding-window limit: at most MaxRequests per key inside any
// trailing Window. Policies differ only in their parameters.
type Policy struct {
	// Name separates the records of different policies for the same key.
	Name        string        `yaml:"name"`
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// Preset policies.
var (
	// StrictAuth guards authentication endpoints.
	StrictAuth = Policy{Name: "auth", Window: 15 * time.Minute, MaxRequests: 5}
	// General is the default API limit.
	General = Policy{Name: "general", Window: 15 * time.Minute, MaxRequests: 100}
	// Burst limits short spikes on sensitive endpoints.
	Burst = Policy{Name: "burst", Window: 5 * time.Minute, MaxRequests: 10}
)

// Presets returns the preset policies keyed by name.
func Presets() map[string]Policy {
	return map[string]Policy{
		StrictAuth.Name: StrictAuth,
		General.Name:    General,
		Burst.Name:      Burst,
	}
}
