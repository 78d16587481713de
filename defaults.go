package rawrqueue

// DefaultOptions returns the recommended options for production use: panic
// recovery and request ids.
func DefaultOptions() []Option {
	return []Option{
		WithRecovery(),
		WithRequestID(),
	}
}
