package telemetry

import "fmt"

// EventsConfig configures the event publishing system.
type EventsConfig struct {
	// Enabled controls whether event publishing is active.
	Enabled bool

	// BufferSize is the size of the event buffer.
	BufferSize int

	// EnableAsync enables asynchronous, non-blocking event publishing.
	EnableAsync bool
}

// DefaultConfig returns the default event publishing configuration.
func DefaultConfig() EventsConfig {
	return EventsConfig{
		Enabled:     true,
		BufferSize:  1000,
		EnableAsync: true,
	}
}

// Validate checks that the configuration is internally consistent.
func (c EventsConfig) Validate() error {
	if c.Enabled && c.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.BufferSize)
	}
	return nil
}
