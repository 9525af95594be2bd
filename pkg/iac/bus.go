package iac

import (
	"github.com/opnctl/iacengine/pkg/iac/engine"
	"github.com/opnctl/iacengine/pkg/iac/types"
	"github.com/opnctl/iacengine/pkg/telemetry"
)

// TelemetryBus hands the Engine's domain Event straight to a
// telemetry.EventPublisher, so every apply/destroy lifecycle notification
// reaches whatever subscribers the driver (the CLI, a future daemon) wired
// up, without a translation layer in between.
type TelemetryBus struct {
	publisher *telemetry.EventPublisher
}

// NewTelemetryBus wraps publisher for use as an Engine's Publisher.
func NewTelemetryBus(publisher *telemetry.EventPublisher) *TelemetryBus {
	return &TelemetryBus{publisher: publisher}
}

var _ engine.Publisher = (*TelemetryBus)(nil)

// Publish never blocks the caller: a full buffer silently drops the event
// rather than stalling the wave that produced it.
func (b *TelemetryBus) Publish(event types.Event) {
	if b == nil || b.publisher == nil {
		return
	}
	_ = b.publisher.Publish(event)
}
