// Package telemetry fans the Engine's lifecycle events out to subscribers
// (structured logging, and whatever else a driver wires up) without putting
// any of them on the Engine's execution path.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"github.com/opnctl/iacengine/pkg/iac/types"
)

// EventSubscriber is a function that handles an engine lifecycle event.
type EventSubscriber func(event types.Event)

// EventFilter determines if an event should be delivered to a subscriber.
type EventFilter func(event types.Event) bool

// EventPublisher is the buffered, non-blocking fan-out for types.Event: the
// Engine publishes into it on the hot path, and subscribers (a logger, a
// metrics sink, a future webhook) drain it off to the side.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan types.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan types.Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish delivers event to every subscriber whose filter accepts it. The
// Engine stamps Timestamp when it builds the event; Publish itself never
// blocks on a full buffer.
func (ep *EventPublisher) Publish(event types.Event) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event %q dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// Subscribe adds a new event subscriber. filter may be nil to receive every
// event that passes the publisher's global filters.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global filter applied before an event reaches any subscriber.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer and delivers events asynchronously until
// shut down, flushing whatever remains buffered on the way out.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers whose filter accepts it.
func (ep *EventPublisher) deliverEvent(event types.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher, flushing whatever is
// still buffered before the deadline in ctx expires.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled || ep.cancel == nil {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterBySeverity creates a filter that only allows events at or above a
// minimum severity ("info", "warn", "error").
func FilterBySeverity(minSeverity string) EventFilter {
	rank := map[string]int{"info": 0, "warn": 1, "error": 2}
	floor := rank[minSeverity]

	return func(event types.Event) bool {
		return rank[event.Severity] >= floor
	}
}

// FilterByDeploymentName creates a filter that only allows events for a
// specific deployment.
func FilterByDeploymentName(deploymentName string) EventFilter {
	return func(event types.Event) bool {
		return event.DeploymentName == deploymentName
	}
}
