package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/opnctl/iacengine/pkg/iac/types"
)

func TestEventPublisher_Publish_DeliversToSubscriber(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 8, EnableAsync: false})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}

	got := make(chan types.Event, 1)
	ep.Subscribe(func(event types.Event) { got <- event }, nil)

	if err := ep.Publish(types.Event{Type: types.EventApplyStarted, DeploymentName: "corp", Severity: "info"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case event := <-got:
		if event.DeploymentName != "corp" {
			t.Fatalf("expected the corp event, got %#v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the event to be delivered")
	}
}

func TestEventPublisher_Disabled_PublishIsNoop(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}

	delivered := false
	ep.Subscribe(func(types.Event) { delivered = true }, nil)

	if err := ep.Publish(types.Event{Type: types.EventApplyStarted}); err != nil {
		t.Fatalf("Publish on disabled publisher returned error: %v", err)
	}
	if delivered {
		t.Fatalf("expected disabled publisher to drop the event silently")
	}
}

func TestEventPublisher_AddFilter_BlocksNonMatchingEvents(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 8, EnableAsync: false})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}
	ep.AddFilter(FilterByDeploymentName("corp"))

	got := make(chan types.Event, 2)
	ep.Subscribe(func(event types.Event) { got <- event }, nil)

	_ = ep.Publish(types.Event{Type: types.EventApplyStarted, DeploymentName: "other"})
	_ = ep.Publish(types.Event{Type: types.EventApplyStarted, DeploymentName: "corp"})

	select {
	case event := <-got:
		if event.DeploymentName != "corp" {
			t.Fatalf("expected only the corp event to pass the filter, got %#v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the corp event")
	}

	select {
	case event := <-got:
		t.Fatalf("expected the \"other\" event to be filtered out, but got %#v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFilterBySeverity_RanksCorrectly(t *testing.T) {
	warnOrAbove := FilterBySeverity("warn")

	cases := []struct {
		severity string
		want     bool
	}{
		{"info", false},
		{"warn", true},
		{"error", true},
	}
	for _, c := range cases {
		if got := warnOrAbove(types.Event{Severity: c.severity}); got != c.want {
			t.Errorf("FilterBySeverity(warn)(%q) = %v, want %v", c.severity, got, c.want)
		}
	}
}

func TestEventPublisher_AsyncDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 8, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ep.Shutdown(ctx)
	}()

	done := make(chan struct{})
	ep.Subscribe(func(event types.Event) {
		if event.DeploymentName == "corp" {
			close(done)
		}
	}, nil)

	if err := ep.Publish(types.Event{Type: types.EventApplyFinished, DeploymentName: "corp"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for asynchronously delivered event")
	}
}
