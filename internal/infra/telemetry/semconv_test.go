package telemetry

import (
	"context"
	"testing"
)

func TestRouteAttributesOmitEmptyReason(t *testing.T) {
	attrs := RouteAttributes("tick", "routed", "")
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	attrs = RouteAttributes("tick", "rejected", "QUEUE_FULL")
	if len(attrs) != 3 || attrs[2].Value.AsString() != "QUEUE_FULL" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestDisabledProviderFallsBackToGlobalMeter(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if provider.Enabled() {
		t.Fatal("expected disabled provider")
	}
	if provider.Meter("test") == nil {
		t.Fatal("expected meter")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		" collector:4318 ":       "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEnvironmentLabelFollowsProvider(t *testing.T) {
	if _, err := NewProvider(context.Background(), Config{Environment: "STAGING"}); err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if got := Environment(); got != "staging" {
		t.Fatalf("expected staging, got %q", got)
	}
}
