package telemetry_test

import (
	"context"
	"testing"

	"angkor/offline/internal/telemetry"
)

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	t.Setenv("ANGKOR_OTEL_ENDPOINT", "")
	t.Setenv("ANGKOR_OTEL_ENABLED", "")

	shutdown, err := telemetry.Setup(context.Background(), "agent-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetupNoopWhenDisabled(t *testing.T) {
	t.Setenv("ANGKOR_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("ANGKOR_OTEL_ENABLED", "false")

	shutdown, err := telemetry.Setup(context.Background(), "agent-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestTracerStartsSpans(t *testing.T) {
	_, span := telemetry.Tracer("test").Start(context.Background(), "probe")
	span.End()
}
