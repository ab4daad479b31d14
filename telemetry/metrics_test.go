package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := MessagesReceived
	Init()
	if MessagesReceived != first {
		t.Fatal("Init must not re-register collectors")
	}
}

func TestUpdateCircuitGauge(t *testing.T) {
	Init()
	// Must not panic in either state; value assertions would require a
	// registry scrape, which the gauge helpers deliberately avoid.
	UpdateCircuitGauge(true)
	UpdateCircuitGauge(false)
	SetConnections(3)
	SetConnections(0)
}

func TestTimeFunc(t *testing.T) {
	Init()
	d := TimeFunc(ConnectDuration, func() { time.Sleep(5 * time.Millisecond) })
	if d < 5*time.Millisecond {
		t.Fatalf("measured duration %s too short", d)
	}
	// nil observer is allowed
	TimeFunc(nil, func() {})
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Fatalf("GetCorrelation on empty ctx = %q, want empty", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Fatalf("GetCorrelation = %q, want abc-123", got)
	}
	if l := LoggerWithCorr(ctx); l == nil {
		t.Fatal("LoggerWithCorr returned nil")
	}
}
