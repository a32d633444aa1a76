package learning

import (
	"fmt"
	"testing"
	"time"

	"github.com/recallhq/recall/internal/ingest"
	"github.com/recallhq/recall/internal/testutil"
)

func TestNewRunnerValidation(t *testing.T) {
	if _, err := NewRunner(nil, time.Hour, testutil.DiscardLogger()); err == nil {
		t.Fatal("NewRunner must reject a nil loop")
	}
}

func TestRunnerObserveAndTake(t *testing.T) {
	r := &Runner{}
	r.Observe(ingest.Event{Type: ingest.EventToolInvocation, Tool: "fmt"})
	r.Observe(ingest.Event{Type: ingest.EventToolInvocation, Tool: "vet"})
	if got := r.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}

	events := r.take()
	if len(events) != 2 {
		t.Fatalf("take = %d events, want 2", len(events))
	}
	if got := r.Pending(); got != 0 {
		t.Fatalf("Pending after take = %d, want 0", got)
	}
}

func TestRunnerBufferCap(t *testing.T) {
	r := &Runner{}
	for i := 0; i < maxBuffered+5; i++ {
		r.Observe(ingest.Event{Type: ingest.EventToolInvocation, Tool: fmt.Sprintf("tool-%d", i)})
	}
	if got := r.Pending(); got != maxBuffered {
		t.Fatalf("Pending = %d, want cap %d", got, maxBuffered)
	}
	// Oldest events are the ones dropped.
	events := r.take()
	if events[0].Tool == "tool-0" {
		t.Fatal("expected the oldest event to be dropped at cap")
	}
}

func TestRunnerMineEmptyBuffer(t *testing.T) {
	r := &Runner{}
	report, err := r.Mine(t.Context())
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if report.Mined != 0 {
		t.Fatalf("Mined = %d, want 0", report.Mined)
	}
}
