package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestAllow_ClosedByDefault(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("stripe") {
		t.Fatal("a fresh circuit must allow requests")
	}
}

func TestRecordFailure_TripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	if !b.Allow("stripe") {
		t.Fatal("should still allow below the threshold")
	}

	b.RecordFailure("stripe")
	if b.Allow("stripe") {
		t.Fatal("should reject after the threshold failure")
	}
	if b.State("stripe") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("stripe"))
	}
}

func TestOpen_AdmitsOneProbeAfterCooldown(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	if b.Allow("stripe") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow("stripe") {
		t.Fatal("should admit one probe after the open duration")
	}
	if b.State("stripe") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("stripe"))
	}
	if b.Allow("stripe") {
		t.Fatal("should reject a second request while the probe is in flight")
	}
}

func TestHalfOpen_SuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	time.Sleep(60 * time.Millisecond)
	b.Allow("stripe") // half-open probe

	b.RecordSuccess("stripe")
	if b.State("stripe") != StateClosed {
		t.Fatalf("expected StateClosed after a good probe, got %v", b.State("stripe"))
	}
	if !b.Allow("stripe") {
		t.Fatal("should allow after recovery")
	}
}

func TestHalfOpen_FailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	time.Sleep(60 * time.Millisecond)
	b.Allow("stripe") // half-open probe

	b.RecordFailure("stripe")
	if b.State("stripe") != StateOpen {
		t.Fatalf("expected StateOpen after a failed probe, got %v", b.State("stripe"))
	}
}

func TestRecordSuccess_ResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	b.RecordSuccess("stripe")

	b.RecordFailure("stripe")
	if !b.Allow("stripe") {
		t.Fatal("the counter must reset on success")
	}
}

func TestKeys_AreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")

	if b.Allow("stripe") {
		t.Fatal("stripe should be open")
	}
	if !b.Allow("mobile_money") {
		t.Fatal("an unrelated key must stay closed")
	}
}

func TestState_UnknownKeyIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("never_seen") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("never_seen"))
	}
}

func TestOnTransition_ReportsTrip(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure("stripe")
	b.RecordFailure("stripe") // trips closed to open

	// The callback runs on its own goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed to open, got %v to %v", transitions[0].from, transitions[0].to)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
