package retry

import (
	"testing"
	"time"

	"github.com/pipeweave/pipeweave/internal/domain"
)

func TestDelayFixed(t *testing.T) {
	d := Delay(domain.BackoffFixed, 1, 100, 10000)
	if d != 100*time.Millisecond {
		t.Fatalf("expected fixed 100ms, got %v", d)
	}
	// fixed backoff never grows with attempt
	d2 := Delay(domain.BackoffFixed, 5, 100, 10000)
	if d2 != d {
		t.Fatalf("fixed backoff should not depend on attempt, got %v vs %v", d2, d)
	}
}

func TestDelayExponentialGrowsAndCaps(t *testing.T) {
	d1 := Delay(domain.BackoffExponential, 1, 100, 10000)
	d2 := Delay(domain.BackoffExponential, 2, 100, 10000)
	if d2 <= d1 {
		t.Fatalf("expected exponential backoff to grow: attempt1=%v attempt2=%v", d1, d2)
	}
	capped := Delay(domain.BackoffExponential, 20, 100, 10000)
	if capped > 10000*time.Millisecond {
		t.Fatalf("expected delay capped at maxRetryDelayMs, got %v", capped)
	}
}
