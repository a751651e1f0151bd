package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func newTestController(t *testing.T, capacity float64, window time.Duration) (*Controller, *time.Time) {
	t.Helper()
	c, err := NewController(map[string]BudgetConfig{
		"p1": {Capacity: capacity, Window: window},
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })
	// Rebuild the bucket under the simulated clock so refill math starts
	// from a known instant.
	if err := c.Configure("p1", BudgetConfig{Capacity: capacity, Window: window}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return c, &now
}

func TestController_GrantsUntilCapacity(t *testing.T) {
	c, _ := newTestController(t, 3, time.Hour)

	for i := 0; i < 3; i++ {
		if dec := c.TryAcquire("p1"); !dec.Granted {
			t.Fatalf("acquire %d denied, want granted", i)
		}
	}
	dec := c.TryAcquire("p1")
	if dec.Granted {
		t.Fatal("acquire past capacity granted, want denied")
	}
	if dec.RetryAfter.IsZero() {
		t.Error("denial must carry a RetryAfter time")
	}
}

func TestController_RetryAfterIsExact(t *testing.T) {
	// 60 tokens per minute: one token per second.
	c, now := newTestController(t, 60, time.Minute)

	for i := 0; i < 60; i++ {
		if dec := c.TryAcquire("p1"); !dec.Granted {
			t.Fatalf("acquire %d denied", i)
		}
	}

	dec := c.TryAcquire("p1")
	if dec.Granted {
		t.Fatal("expected denial at empty bucket")
	}
	want := now.Add(time.Second)
	if got := dec.RetryAfter; !got.Equal(want) {
		t.Errorf("RetryAfter = %v, want %v", got, want)
	}

	// At exactly the promised time one token is available again.
	*now = dec.RetryAfter
	if dec := c.TryAcquire("p1"); !dec.Granted {
		t.Error("acquire at RetryAfter denied, want granted")
	}
}

func TestController_ContinuousRefill(t *testing.T) {
	c, now := newTestController(t, 10, 10*time.Second)

	for i := 0; i < 10; i++ {
		c.TryAcquire("p1")
	}
	if dec := c.TryAcquire("p1"); dec.Granted {
		t.Fatal("bucket should be empty")
	}

	// Half the window refills half the bucket.
	*now = now.Add(5 * time.Second)
	granted := 0
	for i := 0; i < 10; i++ {
		if c.TryAcquire("p1").Granted {
			granted++
		}
	}
	if granted != 5 {
		t.Errorf("granted after half window = %d, want 5", granted)
	}
}

func TestController_RefundReturnsToken(t *testing.T) {
	c, _ := newTestController(t, 1, time.Hour)

	if !c.TryAcquire("p1").Granted {
		t.Fatal("first acquire denied")
	}
	if c.TryAcquire("p1").Granted {
		t.Fatal("second acquire granted, want denied")
	}

	c.Refund("p1")
	if !c.TryAcquire("p1").Granted {
		t.Error("acquire after refund denied, want granted")
	}
}

func TestController_UnknownProviderUnconstrained(t *testing.T) {
	c, _ := newTestController(t, 1, time.Hour)
	for i := 0; i < 100; i++ {
		if !c.TryAcquire("unbudgeted").Granted {
			t.Fatal("unknown provider must always be granted")
		}
	}
}

func TestController_ConcurrentAcquiresNeverOverGrant(t *testing.T) {
	c, _ := newTestController(t, 50, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAcquire("p1").Granted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 50 {
		t.Errorf("granted = %d, want exactly 50", granted)
	}
}

// TestProperty_BucketInvariants checks that under any sequence of acquires,
// refunds, and clock advances the bucket never over-grants within a window
// slice and a denial's RetryAfter never lies in the past.
func TestProperty_BucketInvariants(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("bucket never over-grants and RetryAfter is honest", prop.ForAll(
		func(ops []int8) bool {
			c, err := NewController(nil)
			if err != nil {
				return false
			}
			now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
			c.SetClock(func() time.Time { return now })
			if err := c.Configure("p", BudgetConfig{Capacity: 5, Window: 10 * time.Second}); err != nil {
				return false
			}

			outstanding := 0.0 // tokens debited and not refunded
			elapsed := 0.0     // seconds since start
			for _, op := range ops {
				switch {
				case op < 0:
					c.Refund("p")
					if outstanding > 0 {
						outstanding--
					}
				case op%3 == 0:
					now = now.Add(time.Second)
					elapsed++
				default:
					dec := c.TryAcquire("p")
					if dec.Granted {
						outstanding++
					} else if dec.RetryAfter.Before(now) {
						return false
					}
				}
				// Grants can never exceed the initial fill plus refill.
				if outstanding > 5+elapsed*0.5+1e-9 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int8()),
	))

	properties.TestingRun(t)
}
