package mode

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func testThresholds() Thresholds {
	return Thresholds{
		PromoteAfterShadow: 3,
		PromoteAfterHybrid: 2,
		MinTokenSavings:    0.10,
		MinPerfScore:       0.70,
		HybridConfidence:   0.60,
	}
}

func startController(t *testing.T, initial Mode) *Controller {
	t.Helper()
	c := NewController(initial, testThresholds())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	c.Start(ctx)
	return c
}

func cleanCycle() CycleReport {
	return CycleReport{TokenSavings: 0.2, PerfScore: 0.9}
}

// waitForMode polls until the controller reaches the wanted mode or times out.
// Commands are applied asynchronously by the controller loop.
func waitForMode(t *testing.T, c *Controller, want Mode) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Mode() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("mode = %s, want %s", c.Mode(), want)
}

func TestController_EscalatesAfterCleanCycles(t *testing.T) {
	c := startController(t, Shadow)

	for i := 0; i < 3; i++ {
		c.ReportCycle(cleanCycle())
	}
	waitForMode(t, c, Hybrid)

	for i := 0; i < 2; i++ {
		c.ReportCycle(cleanCycle())
	}
	waitForMode(t, c, Full)

	// Full is terminal for automatic escalation.
	c.ReportCycle(cleanCycle())
	time.Sleep(10 * time.Millisecond)
	if got := c.Mode(); got != Full {
		t.Errorf("mode after extra cycle = %s, want full", got)
	}
}

func TestController_UnderperformingCycleBreaksStreak(t *testing.T) {
	c := startController(t, Shadow)

	c.ReportCycle(cleanCycle())
	c.ReportCycle(cleanCycle())
	// Clean but below the savings gate: streak restarts.
	c.ReportCycle(CycleReport{TokenSavings: 0.01, PerfScore: 0.9})
	c.ReportCycle(cleanCycle())
	c.ReportCycle(cleanCycle())
	time.Sleep(20 * time.Millisecond)
	if got := c.Mode(); got != Shadow {
		t.Fatalf("mode = %s, want shadow (streak was broken)", got)
	}

	c.ReportCycle(cleanCycle())
	waitForMode(t, c, Hybrid)
}

func TestController_IncidentForcesEmergency(t *testing.T) {
	c := startController(t, Full)

	c.ReportIncident("tool misuse detected")
	waitForMode(t, c, Emergency)

	// Clean cycles never recover from emergency.
	for i := 0; i < 10; i++ {
		c.ReportCycle(cleanCycle())
	}
	time.Sleep(20 * time.Millisecond)
	if got := c.Mode(); got != Emergency {
		t.Errorf("mode after cycles in emergency = %s, want emergency", got)
	}
}

func TestController_CycleWithIncidentsForcesEmergency(t *testing.T) {
	c := startController(t, Hybrid)
	c.ReportCycle(CycleReport{Incidents: 1, TokenSavings: 0.5, PerfScore: 1.0})
	waitForMode(t, c, Emergency)
}

func TestController_ManualTransitionRules(t *testing.T) {
	tests := []struct {
		name    string
		initial Mode
		target  Mode
		wantErr bool
		want    Mode
	}{
		{"anyone may fail closed", Full, Emergency, false, Emergency},
		{"shadow may fail closed", Shadow, Emergency, false, Emergency},
		{"emergency recovers to shadow", Emergency, Shadow, false, Shadow},
		{"emergency cannot jump to full", Emergency, Full, true, Emergency},
		{"emergency cannot jump to hybrid", Emergency, Hybrid, true, Emergency},
		{"no manual shadow to hybrid", Shadow, Hybrid, true, Shadow},
		{"no manual hybrid to full", Hybrid, Full, true, Hybrid},
		{"no manual demotion full to shadow", Full, Shadow, true, Full},
		{"same mode is a no-op", Hybrid, Hybrid, false, Hybrid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := startController(t, tt.initial)
			err := c.SetMode(tt.target)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SetMode err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := c.Mode(); got != tt.want {
				t.Errorf("mode = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestController_RecoveryRestartsEscalation(t *testing.T) {
	c := startController(t, Emergency)
	if err := c.SetMode(Shadow); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	// The clean-cycle streak starts over after recovery.
	for i := 0; i < 3; i++ {
		c.ReportCycle(cleanCycle())
	}
	waitForMode(t, c, Hybrid)
}

func TestController_UpdateThresholds(t *testing.T) {
	c := startController(t, Shadow)

	tt := testThresholds()
	tt.PromoteAfterShadow = 1
	tt.HybridConfidence = 0.8
	c.UpdateThresholds(tt)

	c.ReportCycle(cleanCycle())
	waitForMode(t, c, Hybrid)

	if got := c.HybridConfidence(); got != 0.8 {
		t.Errorf("HybridConfidence = %v, want 0.8", got)
	}
}

// TestProperty_IncidentAlwaysWins checks that from any reachable mode, an
// incident report lands the controller in emergency regardless of the cycle
// traffic around it.
func TestProperty_IncidentAlwaysWins(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("incident forces emergency from any state", prop.ForAll(
		func(initial int, cyclesBefore int) bool {
			start := []Mode{Shadow, Hybrid, Full, Emergency}[initial%4]
			c := NewController(start, testThresholds())
			ctx, cancel := context.WithCancel(context.Background())
			defer func() {
				cancel()
				<-c.Done()
			}()
			c.Start(ctx)

			for i := 0; i < cyclesBefore%8; i++ {
				c.ReportCycle(cleanCycle())
			}
			c.ReportIncident("property")

			deadline := time.Now().Add(time.Second)
			for time.Now().Before(deadline) {
				if c.Mode() == Emergency {
					return true
				}
				time.Sleep(time.Millisecond)
			}
			return false
		},
		gen.IntRange(0, 3),
		gen.IntRange(0, 7),
	))

	properties.TestingRun(t)
}
