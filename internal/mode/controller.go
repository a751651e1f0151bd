// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mode implements the router's operating-mode state machine:
// shadow, hybrid, full, and emergency. Upgrades are slow and gated by clean
// cycles and metric minimums; any safety incident downgrades to emergency
// immediately, and recovery from emergency is operator-only.
//
// All transitions are serialized through one controller goroutine; the
// current mode is a single atomic value read by every request.
package mode

import (
	"context"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Mode is the router's operating mode.
type Mode string

const (
	// Shadow computes and logs fallback decisions without using them;
	// callers are always answered from the primary path.
	Shadow Mode = "shadow"

	// Hybrid uses fallback only when the primary result's confidence falls
	// below the configured threshold.
	Hybrid Mode = "hybrid"

	// Full uses fallback whenever the primary fails.
	Full Mode = "full"

	// Emergency disables all non-primary providers. Fail-closed.
	Emergency Mode = "emergency"
)

// Valid reports whether m is a recognized mode.
func Valid(m Mode) bool {
	switch m {
	case Shadow, Hybrid, Full, Emergency:
		return true
	}
	return false
}

// Thresholds gates mode escalation. All values are configuration, not
// constants.
type Thresholds struct {
	// PromoteAfterShadow is the number of consecutive clean shadow cycles
	// required before shadow escalates to hybrid.
	PromoteAfterShadow int `yaml:"promote-after-shadow" json:"promote-after-shadow"`

	// PromoteAfterHybrid is the number of further clean cycles required
	// before hybrid escalates to full.
	PromoteAfterHybrid int `yaml:"promote-after-hybrid" json:"promote-after-hybrid"`

	// MinTokenSavings is the minimum token-savings ratio a cycle must show
	// to count toward escalation.
	MinTokenSavings float64 `yaml:"min-token-savings" json:"min-token-savings"`

	// MinPerfScore is the minimum performance score a cycle must show to
	// count toward escalation.
	MinPerfScore float64 `yaml:"min-perf-score" json:"min-perf-score"`

	// HybridConfidence is the primary-result confidence below which hybrid
	// mode engages the fallback chain.
	HybridConfidence float64 `yaml:"hybrid-confidence" json:"hybrid-confidence"`
}

// DefaultThresholds returns conservative escalation gates.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PromoteAfterShadow: 20,
		PromoteAfterHybrid: 50,
		MinTokenSavings:    0.10,
		MinPerfScore:       0.70,
		HybridConfidence:   0.60,
	}
}

// CycleReport summarizes one evaluation cycle for the escalation gate.
type CycleReport struct {
	// Incidents is the number of safety incidents observed in the cycle.
	// Any nonzero value forces emergency.
	Incidents int `json:"incidents"`

	// TokenSavings is the token-savings ratio achieved in the cycle.
	TokenSavings float64 `json:"token_savings"`

	// PerfScore is the cycle's performance score in [0,1].
	PerfScore float64 `json:"perf_score"`
}

type cmdCycle struct{ report CycleReport }

type cmdIncident struct{ reason string }

type cmdSet struct {
	target Mode
	reply  chan error
}

type cmdThresholds struct{ t Thresholds }

// Controller owns the mode state machine. Construct with NewController, then
// Start it once; reads via Mode never block on the controller loop.
type Controller struct {
	current atomic.Value // Mode
	gates   atomic.Value // Thresholds, for lock-free reads
	cmds    chan any
	done    chan struct{}

	// Loop-owned state; touched only by run().
	thresholds  Thresholds
	cleanCycles int
}

// NewController creates a controller starting in the given mode.
func NewController(initial Mode, t Thresholds) *Controller {
	if !Valid(initial) {
		initial = Shadow
	}
	if t.PromoteAfterShadow <= 0 {
		t.PromoteAfterShadow = DefaultThresholds().PromoteAfterShadow
	}
	if t.PromoteAfterHybrid <= 0 {
		t.PromoteAfterHybrid = DefaultThresholds().PromoteAfterHybrid
	}
	c := &Controller{
		cmds:       make(chan any, 64),
		done:       make(chan struct{}),
		thresholds: t,
	}
	c.current.Store(initial)
	c.gates.Store(t)
	return c
}

// Start launches the controller goroutine. It exits when ctx is canceled.
func (c *Controller) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done is closed when the controller loop has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Mode returns the current operating mode. Lock-free.
func (c *Controller) Mode() Mode {
	return c.current.Load().(Mode)
}

// HybridConfidence returns the hybrid-mode confidence gate. Lock-free; the
// gate only changes on config reload, so a stale read for one request is
// acceptable.
func (c *Controller) HybridConfidence() float64 {
	return c.gates.Load().(Thresholds).HybridConfidence
}

// ReportCycle feeds one evaluation cycle into the escalation gate.
func (c *Controller) ReportCycle(r CycleReport) {
	select {
	case c.cmds <- cmdCycle{report: r}:
	case <-c.done:
	}
}

// ReportIncident forces emergency mode. Called from any goroutine the moment
// a safety incident is detected, regardless of where.
func (c *Controller) ReportIncident(reason string) {
	select {
	case c.cmds <- cmdIncident{reason: reason}:
	case <-c.done:
	}
}

// SetMode is the operator control path. The only accepted manual transitions
// are into emergency and out of emergency: automatic escalation owns every
// other edge.
func (c *Controller) SetMode(target Mode) error {
	if !Valid(target) {
		return fmt.Errorf("mode: unknown mode %q", target)
	}
	reply := make(chan error, 1)
	select {
	case c.cmds <- cmdSet{target: target, reply: reply}:
	case <-c.done:
		return fmt.Errorf("mode: controller stopped")
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return fmt.Errorf("mode: controller stopped")
	}
}

// UpdateThresholds replaces the escalation gates, typically on config reload.
func (c *Controller) UpdateThresholds(t Thresholds) {
	select {
	case c.cmds <- cmdThresholds{t: t}:
	case <-c.done:
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-c.cmds:
			switch cmd := raw.(type) {
			case cmdIncident:
				c.toEmergency(cmd.reason)
			case cmdCycle:
				c.applyCycle(cmd.report)
			case cmdSet:
				cmd.reply <- c.applyManual(cmd.target)
			case cmdThresholds:
				c.thresholds = cmd.t
				c.gates.Store(cmd.t)
			}
		}
	}
}

func (c *Controller) toEmergency(reason string) {
	c.cleanCycles = 0
	from := c.Mode()
	if from == Emergency {
		return
	}
	c.current.Store(Emergency)
	log.WithFields(log.Fields{"from": from, "reason": reason}).
		Warn("mode: safety incident, entering emergency")
}

func (c *Controller) applyCycle(r CycleReport) {
	if r.Incidents > 0 {
		c.toEmergency(fmt.Sprintf("%d incidents in cycle", r.Incidents))
		return
	}

	current := c.Mode()
	if current == Full || current == Emergency {
		return
	}

	if r.TokenSavings < c.thresholds.MinTokenSavings || r.PerfScore < c.thresholds.MinPerfScore {
		// A clean but underperforming cycle breaks the streak.
		c.cleanCycles = 0
		return
	}

	c.cleanCycles++
	switch current {
	case Shadow:
		if c.cleanCycles >= c.thresholds.PromoteAfterShadow {
			c.promote(Shadow, Hybrid)
		}
	case Hybrid:
		if c.cleanCycles >= c.thresholds.PromoteAfterHybrid {
			c.promote(Hybrid, Full)
		}
	}
}

func (c *Controller) promote(from, to Mode) {
	c.cleanCycles = 0
	c.current.Store(to)
	log.WithFields(log.Fields{"from": from, "to": to}).Info("mode: escalation gate passed")
}

func (c *Controller) applyManual(target Mode) error {
	current := c.Mode()
	if target == current {
		return nil
	}

	switch {
	case target == Emergency:
		// Operators may always fail closed.
	case current == Emergency:
		// Recovery from emergency is manual only; land back in shadow and
		// let the escalation gates re-earn hybrid/full.
		if target != Shadow {
			return fmt.Errorf("mode: emergency recovery must re-enter shadow, not %s", target)
		}
	default:
		return fmt.Errorf("mode: manual transition %s -> %s not permitted", current, target)
	}

	c.cleanCycles = 0
	c.current.Store(target)
	log.WithFields(log.Fields{"from": current, "to": target}).Warn("mode: manual transition")
	return nil
}
