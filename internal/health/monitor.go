// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package health tracks per-provider liveness and auth state from adapter
// outcomes. It is a pure state machine: all writes arrive through outcome
// reports, reads are cheap snapshots, and nothing in this package performs
// network I/O.
package health

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fulvian/devflow-sub003/internal/provider"
)

// Status is the health classification of one provider.
type Status string

const (
	// StatusAvailable indicates the provider is fully operational.
	StatusAvailable Status = "available"

	// StatusDegraded indicates repeated recent failures below the
	// unavailability threshold.
	StatusDegraded Status = "degraded"

	// StatusUnavailable indicates the failure streak crossed the hard limit.
	StatusUnavailable Status = "unavailable"

	// StatusExhausted indicates the provider itself reported spent quota.
	StatusExhausted Status = "exhausted"

	// StatusAuthFailed indicates rejected credentials. Sticky: only an
	// explicit revalidation clears it, never a timeout or a later success.
	StatusAuthFailed Status = "auth_failed"

	// StatusUnknown is the state before any outcome has been reported.
	StatusUnknown Status = "unknown"
)

// State is the read-only view of one provider's health.
type State struct {
	ProviderID          string    `json:"provider_id"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastChange          time.Time `json:"last_change"`
}

// Config tunes the failure-streak thresholds.
type Config struct {
	// DegradedAfter is the consecutive-failure count that marks a provider
	// degraded.
	DegradedAfter int `yaml:"degraded-after" json:"degraded-after"`

	// UnavailableAfter is the consecutive-failure count that marks a
	// provider unavailable.
	UnavailableAfter int `yaml:"unavailable-after" json:"unavailable-after"`

	// FailureWindow bounds the streak: failures older than the window no
	// longer count toward it.
	FailureWindow time.Duration `yaml:"failure-window" json:"failure-window"`
}

// DefaultConfig returns the documented streak thresholds.
func DefaultConfig() Config {
	return Config{
		DegradedAfter:    3,
		UnavailableAfter: 5,
		FailureWindow:    10 * time.Minute,
	}
}

type entry struct {
	mu       sync.Mutex
	state    State
	failures []time.Time
}

// Monitor owns all ProviderState records. Outcome reports for a single
// provider are applied in arrival order under that provider's lock, so the
// failure counter is monotonic per provider; different providers never block
// each other.
type Monitor struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMonitor creates a monitor tracking the given providers.
func NewMonitor(cfg Config, providerIDs ...string) *Monitor {
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 3
	}
	if cfg.UnavailableAfter <= cfg.DegradedAfter {
		cfg.UnavailableAfter = cfg.DegradedAfter + 2
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 10 * time.Minute
	}

	m := &Monitor{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, id := range providerIDs {
		m.entries[id] = &entry{state: State{ProviderID: id, Status: StatusUnknown}}
	}
	return m
}

// SetClock overrides the monitor's clock. Test hook.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

func (m *Monitor) entryFor(providerID string) *entry {
	m.mu.RLock()
	e, ok := m.entries[providerID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[providerID]; ok {
		return e
	}
	e = &entry{state: State{ProviderID: providerID, Status: StatusUnknown}}
	m.entries[providerID] = e
	return e
}

// ReportOutcome applies one adapter outcome to the provider's state.
// Pure state transition; no I/O.
func (m *Monitor) ReportOutcome(providerID string, kind provider.OutcomeKind) {
	e := m.entryFor(providerID)
	now := m.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch kind {
	case provider.OutcomeSuccess:
		e.failures = e.failures[:0]
		e.state.ConsecutiveFailures = 0
		e.state.LastSuccess = now
		e.state.LastError = ""
		// A success never clears a sticky auth failure.
		if e.state.Status != StatusAuthFailed {
			m.setStatus(e, StatusAvailable, now)
		}

	case provider.OutcomeAuthError:
		e.state.LastError = string(kind)
		m.setStatus(e, StatusAuthFailed, now)

	case provider.OutcomeQuotaExhausted:
		e.state.LastError = string(kind)
		if e.state.Status != StatusAuthFailed {
			m.setStatus(e, StatusExhausted, now)
		}

	case provider.OutcomeTransientError, provider.OutcomeTimeout:
		e.state.LastError = string(kind)
		if e.state.Status == StatusAuthFailed {
			return
		}
		e.failures = append(e.failures, now)
		e.failures = pruneOld(e.failures, now.Add(-m.cfg.FailureWindow))
		e.state.ConsecutiveFailures = len(e.failures)
		switch {
		case e.state.ConsecutiveFailures >= m.cfg.UnavailableAfter:
			m.setStatus(e, StatusUnavailable, now)
		case e.state.ConsecutiveFailures >= m.cfg.DegradedAfter:
			m.setStatus(e, StatusDegraded, now)
		}

	default:
		log.Warnf("health: unknown outcome kind %q for provider %s", kind, providerID)
	}
}

func (m *Monitor) setStatus(e *entry, s Status, now time.Time) {
	if e.state.Status == s {
		return
	}
	log.WithFields(log.Fields{
		"provider": e.state.ProviderID,
		"from":     e.state.Status,
		"to":       s,
	}).Info("health: provider status changed")
	e.state.Status = s
	e.state.LastChange = now
}

func pruneOld(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(ts); i++ {
		if ts[i].After(cutoff) {
			break
		}
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// Revalidate clears a sticky auth failure after external credential repair.
// It is the only path out of StatusAuthFailed.
func (m *Monitor) Revalidate(providerID string) error {
	e := m.entryFor(providerID)
	now := m.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status != StatusAuthFailed {
		return fmt.Errorf("health: provider %s is not auth-failed (status %s)", providerID, e.state.Status)
	}
	e.failures = e.failures[:0]
	e.state.ConsecutiveFailures = 0
	e.state.LastError = ""
	m.setStatus(e, StatusAvailable, now)
	return nil
}

// State returns a copy of one provider's state.
func (m *Monitor) State(providerID string) State {
	e := m.entryFor(providerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns a copy of every tracked provider state.
func (m *Monitor) Snapshot() map[string]State {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make(map[string]State, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out[e.state.ProviderID] = e.state
		e.mu.Unlock()
	}
	return out
}

// Routable reports whether the router may attempt the provider at all.
// Exhausted and degraded providers stay routable; the admission controller
// and the fallback walk handle those.
func (m *Monitor) Routable(providerID string) bool {
	s := m.State(providerID).Status
	return s != StatusUnavailable && s != StatusAuthFailed
}
