// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package router walks the ordered fallback chain for a task request. It
// consults the health monitor and admission controller before every attempt,
// persists each attempt to the audit trail before moving on, and returns
// either the first success or a terminal failure carrying the whole attempt
// log.
package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fulvian/devflow-sub003/internal/admission"
	"github.com/fulvian/devflow-sub003/internal/audit"
	"github.com/fulvian/devflow-sub003/internal/handoff"
	"github.com/fulvian/devflow-sub003/internal/health"
	"github.com/fulvian/devflow-sub003/internal/provider"
	"github.com/fulvian/devflow-sub003/internal/task"
)

// Attempt outcomes beyond the adapter outcome kinds. Skips are recorded as
// attempts too: the audit trail explains every candidate the router
// considered.
const (
	// OutcomeSkippedUnavailable marks a candidate skipped because the
	// health monitor reports it unavailable.
	OutcomeSkippedUnavailable = "skipped_unavailable"

	// OutcomeContextOverflow marks a candidate skipped because its context
	// budget cannot hold the required fragments.
	OutcomeContextOverflow = "context_overflow"
)

// Attempt is one entry in a request's fallback log.
type Attempt struct {
	ProviderID string        `json:"provider_id"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	Latency    time.Duration `json:"latency"`
	Timestamp  time.Time     `json:"timestamp"`
}

// RouteResult is a successful routing outcome.
type RouteResult struct {
	TaskID     string    `json:"task_id"`
	ProviderID string    `json:"provider_id"`
	Result     string    `json:"result"`
	Confidence float64   `json:"confidence"`
	Attempts   []Attempt `json:"attempts"`
}

// Router selects and walks the candidate chain for each request.
type Router struct {
	registry *provider.Registry
	health   *health.Monitor
	adm      *admission.Controller
	sink     audit.Sink
	handoff  *handoff.Manager

	// modeFn labels audit records with the current operating mode.
	modeFn func() string

	// defaultTimeout bounds one adapter call when the request carries no
	// deadline.
	defaultTimeout time.Duration

	now func() time.Time
}

// NewRouter creates a fallback router over the given collaborators.
func NewRouter(reg *provider.Registry, hm *health.Monitor, adm *admission.Controller, sink audit.Sink, hoff *handoff.Manager) *Router {
	return &Router{
		registry:       reg,
		health:         hm,
		adm:            adm,
		sink:           sink,
		handoff:        hoff,
		modeFn:         func() string { return "full" },
		defaultTimeout: 60 * time.Second,
		now:            time.Now,
	}
}

// SetModeSource wires the operating-mode label used in audit records.
func (r *Router) SetModeSource(fn func() string) {
	if fn != nil {
		r.modeFn = fn
	}
}

// SetDefaultTimeout overrides the per-attempt timeout for deadline-free
// requests.
func (r *Router) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		r.defaultTimeout = d
	}
}

// SetClock overrides the router's clock. Test hook.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// Plan returns the ordered candidate chain the router would walk for the
// request, after health filtering but without debiting any rate budget.
// Shadow mode logs this plan instead of executing it.
func (r *Router) Plan(req *task.Request) []string {
	candidates := r.orderedCandidates(req.Class)
	var out []string
	for _, c := range candidates {
		if r.health.Routable(c.Descriptor().ID) {
			out = append(out, c.Descriptor().ID)
		}
	}
	return out
}

// Route walks the candidate chain until one provider succeeds or the chain is
// exhausted. Every attempt, including skips, is appended to the audit trail
// before the next candidate is considered.
func (r *Router) Route(ctx context.Context, req *task.Request, bundle *handoff.Bundle) (*RouteResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	candidates := r.orderedCandidates(req.Class)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: class %s", ErrNoCandidates, req.Class)
	}

	var attempts []Attempt
	seen := make(map[string]bool, len(candidates))

	record := func(providerID, outcome, errMsg string, latency time.Duration, detail map[string]any) error {
		at := Attempt{
			ProviderID: providerID,
			Outcome:    outcome,
			Error:      errMsg,
			Latency:    latency,
			Timestamp:  r.now(),
		}
		attempts = append(attempts, at)
		// The record must be durable before the walk continues; an audit
		// outage aborts routing rather than leaving a silent gap.
		if err := r.sink.Append(ctx, audit.Record{
			Timestamp:  at.Timestamp,
			TaskID:     req.ID,
			ProviderID: providerID,
			Outcome:    outcome,
			LatencyMs:  latency.Milliseconds(),
			Mode:       r.modeFn(),
			Detail:     detail,
		}); err != nil {
			return fmt.Errorf("router: audit append failed: %w", err)
		}
		return nil
	}

	for _, cand := range candidates {
		d := cand.Descriptor()
		if seen[d.ID] {
			continue // one attempt per provider per route() call
		}
		seen[d.ID] = true

		if err := ctx.Err(); err != nil {
			return nil, &DeadlineError{TaskID: req.ID, Attempts: attempts}
		}

		// Health gate.
		switch r.health.State(d.ID).Status {
		case health.StatusAuthFailed:
			if err := record(d.ID, string(provider.OutcomeAuthError), "credentials rejected; provider skipped", 0, nil); err != nil {
				return nil, err
			}
			continue
		case health.StatusUnavailable:
			if err := record(d.ID, OutcomeSkippedUnavailable, "provider unavailable; skipped", 0, nil); err != nil {
				return nil, err
			}
			continue
		}

		// The remaining time is fixed before the admission gate: a provider
		// that will never be contacted must not be debited a token or have
		// a fabricated timeout reported against its health.
		timeout := req.Remaining(r.now(), r.defaultTimeout)
		if timeout <= 0 {
			return nil, &DeadlineError{TaskID: req.ID, Attempts: attempts}
		}

		// Admission gate: a denial is a routing signal, recorded without
		// contacting the provider.
		if dec := r.adm.TryAcquire(d.ID); !dec.Granted {
			detail := map[string]any{"retry_after": dec.RetryAfter.Format(time.RFC3339Nano)}
			if err := record(d.ID, string(provider.OutcomeQuotaExhausted), "rate budget exhausted", 0, detail); err != nil {
				return nil, err
			}
			continue
		}

		inv := &provider.Invocation{TaskID: req.ID, Payload: req.Payload}
		if bundle != nil && r.handoff != nil {
			pc, err := r.handoff.PrepareForProvider(bundle, d.ID, d.Capabilities.MaxContextTokens)
			if err != nil {
				r.adm.Refund(d.ID)
				if rerr := record(d.ID, OutcomeContextOverflow, err.Error(), 0, nil); rerr != nil {
					return nil, rerr
				}
				continue
			}
			inv.Context = pc.Payload
		}

		outcome, latency := r.invoke(ctx, cand, inv, timeout)
		r.health.ReportOutcome(d.ID, outcome.Kind)

		if !outcome.Failed() {
			if err := record(d.ID, string(provider.OutcomeSuccess), "", latency, nil); err != nil {
				return nil, err
			}
			return &RouteResult{
				TaskID:     req.ID,
				ProviderID: d.ID,
				Result:     outcome.Result,
				Confidence: outcome.Confidence,
				Attempts:   attempts,
			}, nil
		}

		if err := record(d.ID, string(outcome.Kind), outcome.ErrorMessage, latency, nil); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"task":     req.ID,
			"provider": d.ID,
			"outcome":  outcome.Kind,
		}).Debug("router: candidate failed, falling through")
	}

	return nil, &ExhaustedError{TaskID: req.ID, Attempts: attempts}
}

// invoke runs one adapter call under the per-attempt timeout fixed by the
// caller. Canceling this candidate's call never cancels the router's ability
// to try the next one.
func (r *Router) invoke(ctx context.Context, cand provider.Adapter, inv *provider.Invocation, timeout time.Duration) (*provider.Outcome, time.Duration) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	outcome, err := cand.Invoke(callCtx, inv)
	latency := r.now().Sub(start)

	switch {
	case err != nil && callCtx.Err() != nil:
		outcome = &provider.Outcome{Kind: provider.OutcomeTimeout, ErrorMessage: callCtx.Err().Error()}
	case err != nil:
		outcome = &provider.Outcome{Kind: provider.OutcomeTransientError, ErrorMessage: err.Error()}
	case outcome == nil:
		outcome = &provider.Outcome{Kind: provider.OutcomeTransientError, ErrorMessage: "adapter returned no outcome"}
	}
	return outcome, latency
}

// orderedCandidates builds the candidate list: static priority first, and
// between equal priorities the provider with the more recent success wins.
func (r *Router) orderedCandidates(class task.Class) []provider.Adapter {
	candidates := r.registry.CandidatesFor(class)
	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := candidates[i].Descriptor(), candidates[j].Descriptor()
		if di.Priority != dj.Priority {
			return di.Priority < dj.Priority
		}
		return r.health.State(di.ID).LastSuccess.After(r.health.State(dj.ID).LastSuccess)
	})
	return candidates
}
