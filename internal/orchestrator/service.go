// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package orchestrator ties the operating-mode state machine, the fallback
// router, the consensus engine, and the context handoff manager into one
// submission surface. Every task enters through Service.Submit; the current
// mode decides how much of the machinery is engaged.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fulvian/devflow-sub003/internal/admission"
	"github.com/fulvian/devflow-sub003/internal/audit"
	"github.com/fulvian/devflow-sub003/internal/consensus"
	"github.com/fulvian/devflow-sub003/internal/handoff"
	"github.com/fulvian/devflow-sub003/internal/health"
	"github.com/fulvian/devflow-sub003/internal/mode"
	"github.com/fulvian/devflow-sub003/internal/provider"
	"github.com/fulvian/devflow-sub003/internal/router"
	"github.com/fulvian/devflow-sub003/internal/task"
)

// ErrNoPrimary indicates no provider is registered at all.
var ErrNoPrimary = errors.New("orchestrator: no primary provider registered")

// ErrPrimaryUnavailable indicates the primary-only path (shadow or emergency
// mode) cannot answer because the primary is not routable or not admitted.
var ErrPrimaryUnavailable = errors.New("orchestrator: primary provider unavailable")

// Response is the outcome of one task submission.
type Response struct {
	TaskID     string  `json:"task_id"`
	ProviderID string  `json:"provider_id"`
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`

	// Mode is the operating mode the task was served under.
	Mode string `json:"mode"`

	// Consensus is set when the result came from a multi-provider vote.
	Consensus *consensus.Result `json:"consensus,omitempty"`

	// Attempts is the fallback log when the router was engaged.
	Attempts []router.Attempt `json:"attempts,omitempty"`

	// Replayed is true when an idempotency key matched an earlier submission
	// and the stored response was returned without new provider calls.
	Replayed bool `json:"replayed,omitempty"`
}

// replayEntry tracks one idempotency key. The first submission owns the entry
// and publishes its response; concurrent duplicates block on done and replay.
type replayEntry struct {
	done chan struct{}
	resp *Response
}

// Service is the orchestration front door.
type Service struct {
	registry *provider.Registry
	health   *health.Monitor
	adm      *admission.Controller
	sink     audit.Sink
	router   *router.Router
	modes    *mode.Controller
	cons     *consensus.Engine
	handoff  *handoff.Manager

	// Both caches are bounded: past maxReplays the oldest settled replay is
	// dropped, past maxBundles the least-recently-used session bundle is.
	mu       sync.Mutex
	bundles  map[string]*handoff.Bundle // keyed by session ID
	sessions []string                   // session IDs, least recently used first
	replays  map[string]*replayEntry    // keyed by idempotency key
	settled  []string                   // settled replay keys, oldest first

	maxReplays int
	maxBundles int

	now func() time.Time
}

// NewService wires the orchestration service. The consensus engine may be nil
// when consensus is disabled; everything else is required.
func NewService(
	reg *provider.Registry,
	hm *health.Monitor,
	adm *admission.Controller,
	sink audit.Sink,
	rt *router.Router,
	modes *mode.Controller,
	cons *consensus.Engine,
	hoff *handoff.Manager,
) *Service {
	return &Service{
		registry:   reg,
		health:     hm,
		adm:        adm,
		sink:       sink,
		router:     rt,
		modes:      modes,
		cons:       cons,
		handoff:    hoff,
		bundles:    make(map[string]*handoff.Bundle),
		replays:    make(map[string]*replayEntry),
		maxReplays: 1024,
		maxBundles: 256,
		now:        time.Now,
	}
}

// SetClock overrides the service clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetCacheLimits overrides the replay and bundle cache bounds. Test hook.
func (s *Service) SetCacheLimits(maxReplays, maxBundles int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxReplays > 0 {
		s.maxReplays = maxReplays
	}
	if maxBundles > 0 {
		s.maxBundles = maxBundles
	}
}

// Mode returns the current operating mode.
func (s *Service) Mode() mode.Mode { return s.modes.Mode() }

// SetMode forwards an operator mode change to the controller.
func (s *Service) SetMode(m mode.Mode) error { return s.modes.SetMode(m) }

// ReportIncident forces emergency mode.
func (s *Service) ReportIncident(reason string) { s.modes.ReportIncident(reason) }

// ReportCycle feeds one evaluation cycle into the escalation gate.
func (s *Service) ReportCycle(r mode.CycleReport) { s.modes.ReportCycle(r) }

// Bundle returns the current context bundle for a session, or nil.
func (s *Service) Bundle(sessionID string) *handoff.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bundles[sessionID]
}

// Submit routes one task under the current operating mode.
//
// Shadow and emergency answer from the primary provider only; shadow also
// logs the fallback plan it would have walked. Hybrid engages fallback when
// the primary's confidence falls below the configured gate. Full walks the
// whole chain, with consensus first for critical tasks.
func (s *Service) Submit(ctx context.Context, req *task.Request) (*Response, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	owned, replay, err := s.claimKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	current := s.modes.Mode()

	var resp *Response
	switch current {
	case mode.Emergency:
		resp, err = s.primaryOnly(ctx, req, current)
	case mode.Shadow:
		s.logShadowPlan(ctx, req)
		resp, err = s.primaryOnly(ctx, req, current)
	case mode.Hybrid:
		resp, err = s.hybrid(ctx, req)
	default: // mode.Full
		resp, err = s.full(ctx, req)
	}
	if err != nil {
		if owned != nil {
			s.mu.Lock()
			delete(s.replays, req.IdempotencyKey)
			s.mu.Unlock()
			close(owned.done)
		}
		return nil, err
	}

	s.afterSuccess(req, resp, owned)
	return resp, nil
}

// claimKey resolves an idempotency key atomically: the first caller claims the
// key and executes, duplicates wait for the owner and replay its response. A
// key whose owner failed is released and the next waiter claims it.
func (s *Service) claimKey(ctx context.Context, key string) (*replayEntry, *Response, error) {
	if key == "" {
		return nil, nil, nil
	}
	for {
		s.mu.Lock()
		e, ok := s.replays[key]
		if !ok {
			e = &replayEntry{done: make(chan struct{})}
			s.replays[key] = e
			s.mu.Unlock()
			return e, nil, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-e.done:
		}
		if e.resp != nil {
			replay := *e.resp
			replay.Replayed = true
			return nil, &replay, nil
		}
	}
}

// afterSuccess harvests the result into the session bundle and settles the
// idempotency entry, trimming both caches to their bounds.
func (s *Service) afterSuccess(req *task.Request, resp *Response, owned *replayEntry) {
	s.mu.Lock()

	if req.SessionID != "" && resp.Result != "" {
		b := s.bundles[req.SessionID]
		if b == nil {
			b = handoff.NewBundle(req.SessionID)
		}
		next, err := s.handoff.Harvest(b, resp.ProviderID, resp.Result)
		if err != nil {
			log.WithFields(log.Fields{"session": req.SessionID, "error": err}).
				Warn("orchestrator: harvest failed, bundle unchanged")
		} else {
			s.bundles[req.SessionID] = next
			s.sessions = touch(s.sessions, req.SessionID)
		}
		for len(s.bundles) > s.maxBundles {
			evicted := s.sessions[0]
			s.sessions = s.sessions[1:]
			delete(s.bundles, evicted)
			log.WithField("session", evicted).Debug("orchestrator: session bundle evicted")
		}
	}

	if owned != nil {
		stored := *resp
		owned.resp = &stored
		s.settled = append(s.settled, req.IdempotencyKey)
		for len(s.settled) > s.maxReplays {
			evicted := s.settled[0]
			s.settled = s.settled[1:]
			delete(s.replays, evicted)
		}
	}
	s.mu.Unlock()

	if owned != nil {
		close(owned.done)
	}
}

// touch moves key to the back of keys, appending it if absent.
func touch(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	return append(keys, key)
}

// primaryOnly answers from the highest-priority provider with no fallback.
// Fail-closed: any gate or provider failure is returned to the caller.
func (s *Service) primaryOnly(ctx context.Context, req *task.Request, current mode.Mode) (*Response, error) {
	primary := s.registry.Primary()
	if primary == nil {
		return nil, ErrNoPrimary
	}
	d := primary.Descriptor()

	if !s.health.Routable(d.ID) {
		return nil, fmt.Errorf("%w: %s is %s", ErrPrimaryUnavailable, d.ID, s.health.State(d.ID).Status)
	}
	if dec := s.adm.TryAcquire(d.ID); !dec.Granted {
		return nil, fmt.Errorf("%w: %s rate budget exhausted, retry after %s",
			ErrPrimaryUnavailable, d.ID, dec.RetryAfter.Format(time.RFC3339))
	}

	inv := &provider.Invocation{TaskID: req.ID, Payload: req.Payload}
	if b := s.Bundle(req.SessionID); b != nil {
		pc, err := s.handoff.PrepareForProvider(b, d.ID, d.Capabilities.MaxContextTokens)
		if err != nil {
			s.adm.Refund(d.ID)
			return nil, err
		}
		inv.Context = pc.Payload
	}

	timeout := req.Remaining(s.now(), 60*time.Second)
	if timeout <= 0 {
		return nil, fmt.Errorf("orchestrator: task %s deadline already expired", req.ID)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.now()
	outcome, err := primary.Invoke(callCtx, inv)
	latency := s.now().Sub(start)

	switch {
	case err != nil:
		s.health.ReportOutcome(d.ID, provider.OutcomeTransientError)
		s.appendAudit(ctx, req, d.ID, string(provider.OutcomeTransientError), latency, nil)
		return nil, fmt.Errorf("orchestrator: primary %s failed: %w", d.ID, err)
	case outcome == nil:
		s.health.ReportOutcome(d.ID, provider.OutcomeTransientError)
		return nil, fmt.Errorf("orchestrator: primary %s returned no outcome", d.ID)
	case outcome.Failed():
		s.health.ReportOutcome(d.ID, outcome.Kind)
		s.appendAudit(ctx, req, d.ID, string(outcome.Kind), latency, nil)
		return nil, fmt.Errorf("orchestrator: primary %s failed: %s: %s", d.ID, outcome.Kind, outcome.ErrorMessage)
	}

	s.health.ReportOutcome(d.ID, provider.OutcomeSuccess)
	s.appendAudit(ctx, req, d.ID, string(provider.OutcomeSuccess), latency, nil)

	return &Response{
		TaskID:     req.ID,
		ProviderID: d.ID,
		Result:     outcome.Result,
		Confidence: outcome.Confidence,
		Mode:       string(current),
	}, nil
}

// hybrid answers from the primary, then engages the fallback chain only when
// the primary fails or reports confidence below the gate.
func (s *Service) hybrid(ctx context.Context, req *task.Request) (*Response, error) {
	resp, err := s.primaryOnly(ctx, req, mode.Hybrid)
	if err == nil && resp.Confidence >= s.modes.HybridConfidence() {
		return resp, nil
	}
	if err != nil {
		log.WithFields(log.Fields{"task": req.ID, "error": err}).
			Info("orchestrator: hybrid primary failed, engaging fallback")
	} else {
		log.WithFields(log.Fields{"task": req.ID, "confidence": resp.Confidence}).
			Info("orchestrator: hybrid confidence below gate, engaging fallback")
	}
	return s.routeFallback(ctx, req, mode.Hybrid)
}

// full walks the whole chain. Critical tasks try consensus first and fall back
// to single-provider routing when no consensus is reached.
func (s *Service) full(ctx context.Context, req *task.Request) (*Response, error) {
	if req.Criticality == task.CriticalityCritical && s.cons != nil {
		res, err := s.cons.Decide(ctx, req)
		switch {
		case err == nil:
			s.appendAudit(ctx, req, "", "consensus_reached", 0, map[string]any{
				"score":  res.Score,
				"fusion": string(res.Fusion),
				"voters": len(res.Votes),
			})
			winner := ""
			if len(res.Votes) > 0 {
				winner = res.Votes[0].ProviderID
			}
			return &Response{
				TaskID:     req.ID,
				ProviderID: winner,
				Result:     res.Proposal,
				Confidence: res.Score,
				Mode:       string(mode.Full),
				Consensus:  res,
			}, nil
		case errors.Is(err, consensus.ErrNoConsensus), errors.Is(err, consensus.ErrNoVoters):
			log.WithFields(log.Fields{"task": req.ID, "error": err}).
				Info("orchestrator: consensus not reached, falling back to routing")
		default:
			return nil, err
		}
	}
	return s.routeFallback(ctx, req, mode.Full)
}

func (s *Service) routeFallback(ctx context.Context, req *task.Request, current mode.Mode) (*Response, error) {
	res, err := s.router.Route(ctx, req, s.Bundle(req.SessionID))
	if err != nil {
		return nil, err
	}
	return &Response{
		TaskID:     res.TaskID,
		ProviderID: res.ProviderID,
		Result:     res.Result,
		Confidence: res.Confidence,
		Mode:       string(current),
		Attempts:   res.Attempts,
	}, nil
}

// logShadowPlan audits the fallback chain the router would have walked, so
// shadow cycles produce evaluable evidence without touching any budget.
func (s *Service) logShadowPlan(ctx context.Context, req *task.Request) {
	plan := s.router.Plan(req)
	s.appendAudit(ctx, req, "", "shadow_plan", 0, map[string]any{
		"chain": plan,
	})
}

func (s *Service) appendAudit(ctx context.Context, req *task.Request, providerID, outcome string, latency time.Duration, detail map[string]any) {
	if s.sink == nil {
		return
	}
	err := s.sink.Append(ctx, audit.Record{
		Timestamp:  s.now(),
		TaskID:     req.ID,
		ProviderID: providerID,
		Outcome:    outcome,
		LatencyMs:  latency.Milliseconds(),
		Mode:       string(s.modes.Mode()),
		Detail:     detail,
	})
	if err != nil {
		log.WithFields(log.Fields{"task": req.ID, "error": err}).
			Error("orchestrator: audit append failed")
	}
}
