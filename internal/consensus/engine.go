// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package consensus queries multiple providers for one critical task and
// fuses their weighted votes into a single decision. It is only engaged for
// critical tasks while the router operates in full mode; everything else goes
// through single-provider routing.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fulvian/devflow-sub003/internal/admission"
	"github.com/fulvian/devflow-sub003/internal/health"
	"github.com/fulvian/devflow-sub003/internal/provider"
	"github.com/fulvian/devflow-sub003/internal/task"
)

// ErrNoConsensus indicates no proposal reached the decision threshold.
// Non-fatal: the caller falls back to single-provider routing.
var ErrNoConsensus = errors.New("consensus: no proposal reached decision threshold")

// ErrNoVoters indicates no candidate was admitted to the vote at all.
var ErrNoVoters = errors.New("consensus: no candidate providers admitted")

// FusionMode selects how agreeing vote scores are combined.
type FusionMode string

const (
	// FusionWeighted sums weight x confidence linearly.
	FusionWeighted FusionMode = "weighted"

	// FusionHarmonic takes the harmonic mean of agreeing scores.
	FusionHarmonic FusionMode = "harmonic"

	// FusionGeometric takes the geometric mean of agreeing scores.
	FusionGeometric FusionMode = "geometric"
)

// Vote is one provider's proposal with its weight and self-reported
// confidence. Votes live only for the decision window and are never
// persisted.
type Vote struct {
	ProviderID string  `json:"provider_id"`
	Proposal   string  `json:"proposal"`
	Confidence float64 `json:"confidence"`
	Weight     float64 `json:"weight"`
}

// Result is the winning proposal with its fused score and contributing votes.
type Result struct {
	Proposal string     `json:"proposal"`
	Score    float64    `json:"score"`
	Fusion   FusionMode `json:"fusion"`
	Votes    []Vote     `json:"votes"`
	Excluded []string   `json:"excluded,omitempty"`
}

// Config tunes the consensus decision.
type Config struct {
	// Fusion selects the score combination mode.
	Fusion FusionMode `yaml:"fusion" json:"fusion"`

	// DecisionThreshold is the minimum fused score a proposal needs to win.
	DecisionThreshold float64 `yaml:"decision-threshold" json:"decision-threshold"`

	// CriticalThreshold replaces DecisionThreshold for task classes listed
	// in CriticalClasses.
	CriticalThreshold float64 `yaml:"critical-threshold" json:"critical-threshold"`

	// CriticalClasses lists the task classes held to CriticalThreshold.
	CriticalClasses []task.Class `yaml:"critical-classes" json:"critical-classes"`
}

// DefaultConfig returns the documented thresholds.
func DefaultConfig() Config {
	return Config{
		Fusion:            FusionWeighted,
		DecisionThreshold: 0.60,
		CriticalThreshold: 0.80,
		CriticalClasses:   []task.Class{task.ClassArchitecture},
	}
}

// Engine fans a critical task out to every admitted candidate and fuses the
// votes.
type Engine struct {
	mu  sync.RWMutex
	cfg Config

	registry *provider.Registry
	health   *health.Monitor
	adm      *admission.Controller
}

// NewEngine creates a consensus engine over the given collaborators.
func NewEngine(cfg Config, reg *provider.Registry, hm *health.Monitor, adm *admission.Controller) *Engine {
	if cfg.Fusion == "" {
		cfg.Fusion = FusionWeighted
	}
	if cfg.DecisionThreshold <= 0 {
		cfg.DecisionThreshold = 0.60
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = 0.80
	}
	return &Engine{cfg: cfg, registry: reg, health: hm, adm: adm}
}

// UpdateConfig replaces the decision tuning, typically on config reload.
func (e *Engine) UpdateConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.Fusion == "" {
		cfg.Fusion = FusionWeighted
	}
	e.cfg = cfg
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Decide dispatches the task concurrently to every admitted candidate and
// combines the votes. Admission denials exclude a provider from the vote
// without counting as failures; adapter failures are reported to the health
// monitor and likewise excluded.
func (e *Engine) Decide(ctx context.Context, req *task.Request) (*Result, error) {
	cfg := e.config()

	candidates := e.registry.CandidatesFor(req.Class)
	var admitted []provider.Adapter
	var excluded []string
	for _, c := range candidates {
		id := c.Descriptor().ID
		if !e.health.Routable(id) {
			excluded = append(excluded, id)
			continue
		}
		if dec := e.adm.TryAcquire(id); !dec.Granted {
			excluded = append(excluded, id)
			continue
		}
		admitted = append(admitted, c)
	}
	if len(admitted) == 0 {
		return nil, ErrNoVoters
	}

	votes := e.fanOut(ctx, req, admitted)
	if len(votes) == 0 {
		return nil, ErrNoVoters
	}

	threshold := cfg.DecisionThreshold
	for _, cc := range cfg.CriticalClasses {
		if req.Class == cc {
			threshold = cfg.CriticalThreshold
			break
		}
	}

	proposal, score := e.fuse(votes, cfg.Fusion)
	if score < threshold {
		log.WithFields(log.Fields{
			"task":      req.ID,
			"score":     score,
			"threshold": threshold,
		}).Info("consensus: below threshold")
		return nil, fmt.Errorf("%w: best score %.3f < %.2f", ErrNoConsensus, score, threshold)
	}

	res := &Result{
		Proposal: proposal,
		Score:    score,
		Fusion:   cfg.Fusion,
		Excluded: excluded,
	}
	for _, v := range votes {
		if v.Proposal == proposal {
			res.Votes = append(res.Votes, v)
		}
	}
	return res, nil
}

// fanOut invokes every admitted candidate concurrently under the request
// deadline. One candidate's failure or timeout never cancels the others.
func (e *Engine) fanOut(ctx context.Context, req *task.Request, admitted []provider.Adapter) []Vote {
	timeout := req.Remaining(time.Now(), 60*time.Second)
	if timeout <= 0 {
		return nil
	}
	fanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu    sync.Mutex
		votes []Vote
		wg    sync.WaitGroup
	)
	for _, cand := range admitted {
		wg.Add(1)
		go func(a provider.Adapter) {
			defer wg.Done()
			d := a.Descriptor()

			outcome, err := a.Invoke(fanCtx, &provider.Invocation{TaskID: req.ID, Payload: req.Payload})
			switch {
			case err != nil:
				e.health.ReportOutcome(d.ID, provider.OutcomeTransientError)
				return
			case outcome.Failed():
				e.health.ReportOutcome(d.ID, outcome.Kind)
				return
			}
			e.health.ReportOutcome(d.ID, provider.OutcomeSuccess)

			mu.Lock()
			votes = append(votes, Vote{
				ProviderID: d.ID,
				Proposal:   outcome.Result,
				Confidence: clamp01(outcome.Confidence),
				Weight:     d.Weight,
			})
			mu.Unlock()
		}(cand)
	}
	wg.Wait()
	return votes
}

// fuse scores each distinct proposal and returns the winner. Ties are broken
// by the static priority of the highest-weighted contributing vote.
func (e *Engine) fuse(votes []Vote, fusion FusionMode) (string, float64) {
	byProposal := make(map[string][]Vote)
	for _, v := range votes {
		byProposal[v.Proposal] = append(byProposal[v.Proposal], v)
	}

	type scored struct {
		proposal string
		score    float64
		tiebreak int // static priority of the highest-weighted vote
	}
	var results []scored
	for proposal, group := range byProposal {
		results = append(results, scored{
			proposal: proposal,
			score:    fuseScores(group, fusion),
			tiebreak: e.tiebreakPriority(group),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].tiebreak < results[j].tiebreak
	})
	return results[0].proposal, results[0].score
}

func (e *Engine) tiebreakPriority(group []Vote) int {
	best := group[0]
	for _, v := range group[1:] {
		if v.Weight > best.Weight {
			best = v
		}
	}
	if a, ok := e.registry.Get(best.ProviderID); ok {
		return a.Descriptor().Priority
	}
	return math.MaxInt32
}

// fuseScores combines the agreeing votes' weight x confidence terms.
func fuseScores(group []Vote, fusion FusionMode) float64 {
	terms := make([]float64, 0, len(group))
	for _, v := range group {
		terms = append(terms, v.Weight*v.Confidence)
	}

	switch fusion {
	case FusionHarmonic:
		var invSum float64
		for _, t := range terms {
			if t <= 0 {
				return 0
			}
			invSum += 1 / t
		}
		return float64(len(terms)) / invSum

	case FusionGeometric:
		prod := 1.0
		for _, t := range terms {
			if t <= 0 {
				return 0
			}
			prod *= t
		}
		return math.Pow(prod, 1/float64(len(terms)))

	default: // FusionWeighted
		var sum float64
		for _, t := range terms {
			sum += t
		}
		return sum
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
