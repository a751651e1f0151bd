package consensus

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/fulvian/devflow-sub003/internal/admission"
	"github.com/fulvian/devflow-sub003/internal/health"
	"github.com/fulvian/devflow-sub003/internal/provider"
	"github.com/fulvian/devflow-sub003/internal/task"
)

// stubAdapter returns one fixed outcome, so tests control agreement exactly.
type stubAdapter struct {
	desc    *provider.Descriptor
	outcome *provider.Outcome
	err     error
}

func (s *stubAdapter) Descriptor() *provider.Descriptor { return s.desc }

func (s *stubAdapter) Invoke(context.Context, *provider.Invocation) (*provider.Outcome, error) {
	return s.outcome, s.err
}

func voter(id string, priority int, weight float64, proposal string, confidence float64) *stubAdapter {
	return &stubAdapter{
		desc: &provider.Descriptor{ID: id, Priority: priority, Weight: weight},
		outcome: &provider.Outcome{
			Kind:       provider.OutcomeSuccess,
			Result:     proposal,
			Confidence: confidence,
		},
	}
}

func failingVoter(id string, priority int, weight float64, kind provider.OutcomeKind) *stubAdapter {
	return &stubAdapter{
		desc:    &provider.Descriptor{ID: id, Priority: priority, Weight: weight},
		outcome: &provider.Outcome{Kind: kind, ErrorMessage: "stub failure"},
	}
}

func newEngine(t *testing.T, cfg Config, adapters ...provider.Adapter) (*Engine, *health.Monitor, *admission.Controller) {
	t.Helper()
	registry := provider.NewRegistry()
	ids := make([]string, 0, len(adapters))
	budgets := make(map[string]admission.BudgetConfig)
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			t.Fatalf("Register: %v", err)
		}
		ids = append(ids, a.Descriptor().ID)
		budgets[a.Descriptor().ID] = admission.BudgetConfig{Capacity: 100, Window: time.Minute}
	}
	monitor := health.NewMonitor(health.DefaultConfig(), ids...)
	adm, err := admission.NewController(budgets)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return NewEngine(cfg, registry, monitor, adm), monitor, adm
}

func critReq() *task.Request {
	r := &task.Request{
		Payload:     "verify this design",
		Class:       task.ClassGeneral,
		Criticality: task.CriticalityCritical,
	}
	r.Normalize()
	return r
}

func TestDecide_WeightedMajorityWins(t *testing.T) {
	e, _, _ := newEngine(t, DefaultConfig(),
		voter("a", 0, 0.4, "apply the patch", 0.9),
		voter("b", 1, 0.35, "apply the patch", 0.8),
		voter("c", 2, 0.25, "reject the patch", 0.9),
	)

	res, err := e.Decide(context.Background(), critReq())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Proposal != "apply the patch" {
		t.Errorf("proposal = %q", res.Proposal)
	}
	// 0.4*0.9 + 0.35*0.8 = 0.64
	if math.Abs(res.Score-0.64) > 1e-9 {
		t.Errorf("score = %v, want 0.64", res.Score)
	}
	if len(res.Votes) != 2 {
		t.Errorf("contributing votes = %d, want 2", len(res.Votes))
	}
}

func TestDecide_BelowThresholdIsNoConsensus(t *testing.T) {
	e, _, _ := newEngine(t, DefaultConfig(),
		voter("a", 0, 0.4, "alpha", 0.5),
		voter("b", 1, 0.35, "beta", 0.5),
		voter("c", 2, 0.25, "gamma", 0.5),
	)

	_, err := e.Decide(context.Background(), critReq())
	if !errors.Is(err, ErrNoConsensus) {
		t.Errorf("err = %v, want ErrNoConsensus", err)
	}
}

func TestDecide_CriticalClassUsesHigherThreshold(t *testing.T) {
	cfg := DefaultConfig() // architecture held to 0.80
	e, _, _ := newEngine(t, cfg,
		voter("a", 0, 0.4, "apply the patch", 0.9),
		voter("b", 1, 0.35, "apply the patch", 0.8),
	)

	req := critReq()
	req.Class = task.ClassArchitecture
	_, err := e.Decide(context.Background(), req)
	if !errors.Is(err, ErrNoConsensus) {
		t.Fatalf("err = %v, want ErrNoConsensus (0.64 < 0.80)", err)
	}

	req.Class = task.ClassGeneral
	if _, err := e.Decide(context.Background(), req); err != nil {
		t.Errorf("general class should pass the 0.60 threshold: %v", err)
	}
}

func TestDecide_AdmissionDenialExcludesNotFails(t *testing.T) {
	// a alone must still clear the 0.60 threshold: 0.8 * 0.9 = 0.72.
	e, monitor, adm := newEngine(t, DefaultConfig(),
		voter("a", 0, 0.8, "answer", 0.9),
		voter("b", 1, 0.5, "answer", 0.9),
	)
	if err := adm.Configure("b", admission.BudgetConfig{Capacity: 1, Window: time.Hour}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	adm.TryAcquire("b")

	res, err := e.Decide(context.Background(), critReq())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Proposal != "answer" {
		t.Errorf("proposal = %q, want answer", res.Proposal)
	}
	if len(res.Votes) != 1 || res.Votes[0].ProviderID != "a" {
		t.Errorf("votes = %+v, want only a", res.Votes)
	}
	if len(res.Excluded) != 1 || res.Excluded[0] != "b" {
		t.Errorf("excluded = %v, want [b]", res.Excluded)
	}
	// Exclusion is not a failure signal.
	if st := monitor.State("b").Status; st != health.StatusUnknown {
		t.Errorf("b health = %s, want unchanged", st)
	}
}

func TestDecide_FailedVoterReportedToHealth(t *testing.T) {
	e, monitor, _ := newEngine(t, DefaultConfig(),
		voter("a", 0, 0.9, "answer", 0.9),
		failingVoter("b", 1, 0.5, provider.OutcomeTransientError),
	)

	res, err := e.Decide(context.Background(), critReq())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Proposal != "answer" {
		t.Errorf("proposal = %q", res.Proposal)
	}
	if got := monitor.State("b").ConsecutiveFailures; got != 1 {
		t.Errorf("b failures = %d, want 1", got)
	}
	if got := monitor.State("a").Status; got != health.StatusAvailable {
		t.Errorf("a health = %s, want available", got)
	}
}

func TestDecide_NoVoters(t *testing.T) {
	e, monitor, _ := newEngine(t, DefaultConfig(),
		voter("a", 0, 0.9, "answer", 0.9),
	)
	monitor.ReportOutcome("a", provider.OutcomeAuthError)

	_, err := e.Decide(context.Background(), critReq())
	if !errors.Is(err, ErrNoVoters) {
		t.Errorf("err = %v, want ErrNoVoters", err)
	}
}

func TestDecide_TieBreakByStaticPriority(t *testing.T) {
	// Two proposals with identical fused scores; the one whose strongest
	// backer has the better static priority wins.
	e, _, _ := newEngine(t, DefaultConfig(),
		voter("low-priority", 5, 0.8, "proposal-b", 0.9),
		voter("high-priority", 0, 0.8, "proposal-a", 0.9),
	)

	res, err := e.Decide(context.Background(), critReq())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Proposal != "proposal-a" {
		t.Errorf("proposal = %q, want proposal-a (priority tie-break)", res.Proposal)
	}
}

func TestFuseScores(t *testing.T) {
	group := []Vote{
		{Weight: 0.4, Confidence: 0.9},  // 0.36
		{Weight: 0.35, Confidence: 0.8}, // 0.28
	}

	tests := []struct {
		fusion FusionMode
		want   float64
	}{
		{FusionWeighted, 0.64},
		{FusionHarmonic, 2 / (1/0.36 + 1/0.28)},
		{FusionGeometric, math.Sqrt(0.36 * 0.28)},
	}
	for _, tt := range tests {
		t.Run(string(tt.fusion), func(t *testing.T) {
			got := fuseScores(group, tt.fusion)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("fuseScores = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFuseScores_ZeroTermGuards(t *testing.T) {
	group := []Vote{{Weight: 0, Confidence: 0.9}}
	if got := fuseScores(group, FusionHarmonic); got != 0 {
		t.Errorf("harmonic with zero term = %v, want 0", got)
	}
	if got := fuseScores(group, FusionGeometric); got != 0 {
		t.Errorf("geometric with zero term = %v, want 0", got)
	}
}
