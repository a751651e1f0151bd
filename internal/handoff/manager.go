// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package handoff

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrContextOverflow indicates the required fragments cannot fit the target
// provider's budget. Lower-priority classes are dropped to degrade, but a
// recent-class fragment that does not fit is a hard failure: fragments are
// never truncated mid-unit.
var ErrContextOverflow = errors.New("handoff: required context exceeds provider budget")

// Classifier assigns a weight class to harvested output. The real
// implementation lives in the external semantic-memory collaborator; the
// handoff manager only depends on this boundary.
type Classifier interface {
	Classify(content string) WeightClass
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(content string) WeightClass

// Classify implements Classifier.
func (f ClassifierFunc) Classify(content string) WeightClass { return f(content) }

// defaultClassifier files everything as recent output.
func defaultClassifier(string) WeightClass { return ClassRecent }

// ProviderContext is the provider-shaped context payload for one invocation.
type ProviderContext struct {
	ProviderID string `json:"provider_id"`

	// Payload is the serialized wire shape handed to the adapter.
	Payload []byte `json:"-"`

	// SelectedIDs lists the fragment IDs that were injected, in order.
	SelectedIDs []string `json:"selected_ids"`

	// TokenCost is the summed cost of the selected fragments.
	TokenCost int `json:"token_cost"`
}

// Config tunes context sizing.
type Config struct {
	// InjectionBudgetTokens caps the token cost of fragments selected for
	// one invocation, independent of the provider's own window.
	InjectionBudgetTokens int `yaml:"injection-budget-tokens" json:"injection-budget-tokens"`

	// SessionRetentionTokens caps the whole bundle; harvesting evicts the
	// lowest-priority fragments beyond it.
	SessionRetentionTokens int `yaml:"session-retention-tokens" json:"session-retention-tokens"`
}

// DefaultConfig returns the documented context budgets.
func DefaultConfig() Config {
	return Config{
		InjectionBudgetTokens:  2000,
		SessionRetentionTokens: 8000,
	}
}

// Manager prepares provider-specific context and harvests results back into
// the canonical bundle.
type Manager struct {
	cfg        Config
	est        *Estimator
	classifier Classifier
	now        func() time.Time
}

// NewManager creates a handoff manager. A nil classifier files all harvested
// output as recent.
func NewManager(cfg Config, classifier Classifier) *Manager {
	if cfg.InjectionBudgetTokens <= 0 {
		cfg.InjectionBudgetTokens = 2000
	}
	if cfg.SessionRetentionTokens <= 0 {
		cfg.SessionRetentionTokens = 4 * cfg.InjectionBudgetTokens
	}
	if classifier == nil {
		classifier = ClassifierFunc(defaultClassifier)
	}
	return &Manager{
		cfg:        cfg,
		est:        NewEstimator(),
		classifier: classifier,
		now:        time.Now,
	}
}

// SetClock overrides the manager's clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Estimator exposes the token estimator for collaborators that size payloads.
func (m *Manager) Estimator() *Estimator { return m.est }

// PrepareForProvider selects fragments by descending weight-class priority
// until the target budget is filled, then serializes them into the provider's
// wire shape. Selection is whole-fragment: a fragment that does not fit is
// skipped, and lower classes are dropped before higher ones. A recent-class
// fragment that cannot fit at all yields ErrContextOverflow.
func (m *Manager) PrepareForProvider(b *Bundle, providerID string, maxContextTokens int) (*ProviderContext, error) {
	budget := m.cfg.InjectionBudgetTokens
	if maxContextTokens > 0 && maxContextTokens < budget {
		budget = maxContextTokens
	}

	frags := make([]Fragment, len(b.Fragments))
	copy(frags, b.Fragments)
	sortForSelection(frags)

	var selected []Fragment
	used := 0
	for _, f := range frags {
		cost := f.TokenCost
		if cost == 0 {
			cost = m.est.Estimate(f.Content)
		}
		if used+cost > budget {
			if f.Class == ClassRecent {
				return nil, fmt.Errorf("%w: fragment %s (%d tokens, %d left)",
					ErrContextOverflow, f.ID, cost, budget-used)
			}
			continue
		}
		f.TokenCost = cost
		selected = append(selected, f)
		used += cost
	}

	payload, err := serialize(b, providerID, selected)
	if err != nil {
		return nil, err
	}

	pc := &ProviderContext{
		ProviderID: providerID,
		Payload:    payload,
		TokenCost:  used,
	}
	for _, f := range selected {
		pc.SelectedIDs = append(pc.SelectedIDs, f.ID)
	}
	return pc, nil
}

// serialize builds the provider wire shape from the selected fragments.
func serialize(b *Bundle, providerID string, selected []Fragment) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "session_id", b.SessionID); err != nil {
		return nil, fmt.Errorf("handoff: serialize: %w", err)
	}
	if out, err = sjson.SetBytes(out, "bundle_version", b.Version); err != nil {
		return nil, fmt.Errorf("handoff: serialize: %w", err)
	}
	if out, err = sjson.SetBytes(out, "provider", providerID); err != nil {
		return nil, fmt.Errorf("handoff: serialize: %w", err)
	}
	if out, err = sjson.SetBytes(out, "fragments", []any{}); err != nil {
		return nil, fmt.Errorf("handoff: serialize: %w", err)
	}
	for _, f := range selected {
		out, err = sjson.SetBytes(out, "fragments.-1", map[string]any{
			"id":      f.ID,
			"class":   string(f.Class),
			"content": f.Content,
		})
		if err != nil {
			return nil, fmt.Errorf("handoff: serialize fragment %s: %w", f.ID, err)
		}
	}
	return out, nil
}

// Harvest classifies raw provider output into weight-classed fragments and
// appends them as a new bundle version, evicting the lowest-priority
// fragments beyond the session retention cap. Replaying a harvest with the
// same result hash returns the bundle unchanged.
func (m *Manager) Harvest(b *Bundle, providerID, rawOutput string) (*Bundle, error) {
	if rawOutput == "" {
		return b, nil
	}

	hash := HashResult(rawOutput)
	if b.HasResult(hash) {
		return b, nil
	}

	next := b.clone()
	now := m.now()

	for _, piece := range splitOutput(rawOutput) {
		class := piece.class
		if class == "" {
			class = m.classifier.Classify(piece.content)
		}
		if !ValidClass(class) {
			class = ClassRecent
		}
		next.Fragments = append(next.Fragments, Fragment{
			ID:         uuid.NewString(),
			Class:      class,
			Content:    piece.content,
			TokenCost:  m.est.Estimate(piece.content),
			ResultHash: hash,
			Version:    next.Version,
			CreatedAt:  now,
		})
	}

	m.evict(next)
	return next, nil
}

type outputPiece struct {
	class   WeightClass
	content string
}

// splitOutput extracts harvestable pieces from raw provider output.
// Structured outputs may carry a "segments" or "fragments" array of
// pre-classed pieces (the latter is the wire shape, so echoed payloads
// round-trip into classed fragments) or a single "result" field; anything
// else is harvested verbatim.
func splitOutput(raw string) []outputPiece {
	if gjson.Valid(raw) {
		for _, key := range []string{"segments", "fragments"} {
			segs := gjson.Get(raw, key)
			if !segs.IsArray() {
				continue
			}
			var pieces []outputPiece
			segs.ForEach(func(_, seg gjson.Result) bool {
				content := seg.Get("content").String()
				if content != "" {
					pieces = append(pieces, outputPiece{
						class:   WeightClass(seg.Get("class").String()),
						content: content,
					})
				}
				return true
			})
			if len(pieces) > 0 {
				return pieces
			}
		}
		if result := gjson.Get(raw, "result"); result.Exists() && result.String() != "" {
			return []outputPiece{{content: result.String()}}
		}
	}
	return []outputPiece{{content: raw}}
}

// evict drops the lowest-priority, oldest fragments until the bundle fits the
// retention cap. Whole fragments only.
func (m *Manager) evict(b *Bundle) {
	for b.TotalTokens() > m.cfg.SessionRetentionTokens && len(b.Fragments) > 1 {
		victim := -1
		for i, f := range b.Fragments {
			if victim == -1 {
				victim = i
				continue
			}
			v := b.Fragments[victim]
			if classRank(f.Class) > classRank(v.Class) ||
				(classRank(f.Class) == classRank(v.Class) && f.CreatedAt.Before(v.CreatedAt)) {
				victim = i
			}
		}
		b.Fragments = append(b.Fragments[:victim], b.Fragments[victim+1:]...)
	}
}
