// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"context"
	"sync"
	"time"
)

// ScriptedAdapter replays a fixed sequence of outcome kinds. It backs the
// development configuration and the routing tests, where real backends would
// make failure ordering nondeterministic. Once the script is exhausted the
// adapter keeps returning the last entry.
type ScriptedAdapter struct {
	desc *Descriptor

	mu     sync.Mutex
	script []OutcomeKind
	pos    int

	// Delay simulates provider latency per invocation.
	Delay time.Duration

	// Confidence is attached to successful outcomes.
	Confidence float64
}

// NewScriptedAdapter creates an adapter that yields the given outcome kinds in
// order. An empty script behaves as an always-successful provider.
func NewScriptedAdapter(desc *Descriptor, script ...OutcomeKind) *ScriptedAdapter {
	return &ScriptedAdapter{
		desc:       desc,
		script:     script,
		Confidence: 0.9,
	}
}

// Descriptor returns the provider's immutable descriptor.
func (s *ScriptedAdapter) Descriptor() *Descriptor { return s.desc }

// Invoke returns the next scripted outcome, honoring context cancellation.
func (s *ScriptedAdapter) Invoke(ctx context.Context, inv *Invocation) (*Outcome, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return &Outcome{Kind: OutcomeTimeout, ErrorMessage: ctx.Err().Error()}, nil
		case <-time.After(s.Delay):
		}
	} else if err := ctx.Err(); err != nil {
		return &Outcome{Kind: OutcomeTimeout, ErrorMessage: err.Error()}, nil
	}

	kind := s.next()
	switch kind {
	case OutcomeSuccess:
		return &Outcome{
			Kind:       OutcomeSuccess,
			Result:     s.desc.ID + ": " + inv.Payload,
			Confidence: s.Confidence,
		}, nil
	default:
		return &Outcome{Kind: kind, ErrorMessage: "scripted " + string(kind)}, nil
	}
}

func (s *ScriptedAdapter) next() OutcomeKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.script) == 0 {
		return OutcomeSuccess
	}
	kind := s.script[s.pos]
	if s.pos < len(s.script)-1 {
		s.pos++
	}
	return kind
}

// EchoAdapter returns its invocation back verbatim: the result is the payload
// and the prepared context, unmodified. Used by handoff round-trip tests.
type EchoAdapter struct {
	desc *Descriptor
}

// NewEchoAdapter creates an echo adapter for the given descriptor.
func NewEchoAdapter(desc *Descriptor) *EchoAdapter {
	return &EchoAdapter{desc: desc}
}

// Descriptor returns the provider's immutable descriptor.
func (e *EchoAdapter) Descriptor() *Descriptor { return e.desc }

// Invoke echoes the prepared context back as the result.
func (e *EchoAdapter) Invoke(ctx context.Context, inv *Invocation) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return &Outcome{Kind: OutcomeTimeout, ErrorMessage: err.Error()}, nil
	}
	result := inv.Payload
	if len(inv.Context) > 0 {
		result = string(inv.Context)
	}
	return &Outcome{Kind: OutcomeSuccess, Result: result, Confidence: 1.0}, nil
}
