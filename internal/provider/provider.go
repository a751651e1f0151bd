// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package provider defines the uniform adapter boundary to language-model
// execution backends. Every backend is described by an immutable Descriptor
// and driven through the Adapter interface, so the router never branches on
// provider identity.
package provider

import (
	"context"
	"time"

	"github.com/fulvian/devflow-sub003/internal/task"
)

// OutcomeKind classifies the result of a single adapter invocation.
type OutcomeKind string

const (
	// OutcomeSuccess indicates the provider produced a usable result.
	OutcomeSuccess OutcomeKind = "success"

	// OutcomeTransientError indicates a retryable provider-side failure.
	OutcomeTransientError OutcomeKind = "transient_error"

	// OutcomeAuthError indicates the provider rejected our credentials.
	// Auth errors are sticky and never self-heal via timeout.
	OutcomeAuthError OutcomeKind = "auth_error"

	// OutcomeQuotaExhausted indicates the provider reported its own quota
	// as spent for the current window.
	OutcomeQuotaExhausted OutcomeKind = "quota_exhausted"

	// OutcomeTimeout indicates the invocation exceeded its deadline.
	// Treated identically to a transient error by the health monitor.
	OutcomeTimeout OutcomeKind = "timeout"
)

// Capabilities declares what a provider can handle. Used by the router to
// filter candidates and by the handoff manager to size context.
type Capabilities struct {
	// MaxContextTokens is the provider's context window budget.
	MaxContextTokens int `yaml:"max-context-tokens" json:"max_context_tokens"`

	// SupportsTools indicates tool/function-call support.
	SupportsTools bool `yaml:"supports-tools" json:"supports_tools"`

	// TaskClasses lists the task classes this provider is suited for.
	// Empty means the provider accepts any class.
	TaskClasses []task.Class `yaml:"task-classes" json:"task_classes"`
}

// SupportsClass reports whether the capability set satisfies a task class.
func (c Capabilities) SupportsClass(class task.Class) bool {
	if len(c.TaskClasses) == 0 || class == task.ClassGeneral {
		return true
	}
	for _, tc := range c.TaskClasses {
		if tc == class {
			return true
		}
	}
	return false
}

// Descriptor is the immutable identity and static ranking of one provider.
// Created at startup from configuration and never mutated afterwards.
type Descriptor struct {
	// ID is the stable provider identifier used across all subsystems.
	ID string `yaml:"id" json:"id"`

	// Name is the human-readable provider name.
	Name string `yaml:"name" json:"name"`

	// Priority is the static rank used for candidate ordering.
	// Lower values are preferred.
	Priority int `yaml:"priority" json:"priority"`

	// Weight is the static vote weight used by the consensus engine.
	Weight float64 `yaml:"weight" json:"weight"`

	// Capabilities declares what the provider can handle.
	Capabilities Capabilities `yaml:"capabilities" json:"capabilities"`
}

// Invocation carries one prepared call to a provider.
type Invocation struct {
	// TaskID identifies the originating task request.
	TaskID string

	// Payload is the task content.
	Payload string

	// Context is the provider-shaped context payload produced by the
	// handoff manager. May be nil for context-free invocations.
	Context []byte
}

// Outcome is the result of one adapter invocation.
type Outcome struct {
	// Kind classifies the result.
	Kind OutcomeKind

	// Result is the raw provider output. Empty unless Kind is success.
	Result string

	// Confidence is the provider's self-reported confidence in the result,
	// in [0,1]. Consumed by the consensus engine.
	Confidence float64

	// ErrorMessage carries provider-side failure detail.
	ErrorMessage string

	// RetryAfter optionally reports when a quota-exhausted provider expects
	// capacity again.
	RetryAfter time.Time
}

// Failed reports whether the outcome is anything other than success.
func (o *Outcome) Failed() bool {
	return o == nil || o.Kind != OutcomeSuccess
}

// Adapter is the uniform interface to one backend. Implementations must honor
// context cancellation: a canceled invocation returns an Outcome with
// OutcomeTimeout rather than blocking past the deadline.
type Adapter interface {
	// Descriptor returns the provider's immutable descriptor.
	Descriptor() *Descriptor

	// Invoke executes one call against the backend. The returned error is
	// reserved for adapter-internal faults; provider-side failures are
	// expressed through Outcome.Kind.
	Invoke(ctx context.Context, inv *Invocation) (*Outcome, error)
}
