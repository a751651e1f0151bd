// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package task defines the task request model shared by the router,
// consensus engine, and orchestration service.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Class categorizes a task so the router can filter providers by capability.
type Class string

const (
	// ClassCode is implementation and refactoring work.
	ClassCode Class = "code"

	// ClassReasoning is analysis, debugging, and planning work.
	ClassReasoning Class = "reasoning"

	// ClassArchitecture is high-impact design work.
	ClassArchitecture Class = "architecture"

	// ClassGeneral is any task with no special capability requirement.
	ClassGeneral Class = "general"
)

// Criticality marks whether a task is eligible for consensus verification.
type Criticality string

const (
	// CriticalityNormal tasks are answered by a single provider.
	CriticalityNormal Criticality = "normal"

	// CriticalityCritical tasks are dispatched to multiple providers for a
	// weighted-vote decision when the current mode permits it.
	CriticalityCritical Criticality = "critical"
)

// Request is a caller-supplied unit of work to be routed to a provider.
type Request struct {
	// ID uniquely identifies the request. Generated when empty.
	ID string `json:"id"`

	// SessionID ties the request to a context bundle.
	SessionID string `json:"session_id"`

	// Payload is the task content handed to the provider.
	Payload string `json:"payload"`

	// Class declares the capability the task needs.
	Class Class `json:"class"`

	// Criticality controls consensus eligibility.
	Criticality Criticality `json:"criticality"`

	// Deadline bounds the whole routing operation, including fallback.
	// Zero means no deadline beyond per-attempt timeouts.
	Deadline time.Time `json:"deadline,omitempty"`

	// IdempotencyKey lets callers retry submission without duplicating work.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Normalize fills generated fields and applies defaults.
func (r *Request) Normalize() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Class == "" {
		r.Class = ClassGeneral
	}
	if r.Criticality == "" {
		r.Criticality = CriticalityNormal
	}
}

// Validate checks that the request is routable.
func (r *Request) Validate() error {
	if r.Payload == "" {
		return fmt.Errorf("task %s: empty payload", r.ID)
	}
	switch r.Class {
	case ClassCode, ClassReasoning, ClassArchitecture, ClassGeneral:
	default:
		return fmt.Errorf("task %s: unknown class %q", r.ID, r.Class)
	}
	switch r.Criticality {
	case CriticalityNormal, CriticalityCritical:
	default:
		return fmt.Errorf("task %s: unknown criticality %q", r.ID, r.Criticality)
	}
	return nil
}

// Remaining returns the time left before the request deadline, or the given
// fallback when no deadline is set.
func (r *Request) Remaining(now time.Time, fallback time.Duration) time.Duration {
	if r.Deadline.IsZero() {
		return fallback
	}
	return r.Deadline.Sub(now)
}
