// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package handoff compresses, serializes, and reconstructs session context
// when execution moves between providers. A session's working memory is a
// versioned, provider-agnostic Bundle of weight-classed fragments; preparation
// selects whole fragments into a provider's token budget and harvesting folds
// provider output back in as a new bundle version.
package handoff

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// WeightClass orders fragments by injection priority.
type WeightClass string

const (
	// ClassRecent is the most recent conversational turn. Highest priority.
	ClassRecent WeightClass = "recent"

	// ClassWorking is the active working set for the current task.
	ClassWorking WeightClass = "working"

	// ClassSemantic is similarity-retrieved background knowledge.
	ClassSemantic WeightClass = "semantic"

	// ClassEpisodic is long-horizon session history. Lowest priority.
	ClassEpisodic WeightClass = "episodic"
)

// classRank returns the selection priority of a weight class; lower is
// selected first.
func classRank(c WeightClass) int {
	switch c {
	case ClassRecent:
		return 0
	case ClassWorking:
		return 1
	case ClassSemantic:
		return 2
	case ClassEpisodic:
		return 3
	default:
		return 4
	}
}

// ValidClass reports whether c is one of the four weight classes.
func ValidClass(c WeightClass) bool {
	return classRank(c) < 4
}

// Fragment is one indivisible unit of context. Fragments are never split:
// either a whole fragment fits the target budget or it is left out.
type Fragment struct {
	ID         string      `json:"id"`
	Class      WeightClass `json:"class"`
	Content    string      `json:"content"`
	TokenCost  int         `json:"token_cost"`
	ResultHash string      `json:"result_hash,omitempty"`
	Version    int         `json:"version"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Bundle is the provider-agnostic representation of one session's working
// memory. Bundles are value-semantic: mutation produces a new version, old
// versions are never edited in place.
type Bundle struct {
	SessionID string     `json:"session_id"`
	Version   int        `json:"version"`
	Fragments []Fragment `json:"fragments"`
}

// NewBundle creates an empty version-0 bundle for a session.
func NewBundle(sessionID string) *Bundle {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Bundle{SessionID: sessionID}
}

// TotalTokens returns the summed token cost of all fragments.
func (b *Bundle) TotalTokens() int {
	total := 0
	for _, f := range b.Fragments {
		total += f.TokenCost
	}
	return total
}

// HasResult reports whether a harvest with the given result hash has already
// been applied. Backs harvest idempotence.
func (b *Bundle) HasResult(hash string) bool {
	for _, f := range b.Fragments {
		if f.ResultHash == hash {
			return true
		}
	}
	return false
}

// clone copies the bundle with an incremented version.
func (b *Bundle) clone() *Bundle {
	next := &Bundle{
		SessionID: b.SessionID,
		Version:   b.Version + 1,
		Fragments: make([]Fragment, len(b.Fragments)),
	}
	copy(next.Fragments, b.Fragments)
	return next
}

// sortForSelection orders fragments by descending weight-class priority, then
// by recency within a class.
func sortForSelection(frags []Fragment) {
	sort.SliceStable(frags, func(i, j int) bool {
		ri, rj := classRank(frags[i].Class), classRank(frags[j].Class)
		if ri != rj {
			return ri < rj
		}
		return frags[i].CreatedAt.After(frags[j].CreatedAt)
	})
}

// HashResult computes the stable identity of a raw provider result.
func HashResult(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("sha256:%x", sum)
}
