// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package handoff

import (
	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

// Estimator computes fragment token costs. It prefers a real BPE tokenizer
// and falls back to a word-count approximation when the encoding cannot be
// loaded, so context sizing degrades gracefully rather than failing startup.
type Estimator struct {
	codec tokenizer.Codec
}

// NewEstimator creates an estimator backed by the cl100k_base encoding.
func NewEstimator() *Estimator {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warnf("handoff: tokenizer unavailable, using word-count estimation: %v", err)
		return &Estimator{}
	}
	return &Estimator{codec: codec}
}

// Estimate returns the token cost of the given content.
func (e *Estimator) Estimate(content string) int {
	if content == "" {
		return 0
	}
	if e.codec != nil {
		if ids, _, err := e.codec.Encode(content); err == nil {
			return len(ids)
		}
	}
	return simpleEstimate(content)
}

// simpleEstimate approximates token count as words * 1.3, the typical
// subword expansion factor.
func simpleEstimate(content string) int {
	words := 0
	inWord := false
	for _, r := range content {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if isSpace {
			inWord = false
		} else if !inWord {
			words++
			inWord = true
		}
	}
	return int(float64(words) * 1.3)
}
