// Package scoring computes simulated CIBIL credit scores.
package scoring

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/prequal/prequal/pkg/model"
)

const (
	BaseScore = 650

	HighIncomeThreshold = 75000
	LowIncomeThreshold  = 30000

	HighIncomeBonus    = 40
	LowIncomePenalty   = 20
	SecuredLoanBonus   = 10
	UnsecuredPenalty   = 10
	MaxJitterMagnitude = 5
)

// TestPANs always score the same so both decision branches can be exercised end to end.
var TestPANs = map[string]int{
	"ABCDE1234F": 790,
	"FGHIJ5678K": 610,
}

// Jitter returns the random adjustment applied to a computed score.
type Jitter func() int

type Option func(*Scorer)

// WithJitter replaces the random adjustment. Values outside
// [-MaxJitterMagnitude, MaxJitterMagnitude] are clamped.
func WithJitter(j Jitter) Option {
	return func(s *Scorer) {
		s.jitter = j
	}
}

// NoJitter pins the adjustment to zero.
func NoJitter() int { return 0 }

type Scorer struct {
	jitter Jitter
}

func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{jitter: randomJitter(time.Now().UnixNano())}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func randomJitter(seed int64) Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return rng.Intn(2*MaxJitterMagnitude+1) - MaxJitterMagnitude
	}
}

// Score returns a score in [model.MinCreditScore, model.MaxCreditScore]. Malformed income
// yields a defined but meaningless score; callers validate upstream.
func (s *Scorer) Score(pan string, monthlyIncome float64, loanType string) int {
	if score, ok := TestPANs[pan]; ok {
		return score
	}

	score := BaseScore
	switch {
	case monthlyIncome > HighIncomeThreshold:
		score += HighIncomeBonus
	case monthlyIncome < LowIncomeThreshold:
		score -= LowIncomePenalty
	}

	category := model.LoanType(strings.ToUpper(loanType))
	switch {
	case category.Secured():
		score += SecuredLoanBonus
	case category.Unsecured():
		score -= UnsecuredPenalty
	}

	score += clamp(s.jitter(), -MaxJitterMagnitude, MaxJitterMagnitude)
	return clamp(score, model.MinCreditScore, model.MaxCreditScore)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
