package breaker

import (
	"context"
)

// Counts are error counts split by kind.
type Counts struct {
	Structural int `json:"structural"`
	Semantic   int `json:"semantic"`
}

// Total returns the combined error count.
func (c Counts) Total() int {
	return c.Structural + c.Semantic
}

// Get returns the count for kind.
func (c Counts) Get(kind Kind) int {
	if kind == KindStructural {
		return c.Structural
	}
	return c.Semantic
}

// Attribute splits an error count by kind. A non-nil byKind breakdown is
// used as reported; otherwise every error goes to fallback.
func Attribute(total int, byKind map[Kind]int, fallback Kind) Counts {
	if byKind != nil {
		return Counts{Structural: byKind[KindStructural], Semantic: byKind[KindSemantic]}
	}
	if fallback == KindStructural {
		return Counts{Structural: total}
	}
	return Counts{Semantic: total}
}

// PairVerdict combines the verdicts of both kinds.
type PairVerdict struct {
	Decision   Decision `json:"decision"`
	Structural Verdict  `json:"structural"`
	Semantic   Verdict  `json:"semantic"`
}

// Verdicts returns both verdicts, structural first.
func (v PairVerdict) Verdicts() []Verdict {
	return []Verdict{v.Structural, v.Semantic}
}

// Pair runs the structural and semantic breakers of one session.
type Pair struct {
	floor      float64
	structural *Breaker
	semantic   *Breaker
}

// NewPair creates both breakers with their baseline counts.
func NewPair(cfg Config, baseline Counts, opts ...Option) (*Pair, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pair{
		floor:      cfg.PromoteFloor,
		structural: New(KindStructural, baseline.Structural, cfg, opts...),
		semantic:   New(KindSemantic, baseline.Semantic, cfg, opts...),
	}, nil
}

// Evaluate feeds one executed attempt to both breakers.
//
// STOP beats ROLLBACK beats RETRY. PROMOTE requires zero errors overall and
// confidence at or above the promote floor. Abstaining breakers do not vote.
func (p *Pair) Evaluate(counts Counts, confidence float64, watchdogTriggered bool) PairVerdict {
	sv := p.structural.Evaluate(Signal{ErrorCount: counts.Structural, Confidence: confidence, WatchdogTriggered: watchdogTriggered})
	mv := p.semantic.Evaluate(Signal{ErrorCount: counts.Semantic, Confidence: confidence, WatchdogTriggered: watchdogTriggered})

	out := PairVerdict{Decision: DecisionRetry, Structural: sv, Semantic: mv}
	var stop, rollback bool
	for _, v := range out.Verdicts() {
		if v.Abstained {
			continue
		}
		switch v.Decision {
		case DecisionStop:
			stop = true
		case DecisionRollback:
			rollback = true
		}
	}
	switch {
	case stop:
		out.Decision = DecisionStop
	case rollback:
		out.Decision = DecisionRollback
	case counts.Total() == 0 && confidence >= p.floor:
		out.Decision = DecisionPromote
	}
	return out
}

// Admit waits for both breakers to admit the next attempt.
func (p *Pair) Admit(ctx context.Context) error {
	if err := p.structural.Admit(ctx); err != nil {
		return err
	}
	return p.semantic.Admit(ctx)
}

// Breaker returns the breaker for kind.
func (p *Pair) Breaker(kind Kind) *Breaker {
	if kind == KindStructural {
		return p.structural
	}
	return p.semantic
}

// States returns the current state of both breakers.
func (p *Pair) States() map[Kind]State {
	return map[Kind]State{
		KindStructural: p.structural.State(),
		KindSemantic:   p.semantic.State(),
	}
}

// Stats returns both breakers' counters.
func (p *Pair) Stats() []Stats {
	return []Stats{p.structural.Stats(), p.semantic.Stats()}
}

// Reset resets both breakers.
func (p *Pair) Reset() {
	p.structural.Reset()
	p.semantic.Reset()
}
