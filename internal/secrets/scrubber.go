package secrets

import (
	"slices"
	"strings"

	"go.uber.org/zap"
)

// Finding is a detected secret. The matched text is never kept.
type Finding struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Start    int      `json:"start"`
	End      int      `json:"end"`
	Line     int      `json:"line"`
}

// Result is the outcome of scrubbing one text.
type Result struct {
	Text     string    `json:"text"`
	Findings []Finding `json:"findings,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the distinct rule IDs that matched, sorted.
func (r Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		ids = append(ids, f.RuleID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Option configures a Scrubber.
type Option func(*Scrubber)

// WithLogger sets the logger used to report gitleaks failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scrubber) {
		if l != nil {
			s.logger = l
		}
	}
}

// Scrubber redacts secrets. A nil *Scrubber returns text unchanged.
// It is safe for concurrent use.
type Scrubber struct {
	enabled   bool
	gitleaks  bool
	rs        ruleset
	redaction string
	logger    *zap.Logger
}

// New compiles cfg and loads its allowlist file. A disabled config yields a
// Scrubber that never matches.
func New(cfg Config, opts ...Option) (*Scrubber, error) {
	rs, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	s := &Scrubber{
		enabled:   cfg.Enabled,
		gitleaks:  cfg.Engine == EngineGitleaks,
		rs:        rs,
		redaction: cfg.Redaction,
		logger:    zap.NewNop(),
	}
	if s.redaction == "" {
		s.redaction = DefaultRedaction
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Enabled {
		extra, err := LoadAllowlistFile(cfg.AllowlistFile)
		if err != nil {
			return nil, err
		}
		s.rs.allow = append(s.rs.allow, extra...)
	}
	return s, nil
}

// Enabled reports whether any detector is active.
func (s *Scrubber) Enabled() bool {
	return s != nil && s.enabled && (s.gitleaks || len(s.rs.rules) > 0)
}

// Check returns the findings in text without redacting it, ordered by
// position.
func (s *Scrubber) Check(text string) []Finding {
	if !s.Enabled() || text == "" {
		return nil
	}
	var findings []Finding
	if s.gitleaks {
		gl, err := gitleaksFindings(text)
		if err != nil {
			s.logger.Warn("gitleaks detection failed, using configured rules only", zap.Error(err))
		}
		for _, f := range gl {
			if !s.allowed(text[f.Start:f.End]) {
				findings = append(findings, f)
			}
		}
	}
	for _, r := range s.rs.rules {
		if !r.applies(text) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(text, -1) {
			if s.allowed(text[m[0]:m[1]]) {
				continue
			}
			findings = append(findings, Finding{
				RuleID:   r.ID,
				Severity: r.Severity,
				Start:    m[0],
				End:      m[1],
				Line:     strings.Count(text[:m[0]], "\n") + 1,
			})
		}
	}
	slices.SortStableFunc(findings, func(a, b Finding) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return b.End - a.End
	})
	return findings
}

// Scrub replaces every finding with the redaction string. Overlapping
// findings collapse into one redaction.
func (s *Scrubber) Scrub(text string) Result {
	findings := s.Check(text)
	if len(findings) == 0 {
		return Result{Text: text}
	}
	for _, f := range findings {
		RedactionsTotal.WithLabelValues(f.RuleID).Inc()
	}

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, sp := range mergeSpans(findings) {
		b.WriteString(text[pos:sp[0]])
		b.WriteString(s.redaction)
		pos = sp[1]
	}
	b.WriteString(text[pos:])
	return Result{Text: b.String(), Findings: findings}
}

func (r compiledRule) applies(text string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(text) {
			return true
		}
	}
	return false
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.rs.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// mergeSpans merges overlapping or touching spans of findings sorted by start.
func mergeSpans(findings []Finding) [][2]int {
	spans := make([][2]int, 0, len(findings))
	for _, f := range findings {
		if n := len(spans); n > 0 && f.Start <= spans[n-1][1] {
			spans[n-1][1] = max(spans[n-1][1], f.End)
			continue
		}
		spans = append(spans, [2]int{f.Start, f.End})
	}
	return spans
}
