package secrets

import (
	"fmt"
	"regexp"
)

// DefaultRedaction replaces every detected secret.
const DefaultRedaction = "[REDACTED]"

// Engine selects the detector.
type Engine string

const (
	// EngineRules runs the configured Rules.
	EngineRules Engine = "rules"
	// EngineGitleaks runs the gitleaks default rule set, then the configured Rules.
	EngineGitleaks Engine = "gitleaks"
)

// Config configures the scrubber.
type Config struct {
	Enabled   bool   `koanf:"enabled"`
	Engine    Engine `koanf:"engine"`
	Redaction string `koanf:"redaction"`
	Rules     []Rule `koanf:"rules"`

	// AllowList holds regexes; a match of any is never redacted.
	AllowList []string `koanf:"allow_list"`

	// AllowlistFile is an optional gitleaks-style TOML file adding regexes
	// to AllowList.
	AllowlistFile string `koanf:"allowlist_file"`
}

// Rule is one detection rule. When Keywords is set, the rule only runs on
// text containing at least one of them (case-insensitive).
type Rule struct {
	ID          string   `koanf:"id"`
	Description string   `koanf:"description"`
	Pattern     string   `koanf:"pattern"`
	Keywords    []string `koanf:"keywords"`
	Severity    Severity `koanf:"severity"`
}

// Severity ranks a finding.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// DefaultConfig enables scrubbing with DefaultRules.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Engine:    EngineRules,
		Redaction: DefaultRedaction,
		Rules:     DefaultRules(),
	}
}

// Validate checks that every rule and allow-list entry compiles.
func (c Config) Validate() error {
	_, err := c.compile()
	return err
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

type ruleset struct {
	rules []compiledRule
	allow []*regexp.Regexp
}

func (c Config) compile() (ruleset, error) {
	var rs ruleset
	if !c.Enabled {
		return rs, nil
	}
	switch c.Engine {
	case "", EngineRules, EngineGitleaks:
	default:
		return rs, fmt.Errorf("unknown engine %q", c.Engine)
	}
	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			return rs, fmt.Errorf("rule %d: id is required", i)
		}
		if seen[r.ID] {
			return rs, fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if r.Pattern == "" {
			return rs, fmt.Errorf("rule %s: pattern is required", r.ID)
		}
		switch r.Severity {
		case "", SeverityHigh, SeverityMedium, SeverityLow:
		default:
			return rs, fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return rs, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		cr := compiledRule{Rule: r, pattern: re}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		if cr.Severity == "" {
			cr.Severity = SeverityHigh
		}
		rs.rules = append(rs.rules, cr)
	}
	for i, p := range c.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return rs, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		rs.allow = append(rs.allow, re)
	}
	return rs, nil
}
