package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidAllowlist is returned when an allowlist file cannot be parsed.
	ErrInvalidAllowlist = errors.New("invalid allowlist file")
)

// LoadAllowlistFile reads the content regexes of a gitleaks-style TOML file:
//
//	[allowlist]
//	regexes = ['''EXAMPLE$''']
//
// A missing file yields no patterns.
func LoadAllowlistFile(path string) ([]*regexp.Regexp, error) {
	if path == "" {
		return nil, nil
	}
	var doc struct {
		Allowlist struct {
			Regexes []string `toml:"regexes"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}
	out := make([]*regexp.Regexp, 0, len(doc.Allowlist.Regexes))
	for _, p := range doc.Allowlist.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: pattern %q: %v", ErrInvalidAllowlist, path, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
