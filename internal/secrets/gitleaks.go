package secrets

import (
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// gitleaksFindings runs the gitleaks default rule set over text. gitleaks
// reports the secret itself, so positions are recovered by searching for it.
// A detector is built per call since it accumulates findings internally.
func gitleaksFindings(text string) ([]Finding, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	var out []Finding
	seen := make(map[[2]int]bool)
	for _, f := range d.DetectString(text) {
		if f.Secret == "" {
			continue
		}
		for from := 0; ; {
			i := strings.Index(text[from:], f.Secret)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(f.Secret)
			from = end
			if seen[[2]int{start, end}] {
				continue
			}
			seen[[2]int{start, end}] = true
			out = append(out, Finding{
				RuleID:   f.RuleID,
				Severity: SeverityHigh,
				Start:    start,
				End:      end,
				Line:     strings.Count(text[:start], "\n") + 1,
			})
		}
	}
	return out, nil
}
