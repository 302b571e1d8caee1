package secrets

// DefaultRules returns the built-in rules. Prefixed token formats match on
// their own; generic assignments need a keyword in the surrounding text.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "aws-access-key-id",
			Description: "AWS access key ID",
			Pattern:     `\b(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}\b`,
		},
		{
			ID:          "aws-secret-access-key",
			Description: "AWS secret access key assignment",
			Pattern:     `(?i)(?:aws_secret_access_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
			Keywords:    []string{"aws", "secret"},
		},
		{
			ID:          "private-key",
			Description: "PEM private key header",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP |ENCRYPTED )?PRIVATE KEY(?: BLOCK)?-----`,
		},
		{
			ID:          "github-token",
			Description: "GitHub token",
			Pattern:     `\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}\b|\bgithub_pat_[A-Za-z0-9_]{22,}`,
		},
		{
			ID:          "gitlab-token",
			Description: "GitLab personal access token",
			Pattern:     `\bglpat-[A-Za-z0-9\-_]{20,}`,
		},
		{
			ID:          "slack-token",
			Description: "Slack token",
			Pattern:     `\bxox[abprs]-[A-Za-z0-9\-]{10,}`,
		},
		{
			ID:          "stripe-key",
			Description: "Stripe API key",
			Pattern:     `\b(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`,
		},
		{
			ID:          "anthropic-api-key",
			Description: "Anthropic API key",
			Pattern:     `\bsk-ant-[A-Za-z0-9_\-]{32,}`,
		},
		{
			ID:          "openai-api-key",
			Description: "OpenAI API key",
			Pattern:     `\bsk-(?:proj-)?[A-Za-z0-9_\-]{40,}`,
			Keywords:    []string{"openai", "sk-"},
		},
		{
			ID:          "npm-token",
			Description: "npm access token",
			Pattern:     `\bnpm_[A-Za-z0-9]{36}\b`,
		},
		{
			ID:          "jwt",
			Description: "JSON web token",
			Pattern:     `\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`,
			Severity:    SeverityMedium,
		},
		{
			ID:          "connection-url",
			Description: "Connection URL with embedded password",
			Pattern:     `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqps?|nats)://[^\s:/@]+:[^\s@]+@[^\s'"]+`,
		},
		{
			ID:          "generic-api-key",
			Description: "API key assignment",
			Pattern:     `(?i)\bapi[_-]?key['"]?\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,64}['"]?`,
			Keywords:    []string{"api"},
		},
		{
			ID:          "generic-password",
			Description: "Password or secret assignment",
			Pattern:     `(?i)\b(?:password|passwd|secret|token)['"]?\s*[:=]\s*['"][^\s'"]{8,}['"]`,
			Keywords:    []string{"password", "passwd", "secret", "token"},
		},
		{
			ID:          "bearer-token",
			Description: "Bearer token",
			Pattern:     `(?i)\bbearer\s+[A-Za-z0-9_\-\.=]{20,}`,
			Keywords:    []string{"bearer"},
			Severity:    SeverityMedium,
		},
	}
}
