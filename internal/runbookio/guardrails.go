package runbookio

import (
	"regexp"
)

// Guardrails scans runbook commands for destructive patterns before they
// are accepted for automatic execution.
type Guardrails struct {
	patterns []*regexp.Regexp
}

// dangerousPatternDefs are regex patterns that indicate destructive
// commands a runbook must not auto-execute.
var dangerousPatternDefs = []string{
	// Filesystem destruction
	`rm\s+(-[a-zA-Z]*)?r[a-zA-Z]*f\s+/\s*$`, // rm -rf /
	`rm\s+(-[a-zA-Z]*)?r[a-zA-Z]*f\s+/\s`,
	`\bmkfs\b`,
	`\bfdisk\b`,
	`\bdd\s+if=/dev/zero\b`,
	`\bdd\s+if=/dev/urandom\b`,

	// Permission destruction
	`chmod\s+777\s+/`,
	`chmod\s+(-[a-zA-Z]*)?R\s+777\b`,

	// Remote code execution via pipe
	`curl\s+.*\|\s*(?:ba)?sh`,
	`wget\s+.*\|\s*(?:ba)?sh`,
	`curl\s+.*\|\s*python`,
	`wget\s+.*\|\s*python`,

	// SQL destruction
	`(?i)\bDROP\s+(?:TABLE|DATABASE)\b`,
	`(?i)\bTRUNCATE\b`,

	// Credential files
	`/etc/shadow`,
	`\bid_rsa\b`,

	// Reverse shells
	`\bnc\s+.*-[a-zA-Z]*e\s+/bin/`,
	`\bncat\s+.*-[a-zA-Z]*e\s+/bin/`,
	`/dev/tcp/`,

	// System destruction
	`\b(?:shutdown|reboot|halt|poweroff)\b.*-[a-zA-Z]*f\b`,
	`>\s*/dev/sd[a-z]`,

	// Windows destruction
	`(?i)Format-Volume`,
	`(?i)Clear-Disk`,
	`(?i)Remove-Partition`,
	`(?i)Stop-Computer\s+-Force`,
}

// NewGuardrails compiles the dangerous-pattern set.
func NewGuardrails() *Guardrails {
	patterns := make([]*regexp.Regexp, 0, len(dangerousPatternDefs))
	for _, p := range dangerousPatternDefs {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return &Guardrails{patterns: patterns}
}

// CheckDangerous scans a command for destructive patterns. Returns the
// matching pattern, or empty when the command is clean.
func (g *Guardrails) CheckDangerous(command string) string {
	for _, p := range g.patterns {
		if p.MatchString(command) {
			return p.String()
		}
	}
	return ""
}
