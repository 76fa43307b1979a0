package policy

import (
	"regexp"
	"strings"
)

// SandboxRule is one static pattern that blocks a shell command
// outright, regardless of approval state.
type SandboxRule struct {
	ID          string
	Description string
	Pattern     *regexp.Regexp
}

// Verdict is the sandbox policy's answer for one command.
type Verdict struct {
	Blocked     bool
	RuleID      string
	Description string
}

const RuleEmptyCommand = "empty_command"

// DefaultSandboxRules is the ordered rule table. First match wins.
// A block is lifted only by an explicit one-time override approval;
// it is never silently bypassed.
var DefaultSandboxRules = []SandboxRule{
	{
		ID:          "destructive_rm",
		Description: "recursive force-delete of root or home paths",
		Pattern:     regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+(/|/\*|~|\$HOME)(\s|$)`),
	},
	{
		ID:          "fork_bomb",
		Description: "shell fork bomb",
		Pattern:     regexp.MustCompile(`:\(\)\s*\{\s*:\|:\s*&\s*\}\s*;?\s*:`),
	},
	{
		ID:          "privilege_escalation",
		Description: "privilege escalation via sudo/su",
		Pattern:     regexp.MustCompile(`(?i)^\s*(sudo|su)\b`),
	},
	{
		ID:          "disk_format",
		Description: "disk formatting or partition table changes",
		Pattern:     regexp.MustCompile(`(?i)\b(mkfs(\.[a-z0-9]+)?|fdisk|parted|wipefs)\b`),
	},
	{
		ID:          "raw_device_write",
		Description: "raw write to a block device",
		Pattern:     regexp.MustCompile(`(?i)\bdd\b.*\bof=/dev/`),
	},
	{
		ID:          "system_power",
		Description: "host shutdown or reboot",
		Pattern:     regexp.MustCompile(`(?i)^\s*(shutdown|reboot|halt|poweroff)\b`),
	},
	{
		ID:          "pipe_to_shell",
		Description: "download piped directly into a shell",
		Pattern:     regexp.MustCompile(`(?i)\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`),
	},
}

// EvaluateCommand tests a command against the ordered rule table.
// The empty command is always blocked. Command screening runs in
// addition to, and independent of, the capability approval policy.
func EvaluateCommand(command string, rules []SandboxRule) Verdict {
	if strings.TrimSpace(command) == "" {
		return Verdict{
			Blocked:     true,
			RuleID:      RuleEmptyCommand,
			Description: "empty command",
		}
	}
	for _, rule := range rules {
		if rule.Pattern.MatchString(command) {
			return Verdict{
				Blocked:     true,
				RuleID:      rule.ID,
				Description: rule.Description,
			}
		}
	}
	return Verdict{}
}
