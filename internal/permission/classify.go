// Package permission implements the safety gate that decides whether a
// model-chosen tool call may proceed. Classification is a pure function of
// the tool name and arguments; the decision additionally depends on the
// current execution mode and the configured policy.
package permission

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Tier is the coarse risk classification of a tool call.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	}
	return "unknown"
}

// RiskAssessment is the result of classifying a single tool call. It is
// computed fresh on every call and never cached.
type RiskAssessment struct {
	Tier                 Tier
	Reasons              []string
	RequiresConfirmation bool
}

var (
	// Argument keys treated as path/URL targets.
	targetKeys = []string{"path", "file_path", "url", "target", "destination", "dest"}

	sensitivePathPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)package-lock\.json|yarn\.lock|pnpm-lock\.yaml|go\.sum|Cargo\.lock`),
		regexp.MustCompile(`(?i)\.env(\.|$)`),
		regexp.MustCompile(`(?i)credential|secret|private|password|token`),
		regexp.MustCompile(`(?i)\.(exe|dll|so|dylib|bin|wasm)$`),
		regexp.MustCompile(`(?i)id_rsa|id_ed25519|\.pem$|\.key$`),
	}

	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
		regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)`),
		regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s`),
		regexp.MustCompile(`(?i)\[/?(system|assistant)\]`),
		regexp.MustCompile(`(?i)<\|?im_start\|?>|<\|?system\|?>`),
		regexp.MustCompile(`(?i)new\s+system\s+prompt`),
	}
)

// Classify maps a tool call to a risk assessment. Heuristics apply in order
// and the first match governs the tier, except injection detection which
// forces high regardless: injected text means the tool's output, not just
// its action, may be trying to hijack the agent.
func (g *Gate) Classify(toolName string, args map[string]any) RiskAssessment {
	a := RiskAssessment{Tier: TierLow}
	nameLower := strings.ToLower(toolName)

	// 1. Destructive verb in the tool name.
	for _, verb := range g.policy.DestructiveVerbs {
		if strings.Contains(nameLower, verb) {
			a.Tier = TierMedium
			a.Reasons = append(a.Reasons, fmt.Sprintf("tool name contains destructive verb %q", verb))
			break
		}
	}

	// 2. Sensitive target path or file deletion.
	if target := firstTarget(args); target != "" {
		for _, re := range sensitivePathPatterns {
			if re.MatchString(target) {
				a.Tier = TierHigh
				a.Reasons = append(a.Reasons, fmt.Sprintf("target %q matches sensitive pattern", target))
				break
			}
		}
		if a.Tier < TierHigh && strings.Contains(nameLower, "delete") && looksLikePath(target) {
			a.Tier = TierHigh
			a.Reasons = append(a.Reasons, "file deletion")
		}

		// 3. Untrusted domain.
		if a.Tier < TierMedium {
			if host := hostOf(target); host != "" && !g.trustedHost(host) {
				a.Tier = TierMedium
				a.Reasons = append(a.Reasons, fmt.Sprintf("domain %q is not in the trusted allowlist", host))
			}
		}
	}

	// 4. Prompt injection in free-text arguments forces high.
	if reason, found := detectInjection(args); found {
		a.Tier = TierHigh
		a.Reasons = append(a.Reasons, reason)
	}

	if len(a.Reasons) == 0 {
		a.Reasons = append(a.Reasons, "no risk signals")
	}
	return a
}

// firstTarget returns the first path/URL-like argument value.
func firstTarget(args map[string]any) string {
	for _, key := range targetKeys {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// targetCount counts distinct path/URL-like argument values. Used by the
// auto mode policy, which only fast-paths single-target calls.
func targetCount(args map[string]any) int {
	n := 0
	for _, key := range targetKeys {
		if v, ok := args[key].(string); ok && v != "" {
			n++
		}
	}
	// An explicit list of targets counts each entry.
	for _, key := range []string{"paths", "files", "urls", "edits"} {
		if vs, ok := args[key].([]any); ok {
			n += len(vs)
		}
	}
	return n
}

func looksLikePath(s string) bool {
	return !strings.Contains(s, "://")
}

func hostOf(target string) string {
	if !strings.Contains(target, "://") {
		return ""
	}
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (g *Gate) trustedHost(host string) bool {
	for _, trusted := range g.policy.TrustedDomains {
		if host == trusted || strings.HasSuffix(host, "."+trusted) {
			return true
		}
	}
	return false
}

func detectInjection(args map[string]any) (string, bool) {
	for key, v := range args {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, re := range injectionPatterns {
			if re.MatchString(s) {
				return fmt.Sprintf("argument %q matches prompt-injection pattern %s", key, re.String()), true
			}
		}
	}
	return "", false
}
