package routing

import "strings"

var (
	generativeKeywords = []string{
		"write", "create", "script", "function", "code",
		"implement", "debug", "fix", "error", "bug",
		"optimize", "refactor", "performance",
	}

	multiStepKeywords = []string{
		"step by step", "first", "then", "after",
		"multiple", "several", "all", "each",
		"compare", "analyze", "explain why",
	}

	sysadminKeywords = []string{
		"troubleshoot", "diagnose", "investigate",
		"performance issue", "memory leak", "cpu usage",
		"security", "permissions", "configure", "setup",
	}

	simpleQueryPrefixes = []string{
		"what is", "show me", "list", "status",
		"how many", "which", "where is",
	}
)

// Complexity scores how demanding prompt is, in [0,1]. The score depends
// only on the prompt text. Keywords match as case-insensitive substrings;
// the simple-query discount applies only to short prompts that open with
// one of the simple-query phrases.
func Complexity(prompt string) float64 {
	lower := strings.ToLower(prompt)
	words := len(strings.Fields(prompt))

	score := 0.0
	switch {
	case words > 50:
		score += 0.2
	case words > 20:
		score += 0.1
	}

	if containsAny(lower, generativeKeywords) {
		score += 0.3
	}
	if containsAny(lower, multiStepKeywords) {
		score += 0.2
	}
	if containsAny(lower, sysadminKeywords) {
		score += 0.2
	}

	if words < 15 && hasAnyPrefix(strings.TrimSpace(lower), simpleQueryPrefixes) {
		score -= 0.2
	}

	return clamp(score, 0, 1)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
