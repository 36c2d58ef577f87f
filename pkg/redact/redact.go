// Package redact masks credentials in text before it is written to a phase
// log. Logs live inside the project tree and are often committed, while
// prompts and tool output routinely contain pasted tokens.
package redact

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Mode selects how much redaction is applied.
type Mode string

const (
	// ModeOff leaves text untouched.
	ModeOff Mode = "off"
	// ModeBasic masks key=value secrets, auth headers, URL credentials,
	// PEM blocks and tokens with well-known prefixes.
	ModeBasic Mode = "basic"
	// ModeAggressive also masks long high-entropy strings.
	ModeAggressive Mode = "aggressive"
)

// DefaultMode is used when no mode is configured.
const DefaultMode = ModeBasic

// Replacement is substituted for every masked value.
const Replacement = "***REDACTED***"

// minEntropyCandidateLen is the shortest token checked for entropy.
const minEntropyCandidateLen = 20

// ParseMode validates s. The empty string selects DefaultMode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return DefaultMode, nil
	case ModeOff, ModeBasic, ModeAggressive:
		return m, nil
	default:
		return DefaultMode, fmt.Errorf("unknown redaction mode %q (want off, basic or aggressive)", s)
	}
}

type rule struct {
	re   *regexp.Regexp
	repl string
}

var (
	pemRule = rule{
		re:   regexp.MustCompile(`-----BEGIN [A-Za-z0-9+/ -]+-----[\s\S]*?-----END [A-Za-z0-9+/ -]+-----`),
		repl: "-----BEGIN REDACTED-----\n" + Replacement + "\n-----END REDACTED-----",
	}
	headerRule = rule{
		re: regexp.MustCompile(`(?im)^([\s>\-]*)(Authorization|Proxy-Authorization|Authentication|X-API-Key|X-Auth-Token|X-GitHub-Token|Cookie|Set-Cookie)\s*:\s*[^\r\n]+`),
		repl: "${1}${2}: " + Replacement,
	}
	queryRule = rule{
		re:   regexp.MustCompile(`(?i)([?&])(token|key|secret|password|api_key|apikey|access_token|refresh_token|auth_token|authorization)=[^&\s#'"]+`),
		repl: "${1}${2}=" + Replacement,
	}
	prefixRules = []rule{
		{regexp.MustCompile(`\b(gh[pousr]_)[A-Za-z0-9_]{32,36}`), "${1}" + Replacement},
		{regexp.MustCompile(`\b(github_pat_)[A-Za-z0-9_]{40,90}`), "${1}" + Replacement},
		{regexp.MustCompile(`\b(sk_live_|sk_test_)[A-Za-z0-9_]{32,40}`), "${1}" + Replacement},
		{regexp.MustCompile(`\b(sk-ant-)[A-Za-z0-9_\-]{20,120}`), "${1}" + Replacement},
		{regexp.MustCompile(`\b(sk-)[A-Za-z0-9_]{26,46}`), "${1}" + Replacement},
		{regexp.MustCompile(`\b(hf_)[A-Za-z0-9_]{26,46}`), "${1}" + Replacement},
		{regexp.MustCompile(`\b(AKIA)[A-Z0-9]{16}\b`), "${1}" + Replacement},
		{regexp.MustCompile(`\b(xox[bp]-)[A-Za-z0-9\-]{26,46}`), "${1}" + Replacement},
		{regexp.MustCompile(`\b(ya29\.)[A-Za-z0-9_\-]{46,196}`), "${1}" + Replacement},
	}
	entropyCandidate = regexp.MustCompile(fmt.Sprintf(`\b[A-Za-z0-9_\-.]{%d,}\b`, minEntropyCandidateLen))
)

var secretKeySuffixes = []string{"_TOKEN", "_KEY", "_SECRET", "_PASSWORD", "_AUTHORIZATION"}
var secretKeys = []string{"API_KEY", "APIKEY", "AUTH_TOKEN", "PASSWORD", "SECRET", "TOKEN"}

// Redactor masks secrets according to its mode. A Redactor is immutable and
// safe for concurrent use.
type Redactor struct {
	mode  Mode
	rules []rule
}

// New builds a Redactor. extraKeys names additional environment-style keys
// whose assigned values are masked, e.g. "MY_SERVICE_CREDENTIAL".
func New(mode Mode, extraKeys ...string) *Redactor {
	if mode == "" {
		mode = DefaultMode
	}
	r := &Redactor{mode: mode}
	if mode == ModeOff {
		return r
	}

	// PEM first so the key=value pass does not split a block.
	r.rules = append(r.rules, pemRule, assignmentRule(extraKeys), headerRule, queryRule)
	r.rules = append(r.rules, prefixRules...)
	return r
}

// Mode reports the configured mode.
func (r *Redactor) Mode() Mode { return r.mode }

func assignmentRule(extraKeys []string) rule {
	var alts []string
	for _, suffix := range secretKeySuffixes {
		alts = append(alts, `\w*`+regexp.QuoteMeta(suffix))
	}
	for _, key := range secretKeys {
		alts = append(alts, regexp.QuoteMeta(key))
	}
	for _, key := range extraKeys {
		if key = strings.TrimSpace(key); key != "" {
			alts = append(alts, `\w*`+regexp.QuoteMeta(key))
		}
	}
	re := regexp.MustCompile(`\b(` + strings.Join(alts, "|") + `)\s*=\s*['"]?[^'"\s]+['"]?`)
	return rule{re: re, repl: "${1}=" + Replacement}
}

// String returns s with secrets masked.
func (r *Redactor) String(s string) string {
	if r == nil || r.mode == ModeOff {
		return s
	}
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	if r.mode == ModeAggressive {
		s = entropyCandidate.ReplaceAllStringFunc(s, func(tok string) string {
			if strings.Contains(tok, "REDACTED") || likelyNotSecret(tok) || !highEntropy(tok) {
				return tok
			}
			return Replacement
		})
	}
	return s
}

// highEntropy reports whether s has more than 4 bits of Shannon entropy per
// character. English prose sits well below 3.5.
func highEntropy(s string) bool {
	if len(s) < minEntropyCandidateLen {
		return false
	}
	freq := make(map[rune]float64)
	for _, ch := range s {
		freq[ch]++
	}
	n := float64(len(s))
	entropy := 0.0
	for _, count := range freq {
		p := count / n
		entropy -= p * math.Log2(p)
	}
	return entropy > 4.0
}

func likelyNotSecret(s string) bool {
	if strings.ContainsAny(s, `/\`) {
		return true
	}
	if s == strings.ToLower(s) && len(s) < 30 {
		return true
	}
	if s == strings.ToUpper(s) && len(s) < 20 {
		return true
	}
	lower := 0
	for _, ch := range s {
		if ch >= 'a' && ch <= 'z' {
			lower++
		}
	}
	return float64(lower)/float64(len(s)) > 0.7
}
