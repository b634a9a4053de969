// Package rules implements the transaction naming and ignore rules the
// collector pushes down on connect. Rules are applied in evaluation order
// against a finalized transaction name; a matching ignore rule suppresses
// the transaction entirely.
package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Spec is the wire shape of a single naming rule as sent by the collector.
type Spec struct {
	MatchExpression string `json:"match_expression"`
	Replacement     string `json:"replacement"`
	Ignore          bool   `json:"ignore"`
	TerminateChain  bool   `json:"terminate_chain"`
	ReplaceAll      bool   `json:"replace_all"`
	EvalOrder       int    `json:"eval_order"`
}

type rule struct {
	Spec
	re *regexp.Regexp
}

// Rules is an ordered, compiled rule chain. The zero value matches nothing.
type Rules struct {
	rules []rule
}

// Parse compiles the given specs into an ordered rule chain. Specs with
// expressions that do not compile are rejected as a whole; the collector
// only sends rules it expects agents to honor.
func Parse(specs []Spec) (Rules, error) {
	compiled := make([]rule, 0, len(specs))
	for _, s := range specs {
		re, err := regexp.Compile("(?i)" + s.MatchExpression)
		if err != nil {
			return Rules{}, fmt.Errorf("bad rule expression %q: %w", s.MatchExpression, err)
		}
		compiled = append(compiled, rule{Spec: s, re: re})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].EvalOrder < compiled[j].EvalOrder
	})
	return Rules{rules: compiled}, nil
}

// Len reports the number of compiled rules in the chain.
func (rs Rules) Len() int { return len(rs.rules) }

// IgnoreExpressions returns the match expressions of the ignore rules,
// mostly for logging what the collector pushed down.
func (rs Rules) IgnoreExpressions() []string {
	ignored := lo.Filter(rs.rules, func(r rule, _ int) bool { return r.Ignore })
	return lo.Map(ignored, func(r rule, _ int) string { return r.MatchExpression })
}

// Apply runs the chain against name. It returns the rewritten name and
// whether an ignore rule matched. Once an ignore rule matches the chain
// stops; a terminate-chain rule stops further rewriting after its own
// replacement is applied.
func (rs Rules) Apply(name string) (string, bool) {
	out := name
	for _, r := range rs.rules {
		if !r.re.MatchString(out) {
			continue
		}
		if r.Ignore {
			return out, true
		}
		if r.Replacement != "" {
			replacement := dollarToRegexpRefs(r.Replacement)
			if r.ReplaceAll {
				out = r.re.ReplaceAllString(out, replacement)
			} else {
				out = replaceFirst(r.re, out, replacement)
			}
		}
		if r.TerminateChain {
			break
		}
	}
	return out, false
}

var backrefPattern = regexp.MustCompile(`\\([1-9])`)

// The collector expresses backreferences as \1..\9; Go regexp wants $1.
// Only those sequences are rewritten: other escapes pass through, and a
// literal dollar is doubled so Expand does not treat it as a reference.
func dollarToRegexpRefs(replacement string) string {
	escaped := strings.ReplaceAll(replacement, `$`, `$$`)
	return backrefPattern.ReplaceAllString(escaped, `$$${1}`)
}

func replaceFirst(re *regexp.Regexp, s, replacement string) string {
	done := false
	return re.ReplaceAllStringFunc(s, func(match string) string {
		if done {
			return match
		}
		done = true
		sub := re.FindStringSubmatchIndex(s)
		return string(re.ExpandString(nil, replacement, s, sub))
	})
}
