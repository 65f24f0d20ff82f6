package decision

import (
	"fmt"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

// Rule is one threshold rule of the fallback policy
type Rule struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Reason      string        `json:"reason"`
	Target      pkg.Algorithm `json:"target"`

	match func(*pkg.MetricsSnapshot) bool
}

// Matches reports whether the rule fires for the snapshot
func (r *Rule) Matches(s *pkg.MetricsSnapshot) bool {
	return r.match == nil || r.match(s)
}

// RuleFallback is the deterministic threshold policy used when no model
// answer is available. Rules are evaluated in order; the first match wins
// and the last rule always matches.
type RuleFallback struct {
	rules []*Rule
}

// NewRuleFallback builds the fallback from the rules configuration
func NewRuleFallback(cfg uci.RulesConfig) *RuleFallback {
	bloat, loss, tput := cfg.BufferbloatMS, cfg.LossPct, cfg.ThroughputMbps

	return &RuleFallback{rules: []*Rule{
		{
			Name:        "bufferbloat",
			Description: fmt.Sprintf("bufferbloat > %g ms", bloat),
			Reason:      "high bufferbloat",
			Target:      pkg.Algorithm(cfg.BufferbloatAlgorithm),
			match: func(s *pkg.MetricsSnapshot) bool {
				v, ok := s.Bufferbloat()
				return ok && v > bloat
			},
		},
		{
			Name:        "loss",
			Description: fmt.Sprintf("loss > %g %%", loss),
			Reason:      "high packet loss",
			Target:      pkg.Algorithm(cfg.LossAlgorithm),
			match:       func(s *pkg.MetricsSnapshot) bool { return s.Loss() > loss },
		},
		{
			Name:        "low_throughput",
			Description: fmt.Sprintf("throughput < %g Mbps", tput),
			Reason:      "low throughput",
			Target:      pkg.Algorithm(cfg.LowThroughputAlgorithm),
			match:       func(s *pkg.MetricsSnapshot) bool { return s.Throughput() < tput },
		},
		{
			Name:        "default",
			Description: "otherwise",
			Reason:      "default policy",
			Target:      pkg.Algorithm(cfg.DefaultAlgorithm),
		},
	}}
}

// Decide returns the target algorithm and reason for a validated snapshot
func (rf *RuleFallback) Decide(s *pkg.MetricsSnapshot) (pkg.Algorithm, string) {
	for _, r := range rf.rules {
		if r.Matches(s) {
			return r.Target, r.Reason
		}
	}
	// unreachable: the default rule always matches
	last := rf.rules[len(rf.rules)-1]
	return last.Target, last.Reason
}

// Rules returns the rules in evaluation order
func (rf *RuleFallback) Rules() []Rule {
	out := make([]Rule, 0, len(rf.rules))
	for _, r := range rf.rules {
		out = append(out, Rule{Name: r.Name, Description: r.Description, Reason: r.Reason, Target: r.Target})
	}
	return out
}
