package rules

import (
	"regexp"
	"strings"
	"sync"
)

// patternCache holds compiled symbol patterns. Rule sets are small and
// stable between edits, so entries are never evicted.
var patternCache sync.Map

// compilePattern translates a symbol pattern into an anchored,
// case-insensitive regexp. Patterns containing * or ? are treated as globs
// (* matches any run, ? a single character); anything else is a literal.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if v, ok := patternCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	var expr string
	if strings.ContainsAny(pattern, "*?") {
		expr = strings.NewReplacer("*", ".*", "?", ".").Replace(pattern)
	} else {
		expr = regexp.QuoteMeta(pattern)
	}
	re, err := regexp.Compile("(?i)^" + expr + "$")
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}

// Matches reports whether the rule applies to a position with the given
// symbol, exchange and side. An empty exchange on either side acts as a
// wildcard, as does ApplyTo == SideAll. A pattern that fails to compile
// matches nothing.
func (r *ExitRule) Matches(symbol, exchange, side string) bool {
	if r.Exchange != "" && exchange != "" && r.Exchange != exchange {
		return false
	}
	if r.ApplyTo != SideAll && r.ApplyTo != side {
		return false
	}
	re, err := compilePattern(r.SymbolPattern)
	if err != nil {
		return false
	}
	return re.MatchString(symbol)
}

// FindRule returns the first enabled rule matching the position, walking
// rules in normalized priority order, or nil when none match.
func (c *TradingConfig) FindRule(symbol, exchange, side string) *ExitRule {
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Enabled && r.Matches(symbol, exchange, side) {
			return r
		}
	}
	return nil
}

// GetRule returns the rule with the given ID, or nil.
func (c *TradingConfig) GetRule(ruleID string) *ExitRule {
	for i := range c.Rules {
		if c.Rules[i].RuleID == ruleID {
			return &c.Rules[i]
		}
	}
	return nil
}
