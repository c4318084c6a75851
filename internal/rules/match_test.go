package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleMatches(t *testing.T) {
	tests := []struct {
		name     string
		rule     ExitRule
		symbol   string
		exchange string
		side     string
		want     bool
	}{
		{
			name:   "exact symbol",
			rule:   ExitRule{SymbolPattern: "SENSEX24N2779000CE", ApplyTo: SideAll},
			symbol: "SENSEX24N2779000CE",
			side:   SideLong,
			want:   true,
		},
		{
			name:   "exact symbol is case insensitive",
			rule:   ExitRule{SymbolPattern: "sensex24n2779000ce", ApplyTo: SideAll},
			symbol: "SENSEX24N2779000CE",
			side:   SideLong,
			want:   true,
		},
		{
			name:   "star wildcard",
			rule:   ExitRule{SymbolPattern: "SENSEX*CE", ApplyTo: SideAll},
			symbol: "SENSEX25D0486000CE",
			side:   SideLong,
			want:   true,
		},
		{
			name:   "star wildcard rejects puts",
			rule:   ExitRule{SymbolPattern: "SENSEX*CE", ApplyTo: SideAll},
			symbol: "SENSEX25D0486000PE",
			side:   SideLong,
			want:   false,
		},
		{
			name:   "question mark matches one character",
			rule:   ExitRule{SymbolPattern: "NIFTY?5NOV24500CE", ApplyTo: SideAll},
			symbol: "NIFTY25NOV24500CE",
			side:   SideShort,
			want:   true,
		},
		{
			name:   "literal is anchored not substring",
			rule:   ExitRule{SymbolPattern: "NIFTY", ApplyTo: SideAll},
			symbol: "NIFTY25NOV24500CE",
			side:   SideLong,
			want:   false,
		},
		{
			name:     "exchange filter mismatch",
			rule:     ExitRule{SymbolPattern: "NIFTY*", Exchange: "NFO", ApplyTo: SideAll},
			symbol:   "NIFTY25NOV24500CE",
			exchange: "BFO",
			side:     SideLong,
			want:     false,
		},
		{
			name:     "empty rule exchange is wildcard",
			rule:     ExitRule{SymbolPattern: "NIFTY*", ApplyTo: SideAll},
			symbol:   "NIFTY25NOV24500CE",
			exchange: "NFO",
			side:     SideLong,
			want:     true,
		},
		{
			name:     "empty candidate exchange is wildcard",
			rule:     ExitRule{SymbolPattern: "NIFTY*", Exchange: "NFO", ApplyTo: SideAll},
			symbol:   "NIFTY25NOV24500CE",
			exchange: "",
			side:     SideLong,
			want:     true,
		},
		{
			name:   "apply_to filters side",
			rule:   ExitRule{SymbolPattern: "*", ApplyTo: SideShort},
			symbol: "SENSEX25D0486000CE",
			side:   SideLong,
			want:   false,
		},
		{
			name:   "apply_to ALL matches short",
			rule:   ExitRule{SymbolPattern: "*", ApplyTo: SideAll},
			symbol: "SENSEX25D0486000CE",
			side:   SideShort,
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rule.Matches(tt.symbol, tt.exchange, tt.side)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindRulePriorityOrder(t *testing.T) {
	doc := `{
		"rules": [
			{"rule_id": "broad", "symbol_pattern": "*", "priority": 10},
			{"rule_id": "sensex", "symbol_pattern": "SENSEX*", "priority": 1},
			{"rule_id": "disabled", "symbol_pattern": "SENSEX*", "priority": 0, "enabled": false}
		]
	}`
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)

	r := cfg.FindRule("SENSEX25D0486000CE", "BFO", SideLong)
	require.NotNil(t, r)
	assert.Equal(t, "sensex", r.RuleID, "lowest enabled priority wins over broader match")

	r = cfg.FindRule("NIFTY25NOV24500CE", "NFO", SideShort)
	require.NotNil(t, r)
	assert.Equal(t, "broad", r.RuleID)
}

func TestFindRuleTieBreakKeepsDocumentOrder(t *testing.T) {
	doc := `{
		"rules": [
			{"rule_id": "first", "symbol_pattern": "NIFTY*"},
			{"rule_id": "second", "symbol_pattern": "NIFTY*"}
		]
	}`
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)

	r := cfg.FindRule("NIFTY25NOV24500CE", "NFO", SideLong)
	require.NotNil(t, r)
	assert.Equal(t, "first", r.RuleID)
}

func TestFindRuleNoMatch(t *testing.T) {
	cfg := &TradingConfig{Rules: []ExitRule{
		{RuleID: "r1", Enabled: true, SymbolPattern: "BANKNIFTY*", ApplyTo: SideAll},
	}}
	assert.Nil(t, cfg.FindRule("SENSEX25D0486000CE", "BFO", SideLong))
}

func TestGetRule(t *testing.T) {
	cfg := &TradingConfig{Rules: []ExitRule{
		{RuleID: "sensex-options", Enabled: true, SymbolPattern: "SENSEX*"},
	}}
	require.NotNil(t, cfg.GetRule("sensex-options"))
	assert.Nil(t, cfg.GetRule("missing"))
}

func TestBrokenPatternMatchesNothing(t *testing.T) {
	r := ExitRule{SymbolPattern: "NIFTY[*", ApplyTo: SideAll}
	assert.False(t, r.Matches("NIFTY25NOV24500CE", "NFO", SideLong))
}
