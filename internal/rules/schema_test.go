package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	doc := `{
		"rules": [
			{
				"rule_id": "sensex-options",
				"name": "SENSEX Options",
				"symbol_pattern": "SENSEX*",
				"exchange": "BFO",
				"take_profit": {"target": 100},
				"stop_loss": {"stop": 40}
			}
		]
	}`

	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, ConfigVersion, cfg.Version)
	require.Len(t, cfg.Rules, 1)

	r := cfg.Rules[0]
	assert.True(t, r.Enabled, "enabled should default to true")
	assert.Equal(t, SideAll, r.ApplyTo)
	assert.Equal(t, 0, r.Priority)

	require.NotNil(t, r.TakeProfit)
	assert.True(t, r.TakeProfit.Enabled)
	assert.Equal(t, ConditionRelative, r.TakeProfit.ConditionType)
	assert.Equal(t, OrderMarket, r.TakeProfit.OrderType)
	assert.False(t, r.TakeProfit.Trail)

	require.NotNil(t, r.StopLoss)
	assert.Equal(t, ConditionRelative, r.StopLoss.ConditionType)
	assert.Equal(t, 40.0, r.StopLoss.Stop)
}

func TestTimeConditionDefaults(t *testing.T) {
	var tc TimeCondition
	require.NoError(t, json.Unmarshal([]byte(`{}`), &tc))
	assert.Equal(t, "09:15", tc.StartTime)
	assert.Equal(t, "15:15", tc.EndTime)
	require.NotNil(t, tc.SquareOffTime)
	assert.Equal(t, "15:20", *tc.SquareOffTime)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, tc.ActiveDays)
}

func TestTimeConditionExplicitNullSquareOff(t *testing.T) {
	var tc TimeCondition
	require.NoError(t, json.Unmarshal([]byte(`{"square_off_time": null}`), &tc))
	assert.Nil(t, tc.SquareOffTime, "explicit null disables square-off")
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing rule_id",
			doc:  `{"rules":[{"name":"x","symbol_pattern":"NIFTY*"}]}`,
			want: "rule_id is required",
		},
		{
			name: "missing symbol_pattern",
			doc:  `{"rules":[{"rule_id":"r1","name":"x"}]}`,
			want: "symbol_pattern is required",
		},
		{
			name: "bad apply_to",
			doc:  `{"rules":[{"rule_id":"r1","symbol_pattern":"*","apply_to":"BOTH"}]}`,
			want: "apply_to",
		},
		{
			name: "unknown condition type",
			doc:  `{"rules":[{"rule_id":"r1","symbol_pattern":"*","take_profit":{"condition_type":"points","target":10}}]}`,
			want: "condition_type",
		},
		{
			name: "non-positive target",
			doc:  `{"rules":[{"rule_id":"r1","symbol_pattern":"*","take_profit":{"target":0}}]}`,
			want: "target must be positive",
		},
		{
			name: "bad square off time",
			doc:  `{"rules":[{"rule_id":"r1","symbol_pattern":"*","time_conditions":{"square_off_time":"25:99"}}]}`,
			want: "square_off_time",
		},
		{
			name: "duplicate rule ids",
			doc:  `{"rules":[{"rule_id":"r1","symbol_pattern":"*"},{"rule_id":"r1","symbol_pattern":"NIFTY*"}]}`,
			want: "duplicate rule_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPruneInvalidKeepsGoodRules(t *testing.T) {
	doc := `{
		"rules": [
			{"rule_id": "good", "symbol_pattern": "SENSEX*", "take_profit": {"target": 50}},
			{"rule_id": "bad-type", "symbol_pattern": "NIFTY*", "take_profit": {"condition_type": "ticks", "target": 50}},
			{"rule_id": "bad-time", "symbol_pattern": "BANKNIFTY*", "time_conditions": {"end_time": "3pm"}}
		]
	}`

	var cfg TradingConfig
	require.NoError(t, json.Unmarshal([]byte(doc), &cfg))

	errs := cfg.PruneInvalid()
	assert.Len(t, errs, 2)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "good", cfg.Rules[0].RuleID)
	require.Len(t, cfg.Skipped, 2)
	assert.Contains(t, cfg.Skipped[0], "bad-type")
	assert.Contains(t, cfg.Skipped[1], "bad-time")
}

func TestConfigRoundTrip(t *testing.T) {
	sq := "15:25"
	cfg := &TradingConfig{
		Version: ConfigVersion,
		Rules: []ExitRule{
			{
				RuleID:        "nifty-ce",
				Name:          "NIFTY calls",
				Enabled:       true,
				Priority:      5,
				SymbolPattern: "NIFTY*CE",
				Exchange:      "NFO",
				ApplyTo:       SideLong,
				TakeProfit: &TakeProfitCondition{
					Enabled:       true,
					ConditionType: ConditionPercentage,
					Target:        30,
					OrderType:     OrderLimit,
				},
				TimeConditions: &TimeCondition{
					StartTime:     "09:20",
					EndTime:       "15:10",
					SquareOffTime: &sq,
					ActiveDays:    []int{0, 1, 2},
				},
			},
		},
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	got, err := ParseConfig(data)
	require.NoError(t, err)
	require.Len(t, got.Rules, 1)
	assert.Equal(t, cfg.Rules[0].RuleID, got.Rules[0].RuleID)
	assert.Equal(t, ConditionPercentage, got.Rules[0].TakeProfit.ConditionType)
	assert.Equal(t, OrderLimit, got.Rules[0].TakeProfit.OrderType)
	require.NotNil(t, got.Rules[0].TimeConditions.SquareOffTime)
	assert.Equal(t, "15:25", *got.Rules[0].TimeConditions.SquareOffTime)
	assert.Equal(t, []int{0, 1, 2}, got.Rules[0].TimeConditions.ActiveDays)
}
