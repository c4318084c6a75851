// Package rules defines the per-user exit-rule document: its wire format,
// defaulting, validation, and the matching and trigger-price semantics the
// trading engine evaluates against live positions.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// ConfigVersion is the rules document version this package reads and writes.
const ConfigVersion = "2.0"

// ConditionType selects how a take-profit target or stop-loss value is
// interpreted relative to the position's entry price.
type ConditionType string

const (
	// ConditionAbsolute uses the value as the trigger price itself.
	ConditionAbsolute ConditionType = "absolute"
	// ConditionRelative uses the value as a point offset from entry.
	ConditionRelative ConditionType = "relative"
	// ConditionPercentage uses the value as a percentage of entry.
	ConditionPercentage ConditionType = "percentage"
)

// Valid reports whether c is a known condition type.
func (c ConditionType) Valid() bool {
	switch c {
	case ConditionAbsolute, ConditionRelative, ConditionPercentage:
		return true
	}
	return false
}

// Position side filters accepted by ExitRule.ApplyTo. SideAll matches both
// directions.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
	SideAll   = "ALL"
)

// Exit order types a condition may request.
const (
	OrderMarket = "MARKET"
	OrderLimit  = "LIMIT"
)

// Intraday defaults applied when a time condition omits a field.
const (
	DefaultStartTime     = "09:15"
	DefaultEndTime       = "15:15"
	DefaultSquareOffTime = "15:20"
)

// TakeProfitCondition configures when and how to take profit.
type TakeProfitCondition struct {
	Enabled       bool          `json:"enabled"`
	ConditionType ConditionType `json:"condition_type"`
	Target        float64       `json:"target"`
	OrderType     string        `json:"order_type"`
	Trail         bool          `json:"trail"`
	TrailStep     float64       `json:"trail_step,omitempty"`
}

// UnmarshalJSON applies document defaults for omitted fields.
func (c *TakeProfitCondition) UnmarshalJSON(data []byte) error {
	type plain TakeProfitCondition
	tmp := plain{
		Enabled:       true,
		ConditionType: ConditionRelative,
		OrderType:     OrderMarket,
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*c = TakeProfitCondition(tmp)
	return nil
}

// StopLossCondition configures when and how to cut a losing position.
type StopLossCondition struct {
	Enabled       bool          `json:"enabled"`
	ConditionType ConditionType `json:"condition_type"`
	Stop          float64       `json:"stop"`
	OrderType     string        `json:"order_type"`
	Trail         bool          `json:"trail"`
	TrailStep     float64       `json:"trail_step,omitempty"`
}

// UnmarshalJSON applies document defaults for omitted fields.
func (c *StopLossCondition) UnmarshalJSON(data []byte) error {
	type plain StopLossCondition
	tmp := plain{
		Enabled:       true,
		ConditionType: ConditionRelative,
		OrderType:     OrderMarket,
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*c = StopLossCondition(tmp)
	return nil
}

// TimeCondition bounds rule evaluation to a trading window and optionally
// forces a square-off at a fixed wall-clock time. Times are "HH:MM" strings
// compared lexically in the engine's local timezone. ActiveDays indexes
// Monday as 0 through Sunday as 6.
type TimeCondition struct {
	StartTime     string  `json:"start_time"`
	EndTime       string  `json:"end_time"`
	SquareOffTime *string `json:"square_off_time"`
	ActiveDays    []int   `json:"active_days"`
}

// UnmarshalJSON applies the intraday defaults for omitted fields. An
// explicit null square_off_time disables square-off for the rule.
func (tc *TimeCondition) UnmarshalJSON(data []byte) error {
	type plain TimeCondition
	sq := DefaultSquareOffTime
	tmp := plain{
		StartTime:     DefaultStartTime,
		EndTime:       DefaultEndTime,
		SquareOffTime: &sq,
		ActiveDays:    []int{0, 1, 2, 3, 4},
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*tc = TimeCondition(tmp)
	return nil
}

// DefaultTimeCondition returns the NSE/BSE intraday defaults: 09:15-15:15
// window, 15:20 square-off, Monday through Friday.
func DefaultTimeCondition() *TimeCondition {
	sq := DefaultSquareOffTime
	return &TimeCondition{
		StartTime:     DefaultStartTime,
		EndTime:       DefaultEndTime,
		SquareOffTime: &sq,
		ActiveDays:    []int{0, 1, 2, 3, 4},
	}
}

// ExitRule matches positions by symbol pattern and defines their exit
// conditions. Position details (entry price, quantity) come from the
// account; the rule only says when to get out.
type ExitRule struct {
	RuleID         string               `json:"rule_id"`
	Name           string               `json:"name"`
	Enabled        bool                 `json:"enabled"`
	Priority       int                  `json:"priority"`
	SymbolPattern  string               `json:"symbol_pattern"`
	Exchange       string               `json:"exchange,omitempty"`
	ApplyTo        string               `json:"apply_to"`
	TakeProfit     *TakeProfitCondition `json:"take_profit,omitempty"`
	StopLoss       *StopLossCondition   `json:"stop_loss,omitempty"`
	TimeConditions *TimeCondition       `json:"time_conditions,omitempty"`
	Tags           []string             `json:"tags,omitempty"`
	Notes          string               `json:"notes,omitempty"`
}

// UnmarshalJSON applies document defaults for omitted fields.
func (r *ExitRule) UnmarshalJSON(data []byte) error {
	type plain ExitRule
	tmp := plain{
		Enabled: true,
		ApplyTo: SideAll,
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*r = ExitRule(tmp)
	return nil
}

// Validate checks the rule is well-formed enough to evaluate.
func (r *ExitRule) Validate() error {
	if r.RuleID == "" {
		return fmt.Errorf("rule_id is required")
	}
	if r.SymbolPattern == "" {
		return fmt.Errorf("rule %s: symbol_pattern is required", r.RuleID)
	}
	switch r.ApplyTo {
	case SideLong, SideShort, SideAll:
	default:
		return fmt.Errorf("rule %s: apply_to must be LONG, SHORT or ALL, got %q", r.RuleID, r.ApplyTo)
	}
	if tp := r.TakeProfit; tp != nil {
		if !tp.ConditionType.Valid() {
			return fmt.Errorf("rule %s: take_profit condition_type %q is not recognized", r.RuleID, tp.ConditionType)
		}
		if tp.Target <= 0 {
			return fmt.Errorf("rule %s: take_profit target must be positive, got %v", r.RuleID, tp.Target)
		}
		if tp.TrailStep < 0 {
			return fmt.Errorf("rule %s: take_profit trail_step must not be negative", r.RuleID)
		}
	}
	if sl := r.StopLoss; sl != nil {
		if !sl.ConditionType.Valid() {
			return fmt.Errorf("rule %s: stop_loss condition_type %q is not recognized", r.RuleID, sl.ConditionType)
		}
		if sl.Stop <= 0 {
			return fmt.Errorf("rule %s: stop_loss stop must be positive, got %v", r.RuleID, sl.Stop)
		}
		if sl.TrailStep < 0 {
			return fmt.Errorf("rule %s: stop_loss trail_step must not be negative", r.RuleID)
		}
	}
	if tc := r.TimeConditions; tc != nil {
		if err := tc.validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.RuleID, err)
		}
	}
	return nil
}

var hhmmPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

func (tc *TimeCondition) validate() error {
	if tc.StartTime != "" && !hhmmPattern.MatchString(tc.StartTime) {
		return fmt.Errorf("start_time %q is not HH:MM", tc.StartTime)
	}
	if tc.EndTime != "" && !hhmmPattern.MatchString(tc.EndTime) {
		return fmt.Errorf("end_time %q is not HH:MM", tc.EndTime)
	}
	if tc.SquareOffTime != nil && *tc.SquareOffTime != "" && !hhmmPattern.MatchString(*tc.SquareOffTime) {
		return fmt.Errorf("square_off_time %q is not HH:MM", *tc.SquareOffTime)
	}
	for _, d := range tc.ActiveDays {
		if d < 0 || d > 6 {
			return fmt.Errorf("active_days entry %d out of range 0-6", d)
		}
	}
	return nil
}

// DefaultConditions supplies fallback exit conditions for positions that
// match no rule. Parsed for document compatibility; matching acts only on
// explicit rules.
type DefaultConditions struct {
	Enabled    bool                 `json:"enabled"`
	TakeProfit *TakeProfitCondition `json:"take_profit,omitempty"`
	StopLoss   *StopLossCondition   `json:"stop_loss,omitempty"`
}

// TradingConfig is the root rules document stored per user.
type TradingConfig struct {
	Version               string             `json:"version"`
	Defaults              *DefaultConditions `json:"defaults,omitempty"`
	DefaultTimeConditions *TimeCondition     `json:"default_time_conditions,omitempty"`
	Rules                 []ExitRule         `json:"rules"`

	// Skipped lists the rules PruneInvalid dropped, one message per rule.
	// It rides along on the loaded config so callers can report them.
	Skipped []string `json:"-"`
}

// UnmarshalJSON applies document defaults for omitted fields.
func (c *TradingConfig) UnmarshalJSON(data []byte) error {
	type plain TradingConfig
	tmp := plain{Version: ConfigVersion}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*c = TradingConfig(tmp)
	return nil
}

// Validate checks every rule and rejects duplicate rule IDs.
func (c *TradingConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Rules))
	for i := range c.Rules {
		r := &c.Rules[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.RuleID]; dup {
			return fmt.Errorf("duplicate rule_id %q", r.RuleID)
		}
		seen[r.RuleID] = struct{}{}
	}
	if c.DefaultTimeConditions != nil {
		if err := c.DefaultTimeConditions.validate(); err != nil {
			return fmt.Errorf("default_time_conditions: %w", err)
		}
	}
	return nil
}

// PruneInvalid drops rules that fail validation, recording each drop in
// Skipped and returning one error per dropped rule. Load paths use this
// instead of Validate so one malformed
// rule cannot take the rest of the document down with it; evaluation never
// sees unvalidated values.
func (c *TradingConfig) PruneInvalid() []error {
	var errs []error
	c.Skipped = nil
	kept := c.Rules[:0]
	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			errs = append(errs, err)
			c.Skipped = append(c.Skipped, err.Error())
			continue
		}
		kept = append(kept, c.Rules[i])
	}
	c.Rules = kept
	return errs
}

// Normalize orders rules by ascending priority, preserving document order
// among equal priorities. Matching walks the normalized order, so lower
// priority numbers win ties against later rules.
func (c *TradingConfig) Normalize() {
	sort.SliceStable(c.Rules, func(i, j int) bool {
		return c.Rules[i].Priority < c.Rules[j].Priority
	})
}

// ParseConfig decodes, validates and normalizes a rules document.
func ParseConfig(data []byte) (*TradingConfig, error) {
	var cfg TradingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode rules document: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}
