package payouts

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy violations defer settlement; the outbox retries the payout later
// instead of failing it.
var (
	ErrDailyCapExceeded = errors.New("payouts: daily cap exceeded")
	ErrSoftInventory    = errors.New("payouts: insufficient soft inventory")
)

// PolicyRule bounds settlement for one asset. Amounts are integer cents.
type PolicyRule struct {
	Asset string `yaml:"asset"`
	// DailyCap bounds the rolling UTC-day gross volume. Zero disables.
	DailyCap int64 `yaml:"daily_cap"`
	// SoftInventory bounds a single payout to what the hot wallet is
	// expected to cover. Zero disables.
	SoftInventory int64 `yaml:"soft_inventory"`
	// Confirmations overrides the chain default when positive.
	Confirmations uint64 `yaml:"confirmations"`
}

// Policy is the per-asset settlement rule set.
type Policy struct {
	rules map[string]PolicyRule
}

type policyFile struct {
	Assets []PolicyRule `yaml:"assets"`
}

// LoadPolicy reads the YAML policy file. An empty path yields an empty
// policy that permits everything.
func LoadPolicy(path string) (*Policy, error) {
	policy := &Policy{rules: make(map[string]PolicyRule)}
	if strings.TrimSpace(path) == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("payouts: read policy %s: %w", path, err)
	}
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("payouts: parse policy %s: %w", path, err)
	}
	for _, rule := range file.Assets {
		asset := strings.ToLower(strings.TrimSpace(rule.Asset))
		if asset == "" {
			return nil, fmt.Errorf("payouts: policy rule without asset in %s", path)
		}
		if rule.DailyCap < 0 || rule.SoftInventory < 0 {
			return nil, fmt.Errorf("payouts: negative bound for asset %s", asset)
		}
		policy.rules[asset] = rule
	}
	return policy, nil
}

// Rule looks up the rule for an asset.
func (p *Policy) Rule(asset string) (PolicyRule, bool) {
	rule, ok := p.rules[strings.ToLower(asset)]
	return rule, ok
}

// Admit checks one prospective payout against the asset's rule. usedToday is
// the gross cents already settled or in flight this UTC day.
func (p *Policy) Admit(asset string, amountCents, usedToday int64) error {
	rule, ok := p.Rule(asset)
	if !ok {
		return nil
	}
	if rule.SoftInventory > 0 && amountCents > rule.SoftInventory {
		return fmt.Errorf("%w: %d cents against %d inventory", ErrSoftInventory, amountCents, rule.SoftInventory)
	}
	if rule.DailyCap > 0 && usedToday+amountCents > rule.DailyCap {
		return fmt.Errorf("%w: %d cents used, %d requested, cap %d", ErrDailyCapExceeded, usedToday, amountCents, rule.DailyCap)
	}
	return nil
}

// Confirmations returns the asset's confirmation depth, falling back to def.
func (p *Policy) Confirmations(asset string, def uint64) uint64 {
	if rule, ok := p.Rule(asset); ok && rule.Confirmations > 0 {
		return rule.Confirmations
	}
	return def
}
