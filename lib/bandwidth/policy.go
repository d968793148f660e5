package bandwidth

import (
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

const (
	DefaultMaxRelayCircuits      = 32
	DefaultBaselineRelayCircuits = 8
)

// PolicyConfig configures a RelayPolicy.
type PolicyConfig struct {
	Enabled          bool
	MaxCircuits      int
	BaselineCircuits int
	Threshold        float64
}

// DefaultPolicyConfig enables relaying with the default limits.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Enabled:          true,
		MaxCircuits:      DefaultMaxRelayCircuits,
		BaselineCircuits: DefaultBaselineRelayCircuits,
		Threshold:        DefaultProportionalityThreshold,
	}
}

// Validate checks limits and the threshold.
func (c PolicyConfig) Validate() error {
	if err := ValidateThreshold(c.Threshold); err != nil {
		return err
	}
	if c.BaselineCircuits < 0 || c.MaxCircuits < c.BaselineCircuits {
		return errs.New(errs.Validation, "(PolicyConfig) Validate", "need 0 <= baseline (%d) <= max (%d)", c.BaselineCircuits, c.MaxCircuits)
	}
	return nil
}

// RelayPolicy decides whether to accept a relay circuit for another node.
// A node that owes relay bandwidth accepts up to MaxCircuits, otherwise up
// to BaselineCircuits.
type RelayPolicy struct {
	cfg    PolicyConfig
	ledger *Ledger
}

// NewRelayPolicy validates cfg and returns a policy reading ledger.
func NewRelayPolicy(cfg PolicyConfig, ledger *Ledger) (*RelayPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RelayPolicy{cfg: cfg, ledger: ledger}, nil
}

// Owing reports whether downloads exceed relayed bytes by more than the
// threshold allows.
func (p *RelayPolicy) Owing() bool {
	t := p.ledger.Totals()
	proportional, _ := t.IsProportional(p.cfg.Threshold)
	return !proportional && t.RequiredRelayBytes() > 0
}

// Limit is the number of relay circuits currently acceptable.
func (p *RelayPolicy) Limit() int {
	switch {
	case !p.cfg.Enabled:
		return 0
	case p.Owing():
		return p.cfg.MaxCircuits
	default:
		return p.cfg.BaselineCircuits
	}
}

// Admit reports whether one more relay circuit may be accepted while active
// are already carried, and why not.
func (p *RelayPolicy) Admit(active int) (bool, string) {
	if !p.cfg.Enabled {
		return false, "relaying disabled"
	}
	if active >= p.Limit() {
		return false, "relay circuit limit reached"
	}
	return true, ""
}
