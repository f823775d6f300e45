package conflict

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the on-disk resolution policy. Entity types listed under
// manual_review bypass last-write-wins entirely; expiry_overrides lets
// particular entity types keep queued mutations longer or shorter than the
// global expiry window.
//
// Example:
//
//	manual_review:
//	  - invoice
//	  - billing_account
//	expiry_overrides:
//	  audit_event: 72h
type Policy struct {
	ManualReview    []string          `yaml:"manual_review"`
	ExpiryOverrides map[string]string `yaml:"expiry_overrides"`

	expiry map[string]time.Duration
}

// Validate parses and checks the policy. Must be called before
// ExpiryOverride; LoadPolicyFile does this for you.
func (p *Policy) Validate() error {
	for _, t := range p.ManualReview {
		if t == "" {
			return fmt.Errorf("manual_review entries cannot be empty")
		}
	}
	p.expiry = make(map[string]time.Duration, len(p.ExpiryOverrides))
	for entityType, raw := range p.ExpiryOverrides {
		if entityType == "" {
			return fmt.Errorf("expiry_overrides keys cannot be empty")
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid expiry override for %s: %w", entityType, err)
		}
		if d <= 0 {
			return fmt.Errorf("expiry override for %s must be positive", entityType)
		}
		p.expiry[entityType] = d
	}
	return nil
}

// ExpiryOverride returns the expiry window override for an entity type, if
// the policy declares one.
func (p *Policy) ExpiryOverride(entityType string) (time.Duration, bool) {
	d, ok := p.expiry[entityType]
	return d, ok
}

// LoadPolicyFile reads and validates a YAML policy file.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return &policy, nil
}
