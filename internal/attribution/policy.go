// Package attribution maintains the per-(place, attribute, source) value
// ledger and selects the preferred value per attribute under an explicit,
// auditable trust policy.
package attribution

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/gazetteer/internal/place"
)

// PolicyKind selects how the preferred value for an attribute is chosen.
type PolicyKind string

// Resolution policies.
const (
	PolicyPriorityOrder  PolicyKind = "priority_order"  // fixed source ranking, first present wins
	PolicyRecency        PolicyKind = "recency"         // newest observation wins
	PolicyConfidence     PolicyKind = "confidence"      // highest confidence wins
	PolicyManualOverride PolicyKind = "manual_override" // explicit pin only, never recomputed
)

func (k PolicyKind) valid() bool {
	switch k {
	case PolicyPriorityOrder, PolicyRecency, PolicyConfidence, PolicyManualOverride:
		return true
	}
	return false
}

// SourceTrust is one source's static trust entry.
type SourceTrust struct {
	BaseConfidence float64 `yaml:"base_confidence"`
}

// RecencyConfig shapes the freshness bonus added to base confidence.
type RecencyConfig struct {
	HalfLifeDays int     `yaml:"half_life_days"`
	MaxBonus     float64 `yaml:"max_bonus"`
}

// OutlierConfig shapes the penalty for numeric values that deviate from
// their peers.
type OutlierConfig struct {
	DeviationThreshold float64 `yaml:"deviation_threshold"`
	MaxPenalty         float64 `yaml:"max_penalty"`
}

// AttributePolicy configures resolution for one attribute name.
type AttributePolicy struct {
	Policy   PolicyKind `yaml:"policy"`
	Priority []string   `yaml:"priority,omitempty"` // required for priority_order
}

// Policy is the full trust configuration. It is loaded once at startup,
// validated, and never mutated afterwards.
type Policy struct {
	Sources       map[string]SourceTrust     `yaml:"sources"`
	Recency       RecencyConfig              `yaml:"recency"`
	Outlier       OutlierConfig              `yaml:"outlier"`
	Attributes    map[string]AttributePolicy `yaml:"attributes"`
	DefaultPolicy PolicyKind                 `yaml:"default_policy"`
}

// DefaultPolicy returns the built-in trust table used when no policy file
// is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Sources: map[string]SourceTrust{
			place.SourceKnowledgeGraph: {BaseConfidence: 0.80},
			place.SourceProvider:       {BaseConfidence: 0.80},
			place.SourceMapData:        {BaseConfidence: 0.70},
			place.SourceFileFeed:       {BaseConfidence: 0.85},
			place.SourceGraphQuery:     {BaseConfidence: 0.75},
			place.SourceManual:         {BaseConfidence: 1.00},
		},
		Recency: RecencyConfig{HalfLifeDays: 365, MaxBonus: 0.05},
		Outlier: OutlierConfig{DeviationThreshold: 0.5, MaxPenalty: 0.2},
		Attributes: map[string]AttributePolicy{
			place.AttrPopulation:  {Policy: PolicyConfidence},
			place.AttrCoordinates: {Policy: PolicyConfidence},
			place.AttrTimezone:    {Policy: PolicyPriorityOrder, Priority: []string{place.SourceFileFeed}},
			place.AttrBoundingBox: {Policy: PolicyPriorityOrder, Priority: []string{place.SourceMapData}},
		},
		DefaultPolicy: PolicyConfidence,
	}
}

// LoadPolicy reads a trust policy from a YAML file and validates it.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "attribution: read policy %s", path)
	}

	// The YAML carries a top-level "trust" key.
	var wrapper struct {
		Trust Policy `yaml:"trust"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "attribution: parse policy")
	}

	p := &wrapper.Trust
	if p.DefaultPolicy == "" {
		p.DefaultPolicy = PolicyConfidence
	}
	if p.Recency.HalfLifeDays == 0 {
		p.Recency.HalfLifeDays = 365
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the policy for internal consistency.
func (p *Policy) Validate() error {
	if len(p.Sources) == 0 {
		return eris.New("attribution: policy declares no sources")
	}
	for name, st := range p.Sources {
		if st.BaseConfidence < 0 || st.BaseConfidence > 1 {
			return eris.Errorf("attribution: source %s base_confidence %.2f outside [0,1]", name, st.BaseConfidence)
		}
	}
	if !p.DefaultPolicy.valid() {
		return eris.Errorf("attribution: unknown default policy %q", p.DefaultPolicy)
	}
	if p.DefaultPolicy == PolicyPriorityOrder {
		return eris.New("attribution: default policy cannot be priority_order (no ranking to apply)")
	}
	for attr, ap := range p.Attributes {
		if !ap.Policy.valid() {
			return eris.Errorf("attribution: attribute %s has unknown policy %q", attr, ap.Policy)
		}
		if ap.Policy == PolicyPriorityOrder {
			if len(ap.Priority) == 0 {
				return eris.Errorf("attribution: attribute %s uses priority_order without a priority list", attr)
			}
			for _, src := range ap.Priority {
				if _, ok := p.Sources[src]; !ok {
					return eris.Errorf("attribution: attribute %s ranks unknown source %q", attr, src)
				}
			}
		}
	}
	return nil
}

// For returns the resolution policy for an attribute name, falling back
// to the default.
func (p *Policy) For(attributeName string) AttributePolicy {
	if ap, ok := p.Attributes[attributeName]; ok {
		return ap
	}
	return AttributePolicy{Policy: p.DefaultPolicy}
}

// BaseConfidence returns the static trust for a source, zero if unknown.
func (p *Policy) BaseConfidence(source string) float64 {
	return p.Sources[source].BaseConfidence
}
