package synthesis

import (
	"fmt"
	"time"

	"github.com/c360/entitystream/entity"
	"github.com/c360/entitystream/errors"
)

// DefaultEntityTTL applies when a rule declares no entity expiration
const DefaultEntityTTL = 8 * 24 * time.Hour

// TagMapping maps a source attribute to a target tag name. Fallbacks are
// tried in declared order when the source attribute is absent; if nothing
// resolves the tag is omitted. TTL, when set, lets the tag expire
// independently of the entity.
type TagMapping struct {
	Source    string        `json:"source" yaml:"source"`
	Target    string        `json:"target,omitempty" yaml:"target,omitempty"`
	Fallbacks []string      `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	TTL       time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// TagName returns the tag name this mapping writes, defaulting to the source
// attribute name.
func (m TagMapping) TagName() string {
	if m.Target != "" {
		return m.Target
	}
	return m.Source
}

// Rule declares how events of one source schema synthesize into entities of
// one domain/type. Rules are evaluated in declaration order; the first rule
// whose every condition holds wins.
type Rule struct {
	Name      string `json:"name" yaml:"name"`
	EventType string `json:"event_type" yaml:"event_type"`

	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	Identifier Expression `json:"identifier" yaml:"identifier"`
	// NameExpr derives the display name; defaults to the identifier.
	NameExpr Expression `json:"name_expr,omitempty" yaml:"name_expr,omitempty"`

	AccountAttribute string `json:"account_attribute,omitempty" yaml:"account_attribute,omitempty"`

	Domain string `json:"domain" yaml:"domain"`
	Type   string `json:"type" yaml:"type"`

	// EntityTTL is the per-type entity expiration time.
	EntityTTL time.Duration `json:"entity_ttl,omitempty" yaml:"entity_ttl,omitempty"`

	Tags []TagMapping `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// DefaultAccountAttribute names the event attribute carrying the account ID
// when a rule does not override it.
const DefaultAccountAttribute = "accountId"

// Validate rejects malformed rule definitions at load time. Per-event
// resolution failures are non-fatal; everything catchable up front is caught
// here.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidRule, "SynthesisRule", "Validate", "rule name is required")
	}
	if r.EventType == "" {
		return errors.WrapInvalid(errors.ErrInvalidRule, "SynthesisRule", "Validate",
			fmt.Sprintf("rule %s: event_type is required", r.Name))
	}
	if err := entity.ValidateTaxonomy(r.Domain); err != nil {
		return errors.WrapInvalid(err, "SynthesisRule", "Validate", fmt.Sprintf("rule %s: domain", r.Name))
	}
	if err := entity.ValidateTaxonomy(r.Type); err != nil {
		return errors.WrapInvalid(err, "SynthesisRule", "Validate", fmt.Sprintf("rule %s: type", r.Name))
	}
	if err := r.Identifier.Validate(); err != nil {
		return errors.WrapInvalid(err, "SynthesisRule", "Validate", fmt.Sprintf("rule %s: identifier", r.Name))
	}
	if !r.NameExpr.IsZero() {
		if err := r.NameExpr.Validate(); err != nil {
			return errors.WrapInvalid(err, "SynthesisRule", "Validate", fmt.Sprintf("rule %s: name_expr", r.Name))
		}
	}
	if r.EntityTTL < 0 {
		return errors.WrapInvalid(errors.ErrInvalidRule, "SynthesisRule", "Validate",
			fmt.Sprintf("rule %s: entity_ttl must not be negative", r.Name))
	}
	for i := range r.Conditions {
		if err := r.Conditions[i].Validate(); err != nil {
			return errors.WrapInvalid(err, "SynthesisRule", "Validate",
				fmt.Sprintf("rule %s: condition %d", r.Name, i))
		}
	}

	seen := make(map[string]struct{}, len(r.Tags))
	for i, m := range r.Tags {
		if m.Source == "" {
			return errors.WrapInvalid(errors.ErrInvalidRule, "SynthesisRule", "Validate",
				fmt.Sprintf("rule %s: tag mapping %d has no source attribute", r.Name, i))
		}
		if m.TTL < 0 {
			return errors.WrapInvalid(errors.ErrInvalidRule, "SynthesisRule", "Validate",
				fmt.Sprintf("rule %s: tag %s has negative ttl", r.Name, m.TagName()))
		}
		if _, dup := seen[m.TagName()]; dup {
			return errors.WrapInvalid(errors.ErrInvalidRule, "SynthesisRule", "Validate",
				fmt.Sprintf("rule %s: duplicate tag target %s", r.Name, m.TagName()))
		}
		seen[m.TagName()] = struct{}{}
	}

	return nil
}

// accountAttribute returns the effective account ID attribute
func (r *Rule) accountAttribute() string {
	if r.AccountAttribute != "" {
		return r.AccountAttribute
	}
	return DefaultAccountAttribute
}

// entityTTL returns the effective entity expiration
func (r *Rule) entityTTL() time.Duration {
	if r.EntityTTL > 0 {
		return r.EntityTTL
	}
	return DefaultEntityTTL
}
