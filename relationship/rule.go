// Package relationship discovers directed, TTL-bound edges between entities
// by matching telemetry events against relationship rules. Endpoint GUIDs are
// resolved via one of three strategies: build (construct from event
// attributes), extract (read a GUID attribute off the event), or lookup
// (search the entity store by tag equality).
package relationship

import (
	"fmt"
	"time"

	"github.com/c360/entitystream/entity"
	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/synthesis"
)

// Strategy selects how an endpoint GUID is resolved
type Strategy string

// Endpoint resolution strategies
const (
	StrategyBuild   Strategy = "build"
	StrategyExtract Strategy = "extract"
	StrategyLookup  Strategy = "lookup"
)

// DefaultTTL applies when a rule declares no relationship TTL. Structural
// rules normally declare a long TTL, behavioral rules a short one.
const DefaultTTL = 24 * time.Hour

// Endpoint declares how one side of a relationship resolves to a GUID
type Endpoint struct {
	Strategy Strategy `json:"strategy" yaml:"strategy"`

	// build: construct the GUID from event attributes. The referenced entity
	// may not have been synthesized yet.
	Domain           string               `json:"domain,omitempty" yaml:"domain,omitempty"`
	Type             string               `json:"type,omitempty" yaml:"type,omitempty"`
	Identifier       synthesis.Expression `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	AccountAttribute string               `json:"account_attribute,omitempty" yaml:"account_attribute,omitempty"`

	// extract: read a GUID-typed attribute directly from the event.
	GUIDAttribute string `json:"guid_attribute,omitempty" yaml:"guid_attribute,omitempty"`

	// lookup: search the store for exactly one entity of Domain/Type whose
	// tags equal the named event attributes' values.
	Match map[string]string `json:"match,omitempty" yaml:"match,omitempty"`
}

// Validate rejects malformed endpoint declarations at rule-load time
func (ep *Endpoint) Validate() error {
	switch ep.Strategy {
	case StrategyBuild:
		if err := entity.ValidateTaxonomy(ep.Domain); err != nil {
			return errors.WrapInvalid(err, "Endpoint", "Validate", "build domain")
		}
		if err := entity.ValidateTaxonomy(ep.Type); err != nil {
			return errors.WrapInvalid(err, "Endpoint", "Validate", "build type")
		}
		if err := ep.Identifier.Validate(); err != nil {
			return errors.WrapInvalid(err, "Endpoint", "Validate", "build identifier")
		}
	case StrategyExtract:
		if ep.GUIDAttribute == "" {
			return errors.WrapInvalid(errors.ErrInvalidRule, "Endpoint", "Validate",
				"extract strategy requires guid_attribute")
		}
	case StrategyLookup:
		if err := entity.ValidateTaxonomy(ep.Domain); err != nil {
			return errors.WrapInvalid(err, "Endpoint", "Validate", "lookup domain")
		}
		if err := entity.ValidateTaxonomy(ep.Type); err != nil {
			return errors.WrapInvalid(err, "Endpoint", "Validate", "lookup type")
		}
		if len(ep.Match) == 0 {
			return errors.WrapInvalid(errors.ErrInvalidRule, "Endpoint", "Validate",
				"lookup strategy requires at least one match field")
		}
		for tag, attr := range ep.Match {
			if tag == "" || attr == "" {
				return errors.WrapInvalid(errors.ErrInvalidRule, "Endpoint", "Validate",
					"lookup match entries must map tag name to event attribute")
			}
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidRule, "Endpoint", "Validate",
			fmt.Sprintf("unknown strategy %q", ep.Strategy))
	}
	return nil
}

func (ep *Endpoint) accountAttribute() string {
	if ep.AccountAttribute != "" {
		return ep.AccountAttribute
	}
	return synthesis.DefaultAccountAttribute
}

// Rule declares one relationship discoverable from events of one source
// schema. Multiple rules may fire for the same event.
type Rule struct {
	Name      string `json:"name" yaml:"name"`
	EventType string `json:"event_type" yaml:"event_type"`

	Conditions []synthesis.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	Type entity.RelationshipType `json:"type" yaml:"type"`
	TTL  time.Duration           `json:"ttl,omitempty" yaml:"ttl,omitempty"`

	Source Endpoint `json:"source" yaml:"source"`
	Target Endpoint `json:"target" yaml:"target"`
}

// Validate rejects malformed rule definitions at load time
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidRule, "RelationshipRule", "Validate", "rule name is required")
	}
	if r.EventType == "" {
		return errors.WrapInvalid(errors.ErrInvalidRule, "RelationshipRule", "Validate",
			fmt.Sprintf("rule %s: event_type is required", r.Name))
	}
	if !r.Type.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidRule, "RelationshipRule", "Validate",
			fmt.Sprintf("rule %s: unknown relationship type %q", r.Name, r.Type))
	}
	if r.TTL < 0 {
		return errors.WrapInvalid(errors.ErrInvalidRule, "RelationshipRule", "Validate",
			fmt.Sprintf("rule %s: ttl must not be negative", r.Name))
	}
	for i := range r.Conditions {
		if err := r.Conditions[i].Validate(); err != nil {
			return errors.WrapInvalid(err, "RelationshipRule", "Validate",
				fmt.Sprintf("rule %s: condition %d", r.Name, i))
		}
	}
	if err := r.Source.Validate(); err != nil {
		return errors.WrapInvalid(err, "RelationshipRule", "Validate", fmt.Sprintf("rule %s: source", r.Name))
	}
	if err := r.Target.Validate(); err != nil {
		return errors.WrapInvalid(err, "RelationshipRule", "Validate", fmt.Sprintf("rule %s: target", r.Name))
	}
	return nil
}

func (r *Rule) ttl() time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return DefaultTTL
}
