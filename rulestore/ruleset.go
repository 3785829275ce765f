// Package rulestore manages versioned rule-set snapshots. A snapshot is
// immutable after construction; the store swaps whole snapshots atomically so
// in-flight events always evaluate against a consistent rule set, and a
// failed reload keeps the last known good snapshot serving.
package rulestore

import (
	"fmt"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/relationship"
	"github.com/c360/entitystream/synthesis"
)

// RuleSet is an immutable, validated snapshot of all loaded rules, indexed by
// event type with declaration order preserved.
type RuleSet struct {
	Version       string
	Synthesis     []*synthesis.Rule
	Relationships []*relationship.Rule

	synthesisByType    map[string][]*synthesis.Rule
	relationshipByType map[string][]*relationship.Rule
}

// NewRuleSet validates every rule and builds the event-type indexes. Any
// invalid rule rejects the whole set.
func NewRuleSet(version string, syn []*synthesis.Rule, rel []*relationship.Rule) (*RuleSet, error) {
	rs := &RuleSet{
		Version:            version,
		Synthesis:          syn,
		Relationships:      rel,
		synthesisByType:    make(map[string][]*synthesis.Rule),
		relationshipByType: make(map[string][]*relationship.Rule),
	}

	names := make(map[string]struct{}, len(syn))
	for _, rule := range syn {
		if err := rule.Validate(); err != nil {
			return nil, errors.WrapInvalid(err, "RuleSet", "NewRuleSet", "synthesis rule rejected")
		}
		if _, dup := names[rule.Name]; dup {
			return nil, errors.WrapInvalid(errors.ErrInvalidRule, "RuleSet", "NewRuleSet",
				fmt.Sprintf("duplicate synthesis rule name %s", rule.Name))
		}
		names[rule.Name] = struct{}{}
		rs.synthesisByType[rule.EventType] = append(rs.synthesisByType[rule.EventType], rule)
	}

	relNames := make(map[string]struct{}, len(rel))
	for _, rule := range rel {
		if err := rule.Validate(); err != nil {
			return nil, errors.WrapInvalid(err, "RuleSet", "NewRuleSet", "relationship rule rejected")
		}
		if _, dup := relNames[rule.Name]; dup {
			return nil, errors.WrapInvalid(errors.ErrInvalidRule, "RuleSet", "NewRuleSet",
				fmt.Sprintf("duplicate relationship rule name %s", rule.Name))
		}
		relNames[rule.Name] = struct{}{}
		rs.relationshipByType[rule.EventType] = append(rs.relationshipByType[rule.EventType], rule)
	}

	return rs, nil
}

// EmptyRuleSet returns a valid snapshot containing no rules
func EmptyRuleSet() *RuleSet {
	rs, _ := NewRuleSet("empty", nil, nil)
	return rs
}

// SynthesisRules returns the synthesis rules for an event type in declaration
// order. Callers must not mutate the returned slice.
func (rs *RuleSet) SynthesisRules(eventType string) []*synthesis.Rule {
	return rs.synthesisByType[eventType]
}

// RelationshipRules returns the relationship rules for an event type in
// declaration order.
func (rs *RuleSet) RelationshipRules(eventType string) []*relationship.Rule {
	return rs.relationshipByType[eventType]
}

// Counts returns the number of synthesis and relationship rules
func (rs *RuleSet) Counts() (synthesisRules, relationshipRules int) {
	return len(rs.Synthesis), len(rs.Relationships)
}
