package rulestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/entitystream/entity"
	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/relationship"
	"github.com/c360/entitystream/synthesis"
)

// Format identifies the rule file encoding
type Format int

// Supported rule file encodings
const (
	FormatYAML Format = iota
	FormatJSON
)

// File DTOs: durations are declared as strings ("8h", "30m") and parsed with
// time.ParseDuration, which neither yaml.v3 nor encoding/json does natively.

type rulesFile struct {
	Version       string                 `json:"version" yaml:"version"`
	Synthesis     []synthesisRuleFile    `json:"synthesis,omitempty" yaml:"synthesis,omitempty"`
	Relationships []relationshipRuleFile `json:"relationships,omitempty" yaml:"relationships,omitempty"`
}

type tagMappingFile struct {
	Source    string   `json:"source" yaml:"source"`
	Target    string   `json:"target,omitempty" yaml:"target,omitempty"`
	Fallbacks []string `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	TTL       string   `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

type synthesisRuleFile struct {
	Name             string                `json:"name" yaml:"name"`
	EventType        string                `json:"event_type" yaml:"event_type"`
	Conditions       []synthesis.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Identifier       synthesis.Expression  `json:"identifier" yaml:"identifier"`
	NameExpr         synthesis.Expression  `json:"name_expr,omitempty" yaml:"name_expr,omitempty"`
	AccountAttribute string                `json:"account_attribute,omitempty" yaml:"account_attribute,omitempty"`
	Domain           string                `json:"domain" yaml:"domain"`
	Type             string                `json:"type" yaml:"type"`
	EntityTTL        string                `json:"entity_ttl,omitempty" yaml:"entity_ttl,omitempty"`
	Tags             []tagMappingFile      `json:"tags,omitempty" yaml:"tags,omitempty"`
}

type relationshipRuleFile struct {
	Name       string                `json:"name" yaml:"name"`
	EventType  string                `json:"event_type" yaml:"event_type"`
	Conditions []synthesis.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Type       string                `json:"type" yaml:"type"`
	TTL        string                `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	Source     relationship.Endpoint `json:"source" yaml:"source"`
	Target     relationship.Endpoint `json:"target" yaml:"target"`
}

// Parse decodes rule definitions and builds a validated snapshot
func Parse(data []byte, format Format) (*RuleSet, error) {
	var file rulesFile
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &file)
	default:
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "rulestore", "Parse", "decode rule file")
	}

	syn := make([]*synthesis.Rule, 0, len(file.Synthesis))
	for i, rf := range file.Synthesis {
		rule, err := rf.toRule()
		if err != nil {
			return nil, errors.WrapInvalid(err, "rulestore", "Parse",
				fmt.Sprintf("synthesis rule %d (%s)", i, rf.Name))
		}
		syn = append(syn, rule)
	}

	rel := make([]*relationship.Rule, 0, len(file.Relationships))
	for i, rf := range file.Relationships {
		rule, err := rf.toRule()
		if err != nil {
			return nil, errors.WrapInvalid(err, "rulestore", "Parse",
				fmt.Sprintf("relationship rule %d (%s)", i, rf.Name))
		}
		rel = append(rel, rule)
	}

	return NewRuleSet(file.Version, syn, rel)
}

// LoadFile reads and parses a rule file, choosing the decoder by extension
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapTransient(err, "rulestore", "LoadFile", "read "+path)
	}

	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	return Parse(data, format)
}

func (rf synthesisRuleFile) toRule() (*synthesis.Rule, error) {
	entityTTL, err := parseDuration(rf.EntityTTL)
	if err != nil {
		return nil, fmt.Errorf("entity_ttl: %w", err)
	}

	tags := make([]synthesis.TagMapping, 0, len(rf.Tags))
	for _, tf := range rf.Tags {
		ttl, err := parseDuration(tf.TTL)
		if err != nil {
			return nil, fmt.Errorf("tag %s ttl: %w", tf.Source, err)
		}
		tags = append(tags, synthesis.TagMapping{
			Source:    tf.Source,
			Target:    tf.Target,
			Fallbacks: tf.Fallbacks,
			TTL:       ttl,
		})
	}

	return &synthesis.Rule{
		Name:             rf.Name,
		EventType:        rf.EventType,
		Conditions:       rf.Conditions,
		Identifier:       rf.Identifier,
		NameExpr:         rf.NameExpr,
		AccountAttribute: rf.AccountAttribute,
		Domain:           rf.Domain,
		Type:             rf.Type,
		EntityTTL:        entityTTL,
		Tags:             tags,
	}, nil
}

func (rf relationshipRuleFile) toRule() (*relationship.Rule, error) {
	ttl, err := parseDuration(rf.TTL)
	if err != nil {
		return nil, fmt.Errorf("ttl: %w", err)
	}

	return &relationship.Rule{
		Name:       rf.Name,
		EventType:  rf.EventType,
		Conditions: rf.Conditions,
		Type:       entity.RelationshipType(rf.Type),
		TTL:        ttl,
		Source:     rf.Source,
		Target:     rf.Target,
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
