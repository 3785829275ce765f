package synthesis

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/telemetry"
)

// Supported condition operators. The negated forms ne and not_in require the
// attribute to be present: an event lacking the attribute fails the condition
// rather than matching vacuously. Use absent to match on a missing attribute.
const (
	OpEqual    = "eq"
	OpNotEqual = "ne"
	OpIn       = "in"
	OpNotIn    = "not_in"
	OpPresent  = "present"
	OpAbsent   = "absent"
	OpPrefix   = "prefix"
	OpRegex    = "regex"
)

// Condition is a single attribute predicate. All of a rule's conditions must
// hold for the rule to match (logical AND).
type Condition struct {
	Attribute string `json:"attribute" yaml:"attribute"`
	Operator  string `json:"operator" yaml:"operator"`
	Value     any    `json:"value,omitempty" yaml:"value,omitempty"`

	// compiled regex, populated by Validate for OpRegex
	re *regexp.Regexp
}

type operatorFunc func(c *Condition, event telemetry.Event) bool

var operators = map[string]operatorFunc{
	OpEqual:    evalEqual,
	OpNotEqual: func(c *Condition, e telemetry.Event) bool { return e.Has(c.Attribute) && !evalEqual(c, e) },
	OpIn:       evalIn,
	OpNotIn:    func(c *Condition, e telemetry.Event) bool { return e.Has(c.Attribute) && !evalIn(c, e) },
	OpPresent:  func(c *Condition, e telemetry.Event) bool { return e.Has(c.Attribute) },
	OpAbsent:   func(c *Condition, e telemetry.Event) bool { return !e.Has(c.Attribute) },
	OpPrefix:   evalPrefix,
	OpRegex:    evalRegex,
}

// Validate rejects malformed conditions at rule-load time. Regex patterns are
// compiled here so per-event evaluation never fails.
func (c *Condition) Validate() error {
	if c.Attribute == "" {
		return errors.WrapInvalid(errors.ErrInvalidRule, "Condition", "Validate", "attribute is required")
	}

	if _, ok := operators[c.Operator]; !ok {
		return errors.WrapInvalid(errors.ErrInvalidRule, "Condition", "Validate",
			fmt.Sprintf("unsupported operator %q", c.Operator))
	}

	switch c.Operator {
	case OpPresent, OpAbsent:
		if c.Value != nil {
			return errors.WrapInvalid(errors.ErrInvalidRule, "Condition", "Validate",
				fmt.Sprintf("operator %q takes no value", c.Operator))
		}
	case OpIn, OpNotIn:
		if _, ok := c.Value.([]any); !ok {
			return errors.WrapInvalid(errors.ErrInvalidRule, "Condition", "Validate",
				fmt.Sprintf("operator %q requires a list value", c.Operator))
		}
	case OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return errors.WrapInvalid(errors.ErrInvalidRule, "Condition", "Validate", "regex pattern must be a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return errors.WrapInvalid(errors.ErrInvalidRule, "Condition", "Validate",
				fmt.Sprintf("invalid regex pattern %q", pattern))
		}
		c.re = re
	default:
		if c.Value == nil {
			return errors.WrapInvalid(errors.ErrInvalidRule, "Condition", "Validate",
				fmt.Sprintf("operator %q requires a value", c.Operator))
		}
	}

	return nil
}

// Holds evaluates the condition against an event. Must only be called on a
// validated condition.
func (c *Condition) Holds(event telemetry.Event) bool {
	fn, ok := operators[c.Operator]
	if !ok {
		return false
	}
	return fn(c, event)
}

func evalEqual(c *Condition, event telemetry.Event) bool {
	return scalarEqual(event, c.Attribute, c.Value)
}

func evalIn(c *Condition, event telemetry.Event) bool {
	values, ok := c.Value.([]any)
	if !ok {
		return false
	}
	for _, candidate := range values {
		if scalarEqual(event, c.Attribute, candidate) {
			return true
		}
	}
	return false
}

func evalPrefix(c *Condition, event telemetry.Event) bool {
	fieldValue, ok := event.String(c.Attribute)
	if !ok {
		return false
	}
	prefix, ok := c.Value.(string)
	return ok && strings.HasPrefix(fieldValue, prefix)
}

func evalRegex(c *Condition, event telemetry.Event) bool {
	fieldValue, ok := event.String(c.Attribute)
	if !ok || c.re == nil {
		return false
	}
	return c.re.MatchString(fieldValue)
}

// scalarEqual compares an event attribute with a rule value, tolerating the
// numeric/string representation differences JSON decoding introduces.
func scalarEqual(event telemetry.Event, attribute string, want any) bool {
	switch w := want.(type) {
	case string:
		got, ok := event.String(attribute)
		return ok && got == w
	case float64:
		got, ok := event.Float(attribute)
		return ok && got == w
	case int:
		got, ok := event.Float(attribute)
		return ok && got == float64(w)
	case bool:
		got, ok := event.Bool(attribute)
		return ok && got == w
	default:
		return false
	}
}
