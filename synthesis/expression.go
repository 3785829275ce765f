// Package synthesis derives entity records from raw telemetry events by
// matching them against declarative rules: condition evaluation, identifier
// resolution, tag extraction with fallback chains, and delta emission.
package synthesis

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/telemetry"
)

// templateRegex matches {{ attribute }} placeholders in composite templates
var templateRegex = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Fragment is one piece of a fragment-list expression: either a literal value
// or an attribute reference, never both.
type Fragment struct {
	Literal   string `json:"literal,omitempty" yaml:"literal,omitempty"`
	Attribute string `json:"attribute,omitempty" yaml:"attribute,omitempty"`
}

// Expression is an identifier (or name) expression in one of three forms:
// a direct attribute reference, a composite template with {{ attribute }}
// placeholders, or an ordered fragment list.
type Expression struct {
	Attribute string     `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Template  string     `json:"template,omitempty" yaml:"template,omitempty"`
	Fragments []Fragment `json:"fragments,omitempty" yaml:"fragments,omitempty"`
}

// IsZero reports whether no expression form is set
func (x Expression) IsZero() bool {
	return x.Attribute == "" && x.Template == "" && len(x.Fragments) == 0
}

// Validate rejects malformed expressions at rule-load time
func (x Expression) Validate() error {
	forms := 0
	if x.Attribute != "" {
		forms++
	}
	if x.Template != "" {
		forms++
	}
	if len(x.Fragments) > 0 {
		forms++
	}
	if forms == 0 {
		return errors.WrapInvalid(errors.ErrInvalidRule, "Expression", "Validate", "expression is empty")
	}
	if forms > 1 {
		return errors.WrapInvalid(errors.ErrInvalidRule, "Expression", "Validate",
			"expression must use exactly one of attribute, template, fragments")
	}

	if x.Template != "" {
		refs := templateRegex.FindAllStringSubmatch(x.Template, -1)
		if len(refs) == 0 {
			return errors.WrapInvalid(errors.ErrInvalidRule, "Expression", "Validate",
				fmt.Sprintf("template %q references no attributes", x.Template))
		}
	}

	hasAttribute := false
	for i, f := range x.Fragments {
		if (f.Literal == "") == (f.Attribute == "") {
			return errors.WrapInvalid(errors.ErrInvalidRule, "Expression", "Validate",
				fmt.Sprintf("fragment %d must set exactly one of literal, attribute", i))
		}
		if f.Attribute != "" {
			hasAttribute = true
		}
	}
	if len(x.Fragments) > 0 && !hasAttribute {
		return errors.WrapInvalid(errors.ErrInvalidRule, "Expression", "Validate",
			"fragment list contains no attribute references")
	}

	return nil
}

// Resolve evaluates the expression against an event, producing a non-empty
// identifier string or reporting no match. A missing or empty referenced
// attribute is a no-match, never an error.
func (x Expression) Resolve(event telemetry.Event) (string, bool) {
	switch {
	case x.Attribute != "":
		return event.String(x.Attribute)

	case x.Template != "":
		resolved := true
		result := templateRegex.ReplaceAllStringFunc(x.Template, func(placeholder string) string {
			attr := strings.TrimSpace(placeholder[2 : len(placeholder)-2])
			value, ok := event.String(attr)
			if !ok {
				resolved = false
				return ""
			}
			return value
		})
		if !resolved || result == "" {
			return "", false
		}
		return result, true

	case len(x.Fragments) > 0:
		var b strings.Builder
		for _, f := range x.Fragments {
			if f.Literal != "" {
				b.WriteString(f.Literal)
				continue
			}
			value, ok := event.String(f.Attribute)
			if !ok {
				return "", false
			}
			b.WriteString(value)
		}
		if b.Len() == 0 {
			return "", false
		}
		return b.String(), true
	}

	return "", false
}

// ResolveFallback tries attributes in declared order, taking the first
// present value. An empty result is not an error; the caller omits the tag.
func ResolveFallback(event telemetry.Event, attributes []string) (string, bool) {
	for _, attr := range attributes {
		if value, ok := event.String(attr); ok {
			return value, true
		}
	}
	return "", false
}
