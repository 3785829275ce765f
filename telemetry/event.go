// Package telemetry defines the flat telemetry event the engines consume. An
// event is a mapping from attribute name to scalar value (string, number or
// boolean); a distinguished attribute names the event's source schema and
// drives rule-set selection.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EventTypeAttribute is the distinguished attribute identifying the event's
// source schema (e.g. "KafkaClusterSample").
const EventTypeAttribute = "eventType"

// Event is a flat attribute map decoded from one telemetry sample
type Event map[string]any

// ParseEvent decodes a JSON object into an Event. Nested objects and arrays
// are rejected: the engine operates on flat samples only.
func ParseEvent(data []byte) (Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}

	for key, value := range raw {
		switch value.(type) {
		case string, float64, bool, nil:
		default:
			return nil, fmt.Errorf("parse event: attribute %q is not a scalar", key)
		}
	}

	return Event(raw), nil
}

// EventType returns the event's source-schema discriminator, empty if absent
func (e Event) EventType() string {
	s, _ := e.String(EventTypeAttribute)
	return s
}

// Has reports whether the attribute is present with a non-nil value
func (e Event) Has(name string) bool {
	v, ok := e[name]
	return ok && v != nil
}

// String returns the attribute's value rendered as a string. Numbers and
// booleans are formatted; absent, nil and empty-string values report false.
func (e Event) String(name string) (string, bool) {
	v, ok := e[name]
	if !ok || v == nil {
		return "", false
	}

	switch val := v.(type) {
	case string:
		if val == "" {
			return "", false
		}
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return "", false
	}
}

// Float returns the attribute's numeric value
func (e Event) Float(name string) (float64, bool) {
	v, ok := e[name]
	if !ok || v == nil {
		return 0, false
	}

	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Int returns the attribute's value as an int64, for attributes like account
// IDs that arrive as JSON numbers.
func (e Event) Int(name string) (int64, bool) {
	f, ok := e.Float(name)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Bool returns the attribute's boolean value
func (e Event) Bool(name string) (bool, bool) {
	v, ok := e[name]
	if !ok || v == nil {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Summary renders a compact single-line description for log output
func (e Event) Summary() string {
	var b strings.Builder
	b.WriteString(e.EventType())
	b.WriteString("{")
	b.WriteString(strconv.Itoa(len(e)))
	b.WriteString(" attrs}")
	return b.String()
}
