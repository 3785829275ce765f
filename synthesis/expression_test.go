package synthesis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitystream/telemetry"
)

func TestDirectAttributeResolution(t *testing.T) {
	event := telemetry.Event{"clusterName": "prod-kafka"}

	expr := Expression{Attribute: "clusterName"}
	require.NoError(t, expr.Validate())

	value, ok := expr.Resolve(event)
	require.True(t, ok)
	assert.Equal(t, "prod-kafka", value)
}

func TestDirectAttributeAbsent(t *testing.T) {
	expr := Expression{Attribute: "clusterName"}

	_, ok := expr.Resolve(telemetry.Event{})
	assert.False(t, ok)

	_, ok = expr.Resolve(telemetry.Event{"clusterName": ""})
	assert.False(t, ok, "empty attribute value is a no-match")
}

func TestTemplateResolution(t *testing.T) {
	event := telemetry.Event{
		"accountId":   float64(1),
		"region":      "us-east-1",
		"clusterName": "msk-prod",
	}

	expr := Expression{Template: "{{accountId}}:{{region}}:{{clusterName}}"}
	require.NoError(t, expr.Validate())

	value, ok := expr.Resolve(event)
	require.True(t, ok)
	assert.Equal(t, "1:us-east-1:msk-prod", value)
}

func TestTemplateWithSpacedPlaceholders(t *testing.T) {
	event := telemetry.Event{"clusterName": "prod", "topic": "orders"}

	expr := Expression{Template: "{{ clusterName }}/{{ topic }}"}
	require.NoError(t, expr.Validate())

	value, ok := expr.Resolve(event)
	require.True(t, ok)
	assert.Equal(t, "prod/orders", value)
}

func TestTemplateFailsOnMissingAttribute(t *testing.T) {
	expr := Expression{Template: "{{accountId}}:{{region}}"}
	require.NoError(t, expr.Validate())

	_, ok := expr.Resolve(telemetry.Event{"accountId": float64(1)})
	assert.False(t, ok)
}

func TestFragmentResolution(t *testing.T) {
	event := telemetry.Event{"clusterName": "prod-kafka", "brokerId": float64(3)}

	expr := Expression{Fragments: []Fragment{
		{Attribute: "clusterName"},
		{Literal: ":"},
		{Attribute: "brokerId"},
	}}
	require.NoError(t, expr.Validate())

	value, ok := expr.Resolve(event)
	require.True(t, ok)
	assert.Equal(t, "prod-kafka:3", value)
}

func TestFragmentFailsOnMissingAttribute(t *testing.T) {
	expr := Expression{Fragments: []Fragment{
		{Attribute: "clusterName"},
		{Literal: ":"},
		{Attribute: "brokerId"},
	}}
	require.NoError(t, expr.Validate())

	_, ok := expr.Resolve(telemetry.Event{"clusterName": "prod-kafka"})
	assert.False(t, ok)
}

func TestExpressionValidation(t *testing.T) {
	tests := []struct {
		name    string
		expr    Expression
		wantErr bool
	}{
		{"empty", Expression{}, true},
		{"two forms set", Expression{Attribute: "a", Template: "{{b}}"}, true},
		{"template without placeholders", Expression{Template: "static"}, true},
		{"fragment with both fields", Expression{Fragments: []Fragment{{Literal: "a", Attribute: "b"}}}, true},
		{"fragment with neither field", Expression{Fragments: []Fragment{{}}}, true},
		{"literal-only fragments", Expression{Fragments: []Fragment{{Literal: "a"}}}, true},
		{"valid attribute", Expression{Attribute: "clusterName"}, false},
		{"valid template", Expression{Template: "{{a}}-{{b}}"}, false},
		{"valid fragments", Expression{Fragments: []Fragment{{Literal: "k:"}, {Attribute: "a"}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.expr.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFallbackChain(t *testing.T) {
	event := telemetry.Event{"b": "value-b", "c": "value-c"}

	value, ok := ResolveFallback(event, []string{"a", "b", "c"})
	require.True(t, ok)
	assert.Equal(t, "value-b", value, "first present attribute wins")

	_, ok = ResolveFallback(event, []string{"x", "y"})
	assert.False(t, ok)
}
