package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorAggregatesChecks(t *testing.T) {
	m := NewMonitor("entitystream")
	m.RegisterBool("nats", func() bool { return true })
	m.RegisterPing("store", func(context.Context) error { return nil })

	status := m.Check(context.Background())
	assert.True(t, status.IsHealthy())
	require.Len(t, status.SubStatuses, 2)
	// Sub-statuses are sorted by component name.
	assert.Equal(t, "nats", status.SubStatuses[0].Component)
	assert.Equal(t, "store", status.SubStatuses[1].Component)
}

func TestMonitorUnhealthyDependency(t *testing.T) {
	m := NewMonitor("entitystream")
	m.RegisterBool("nats", func() bool { return true })
	m.RegisterPing("store", func(context.Context) error { return errors.New("connection refused") })

	status := m.Check(context.Background())
	assert.True(t, status.IsUnhealthy())
	assert.False(t, status.Healthy)
}

func TestMonitorDegradedDoesNotFailAggregate(t *testing.T) {
	m := NewMonitor("entitystream")
	m.Register("rules", func(context.Context) Status {
		return NewDegraded("rules", "serving last known good snapshot")
	})

	status := m.Check(context.Background())
	assert.True(t, status.IsDegraded())
	assert.False(t, status.IsUnhealthy())
}

func TestMonitorEmptyIsHealthy(t *testing.T) {
	m := NewMonitor("entitystream")
	assert.True(t, m.Check(context.Background()).IsHealthy())
	assert.Zero(t, m.Count())
}

func TestMonitorRegisterReplaceRemove(t *testing.T) {
	m := NewMonitor("entitystream")
	m.RegisterBool("nats", func() bool { return false })
	m.RegisterBool("nats", func() bool { return true })
	assert.Equal(t, []string{"nats"}, m.ListComponents())
	assert.True(t, m.Check(context.Background()).IsHealthy())

	m.Remove("nats")
	assert.Zero(t, m.Count())
}

func TestAggregateRules(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, "healthy"},
		{"one unhealthy", []Status{NewHealthy("a", ""), NewUnhealthy("b", "")}, "unhealthy"},
		{"degraded only", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, "degraded"},
		{"unhealthy beats degraded", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.subs)
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	m := NewMonitor("entitystream")
	m.RegisterBool("nats", func() bool { return true })

	rec := httptest.NewRecorder()
	Handler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "entitystream", status.Component)
	assert.True(t, status.Healthy)

	m.RegisterBool("store", func() bool { return false })
	rec = httptest.NewRecorder()
	Handler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, rec.Code)
}
