package rulestore

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitystream/entity"
	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/relationship"
	"github.com/c360/entitystream/synthesis"
)

const kafkaRulesYAML = `
version: "2026-08-01"
synthesis:
  - name: msk-cluster
    event_type: KafkaClusterSample
    conditions:
      - attribute: provider
        operator: eq
        value: msk
    identifier:
      template: "{{accountId}}:{{region}}:{{clusterName}}"
    domain: INFRA
    type: MESSAGE_QUEUE_CLUSTER
    entity_ttl: 192h
    tags:
      - source: region
        target: aws.region
  - name: kafka-cluster
    event_type: KafkaClusterSample
    identifier:
      attribute: clusterName
    domain: INFRA
    type: MESSAGE_QUEUE_CLUSTER
    tags:
      - source: clusterName
        target: kafka.cluster.name
      - source: activeController
        target: kafka.controller
        ttl: 5m
relationships:
  - name: cluster-contains-broker
    event_type: KafkaBrokerSample
    type: CONTAINS
    ttl: 720h
    source:
      strategy: build
      domain: INFRA
      type: MESSAGE_QUEUE_CLUSTER
      identifier:
        attribute: clusterName
    target:
      strategy: build
      domain: INFRA
      type: MESSAGE_QUEUE_BROKER
      identifier:
        template: "{{clusterName}}:{{brokerId}}"
`

func TestParseYAML(t *testing.T) {
	rs, err := Parse([]byte(kafkaRulesYAML), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "2026-08-01", rs.Version)
	synCount, relCount := rs.Counts()
	assert.Equal(t, 2, synCount)
	assert.Equal(t, 1, relCount)

	rules := rs.SynthesisRules("KafkaClusterSample")
	require.Len(t, rules, 2)
	assert.Equal(t, "msk-cluster", rules[0].Name, "declaration order preserved")
	assert.Equal(t, "kafka-cluster", rules[1].Name)
	assert.Equal(t, 192*time.Hour, rules[0].EntityTTL)
	assert.Equal(t, 5*time.Minute, rules[1].Tags[1].TTL)

	rels := rs.RelationshipRules("KafkaBrokerSample")
	require.Len(t, rels, 1)
	assert.Equal(t, entity.RelationshipContains, rels[0].Type)
	assert.Equal(t, 720*time.Hour, rels[0].TTL)
	assert.Equal(t, relationship.StrategyBuild, rels[0].Source.Strategy)
}

func TestParseJSON(t *testing.T) {
	data := []byte(`{
		"version": "v1",
		"synthesis": [{
			"name": "kafka-topic",
			"event_type": "KafkaTopicSample",
			"identifier": {"template": "{{clusterName}}/{{topic}}"},
			"domain": "INFRA",
			"type": "MESSAGE_QUEUE_TOPIC"
		}]
	}`)

	rs, err := Parse(data, FormatJSON)
	require.NoError(t, err)
	require.Len(t, rs.SynthesisRules("KafkaTopicSample"), 1)
}

func TestParseRejectsInvalidRule(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"lowercase domain", `
synthesis:
  - name: bad
    event_type: E
    identifier: {attribute: a}
    domain: infra
    type: HOST
`},
		{"missing identifier", `
synthesis:
  - name: bad
    event_type: E
    domain: INFRA
    type: HOST
`},
		{"malformed regex condition", `
synthesis:
  - name: bad
    event_type: E
    conditions:
      - attribute: a
        operator: regex
        value: "["
    identifier: {attribute: a}
    domain: INFRA
    type: HOST
`},
		{"bad duration", `
synthesis:
  - name: bad
    event_type: E
    identifier: {attribute: a}
    domain: INFRA
    type: HOST
    entity_ttl: eight-hours
`},
		{"duplicate rule name", `
synthesis:
  - name: dup
    event_type: E
    identifier: {attribute: a}
    domain: INFRA
    type: HOST
  - name: dup
    event_type: F
    identifier: {attribute: b}
    domain: INFRA
    type: HOST
`},
		{"unknown relationship type", `
relationships:
  - name: bad
    event_type: E
    type: LIKES
    source: {strategy: extract, guid_attribute: g}
    target: {strategy: extract, guid_attribute: h}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), FormatYAML)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestStoreSwapIsAtomic(t *testing.T) {
	store := NewStore(slog.Default(), nil)

	// Empty store serves an empty snapshot, not nil.
	require.NotNil(t, store.Current())
	assert.Empty(t, store.SynthesisRules("KafkaClusterSample"))

	require.NoError(t, store.Apply([]byte(kafkaRulesYAML), FormatYAML))
	assert.Len(t, store.SynthesisRules("KafkaClusterSample"), 2)
	assert.Len(t, store.RelationshipRules("KafkaBrokerSample"), 1)
}

func TestFailedReloadKeepsLastKnownGood(t *testing.T) {
	store := NewStore(slog.Default(), nil)
	require.NoError(t, store.Apply([]byte(kafkaRulesYAML), FormatYAML))
	before := store.Current()

	err := store.Apply([]byte(`synthesis: [{name: broken}]`), FormatYAML)
	require.Error(t, err)

	assert.Same(t, before, store.Current(), "failed reload must not disturb the active snapshot")
	assert.Len(t, store.SynthesisRules("KafkaClusterSample"), 2)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(kafkaRulesYAML), 0o600))

	store := NewStore(slog.Default(), nil)
	require.NoError(t, store.LoadFile(path))
	assert.Equal(t, "2026-08-01", store.Current().Version)

	require.Error(t, store.LoadFile(filepath.Join(dir, "missing.yaml")))
}

func TestLoadProviderRuleFiles(t *testing.T) {
	tests := []struct {
		file       string
		version    string
		eventType  string
		synthesis  int
		strategies []relationship.Strategy
	}{
		{
			file:       "kafka-selfmanaged.yaml",
			version:    "kafka-selfmanaged-1",
			eventType:  "KafkaBrokerSample",
			synthesis:  3,
			strategies: []relationship.Strategy{relationship.StrategyBuild},
		},
		{
			file:       "kafka-msk.yaml",
			version:    "kafka-msk-1",
			eventType:  "AwsMskBrokerSample",
			synthesis:  2,
			strategies: []relationship.Strategy{relationship.StrategyBuild},
		},
		{
			file:       "kafka-confluent.json",
			version:    "kafka-confluent-1",
			eventType:  "ConfluentCloudConnectorSample",
			synthesis:  2,
			strategies: []relationship.Strategy{relationship.StrategyLookup},
		},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			rs, err := LoadFile(filepath.Join("testdata", tt.file))
			require.NoError(t, err)

			assert.Equal(t, tt.version, rs.Version)
			synCount, _ := rs.Counts()
			assert.Equal(t, tt.synthesis, synCount)

			rels := rs.RelationshipRules(tt.eventType)
			require.NotEmpty(t, rels)
			assert.Equal(t, tt.strategies[0], rels[0].Source.Strategy)
		})
	}
}

func TestRuleSetServesEngines(t *testing.T) {
	store := NewStore(slog.Default(), nil)
	require.NoError(t, store.Apply([]byte(kafkaRulesYAML), FormatYAML))

	// The store satisfies both engines' RuleSource interfaces.
	var _ synthesis.RuleSource = store
	var _ relationship.RuleSource = store
}
