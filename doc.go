// Package entitystream turns raw telemetry events into a living map of
// entities and the relationships between them.
//
// # Philosophy: Declarative Synthesis
//
// EntityStream contains no hard-coded knowledge of what a "host", "cluster",
// or "broker" is. Everything it knows comes from declarative rules:
//
//   - Synthesis rules: which events produce which entities, how their
//     identity is derived, and which attributes become tags
//   - Relationship rules: which events prove that two entities are related,
//     and how each endpoint of the edge is resolved
//
// Adding support for a new telemetry source is a rule change, not a code
// change. Rules are validated at load time; a rule set that loads is a rule
// set that runs.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│        Telemetry Intake             │  NATS queue subscription,
//	│   (pipeline + worker pool)          │  bounded and lossy
//	└──────────────────┬──────────────────┘
//	                   ↓
//	┌─────────────────────────────────────┐
//	│          Rule Engines               │  synthesis: event → entity
//	│   (synthesis, relationship)         │  relationship: event → edge
//	└──────────────────┬──────────────────┘
//	                   ↓
//	┌─────────────────────────────────────┐
//	│          Entity Store               │  idempotent upserts,
//	│   (memory, JetStream KV, Redis)     │  TTL sweep
//	└─────────────────────────────────────┘
//
// Entity identity is deterministic: the same event always produces the same
// GUID, so ingestion is idempotent end to end. Repeated observations merge
// tags and refresh TTLs instead of creating duplicates.
//
// # Packages
//
// Domain model:
//   - entity: entities, tags, GUIDs, relationships, merge semantics
//   - telemetry: flat event parsing and typed attribute access
//
// Rule engines:
//   - synthesis: condition matching, identifier derivation, tag mapping
//   - relationship: endpoint resolution (build, extract, lookup)
//   - rulestore: rule parsing, validation, atomic hot reload
//
// Persistence:
//   - store: the Store interface, three backends, and the TTL sweeper
//
// Infrastructure:
//   - pipeline: intake, worker fan-out, delta publication
//   - natsclient: NATS connection management and JetStream KV access
//   - config: layered configuration (defaults, file, environment)
//   - metric: Prometheus metrics registry
//   - errors: structured error classification
//   - health: dependency probes over HTTP
//
// Utilities:
//   - pkg/retry: retry policies with backoff
//   - pkg/worker: bounded worker pools
//
// # Usage Patterns
//
// Embedded synthesis (no NATS, no persistence daemon):
//
//	rules := rulestore.NewStore(logger, nil)
//	_ = rules.LoadFile("rules.yaml")
//
//	mem := store.NewMemory()
//	synth := synthesis.NewEngine(rules, logger, nil)
//	relations := relationship.NewEngine(rules, mem, logger)
//
//	if delta, ok := synth.Synthesize(event, time.Now()); ok {
//	    mem.UpsertEntity(ctx, delta)
//	}
//
// Full pipeline (the entitystream binary):
//
//	# Run against local NATS with the JetStream KV backend
//	./bin/entitystream --config=config.json
//
//	# Validate a configuration without starting
//	./bin/entitystream --config=config.json --validate
//
// # Design Principles
//
// Determinism:
//   - Same event, same GUID, same entity
//   - First matching synthesis rule wins, in declaration order
//
// Fault containment:
//   - Malformed events are counted and dropped, never retried
//   - Unresolvable relationship endpoints skip the rule, not the event
//   - A bad rule reload keeps the last known good snapshot serving
//
// Testability:
//   - Explicit dependencies (no globals)
//   - Engines run against in-memory fakes
//   - Integration tests with testcontainers
package entitystream
