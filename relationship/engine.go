package relationship

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/entitystream/entity"
	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/metric"
	"github.com/c360/entitystream/telemetry"
)

// EntityLookup finds the single entity of a domain/type whose tags carry the
// given values. Implementations return ErrEntityNotFound when nothing
// matches and ErrAmbiguousLookup when more than one entity does.
type EntityLookup interface {
	Lookup(ctx context.Context, domain, entityType string, tags map[string]string) (*entity.Entity, error)
}

// RuleSource yields the relationship rules for an event's source schema
type RuleSource interface {
	RelationshipRules(eventType string) []*Rule
}

// Engine evaluates relationship rules against telemetry events and emits
// relationship deltas. Unlike synthesis, every matching rule fires: one event
// may describe several edges.
type Engine struct {
	rules   RuleSource
	store   EntityLookup
	logger  *slog.Logger
	limiter *rate.Limiter

	discovered *prometheus.CounterVec
	skipped    *prometheus.CounterVec
}

// Option configures an Engine
type Option func(*Engine)

// WithLookupLimit rate-limits store lookups so a burst of behavioral events
// cannot saturate the entity store.
func WithLookupLimit(perSecond float64, burst int) Option {
	return func(e *Engine) {
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMetrics registers discovery counters on the registry
func WithMetrics(registry *metric.Registry) Option {
	return func(e *Engine) {
		e.discovered = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relationship_discovered_total",
			Help: "Relationship deltas emitted, by relationship type",
		}, []string{"type"})
		e.skipped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relationship_skipped_total",
			Help: "Matched rules that produced no delta, by reason",
		}, []string{"reason"})
		_ = registry.RegisterCounterVec("relationship", "relationship_discovered_total", e.discovered)
		_ = registry.RegisterCounterVec("relationship", "relationship_skipped_total", e.skipped)
	}
}

// NewEngine creates a relationship engine. store may be nil when no rule uses
// the lookup strategy.
func NewEngine(rules RuleSource, store EntityLookup, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		rules:  rules,
		store:  store,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Discover evaluates every relationship rule matching the event and returns
// the deltas for those whose endpoints both resolved. Endpoints that cannot
// be resolved (missing attributes, no store match, ambiguous store match)
// skip their rule without failing the event; only store infrastructure
// errors are returned.
func (e *Engine) Discover(ctx context.Context, event telemetry.Event, observedAt time.Time) ([]entity.RelationshipDelta, error) {
	eventType := event.EventType()
	if eventType == "" {
		return nil, nil
	}

	var deltas []entity.RelationshipDelta
	for _, rule := range e.rules.RelationshipRules(eventType) {
		if !e.conditionsHold(rule, event) {
			continue
		}

		source, ok, err := e.resolveEndpoint(ctx, rule, &rule.Source, event)
		if err != nil {
			return deltas, err
		}
		if !ok {
			continue
		}

		target, ok, err := e.resolveEndpoint(ctx, rule, &rule.Target, event)
		if err != nil {
			return deltas, err
		}
		if !ok {
			continue
		}

		deltas = append(deltas, entity.RelationshipDelta{
			Type:       rule.Type,
			Source:     source,
			Target:     target,
			ObservedAt: observedAt,
			TTL:        rule.ttl(),
		})
		e.countDiscovered(rule.Type)
	}

	return deltas, nil
}

func (e *Engine) conditionsHold(rule *Rule, event telemetry.Event) bool {
	for i := range rule.Conditions {
		if !rule.Conditions[i].Holds(event) {
			return false
		}
	}
	return true
}

// resolveEndpoint returns the endpoint GUID, or ok=false when the rule should
// be skipped for this event. The error return is reserved for store failures.
func (e *Engine) resolveEndpoint(ctx context.Context, rule *Rule, ep *Endpoint, event telemetry.Event) (entity.GUID, bool, error) {
	switch ep.Strategy {
	case StrategyBuild:
		return e.buildGUID(rule, ep, event)
	case StrategyExtract:
		return e.extractGUID(rule, ep, event)
	case StrategyLookup:
		return e.lookupGUID(ctx, rule, ep, event)
	}
	// Unreachable after Validate; treat as a skip rather than a panic.
	e.countSkipped("unknown_strategy")
	return "", false, nil
}

func (e *Engine) buildGUID(rule *Rule, ep *Endpoint, event telemetry.Event) (entity.GUID, bool, error) {
	identifier, ok := ep.Identifier.Resolve(event)
	if !ok {
		e.countSkipped("unresolved_identifier")
		return "", false, nil
	}

	accountID, ok := event.Int(ep.accountAttribute())
	if !ok || accountID <= 0 {
		e.countSkipped("missing_account")
		return "", false, nil
	}

	guid, err := entity.EncodeGUID(accountID, ep.Domain, ep.Type, identifier)
	if err != nil {
		e.logger.Debug("endpoint guid encoding failed", "rule", rule.Name, "error", err)
		e.countSkipped("invalid_guid")
		return "", false, nil
	}
	return guid, true, nil
}

func (e *Engine) extractGUID(rule *Rule, ep *Endpoint, event telemetry.Event) (entity.GUID, bool, error) {
	raw, ok := event.String(ep.GUIDAttribute)
	if !ok {
		e.countSkipped("missing_guid_attribute")
		return "", false, nil
	}

	guid := entity.GUID(raw)
	if _, _, _, _, err := entity.DecodeGUID(guid); err != nil {
		e.logger.Debug("event carries malformed guid",
			"rule", rule.Name,
			"attribute", ep.GUIDAttribute)
		e.countSkipped("invalid_guid")
		return "", false, nil
	}
	return guid, true, nil
}

func (e *Engine) lookupGUID(ctx context.Context, rule *Rule, ep *Endpoint, event telemetry.Event) (entity.GUID, bool, error) {
	tags := make(map[string]string, len(ep.Match))
	for tag, attr := range ep.Match {
		value, ok := event.String(attr)
		if !ok {
			e.countSkipped("missing_match_attribute")
			return "", false, nil
		}
		tags[tag] = value
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", false, errors.WrapTransient(err, "RelationshipEngine", "lookupGUID", "rate limit wait interrupted")
		}
	}

	found, err := e.store.Lookup(ctx, ep.Domain, ep.Type, tags)
	switch {
	case err == nil:
		return found.GUID, true, nil
	case errors.Is(err, errors.ErrEntityNotFound):
		e.countSkipped("not_found")
		return "", false, nil
	case errors.Is(err, errors.ErrAmbiguousLookup):
		// Guessing an endpoint would wire an edge to the wrong entity, so an
		// ambiguous match always skips.
		e.logger.Warn("ambiguous entity lookup",
			"rule", rule.Name,
			"domain", ep.Domain,
			"type", ep.Type)
		e.countSkipped("ambiguous")
		return "", false, nil
	default:
		return "", false, errors.WrapTransient(err, "RelationshipEngine", "lookupGUID", "entity lookup failed")
	}
}

func (e *Engine) countDiscovered(relType entity.RelationshipType) {
	if e.discovered != nil {
		e.discovered.WithLabelValues(string(relType)).Inc()
	}
}

func (e *Engine) countSkipped(reason string) {
	if e.skipped != nil {
		e.skipped.WithLabelValues(reason).Inc()
	}
}
