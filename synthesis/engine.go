package synthesis

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/entitystream/entity"
	"github.com/c360/entitystream/metric"
	"github.com/c360/entitystream/telemetry"
)

// RuleSource yields the synthesis rules for an event's source schema, in
// priority order. Implementations must return a consistent snapshot per call.
type RuleSource interface {
	SynthesisRules(eventType string) []*Rule
}

// Engine matches telemetry events against synthesis rules and emits entity
// deltas. It is stateless and safe for concurrent use; applying deltas is the
// store's job.
type Engine struct {
	rules  RuleSource
	logger *slog.Logger

	matched   prometheus.Counter
	unmatched prometheus.Counter
}

// NewEngine creates a synthesis engine. registry may be nil in tests.
func NewEngine(rules RuleSource, logger *slog.Logger, registry *metric.Registry) *Engine {
	e := &Engine{
		rules:  rules,
		logger: logger,
	}

	if registry != nil {
		e.matched = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synthesis_matched_total",
			Help: "Events that matched a synthesis rule",
		})
		e.unmatched = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synthesis_unmatched_total",
			Help: "Events with no matching synthesis rule or unresolvable identifier",
		})
		_ = registry.RegisterCounter("synthesis", "synthesis_matched_total", e.matched)
		_ = registry.RegisterCounter("synthesis", "synthesis_unmatched_total", e.unmatched)
	}

	return e
}

// Synthesize matches the event against the rule set for its source schema and
// returns the resulting entity delta. The second return value is false when
// no rule matched or the identifier did not resolve; that is the expected
// path for most telemetry and never an error.
func (e *Engine) Synthesize(event telemetry.Event, observedAt time.Time) (entity.Delta, bool) {
	eventType := event.EventType()
	if eventType == "" {
		e.countUnmatched()
		return entity.Delta{}, false
	}

	rule := e.selectRule(eventType, event)
	if rule == nil {
		e.countUnmatched()
		return entity.Delta{}, false
	}

	delta, ok := e.apply(rule, event, observedAt)
	if !ok {
		e.countUnmatched()
		return entity.Delta{}, false
	}

	e.countMatched()
	return delta, true
}

// selectRule returns the first rule in declaration order whose every
// condition holds, or nil.
func (e *Engine) selectRule(eventType string, event telemetry.Event) *Rule {
	for _, rule := range e.rules.SynthesisRules(eventType) {
		if e.conditionsHold(rule, event) {
			return rule
		}
	}
	return nil
}

func (e *Engine) conditionsHold(rule *Rule, event telemetry.Event) bool {
	for i := range rule.Conditions {
		if !rule.Conditions[i].Holds(event) {
			return false
		}
	}
	return true
}

// apply resolves identity, name, and tags for a matched rule
func (e *Engine) apply(rule *Rule, event telemetry.Event, observedAt time.Time) (entity.Delta, bool) {
	identifier, ok := rule.Identifier.Resolve(event)
	if !ok {
		e.logger.Debug("identifier did not resolve",
			"rule", rule.Name,
			"event_type", rule.EventType)
		return entity.Delta{}, false
	}

	accountID, ok := event.Int(rule.accountAttribute())
	if !ok || accountID <= 0 {
		e.logger.Debug("account attribute missing or invalid",
			"rule", rule.Name,
			"attribute", rule.accountAttribute())
		return entity.Delta{}, false
	}

	guid, err := entity.EncodeGUID(accountID, rule.Domain, rule.Type, identifier)
	if err != nil {
		// Domain/type were validated at rule load, so this only fires on an
		// identifier the codec rejects.
		e.logger.Debug("guid encoding failed", "rule", rule.Name, "error", err)
		return entity.Delta{}, false
	}

	name := identifier
	if !rule.NameExpr.IsZero() {
		if resolved, ok := rule.NameExpr.Resolve(event); ok {
			name = resolved
		}
	}

	delta := entity.Delta{
		GUID:       guid,
		AccountID:  accountID,
		Domain:     rule.Domain,
		Type:       rule.Type,
		Name:       name,
		ObservedAt: observedAt,
		TTL:        rule.entityTTL(),
	}

	if len(rule.Tags) > 0 {
		delta.Tags = make(map[string]entity.TagValue, len(rule.Tags))
		for _, mapping := range rule.Tags {
			chain := append([]string{mapping.Source}, mapping.Fallbacks...)
			value, ok := ResolveFallback(event, chain)
			if !ok {
				continue // tag omitted, not an error
			}
			delta.Tags[mapping.TagName()] = entity.TagValue{Value: value, TTL: mapping.TTL}
		}
	}

	return delta, true
}

func (e *Engine) countMatched() {
	if e.matched != nil {
		e.matched.Inc()
	}
}

func (e *Engine) countUnmatched() {
	if e.unmatched != nil {
		e.unmatched.Inc()
	}
}
