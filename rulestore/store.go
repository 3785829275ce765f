package rulestore

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/metric"
	"github.com/c360/entitystream/natsclient"
	"github.com/c360/entitystream/relationship"
	"github.com/c360/entitystream/synthesis"
)

// Store holds the active rule-set snapshot and swaps it atomically on reload.
// It implements both engines' RuleSource interfaces, so the engines always
// see a consistent snapshot without locking.
type Store struct {
	current atomic.Pointer[RuleSet]
	logger  *slog.Logger

	reloads   *prometheus.CounterVec
	ruleCount *prometheus.GaugeVec
}

// NewStore creates a store serving the empty rule set. registry may be nil in
// tests.
func NewStore(logger *slog.Logger, registry *metric.Registry) *Store {
	s := &Store{logger: logger}
	s.current.Store(EmptyRuleSet())

	if registry != nil {
		s.reloads = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rulestore_reloads_total",
			Help: "Rule-set reload attempts, by result",
		}, []string{"result"})
		s.ruleCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rulestore_rules",
			Help: "Rules in the active snapshot, by kind",
		}, []string{"kind"})
		_ = registry.RegisterCounterVec("rulestore", "rulestore_reloads_total", s.reloads)
		_ = registry.RegisterGaugeVec("rulestore", "rulestore_rules", s.ruleCount)
	}

	return s
}

// Current returns the active snapshot, never nil
func (s *Store) Current() *RuleSet {
	return s.current.Load()
}

// Swap installs a new snapshot
func (s *Store) Swap(rs *RuleSet) {
	s.current.Store(rs)
	synCount, relCount := rs.Counts()
	if s.ruleCount != nil {
		s.ruleCount.WithLabelValues("synthesis").Set(float64(synCount))
		s.ruleCount.WithLabelValues("relationship").Set(float64(relCount))
	}
	s.logger.Info("rule set installed",
		"version", rs.Version,
		"synthesis_rules", synCount,
		"relationship_rules", relCount)
}

// SynthesisRules implements synthesis.RuleSource against the active snapshot
func (s *Store) SynthesisRules(eventType string) []*synthesis.Rule {
	return s.Current().SynthesisRules(eventType)
}

// RelationshipRules implements relationship.RuleSource against the active
// snapshot.
func (s *Store) RelationshipRules(eventType string) []*relationship.Rule {
	return s.Current().RelationshipRules(eventType)
}

// LoadFile parses a rule file and installs it. On failure the previous
// snapshot keeps serving.
func (s *Store) LoadFile(path string) error {
	rs, err := LoadFile(path)
	if err != nil {
		s.countReload("failed")
		return err
	}
	s.Swap(rs)
	s.countReload("ok")
	return nil
}

// Apply parses raw rule bytes and installs them, keeping the previous
// snapshot on failure.
func (s *Store) Apply(data []byte, format Format) error {
	rs, err := Parse(data, format)
	if err != nil {
		s.countReload("failed")
		return err
	}
	s.Swap(rs)
	s.countReload("ok")
	return nil
}

// Watch follows a KV key holding the rule document and hot-reloads on every
// update. Invalid updates are logged and dropped; the last known good
// snapshot keeps serving. Watch blocks until the context is cancelled.
func (s *Store) Watch(ctx context.Context, kv *natsclient.KVStore, key string) error {
	watcher, err := kv.Watch(ctx, key)
	if err != nil {
		return errors.WrapTransient(err, "rulestore", "Watch", "create watcher")
	}
	defer func() {
		_ = watcher.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-watcher.Updates():
			if !ok {
				return errors.WrapTransient(errors.ErrNoConnection, "rulestore", "Watch", "watcher closed")
			}
			// nil marks the end of initial replay.
			if update == nil {
				continue
			}
			if update.Operation() == jetstream.KeyValueDelete || update.Operation() == jetstream.KeyValuePurge {
				s.logger.Warn("rule document deleted, keeping active snapshot", "key", key)
				continue
			}
			if err := s.Apply(update.Value(), FormatYAML); err != nil {
				s.logger.Error("rule reload rejected, keeping active snapshot",
					"key", key,
					"revision", update.Revision(),
					"error", err)
				continue
			}
			s.logger.Info("rules reloaded from kv", "key", key, "revision", update.Revision())
		}
	}
}

func (s *Store) countReload(result string) {
	if s.reloads != nil {
		s.reloads.WithLabelValues(result).Inc()
	}
}
