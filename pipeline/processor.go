// Package pipeline wires telemetry ingest to the synthesis and relationship
// engines and the entity store: NATS subscription in, entity and relationship
// deltas out.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/entitystream/entity"
	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/metric"
	"github.com/c360/entitystream/pkg/worker"
	"github.com/c360/entitystream/relationship"
	"github.com/c360/entitystream/store"
	"github.com/c360/entitystream/synthesis"
	"github.com/c360/entitystream/telemetry"
)

// timestampAttribute carries the event's own observation time in epoch
// milliseconds. Events without it are stamped at receipt.
const timestampAttribute = "timestamp"

// storeWriteTimeout bounds the store writes for one event once processing has
// begun. Writes are detached from the subscription context so that shutdown
// never strands an event between its entity and relationship upserts.
const storeWriteTimeout = 30 * time.Second

// Publisher sends processed deltas downstream. *natsclient.Client satisfies
// it; tests substitute a capture.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber registers the telemetry intake handler. *natsclient.Client
// satisfies it.
type Subscriber interface {
	Subscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Config tunes the processor
type Config struct {
	TelemetrySubject    string
	QueueGroup          string
	EntitySubject       string
	RelationshipSubject string
	Workers             int
	QueueSize           int
}

// EntityEnvelope is the wire format for published entity updates
type EntityEnvelope struct {
	ID        string         `json:"id"`
	EmittedAt time.Time      `json:"emitted_at"`
	Entity    *entity.Entity `json:"entity"`
}

// RelationshipEnvelope is the wire format for published relationship updates
type RelationshipEnvelope struct {
	ID           string               `json:"id"`
	EmittedAt    time.Time            `json:"emitted_at"`
	Relationship *entity.Relationship `json:"relationship"`
}

// Processor consumes telemetry events and drives the engines and the store
type Processor struct {
	cfg       Config
	synth     *synthesis.Engine
	relations *relationship.Engine
	store     store.Store
	publisher Publisher
	logger    *slog.Logger

	pool *worker.Pool[job]
	sub  *nats.Subscription

	received      prometheus.Counter
	parseFailures prometheus.Counter

	mu      sync.Mutex
	started bool
}

type job struct {
	data       []byte
	receivedAt time.Time
}

// NewProcessor assembles the pipeline. publisher may be nil to disable
// downstream publishing; registry may be nil in tests.
func NewProcessor(
	cfg Config,
	synth *synthesis.Engine,
	relations *relationship.Engine,
	s store.Store,
	publisher Publisher,
	logger *slog.Logger,
	registry *metric.Registry,
) *Processor {
	p := &Processor{
		cfg:       cfg,
		synth:     synth,
		relations: relations,
		store:     s,
		publisher: publisher,
		logger:    logger,
	}

	var poolOpts []worker.Option[job]
	if registry != nil {
		p.received = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_events_received_total",
			Help: "Telemetry events received from the intake subject",
		})
		p.parseFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_parse_failures_total",
			Help: "Telemetry payloads that failed to parse",
		})
		_ = registry.RegisterCounter("pipeline", "pipeline_events_received_total", p.received)
		_ = registry.RegisterCounter("pipeline", "pipeline_parse_failures_total", p.parseFailures)
		poolOpts = append(poolOpts, worker.WithMetrics[job](registry, "pipeline"))
	}

	p.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, p.process, poolOpts...)
	return p
}

// Start launches the worker pool and subscribes to the telemetry subject.
// subscriber may be nil when events are fed through HandleMessage directly.
func (p *Processor) Start(ctx context.Context, subscriber Subscriber) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.ErrAlreadyStarted
	}

	if err := p.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Processor", "Start", "start worker pool")
	}

	if subscriber != nil {
		sub, err := subscriber.Subscribe(p.cfg.TelemetrySubject, p.cfg.QueueGroup, p.handleMsg)
		if err != nil {
			return errors.Wrap(err, "Processor", "Start", "subscribe "+p.cfg.TelemetrySubject)
		}
		p.sub = sub
	}

	p.started = true
	p.logger.Info("pipeline started",
		"subject", p.cfg.TelemetrySubject,
		"queue_group", p.cfg.QueueGroup,
		"workers", p.cfg.Workers)
	return nil
}

// Stop unsubscribes and drains in-flight work
func (p *Processor) Stop(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return errors.ErrNotStarted
	}
	p.started = false

	if p.sub != nil {
		if err := p.sub.Unsubscribe(); err != nil {
			p.logger.Warn("unsubscribe failed", "error", err)
		}
		p.sub = nil
	}

	if err := p.pool.Stop(timeout); err != nil {
		return errors.Wrap(err, "Processor", "Stop", "drain worker pool")
	}

	stats := p.pool.Stats()
	p.logger.Info("pipeline stopped",
		"processed", stats.Processed,
		"failed", stats.Failed,
		"dropped", stats.Dropped)
	return nil
}

// Stats exposes worker pool counters
func (p *Processor) Stats() worker.Stats {
	return p.pool.Stats()
}

func (p *Processor) handleMsg(msg *nats.Msg) {
	if p.received != nil {
		p.received.Inc()
	}
	if err := p.pool.Submit(job{data: msg.Data, receivedAt: time.Now()}); err != nil {
		// Telemetry is lossy by nature; drop rather than block the intake.
		p.logger.Warn("event dropped", "error", err)
	}
}

// HandleMessage feeds one raw payload through the pipeline synchronously,
// bypassing the queue. Used by tests and replay tooling.
func (p *Processor) HandleMessage(ctx context.Context, data []byte, receivedAt time.Time) error {
	return p.process(ctx, job{data: data, receivedAt: receivedAt})
}

func (p *Processor) process(ctx context.Context, j job) error {
	// An event that started processing finishes its writes even when the
	// subscription context is cancelled; Stop's drain window governs shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	event, err := telemetry.ParseEvent(j.data)
	if err != nil {
		if p.parseFailures != nil {
			p.parseFailures.Inc()
		}
		p.logger.Debug("unparseable telemetry payload", "error", err)
		// Malformed input is not retryable; count it and move on.
		return nil
	}

	observedAt := j.receivedAt
	if millis, ok := event.Int(timestampAttribute); ok && millis > 0 {
		observedAt = time.UnixMilli(millis).UTC()
	}

	if delta, ok := p.synth.Synthesize(event, observedAt); ok {
		record, err := p.store.UpsertEntity(ctx, delta)
		if err != nil {
			return errors.Wrap(err, "Processor", "process", "upsert entity")
		}
		if err := p.publishEntity(record); err != nil {
			p.logger.Warn("entity publish failed", "guid", record.GUID, "error", err)
		}
	}

	deltas, err := p.relations.Discover(ctx, event, observedAt)
	if err != nil {
		return errors.Wrap(err, "Processor", "process", "discover relationships")
	}
	for _, delta := range deltas {
		record, err := p.store.UpsertRelationship(ctx, delta)
		if err != nil {
			return errors.Wrap(err, "Processor", "process", "upsert relationship")
		}
		if err := p.publishRelationship(record); err != nil {
			p.logger.Warn("relationship publish failed", "key", record.Key(), "error", err)
		}
	}

	return nil
}

func (p *Processor) publishEntity(record *entity.Entity) error {
	if p.publisher == nil || p.cfg.EntitySubject == "" {
		return nil
	}
	data, err := json.Marshal(EntityEnvelope{
		ID:        uuid.NewString(),
		EmittedAt: time.Now().UTC(),
		Entity:    record,
	})
	if err != nil {
		return errors.WrapFatal(err, "Processor", "publishEntity", "marshal envelope")
	}
	return p.publisher.Publish(p.cfg.EntitySubject, data)
}

func (p *Processor) publishRelationship(record *entity.Relationship) error {
	if p.publisher == nil || p.cfg.RelationshipSubject == "" {
		return nil
	}
	data, err := json.Marshal(RelationshipEnvelope{
		ID:           uuid.NewString(),
		EmittedAt:    time.Now().UTC(),
		Relationship: record,
	})
	if err != nil {
		return errors.WrapFatal(err, "Processor", "publishRelationship", "marshal envelope")
	}
	return p.publisher.Publish(p.cfg.RelationshipSubject, data)
}
