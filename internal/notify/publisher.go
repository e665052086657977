// Package notify implements the decision-change pipeline: a worker consuming
// result and waiver events, recomputing the affected decisions, and a
// publisher emitting a message for every decision that actually changed.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"verdict/internal/decision"
	"verdict/internal/platform/config"
	"verdict/internal/policy"
)

// Message is the decision-change event body. Previous carries the decision
// as it stood before the triggering event so consumers can render a diff.
type Message struct {
	SubjectType       string `json:"subject_type"`
	SubjectIdentifier string `json:"subject_identifier"`
	ProductVersion    string `json:"product_version"`
	DecisionContext   string `json:"decision_context"`

	PoliciesSatisfied  bool     `json:"policies_satisfied"`
	Summary            string   `json:"summary"`
	ApplicablePolicies []string `json:"applicable_policies"`

	SatisfiedRequirements   []policy.Requirement `json:"satisfied_requirements"`
	UnsatisfiedRequirements []policy.Requirement `json:"unsatisfied_requirements"`

	Previous *decision.Decision `json:"previous"`
}

// FromDecision builds the message body for a rendered decision.
func FromDecision(d *decision.Decision, previous *decision.Decision, subjectType, subjectIdentifier, productVersion, decisionContext string) Message {
	return Message{
		SubjectType:             subjectType,
		SubjectIdentifier:       subjectIdentifier,
		ProductVersion:          productVersion,
		DecisionContext:         decisionContext,
		PoliciesSatisfied:       d.PoliciesSatisfied,
		Summary:                 d.Summary,
		ApplicablePolicies:      d.ApplicablePolicies,
		SatisfiedRequirements:   d.SatisfiedRequirements,
		UnsatisfiedRequirements: d.UnsatisfiedRequirements,
		Previous:                previous,
	}
}

// Publisher emits decision-change messages, keyed by subject identifier so
// changes for one artifact stay ordered.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewPublisher connects a producer to the configured brokers. Returns nil if
// no brokers are configured.
func NewPublisher(cfg config.KafkaConfig, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Publisher{client: client, topic: cfg.DecisionTopic, logger: logger}, nil
}

// Publish emits one decision-change message and waits for the broker ack.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode decision-change message: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(msg.SubjectIdentifier),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish decision change: %w", err)
	}
	p.logger.DebugContext(ctx, "decision change published",
		"subject_identifier", msg.SubjectIdentifier,
		"decision_context", msg.DecisionContext,
		"policies_satisfied", msg.PoliciesSatisfied,
	)
	return nil
}

// Close flushes and shuts down the producer.
func (p *Publisher) Close() {
	if p != nil && p.client != nil {
		p.client.Close()
	}
}
