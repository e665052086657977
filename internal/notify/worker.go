package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"verdict/internal/decision"
	"verdict/internal/gateway"
	"verdict/internal/platform/config"
	"verdict/internal/policy"
	"verdict/internal/subject"
)

// DecisionPublisher emits decision-change messages.
type DecisionPublisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Evaluator renders decisions; satisfied by *decision.Engine.
type Evaluator interface {
	Evaluate(ctx context.Context, req decision.Request) (*decision.Decision, error)
}

// Worker consumes result and waiver events, recomputes every decision the
// event can affect, and publishes those that changed.
type Worker struct {
	client    *kgo.Client
	engine    Evaluator
	policies  *policy.Store
	registry  *subject.Registry
	publisher DecisionPublisher

	resultsTopic string
	waiversTopic string

	logger  *slog.Logger
	metrics *Metrics
}

// NewWorker connects a consumer to the configured brokers. Returns nil if no
// brokers are configured.
func NewWorker(
	cfg config.KafkaConfig,
	engine Evaluator,
	policies *policy.Store,
	registry *subject.Registry,
	publisher DecisionPublisher,
	logger *slog.Logger,
	metrics *Metrics,
) (*Worker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.ResultsTopic, cfg.WaiversTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &Worker{
		client:       client,
		engine:       engine,
		policies:     policies,
		registry:     registry,
		publisher:    publisher,
		resultsTopic: cfg.ResultsTopic,
		waiversTopic: cfg.WaiversTopic,
		logger:       logger,
		metrics:      metrics,
	}, nil
}

// Run consumes events until the context is cancelled. Individual event
// failures are counted and logged, never fatal.
func (w *Worker) Run(ctx context.Context) error {
	for {
		fetches := w.client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			w.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(record *kgo.Record) {
			w.metrics.IncrementConsumed(record.Topic)
			if err := w.handle(ctx, record); err != nil {
				w.metrics.IncrementFailed()
				w.logger.Error("event handling failed",
					"topic", record.Topic, "error", err)
			}
		})
	}
}

// Close shuts down the consumer.
func (w *Worker) Close() {
	if w != nil && w.client != nil {
		w.client.Close()
	}
}

func (w *Worker) handle(ctx context.Context, record *kgo.Record) error {
	switch record.Topic {
	case w.resultsTopic:
		return w.handleResult(ctx, record.Value)
	case w.waiversTopic:
		return w.handleWaiver(ctx, record.Value)
	}
	return nil
}

func (w *Worker) handleResult(ctx context.Context, raw []byte) error {
	var result gateway.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode result event: %w", err)
	}

	typeID := ""
	if v := result.DataValue("type"); v != nil {
		typeID = *v
	}
	if typeID == "" {
		return nil
	}
	t, err := w.registry.Get(typeID)
	if err != nil {
		w.logger.Debug("result event for unconfigured subject type", "type", typeID)
		return nil
	}
	itemKey := t.ItemKey
	if itemKey == "" {
		itemKey = "item"
	}
	identifier := ""
	if v := result.DataValue(itemKey); v != nil {
		identifier = *v
	}
	if identifier == "" {
		return nil
	}

	sub := subject.New(t, identifier)
	pairs := w.contextProductVersions(sub, result.TestCase, nil)
	return w.recompute(ctx, sub, pairs, result.SubmitTime)
}

func (w *Worker) handleWaiver(ctx context.Context, raw []byte) error {
	var waiver gateway.Waiver
	if err := json.Unmarshal(raw, &waiver); err != nil {
		return fmt.Errorf("decode waiver event: %w", err)
	}

	t, err := w.registry.Get(waiver.SubjectType)
	if err != nil {
		w.logger.Debug("waiver event for unconfigured subject type", "type", waiver.SubjectType)
		return nil
	}

	sub := subject.New(t, waiver.SubjectIdentifier)
	productVersion := waiver.ProductVersion
	pairs := w.contextProductVersions(sub, waiver.TestCase, &productVersion)
	return w.recompute(ctx, sub, pairs, waiver.Timestamp.Time)
}

type contextPV struct {
	decisionContext string
	productVersion  string
}

// contextProductVersions collects the (decision_context, product_version)
// pairs whose decisions the event can affect. Literal product-version
// patterns contribute directly. Wildcard patterns are matched against the
// event's own product version when it carries one, and otherwise against the
// versions guessed from the subject. A fixed version restricts the set to
// itself.
func (w *Worker) contextProductVersions(sub subject.Subject, testCase string, fixed *string) []contextPV {
	subjectPVs := sub.ProductVersions()

	var pairs []contextPV
	seen := map[contextPV]struct{}{}
	add := func(decisionContext, productVersion string) {
		if fixed != nil && *fixed != "" && productVersion != *fixed {
			return
		}
		pair := contextPV{decisionContext, productVersion}
		if _, dup := seen[pair]; dup {
			return
		}
		seen[pair] = struct{}{}
		pairs = append(pairs, pair)
	}

	for _, p := range w.policies.All() {
		if !p.Matches(policy.Query{SubjectType: sub.Type, TestCase: testCase}) {
			continue
		}
		for _, decisionContext := range p.AllDecisionContexts() {
			for _, pattern := range p.ProductVersions {
				if !isPattern(pattern) {
					add(decisionContext, pattern)
					continue
				}
				if fixed != nil && *fixed != "" {
					if ok, err := path.Match(pattern, *fixed); err == nil && ok {
						add(decisionContext, *fixed)
					}
					continue
				}
				for _, pv := range subjectPVs {
					if ok, err := path.Match(pattern, pv); err == nil && ok {
						add(decisionContext, pv)
					}
				}
			}
		}
	}
	return pairs
}

func isPattern(s string) bool {
	for _, c := range s {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// recompute renders the decision for each affected pair as of right before
// and after the event, publishing only real changes.
func (w *Worker) recompute(ctx context.Context, sub subject.Subject, pairs []contextPV, eventTime time.Time) error {
	rightBefore := eventTime.Add(-time.Microsecond).UTC().Format("2006-01-02T15:04:05.000000")

	for _, pair := range pairs {
		base := decision.Request{
			DecisionContext:   pair.decisionContext,
			ProductVersion:    pair.productVersion,
			SubjectType:       sub.TypeID(),
			SubjectIdentifier: sub.Identifier,
		}

		previousReq := base
		previousReq.When = rightBefore
		previous, err := w.engine.Evaluate(ctx, previousReq)
		if err != nil {
			return fmt.Errorf("previous decision for %s: %w", sub, err)
		}
		current, err := w.engine.Evaluate(ctx, base)
		if err != nil {
			return fmt.Errorf("current decision for %s: %w", sub, err)
		}

		if !decision.Changed(previous, current) {
			w.metrics.IncrementUnchanged()
			continue
		}
		msg := FromDecision(current, previous, sub.TypeID(), sub.Identifier,
			pair.productVersion, pair.decisionContext)
		if err := w.publisher.Publish(ctx, msg); err != nil {
			return err
		}
		w.metrics.IncrementChanged()
	}
	return nil
}
