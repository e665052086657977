package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	platformstrings "verdict/pkg/platform/strings"
)

// Config captures everything the server needs from the environment so main
// stays lean. Defaults suit local development against fake upstreams.
type Config struct {
	Addr string

	PoliciesDir     string
	SubjectTypesDir string

	ResultsDBURL string
	WaiverDBURL  string
	BuildInfoURL string

	// Remote rule URL templates keyed by subject type; "*" is the fallback
	// entry applied to any remote-rule capable subject type without its own.
	RemoteRuleTemplates map[string][]string

	// Outcomes counted as passing / not yet decided. Deployments can redefine
	// outcome semantics without code changes.
	OutcomesPassed     []string
	OutcomesIncomplete []string

	RequestTimeout time.Duration
	RequestRetries int

	CacheTTL time.Duration
	Redis    RedisConfig

	Kafka KafkaConfig
}

// RedisConfig holds the optional cache backend settings. An empty URL means
// the in-memory cache is used instead.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig holds message bus settings for the decision-change pipeline.
// Empty Brokers disables both the publisher and the event worker.
type KafkaConfig struct {
	Brokers       []string
	DecisionTopic string
	ResultsTopic  string
	WaiversTopic  string
	ConsumerGroup string
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	return Config{
		Addr:                getenv("VERDICT_ADDR", ":8080"),
		PoliciesDir:         getenv("VERDICT_POLICIES_DIR", "/etc/verdict/policies"),
		SubjectTypesDir:     getenv("VERDICT_SUBJECT_TYPES_DIR", "/etc/verdict/subject_types"),
		ResultsDBURL:        getenv("VERDICT_RESULTSDB_URL", "http://localhost:5001/api/v2.0"),
		WaiverDBURL:         getenv("VERDICT_WAIVERDB_URL", "http://localhost:5004/api/v1.0"),
		BuildInfoURL:        getenv("VERDICT_BUILDINFO_URL", "http://localhost:5006"),
		RemoteRuleTemplates: parseTemplates(os.Getenv("VERDICT_REMOTE_RULE_TEMPLATES")),
		OutcomesPassed:      splitList(getenv("VERDICT_OUTCOMES_PASSED", "PASSED,INFO")),
		OutcomesIncomplete:  splitList(getenv("VERDICT_OUTCOMES_INCOMPLETE", "QUEUED,RUNNING")),
		RequestTimeout:      getduration("VERDICT_REQUEST_TIMEOUT", 15*time.Second),
		RequestRetries:      getint("VERDICT_REQUEST_RETRIES", 2),
		CacheTTL:            getduration("VERDICT_CACHE_TTL", 5*time.Minute),
		Redis: RedisConfig{
			URL:          os.Getenv("VERDICT_REDIS_URL"),
			PoolSize:     getint("VERDICT_REDIS_POOL_SIZE", 10),
			MinIdleConns: getint("VERDICT_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getduration("VERDICT_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getduration("VERDICT_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getduration("VERDICT_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:       splitList(os.Getenv("VERDICT_KAFKA_BROKERS")),
			DecisionTopic: getenv("VERDICT_KAFKA_DECISION_TOPIC", "verdict.decision.update"),
			ResultsTopic:  getenv("VERDICT_KAFKA_RESULTS_TOPIC", "resultsdb.result.new"),
			WaiversTopic:  getenv("VERDICT_KAFKA_WAIVERS_TOPIC", "waiverdb.waiver.new"),
			ConsumerGroup: getenv("VERDICT_KAFKA_CONSUMER_GROUP", "verdict"),
		},
	}
}

// parseTemplates accepts either a JSON object mapping subject type to a list
// of URL templates, or a plain template string applied to all subject types.
func parseTemplates(raw string) map[string][]string {
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(strings.TrimSpace(raw), "{") {
		templates := map[string][]string{}
		if err := json.Unmarshal([]byte(raw), &templates); err != nil {
			panic(fmt.Sprintf("invalid VERDICT_REMOTE_RULE_TEMPLATES: %v", err))
		}
		return templates
	}
	return map[string][]string{"*": {raw}}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return platformstrings.DedupeAndTrim(strings.Split(raw, ","))
}
