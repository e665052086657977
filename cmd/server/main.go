package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"verdict/internal/buildinfo"
	"verdict/internal/decision"
	decisionhandler "verdict/internal/decision/handler"
	decisionmetrics "verdict/internal/decision/metrics"
	"verdict/internal/gateway"
	"verdict/internal/httpapi"
	"verdict/internal/notify"
	"verdict/internal/platform/config"
	"verdict/internal/platform/httpserver"
	"verdict/internal/platform/logger"
	platformredis "verdict/internal/platform/redis"
	"verdict/internal/policy"
	"verdict/internal/remoterule"
	"verdict/internal/subject"
)

// main wires the dependency graph and keeps the server lifecycle small.
// Policy or subject-type configuration errors are fatal: the process must
// not serve decisions from a policy set it could not fully load.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	registry, err := subject.LoadRegistry(cfg.SubjectTypesDir)
	if err != nil {
		log.Error("loading subject types failed", "dir", cfg.SubjectTypesDir, "error", err)
		os.Exit(1)
	}
	policies, err := policy.Load(cfg.PoliciesDir, registry)
	if err != nil {
		log.Error("loading policies failed", "dir", cfg.PoliciesDir, "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded",
		"policies", len(policies.All()), "subject_types", len(registry.Types()))

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	var cache gateway.Cache
	if redisClient != nil {
		cache = gateway.NewRedisCache(redisClient)
		defer redisClient.Close()
	} else {
		cache = gateway.NewMemoryCache()
	}

	outcomes := gateway.Outcomes{Passed: cfg.OutcomesPassed, Incomplete: cfg.OutcomesIncomplete}
	results := gateway.NewResultsClient(cfg.ResultsDBURL, cfg.RequestTimeout,
		cfg.RequestRetries, cache, cfg.CacheTTL, outcomes)
	waivers := gateway.NewWaiversClient(cfg.WaiverDBURL, cfg.RequestTimeout, cfg.RequestRetries)
	builds := buildinfo.NewClient(cfg.BuildInfoURL, cfg.RequestTimeout,
		cfg.RequestRetries, cache, cfg.CacheTTL)
	resolver := remoterule.NewResolver(cfg.RemoteRuleTemplates, builds,
		cfg.RequestTimeout, cfg.RequestRetries, cache, cfg.CacheTTL, log)

	engine := decision.NewEngine(policies, registry, results, waivers, builds,
		resolver, log, decisionmetrics.New())

	router := httpapi.New(httpapi.Deps{
		Decisions: decisionhandler.New(engine, log),
		Policies:  policies,
		Registry:  registry,
		Outcomes:  outcomes,
		Health:    healthChecker(redisClient),
		Logger:    log,
	})

	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher, err := notify.NewPublisher(cfg.Kafka, log)
	if err != nil {
		log.Error("kafka producer setup failed", "error", err)
		os.Exit(1)
	}
	if publisher != nil {
		defer publisher.Close()
		worker, err := notify.NewWorker(cfg.Kafka, engine, policies, registry,
			publisher, log, notify.NewMetrics())
		if err != nil {
			log.Error("kafka consumer setup failed", "error", err)
			os.Exit(1)
		}
		defer worker.Close()
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("event worker stopped", "error", err)
			}
		}()
		log.Info("decision-change worker started", "brokers", cfg.Kafka.Brokers)
	}

	go func() {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

// healthChecker adapts the optional redis client; a nil client means the
// health endpoint only reports liveness.
func healthChecker(client *platformredis.Client) httpapi.HealthChecker {
	if client == nil {
		return nil
	}
	return client
}
