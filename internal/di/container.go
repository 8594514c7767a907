package di

import (
	"context"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/adapters/httpapi"
	sandboxhttp "github.com/mikey/mailsentry/internal/adapters/sandbox"
	"github.com/mikey/mailsentry/internal/clicks"
	"github.com/mikey/mailsentry/internal/config"
	"github.com/mikey/mailsentry/internal/core"
	"github.com/mikey/mailsentry/internal/factory"
	"github.com/mikey/mailsentry/internal/incident"
	"github.com/mikey/mailsentry/internal/logging"
	"github.com/mikey/mailsentry/internal/ports"
	"github.com/mikey/mailsentry/internal/rewriter"
	"github.com/mikey/mailsentry/internal/sandbox"
)

// BuildContainer creates and configures a dependency injection container
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(config.New); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	// Register factories
	if err := container.Provide(factory.NewCacheFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewClassifierFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewStoreFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewEventsFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewAnalyzerFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewGatewayFactory); err != nil {
		return nil, err
	}

	// Register reputation cache
	if err := container.Provide(func(f *factory.CacheFactory) (core.ReputationCache, error) {
		return f.CreateReputationCache()
	}); err != nil {
		return nil, err
	}

	// Register ensemble classifiers
	if err := container.Provide(func(f *factory.ClassifierFactory) ([]core.Classifier, error) {
		return f.CreateClassifiers()
	}); err != nil {
		return nil, err
	}

	// Register verdict store
	if err := container.Provide(func(f *factory.StoreFactory) (core.VerdictStore, error) {
		return f.CreateVerdictStore()
	}); err != nil {
		return nil, err
	}

	// Register event publisher
	if err := container.Provide(func(f *factory.EventsFactory) (core.EventPublisher, error) {
		return f.CreateEventPublisher()
	}); err != nil {
		return nil, err
	}

	// Register analyzers and timeouts
	if err := container.Provide(func(f *factory.AnalyzerFactory, cache core.ReputationCache, classifiers []core.Classifier) ([]core.Analyzer, error) {
		return f.CreateAnalyzers(cache, classifiers)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.AnalyzerFactory) core.AnalyzerTimeouts {
		return f.CreateTimeouts()
	}); err != nil {
		return nil, err
	}

	// Register aggregator and policy engine
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) *core.Aggregator {
		return core.NewAggregator(cfg.GetFloat64("aggregator.fail_safe_score"), logger)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(core.NewPolicyEngine); err != nil {
		return nil, err
	}

	// Register link rewriter
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) (*rewriter.Rewriter, error) {
		handleTTL, err := cfg.GetDuration("rewriter.handle_ttl")
		if err != nil {
			return nil, err
		}
		return rewriter.NewRewriter(cfg.GetString("rewriter.base_url"), handleTTL, logger), nil
	}); err != nil {
		return nil, err
	}

	// Register incident correlator
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) (*incident.Correlator, error) {
		window, err := cfg.GetDuration("incident.window")
		if err != nil {
			return nil, err
		}
		return incident.NewCorrelator(window, core.Verdict(cfg.GetString("incident.min_verdict")), logger), nil
	}); err != nil {
		return nil, err
	}

	// Register sandbox backend
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) (core.SandboxBackend, error) {
		sc := cfg.GetSandbox()
		return sandboxhttp.NewHTTPBackend(sc.BackendURL, sc.APIKey, sc.RequestTimeout, logger), nil
	}); err != nil {
		return nil, err
	}

	// Register pipeline service
	if err := container.Provide(func(
		analyzers []core.Analyzer,
		aggregator *core.Aggregator,
		policy *core.PolicyEngine,
		store core.VerdictStore,
		events core.EventPublisher,
		rw *rewriter.Rewriter,
		correlator *incident.Correlator,
		timeouts core.AnalyzerTimeouts,
		logger *zap.Logger,
	) *core.PipelineService {
		return core.NewPipelineService(analyzers, aggregator, policy, store, events, rw, correlator, timeouts, logger)
	}); err != nil {
		return nil, err
	}

	// Register sandbox orchestrator. Terminal jobs feed back into the
	// pipeline as re-scoring events.
	if err := container.Provide(func(
		cfg *config.Config,
		backend core.SandboxBackend,
		pipeline *core.PipelineService,
		logger *zap.Logger,
	) *sandbox.Orchestrator {
		sc := cfg.GetSandbox()

		var orch *sandbox.Orchestrator
		notify := func(ctx context.Context, messageID, jobID, target string, res *core.AnalyzerResult) {
			if job, ok := orch.Job(jobID); ok {
				httpapi.RecordSandboxJob(string(job.State()))
			}
			if messageID == "" {
				return
			}
			if _, err := pipeline.RescoreFromSandbox(ctx, messageID, jobID, target, res); err != nil {
				logger.Error("Failed to fold sandbox result into verdict",
					zap.String("message_id", messageID),
					zap.String("job_id", jobID),
					zap.Error(err))
			}
		}

		orch = sandbox.NewOrchestrator(backend, sc.PollInterval, sc.Deadline, sc.MaxRetries, sc.BackoffBase, notify, logger)
		return orch
	}); err != nil {
		return nil, err
	}

	// Register click-time service
	if err := container.Provide(func(
		cfg *config.Config,
		rw *rewriter.Rewriter,
		orch *sandbox.Orchestrator,
		logger *zap.Logger,
	) (*clicks.Service, error) {
		freshWindow, err := cfg.GetDuration("clicks.freshness_window")
		if err != nil {
			return nil, err
		}
		uiBudget, err := cfg.GetDuration("clicks.ui_budget")
		if err != nil {
			return nil, err
		}
		return clicks.NewService(rw, orch, freshWindow, uiBudget, cfg.GetFloat64("clicks.block_score"), logger), nil
	}); err != nil {
		return nil, err
	}

	// Register HTTP server
	if err := container.Provide(func(
		cfg *config.Config,
		pipeline *core.PipelineService,
		clickService *clicks.Service,
		orch *sandbox.Orchestrator,
		correlator *incident.Correlator,
		logger *zap.Logger,
	) *httpapi.Server {
		return httpapi.NewServer(cfg.GetString("http.listen_address"), pipeline, clickService, orch, correlator, logger)
	}); err != nil {
		return nil, err
	}

	// Register SMTP gateway
	if err := container.Provide(func(f *factory.GatewayFactory, pipeline *core.PipelineService) (ports.MessageGateway, error) {
		return f.CreateGateway(pipeline)
	}); err != nil {
		return nil, err
	}

	return container, nil
}
