package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/mail"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/adapters/cache"
	"github.com/mikey/mailsentry/internal/adapters/events"
	"github.com/mikey/mailsentry/internal/adapters/smtpgw"
	"github.com/mikey/mailsentry/internal/adapters/store"
	"github.com/mikey/mailsentry/internal/config"
	"github.com/mikey/mailsentry/internal/core"
	"github.com/mikey/mailsentry/internal/factory"
	"github.com/mikey/mailsentry/internal/logging"
)

var (
	inputFile      = flag.String("file", "", "Input email file (use stdin if not specified)")
	providers      = flag.String("providers", "", "Comma-separated ensemble providers (bedrock, gemini, openai)")
	trustedDomains = flag.String("trusted", "", "Comma-separated trusted sender domains")
	failSafeScore  = flag.Float64("fail-safe-score", 0.6, "Score assigned when every analyzer fails")
	verbose        = flag.Bool("verbose", false, "Enable verbose logging")
	jsonLog        = flag.Bool("json-log", false, "Output logs in JSON format")
	configFile     = flag.String("config", "", "Path to config file (overrides command line flags)")
)

func main() {
	flag.Parse()

	logger, err := logging.InitConsoleLogger(*verbose, *jsonLog)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var cfg *config.Config
	if *configFile != "" {
		cfg, err = config.New()
		if err != nil {
			logger.Fatal("Failed to load configuration", zap.Error(err))
		}
		logger.Info("Loaded configuration from file", zap.String("file", cfg.GetViper().ConfigFileUsed()))
	} else {
		cfg = createConfigFromFlags()
	}

	// Assemble a one-shot pipeline: in-memory cache and store, no event
	// consumers, no link rewriting.
	repCache := cache.NewMemoryCache(logger, time.Hour)
	defer repCache.Stop()

	classifiers, err := factory.NewClassifierFactory(cfg, logger).CreateClassifiers()
	if err != nil {
		logger.Fatal("Failed to create classifiers", zap.Error(err))
	}

	analyzerFactory := factory.NewAnalyzerFactory(cfg, logger)
	analyzers, err := analyzerFactory.CreateAnalyzers(repCache, classifiers)
	if err != nil {
		logger.Fatal("Failed to create analyzers", zap.Error(err))
	}

	pipeline := core.NewPipelineService(
		analyzers,
		core.NewAggregator(cfg.GetFloat64("aggregator.fail_safe_score"), logger),
		core.NewPolicyEngine(logger),
		store.NewMemoryStore(),
		events.NewNoopPublisher(),
		nil,
		nil,
		analyzerFactory.CreateTimeouts(),
		logger,
	)

	var emailReader io.Reader
	if *inputFile != "" {
		file, err := os.Open(*inputFile)
		if err != nil {
			logger.Fatal("Failed to open input file", zap.Error(err), zap.String("file", *inputFile))
		}
		defer file.Close()
		emailReader = file
	} else {
		emailReader = os.Stdin
	}

	parsed, err := mail.ReadMessage(bufio.NewReader(emailReader))
	if err != nil {
		logger.Fatal("Failed to parse email", zap.Error(err))
	}

	sender := parsed.Header.Get("From")
	recipients := strings.Split(parsed.Header.Get("To"), ",")
	for i := range recipients {
		recipients[i] = strings.TrimSpace(recipients[i])
	}

	msg, err := smtpgw.ParseMessage(parsed, sender, recipients)
	if err != nil {
		logger.Fatal("Failed to decompose email", zap.Error(err))
	}
	msg.ReceivedAt = time.Now()

	fmt.Printf("\n=== Message Summary ===\n")
	fmt.Printf("From: %s\n", sender)
	fmt.Printf("Subject: %s\n", msg.Subject)
	fmt.Printf("Links: %d\n", len(msg.Links))
	fmt.Printf("Attachments: %d\n", len(msg.Attachments))

	startTime := time.Now()
	result, err := pipeline.ProcessMessage(context.Background(), msg, nil, nil)
	if err != nil {
		logger.Fatal("Failed to process email", zap.Error(err))
	}
	duration := time.Since(startTime)

	rec := result.Record
	fmt.Printf("\n=== Results ===\n")
	fmt.Printf("Overall score: %.4f\n", rec.Score.Overall)
	fmt.Printf("Verdict: %s\n", rec.Verdict)
	fmt.Printf("Action: %s\n", rec.Action)

	names := make([]string, 0, len(rec.Score.PerAnalyzer))
	for name := range rec.Score.PerAnalyzer {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-16s %.4f\n", name, rec.Score.PerAnalyzer[name])
	}
	if len(rec.Score.MissingAnalyzers) > 0 {
		fmt.Printf("Missing analyzers: %s\n", strings.Join(rec.Score.MissingAnalyzers, ", "))
	}
	fmt.Printf("Processing time: %v\n", duration)
}

// createConfigFromFlags creates a configuration from command line flags
func createConfigFromFlags() *config.Config {
	v := config.NewEmptyViper()

	if *providers != "" {
		list := strings.Split(*providers, ",")
		for i := range list {
			list[i] = strings.TrimSpace(list[i])
		}
		v.Set("ensemble.providers", list)
	}
	if *trustedDomains != "" {
		list := strings.Split(*trustedDomains, ",")
		for i := range list {
			list[i] = strings.TrimSpace(list[i])
		}
		v.Set("analyzers.trusted_domains", list)
	}
	v.Set("aggregator.fail_safe_score", *failSafeScore)

	return config.NewFromViper(v)
}
