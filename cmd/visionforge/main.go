// Package main — cmd/visionforge/main.go
//
// visionforge entrypoint.
//
// Startup sequence:
//  1. Load and validate configuration from the environment.
//  2. Initialise structured logger (zap).
//  3. Load the Configuration Registry's initial profile set (fatal on
//     any invalid profile).
//  4. Open the State Store (Postgres, migrated) and the Task Queue
//     Broker (bbolt).
//  5. Build the external collaborator clients: registry, vision-model
//     backends, image provider, notification dispatcher.
//  6. Start the Prometheus metrics/health server and the admin HTTP API.
//  7. Start the profile hot-reload watcher.
//  8. Start the fixed-size worker pool and the lease-reclaim reaper.
//  9. Start the Job Orchestrator's poll loop.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence: cancel the root context, let in-flight workers
// finish their current step, close the queue broker and state store,
// flush the logger, exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/go-logr/logr"
	"go.uber.org/zap"

	"github.com/visionforge/visionforge/internal/adminapi"
	"github.com/visionforge/visionforge/internal/appconfig"
	"github.com/visionforge/visionforge/internal/breaker"
	"github.com/visionforge/visionforge/internal/imageprovider"
	"github.com/visionforge/visionforge/internal/metrics"
	"github.com/visionforge/visionforge/internal/notify"
	"github.com/visionforge/visionforge/internal/orchestrator"
	"github.com/visionforge/visionforge/internal/profiles"
	"github.com/visionforge/visionforge/internal/qa"
	"github.com/visionforge/visionforge/internal/qa/agent"
	"github.com/visionforge/visionforge/internal/queue"
	"github.com/visionforge/visionforge/internal/registryclient"
	"github.com/visionforge/visionforge/internal/store"
	"github.com/visionforge/visionforge/internal/telemetry"
	"github.com/visionforge/visionforge/internal/visionmodel"
	"github.com/visionforge/visionforge/internal/worker"

	"golang.org/x/sync/semaphore"
)

const (
	version   = "0.1.0"
	gitCommit = "unknown"
	buildTime = "unknown"
)

const reclaimInterval = 30 * time.Second

func main() {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("visionforge %s (commit=%s built=%s)\n", version, gitCommit, buildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────
	cfg, err := appconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Logger ───────────────────────────────────────────────
	zapLog, err := telemetry.BuildLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	log := telemetry.LogrFrom(zapLog)

	log.Info("visionforge starting", "version", version, "commit", gitCommit, "built", buildTime,
		"workers", cfg.WorkerCount, "visionConcurrency", cfg.VisionConcurrency)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// ── Step 3: Configuration Registry ───────────────────────────────
	profileRegistry, err := profiles.NewRegistry(cfg.ProfileDir, log)
	if err != nil {
		zapLog.Fatal("profile registry load failed", zap.Error(err))
	}
	profileRegistry.WithMetrics(m)
	log.Info("profile registry loaded", "generation", profileRegistry.Current().Generation,
		"types", len(profileRegistry.Current().Analysis))

	// ── Step 4: State Store + Task Queue Broker ──────────────────────
	st, err := store.Open(ctx, cfg.StoreDSN, log)
	if err != nil {
		zapLog.Fatal("state store open failed", zap.Error(err))
	}
	defer st.Close() //nolint:errcheck
	st.WithMetrics(m)
	log.Info("state store opened")

	broker, err := queue.Open(cfg.QueuePath, nil)
	if err != nil {
		zapLog.Fatal("queue broker open failed", zap.Error(err))
	}
	defer broker.Close() //nolint:errcheck
	broker.WithMetrics(m)
	log.Info("queue broker opened", "path", cfg.QueuePath)

	// ── Step 5: External collaborators ───────────────────────────────
	registryBreaker := breaker.New(breaker.DefaultConfig("registry"), log)
	registryHTTP := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &breaker.RoundTripper{Next: http.DefaultTransport, Breaker: registryBreaker},
	}
	registry := registryclient.New(cfg.RegistryBaseURL, cfg.RegistryAPIKey, registryHTTP)

	analysisBackend, err := buildBackend(ctx, cfg.AnalysisBackend, cfg, "analysis")
	if err != nil {
		zapLog.Fatal("analysis backend init failed", zap.Error(err))
	}
	qaBackend, err := buildBackend(ctx, cfg.QABackend, cfg, "qa")
	if err != nil {
		zapLog.Fatal("qa backend init failed", zap.Error(err))
	}
	qaAgent := agent.New(visionmodel.NewLLMsAdapter(qaBackend, visionmodel.Params{}))

	images := imageprovider.New(nil)

	notifyChannels := buildNotifyChannels(cfg)
	notifyDispatcher := notify.NewDispatcher(log, notifyChannels...)

	// ── Step 6: Metrics + admin API ──────────────────────────────────
	go func() {
		if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
			log.Error(err, "metrics server error")
		}
	}()
	log.Info("metrics server started", "addr", cfg.MetricsAddr)

	adminSrv := adminapi.New(st, st, profileRegistry, log)
	go func() {
		srv := &http.Server{Addr: cfg.AdminAddr, Handler: adminSrv, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "admin api server error")
		}
	}()
	log.Info("admin api started", "addr", cfg.AdminAddr)

	// ── Step 7: Profile hot-reload watcher ───────────────────────────
	go func() {
		if err := profileRegistry.Watch(ctx); err != nil {
			log.Error(err, "profile watcher error")
		}
	}()

	// ── QA pipeline, job index, orchestrator wiring ──────────────────
	pipeline := qa.NewPipeline(qaAgent, st, log).WithMetrics(m)
	jobs := worker.NewJobIndex()

	orch := orchestrator.New(orchestrator.Config{
		Registry:                registry,
		Store:                   st,
		Broker:                  broker,
		Profiles:                profileRegistry,
		Jobs:                    jobs,
		Notify:                  notifyDispatcher,
		Metrics:                 m,
		PollInterval:            cfg.PollInterval,
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		CircuitBreakerWindow:    cfg.CircuitBreakerWindow,
	}).WithLogger(log)

	visionSem := semaphore.NewWeighted(cfg.VisionConcurrency)
	imageLocks := worker.NewImageLocks()

	// ── Step 8: Worker pool + lease reaper ───────────────────────────
	for i := 0; i < cfg.WorkerCount; i++ {
		w := worker.New(fmt.Sprintf("worker-%d", i), worker.Config{
			Broker:     broker,
			Store:      st,
			Registry:   profileRegistry,
			Images:     images,
			Jobs:       jobs,
			Backend:    analysisBackend,
			Pipeline:   pipeline,
			Semaphore:  visionSem,
			Notify:     notifyDispatcher,
			Completion: orch,
			Metrics:    m,
			ImageLocks: imageLocks,
		}).WithLogger(log)
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error(err, "worker exited")
			}
		}()
	}
	log.Info("worker pool started", "count", cfg.WorkerCount)

	go runReaper(ctx, st, broker, log)

	// ── Step 9: Job Orchestrator ──────────────────────────────────────
	go func() {
		if err := orch.Run(ctx); err != nil {
			log.Error(err, "orchestrator exited")
		}
	}()
	log.Info("orchestrator started", "pollInterval", cfg.PollInterval)

	// ── Step 10: Wait for shutdown signal ─────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	cancel()
	time.Sleep(2 * time.Second) // best-effort drain of in-flight model calls
	log.Info("visionforge shutdown complete")
}

// runReaper periodically reclaims tasks stranded by a crashed worker —
// both the store-level task leases (spec §4.B: "reclaim_expired(limit) →
// count") and the broker's unacked inflight queue entries (spec §4.C:
// "reclaim_inflight() — delegated to State Store on a timer") — until ctx
// is cancelled.
func runReaper(ctx context.Context, st *store.Store, broker *queue.Broker, log logr.Logger) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.ReclaimExpired(ctx, 100)
			if err != nil {
				log.Error(err, "reclaim expired failed")
			} else if n > 0 {
				log.Info("reclaimed expired task leases", "count", n)
			}

			requeued, err := broker.ReclaimExpiredInflight()
			if err != nil {
				log.Error(err, "reclaim inflight queue entries failed")
			} else if requeued > 0 {
				log.Info("requeued expired inflight queue entries", "count", requeued)
			}
		}
	}
}

// buildBackend constructs the visionmodel.Backend named by backendName
// (spec §6: "Two models are used: one for analysis, one for
// QA/correction" — either role may independently select local,
// Anthropic, or Bedrock).
func buildBackend(ctx context.Context, backendName appconfig.ModelBackend, cfg *appconfig.Config, role string) (visionmodel.Backend, error) {
	switch backendName {
	case appconfig.BackendAnthropic:
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("visionforge: %s backend=anthropic requires ANTHROPIC_API_KEY", role)
		}
		return visionmodel.NewAnthropicBackend(apiKey, &http.Client{Timeout: 60 * time.Second}), nil
	case appconfig.BackendBedrock:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("visionforge: %s backend=bedrock: load AWS config: %w", role, err)
		}
		return visionmodel.NewBedrockBackend(bedrockruntime.NewFromConfig(awsCfg)), nil
	case appconfig.BackendLocal, "":
		return visionmodel.NewLocalBackend(cfg.VisionModelAddr, &http.Client{Timeout: 65 * time.Second}), nil
	default:
		return nil, fmt.Errorf("visionforge: unknown model backend %q", backendName)
	}
}

// buildNotifyChannels wires the optional webhook/Slack notification
// channels (spec §6: "Notification Sink ... best-effort"); either, both,
// or neither may be configured.
func buildNotifyChannels(cfg *appconfig.Config) []notify.Channel {
	var channels []notify.Channel
	if cfg.NotifyWebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.NotifyWebhookURL, nil))
	}
	if cfg.NotifySlackToken != "" && cfg.NotifySlackChannel != "" {
		channels = append(channels, notify.NewSlackChannel(cfg.NotifySlackToken, cfg.NotifySlackChannel))
	}
	return channels
}
