// Command kintai serves the /kintai Slack bot: slash commands, modal
// submissions and app mentions punch in and out of HUE Works.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/gin-gonic/gin"

	"github.com/k2tzumi/hue-kintai-slask-command/adapters/gocommand"
	"github.com/k2tzumi/hue-kintai-slask-command/adapters/gojob"
	"github.com/k2tzumi/hue-kintai-slask-command/adapters/gologger"
	"github.com/k2tzumi/hue-kintai-slask-command/bot"
	"github.com/k2tzumi/hue-kintai-slask-command/command"
	"github.com/k2tzumi/hue-kintai-slask-command/config"
	"github.com/k2tzumi/hue-kintai-slask-command/core"
	"github.com/k2tzumi/hue-kintai-slask-command/credentials"
	"github.com/k2tzumi/hue-kintai-slask-command/httpapi"
	"github.com/k2tzumi/hue-kintai-slask-command/idempotency"
	"github.com/k2tzumi/hue-kintai-slask-command/inbound"
	"github.com/k2tzumi/hue-kintai-slask-command/jobqueue"
	"github.com/k2tzumi/hue-kintai-slask-command/oauth"
	"github.com/k2tzumi/hue-kintai-slask-command/ratelimit"
	"github.com/k2tzumi/hue-kintai-slask-command/scheduler"
	"github.com/k2tzumi/hue-kintai-slask-command/security"
	"github.com/k2tzumi/hue-kintai-slask-command/slack"
	"github.com/k2tzumi/hue-kintai-slask-command/transport"
	"github.com/k2tzumi/hue-kintai-slask-command/works"
)

const (
	queueCapacity   = 64
	credentialTTL   = 5 * time.Minute
	shutdownTimeout = 5 * time.Second
)

func main() {
	configFile := flag.String("config", os.Getenv("KINTAI_CONFIG_FILE"), "optional config file (yaml, json or toml)")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.Load(ctx, config.Loader{File: *configFile, DotEnv: []string{".env"}}, core.Config{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "kintai: load config:", err)
		os.Exit(1)
	}

	root, err := gologger.NewProduction(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = root.Sync() }()
	provider := gologger.NewProvider(root)
	logger := provider.GetLogger("kintai")

	if err := run(ctx, cfg, provider); err != nil {
		logger.Fatal("kintai: stopped", "error", err)
	}
}

// registrationTTL keeps a registration live past the job timeout so a
// starting job that stalls is still found and reclaimed as stale.
func registrationTTL(jobs core.JobsConfig) time.Duration {
	return 2 * jobs.Timeout()
}

func run(ctx context.Context, cfg core.Config, provider *gologger.Provider) error {
	logger := provider.GetLogger("kintai")
	gin.SetMode(gin.ReleaseMode)

	store, err := openStorage(ctx, cfg.Store, cfg.Jobs.Timeout()+cfg.Idempotency.TTL())
	if err != nil {
		return err
	}
	defer func() { _ = store.close() }()

	sealer, err := security.NewAppKeySecretProviderFromString(cfg.Security.AppKey)
	if err != nil {
		return err
	}
	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = credentialTTL
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return err
	}
	credentialStore, err := credentials.NewStore(store.credentials, sealer,
		credentials.WithCache(cacheService),
		credentials.WithLogger(provider.GetLogger("credentials")),
	)
	if err != nil {
		return err
	}

	deliveries := scheduler.NewMemoryQueue(queueCapacity)
	timers, err := scheduler.NewTimerScheduler(store.records, deliveries,
		scheduler.WithLogger(provider.GetLogger("scheduler")),
		scheduler.WithRegistrationTTL(registrationTTL(cfg.Jobs)),
	)
	if err != nil {
		return err
	}
	defer timers.Stop()

	broker, err := jobqueue.NewBroker(store.records, timers,
		jobqueue.WithLoggerProvider(provider),
		jobqueue.WithMaxSlot(cfg.Jobs.MaxSlot),
		jobqueue.WithDelay(cfg.Jobs.Delay()),
		jobqueue.WithJobTimeout(cfg.Jobs.Timeout()),
	)
	if err != nil {
		return err
	}

	retry := gojob.DefaultRetryPolicy()
	if cfg.Jobs.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Jobs.MaxAttempts
	}
	runner, err := scheduler.NewRunner(deliveries, func(ctx context.Context, registration core.Registration) error {
		outcome, err := broker.Fire(ctx, registration.CallbackName)
		if err == nil && outcome.Ran() && outcome.State == jobqueue.StateFailed {
			logger.Warn("kintai: job failed", "callback", registration.CallbackName, "job_id", outcome.JobID)
		}
		return err
	},
		scheduler.WithWorkers(cfg.Jobs.Workers),
		scheduler.WithRetryPolicy(retry),
		scheduler.WithHooks(gojob.NewLoggingHook(provider.GetLogger("worker"))),
		scheduler.WithRunnerLogger(provider.GetLogger("runner")),
	)
	if err != nil {
		return err
	}

	limiter, err := ratelimit.NewAdaptivePolicy(store.records)
	if err != nil {
		return err
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	installer, err := oauth.NewInstaller(store.records, sealer, cfg.Slack.ClientID, cfg.Slack.ClientSecret,
		oauth.WithRedirectURL(cfg.Slack.RedirectURL),
		oauth.WithFallbackToken(cfg.Slack.BotToken),
		oauth.WithHTTPClient(httpClient),
		oauth.WithLogger(provider.GetLogger("oauth")),
	)
	if err != nil {
		return err
	}
	slackClient, err := slack.NewClient(installer,
		slack.WithHTTPClient(httpClient),
		slack.WithAPIBaseURL(cfg.Slack.APIBaseURL),
		slack.WithRateLimit(limiter),
		slack.WithLogger(provider.GetLogger("slack")),
	)
	if err != nil {
		return err
	}
	portal, err := works.NewClient(transport.NewRESTAdapter(httpClient), cfg.Works.ProxyHost, cfg.Works.Domain,
		works.WithLogger(provider.GetLogger("works")),
	)
	if err != nil {
		return err
	}

	bus, err := command.Register(gocommand.NewRegistryAdapter(nil), command.Dependencies{
		Credentials: credentialStore,
		Portal:      portal,
		Slack:       slackClient,
		Logger:      provider.GetLogger("command"),
	})
	if err != nil {
		return err
	}
	defer bus.Close()

	app, err := bot.New(bot.Config{
		Jobs:          broker,
		Commands:      bus,
		Slack:         slackClient,
		Credentials:   credentialStore,
		StartReaction: cfg.Slack.StartReaction,
		EndReaction:   cfg.Slack.EndReaction,
		Logger:        provider.GetLogger("bot"),
	})
	if err != nil {
		return err
	}
	if err := app.RegisterCallbacks(); err != nil {
		return err
	}
	routes, err := app.Routes()
	if err != nil {
		return err
	}
	guard, err := idempotency.NewGuard(store.records, cfg.Idempotency.TTL())
	if err != nil {
		return err
	}
	dispatcher, err := inbound.NewDispatcher(routes, guard, inbound.NewTokenVerifier(cfg.Slack.VerificationToken),
		inbound.WithLoggerProvider(provider),
	)
	if err != nil {
		return err
	}

	restored, err := timers.Restore(ctx)
	if err != nil {
		return err
	}
	logger.Info("kintai: timers restored", "count", restored, "driver", cfg.Store.Driver)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	routerOpts := []httpapi.Option{
		httpapi.WithLogger(provider.GetLogger("http")),
		httpapi.WithHealthCheck("store", store),
	}
	if installer.Enabled() {
		routerOpts = append(routerOpts, httpapi.WithInstaller(installer))
	}
	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(dispatcher, routerOpts...),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("kintai: listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case sig := <-quit:
		logger.Info("kintai: shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("kintai: http shutdown", "error", err)
	}
	timers.Stop()
	deliveries.Close()
	stopWorkers()
	return <-workerDone
}
