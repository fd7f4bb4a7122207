package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"wallet-copy-trader/config"
	"wallet-copy-trader/internal/api"
	"wallet-copy-trader/internal/auth"
	"wallet-copy-trader/internal/circuit"
	"wallet-copy-trader/internal/events"
	"wallet-copy-trader/internal/logging"
	"wallet-copy-trader/internal/metrics"
	"wallet-copy-trader/internal/monitor"
	"wallet-copy-trader/internal/notification"
	"wallet-copy-trader/internal/paper"
	"wallet-copy-trader/internal/pipeline"
	"wallet-copy-trader/internal/quality"
	"wallet-copy-trader/internal/recorder"
	"wallet-copy-trader/internal/redflag"
	"wallet-copy-trader/internal/scheduler"
	"wallet-copy-trader/internal/sizing"
	"wallet-copy-trader/internal/store"
	"wallet-copy-trader/internal/vault"
	"wallet-copy-trader/internal/wallet"
)

const operatorTokenTTL = 12 * time.Hour

func main() {
	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
	})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create vault client")
	}
	if err := vaultClient.ApplyTo(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("Failed to resolve secrets from vault")
	}

	// `wallet-copy-trader token <operator>` issues an operator token and exits.
	if len(os.Args) == 3 && os.Args[1] == "token" {
		if err := printToken(cfg, os.Args[2]); err != nil {
			logger.Fatal().Err(err).Msg("Failed to issue operator token")
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Copy trader stopped with error")
	}
	logger.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	st, err := store.Open(ctx, storeOptions(cfg), logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	eventBus := events.NewEventBus()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	eventBus.SubscribeAll(m.HandleEvent)

	scorer := quality.NewScorer(qualityConfig(cfg.QualityConfig), eventBus, logger)
	detector := redflag.NewDetector(redFlagConfig(cfg.RedFlagConfig), st, eventBus, logger)
	mon := monitor.New(monitorConfig(cfg.MonitorConfig), st, eventBus, logger)
	sizer := sizing.NewSizer(sizingConfig(cfg.SizingConfig), sizing.NewLedger(), mon.Registry(), logger)
	breaker := circuit.NewCircuitBreaker(breakerConfig(cfg.CircuitBreakerConfig), st, eventBus, logger)

	// Restart-safe state: a failure here means starting blind, so refuse.
	for name, load := range map[string]func(context.Context) error{
		"exclusions": detector.Load,
		"baselines":  mon.Load,
		"breaker":    breaker.Load,
	} {
		if err := load(ctx); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	m.SetBreakerState(breaker.GetState())

	rec, err := openRecorder(cfg.RecorderConfig, logger)
	if err != nil {
		return err
	}
	defer rec.Close()

	feed := paper.NewFeed()
	if path := cfg.PaperConfig.SnapshotFile; path != "" {
		loaded, err := feed.LoadFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Some wallet snapshots were rejected")
		}
		logger.Info().Int("wallets", loaded).Msg("Wallet snapshots preloaded")
	}
	account := paper.NewAccount(cfg.PaperConfig.StartingBalanceUSD)
	eventBus.Subscribe(events.EventTradeOutcome, account.HandleEvent)

	p, err := pipeline.New(pipeline.Deps{
		Source:    feed,
		Account:   account,
		Executor:  paper.NewExecutor(),
		Scorer:    scorer,
		Detector:  detector,
		Sizer:     sizer,
		Monitor:   mon,
		Breaker:   breaker,
		Recorder:  rec,
		Metrics:   m,
		Publisher: eventBus,
	}, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	p.SetWorkers(cfg.QualityConfig.BatchWorkers)

	if cfg.NotificationConfig.Enabled {
		notifier, err := newNotifier(cfg.NotificationConfig, logger)
		if err != nil {
			return err
		}
		eventBus.SubscribeAll(notifier.HandleEvent)
		go notifier.Run(ctx)
	}

	sched := scheduler.New(ctx, p, breaker, logger)
	if err := sched.RegisterAll(scheduler.Specs{
		Observe:           cfg.ScheduleConfig.ObserveCron,
		Sweep:             cfg.ScheduleConfig.SweepCron,
		Rescore:           cfg.ScheduleConfig.RescoreCron,
		DailyResetHourUTC: cfg.CircuitBreakerConfig.DailyResetHourUTC,
	}); err != nil {
		return fmt.Errorf("register schedules: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	logger.Info().
		Str("store", cfg.StoreConfig.Backend).
		Str("breaker", string(breaker.GetState())).
		Int("excluded", detector.ActiveCount()).
		Int("active_wallets", len(mon.Registry().Active())).
		Msg("Copy trader risk core started")

	if !cfg.ServerConfig.Enabled {
		<-ctx.Done()
		return nil
	}

	origins := splitOrigins(cfg.ServerConfig.AllowedOrigins)
	hub := api.NewWSHub(origins, logger)
	go hub.Run(ctx)
	eventBus.SubscribeAll(hub.HandleEvent)

	var jwtManager *auth.JWTManager
	if cfg.AuthConfig.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, operatorTokenTTL)
	} else {
		logger.Warn().Msg("No JWT secret configured, operator routes are disabled")
	}

	server := api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		ProductionMode: !strings.EqualFold(cfg.LoggingConfig.Level, "DEBUG"),
		AllowedOrigins: origins,
	}, api.Deps{
		Pipeline:  p,
		Hub:       hub,
		JWT:       jwtManager,
		Gatherer:  reg,
		Snapshots: feed,
		Operators: auth.NewOperators(cfg.AuthConfig.Operators),
	}, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Error shutting down web server")
	}
	return nil
}

func storeOptions(cfg *config.Config) store.Options {
	return store.Options{
		Backend: cfg.StoreConfig.Backend,
		Dir:     cfg.StoreConfig.Dir,
		Redis: store.RedisOptions{
			Address:  cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,

			ExclusionRetention: days(cfg.RedFlagConfig.RetentionDays),
		},
		Postgres: store.PostgresOptions{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Name,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		},
	}
}

func qualityConfig(c config.QualityConfig) quality.Config {
	q := quality.DefaultConfig()
	q.CacheTTL = time.Duration(c.CacheTTLSeconds) * time.Second
	q.MaxCacheEntries = c.MaxCacheEntries
	q.SmoothingWeight = c.SmoothingWeight
	q.BatchWorkers = c.BatchWorkers
	return q
}

func redFlagConfig(c config.RedFlagConfig) redflag.Config {
	return redflag.Config{
		NewWalletAge:          days(c.NewWalletAgeDays),
		LargeBetUSD:           c.LargeBetUSD,
		LuckWinRate:           c.LuckWinRate,
		LuckMaxTrades:         c.LuckMaxTrades,
		WashTradingScore:      c.WashTradingScore,
		MinProfitFactor:       c.MinProfitFactor,
		MaxCategories:         c.MaxCategories,
		DominantCategoryShare: c.DominantCategoryShare,
		MaxDrawdown:           c.MaxDrawdown,
		LowWinRate:            c.LowWinRate,
		LowWinRateMinTrades:   c.LowWinRateMinTrades,
		InsiderVolumeRatio:    c.InsiderVolumeRatio,
		InsiderWindow:         time.Duration(c.InsiderWindowHours) * time.Hour,
		SuicidalSizeMultiple:  c.SuicidalSizeMultiple,
		LossStreakLength:      c.LossStreakLength,
		DedupWindow:           time.Duration(c.DedupWindowMinutes) * time.Minute,
		Retention:             days(c.RetentionDays),
		MaxWallets:            c.MaxWallets,
	}
}

func sizingConfig(c config.SizingConfig) sizing.Config {
	s := sizing.DefaultConfig()
	s.BaseRiskPercent = c.BaseRiskPercent
	s.PortfolioCapPercent = c.PortfolioCapPercent
	s.AbsoluteCapUSD = c.AbsoluteCapUSD
	s.MinTradeUSD = c.MinTradeUSD
	s.TierExposureCaps = map[wallet.Tier]float64{
		wallet.TierElite:  c.EliteExposureCap,
		wallet.TierExpert: c.ExpertExposureCap,
		wallet.TierGood:   c.GoodExposureCap,
		wallet.TierPoor:   0,
	}
	s.CategoryConcentrationLimit = c.CategoryConcentrationLimit
	return s
}

func monitorConfig(c config.MonitorConfig) monitor.Config {
	return monitor.Config{
		BaselineWindow: days(c.BaselineWindowDays),
		DedupWindow:    time.Duration(c.DedupWindowMinutes) * time.Minute,
		Rotation: monitor.RotationConfig{
			Cooldown:           days(c.RotationCooldownDays),
			ScoreDeclineLimit:  c.ScoreDeclineLimit,
			ReadmitImprovement: c.ReadmitImprovement,
		},
	}
}

func breakerConfig(c config.CircuitBreakerConfig) circuit.CircuitBreakerConfig {
	return circuit.CircuitBreakerConfig{
		Enabled:                   c.Enabled,
		MaxDailyLossUSD:           c.MaxDailyLossUSD,
		MaxConsecutiveLosses:      c.MaxConsecutiveLosses,
		MaxFailureRate:            c.MaxFailureRate,
		FailureWindow:             time.Duration(c.FailureWindowMinutes) * time.Minute,
		MinAttemptsForFailureRate: c.MinAttemptsForFailureRate,
		Cooldown:                  time.Duration(c.CooldownMinutes) * time.Minute,
		DailyResetHourUTC:         c.DailyResetHourUTC,
	}
}

func openRecorder(c config.RecorderConfig, logger zerolog.Logger) (recorder.Recorder, error) {
	if c.SQLitePath == "" {
		return recorder.NewNoopRecorder(), nil
	}
	rec, err := recorder.NewSQLiteRecorder(c.SQLitePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open decision recorder: %w", err)
	}
	return rec, nil
}

func newNotifier(c config.NotificationConfig, logger zerolog.Logger) (*notification.Manager, error) {
	minSeverity, err := wallet.ParseSeverity(c.MinSeverity)
	if err != nil {
		return nil, fmt.Errorf("notification.min_severity: %w", err)
	}
	manager := notification.NewManager(minSeverity, logger)
	manager.AddNotifier(notification.NewLogNotifier(logger))
	manager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
		WebhookURL: c.DiscordWebhookURL,
		Enabled:    c.DiscordWebhookURL != "",
	}))
	return manager, nil
}

func printToken(cfg *config.Config, operator string) error {
	if cfg.AuthConfig.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	token, err := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, operatorTokenTTL).GenerateToken(operator)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
