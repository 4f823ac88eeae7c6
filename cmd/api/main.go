package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nightdesk/nightdesk/internal/api/router"
	"github.com/nightdesk/nightdesk/internal/audit"
	appconfig "github.com/nightdesk/nightdesk/internal/config"
	"github.com/nightdesk/nightdesk/internal/dialogue"
	"github.com/nightdesk/nightdesk/internal/emr/fhir"
	"github.com/nightdesk/nightdesk/internal/gateway"
	"github.com/nightdesk/nightdesk/internal/handoff"
	"github.com/nightdesk/nightdesk/internal/http/handlers"
	"github.com/nightdesk/nightdesk/internal/intent"
	"github.com/nightdesk/nightdesk/internal/notify"
	"github.com/nightdesk/nightdesk/internal/observability/metrics"
	"github.com/nightdesk/nightdesk/internal/scheduling"
	"github.com/nightdesk/nightdesk/internal/session"
	"github.com/nightdesk/nightdesk/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting nightdesk scheduling API",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	// EMR connection is mandatory: without it there is nothing to schedule
	// against.
	emrClient, err := fhir.New(fhir.Config{
		BaseURL:      cfg.EMRBaseURL,
		ClientID:     cfg.EMRClientID,
		ClientSecret: cfg.EMRClientSecret,
		Timeout:      cfg.EMRTimeout,
	})
	if err != nil {
		logger.Error("failed to create EMR client", "error", err)
		os.Exit(1)
	}

	// Audit trail. Postgres when configured, in-memory otherwise so local
	// development works without a database.
	var db *sql.DB
	var auditSink audit.Sink
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			cancel()
			logger.Error("database unreachable", "error", err)
			os.Exit(1)
		}
		cancel()
		auditSink = audit.NewPostgresSink(db)
	} else {
		logger.Warn("DATABASE_URL not set, audit events are kept in memory")
		auditSink = audit.NewMemorySink()
	}
	auditSvc := audit.NewService(auditSink)

	// Transcript store
	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	transcripts := session.NewTranscriptStore(rdb, nil)

	// Scheduling core
	holds := scheduling.NewHoldRegistry(cfg.HoldTimeout)
	resolver := scheduling.NewResolver(emrClient, cfg.ResolveTimeout, logger)
	detector := scheduling.NewDetector(time.Duration(cfg.BufferMinutes)*time.Minute, cfg.MaxAlternatives, holds)

	schedMetrics := metrics.NewSchedulingMetrics(prometheus.DefaultRegisterer)

	gw := gateway.New(emrClient, auditSvc, logger).
		WithMaxAttempts(cfg.GatewayMaxAttempts).
		WithBackoff(cfg.GatewayBaseDelay, cfg.GatewayMaxDelay).
		WithDeadline(cfg.GatewayDeadline).
		WithObserver(schedMetrics)

	// Staff notifications for escalated calls
	emailSender := buildEmailSender(cfg, logger)
	var smsSender notify.SMSSender
	if s := notify.NewTwilioSMSSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger); s != nil {
		smsSender = s
	}
	var escalator session.Escalator
	if db != nil {
		handoffSvc := handoff.NewService(db, emailSender, smsSender, handoff.StaffContacts{
			Phone: cfg.StaffPhone,
			Email: cfg.StaffEmail,
		}, logger)
		escalator = handoffSvc
	} else {
		logger.Warn("escalations are not persisted without a database")
	}

	extractor := intent.NewOpenAIExtractor(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.IntentTimeout)

	dialogueCfg := dialogue.Config{
		ConfidenceThreshold:     cfg.ConfidenceThreshold,
		MaxLowConfidenceTurns:   cfg.MaxLowConfidenceTurns,
		MaxIntentTurns:          cfg.MaxIntentTurns,
		MaxAlternativeRounds:    cfg.MaxAlternativeRounds,
		AvailabilityHorizonDays: cfg.AvailabilityHorizon,
		SilenceTimeout:          cfg.SilenceTimeout,
		DefaultProviderID:       cfg.DefaultProviderID,
	}
	factory := func(sessionID, patientID string) *dialogue.Machine {
		return dialogue.NewMachine(sessionID, patientID, dialogueCfg, resolver, detector, gw, auditSvc, logger)
	}

	manager := session.NewManager(factory, logger).
		WithMaxSessions(cfg.MaxConcurrentSessions).
		WithMaxDuration(cfg.SessionMaxDuration).
		WithHolds(holds).
		WithAudit(auditSvc).
		WithTranscripts(transcripts).
		WithObserver(schedMetrics)
	if escalator != nil {
		manager = manager.WithEscalator(escalator)
	}

	routerCfg := &router.Config{
		Logger:             logger,
		Calls:              handlers.NewCallsHandler(manager, extractor, transcripts, logger),
		Health:             handlers.NewHealthHandler(manager, db),
		MetricsHandler:     promhttp.Handler(),
		RateLimitPerSecond: cfg.IntakeRateLimit,
		RateLimitBurst:     cfg.IntakeBurst,
	}
	if svc, ok := escalator.(*handoff.Service); ok {
		routerCfg.Escalations = handlers.NewEscalationsHandler(svc, logger)
	}
	r := router.New(routerCfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop taking new calls, then let live sessions finish tearing down.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error("session manager shutdown incomplete", "error", err)
	}

	logger.Info("server stopped")
}

func buildEmailSender(cfg *appconfig.Config, logger *logging.Logger) notify.EmailSender {
	switch cfg.EmailProvider {
	case "sendgrid":
		// The constructor returns nil when no API key is set; a typed nil
		// must not leak into the interface.
		if sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.NotifyFromEmail,
			FromName:  cfg.NotifyFromName,
		}, logger); sender != nil {
			return sender
		}
		logger.Warn("EMAIL_PROVIDER=sendgrid but SENDGRID_API_KEY is empty, staff email disabled")
		return nil
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Error("failed to load AWS config, staff email disabled", "error", err)
			return nil
		}
		return notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.NotifyFromEmail,
			FromName:  cfg.NotifyFromName,
		}, logger)
	default:
		return nil
	}
}
