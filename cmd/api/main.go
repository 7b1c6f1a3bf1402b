// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clinicai/intake-assistant/internal/config"
	"github.com/clinicai/intake-assistant/internal/handler"
	"github.com/clinicai/intake-assistant/internal/llm"
	"github.com/clinicai/intake-assistant/internal/lock"
	"github.com/clinicai/intake-assistant/internal/middleware"
	natsclient "github.com/clinicai/intake-assistant/internal/nats"
	"github.com/clinicai/intake-assistant/internal/service"
	"github.com/clinicai/intake-assistant/internal/store"
	"github.com/clinicai/intake-assistant/internal/triage"
	"github.com/clinicai/intake-assistant/internal/whatsapp"
	"github.com/clinicai/intake-assistant/pkg/logger"
	"github.com/clinicai/intake-assistant/pkg/tracing"
)

const serviceName = "clinicai-intake"

func main() {
	// A missing .env is normal outside local development.
	envErr := godotenv.Load()

	cfg := config.Load()

	var log *logger.Logger
	var err error
	if os.Getenv("ENV") == "development" {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		log.Warn("failed to load .env file", zap.Error(envErr))
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting API server",
		zap.String("llm_provider", cfg.LLMProvider),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("turn_lock", cfg.TurnLock),
		zap.Bool("whatsapp_enabled", cfg.WhatsAppEnabled()),
		zap.Bool("staff_api_enabled", cfg.StaffAPIEnabled()),
	)

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	profile, err := config.LoadProfile(cfg.TriageProfilePath)
	if err != nil {
		log.Fatal("failed to load triage profile", zap.Error(err))
	}

	classifier, err := triage.NewClassifier(profile.EmergencyPhrases)
	if err != nil {
		log.Fatal("failed to build emergency classifier", zap.Error(err))
	}

	llmClient, err := newLLMClient(cfg)
	if err != nil {
		log.Fatal("failed to create LLM client", zap.Error(err))
	}

	router, err := triage.NewRouter(triage.RouterConfig{
		Classifier:     classifier,
		Model:          llmClient,
		Preamble:       profile.Persona,
		EmergencyReply: profile.EmergencyReply,
		ModelName:      cfg.LLMModel,
		Temperature:    cfg.LLMTemperature,
		MaxTokens:      cfg.LLMMaxTokens,
		Timeout:        cfg.LLMTimeout,
		Logger:         log,
	})
	if err != nil {
		log.Fatal("failed to create triage router", zap.Error(err))
	}

	st, events, closeStore, err := newStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize conversation store", zap.Error(err))
	}
	defer closeStore()

	locker, closeLocker, err := newLocker(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize turn lock", zap.Error(err))
	}
	defer closeLocker()

	intakeSvc, err := service.NewIntakeService(service.IntakeConfig{
		Store:    st,
		Events:   events,
		Locker:   locker,
		Router:   router,
		Greeting: profile.Greeting,
		Logger:   log,
	})
	if err != nil {
		log.Fatal("failed to create intake service", zap.Error(err))
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(intakeSvc, log)
	chatHandler := handler.NewChatHandler(intakeSvc, profile.Apology, log)
	conversationHandler := handler.NewConversationHandler(intakeSvc, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).
		Post("/chat", chatHandler.Chat)

	if cfg.WhatsAppEnabled() {
		sender, err := whatsapp.NewClient(cfg.WhatsAppPhoneNumberID, cfg.WhatsAppAPIToken,
			whatsapp.WithBaseURL(cfg.WhatsAppAPIBaseURL),
			whatsapp.WithLogger(log),
		)
		if err != nil {
			log.Fatal("failed to create WhatsApp client", zap.Error(err))
		}
		webhookHandler := handler.NewWebhookHandler(intakeSvc, sender, cfg.WhatsAppVerifyToken, profile.Apology, log)
		r.Get("/webhook", webhookHandler.Verify)
		r.Post("/webhook", webhookHandler.Receive)
	}

	if cfg.StaffAPIEnabled() {
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.With(middleware.RequireScope(middleware.ScopeConversationsRead)).
				Get("/conversations/{senderID}", conversationHandler.Get)
		})
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func newLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		return llm.NewClient(llm.ProviderAnthropic, cfg.AnthropicAPIKey)
	default:
		return llm.NewClient(llm.ProviderOpenAI, cfg.OpenAIAPIKey)
	}
}

func newStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, store.EventPublisher, func(), error) {
	if cfg.StoreBackend == config.StoreMemory {
		log.Warn("using in-memory conversation store, history is lost on restart")
		mem := store.NewMemoryStore()
		return mem, mem, func() {}, nil
	}

	nc, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
		Name:     serviceName,
	}, log)
	if err != nil {
		return nil, nil, nil, err
	}

	js := store.NewJetStreamStore(nc.JetStream(), store.JetStreamConfig{
		Stream:        cfg.NATSStream,
		SubjectPrefix: cfg.NATSSubjectPrefix,
	}, log)

	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := js.EnsureStream(ensureCtx); err != nil {
		nc.Close()
		return nil, nil, nil, err
	}
	return js, js, nc.Close, nil
}

func newLocker(ctx context.Context, cfg *config.Config, log *logger.Logger) (lock.Locker, func(), error) {
	if cfg.TurnLock != config.LockRedis {
		return lock.NewLocal(), func() {}, nil
	}

	rl, err := lock.NewRedisFromURL(ctx, cfg.RedisURL, lock.RedisConfig{TTL: cfg.TurnLockTTL}, log)
	if err != nil {
		return nil, nil, err
	}
	return rl, closeQuietly(rl, log), nil
}

func closeQuietly(c io.Closer, log *logger.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}
}
