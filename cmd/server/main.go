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

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/motherschat/chat-backend/internal/config"
	"github.com/motherschat/chat-backend/internal/handlers"
	"github.com/motherschat/chat-backend/internal/i18n"
	"github.com/motherschat/chat-backend/internal/middleware"
	"github.com/motherschat/chat-backend/internal/models"
	"github.com/motherschat/chat-backend/internal/notify"
	"github.com/motherschat/chat-backend/internal/services/ai"
	"github.com/motherschat/chat-backend/internal/services/auth"
	"github.com/motherschat/chat-backend/internal/services/cache"
	"github.com/motherschat/chat-backend/internal/services/chat"
	"github.com/motherschat/chat-backend/internal/services/quota"
	"github.com/motherschat/chat-backend/internal/services/storage"
	"github.com/motherschat/chat-backend/pkg/logger"
	"github.com/sirupsen/logrus"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		// It's okay if .env doesn't exist
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting chat backend...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}

	// Seed the assistant catalog before serving traffic
	if err := seedCatalog(ctx, cfg, storageManager, log); err != nil {
		log.WithError(err).Fatal("Failed to seed assistant catalog")
	}

	// Initialize i18n
	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	// Rate-limit windows live in Redis when both the store and the
	// backend are Redis, so all instances share one view.
	var windowStore middleware.WindowStore
	if cfg.RateLimit.Store == "redis" && storageManager.GetRedisClient() != nil {
		windowStore = middleware.NewRedisWindowStore(storageManager.GetRedisClient())
		log.Info("Using Redis rate-limit windows")
	} else {
		windowStore = middleware.NewMemoryWindowStore(cfg.RateLimit.Window)
		log.Info("Using in-memory rate-limit windows")
	}
	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, windowStore, log)

	// Initialize services
	verifier := auth.NewVerifier(&cfg.Auth, log)
	quotaEnforcer := quota.NewEnforcer(storageManager, log)
	catalog := cache.NewCatalog(&cfg.Cache, storageManager, log)
	aiClient := ai.NewClient(&cfg.Models, log)
	notifier := notify.NewNotifier(&cfg.Notify, log)
	metrics := middleware.NewMetrics(log)

	estimator := chat.HeuristicEstimator{}
	assembler := chat.NewAssembler(&cfg.Context, estimator, log)
	chatService := chat.NewService(cfg, verifier, rateLimiter, storageManager,
		catalog, quotaEnforcer, assembler, estimator, aiClient, notifier, metrics, log)

	// Start metrics server if enabled
	middleware.StartMetricsServer(&cfg.Monitoring.Metrics, log)

	// HTTP server
	router := mux.NewRouter()
	chatHandler := handlers.NewChatHandler(chatService, localizer, metrics, log)
	chatHandler.Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}

	cancel()
	log.Info("Server stopped")
}

// seedCatalog upserts the configured assistants, curated examples,
// and access grants at startup. Seeding is idempotent: assistants are
// keyed by code and re-running overwrites the definition.
func seedCatalog(ctx context.Context, cfg *config.Config, store *storage.Manager, log *logrus.Logger) error {
	now := time.Now()
	byCode := make(map[string]string, len(cfg.Catalog.Assistants))

	for _, seed := range cfg.Catalog.Assistants {
		existing, err := store.GetAssistantByCode(ctx, seed.Code)
		if err != nil {
			return err
		}

		assistant := &models.Assistant{
			Code:         seed.Code,
			Title:        seed.Title,
			Description:  seed.Description,
			BaseModel:    seed.BaseModel,
			SystemPrompt: seed.SystemPrompt,
			Restricted:   seed.Restricted,
		}
		if existing != nil {
			assistant.ID = existing.ID
		}
		if err := store.UpsertAssistant(ctx, assistant); err != nil {
			return err
		}
		byCode[assistant.Code] = assistant.ID
	}

	for _, seed := range cfg.Catalog.Examples {
		assistantID := byCode[seed.Assistant]
		if seed.Assistant != "" && assistantID == "" {
			log.WithField("assistant", seed.Assistant).Warn("Example references unknown assistant, skipping")
			continue
		}
		existing, err := store.ListExamples(ctx, assistantID)
		if err != nil {
			return err
		}
		if hasExample(existing, assistantID, seed.Question) {
			continue
		}
		if err := store.AddExample(ctx, &models.Example{
			AssistantID: assistantID,
			Question:    seed.Question,
			Answer:      seed.Answer,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
	}

	for _, seed := range cfg.Catalog.Grants {
		assistantID := byCode[seed.Assistant]
		if assistantID == "" {
			log.WithField("assistant", seed.Assistant).Warn("Grant references unknown assistant, skipping")
			continue
		}
		if err := store.GrantAssistant(ctx, seed.ExternalID, assistantID, now); err != nil {
			return err
		}
	}

	log.WithFields(logrus.Fields{
		"assistants": len(cfg.Catalog.Assistants),
		"examples":   len(cfg.Catalog.Examples),
		"grants":     len(cfg.Catalog.Grants),
	}).Info("Assistant catalog seeded")

	return nil
}

func hasExample(examples []models.Example, assistantID, question string) bool {
	for _, example := range examples {
		if example.AssistantID == assistantID && example.Question == question {
			return true
		}
	}
	return false
}
