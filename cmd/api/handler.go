package api

import (
	"log"

	"mailpilot-backend/internal/auth/delivery"
	authRepo "mailpilot-backend/internal/auth/repository"
	authUsecasePkg "mailpilot-backend/internal/auth/usecase"
	autoreplyDelivery "mailpilot-backend/internal/autoreply/delivery"
	autoreplyRepo "mailpilot-backend/internal/autoreply/repository"
	autoreplyUsecase "mailpilot-backend/internal/autoreply/usecase"
	"mailpilot-backend/internal/notification"
	"mailpilot-backend/pkg/ai"
	"mailpilot-backend/pkg/chroma"
	"mailpilot-backend/pkg/config"
	"mailpilot-backend/pkg/fcm"
	"mailpilot-backend/pkg/gmail"
	"mailpilot-backend/pkg/imap"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type Handler struct {
	authUsecase      authUsecasePkg.AuthUsecase
	config           *config.Config
	fcmTokenRepo     authRepo.FCMTokenRepository
	autoreplyHandler *autoreplyDelivery.Handler

	detector *autoreplyUsecase.Detector
	workers  *autoreplyUsecase.ReplyWorkerService
	watcher  *notification.Watcher
}

// NewHandler wires the auto-reply pipeline: AI completion, vector store,
// mailbox gateways, dedup, rate-limit governor, retrieval, composition,
// the worker pool and the detector loop.
func NewHandler(db *gorm.DB, authUc authUsecasePkg.AuthUsecase, userRepo authRepo.UserRepository, fcmTokenRepo authRepo.FCMTokenRepository, fcmClient *fcm.Client, cfg *config.Config) *Handler {
	aiService, err := ai.NewCompletionService(ai.Config{
		Provider:      ai.ProviderType(cfg.AIProvider),
		GeminiAPIKey:  cfg.GeminiApiKey,
		OllamaBaseURL: cfg.OllamaBaseURL,
		OllamaModel:   cfg.OllamaModel,
	})
	if err != nil {
		log.Fatal("Failed to initialize AI service:", err)
	}
	log.Printf("AI service initialized with provider: %s", cfg.AIProvider)

	chromaClient, err := chroma.NewChromaClient(cfg)
	if err != nil {
		log.Fatal("Failed to initialize Chroma client:", err)
	}
	log.Println("Chroma client initialized successfully")

	gmailService := gmail.NewService(cfg.GoogleClientID, cfg.GoogleClientSecret)
	imapService := imap.NewService()

	rateLimitRepo := autoreplyRepo.NewRateLimitRepository(db)
	cursorRepo := autoreplyRepo.NewHistoryCursorRepository(db)
	indexRepo := autoreplyRepo.NewThreadIndexRepository(db)
	promptRepo := autoreplyRepo.NewCustomPromptRepository(db)
	configRepo := autoreplyRepo.NewConfigRepository(db)

	gateways := autoreplyUsecase.NewGatewayFactory(gmailService, imapService, userRepo, cfg)
	deduper := autoreplyUsecase.NewDeduper(0, 0)
	governor := autoreplyUsecase.NewGovernor(rateLimitRepo)
	classifier := autoreplyUsecase.NewClassifier(aiService, promptRepo)
	indexer := autoreplyUsecase.NewIndexer(chromaClient, indexRepo)
	retriever := autoreplyUsecase.NewRetriever(chromaClient, indexRepo)
	composer := autoreplyUsecase.NewComposer(aiService, promptRepo)
	monitor := autoreplyUsecase.NewThreadMonitor(indexRepo, indexer)

	var notifier autoreplyUsecase.Notifier
	if fcmClient != nil {
		notifier = fcmClient
	}

	pipeline := autoreplyUsecase.NewPipeline(autoreplyUsecase.PipelineDeps{
		UserRepo:          userRepo,
		FCMRepo:           fcmTokenRepo,
		ConfigRepo:        configRepo,
		Deduper:           deduper,
		Governor:          governor,
		Gateways:          gateways,
		Classifier:        classifier,
		Indexer:           indexer,
		Retriever:         retriever,
		Composer:          composer,
		Monitor:           monitor,
		Notifier:          notifier,
		MaxContextThreads: cfg.MaxContextThreads,
	})

	workers := autoreplyUsecase.NewReplyWorkerService(pipeline, cfg.ReplyWorkers)
	workers.Start()
	log.Println("Reply worker service started")

	detector := autoreplyUsecase.NewDetector(userRepo, configRepo, cursorRepo, gateways, workers, monitor, autoreplyUsecase.DetectorConfig{
		Interval:    cfg.CheckInterval,
		BatchSize:   cfg.CheckBatchSize,
		BatchPause:  cfg.BatchPause,
		CycleBudget: cfg.CycleBudget,
		GatewayRPS:  cfg.GatewayRPS,
	})
	detector.Start()
	log.Println("Detector started")

	// Without a live users.watch Gmail never publishes to the topic, so the
	// push half of ingestion rides on this renewal loop.
	var watcher *notification.Watcher
	if cfg.GoogleProjectID != "" {
		topic := notification.TopicResource(cfg.GoogleProjectID, cfg.GooglePubSubTopic)
		watcher = notification.NewWatcher(gmailService, userRepo, configRepo, topic, cfg.WatchRenewInterval)
		watcher.Start()
		log.Println("Gmail watch renewal started")
	} else {
		log.Printf("[WARN] GoogleProjectID not configured, Gmail mailbox watches disabled")
	}

	autoreplyHandler := autoreplyDelivery.NewHandler(detector, workers, governor, userRepo, configRepo, promptRepo, indexRepo, indexer)

	return &Handler{
		authUsecase:      authUc,
		config:           cfg,
		fcmTokenRepo:     fcmTokenRepo,
		autoreplyHandler: autoreplyHandler,
		detector:         detector,
		workers:          workers,
		watcher:          watcher,
	}
}

// Detector exposes the poll loop so the notification service can route
// webhook pushes into it.
func (h *Handler) Detector() *autoreplyUsecase.Detector {
	return h.detector
}

// Shutdown stops the background services in dependency order.
func (h *Handler) Shutdown() {
	if h.watcher != nil {
		h.watcher.Stop()
	}
	h.detector.Stop()
	h.workers.Stop()
}

func (h *Handler) Start(addr string) error {
	r := gin.Default()
	gin.SetMode(gin.ReleaseMode)

	// CORS middleware
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// An untyped nil keeps the watcher hook disabled when Pub/Sub is not
	// configured; a typed nil pointer in the interface would not.
	var watcher delivery.MailboxWatcher
	if h.watcher != nil {
		watcher = h.watcher
	}
	SetupRoutes(r, h.authUsecase, h.fcmTokenRepo, h.autoreplyHandler, watcher)

	return r.Run(addr)
}
