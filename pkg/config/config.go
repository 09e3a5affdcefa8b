package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port             string
	JWTSecret        string
	JWTAccessExpiry  time.Duration
	JWTRefreshExpiry time.Duration

	// Postgres
	DatabaseURL string

	// Google / Gmail
	GoogleClientID     string
	GoogleClientSecret string
	GoogleProjectID    string
	GooglePubSubTopic  string
	GoogleCredentials  string // path to a service account credentials file

	// AI providers
	AIProvider    string
	GeminiApiKey  string
	OllamaBaseURL string
	OllamaModel   string

	// Chroma vector store
	ChromaAPIKey   string
	ChromaTenant   string
	ChromaDatabase string

	// Firebase push notifications
	FirebaseCredentials string

	// IMAP password encryption
	EncryptionKey string

	// Auto-reply pipeline tuning
	CheckInterval     time.Duration // poll cycle interval
	CheckBatchSize    int           // users per poll batch
	BatchPause        time.Duration // pause between poll batches
	CycleBudget       time.Duration // hard budget for one poll cycle
	ReplyWorkers      int           // workers draining the reply queue
	MaxContextThreads int           // similar threads fed to the composer
	GatewayRPS        float64       // provider API calls per second

	// Gmail push notifications
	WatchRenewInterval time.Duration // mailbox watch renewal cadence
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Port:             getEnv("PORT", "8080"),
		JWTSecret:        getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		JWTAccessExpiry:  getEnvSeconds("JWT_ACCESS_EXPIRY_SECONDS", 15*time.Minute),
		JWTRefreshExpiry: getEnvSeconds("JWT_REFRESH_EXPIRY_SECONDS", 7*24*time.Hour),

		DatabaseURL: getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=mailpilot port=5432 sslmode=disable"),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),
		GooglePubSubTopic:  getEnv("GOOGLE_PUBSUB_TOPIC", "gmail-updates"),
		GoogleCredentials:  getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		AIProvider:    getEnv("AI_PROVIDER", "auto"),
		GeminiApiKey:  getEnv("GEMINI_API_KEY", ""),
		OllamaBaseURL: getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:   getEnv("OLLAMA_MODEL", "llama3"),

		ChromaAPIKey:   getEnv("CHROMA_API_KEY", ""),
		ChromaTenant:   getEnv("CHROMA_TENANT", ""),
		ChromaDatabase: getEnv("CHROMA_DATABASE", ""),

		FirebaseCredentials: getEnv("FIREBASE_CREDENTIALS", ""),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		CheckInterval:     getEnvSeconds("EMAIL_CHECK_INTERVAL_SECONDS", 60*time.Second),
		CheckBatchSize:    getEnvInt("EMAIL_CHECK_BATCH_SIZE", 10),
		BatchPause:        getEnvSeconds("EMAIL_CHECK_BATCH_PAUSE_SECONDS", 2*time.Second),
		CycleBudget:       getEnvSeconds("EMAIL_CHECK_CYCLE_BUDGET_SECONDS", 300*time.Second),
		ReplyWorkers:      getEnvInt("REPLY_WORKERS", 3),
		MaxContextThreads: getEnvInt("MAX_CONTEXT_THREADS", 3),
		GatewayRPS:        getEnvFloat("GATEWAY_RPS", 5),

		// A Gmail watch lasts seven days; renewing daily keeps a wide margin
		WatchRenewInterval: getEnvSeconds("GMAIL_WATCH_RENEW_INTERVAL_SECONDS", 24*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvSeconds reads a duration expressed as whole seconds, falling back to
// time.ParseDuration syntax.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	return defaultValue
}
