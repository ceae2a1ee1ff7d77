package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/lalithlochan/dunning/internal/channel"
)

// Provider names accepted by EMAIL_PROVIDER, CHAT_PROVIDER and VOICE_PROVIDER.
const (
	ProviderLog  = "log"
	ProviderSES  = "ses"
	ProviderSMTP = "smtp"
	ProviderHTTP = "http"
	ProviderSNS  = "sns"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database. DatabaseURL wins over the discrete fields.
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Queue. SQS is used when SQSQueueURL is set, Redis lists otherwise.
	QueueName      string
	SQSRegion      string
	SQSQueueURL    string
	SQSWaitSeconds int

	// Dispatch worker
	WorkerEnabled      bool
	DispatchRateLimit  int
	DispatchRateWindow time.Duration
	ConnectorTimeout   time.Duration

	// Producer API rate limit per tenant
	APIRateLimit  int
	APIRateWindow time.Duration

	// Webhooks
	WebhookSecret    string
	IdempotencyTTL   time.Duration
	CustomerCacheTTL time.Duration

	// Channel providers
	EmailProvider   string
	ChatProvider    string
	VoiceProvider   string
	ChatAPIURL      string
	ChatAPIToken    string
	ChatSenderID    string
	VoiceAPIURL     string
	VoiceAPIToken   string
	VoiceFromNumber string

	// SMTP config for email sending
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string // sender email address

	// AWS Services
	AWSRegion           string
	AWSEndpoint         string // localstack and friends
	SESFromEmail        string
	SNSRegion           string
	BatchEventsTopicARN string

	// Tracing; empty disables export
	OTLPEndpoint string

	// Per-tenant overrides loaded from TenantConfigFile
	TenantConfigFile string
	Tenants          map[uuid.UUID]TenantSettings
}

// TenantSettings are the secrets and sender identities of one tenant.
// Empty fields fall back to the global values.
type TenantSettings struct {
	WebhookSecret string `json:"webhookSecret"`
	channel.Credentials
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first if present; real
// environment variables win over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBPassword: "",
		DBName:     "dunning",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		QueueName:      "dunning:jobs",
		SQSWaitSeconds: 10,

		WorkerEnabled:      true,
		DispatchRateLimit:  10,
		DispatchRateWindow: time.Minute,
		ConnectorTimeout:   30 * time.Second,

		APIRateLimit:  100,
		APIRateWindow: time.Minute,

		IdempotencyTTL:   time.Hour,
		CustomerCacheTTL: 5 * time.Minute,

		EmailProvider: ProviderLog,
		ChatProvider:  ProviderLog,
		VoiceProvider: ProviderLog,

		// SMTP defaults
		SMTPHost: "localhost",
		SMTPPort: 587,
		SMTPFrom: "cobranzas@dunning.local",

		AWSRegion: "us-east-1",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Queue and dispatch
	if name := os.Getenv("QUEUE_NAME"); name != "" {
		cfg.QueueName = name
	}

	var err error
	if cfg.WorkerEnabled, err = boolEnv("WORKER_ENABLED", cfg.WorkerEnabled); err != nil {
		return nil, err
	}
	if cfg.DispatchRateLimit, err = intEnv("DISPATCH_RATE_LIMIT", cfg.DispatchRateLimit); err != nil {
		return nil, err
	}
	if cfg.DispatchRateWindow, err = durationEnv("DISPATCH_RATE_WINDOW", cfg.DispatchRateWindow); err != nil {
		return nil, err
	}
	if cfg.ConnectorTimeout, err = durationEnv("CONNECTOR_TIMEOUT", cfg.ConnectorTimeout); err != nil {
		return nil, err
	}
	if cfg.APIRateLimit, err = intEnv("API_RATE_LIMIT", cfg.APIRateLimit); err != nil {
		return nil, err
	}
	if cfg.APIRateWindow, err = durationEnv("API_RATE_WINDOW", cfg.APIRateWindow); err != nil {
		return nil, err
	}

	// Webhooks
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return nil, err
	}
	if cfg.CustomerCacheTTL, err = durationEnv("CUSTOMER_CACHE_TTL", cfg.CustomerCacheTTL); err != nil {
		return nil, err
	}

	// Providers
	if p := os.Getenv("EMAIL_PROVIDER"); p != "" {
		cfg.EmailProvider = p
	}
	if p := os.Getenv("CHAT_PROVIDER"); p != "" {
		cfg.ChatProvider = p
	}
	if p := os.Getenv("VOICE_PROVIDER"); p != "" {
		cfg.VoiceProvider = p
	}
	cfg.ChatAPIURL = os.Getenv("CHAT_API_URL")
	cfg.ChatAPIToken = os.Getenv("CHAT_API_TOKEN")
	cfg.ChatSenderID = os.Getenv("CHAT_SENDER_ID")
	cfg.VoiceAPIURL = os.Getenv("VOICE_API_URL")
	cfg.VoiceAPIToken = os.Getenv("VOICE_API_TOKEN")
	cfg.VoiceFromNumber = os.Getenv("VOICE_FROM_NUMBER")

	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTPHost = host
	}

	if port := os.Getenv("SMTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
		}
		cfg.SMTPPort = p
	}

	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		cfg.SMTPUsername = user
	}

	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTPPassword = pass
	}

	if from := os.Getenv("SMTP_FROM"); from != "" {
		cfg.SMTPFrom = from
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT_URL")

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if cfg.SQSWaitSeconds, err = intEnv("SQS_WAIT_SECONDS", cfg.SQSWaitSeconds); err != nil {
		return nil, err
	}

	// SNS config for SMS and batch events
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	cfg.BatchEventsTopicARN = os.Getenv("BATCH_EVENTS_TOPIC_ARN")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	if path := os.Getenv("TENANT_CONFIG_FILE"); path != "" {
		cfg.TenantConfigFile = path
		tenants, err := LoadTenants(path)
		if err != nil {
			return nil, err
		}
		cfg.Tenants = tenants
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.EmailProvider {
	case ProviderLog, ProviderSES, ProviderSMTP:
	default:
		return fmt.Errorf("invalid EMAIL_PROVIDER %q: want ses, smtp or log", c.EmailProvider)
	}
	switch c.ChatProvider {
	case ProviderLog, ProviderHTTP, ProviderSNS:
	default:
		return fmt.Errorf("invalid CHAT_PROVIDER %q: want http, sns or log", c.ChatProvider)
	}
	switch c.VoiceProvider {
	case ProviderLog, ProviderHTTP:
	default:
		return fmt.Errorf("invalid VOICE_PROVIDER %q: want http or log", c.VoiceProvider)
	}
	if c.ChatProvider == ProviderHTTP && c.ChatAPIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required when CHAT_PROVIDER=http")
	}
	if c.VoiceProvider == ProviderHTTP && c.VoiceAPIURL == "" {
		return fmt.Errorf("VOICE_API_URL is required when VOICE_PROVIDER=http")
	}
	if c.DispatchRateLimit <= 0 {
		return fmt.Errorf("DISPATCH_RATE_LIMIT must be positive")
	}
	if c.DispatchRateWindow <= 0 {
		return fmt.Errorf("DISPATCH_RATE_WINDOW must be positive")
	}
	if c.APIRateLimit <= 0 || c.APIRateWindow <= 0 {
		return fmt.Errorf("API_RATE_LIMIT and API_RATE_WINDOW must be positive")
	}
	return nil
}

// LoadTenants reads a JSON object keyed by tenant id.
func LoadTenants(path string) (map[uuid.UUID]TenantSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant config: %w", err)
	}

	var raw map[string]TenantSettings
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse tenant config %s: %w", path, err)
	}

	out := make(map[uuid.UUID]TenantSettings, len(raw))
	for key, settings := range raw {
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("tenant config %s: invalid tenant id %q", path, key)
		}
		out[id] = settings
	}
	return out, nil
}

// Credentials builds the connector credential source. The default sender
// address follows the configured email provider.
func (c *Config) Credentials() *channel.StaticCredentials {
	from := c.SMTPFrom
	if c.EmailProvider == ProviderSES && c.SESFromEmail != "" {
		from = c.SESFromEmail
	}

	creds := &channel.StaticCredentials{
		Default: channel.Credentials{
			EmailFrom:       from,
			ChatToken:       c.ChatAPIToken,
			ChatSenderID:    c.ChatSenderID,
			VoiceToken:      c.VoiceAPIToken,
			VoiceFromNumber: c.VoiceFromNumber,
		},
		Tenants: make(map[uuid.UUID]channel.Credentials, len(c.Tenants)),
	}
	for id, t := range c.Tenants {
		creds.Tenants[id] = t.Credentials
	}
	return creds
}

// TenantWebhookSecrets returns the tenants that sign with their own secret.
func (c *Config) TenantWebhookSecrets() map[uuid.UUID]string {
	out := make(map[uuid.UUID]string)
	for id, t := range c.Tenants {
		if t.WebhookSecret != "" {
			out[id] = t.WebhookSecret
		}
	}
	return out
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// durationEnv accepts Go durations ("90s") or plain seconds ("90").
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
