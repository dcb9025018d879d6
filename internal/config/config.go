package config

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

type Config struct {
	Port        string
	GRPCPort    string
	MetricsPort string
	Environment string

	UpstreamURL string
	SiteDomain  string

	SessionCookieName    string
	SessionVerifyURL     string
	SessionSigningKey    string
	SessionCacheTTLSecs  int
	SessionVerifyTimeout int // seconds

	SecurityEventURL   string
	KafkaBrokers       []string
	SecurityEventTopic string
	DatabaseURL        string
	RedisURL           string
	AzureKeyVaultURL   string

	AdminRateLimit      int
	AdminRateWindowSecs int
	APIRateLimit        int
	AdminAPIRateLimit   int
	APIRateWindowSecs   int
	BotRateLimit        int
	BotRateWindowSecs   int
	SweepIntervalSecs   int

	BotAPIToken       string
	BotAPITokenHash   string
	AllowDevBotBypass bool

	OTLPEndpoint string
}

func Load() *Config {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", "50053"),
		MetricsPort: getEnv("METRICS_PORT", "9090"),
		Environment: getEnv("APP_ENV", "production"),

		UpstreamURL: getEnv("UPSTREAM_URL", "http://localhost:3000"),
		SiteDomain:  getEnv("SITE_DOMAIN", "gghorizon.com"),

		SessionCookieName:    getEnv("SESSION_COOKIE_NAME", "__session"),
		SessionVerifyURL:     getEnv("SESSION_VERIFY_URL", ""),
		SessionSigningKey:    getEnv("SESSION_SIGNING_KEY", ""),
		SessionCacheTTLSecs:  getEnvDuration("SESSION_CACHE_TTL_SECONDS", 20),
		SessionVerifyTimeout: getEnvDuration("SESSION_VERIFY_TIMEOUT_SECONDS", 3),

		SecurityEventURL:   getEnv("SECURITY_EVENT_URL", ""),
		KafkaBrokers:       splitList(getEnv("KAFKA_BROKERS", "")),
		SecurityEventTopic: getEnv("SECURITY_EVENT_TOPIC", "security.events"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		AzureKeyVaultURL:   getEnv("AZURE_KEYVAULT_URL", ""),

		AdminRateLimit:      getEnvInt("ADMIN_RATE_LIMIT", 15),
		AdminRateWindowSecs: getEnvDuration("ADMIN_RATE_WINDOW_SECONDS", 60),
		APIRateLimit:        getEnvInt("API_RATE_LIMIT", 120),
		AdminAPIRateLimit:   getEnvInt("ADMIN_API_RATE_LIMIT", 60),
		APIRateWindowSecs:   getEnvDuration("API_RATE_WINDOW_SECONDS", 60),
		BotRateLimit:        getEnvInt("BOT_RATE_LIMIT", 60),
		BotRateWindowSecs:   getEnvDuration("BOT_RATE_WINDOW_SECONDS", 60),
		SweepIntervalSecs:   getEnvDuration("SWEEP_INTERVAL_SECONDS", 120),

		BotAPIToken:       getEnv("BOT_API_TOKEN", ""),
		BotAPITokenHash:   getEnv("BOT_API_TOKEN_HASH", ""),
		AllowDevBotBypass: getEnvBool("ALLOW_DEV_BOT_BYPASS", false),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	// Override secrets from Azure Key Vault when running in AKS with Workload Identity
	if cfg.AzureKeyVaultURL != "" {
		cfg.loadFromKeyVault()
	}

	return cfg
}

// IsProduction reports whether dev-only relaxations must stay disabled.
// Anything other than an explicit development/test value counts as production.
func (c *Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "development", "dev", "local", "test":
		return false
	default:
		return true
	}
}

// loadFromKeyVault fetches secrets from Azure Key Vault using Managed Identity (Workload Identity).
// Falls back gracefully to environment variables if Key Vault is not reachable.
func (c *Config) loadFromKeyVault() {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		log.Printf("[config] Azure Key Vault: could not obtain credentials, using env vars: %v", err)
		return
	}

	client, err := azsecrets.NewClient(c.AzureKeyVaultURL, cred, nil)
	if err != nil {
		log.Printf("[config] Azure Key Vault: could not create client, using env vars: %v", err)
		return
	}

	ctx := context.Background()
	overlay := []struct {
		name   string
		target *string
	}{
		{"bot-api-token", &c.BotAPIToken},
		{"session-signing-key", &c.SessionSigningKey},
		{"edge-db-url", &c.DatabaseURL},
	}
	for _, s := range overlay {
		secret, err := client.GetSecret(ctx, s.name, "", nil)
		if err != nil || secret.Value == nil {
			log.Printf("[config] Azure Key Vault: %s not found, using env var: %v", s.name, err)
			continue
		}
		*s.target = *secret.Value
		log.Printf("[config] Loaded %s from Azure Key Vault", s.name)
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration reads a whole number of seconds. Zero or negative values would
// disable a window or stop a ticker, so they fall back with a warning.
func getEnvDuration(key string, fallback int) int {
	v := getEnvInt(key, fallback)
	if v <= 0 {
		log.Printf("[config] %s must be a positive number of seconds, got %d; using %d", key, v, fallback)
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// splitList splits a comma-separated list, dropping blank entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
