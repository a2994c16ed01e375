package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/digkill/arcano/internal/models"
)

// ToolConfig binds a tool to its price and the RunningHub workflow that runs it.
type ToolConfig struct {
	Cost        int
	WorkflowID  string
	ImageNodeID string
	ImageField  string
}

// Config aggregates runtime configuration for the API server and its workers.
type Config struct {
	ListenAddr          string
	PublicBaseURL       string
	CORSOrigins         []string
	LogLevel            string
	MySQLDSN            string
	SupabaseJWTSecret   string
	ServiceKey          string
	FunctionsBaseURL    string
	CampaignSenderName  string
	RunningHubAPIKey    string
	RunningHubBaseURL   string
	RunningHubHookToken string
	RequestTimeout      time.Duration
	DispatchTimeout     time.Duration
	Tools               map[models.Tool]ToolConfig

	PendingTimeout      time.Duration
	ReconcileInterval   time.Duration
	JobMaxDuration      time.Duration
	CampaignStallAfter  time.Duration
	CampaignMaxResumes  int
	SubmitRatePerMinute int
	SubmitBurst         int
	MaxUploadBytes      int64

	PromoBonusCredits     int
	ReferralReferrerBonus int
	ReferralReferredBonus int

	TelegramBotToken string

	PaymentCurrency          string
	PaymentPriceMinorUnits   int
	PaymentCreditsPerPackage int
	PaymentProvider          string
	YooKassaShopID           string
	YooKassaSecretKey        string
	YooKassaReturnURL        string

	AdminUsername string
	AdminPassword string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultRunningHubBaseURL = "https://www.runninghub.ai"

	cfg := Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		PublicBaseURL:       strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		CORSOrigins:         getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		FunctionsBaseURL:    strings.TrimRight(os.Getenv("FUNCTIONS_BASE_URL"), "/"),
		CampaignSenderName:  getEnv("CAMPAIGN_SENDER_FUNCTION", "send-email-campaign"),
		RunningHubBaseURL:   normalizeBaseURL(getEnv("RUNNINGHUB_BASE_URL", defaultRunningHubBaseURL), defaultRunningHubBaseURL),
		RunningHubHookToken: os.Getenv("RUNNINGHUB_WEBHOOK_TOKEN"),
		RequestTimeout:      getDuration("HTTP_TIMEOUT", 30*time.Second),
		DispatchTimeout:     getDuration("DISPATCH_TIMEOUT", 20*time.Second),
		Tools:               loadTools(),

		PendingTimeout:      getDuration("PENDING_TIMEOUT", 30*time.Second),
		ReconcileInterval:   getDuration("RECONCILE_INTERVAL", 15*time.Second),
		JobMaxDuration:      getDuration("JOB_MAX_DURATION", 15*time.Minute),
		CampaignStallAfter:  getDuration("CAMPAIGN_STALL_AFTER", 60*time.Second),
		CampaignMaxResumes:  getInt("CAMPAIGN_MAX_RESUMES", 5),
		SubmitRatePerMinute: getInt("SUBMIT_RATE_PER_MINUTE", 6),
		SubmitBurst:         getInt("SUBMIT_BURST", 3),
		MaxUploadBytes:      int64(getInt("MAX_UPLOAD_MB", 25)) << 20,

		PromoBonusCredits:     getInt("PROMO_BONUS_CREDITS", 100),
		ReferralReferrerBonus: getInt("REFERRAL_REFERRER_BONUS", 50),
		ReferralReferredBonus: getInt("REFERRAL_REFERRED_BONUS", 30),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		PaymentCurrency:          getEnv("PAYMENT_CURRENCY", "BRL"),
		PaymentPriceMinorUnits:   getInt("PAYMENT_PRICE_MINOR_UNITS", 2990),
		PaymentCreditsPerPackage: getInt("PAYMENT_CREDITS_PER_PACKAGE", 500),
		PaymentProvider:          strings.ToLower(getEnv("PAYMENT_PROVIDER", "yookassa")),
		YooKassaShopID:           getEnv("YOOKASSA_SHOP_ID", ""),
		YooKassaSecretKey:        getEnv("YOOKASSA_SECRET_KEY", ""),
		YooKassaReturnURL:        getEnv("YOOKASSA_RETURN_URL", ""),

		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", "change-me"),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "inputs"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.SupabaseJWTSecret = os.Getenv("SUPABASE_JWT_SECRET")
	cfg.ServiceKey = os.Getenv("SERVICE_KEY")
	cfg.RunningHubAPIKey = os.Getenv("RUNNINGHUB_API_KEY")

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.SupabaseJWTSecret == "" {
		missing = append(missing, "SUPABASE_JWT_SECRET")
	}
	if cfg.RunningHubAPIKey == "" {
		missing = append(missing, "RUNNINGHUB_API_KEY")
	}
	if cfg.PaymentProvider == "yookassa" {
		if cfg.YooKassaShopID == "" {
			missing = append(missing, "YOOKASSA_SHOP_ID")
		}
		if cfg.YooKassaSecretKey == "" {
			missing = append(missing, "YOOKASSA_SECRET_KEY")
		}
	}
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if cfg.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// WebhookURL is the callback RunningHub posts task results to.
func (c Config) WebhookURL() string {
	u := c.PublicBaseURL + "/webhooks/runninghub"
	if c.RunningHubHookToken != "" {
		u += "?token=" + url.QueryEscape(c.RunningHubHookToken)
	}
	return u
}

var defaultToolCosts = map[models.Tool]int{
	models.ToolUpscaler:           60,
	models.ToolPoseChanger:        60,
	models.ToolClothingSwap:       60,
	models.ToolCharacterGenerator: 75,
	models.ToolVideoUpscaler:      150,
}

func loadTools() map[models.Tool]ToolConfig {
	tools := make(map[models.Tool]ToolConfig, len(defaultToolCosts))
	for _, tool := range models.Tools() {
		key := strings.ToUpper(string(tool))
		tools[tool] = ToolConfig{
			Cost:        getInt(key+"_COST", defaultToolCosts[tool]),
			WorkflowID:  os.Getenv("RUNNINGHUB_" + key + "_WORKFLOW"),
			ImageNodeID: getEnv("RUNNINGHUB_"+key+"_IMAGE_NODE", "1"),
			ImageField:  getEnv("RUNNINGHUB_"+key+"_IMAGE_FIELD", "image"),
		}
	}
	return tools
}

// normalizeBaseURL adds a missing scheme and drops trailing slashes.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	return parsed.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getList(key string, fallback []string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getDuration accepts Go duration strings ("15s") or plain seconds ("15").
func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// Deployments inject plain environment variables.
	return nil
}
