package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"leadpilot/models"
)

type Config struct {
	HTTP         HTTPConfig
	Store        StoreConfig
	Orchestrator OrchestratorConfig
	Classifier   ClassifierConfig
	Generator    GeneratorConfig
	Scheduler    SchedulerConfig
	Dispatch     DispatchConfig
	SMTP         SMTPConfig
	WhatsApp     WhatsAppConfig
	RabbitMQ     RabbitMQConfig
	S3           S3Config
	Usage        UsageConfig
	Proxy        ProxyConfig
	LogLevel     string
	LogFile      string
	SourcesDir   string
	Sources      map[string]*SourceConfig
}

type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string
}

type StoreConfig struct {
	Driver      string // postgres, sqlite, memory
	PostgresURL string
	SQLitePath  string
}

type OrchestratorConfig struct {
	SourceTimeout time.Duration
	EventBuffer   int
}

type ClassifierConfig struct {
	URL           string
	APIKey        string
	Timeout       time.Duration
	HotThreshold  int
	WarmThreshold int
}

type GeneratorConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type SchedulerConfig struct {
	Enabled       bool
	AnchorHour    int
	JitterMinutes int
	SyncInterval  time.Duration
	Workers       int
}

type DispatchConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	DefaultTimezone string
	TemplatesDir    string
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

type WhatsAppConfig struct {
	AccessToken string
	PhoneID     string
	BaseURL     string
}

type RabbitMQConfig struct {
	URL string
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type UsageConfig struct {
	UnitCosts map[models.UsageOperation]float64
}

type ProxyConfig struct {
	URL string
}

// SourceConfig describes one marketplace connector, loaded from SourcesDir/*.yaml.
type SourceConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Handler     string            `yaml:"handler"` // api, html, browser, apify
	RateLimitMS int               `yaml:"rate_limit_ms"`
	MaxPages    int               `yaml:"max_pages"`
	Endpoints   map[string]string `yaml:"endpoints"`
	Selectors   map[string]string `yaml:"selectors"`
	ApifyActor  string            `yaml:"apify_actor"`
	ApifyMax    int               `yaml:"apify_max_listings"`
	Token       string            `yaml:"token"` // ${VAR} references are expanded
	UserAgent   string            `yaml:"user_agent"`
}

var knownHandlers = map[string]bool{"api": true, "html": true, "browser": true, "apify": true}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:           getEnv("HTTP_ADDR", ":8080"),
			AllowedOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		},
		Store: StoreConfig{
			Driver:      getEnv("STORE_DRIVER", "sqlite"),
			PostgresURL: os.Getenv("DATABASE_URL"),
			SQLitePath:  getEnv("DB_PATH", "leadpilot.db"),
		},
		Orchestrator: OrchestratorConfig{
			SourceTimeout: getEnvDuration("SOURCE_TIMEOUT", 45*time.Second),
			EventBuffer:   getEnvInt("EVENT_BUFFER", 64),
		},
		Classifier: ClassifierConfig{
			URL:           os.Getenv("CLASSIFIER_URL"),
			APIKey:        os.Getenv("CLASSIFIER_API_KEY"),
			Timeout:       getEnvDuration("CLASSIFIER_TIMEOUT", 10*time.Second),
			HotThreshold:  getEnvInt("TIER_HOT_THRESHOLD", 70),
			WarmThreshold: getEnvInt("TIER_WARM_THRESHOLD", 40),
		},
		Generator: GeneratorConfig{
			URL:     os.Getenv("GENERATOR_URL"),
			APIKey:  os.Getenv("GENERATOR_API_KEY"),
			Timeout: getEnvDuration("GENERATOR_TIMEOUT", 15*time.Second),
		},
		Scheduler: SchedulerConfig{
			Enabled:       getEnv("SCHEDULER_ENABLED", "true") == "true",
			AnchorHour:    getEnvInt("SCHEDULE_ANCHOR_HOUR", 8),
			JitterMinutes: getEnvInt("SCHEDULE_JITTER_MINUTES", 30),
			SyncInterval:  getEnvDuration("SCHEDULE_SYNC_INTERVAL", 5*time.Minute),
			Workers:       getEnvInt("SCHEDULER_WORKERS", 4),
		},
		Dispatch: DispatchConfig{
			PollInterval:    getEnvDuration("DISPATCH_POLL_INTERVAL", time.Minute),
			BatchSize:       getEnvInt("DISPATCH_BATCH_SIZE", 50),
			DefaultTimezone: getEnv("DEFAULT_TIMEZONE", "America/Sao_Paulo"),
			TemplatesDir:    getEnv("TEMPLATES_DIR", "templates"),
		},
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getEnvInt("SMTP_PORT", 587),
			User:     os.Getenv("SMTP_USER"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     getEnv("SMTP_FROM", "no-reply@leadpilot.app"),
		},
		WhatsApp: WhatsAppConfig{
			AccessToken: os.Getenv("WHATSAPP_ACCESS_TOKEN"),
			PhoneID:     os.Getenv("WHATSAPP_PHONE_ID"),
			BaseURL:     getEnv("WHATSAPP_BASE_URL", "https://graph.facebook.com/v18.0"),
		},
		RabbitMQ: RabbitMQConfig{
			URL: os.Getenv("RABBITMQ_URL"),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Usage: UsageConfig{
			UnitCosts: map[models.UsageOperation]float64{
				models.UsageLeadCapture:  getEnvFloat("COST_LEAD_CAPTURE", 0.05),
				models.UsageAIAnalysis:   getEnvFloat("COST_AI_ANALYSIS", 0.02),
				models.UsageEmailSent:    getEnvFloat("COST_EMAIL_SENT", 0.01),
				models.UsageWhatsAppSent: getEnvFloat("COST_WHATSAPP_SENT", 0.03),
			},
		},
		Proxy:      ProxyConfig{URL: os.Getenv("PROXY_URL")},
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFile:    getEnv("LOG_FILE", "leadpilot.log"),
		SourcesDir: getEnv("SOURCES_DIR", "config/sources"),
		Sources:    make(map[string]*SourceConfig),
	}

	if err := cfg.loadSourceConfigs(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.PostgresURL == "" {
			return eris.New("config: DATABASE_URL is required for the postgres store")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return eris.New("config: DB_PATH is required for the sqlite store")
		}
	case "memory":
	default:
		return eris.Errorf("config: unknown STORE_DRIVER %q", c.Store.Driver)
	}

	hot, warm := c.Classifier.HotThreshold, c.Classifier.WarmThreshold
	if hot < 0 || hot > 100 || warm < 0 || warm > 100 {
		return eris.New("config: tier thresholds must be within 0..100")
	}
	if hot <= warm {
		return eris.Errorf("config: hot threshold (%d) must exceed warm threshold (%d)", hot, warm)
	}
	if c.Scheduler.AnchorHour < 0 || c.Scheduler.AnchorHour > 23 {
		return eris.New("config: SCHEDULE_ANCHOR_HOUR must be within 0..23")
	}
	if c.Scheduler.JitterMinutes < 0 || c.Scheduler.JitterMinutes > 59 {
		return eris.New("config: SCHEDULE_JITTER_MINUTES must be within 0..59")
	}
	if c.Scheduler.Workers < 1 {
		return eris.New("config: SCHEDULER_WORKERS must be at least 1")
	}
	if c.Orchestrator.SourceTimeout <= 0 {
		return eris.New("config: SOURCE_TIMEOUT must be positive")
	}
	if c.Orchestrator.EventBuffer < 1 {
		c.Orchestrator.EventBuffer = 1
	}
	if _, err := time.LoadLocation(c.Dispatch.DefaultTimezone); err != nil {
		return eris.Wrapf(err, "config: DEFAULT_TIMEZONE %q", c.Dispatch.DefaultTimezone)
	}

	for id, src := range c.Sources {
		if !knownHandlers[src.Handler] {
			return eris.Errorf("config: source %s has unknown handler %q", id, src.Handler)
		}
	}
	return nil
}

func (c *Config) loadSourceConfigs() error {
	entries, err := os.ReadDir(c.SourcesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return eris.Wrap(err, "config: read sources dir")
	}

	for _, entry := range entries {
		if entry.IsDir() || (filepath.Ext(entry.Name()) != ".yaml" && filepath.Ext(entry.Name()) != ".yml") {
			continue
		}

		path := filepath.Join(c.SourcesDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "config: read %s", path)
		}

		var src SourceConfig
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &src); err != nil {
			return eris.Wrapf(err, "config: parse %s", path)
		}
		if src.ID == "" {
			src.ID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		if src.Name == "" {
			src.Name = src.ID
		}

		c.Sources[src.ID] = &src
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
