package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	NATSURL        string   `mapstructure:"NATS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	DevUserID      string   `mapstructure:"DEV_USER_ID"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	AWSRegion         string   `mapstructure:"AWS_REGION"`
	AWSEndpointURL    string   `mapstructure:"AWS_ENDPOINT_URL"`
	SQSQueueName      string   `mapstructure:"SQS_QUEUE_NAME"`
	KafkaBrokers      []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic        string   `mapstructure:"KAFKA_TOPIC"`
	KafkaGroupID      string   `mapstructure:"KAFKA_GROUP_ID"`
	AttachmentsBucket string   `mapstructure:"ATTACHMENTS_BUCKET"`

	SendGridAPIKey     string `mapstructure:"SENDGRID_API_KEY"`
	EmailFrom          string `mapstructure:"EMAIL_FROM"`
	EmailFromName      string `mapstructure:"EMAIL_FROM_NAME"`
	SNSPushTopicPrefix string `mapstructure:"SNS_PUSH_TOPIC_PREFIX"`

	UrgentThreshold       int           `mapstructure:"URGENT_THRESHOLD"`
	SMSThreshold          int           `mapstructure:"SMS_THRESHOLD"`
	EscalationInterval    time.Duration `mapstructure:"ESCALATION_INTERVAL"`
	EscalationThreshold   time.Duration `mapstructure:"ESCALATION_THRESHOLD"`
	MetricsInterval       time.Duration `mapstructure:"METRICS_INTERVAL"`
	DeliveryInterval      time.Duration `mapstructure:"DELIVERY_INTERVAL"`
	ChannelTimeout        time.Duration `mapstructure:"CHANNEL_TIMEOUT"`
	NotifyMaxAttempts     int           `mapstructure:"NOTIFY_MAX_ATTEMPTS"`
	NotifyBackoffBase     time.Duration `mapstructure:"NOTIFY_BACKOFF_BASE"`
	NotifyBackoffCap      time.Duration `mapstructure:"NOTIFY_BACKOFF_CAP"`
	NotificationRetention int           `mapstructure:"NOTIFICATION_RETENTION_DAYS"`
	FollowUpAfter         time.Duration `mapstructure:"FOLLOW_UP_AFTER"`
	UrgentEmailsPerHour   int           `mapstructure:"URGENT_EMAILS_PER_HOUR"`
	EventWorkers          int           `mapstructure:"EVENT_WORKERS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "NATS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "DEV_USER_ID",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"AWS_REGION", "AWS_ENDPOINT_URL", "SQS_QUEUE_NAME",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_GROUP_ID", "ATTACHMENTS_BUCKET",
	"SENDGRID_API_KEY", "EMAIL_FROM", "EMAIL_FROM_NAME", "SNS_PUSH_TOPIC_PREFIX",
	"URGENT_THRESHOLD", "SMS_THRESHOLD",
	"ESCALATION_INTERVAL", "ESCALATION_THRESHOLD", "METRICS_INTERVAL",
	"DELIVERY_INTERVAL", "CHANNEL_TIMEOUT",
	"NOTIFY_MAX_ATTEMPTS", "NOTIFY_BACKOFF_BASE", "NOTIFY_BACKOFF_CAP",
	"NOTIFICATION_RETENTION_DAYS", "FOLLOW_UP_AFTER",
	"URGENT_EMAILS_PER_HOUR", "EVENT_WORKERS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEV_USER_ID", "00000000-0000-0000-0000-000000000001")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("KAFKA_GROUP_ID", "triage-intake")
	v.SetDefault("EMAIL_FROM", "no-reply@vitalred.local")
	v.SetDefault("EMAIL_FROM_NAME", "Vital Red")
	v.SetDefault("URGENT_THRESHOLD", 80)
	v.SetDefault("SMS_THRESHOLD", 90)
	v.SetDefault("ESCALATION_INTERVAL", "30m")
	v.SetDefault("ESCALATION_THRESHOLD", "2h")
	v.SetDefault("METRICS_INTERVAL", "15m")
	v.SetDefault("DELIVERY_INTERVAL", "30s")
	v.SetDefault("CHANNEL_TIMEOUT", "10s")
	v.SetDefault("NOTIFY_MAX_ATTEMPTS", 5)
	v.SetDefault("NOTIFY_BACKOFF_BASE", "1m")
	v.SetDefault("NOTIFY_BACKOFF_CAP", "1h")
	v.SetDefault("NOTIFICATION_RETENTION_DAYS", 30)
	v.SetDefault("FOLLOW_UP_AFTER", "24h")
	v.SetDefault("URGENT_EMAILS_PER_HOUR", 5)
	v.SetDefault("EVENT_WORKERS", 4)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = splitList(cfg.CORSOrigins[0])
	}
	if len(cfg.KafkaBrokers) == 1 && strings.Contains(cfg.KafkaBrokers[0], ",") {
		cfg.KafkaBrokers = splitList(cfg.KafkaBrokers[0])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode, every request acts as an administrator")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside development
// either AUTH_ISSUER or AUTH_SIGNING_KEY must be set.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.UrgentThreshold < 0 || c.UrgentThreshold > 100 {
		return fmt.Errorf("URGENT_THRESHOLD must be within 0..100, got %d", c.UrgentThreshold)
	}
	if c.SMSThreshold < c.UrgentThreshold || c.SMSThreshold > 100 {
		return fmt.Errorf("SMS_THRESHOLD must be within URGENT_THRESHOLD..100, got %d", c.SMSThreshold)
	}
	if c.NotifyMaxAttempts < 1 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be positive")
	}
	if c.NotifyBackoffBase <= 0 || c.NotifyBackoffCap < c.NotifyBackoffBase {
		return fmt.Errorf("NOTIFY_BACKOFF_CAP must be >= NOTIFY_BACKOFF_BASE > 0")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}
