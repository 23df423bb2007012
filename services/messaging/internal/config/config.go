package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location, overridable with MESSAGING_CONFIG.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	LogsDir     string `yaml:"logsDir"`
	DatabaseURL string `yaml:"databaseURL"`

	AuthJWKSURL string `yaml:"authJWKSURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	BookingServiceURL string `yaml:"bookingServiceURL"`
	UserServiceURL    string `yaml:"userServiceURL"`

	InternalJWTKeyID            string   `yaml:"internalJwtKeyId"`
	InternalJWTPrivateKeyPath   string   `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	InternalJWTAllowedIssuers   []string `yaml:"internalJwtAllowedIssuers"`

	SendRateLimitPerMinute    int `yaml:"sendRateLimitPerMinute"`
	ConnectRateLimitPerMinute int `yaml:"connectRateLimitPerMinute"`

	RetentionWindow    string `yaml:"retentionWindow"`
	RetentionCron      string `yaml:"retentionCron"`
	RetentionBatchSize int    `yaml:"retentionBatchSize"`

	PreviewQueueStream string `yaml:"previewQueueStream"`
	FanoutChannel      string `yaml:"fanoutChannel"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	MinioEndpoint      string `yaml:"minioEndpoint"`
	MinioAccessKey     string `yaml:"minioAccessKey"`
	MinioSecretKey     string `yaml:"minioSecretKey"`
	MinioBucket        string `yaml:"minioBucket"`
	MinioUseSSL        bool   `yaml:"minioUseSSL"`
	MaxAttachmentBytes int64  `yaml:"maxAttachmentBytes"`

	AllowedOrigins []string `yaml:"allowedOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`
}

// Defaults applied when a key is absent.
const (
	DefaultRetentionWindow    = 720 * time.Hour
	DefaultRetentionCron      = "0 3 * * *"
	DefaultRetentionBatchSize = 500
	DefaultMaxAttachmentBytes = 10 << 20
)

// Load reads config from path (defaults to MESSAGING_CONFIG or config.yaml),
// applies environment overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = os.Getenv("MESSAGING_CONFIG")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	str := map[string]*string{
		"PORT":                                     &cfg.Port,
		"LOG_LEVEL":                                &cfg.LogLevel,
		"LOGS_DIR":                                 &cfg.LogsDir,
		"DATABASE_URL":                             &cfg.DatabaseURL,
		"AUTH_JWKS_URL":                            &cfg.AuthJWKSURL,
		"REDIS_ADDR":                               &cfg.RedisAddr,
		"REDIS_PASSWORD":                           &cfg.RedisPassword,
		"AMQP_URL":                                 &cfg.AMQPURL,
		"MINIO_ACCESS_KEY":                         &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":                         &cfg.MinioSecretKey,
		"RETENTION_WINDOW":                         &cfg.RetentionWindow,
		"RETENTION_CRON":                           &cfg.RetentionCron,
		"MOTOCHAT_INTERNAL_JWT_KEY_ID":             &cfg.InternalJWTKeyID,
		"MOTOCHAT_INTERNAL_JWT_PRIVATE_KEY_PATH":   &cfg.InternalJWTPrivateKeyPath,
		"MOTOCHAT_INTERNAL_JWT_PUBLIC_KEY_PATH":    &cfg.InternalJWTPublicKeyPath,
		"MOTOCHAT_INTERNAL_JWT_VERIFY_PUBLIC_KEYS": &cfg.InternalJWTVerifyPublicKeys,
	}
	for env, dst := range str {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("SEND_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SendRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CONNECT_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConnectRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.RetentionWindow == "" {
		cfg.RetentionWindow = DefaultRetentionWindow.String()
	}
	if cfg.RetentionCron == "" {
		cfg.RetentionCron = DefaultRetentionCron
	}
	if cfg.RetentionBatchSize <= 0 {
		cfg.RetentionBatchSize = DefaultRetentionBatchSize
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if cfg.PreviewQueueStream == "" {
		cfg.PreviewQueueStream = "motochat:preview-refresh"
	}
	if cfg.MinioBucket == "" {
		cfg.MinioBucket = "motochat-attachments"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJWKSURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if cfg.BookingServiceURL == "" {
		return errors.New("config: bookingServiceURL is required (set in config.yaml)")
	}
	if cfg.UserServiceURL == "" {
		return errors.New("config: userServiceURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.InternalJWTPrivateKeyPath) == "" {
		return errors.New("config: internal service auth requires MOTOCHAT_INTERNAL_JWT_PRIVATE_KEY_PATH")
	}
	if strings.TrimSpace(cfg.InternalJWTPublicKeyPath) == "" && strings.TrimSpace(cfg.InternalJWTVerifyPublicKeys) == "" {
		return errors.New("config: internal service auth requires MOTOCHAT_INTERNAL_JWT_PUBLIC_KEY_PATH or MOTOCHAT_INTERNAL_JWT_VERIFY_PUBLIC_KEYS")
	}
	if len(cfg.InternalJWTAllowedIssuers) == 0 {
		return errors.New("config: internalJwtAllowedIssuers must list at least one issuer")
	}
	if cfg.SendRateLimitPerMinute < 0 || cfg.ConnectRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if (cfg.SendRateLimitPerMinute > 0 || cfg.ConnectRateLimitPerMinute > 0 || cfg.FanoutChannel != "") && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when rate limits or fanoutChannel are set")
	}
	if _, err := ParseDuration("retentionWindow", cfg.RetentionWindow, DefaultRetentionWindow); err != nil {
		return err
	}
	if _, err := ParseDuration("jwtLeeway", cfg.JWTLeeway, 0); err != nil {
		return err
	}
	if !gronx.IsValid(cfg.RetentionCron) {
		return fmt.Errorf("config: retentionCron %q is not a valid cron expression", cfg.RetentionCron)
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minio credentials are required when minioEndpoint is set (MINIO_ACCESS_KEY / MINIO_SECRET_KEY)")
	}
	return nil
}

// ParseDuration parses a duration field, returning def when raw is empty.
// Plain integers are read as seconds.
func ParseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("config: %s must be >= 0", field)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must be >= 0", field)
	}
	return d, nil
}

// RetentionWindowDuration returns the parsed retention window.
func (c FileConfig) RetentionWindowDuration() time.Duration {
	d, _ := ParseDuration("retentionWindow", c.RetentionWindow, DefaultRetentionWindow)
	return d
}

// JWTLeewayDuration returns the parsed user-token leeway.
func (c FileConfig) JWTLeewayDuration() time.Duration {
	d, _ := ParseDuration("jwtLeeway", c.JWTLeeway, 0)
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
