package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridden by STYLESYNC_CONFIG.
const ConfigPath = "config.yaml"

// Sync strategies and change feed backends.
const (
	SyncInterval = "interval"
	SyncListener = "listener"
	FeedRedis    = "redis"
	FeedAMQP     = "amqp"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                   string   `yaml:"port"`
	LogLevel               string   `yaml:"logLevel"`
	CacheDir               string   `yaml:"cacheDir"`
	DatabaseURL            string   `yaml:"databaseURL"`
	RedisAddr              string   `yaml:"redisAddr"`
	RedisPassword          string   `yaml:"redisPassword"`
	RedisKeyPrefix         string   `yaml:"redisKeyPrefix"`
	MinioEndpoint          string   `yaml:"minioEndpoint"`
	MinioAccessKey         string   `yaml:"minioAccessKey"`
	MinioSecretKey         string   `yaml:"minioSecretKey"`
	MinioBucket            string   `yaml:"minioBucket"`
	MinioUseSSL            bool     `yaml:"minioUseSSL"`
	PresignExpirySeconds   int      `yaml:"presignExpirySeconds"`
	SyncStrategy           string   `yaml:"syncStrategy"`
	SyncIntervalMinutes    int      `yaml:"syncIntervalMinutes"`
	SyncCheckMinutes       int      `yaml:"syncCheckMinutes"`
	ChangeFeed             string   `yaml:"changeFeed"`
	ChangeStream           string   `yaml:"changeStream"`
	AMQPURL                string   `yaml:"amqpURL"`
	AMQPExchange           string   `yaml:"amqpExchange"`
	HistoryMaxEntries      *int     `yaml:"historyMaxEntries"`
	GeneratedImageHosts    []string `yaml:"generatedImageHosts"`
	DownloadTimeoutSeconds int      `yaml:"downloadTimeoutSeconds"`
	FetchTimeoutSeconds    int      `yaml:"fetchTimeoutSeconds"`
	ResolveConcurrency     int      `yaml:"resolveConcurrency"`
	ThumbnailMaxDim        int      `yaml:"thumbnailMaxDim"`
	AuthJWKSURL            string   `yaml:"authJWKSURL"`
	AuthIssuer             string   `yaml:"authIssuer"`
	AuthAudience           string   `yaml:"authAudience"`
	ResyncLimitPerHour     int      `yaml:"resyncLimitPerHour"`
	LoginLimitPerMinute    int      `yaml:"loginLimitPerMinute"`
	TrustedProxies         []string `yaml:"trustedProxies"`
}

// Path returns the config file to load.
func Path() string {
	if v := strings.TrimSpace(os.Getenv("STYLESYNC_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
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
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STYLESYNC_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("STYLESYNC_SYNC_STRATEGY"); v != "" {
		cfg.SyncStrategy = v
	}
	if v := os.Getenv("STYLESYNC_CHANGE_FEED"); v != "" {
		cfg.ChangeFeed = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("STYLESYNC_HISTORY_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryMaxEntries = &n
		}
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("AUTH_ISSUER"); v != "" {
		cfg.AuthIssuer = v
	}
	if v := os.Getenv("AUTH_AUDIENCE"); v != "" {
		cfg.AuthAudience = v
	}
	if v := os.Getenv("STYLESYNC_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("STYLESYNC_GENERATED_IMAGE_HOSTS"); v != "" {
		cfg.GeneratedImageHosts = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.SyncStrategy = strings.ToLower(strings.TrimSpace(cfg.SyncStrategy))
	if cfg.SyncStrategy == "" {
		cfg.SyncStrategy = SyncInterval
	}
	cfg.ChangeFeed = strings.ToLower(strings.TrimSpace(cfg.ChangeFeed))
	if cfg.ChangeFeed == "" {
		cfg.ChangeFeed = FeedRedis
	}
	if cfg.SyncIntervalMinutes <= 0 {
		cfg.SyncIntervalMinutes = 24 * 60
	}
	if cfg.PresignExpirySeconds <= 0 {
		cfg.PresignExpirySeconds = 15 * 60
	}
	if cfg.DownloadTimeoutSeconds <= 0 {
		cfg.DownloadTimeoutSeconds = 60
	}
	if cfg.FetchTimeoutSeconds <= 0 {
		cfg.FetchTimeoutSeconds = 30
	}
	if cfg.HistoryMaxEntries == nil {
		n := 10
		cfg.HistoryMaxEntries = &n
	}
	if cfg.ResyncLimitPerHour <= 0 {
		cfg.ResyncLimitPerHour = 6
	}
	if cfg.LoginLimitPerMinute <= 0 {
		cfg.LoginLimitPerMinute = 30
	}
	if cfg.RedisKeyPrefix == "" {
		cfg.RedisKeyPrefix = "stylesync"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.CacheDir == "" {
		return errors.New("config: cacheDir is required (set in config.yaml or STYLESYNC_CACHE_DIR)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml)")
	}
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml)")
	}
	if cfg.MinioAccessKey == "" {
		return errors.New("config: minioAccessKey is required (set in config.yaml)")
	}
	if cfg.MinioSecretKey == "" {
		return errors.New("config: minioSecretKey is required (set in config.yaml)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml)")
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJWKSURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if cfg.AuthIssuer == "" || cfg.AuthAudience == "" {
		return errors.New("config: authIssuer and authAudience are required (set in config.yaml)")
	}
	switch cfg.SyncStrategy {
	case SyncInterval, SyncListener:
	default:
		return fmt.Errorf("config: syncStrategy must be %q or %q, got %q", SyncInterval, SyncListener, cfg.SyncStrategy)
	}
	switch cfg.ChangeFeed {
	case FeedRedis:
	case FeedAMQP:
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required when changeFeed is amqp")
		}
	default:
		return fmt.Errorf("config: changeFeed must be %q or %q, got %q", FeedRedis, FeedAMQP, cfg.ChangeFeed)
	}
	if cfg.HistoryMaxEntries != nil && *cfg.HistoryMaxEntries < 0 {
		return errors.New("config: historyMaxEntries must be >= 0 (0 keeps every entry)")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
