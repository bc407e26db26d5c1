package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"invoker/internal/common/cache"
	"invoker/internal/common/db"
	"invoker/internal/common/mq"
	"invoker/internal/common/storage"
	"invoker/internal/invoker/build"
	"invoker/internal/invoker/controller"
	"invoker/internal/invoker/server"
	"invoker/internal/invoker/toolchain"
	"invoker/internal/minion"
	"invoker/pkg/utils/logger"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "INVOKER_"

	defaultListen        = "tcp://127.0.0.1:8085"
	defaultReadTimeout   = 5 * time.Second
	defaultWriteTimeout  = 60 * time.Second
	defaultIdleTimeout   = 60 * time.Second
	defaultDataDir       = "/var/lib/invoker"
	defaultLiveStatusTTL = 24 * time.Hour
	defaultOutcomeTopic  = "invoker.outcome"
)

// ServerConfig holds front door settings.
type ServerConfig struct {
	Listen        string `yaml:"listen"`
	server.Config `yaml:",inline"`
}

// DatabaseConfig holds task database settings.
type DatabaseConfig struct {
	db.Config   `yaml:",inline"`
	AutoMigrate bool `yaml:"autoMigrate"`
	SkipLocked  bool `yaml:"skipLocked"`
}

// KafkaConfig holds outcome event settings. An empty broker list disables
// event publishing.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
	OutcomeTopic string        `yaml:"outcomeTopic"`
}

// LiveStatusConfig holds live status retention settings.
type LiveStatusConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	HistoryLen int64         `yaml:"historyLen"`
}

// SourceConfig holds submission source settings.
type SourceConfig struct {
	// DataDir holds var/runs/<run>/ for database tasks.
	DataDir string `yaml:"dataDir"`
	// WorkRoot receives sources fetched for /exec requests.
	WorkRoot string `yaml:"workRoot"`
	MaxBytes int64  `yaml:"maxBytes"`
}

// AppConfig holds invoker config.
type AppConfig struct {
	Server     ServerConfig          `yaml:"server"`
	Logger     logger.Config         `yaml:"logger"`
	Minion     minion.Config         `yaml:"minion"`
	Build      build.Config          `yaml:"build"`
	Controller controller.Config     `yaml:"controller"`
	Toolchains []toolchain.Toolchain `yaml:"toolchains"`
	// ToolchainsFile, when set, replaces Toolchains.
	ToolchainsFile string              `yaml:"toolchainsFile"`
	Database       DatabaseConfig      `yaml:"database"`
	Redis          cache.RedisConfig   `yaml:"redis"`
	LiveStatus     LiveStatusConfig    `yaml:"liveStatus"`
	Kafka          KafkaConfig         `yaml:"kafka"`
	MinIO          storage.MinIOConfig `yaml:"minio"`
	Source         SourceConfig        `yaml:"source"`
}

// loadAppConfig loads envFile (when present), the YAML file at path and
// INVOKER_* overrides, then fills defaults. A missing file is tolerated
// unless required is set.
func loadAppConfig(path, envFile string, required bool) (*AppConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file failed: %w", err)
		}
	}

	var cfg AppConfig
	if path != "" {
		err := loadYAML(path, &cfg)
		if err != nil && (required || !errors.Is(err, fs.ErrNotExist)) {
			return nil, err
		}
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *AppConfig) {
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("LISTEN", &cfg.Server.Listen)
	setString("LOG_LEVEL", &cfg.Logger.Level)
	setString("DATABASE_DRIVER", &cfg.Database.Driver)
	setString("DATABASE_DSN", &cfg.Database.DSN)
	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	setString("MINIO_ENDPOINT", &cfg.MinIO.Endpoint)
	setString("MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey)
	setString("MINIO_SECRET_KEY", &cfg.MinIO.SecretKey)
	setString("DATA_DIR", &cfg.Source.DataDir)
	setString("TOOLCHAINS_FILE", &cfg.ToolchainsFile)

	var brokers string
	setString("KAFKA_BROKERS", &brokers)
	if brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = defaultListen
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	// Stdout carries the stream protocol.
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stderr"
	}
	if cfg.Source.DataDir == "" {
		cfg.Source.DataDir = defaultDataDir
	}
	if cfg.Source.WorkRoot == "" {
		cfg.Source.WorkRoot = cfg.Source.DataDir + "/var/requests"
	}
	if cfg.Build.SysRoot == "" {
		cfg.Build.SysRoot = cfg.Source.DataDir + "/var/dominions"
	}
	if cfg.LiveStatus.TTL == 0 {
		cfg.LiveStatus.TTL = defaultLiveStatusTTL
	}
	if cfg.Kafka.OutcomeTopic == "" {
		cfg.Kafka.OutcomeTopic = defaultOutcomeTopic
	}
	if cfg.Redis.Addr != "" {
		applyRedisDefaults(&cfg.Redis)
	}
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

// toolchainSet builds the configured toolchain set.
func (c *AppConfig) toolchainSet() (*toolchain.Set, error) {
	if c.ToolchainsFile != "" {
		return toolchain.LoadFile(c.ToolchainsFile)
	}
	return toolchain.NewSet(c.Toolchains)
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Compression:  parseCompression(k.Compression),
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
