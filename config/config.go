package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Twsflow    TwsflowConfig    `yaml:"twsflow"`
	Connection ConnectionConfig `yaml:"connection"`
	Engine     EngineConfig     `yaml:"engine"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Recording  RecordingConfig  `yaml:"recording"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Server     ServerConfig     `yaml:"server"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Storage    StorageConfig    `yaml:"storage"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TwsflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ConnectionConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ClientID below zero lets the client derive one from its local
	// endpoint, the way the terminal does.
	ClientID    int           `yaml:"client_id"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type EngineConfig struct {
	UseDupFilter           bool          `yaml:"use_dup_filter"`
	DupDetectionTimeout    time.Duration `yaml:"dup_detection_timeout"`
	GenerateLastSizePrice  bool          `yaml:"generate_last_size_price"`
	GenerateLastSize       bool          `yaml:"generate_last_size"`
	GenerateVolume         bool          `yaml:"generate_volume"`
	IgnoreSizeInPriceTicks bool          `yaml:"ignore_size_in_price_ticks"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type PlaybackConfig struct {
	File  string `yaml:"file"`
	Speed string `yaml:"speed"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Namespace      string        `yaml:"namespace"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Connection: ConnectionConfig{
			Host:     "127.0.0.1",
			Port:     7496,
			ClientID: -1,
		},
		Engine: EngineConfig{
			UseDupFilter:           true,
			DupDetectionTimeout:    2 * time.Second,
			GenerateLastSizePrice:  true,
			GenerateLastSize:       true,
			GenerateVolume:         true,
			IgnoreSizeInPriceTicks: true,
		},
		Channels: ChannelsConfig{EventBuffer: 1024},
		Archive: ArchiveConfig{
			BatchSize:     500,
			FlushInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{ReportInterval: time.Minute},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override connection settings from environment variables if available
	if v := os.Getenv("TWS_HOST"); v != "" {
		config.Connection.Host = strings.TrimSpace(v)
	}
	if v := os.Getenv("TWS_PORT"); v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("invalid TWS_PORT '%s'", v)
		}
		config.Connection.Port = port
	}
	if v := os.Getenv("TWS_CLIENT_ID"); v != "" {
		id, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("invalid TWS_CLIENT_ID '%s'", v)
		}
		config.Connection.ClientID = id
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Twsflow.Name == "" {
		return fmt.Errorf("twsflow.name is required")
	}

	if cfg.Twsflow.Version == "" {
		return fmt.Errorf("twsflow.version is required")
	}

	if cfg.Connection.Host == "" {
		return fmt.Errorf("connection.host is required")
	}
	if cfg.Connection.Port <= 0 || cfg.Connection.Port > 65535 {
		return fmt.Errorf("connection.port must be a valid TCP port")
	}

	if cfg.Engine.UseDupFilter && cfg.Engine.DupDetectionTimeout <= 0 {
		return fmt.Errorf("engine.dup_detection_timeout must be greater than 0 when the dup filter is enabled")
	}

	if cfg.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must not be negative")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Recording.Enabled && cfg.Recording.Dir == "" {
		return fmt.Errorf("recording.dir is required when recording is enabled")
	}
	if cfg.Recording.Enabled && cfg.Playback.File != "" {
		return fmt.Errorf("recording and playback cannot both be active")
	}

	if cfg.Server.Enabled && cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required when the server is enabled")
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Address == "" {
		return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
	}

	if cfg.Archive.Enabled {
		if !cfg.Storage.S3.Enabled {
			return fmt.Errorf("archive requires storage.s3 to be enabled")
		}
		if cfg.Archive.BatchSize <= 0 {
			return fmt.Errorf("archive.batch_size must be greater than 0")
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
