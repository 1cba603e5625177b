package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AuthConfig struct {
	AccessSecret string
}

type CameraConfig struct {
	ID     string
	Source string
}

type DetectorConfig struct {
	ModelPath   string
	Confidence  float64
	OCRLanguage string
}

type TollConfig struct {
	Amount        int64
	DedupWindow   time.Duration
	PruneInterval time.Duration
}

type LiveConfig struct {
	BroadcastInterval time.Duration
	JPEGQuality       int
}

type PipelineConfig struct {
	Enabled        bool
	BufferCapacity int
	CommitRetries  int
}

type StorageConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	PublicBaseURL string
}

type Config struct {
	Environment string
	LogLevel    string
	HTTP        HTTPConfig
	DB          DBConfig
	Auth        AuthConfig
	Camera      CameraConfig
	Detector    DetectorConfig
	Toll        TollConfig
	Live        LiveConfig
	Pipeline    PipelineConfig
	Storage     StorageConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")

	v.AutomaticEnv()

	v.SetDefault("PIPELINE_ENABLED", true)

	_ = v.ReadInConfig()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		DB: DBConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Auth: AuthConfig{
			AccessSecret: v.GetString("JWT_ACCESS_SECRET"),
		},
		Camera: CameraConfig{
			ID:     v.GetString("CAMERA_ID"),
			Source: v.GetString("CAMERA_SOURCE"),
		},
		Detector: DetectorConfig{
			ModelPath:   v.GetString("DETECTOR_MODEL_PATH"),
			Confidence:  v.GetFloat64("DETECTOR_CONFIDENCE"),
			OCRLanguage: v.GetString("OCR_LANGUAGE"),
		},
		Toll: TollConfig{
			Amount:        v.GetInt64("TOLL_AMOUNT"),
			DedupWindow:   v.GetDuration("TOLL_DEDUP_WINDOW"),
			PruneInterval: v.GetDuration("REGISTRY_PRUNE_INTERVAL"),
		},
		Live: LiveConfig{
			BroadcastInterval: v.GetDuration("LIVE_BROADCAST_INTERVAL"),
			JPEGQuality:       v.GetInt("LIVE_JPEG_QUALITY"),
		},
		Pipeline: PipelineConfig{
			Enabled:        v.GetBool("PIPELINE_ENABLED"),
			BufferCapacity: v.GetInt("BUFFER_CAPACITY"),
			CommitRetries:  v.GetInt("PIPELINE_COMMIT_RETRIES"),
		},
		Storage: StorageConfig{
			Endpoint:      v.GetString("R2_ENDPOINT"),
			AccessKey:     v.GetString("R2_ACCESS_KEY_ID"),
			SecretKey:     v.GetString("R2_SECRET_ACCESS_KEY"),
			Bucket:        v.GetString("R2_BUCKET"),
			Region:        v.GetString("R2_REGION"),
			PublicBaseURL: v.GetString("R2_PUBLIC_BASE_URL"),
		},
	}

	applyDefaults(cfg, v)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DB.MaxOpenConns == 0 {
		cfg.DB.MaxOpenConns = 10
	}
	if cfg.DB.MaxIdleConns == 0 {
		cfg.DB.MaxIdleConns = 5
	}
	if cfg.DB.ConnMaxLifetime == 0 {
		cfg.DB.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Camera.ID == "" {
		cfg.Camera.ID = "camera-001"
	}
	if cfg.Camera.Source == "" {
		cfg.Camera.Source = "0"
	}
	if !v.IsSet("DETECTOR_CONFIDENCE") {
		cfg.Detector.Confidence = 0.7
	}
	if cfg.Detector.OCRLanguage == "" {
		cfg.Detector.OCRLanguage = "eng"
	}
	if !v.IsSet("TOLL_AMOUNT") {
		cfg.Toll.Amount = 50
	}
	if !v.IsSet("TOLL_DEDUP_WINDOW") {
		cfg.Toll.DedupWindow = 300 * time.Second
	}
	if cfg.Toll.PruneInterval <= 0 {
		cfg.Toll.PruneInterval = 10 * time.Minute
	}
	if cfg.Live.BroadcastInterval <= 0 {
		cfg.Live.BroadcastInterval = time.Second
	}
	if cfg.Live.JPEGQuality <= 0 || cfg.Live.JPEGQuality > 100 {
		cfg.Live.JPEGQuality = 80
	}
	if !v.IsSet("BUFFER_CAPACITY") {
		cfg.Pipeline.BufferCapacity = 10
	}
	if !v.IsSet("PIPELINE_COMMIT_RETRIES") {
		cfg.Pipeline.CommitRetries = 2
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "auto"
	}
}

func validate(cfg *Config) error {
	if cfg.DB.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if cfg.Auth.AccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.Pipeline.BufferCapacity <= 0 {
		return fmt.Errorf("BUFFER_CAPACITY must be positive, got %d", cfg.Pipeline.BufferCapacity)
	}
	if cfg.Pipeline.CommitRetries < 0 {
		return fmt.Errorf("PIPELINE_COMMIT_RETRIES must not be negative, got %d", cfg.Pipeline.CommitRetries)
	}
	if cfg.Detector.Confidence <= 0 || cfg.Detector.Confidence >= 1 {
		return fmt.Errorf("DETECTOR_CONFIDENCE must be between 0 and 1, got %v", cfg.Detector.Confidence)
	}
	if cfg.Toll.Amount <= 0 {
		return fmt.Errorf("TOLL_AMOUNT must be positive, got %d", cfg.Toll.Amount)
	}
	if cfg.Toll.DedupWindow <= 0 {
		return fmt.Errorf("TOLL_DEDUP_WINDOW must be positive, got %s", cfg.Toll.DedupWindow)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
