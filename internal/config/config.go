package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string

	// Platforms is the static list of platform identifiers with an arm
	// space. Requests naming anything else are rejected up front.
	Platforms []string

	TopK             int
	Horizon          time.Duration
	MinSeparation    time.Duration
	RewardWindow     int
	RewardMinSamples int
	DecayFactor      float64
	DecayInterval    time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	ArchiveBucket string
	ArchivePrefix string

	// WarmStart seeds each platform's well-known default posting slots
	// with a mild head start on first boot, so cold-start recommendations
	// lean toward sensible hours instead of a uniform draw.
	WarmStart bool

	AuthSecret string
	LogLevel   string
}

const (
	defaultAddr             = ":8072"
	defaultPlatforms        = "instagram,youtube,tiktok"
	defaultTopK             = 5
	defaultHorizonHours     = 168
	defaultSeparationMin    = 30
	defaultRewardWindow     = 100
	defaultRewardMinSamples = 5
	defaultDecayFactor      = 0.98
	defaultDecayIntervalHrs = 24
	defaultKafkaGroup       = "scheduler-outcomes"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:             getEnv("SCHEDULER_ADDR", defaultAddr),
		DatabaseURL:      firstNonEmpty(os.Getenv("SCHEDULER_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		Platforms:        splitList(getEnv("SCHEDULER_PLATFORMS", defaultPlatforms)),
		TopK:             getInt("SCHEDULER_TOP_K", defaultTopK),
		Horizon:          time.Duration(getInt("SCHEDULER_HORIZON_HOURS", defaultHorizonHours)) * time.Hour,
		MinSeparation:    time.Duration(getInt("SCHEDULER_MIN_SEPARATION_MINUTES", defaultSeparationMin)) * time.Minute,
		RewardWindow:     getInt("SCHEDULER_REWARD_WINDOW", defaultRewardWindow),
		RewardMinSamples: getInt("SCHEDULER_REWARD_MIN_SAMPLES", defaultRewardMinSamples),
		DecayFactor:      getFloat("SCHEDULER_DECAY_FACTOR", defaultDecayFactor),
		DecayInterval:    time.Duration(getInt("SCHEDULER_DECAY_INTERVAL_HOURS", defaultDecayIntervalHrs)) * time.Hour,
		KafkaBrokers:     splitList(os.Getenv("SCHEDULER_KAFKA_BROKERS")),
		KafkaTopic:       os.Getenv("SCHEDULER_KAFKA_TOPIC"),
		KafkaGroup:       getEnv("SCHEDULER_KAFKA_GROUP", defaultKafkaGroup),
		WarmStart:        getBool("SCHEDULER_WARM_START", true),
		ArchiveBucket:    os.Getenv("SCHEDULER_ARCHIVE_BUCKET"),
		ArchivePrefix:    os.Getenv("SCHEDULER_ARCHIVE_PREFIX"),
		AuthSecret:       os.Getenv("SCHEDULER_AUTH_SECRET"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or SCHEDULER_DATABASE_URL required")
	}
	if len(cfg.Platforms) == 0 {
		return Config{}, fmt.Errorf("SCHEDULER_PLATFORMS must name at least one platform")
	}
	if cfg.TopK <= 0 {
		return Config{}, fmt.Errorf("SCHEDULER_TOP_K must be positive")
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor > 1 {
		return Config{}, fmt.Errorf("SCHEDULER_DECAY_FACTOR must be in (0,1]")
	}
	if cfg.MinSeparation < 0 {
		return Config{}, fmt.Errorf("SCHEDULER_MIN_SEPARATION_MINUTES must not be negative")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return Config{}, fmt.Errorf("SCHEDULER_KAFKA_TOPIC required when brokers are set")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
