// Package config は環境変数によるアプリケーション設定を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Open Collective
	APIKey           string
	LegacyAPIKey     bool
	CollectiveSlug   string
	RecurringGroupID string
	OnetimeGroupID   string // 空の場合、単発支援者グループは同期しない
	APIRatePerSecond float64
	FetchTimeout     time.Duration

	// Sync
	SyncInterval time.Duration

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.APIKey = os.Getenv("OC_API_KEY")
	if cfg.APIKey == "" {
		missing = append(missing, "OC_API_KEY")
	}

	cfg.CollectiveSlug = strings.ToLower(os.Getenv("OC_COLLECTIVE_SLUG"))
	if cfg.CollectiveSlug == "" {
		missing = append(missing, "OC_COLLECTIVE_SLUG")
	}

	cfg.RecurringGroupID = os.Getenv("OC_RECURRING_GROUP_ID")
	if cfg.RecurringGroupID == "" {
		missing = append(missing, "OC_RECURRING_GROUP_ID")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.OnetimeGroupID = getEnvString("OC_ONETIME_GROUP_ID", "")
	cfg.LegacyAPIKey = getEnvBool("OC_LEGACY_API_KEY", false)
	cfg.APIRatePerSecond = getEnvFloat("OC_API_RATE_PER_SECOND", 1.0)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
