// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// EnvProduction は本番環境を表すAPP_ENVの値。
	EnvProduction = "production"
	// EnvDevelopment は開発環境を表すAPP_ENVの値。
	EnvDevelopment = "development"

	// devBadgeSecret は開発環境でBADGE_SECRET未設定時に使う署名鍵。
	devBadgeSecret = "dev-badge-secret-do-not-use-in-production"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	Port    int
	Host    string
	AppEnv  string
	BaseURL string

	// Database
	DatabaseURL string

	// GitHub OAuth
	GitHubClientID     string
	GitHubClientSecret string
	GitHubCallbackURL  string
	GitHubAPIBaseURL   string

	// Session
	SessionSecret          string
	SessionCleanupSchedule string // cron形式

	// Badge
	BadgeSecret string
	BadgeTTL    time.Duration

	// Verification
	VerifyHandoffURL     string // 設定時は"handoff"プロバイダーを登録する
	VerifyCallbackSecret string // 検証完了コールバックのHMAC署名鍵

	// Live updates
	RedisURL string // 空の場合はプロセス内のブローカーを使う

	// Profile
	ProfileCacheTTL        time.Duration
	ProfileRefreshInterval time.Duration // workerが期限切れプロフィールを走査する間隔

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitAuth   int
	RateLimitVerify int

	// Logging
	LogLevel string
}

// Load は.envと環境変数からConfigを読み込む。
// .envは既に設定済みの環境変数を上書きしない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load() // .envがなければ環境変数のみ

	cfg := &Config{}

	cfg.AppEnv = getEnvString("APP_ENV", EnvDevelopment)

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	// 本番のみ必須
	cfg.GitHubClientID = os.Getenv("GITHUB_CLIENT_ID")
	cfg.GitHubClientSecret = os.Getenv("GITHUB_CLIENT_SECRET")
	cfg.BadgeSecret = os.Getenv("BADGE_SECRET")
	if cfg.IsProd() {
		if cfg.GitHubClientID == "" {
			missing = append(missing, "GITHUB_CLIENT_ID")
		}
		if cfg.GitHubClientSecret == "" {
			missing = append(missing, "GITHUB_CLIENT_SECRET")
		}
		if cfg.BadgeSecret == "" {
			missing = append(missing, "BADGE_SECRET")
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.Port = getEnvInt("PORT", 3000)
	cfg.Host = getEnvString("HOST", "")
	cfg.BaseURL = strings.TrimRight(getEnvString("BASE_URL", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")
	cfg.GitHubCallbackURL = getEnvString("GITHUB_CALLBACK_URL", cfg.BaseURL+"/auth/github/callback")
	cfg.GitHubAPIBaseURL = strings.TrimRight(getEnvString("GITHUB_API_BASE_URL", "https://api.github.com"), "/")
	cfg.SessionCleanupSchedule = getEnvString("SESSION_CLEANUP_SCHEDULE", "@every 1h")
	if cfg.BadgeSecret == "" {
		// 開発環境ではSESSION_SECRETを流用し、短すぎる場合は固定の開発用鍵を使う
		cfg.BadgeSecret = cfg.SessionSecret
		if len(cfg.BadgeSecret) < 32 {
			cfg.BadgeSecret = devBadgeSecret
		}
	}
	cfg.BadgeTTL = getEnvDuration("BADGE_TTL", 30*24*time.Hour)
	cfg.VerifyHandoffURL = getEnvString("VERIFY_HANDOFF_URL", "")
	cfg.VerifyCallbackSecret = getEnvString("VERIFY_CALLBACK_SECRET", "")
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.ProfileCacheTTL = getEnvDuration("PROFILE_CACHE_TTL", 24*time.Hour)
	cfg.ProfileRefreshInterval = getEnvDuration("PROFILE_REFRESH_INTERVAL", 15*time.Minute)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 20)
	cfg.RateLimitVerify = getEnvInt("RATE_LIMIT_VERIFY", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// IsDev は開発環境かどうかを返す。開発環境ではCookieにSecure属性を付けない。
func (c *Config) IsDev() bool {
	return c.AppEnv == EnvDevelopment
}

// IsProd は本番環境かどうかを返す。
func (c *Config) IsProd() bool {
	return c.AppEnv == EnvProduction
}

// GitHubConfigured はGitHub OAuthのクライアント情報が揃っているかを返す。
func (c *Config) GitHubConfigured() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != ""
}

// ListenAddr はHTTPサーバーの待ち受けアドレスを返す。
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
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
