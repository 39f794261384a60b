// Package app はコマンドの解析と依存関係のワイヤリングを行い、各モードを起動する。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/vets/internal/audit"
	"github.com/hitoshi/vets/internal/auth"
	"github.com/hitoshi/vets/internal/badge"
	"github.com/hitoshi/vets/internal/config"
	"github.com/hitoshi/vets/internal/database"
	"github.com/hitoshi/vets/internal/events"
	"github.com/hitoshi/vets/internal/handler"
	"github.com/hitoshi/vets/internal/logger"
	"github.com/hitoshi/vets/internal/metrics"
	"github.com/hitoshi/vets/internal/middleware"
	"github.com/hitoshi/vets/internal/profile"
	"github.com/hitoshi/vets/internal/repository"
	"github.com/hitoshi/vets/internal/security"
	"github.com/hitoshi/vets/internal/session"
	"github.com/hitoshi/vets/internal/user"
	"github.com/hitoshi/vets/internal/verification"
	"github.com/hitoshi/vets/internal/worker/cleanup"
	"github.com/hitoshi/vets/internal/worker/refresh"
)

// handoffProviderName はVERIFY_HANDOFF_URL設定時に登録する検証プロバイダー名。
const handoffProviderName = "handoff"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映し直す
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "3000"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("env", cfg.AppEnv),
		slog.String("addr", cfg.ListenAddr()),
		slog.String("base_url", cfg.BaseURL),
	)
	if !cfg.GitHubConfigured() {
		slog.Warn("github oauth is not configured, login is disabled")
	}

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// newBroker はREDIS_URLが設定されていればRedis Pub/Sub、なければプロセス内のブローカーを返す。
// 返されるcloseは接続の後始末を行う。
func newBroker(ctx context.Context, cfg *config.Config) (events.Broker, func(), error) {
	if cfg.RedisURL == "" {
		return events.NewMemoryBroker(), func() {}, nil
	}

	client, err := events.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("redis event broker enabled")
	return events.NewRedisBroker(client), func() { client.Close() }, nil
}

// newMetrics はプロセス・ランタイムのメトリクスを含むレジストリとCollectorを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// rateLimiterConfig はreq/min単位の設定値をレートリミッターの設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitAuth > 0 {
		rl.AuthRate = rate.Limit(float64(cfg.RateLimitAuth) / 60.0)
		rl.AuthBurst = cfg.RateLimitAuth
	}
	if cfg.RateLimitVerify > 0 {
		rl.VerifyRate = rate.Limit(float64(cfg.RateLimitVerify) / 60.0)
		rl.VerifyBurst = cfg.RateLimitVerify
	}
	return rl
}

// verifyCallbackConfig は検証完了コールバックの認証設定を返す。
// 署名なしのコールバックは開発環境でシークレット未設定の場合に限り受け付ける。
func verifyCallbackConfig(cfg *config.Config) handler.VerifyCallbackConfig {
	return handler.VerifyCallbackConfig{
		Secret:        cfg.VerifyCallbackSecret,
		AllowUnsigned: cfg.IsDev() && cfg.VerifyCallbackSecret == "",
	}
}

// verificationProviders はmock以外に設定に応じて登録するプロバイダーを返す。
func verificationProviders(cfg *config.Config) []verification.Provider {
	if cfg.VerifyHandoffURL == "" {
		return nil
	}
	return []verification.Provider{verification.NewHandoffProvider(handoffProviderName, cfg.VerifyHandoffURL)}
}

// buildRouter はサービス層とハンドラーをワイヤリングしてHTTPハンドラーを返す。
func buildRouter(cfg *config.Config, db *sql.DB, broker events.Broker, reg *prometheus.Registry, collector metrics.MetricsCollector, limiter *middleware.RateLimiter) (http.Handler, error) {
	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	verificationRepo := repository.NewPostgresVerificationRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)

	// 2. 横断サービスの初期化
	auditLogger := audit.NewLogger(audit.NewRepositorySink(auditRepo))
	sessionStore := session.NewStore(sessionRepo)
	httpClient := &http.Client{Timeout: 10 * time.Second}

	badgeSigner, err := badge.NewSigner(cfg.BadgeSecret, cfg.BadgeTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create badge signer: %w", err)
	}

	// 3. ドメインサービスの初期化
	userService := user.NewService(userRepo, security.NewProfileSanitizer())
	profileService := profile.NewService(
		profileRepo,
		profile.NewGitHubFetcher(httpClient, cfg.GitHubAPIBaseURL, collector),
		profile.WithTTL(cfg.ProfileCacheTTL),
		profile.WithNotifier(broker),
	)

	githubClient := auth.NewGitHubClient(auth.GitHubOAuthConfig{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		CallbackURL:  cfg.GitHubCallbackURL,
	}, httpClient, collector)
	authService := auth.NewService(githubClient, userService, sessionStore, profileService, auditLogger, collector)

	engineOpts := []verification.Option{
		verification.WithNotifier(broker),
		verification.WithMetrics(collector),
	}
	var providers []string
	if cfg.IsDev() {
		providers = append(providers, verification.ProviderMock)
	} else {
		engineOpts = append(engineOpts, verification.WithoutMockProvider())
	}
	for _, p := range verificationProviders(cfg) {
		engineOpts = append(engineOpts, verification.WithProvider(p))
		providers = append(providers, p.Name())
	}
	engine := verification.NewEngine(verificationRepo, userRepo, auditLogger, engineOpts...)

	// 4. ルーターの構築
	deps := &handler.RouterDeps{
		Logger:           slog.Default(),
		SessionValidator: sessionStore,
		RateLimiter:      limiter,
		CSRFConfig:       middleware.CSRFConfig{CookieSecure: !cfg.IsDev(), CookieDomain: cookieDomain(cfg.BaseURL)},
		HSTS:             cfg.IsProd(),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieSecure:     !cfg.IsDev(),
			GitHubConfigured: cfg.GitHubConfigured(),
		},

		Users:    userService,
		Profiles: profileService,

		Verification:   engine,
		Pending:        engine,
		Providers:      providers,
		VerifyCallback: verifyCallbackConfig(cfg),

		Broker: broker,

		Badges: badgeSigner,
		Audit:  auditLogger,

		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),
	}

	return handler.NewRouter(deps), nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. 通知ブローカーとメトリクス
	broker, closeBroker, err := newBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBroker()

	reg, collector := newMetrics()

	limiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer limiter.Stop()

	// 3. ルーターの構築
	router, err := buildRouter(cfg, db, broker, reg, collector, limiter)
	if err != nil {
		return err
	}

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// SSEの長時間接続があるため書き込みタイムアウトは設けない
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションの定期削除と、キャッシュ切れプロフィールの定期更新を行う。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. 通知ブローカー（Redis利用時はserveプロセスのSSEへ届く）
	broker, closeBroker, err := newBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBroker()

	_, collector := newMetrics()

	// 3. セッションクリーンアップ
	sessionStore := session.NewStore(repository.NewPostgresSessionRepo(db))
	cleanupJob := cleanup.NewCleanupJob(sessionStore, collector, slog.Default())
	cleanupScheduler, err := cleanup.NewScheduler(cfg.SessionCleanupSchedule, cleanupJob, slog.Default())
	if err != nil {
		return err
	}

	// 4. プロフィール更新
	profileRepo := repository.NewPostgresProfileRepo(db)
	profileService := profile.NewService(
		profileRepo,
		profile.NewGitHubFetcher(&http.Client{Timeout: 10 * time.Second}, cfg.GitHubAPIBaseURL, collector),
		profile.WithTTL(cfg.ProfileCacheTTL),
		profile.WithNotifier(broker),
	)
	refreshScheduler := refresh.NewScheduler(profileRepo, profileService, slog.Default(), cfg.ProfileCacheTTL, 0)

	slog.Info("worker starting",
		slog.String("cleanup_schedule", cfg.SessionCleanupSchedule),
		slog.Duration("profile_refresh_interval", cfg.ProfileRefreshInterval),
	)

	// 起動直後に1回クリーンアップする
	if err := cleanupJob.Run(ctx); err != nil {
		slog.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	go cleanupScheduler.Start(ctx)

	// プロフィール更新をメインgoroutineで実行（ブロッキング）
	refreshScheduler.Start(ctx, cfg.ProfileRefreshInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// cookieDomain はCSRF Cookieに設定するドメインを返す。localhostでは空にする。
func cookieDomain(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if host == "" || host == "localhost" || host == "127.0.0.1" {
		return ""
	}
	return host
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
