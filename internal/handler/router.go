package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/vets/internal/audit"
	"github.com/hitoshi/vets/internal/events"
	"github.com/hitoshi/vets/internal/metrics"
	"github.com/hitoshi/vets/internal/middleware"
	"github.com/hitoshi/vets/internal/model"
)

// UserReader はハンドラー全体で使うユーザー検索。
type UserReader interface {
	UserFinder
	SSEUserFinder
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger           *slog.Logger
	SessionValidator middleware.SessionValidator
	RateLimiter      *middleware.RateLimiter
	CSRFConfig       middleware.CSRFConfig
	HSTS             bool

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ユーザーとプロフィール
	Users    UserReader
	Profiles ProfileRefresher

	// 検証
	Verification   VerificationEngine
	Pending        PendingFinder
	Providers      []string
	VerifyCallback VerifyCallbackConfig

	// ライブ更新
	Broker       events.Broker
	SSEKeepAlive time.Duration // 0以下でDefaultKeepAlive

	// バッジ
	Badges BadgeIssuer
	Audit  *audit.Logger

	// メトリクス。MetricsHandlerがnilなら/metricsを公開しない
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → SecurityHeaders → Session（非必須） → Logging
//
// セッションは全ルートで読み取り、必須かどうかはルートごとにRequireUser/RequireUserPageで決める。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewSessionMiddleware(deps.SessionValidator))
	r.Use(middleware.NewLoggingMiddleware(logger))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	pageHandler := NewPageHandler(deps.Users, deps.Pending, deps.Profiles, deps.Providers)
	verifyHandler := NewVerifyHandler(deps.Verification, deps.VerifyCallback)
	sseHandler := NewSSEHandler(deps.Users, deps.Broker, deps.Metrics, deps.SSEKeepAlive)
	badgeHandler := NewBadgeHandler(deps.Users, deps.Badges, deps.Audit)
	csrf := middleware.NewCSRFMiddleware(deps.CSRFConfig)

	// --- 運用系 ---
	r.Get("/health", Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 認証 ---
	r.Route("/auth", func(r chi.Router) {
		r.Use(deps.RateLimiter.AuthMiddleware())
		r.Get("/github", authHandler.Login)
		r.Get("/github/callback", authHandler.Callback)
	})
	r.With(csrf).Post("/logout", authHandler.Logout)
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// --- 画面 ---
	r.Get("/", pageHandler.Home)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUserPage)
		r.Use(csrf)
		r.Get("/dashboard", pageHandler.Dashboard)
		r.Get("/verify", pageHandler.Verify)
	})

	// --- 検証API ---
	r.Route("/api/verify", func(r chi.Router) {
		r.Use(deps.RateLimiter.VerifyMiddleware())

		// プロバイダーからのコールバックはセッションもCSRFトークンも持たず、署名で認証する
		if deps.VerifyCallback.Enabled() {
			r.Post("/complete", verifyHandler.Complete)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)
			r.With(csrf).Post("/start", verifyHandler.Start)
			r.Get("/{requestId}", verifyHandler.GetPending)
		})
	})

	// --- ライブ更新 ---
	r.With(middleware.RequireUser).Get("/api/sse/user", sseHandler.User)
	r.Get("/api/sse/profile/{username}", sseHandler.Profile)

	// --- バッジ ---
	r.Get("/badge/verify", badgeHandler.Verify)
	r.Get("/badge/{username}", badgeHandler.Get)

	// --- 公開プロフィール ---
	r.Get("/{username}", pageHandler.PublicProfile)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError())
	})

	return r
}
