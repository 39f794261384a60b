// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/vets/internal/audit"
	"github.com/hitoshi/vets/internal/auth"
	"github.com/hitoshi/vets/internal/middleware"
	"github.com/hitoshi/vets/internal/model"
	"github.com/hitoshi/vets/internal/session"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	LoginURL(state string) string
	HandleCallback(ctx context.Context, code string, client audit.Client) (*auth.LoginResult, error)
	Logout(ctx context.Context, raw string, client audit.Client) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieSecure     bool // 開発モード以外はtrue
	GitHubConfigured bool // GitHubのクライアントIDとシークレットが設定済みか
}

// AuthHandler はGitHub OAuth関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// Login はGitHub OAuthフローを開始する。
// GET /auth/github
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.config.GitHubConfigured {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewGitHubNotConfiguredError())
		return
	}

	state := auth.GenerateState()
	w.Header().Add("Set-Cookie", auth.CreateStateCookie(state, h.config.CookieSecure))
	http.Redirect(w, r, h.service.LoginURL(state), http.StatusFound)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/github/callback?code=xxx&state=yyy
//
// stateの照合はコード交換より前に行い、一致しない場合はGitHubへ問い合わせない。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// state Cookieは結果によらず使い捨てにする
	w.Header().Add("Set-Cookie", auth.ClearStateCookie())

	if reason := query.Get("error"); reason != "" {
		slog.Warn("github oauth returned error", slog.String("error", reason))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewOAuthDeniedError(reason))
		return
	}

	cookieState, _ := auth.GetStateCookie(r)
	if err := auth.ValidateState(query.Get("state"), cookieState); err != nil {
		slog.Warn("oauth state mismatch", slog.Bool("cookie_present", cookieState != ""))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewStateMismatchError())
		return
	}

	code := query.Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("codeがありません"))
		return
	}

	result, err := h.service.HandleCallback(r.Context(), code, audit.ClientInfo(r))
	if err != nil {
		var upstream *model.UpstreamError
		if errors.As(err, &upstream) {
			middleware.WriteDomainError(w, err)
			return
		}
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Add("Set-Cookie", session.CreateSessionCookie(result.SessionToken, h.config.CookieSecure))
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

// Logout はセッションを破棄してトップページへ戻す。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if raw, ok := session.GetSessionCookie(r); ok {
		if err := h.service.Logout(r.Context(), raw, audit.ClientInfo(r)); err != nil {
			// 失敗してもCookieはクリアする
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	w.Header().Add("Set-Cookie", session.CreateLogoutCookie())
	http.Redirect(w, r, "/", http.StatusFound)
}
