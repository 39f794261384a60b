// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/vets/internal/model"
	"github.com/hitoshi/vets/internal/session"
)

// LoginPath は未認証のページアクセスのリダイレクト先。
const LoginPath = "/auth/github"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userContextKey はリクエストコンテキストにセッションユーザーを格納するためのキー。
var userContextKey = contextKey("session_user")

// SessionValidator はセッショントークンの検証に必要なインターフェース。
type SessionValidator interface {
	Validate(ctx context.Context, raw string) (*model.SessionUser, error)
}

// NewSessionMiddleware はセッションCookieを検証し、有効な場合はユーザーを
// リクエストコンテキストに注入するミドルウェアを返す。
// 無効・欠落の場合もリクエストは通し、判断は後段に任せる。
func NewSessionMiddleware(validator SessionValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := session.GetSessionCookie(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			user, err := validator.Validate(r.Context(), raw)
			if err != nil {
				if !errors.Is(err, model.ErrSessionNotFound) {
					slog.Error("failed to validate session",
						slog.String("error", err.Error()),
					)
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// RequireUser はセッションのないAPIリクエストに401を返す。
// NewSessionMiddlewareの後に配置する。
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUserPage はセッションのないページリクエストをログインへリダイレクトする。
// NewSessionMiddlewareの後に配置する。
func RequireUserPage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			http.Redirect(w, r, LoginPath, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserFromContext はリクエストコンテキストからセッションユーザーを取得する。
func UserFromContext(ctx context.Context) (*model.SessionUser, bool) {
	user, ok := ctx.Value(userContextKey).(*model.SessionUser)
	if !ok || user == nil {
		return nil, false
	}
	return user, true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアで認証されたリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, ok := UserFromContext(ctx)
	if !ok || user.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// ContextWithUser はコンテキストにセッションユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.SessionUser) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}
