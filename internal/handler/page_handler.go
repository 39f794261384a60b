package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/vets/internal/middleware"
	"github.com/hitoshi/vets/internal/model"
	"github.com/hitoshi/vets/internal/userstate"
)

// UserFinder はページ表示に必要なユーザー検索。
type UserFinder interface {
	FindByUsernameOptional(ctx context.Context, username string) (*model.UserWithProfile, error)
}

// PendingFinder はユーザーの進行中の検証を返す。
type PendingFinder interface {
	ActivePending(ctx context.Context, userID string) (*model.PendingVerification, string, error)
}

// ProfileRefresher はプロフィール統計をバックグラウンドで更新する。
type ProfileRefresher interface {
	RefreshInBackground(ctx context.Context, userID, username string)
}

// PageHandler は画面に相当するJSONを返すハンドラー。
type PageHandler struct {
	users     UserFinder
	pending   PendingFinder
	profiles  ProfileRefresher
	providers []string
}

// NewPageHandler はPageHandlerを生成する。profilesはnilでもよい。
func NewPageHandler(users UserFinder, pending PendingFinder, profiles ProfileRefresher, providers []string) *PageHandler {
	return &PageHandler{
		users:     users,
		pending:   pending,
		profiles:  profiles,
		providers: providers,
	}
}

// homeResponse は未ログイン時のトップページ。
type homeResponse struct {
	State    string `json:"state"`
	LoginURL string `json:"loginUrl"`
}

// dashboardResponse はログインユーザーのダッシュボード。
type dashboardResponse struct {
	State            string         `json:"state"`
	User             dashboardUser  `json:"user"`
	Profile          profileSignals `json:"profile"`
	PendingRequestID *string        `json:"pendingRequestId"`
	BadgeURL         string         `json:"badgeUrl"`
}

type dashboardUser struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	AvatarURL  *string    `json:"avatarUrl"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verifiedAt"`
}

// verifyPageResponse は検証開始ページ。
type verifyPageResponse struct {
	State            string   `json:"state"`
	Providers        []string `json:"providers"`
	PendingRequestID *string  `json:"pendingRequestId"`
}

// Home はトップページを返す。ログイン済みならダッシュボードへリダイレクトする。
// GET /
func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.UserFromContext(r.Context()); ok {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, homeResponse{
		State:    userstate.Unauthenticated.String(),
		LoginURL: middleware.LoginPath,
	})
}

// Dashboard はログインユーザーの状態とプロフィールを返す。
// GET /dashboard
func (h *PageHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	sessionUser, full, pending, requestID, ok := h.load(w, r)
	if !ok {
		return
	}

	if h.profiles != nil {
		h.profiles.RefreshInBackground(r.Context(), full.ID, full.GitHubUsername)
	}

	state := userstate.Derive(sessionUser, pending, requestID)
	resp := dashboardResponse{
		State: state.Kind.String(),
		User: dashboardUser{
			ID:         full.ID,
			Username:   full.GitHubUsername,
			AvatarURL:  full.AvatarURL,
			Verified:   full.VerifiedVeteran,
			VerifiedAt: full.VerifiedAt,
		},
		Profile:  toProfileSignals(full),
		BadgeURL: "/badge/" + full.GitHubUsername,
	}
	if state.Kind == userstate.VerificationPending {
		resp.PendingRequestID = &state.RequestID
	}
	writeJSON(w, http.StatusOK, resp)
}

// Verify は検証開始ページを返す。検証済みユーザーはダッシュボードへリダイレクトする。
// GET /verify
func (h *PageHandler) Verify(w http.ResponseWriter, r *http.Request) {
	sessionUser, _, pending, requestID, ok := h.load(w, r)
	if !ok {
		return
	}

	state := userstate.Derive(sessionUser, pending, requestID)
	if userstate.IsVerified(state) {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}

	resp := verifyPageResponse{
		State:     state.Kind.String(),
		Providers: h.providers,
	}
	if state.Kind == userstate.VerificationPending {
		resp.PendingRequestID = &state.RequestID
	}
	writeJSON(w, http.StatusOK, resp)
}

// PublicProfile は検証済みユーザーの公開プロフィールを返す。
// 予約済みの名前、存在しないユーザー、未検証ユーザーはいずれも404。
// GET /{username}
func (h *PageHandler) PublicProfile(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !isPublicUsername(username) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError())
		return
	}

	u, err := h.users.FindByUsernameOptional(r.Context(), username)
	if err != nil {
		slog.Error("failed to find public profile",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if u == nil || !u.VerifiedVeteran {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError())
		return
	}

	writeJSON(w, http.StatusOK, toProfileSignals(u))
}

// load はセッションユーザーとその詳細、進行中の検証を読み込む。
// レスポンスを書き込んだ場合はok=falseを返す。
func (h *PageHandler) load(w http.ResponseWriter, r *http.Request) (*model.SessionUser, *model.UserWithProfile, *model.PendingVerification, string, bool) {
	sessionUser, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, middleware.LoginPath, http.StatusFound)
		return nil, nil, nil, "", false
	}

	full, err := h.users.FindByUsernameOptional(r.Context(), sessionUser.GitHubUsername)
	if err != nil {
		slog.Error("failed to load user", slog.String("user_id", sessionUser.ID), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return nil, nil, nil, "", false
	}
	if full == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
		return nil, nil, nil, "", false
	}

	pending, requestID, err := h.pending.ActivePending(r.Context(), sessionUser.ID)
	if err != nil {
		// 進行中の検証が読めなくてもページは表示する
		slog.Warn("failed to load pending verification", slog.String("user_id", sessionUser.ID), slog.String("error", err.Error()))
		pending, requestID = nil, ""
	}

	return sessionUser, full, pending, requestID, true
}
