package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/vets/internal/audit"
	"github.com/hitoshi/vets/internal/badge"
	"github.com/hitoshi/vets/internal/middleware"
	"github.com/hitoshi/vets/internal/model"
)

// BadgeIssuer はバッジトークンの発行と検証を行う。
type BadgeIssuer interface {
	Issue(username string, verified bool, verifiedAt *time.Time) (*badge.Badge, error)
	Verify(token string) (*badge.Claims, error)
}

// BadgeHandler はバッジAPIのHTTPハンドラー。
type BadgeHandler struct {
	users  UserFinder
	issuer BadgeIssuer
	audit  *audit.Logger
}

// NewBadgeHandler はBadgeHandlerを生成する。
func NewBadgeHandler(users UserFinder, issuer BadgeIssuer, auditLogger *audit.Logger) *BadgeHandler {
	return &BadgeHandler{
		users:  users,
		issuer: issuer,
		audit:  auditLogger,
	}
}

// badgeVerifyResponse はバッジトークン検証のレスポンス。
type badgeVerifyResponse struct {
	Valid      bool       `json:"valid"`
	Username   string     `json:"username"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verifiedAt"`
	ExpiresAt  *time.Time `json:"expiresAt"`
}

// Get はユーザーのバッジを発行する。未検証ユーザーにはverified=falseのバッジを返す。
// GET /badge/{username}
func (h *BadgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !isPublicUsername(username) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError())
		return
	}

	u, err := h.users.FindByUsernameOptional(r.Context(), username)
	if err != nil {
		slog.Error("failed to find user for badge", slog.String("username", username), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if u == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
		return
	}

	b, err := h.issuer.Issue(u.GitHubUsername, u.VerifiedVeteran, u.VerifiedAt)
	if err != nil {
		slog.Error("failed to issue badge", slog.String("username", username), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.audit.Record(r.Context(), audit.Entry(model.AuditBadgeGenerated, u.ID, audit.ClientInfo(r), map[string]any{
		"username": u.GitHubUsername,
		"verified": u.VerifiedVeteran,
	}))

	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, b)
}

// Verify はバッジトークンを検証する。
// GET /badge/verify?token=xxx
func (h *BadgeHandler) Verify(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("tokenがありません"))
		return
	}

	claims, err := h.issuer.Verify(tokenStr)
	if err != nil {
		slog.Info("badge token rejected", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidBadgeError())
		return
	}

	resp := badgeVerifyResponse{
		Valid:    true,
		Username: claims.Subject,
		Verified: claims.Verified,
	}
	if claims.VerifiedAt != nil {
		t := time.Unix(*claims.VerifiedAt, 0).UTC()
		resp.VerifiedAt = &t
	}
	if claims.ExpiresAt != nil {
		t := claims.ExpiresAt.Time.UTC()
		resp.ExpiresAt = &t
	}
	writeJSON(w, http.StatusOK, resp)
}
