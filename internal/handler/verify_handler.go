package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/vets/internal/middleware"
	"github.com/hitoshi/vets/internal/model"
	"github.com/hitoshi/vets/internal/userstate"
	"github.com/hitoshi/vets/internal/verification"
)

// VerificationEngine は検証APIが必要とする検証エンジンの操作。
type VerificationEngine interface {
	Start(ctx context.Context, userID, provider string) (*model.VerificationStart, error)
	Complete(ctx context.Context, requestID string, success bool, providerRef *string, metadata map[string]any) (*model.VerificationOutcome, error)
	GetPending(ctx context.Context, requestID string) (*model.PendingVerification, error)
}

// maxCallbackBodyBytes は検証完了コールバックのボディ上限。
const maxCallbackBodyBytes = 64 << 10

// VerifyCallbackConfig は検証完了コールバックの認証設定。
type VerifyCallbackConfig struct {
	Secret        string // 設定時はHMAC署名を必須にする
	AllowUnsigned bool   // Secret未設定時に署名なしを受け付ける。開発環境のみ
}

// Enabled はコールバックを受け付ける構成かどうかを返す。
func (c VerifyCallbackConfig) Enabled() bool {
	return c.Secret != "" || c.AllowUnsigned
}

// VerifyHandler は検証APIのHTTPハンドラー。
type VerifyHandler struct {
	engine   VerificationEngine
	callback VerifyCallbackConfig
	now      func() time.Time
}

// NewVerifyHandler はVerifyHandlerを生成する。
func NewVerifyHandler(engine VerificationEngine, callback VerifyCallbackConfig) *VerifyHandler {
	return &VerifyHandler{engine: engine, callback: callback, now: time.Now}
}

// startRequest は検証開始リクエストのボディ。providerが空の場合はmock。
type startRequest struct {
	Provider string `json:"provider"`
}

// completeRequest は検証完了リクエストのボディ。
type completeRequest struct {
	RequestID   string         `json:"requestId"`
	Success     *bool          `json:"success"`
	ProviderRef *string        `json:"providerRef"`
	Metadata    map[string]any `json:"metadata"`
}

// pendingResponse は進行中の検証のAPIレスポンス。
type pendingResponse struct {
	RequestID string    `json:"requestId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Start は検証を開始する。検証済みのユーザーは409。
// POST /api/verify/start
func (h *VerifyHandler) Start(w http.ResponseWriter, r *http.Request) {
	sessionUser, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
		return
	}
	if req.Provider == "" {
		req.Provider = verification.ProviderMock
	}

	// 未完了の検証があっても新しい試行は許可するため、進行中の検証は考慮しない
	current := userstate.Derive(sessionUser, nil, "")
	if _, err := userstate.Transition(current, userstate.Event{Kind: userstate.StartVerify}); err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	start, err := h.engine.Start(r.Context(), sessionUser.ID, req.Provider)
	if err != nil {
		if errors.Is(err, model.ErrUnknownProvider) {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownProviderError(req.Provider))
			return
		}
		middleware.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, start)
}

// Complete は検証プロバイダーからの結果を記録する。
// セッションではなくリクエストIDで対象を特定し、呼び出し元はHMAC署名で認証する。
// POST /api/verify/complete
func (h *VerifyHandler) Complete(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodyBytes))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ボディを読み取れません"))
		return
	}
	if err := h.authenticateCallback(r, body); err != nil {
		slog.Warn("verification callback rejected",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		middleware.WriteDomainError(w, err)
		return
	}

	var req completeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
		return
	}
	if req.RequestID == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("requestIdがありません"))
		return
	}
	if req.Success == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("successがありません"))
		return
	}

	outcome, err := h.engine.Complete(r.Context(), req.RequestID, *req.Success, req.ProviderRef, req.Metadata)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// authenticateCallback はコールバックの署名を検証する。
// Secret未設定かつAllowUnsignedの場合のみ署名を省略できる。
func (h *VerifyHandler) authenticateCallback(r *http.Request, body []byte) error {
	if h.callback.Secret == "" {
		if h.callback.AllowUnsigned {
			return nil
		}
		return model.ErrInvalidSignature
	}
	return verification.ValidateSignature(
		h.callback.Secret,
		r.Header.Get(verification.HeaderTimestamp),
		r.Header.Get(verification.HeaderSignature),
		body,
		h.now(),
	)
}

// GetPending は本人の進行中の検証を返す。他人の検証は存在しないものとして扱う。
// GET /api/verify/{requestId}
func (h *VerifyHandler) GetPending(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	requestID := chi.URLParam(r, "requestId")
	pending, err := h.engine.GetPending(r.Context(), requestID)
	if err != nil {
		var expired *model.ExpiredError
		if errors.As(err, &expired) && expired.UserID != userID {
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewVerificationNotFoundError())
			return
		}
		middleware.WriteDomainError(w, err)
		return
	}
	if pending == nil || pending.UserID != userID {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewVerificationNotFoundError())
		return
	}

	writeJSON(w, http.StatusOK, pendingResponse{
		RequestID: requestID,
		CreatedAt: pending.CreatedAt,
		ExpiresAt: pending.CreatedAt.Add(verification.Timeout),
	})
}
