package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/vets/internal/model"
	"github.com/hitoshi/vets/internal/userstate"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteDomainError はドメインエラーをHTTPステータスと統一エラーに変換して書き込む。
// 想定外のエラーはログに記録して500を返す。
func WriteDomainError(w http.ResponseWriter, err error) {
	var (
		expired    *model.ExpiredError
		upstream   *model.UpstreamError
		transition *userstate.InvalidTransitionError
	)

	switch {
	case errors.As(err, &expired):
		WriteErrorResponse(w, http.StatusGone, model.NewVerificationExpiredError(expired.ExpiredAt))
	case errors.Is(err, model.ErrVerificationNotFound):
		WriteErrorResponse(w, http.StatusNotFound, model.NewVerificationNotFoundError())
	case errors.Is(err, model.ErrDuplicateVerification):
		WriteErrorResponse(w, http.StatusConflict, model.NewDuplicateVerificationError())
	case errors.Is(err, model.ErrUnknownProvider):
		WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
	case errors.Is(err, model.ErrInvalidSignature):
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidSignatureError())
	case errors.Is(err, model.ErrUserNotFound):
		WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
	case errors.As(err, &transition):
		WriteErrorResponse(w, http.StatusConflict,
			model.NewInvalidTransitionError(transition.From.String(), transition.Event.String()))
	case errors.Is(err, model.ErrInvalidTransition):
		WriteErrorResponse(w, http.StatusConflict, model.NewInvalidTransitionError("unknown", "unknown"))
	case errors.As(err, &upstream):
		slog.Warn("upstream request failed",
			slog.String("op", upstream.Op),
			slog.Int("status", upstream.Status),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamError())
	default:
		slog.Error("unhandled error", slog.String("error", err.Error()))
		WriteInternalServerError(w)
	}
}
