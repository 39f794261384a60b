// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ドメインエラー。想定内の結果として扱い、呼び出し元でerrors.Isにより判定する。
var (
	// ErrSessionNotFound はセッションが存在しないか期限切れであることを示す。
	// 両者は呼び出し元から区別できない。
	ErrSessionNotFound = errors.New("session not found or expired")

	ErrUserNotFound          = errors.New("user not found")
	ErrVerificationNotFound  = errors.New("verification not found")
	ErrVerificationExpired   = errors.New("verification expired")
	ErrDuplicateVerification = errors.New("duplicate verification")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrStateMismatch         = errors.New("oauth state mismatch")
	ErrUnknownProvider       = errors.New("unknown verification provider")
	ErrInvalidSignature      = errors.New("invalid callback signature")
)

// ExpiredError は検証の有効期限切れを表す。
// 計算された失効時刻と検証を開始したユーザーを保持し、errors.Is(err, ErrVerificationExpired)を満たす。
type ExpiredError struct {
	RequestID string
	UserID    string
	ExpiredAt time.Time
}

// Error はerrorインターフェースを実装する。
func (e *ExpiredError) Error() string {
	return fmt.Sprintf("verification %s expired at %s", e.RequestID, e.ExpiredAt.Format(time.RFC3339))
}

// Is はErrVerificationExpiredとの比較を可能にする。
func (e *ExpiredError) Is(target error) bool {
	return target == ErrVerificationExpired
}

// DuplicateError は同一冪等キーでの2回目の完了を表す。
type DuplicateError struct {
	RequestID string
}

// Error はerrorインターフェースを実装する。
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("verification %s already completed", e.RequestID)
}

// Is はErrDuplicateVerificationとの比較を可能にする。
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateVerification
}

// UpstreamError はGitHub等の外部サービス呼び出しの失敗を表す。
type UpstreamError struct {
	Op     string // "token_exchange", "fetch_user" 等
	Status int    // HTTPステータス。ネットワークエラー時は0
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Throttled はGitHubのレート制限による失敗かどうかを返す。
// 未認証APIの上限超過は403、セカンダリレート制限は429で返る。
func (e *UpstreamError) Throttled() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusForbidden
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, verification, upstream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeUserNotFound          = "USER_NOT_FOUND"
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeUnknownProvider       = "UNKNOWN_PROVIDER"
	ErrCodeVerificationNotFound  = "VERIFICATION_NOT_FOUND"
	ErrCodeVerificationExpired   = "VERIFICATION_EXPIRED"
	ErrCodeDuplicateVerification = "DUPLICATE_VERIFICATION"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeUpstream              = "UPSTREAM_ERROR"
	ErrCodeInvalidBadge          = "INVALID_BADGE"
	ErrCodeStateMismatch         = "STATE_MISMATCH"
	ErrCodeOAuthDenied           = "OAUTH_DENIED"
	ErrCodeGitHubNotConfigured   = "GITHUB_NOT_CONFIGURED"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeInvalidSignature      = "INVALID_SIGNATURE"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "GitHubでログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ユーザー名を確認してください。",
	}
}

// NewInvalidRequestError はリクエスト形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewUnknownProviderError は未対応の検証プロバイダーが指定された場合のエラーを生成する。
func NewUnknownProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  fmt.Sprintf("未対応の検証プロバイダーです: %s", provider),
		Category: "validation",
		Action:   "対応しているプロバイダーを指定してください。",
	}
}

// NewVerificationNotFoundError は検証リクエストが存在しない場合のエラーを生成する。
func NewVerificationNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeVerificationNotFound,
		Message:  "検証リクエストが見つかりません。",
		Category: "verification",
		Action:   "検証を最初からやり直してください。",
	}
}

// NewVerificationExpiredError は検証の有効期限切れエラーを生成する。
func NewVerificationExpiredError(expiredAt time.Time) *APIError {
	return &APIError{
		Code:     ErrCodeVerificationExpired,
		Message:  fmt.Sprintf("検証リクエストの有効期限が切れています（%s）。", expiredAt.UTC().Format(time.RFC3339)),
		Category: "verification",
		Action:   "5分以内に完了するよう、検証を最初からやり直してください。",
	}
}

// NewDuplicateVerificationError は同じ検証結果が既に記録されている場合のエラーを生成する。
// 再送されたコールバックはこのエラーを受け取るが、再試行の必要はない。
func NewDuplicateVerificationError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateVerification,
		Message:  "この検証結果は既に処理済みです。",
		Category: "verification",
		Action:   "再送は不要です。ダッシュボードで状態を確認してください。",
	}
}

// NewInvalidTransitionError は現在の状態で許可されない操作のエラーを生成する。
func NewInvalidTransitionError(from, event string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("現在の状態（%s）では %s を実行できません。", from, event),
		Category: "verification",
		Action:   "ページを再読み込みして状態を確認してください。",
	}
}

// NewInvalidSignatureError は検証プロバイダーからのコールバックの署名が不正な場合のエラーを生成する。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "コールバックの署名を検証できません。",
		Category: "auth",
		Action:   "署名ヘッダーと共有シークレットを確認してください。",
	}
}

// NewUpstreamError は外部サービス呼び出し失敗のエラーを生成する。
func NewUpstreamError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstream,
		Message:  "GitHubとの通信に失敗しました。",
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidBadgeError はバッジトークンの検証に失敗した場合のエラーを生成する。
func NewInvalidBadgeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidBadge,
		Message:  "バッジトークンが無効です。",
		Category: "validation",
		Action:   "最新のバッジを取得し直してください。",
	}
}

// NewStateMismatchError はOAuthのstate検証に失敗した場合のエラーを生成する。
func NewStateMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeStateMismatch,
		Message:  "認証リクエストの検証に失敗しました。",
		Category: "auth",
		Action:   "もう一度ログインをやり直してください。",
	}
}

// NewOAuthDeniedError はGitHubが認可エラーを返した場合のエラーを生成する。
func NewOAuthDeniedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeOAuthDenied,
		Message:  fmt.Sprintf("GitHubでの認可が完了しませんでした: %s", reason),
		Category: "auth",
		Action:   "GitHubでアクセスを許可してから再度ログインしてください。",
	}
}

// NewGitHubNotConfiguredError はGitHub OAuthの設定がない場合のエラーを生成する。
func NewGitHubNotConfiguredError() *APIError {
	return &APIError{
		Code:     ErrCodeGitHubNotConfigured,
		Message:  "GitHub OAuthが設定されていません。",
		Category: "system",
		Action:   "GITHUB_CLIENT_ID と GITHUB_CLIENT_SECRET を設定してください。",
	}
}

// NewNotFoundError はページやプロフィールが存在しない場合のエラーを生成する。
func NewNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  "ページが見つかりません。",
		Category: "validation",
		Action:   "URLを確認してください。",
	}
}
