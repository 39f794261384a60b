package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/hitoshi/vets/internal/cookie"
	"github.com/hitoshi/vets/internal/model"
	"github.com/hitoshi/vets/internal/token"
)

const (
	// StateCookieName はOAuth stateを保持するCookie名。セッションCookieとは別名にする。
	StateCookieName = "github_oauth_state"
	// StateMaxAge はstate Cookieの有効期間（秒）。
	StateMaxAge = 5 * 60
)

// GenerateState はCSRF対策用のstate値を生成する。
// サーバー側には保存せず、Cookieで往復させる。
func GenerateState() string {
	return token.Generate()
}

// CreateStateCookie はstate値を格納するSet-Cookieヘッダー値を返す。
// 開発モード以外ではsecure=trueを渡すこと。
func CreateStateCookie(state string, secure bool) string {
	return cookie.Build(StateCookieName, state, StateMaxAge, secure)
}

// GetStateCookie はリクエストからstate値を取り出す。
func GetStateCookie(r *http.Request) (string, bool) {
	return cookie.FromRequest(r, StateCookieName)
}

// ClearStateCookie はstate Cookieを即時失効させるSet-Cookieヘッダー値を返す。
func ClearStateCookie() string {
	return cookie.Clear(StateCookieName)
}

// ValidateState はクエリのstateとCookieのstateを照合する。
// どちらかが欠けている場合や一致しない場合はErrStateMismatchを返す。
func ValidateState(queryState, cookieState string) error {
	if queryState == "" || cookieState == "" {
		return model.ErrStateMismatch
	}
	if subtle.ConstantTimeCompare([]byte(queryState), []byte(cookieState)) != 1 {
		return model.ErrStateMismatch
	}
	return nil
}
