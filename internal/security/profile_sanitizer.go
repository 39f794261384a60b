// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はGitHubから取得したプロフィール文字列（bio, blog）を
// 保存前に無害化する。bioはbluemondayのStrictPolicyで全タグを除去し、
// websiteはhttp/httpsの絶対URLのみを通す。
package security

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxBioLength はbioの最大文字数。GitHub側の上限に合わせる。
const MaxBioLength = 160

// ProfileSanitizer はプロフィール文字列の無害化インターフェース。
type ProfileSanitizer interface {
	// SanitizeBio はHTMLタグを除去し、前後の空白を落としてMaxBioLength文字に切り詰める。
	SanitizeBio(raw string) string

	// SanitizeWebsite はURLとして安全な場合のみ正規化した値を返す。
	// スキームがない場合はhttpsを補う。javascript:等は空文字列になる。
	SanitizeWebsite(raw string) string
}

type profileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
func NewProfileSanitizer() *profileSanitizer {
	return &profileSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeBio はHTMLタグを除去した本文を返す。
func (s *profileSanitizer) SanitizeBio(raw string) string {
	text := strings.TrimSpace(s.policy.Sanitize(raw))
	if utf8.RuneCountInString(text) <= MaxBioLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxBioLength])
}

// SanitizeWebsite は安全なhttp(s)のURLのみを返す。
func (s *profileSanitizer) SanitizeWebsite(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Host == "" || u.User != nil {
		return ""
	}
	return u.String()
}

var _ ProfileSanitizer = (*profileSanitizer)(nil)
