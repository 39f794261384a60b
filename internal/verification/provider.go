package verification

import (
	"net/url"
	"strings"
)

// ProviderMock は外部連携を行わない検証プロバイダー。開発環境でのみ登録し、完了は /api/verify/complete から通知する。
const ProviderMock = "mock"

// Provider は検証プロバイダー。
type Provider interface {
	// Name はverification_events.providerに記録する識別子。
	Name() string

	// RedirectURL は外部サイトへ引き渡す場合のURLを返す。引き渡しが不要な場合はnil。
	RedirectURL(requestID string) *string
}

type mockProvider struct{}

// MockProvider はリダイレクトを伴わないモックプロバイダーを返す。
func MockProvider() Provider {
	return mockProvider{}
}

func (mockProvider) Name() string               { return ProviderMock }
func (mockProvider) RedirectURL(string) *string { return nil }

// HandoffProvider は外部の検証サイトへリクエストIDを付けてリダイレクトするプロバイダー。
type HandoffProvider struct {
	name    string
	baseURL string
}

// NewHandoffProvider はHandoffProviderを生成する。
// リダイレクト先は baseURL に requestId クエリを付与したURLになる。
func NewHandoffProvider(name, baseURL string) *HandoffProvider {
	return &HandoffProvider{name: strings.ToLower(name), baseURL: baseURL}
}

// Name はプロバイダー名を返す。
func (p *HandoffProvider) Name() string {
	return p.name
}

// RedirectURL はリクエストIDを付与したリダイレクト先を返す。
func (p *HandoffProvider) RedirectURL(requestID string) *string {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil
	}
	q := u.Query()
	q.Set("requestId", requestID)
	u.RawQuery = q.Encode()
	s := u.String()
	return &s
}
