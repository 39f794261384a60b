package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/vets/internal/metrics"
	"github.com/hitoshi/vets/internal/model"
)

const (
	defaultGitHubAuthorizeURL = "https://github.com/login/oauth/authorize"
	defaultGitHubTokenURL     = "https://github.com/login/oauth/access_token"
	defaultGitHubUserURL      = "https://api.github.com/user"

	// userAgent はGitHub APIが要求するUser-Agent。
	userAgent = "vets.dev"
)

// GitHubOAuthConfig はGitHub OAuthアプリの設定。
type GitHubOAuthConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string

	// テスト用にオーバーライド可能なURL
	AuthorizeURL string
	TokenURL     string
	UserURL      string
}

// GitHubClient はGitHub OAuthの認可URL生成、コード交換、ユーザー取得を行う。
type GitHubClient struct {
	config     GitHubOAuthConfig
	httpClient *http.Client
	metrics    metrics.MetricsCollector
}

// NewGitHubClient はGitHubClientを生成する。httpClientがnilの場合は10秒タイムアウトのクライアントを使う。
func NewGitHubClient(config GitHubOAuthConfig, httpClient *http.Client, m metrics.MetricsCollector) *GitHubClient {
	if config.AuthorizeURL == "" {
		config.AuthorizeURL = defaultGitHubAuthorizeURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGitHubTokenURL
	}
	if config.UserURL == "" {
		config.UserURL = defaultGitHubUserURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &GitHubClient{config: config, httpClient: httpClient, metrics: m}
}

// AuthorizationURL はGitHubの認可画面のURLを返す。スコープはread:userのみ。
func (c *GitHubClient) AuthorizationURL(state string) string {
	params := url.Values{
		"client_id":    {c.config.ClientID},
		"redirect_uri": {c.config.CallbackURL},
		"scope":        {"read:user"},
		"state":        {state},
	}
	return c.config.AuthorizeURL + "?" + params.Encode()
}

// githubTokenResponse はトークンエンドポイントのレスポンス。
// GitHubは失敗時も200でerrorフィールドを返すことがある。
type githubTokenResponse struct {
	AccessToken      string `json:"access_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ExchangeCode は認可コードをアクセストークンに交換する。
func (c *GitHubClient) ExchangeCode(ctx context.Context, code string) (string, error) {
	const op = "token_exchange"

	payload, err := json.Marshal(map[string]string{
		"client_id":     c.config.ClientID,
		"client_secret": c.config.ClientSecret,
		"code":          code,
		"redirect_uri":  c.config.CallbackURL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, status, err := c.do(req, op)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", &model.UpstreamError{Op: op, Status: status, Err: fmt.Errorf("token exchange failed: %s", truncate(body))}
	}

	var tokenResp githubTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", &model.UpstreamError{Op: op, Status: status, Err: fmt.Errorf("failed to parse token response: %w", err)}
	}
	if tokenResp.Error != "" {
		msg := tokenResp.ErrorDescription
		if msg == "" {
			msg = tokenResp.Error
		}
		return "", &model.UpstreamError{Op: op, Status: status, Err: fmt.Errorf("%s: %s", tokenResp.Error, msg)}
	}
	if tokenResp.AccessToken == "" {
		return "", &model.UpstreamError{Op: op, Status: status, Err: errors.New("no access token in response")}
	}

	return tokenResp.AccessToken, nil
}

// FetchUser はアクセストークンでログインユーザーの情報を取得する。
func (c *GitHubClient) FetchUser(ctx context.Context, accessToken string) (*model.GitHubUser, error) {
	const op = "fetch_user"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.UserURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", userAgent)

	body, status, err := c.do(req, op)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &model.UpstreamError{Op: op, Status: status, Err: errors.New("github user fetch failed")}
	}

	var user model.GitHubUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, &model.UpstreamError{Op: op, Status: status, Err: fmt.Errorf("failed to parse user response: %w", err)}
	}
	if user.ID == 0 || user.Login == "" {
		return nil, &model.UpstreamError{Op: op, Status: status, Err: errors.New("incomplete user response")}
	}

	return &user, nil
}

// do はリクエストを送信してボディとステータスを返す。通信失敗はUpstreamErrorになる。
func (c *GitHubClient) do(req *http.Request, op string) ([]byte, int, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordGitHubRequest(op, 0, time.Since(start))
		return nil, 0, &model.UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.RecordGitHubRequest(op, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, &model.UpstreamError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	return body, resp.StatusCode, nil
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
