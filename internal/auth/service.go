// Package auth はGitHub OAuthによるログインとログアウトを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/vets/internal/audit"
	"github.com/hitoshi/vets/internal/metrics"
	"github.com/hitoshi/vets/internal/model"
)

// GitHubAPI はログインに必要なGitHub OAuthの操作。
type GitHubAPI interface {
	// AuthorizationURL はGitHubの認可画面のURLを返す。
	AuthorizationURL(state string) string
	// ExchangeCode は認可コードをアクセストークンに交換する。
	ExchangeCode(ctx context.Context, code string) (string, error)
	// FetchUser はアクセストークンの所有ユーザーを取得する。
	FetchUser(ctx context.Context, accessToken string) (*model.GitHubUser, error)
}

// UserLinker はGitHubユーザーをローカルユーザーに紐付ける。
type UserLinker interface {
	UpsertFromGitHub(ctx context.Context, gh *model.GitHubUser) (*model.UserWithProfile, bool, error)
}

// SessionManager はセッションの発行・検証・破棄を行う。
type SessionManager interface {
	Create(ctx context.Context, userID string) (string, error)
	Validate(ctx context.Context, raw string) (*model.SessionUser, error)
	Delete(ctx context.Context, raw string) error
}

// ProfileRefresher はプロフィール統計をバックグラウンドで更新する。
type ProfileRefresher interface {
	RefreshInBackground(ctx context.Context, userID, username string)
}

// LoginResult はログイン成功時の結果。
// SessionTokenは生のトークンで、Cookieに設定した後は保持しない。
type LoginResult struct {
	SessionToken string
	User         *model.UserWithProfile
	IsNewUser    bool
}

// Service はGitHubログインとログアウトのビジネスロジックを提供する。
type Service struct {
	github   GitHubAPI
	users    UserLinker
	sessions SessionManager
	profiles ProfileRefresher
	audit    *audit.Logger
	metrics  metrics.MetricsCollector
}

// NewService はServiceを生成する。profilesとmはnilでもよい。
func NewService(
	github GitHubAPI,
	users UserLinker,
	sessions SessionManager,
	profiles ProfileRefresher,
	auditLogger *audit.Logger,
	m metrics.MetricsCollector,
) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Service{
		github:   github,
		users:    users,
		sessions: sessions,
		profiles: profiles,
		audit:    auditLogger,
		metrics:  m,
	}
}

// LoginURL はstateを埋め込んだGitHubの認可URLを返す。
func (s *Service) LoginURL(state string) string {
	return s.github.AuthorizationURL(state)
}

// HandleCallback はstate照合済みのOAuthコールバックを処理し、セッションを発行する。
//
// コード交換、ユーザー取得、ユーザーの作成または更新、セッション発行、
// 監査ログの順に行い、最後にプロフィール統計の更新をバックグラウンドで開始する。
func (s *Service) HandleCallback(ctx context.Context, code string, client audit.Client) (*LoginResult, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	accessToken, err := s.github.ExchangeCode(ctx, code)
	if err != nil {
		s.metrics.RecordLoginFailure("token_exchange")
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	gh, err := s.github.FetchUser(ctx, accessToken)
	if err != nil {
		s.metrics.RecordLoginFailure("fetch_user")
		return nil, fmt.Errorf("failed to fetch github user: %w", err)
	}

	user, isNew, err := s.users.UpsertFromGitHub(ctx, gh)
	if err != nil {
		s.metrics.RecordLoginFailure("upsert_user")
		return nil, fmt.Errorf("failed to link github user: %w", err)
	}

	raw, err := s.sessions.Create(ctx, user.ID)
	if err != nil {
		s.metrics.RecordLoginFailure("create_session")
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.audit.Record(ctx, audit.Entry(model.AuditLogin, user.ID, client, map[string]any{
		"isNewUser":      isNew,
		"githubUsername": gh.Login,
	}))
	s.metrics.RecordLogin(isNew)

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("github_username", user.GitHubUsername),
		slog.Bool("new_user", isNew),
	)

	if s.profiles != nil {
		s.profiles.RefreshInBackground(ctx, user.ID, user.GitHubUsername)
	}

	return &LoginResult{SessionToken: raw, User: user, IsNewUser: isNew}, nil
}

// Logout はセッションを破棄し、所有ユーザーが分かればlogoutを監査ログに残す。
// トークンが無効でもエラーにはしない。
func (s *Service) Logout(ctx context.Context, raw string, client audit.Client) error {
	if raw == "" {
		return nil
	}

	current, err := s.sessions.Validate(ctx, raw)
	if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		slog.Warn("failed to resolve session on logout", slog.String("error", err.Error()))
	}

	if err := s.sessions.Delete(ctx, raw); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if current != nil {
		s.audit.Record(ctx, audit.Entry(model.AuditLogout, current.ID, client, nil))
		slog.Info("user logged out", slog.String("user_id", current.ID))
	}
	return nil
}
