// Package session はハッシュ化トークンによるセッションの発行・検証・失効を提供する。
package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/vets/internal/cookie"
	"github.com/hitoshi/vets/internal/model"
	"github.com/hitoshi/vets/internal/repository"
	"github.com/hitoshi/vets/internal/token"
)

const (
	// CookieName はセッションCookie名。
	CookieName = "vets_session"
	// MaxAge はセッションCookieの有効期間（秒）。
	MaxAge = 7 * 24 * 60 * 60
	// Duration はセッションの有効期間。
	Duration = time.Duration(MaxAge) * time.Second
)

// Store はセッションの発行・検証・失効を行う。
// 生トークンは発行時に一度だけ呼び出し元へ返し、保存するのはハッシュのみ。
type Store struct {
	repo repository.SessionRepository
	now  func() time.Time
}

// Option はStoreの設定を変更する。
type Option func(*Store)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore はStoreを生成する。
func NewStore(repo repository.SessionRepository, opts ...Option) *Store {
	s := &Store{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create はユーザーのセッションを作成し、生トークンを返す。
func (s *Store) Create(ctx context.Context, userID string) (string, error) {
	raw := token.Generate()
	now := s.now()

	sess := &model.Session{
		UserID:    userID,
		TokenHash: token.Hash(raw),
		ExpiresAt: now.Add(Duration),
		CreatedAt: now,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return raw, nil
}

// Validate は生トークンを検証し、セッション所有ユーザーを返す。
// 存在しない場合と期限切れの場合はどちらもErrSessionNotFoundを返す。有効期限の延長は行わない。
func (s *Store) Validate(ctx context.Context, raw string) (*model.SessionUser, error) {
	if raw == "" {
		return nil, model.ErrSessionNotFound
	}
	user, err := s.repo.FindUserByTokenHash(ctx, token.Hash(raw), s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to validate session: %w", err)
	}
	if user == nil {
		return nil, model.ErrSessionNotFound
	}
	return user, nil
}

// Delete はセッションを削除する。存在しないセッションの削除はエラーにしない。
func (s *Store) Delete(ctx context.Context, raw string) error {
	if err := s.repo.DeleteByTokenHash(ctx, token.Hash(raw)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteAllForUser はユーザーの全セッションを削除する。
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	if err := s.repo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// PurgeExpired は期限切れセッションを削除し、削除件数を返す。
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	return n, nil
}

// CreateSessionCookie はセッショントークンを格納するSet-Cookieヘッダー値を返す。
func CreateSessionCookie(raw string, secure bool) string {
	return cookie.Build(CookieName, raw, MaxAge, secure)
}

// GetSessionCookie はリクエストからセッショントークンを取り出す。
func GetSessionCookie(r *http.Request) (string, bool) {
	return cookie.FromRequest(r, CookieName)
}

// CreateLogoutCookie はセッションCookieを即時失効させるSet-Cookieヘッダー値を返す。
func CreateLogoutCookie() string {
	return cookie.Clear(CookieName)
}
