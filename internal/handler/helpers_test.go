package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/vets/internal/audit"
	"github.com/hitoshi/vets/internal/auth"
	"github.com/hitoshi/vets/internal/middleware"
	"github.com/hitoshi/vets/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	loginURLFn       func(state string) string
	handleCallbackFn func(ctx context.Context, code string, client audit.Client) (*auth.LoginResult, error)
	logoutFn         func(ctx context.Context, raw string, client audit.Client) error
}

func (m *mockAuthService) LoginURL(state string) string {
	if m.loginURLFn != nil {
		return m.loginURLFn(state)
	}
	return "https://github.com/login/oauth/authorize?state=" + state
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string, client audit.Client) (*auth.LoginResult, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, code, client)
	}
	return nil, nil
}

func (m *mockAuthService) Logout(ctx context.Context, raw string, client audit.Client) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, raw, client)
	}
	return nil
}

// memUsers はユーザー名とIDで引けるインメモリのユーザー一覧。
type memUsers struct {
	mu    sync.Mutex
	users map[string]*model.UserWithProfile // key: ID
	err   error
}

func newMemUsers(users ...*model.UserWithProfile) *memUsers {
	m := &memUsers{users: make(map[string]*model.UserWithProfile)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) FindByID(_ context.Context, id string) (*model.UserWithProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByUsernameOptional(_ context.Context, username string) (*model.UserWithProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, u := range m.users {
		if u.GitHubUsername == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memUsers) markVerified(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id].VerifiedVeteran = true
	m.users[id].VerifiedAt = &at
}

type mockPendingFinder struct {
	activePendingFn func(ctx context.Context, userID string) (*model.PendingVerification, string, error)
}

func (m *mockPendingFinder) ActivePending(ctx context.Context, userID string) (*model.PendingVerification, string, error) {
	if m.activePendingFn != nil {
		return m.activePendingFn(ctx, userID)
	}
	return nil, "", nil
}

type mockRefresher struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockRefresher) RefreshInBackground(_ context.Context, userID, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, userID+":"+username)
}

// recordingSink は監査ログを記録するSink。
type recordingSink struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (s *recordingSink) Log(_ context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingSink) actions() []model.AuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AuditAction
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}

// --- テストデータ ---

func strPtr(s string) *string { return &s }

func alice() *model.UserWithProfile {
	return &model.UserWithProfile{
		User: model.User{
			ID:             "user-alice",
			GitHubID:       1001,
			GitHubUsername: "alice",
			AvatarURL:      strPtr("https://avatars.example.com/alice"),
		},
		Profile: &model.Profile{
			UserID:           "user-alice",
			Bio:              strPtr("Gopher"),
			GitHubReposCount: 12,
			GitHubStarsCount: 34,
			GitHubLanguages:  []string{"Go", "TypeScript"},
		},
	}
}

func verifiedBob() *model.UserWithProfile {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &model.UserWithProfile{
		User: model.User{
			ID:              "user-bob",
			GitHubID:        1002,
			GitHubUsername:  "bob",
			VerifiedVeteran: true,
			VerifiedAt:      &at,
		},
	}
}

func sessionUserOf(u *model.UserWithProfile) *model.SessionUser {
	return &model.SessionUser{
		ID:              u.ID,
		GitHubID:        u.GitHubID,
		GitHubUsername:  u.GitHubUsername,
		AvatarURL:       u.AvatarURL,
		VerifiedVeteran: u.VerifiedVeteran,
		VerifiedAt:      u.VerifiedAt,
	}
}

// --- テストヘルパー ---

// withUser はテスト用にリクエストコンテキストにセッションユーザーを注入するヘルパー。
func withUser(r *http.Request, u *model.SessionUser) *http.Request {
	return r.WithContext(middleware.ContextWithUser(r.Context(), u))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var result middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// setCookies はレスポンスのSet-Cookieヘッダーを名前で引けるようにする。
func setCookies(w *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := make(map[string]*http.Cookie)
	for _, c := range w.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}
