package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/vets/internal/model"
	"github.com/hitoshi/vets/internal/verification"
)

type mockEngine struct {
	startFn      func(ctx context.Context, userID, provider string) (*model.VerificationStart, error)
	completeFn   func(ctx context.Context, requestID string, success bool, providerRef *string, metadata map[string]any) (*model.VerificationOutcome, error)
	getPendingFn func(ctx context.Context, requestID string) (*model.PendingVerification, error)
}

func (m *mockEngine) Start(ctx context.Context, userID, provider string) (*model.VerificationStart, error) {
	if m.startFn != nil {
		return m.startFn(ctx, userID, provider)
	}
	return &model.VerificationStart{RequestID: "req-1"}, nil
}

func (m *mockEngine) Complete(ctx context.Context, requestID string, success bool, providerRef *string, metadata map[string]any) (*model.VerificationOutcome, error) {
	if m.completeFn != nil {
		return m.completeFn(ctx, requestID, success, providerRef, metadata)
	}
	return &model.VerificationOutcome{Verified: success}, nil
}

func (m *mockEngine) GetPending(ctx context.Context, requestID string) (*model.PendingVerification, error) {
	if m.getPendingFn != nil {
		return m.getPendingFn(ctx, requestID)
	}
	return nil, nil
}

func TestVerifyHandler_Start_DefaultsToMock(t *testing.T) {
	var gotUser, gotProvider string
	engine := &mockEngine{
		startFn: func(_ context.Context, userID, provider string) (*model.VerificationStart, error) {
			gotUser, gotProvider = userID, provider
			return &model.VerificationStart{RequestID: "req-1"}, nil
		},
	}

	req := withUser(httptest.NewRequest(http.MethodPost, "/api/verify/start", nil), sessionUserOf(alice()))
	w := httptest.NewRecorder()
	NewVerifyHandler(engine, VerifyCallbackConfig{}).Start(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if gotUser != "user-alice" || gotProvider != "mock" {
		t.Errorf("Start(%q, %q)", gotUser, gotProvider)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["requestId"] != "req-1" {
		t.Errorf("requestId = %v", body["requestId"])
	}
	if v, ok := body["redirectUrl"]; !ok || v != nil {
		t.Errorf("redirectUrl = %v, want null", v)
	}
}

func TestVerifyHandler_Start_Errors(t *testing.T) {
	tests := []struct {
		name       string
		user       *model.UserWithProfile
		body       string
		startErr   error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "未対応のプロバイダー",
			user:       alice(),
			body:       `{"provider":"acme"}`,
			startErr:   fmt.Errorf("%w: acme", model.ErrUnknownProvider),
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeUnknownProvider,
		},
		{
			name:       "不正なJSON",
			user:       alice(),
			body:       `{`,
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidRequest,
		},
		{
			name:       "検証済みユーザーは開始できない",
			user:       verifiedBob(),
			body:       `{"provider":"mock"}`,
			wantStatus: http.StatusConflict,
			wantCode:   model.ErrCodeInvalidTransition,
		},
		{
			name:       "保存失敗",
			user:       alice(),
			body:       `{"provider":"mock"}`,
			startErr:   errors.New("db down"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &mockEngine{
				startFn: func(context.Context, string, string) (*model.VerificationStart, error) {
					if tt.startErr != nil {
						return nil, tt.startErr
					}
					return &model.VerificationStart{RequestID: "req-1"}, nil
				},
			}
			req := withUser(httptest.NewRequest(http.MethodPost, "/api/verify/start", strings.NewReader(tt.body)), sessionUserOf(tt.user))
			w := httptest.NewRecorder()
			NewVerifyHandler(engine, VerifyCallbackConfig{}).Start(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := parseAPIErrorResponse(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

const testCallbackSecret = "test-callback-secret"

var signedCallback = VerifyCallbackConfig{Secret: testCallbackSecret}

// signedCompleteRequest はsecretで署名した検証完了リクエストを生成する。
func signedCompleteRequest(t *testing.T, secret, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/verify/complete", strings.NewReader(body))
	ts := time.Now().UTC().Format(time.RFC3339)
	req.Header.Set(verification.HeaderTimestamp, ts)
	req.Header.Set(verification.HeaderSignature, verification.ComputeSignature(secret, ts, []byte(body)))
	return req
}

func TestVerifyHandler_Complete_Authentication(t *testing.T) {
	body := `{"requestId":"req-1","success":true}`

	tests := []struct {
		name       string
		callback   VerifyCallbackConfig
		req        func(t *testing.T) *http.Request
		wantStatus int
	}{
		{
			name:     "正しい署名",
			callback: signedCallback,
			req: func(t *testing.T) *http.Request {
				return signedCompleteRequest(t, testCallbackSecret, body)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:     "署名なしは拒否",
			callback: signedCallback,
			req: func(*testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/verify/complete", strings.NewReader(body))
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:     "別のシークレットで署名",
			callback: signedCallback,
			req: func(t *testing.T) *http.Request {
				return signedCompleteRequest(t, "guessed-secret", body)
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:     "開発環境のシークレット未設定は署名なしを許可",
			callback: VerifyCallbackConfig{AllowUnsigned: true},
			req: func(*testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/verify/complete", strings.NewReader(body))
			},
			wantStatus: http.StatusOK,
		},
		{
			name:     "シークレット未設定で署名なし不許可",
			callback: VerifyCallbackConfig{},
			req: func(t *testing.T) *http.Request {
				return signedCompleteRequest(t, "", body)
			},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			engine := &mockEngine{
				completeFn: func(_ context.Context, _ string, success bool, _ *string, _ map[string]any) (*model.VerificationOutcome, error) {
					called = true
					return &model.VerificationOutcome{UserID: "user-alice", Verified: success}, nil
				},
			}
			w := httptest.NewRecorder()
			NewVerifyHandler(engine, tt.callback).Complete(w, tt.req(t))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body=%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if called {
					t.Error("engine must not be called for an unauthenticated callback")
				}
				if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeInvalidSignature {
					t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidSignature)
				}
			}
		})
	}
}

func TestVerifyHandler_Complete_PassesFields(t *testing.T) {
	var gotRequestID string
	var gotSuccess bool
	var gotRef *string
	var gotMeta map[string]any
	engine := &mockEngine{
		completeFn: func(_ context.Context, requestID string, success bool, providerRef *string, metadata map[string]any) (*model.VerificationOutcome, error) {
			gotRequestID, gotSuccess, gotRef, gotMeta = requestID, success, providerRef, metadata
			return &model.VerificationOutcome{UserID: "user-alice", Verified: true}, nil
		},
	}

	body := `{"requestId":"req-1","success":true,"providerRef":"ref-9","metadata":{"source":"test"}}`
	w := httptest.NewRecorder()
	NewVerifyHandler(engine, signedCallback).Complete(w, signedCompleteRequest(t, testCallbackSecret, body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotRequestID != "req-1" || !gotSuccess || gotRef == nil || *gotRef != "ref-9" || gotMeta["source"] != "test" {
		t.Errorf("Complete(%q, %v, %v, %v)", gotRequestID, gotSuccess, gotRef, gotMeta)
	}

	var outcome model.VerificationOutcome
	if err := json.NewDecoder(w.Body).Decode(&outcome); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if outcome.UserID != "user-alice" || !outcome.Verified {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestVerifyHandler_Complete_Errors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		completeErr error
		wantStatus  int
		wantCode    string
	}{
		{"requestIdなし", `{"success":true}`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"successなし", `{"requestId":"req-1"}`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"不正なJSON", `nope`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{
			"存在しない",
			`{"requestId":"req-x","success":true}`,
			fmt.Errorf("%w: req-x", model.ErrVerificationNotFound),
			http.StatusNotFound,
			model.ErrCodeVerificationNotFound,
		},
		{
			"期限切れ",
			`{"requestId":"req-1","success":true}`,
			&model.ExpiredError{RequestID: "req-1", UserID: "user-alice", ExpiredAt: time.Now()},
			http.StatusGone,
			model.ErrCodeVerificationExpired,
		},
		{
			"重複",
			`{"requestId":"req-1","success":false}`,
			&model.DuplicateError{RequestID: "req-1"},
			http.StatusConflict,
			model.ErrCodeDuplicateVerification,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			engine := &mockEngine{
				completeFn: func(context.Context, string, bool, *string, map[string]any) (*model.VerificationOutcome, error) {
					called = true
					return nil, tt.completeErr
				},
			}
			w := httptest.NewRecorder()
			NewVerifyHandler(engine, signedCallback).Complete(w, signedCompleteRequest(t, testCallbackSecret, tt.body))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := parseAPIErrorResponse(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if tt.completeErr == nil && called {
				t.Error("engine should not be called for invalid requests")
			}
		})
	}
}

func TestVerifyHandler_GetPending(t *testing.T) {
	created := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		pending    *model.PendingVerification
		err        error
		wantStatus int
	}{
		{"本人の検証", &model.PendingVerification{UserID: "user-alice", CreatedAt: created}, nil, http.StatusOK},
		{"他人の検証は404", &model.PendingVerification{UserID: "user-bob", CreatedAt: created}, nil, http.StatusNotFound},
		{"存在しない", nil, nil, http.StatusNotFound},
		{"期限切れ", nil, &model.ExpiredError{RequestID: "req-1", UserID: "user-alice", ExpiredAt: created}, http.StatusGone},
		// 期限切れでも他人の検証は存在を明かさない
		{"他人の期限切れは404", nil, &model.ExpiredError{RequestID: "req-1", UserID: "user-bob", ExpiredAt: created}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &mockEngine{
				getPendingFn: func(context.Context, string) (*model.PendingVerification, error) {
					return tt.pending, tt.err
				},
			}
			req := httptest.NewRequest(http.MethodGet, "/api/verify/req-1", nil)
			req = withUser(withChiURLParam(req, "requestId", "req-1"), sessionUserOf(alice()))
			w := httptest.NewRecorder()
			NewVerifyHandler(engine, VerifyCallbackConfig{}).GetPending(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var body pendingResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.RequestID != "req-1" || !body.ExpiresAt.Equal(created.Add(5*time.Minute)) {
				t.Errorf("body = %+v", body)
			}
		})
	}
}
