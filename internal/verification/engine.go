// Package verification は退役軍人検証の開始・完了・照会を行う状態機械を提供する。
//
// 検証の1回の試行は pending → success | failed と遷移する。
// verification_eventsは追記専用のログで、開始時のpending行と完了時の結果行を別々に記録する。
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/vets/internal/audit"
	"github.com/hitoshi/vets/internal/events"
	"github.com/hitoshi/vets/internal/metrics"
	"github.com/hitoshi/vets/internal/model"
	"github.com/hitoshi/vets/internal/repository"
	"github.com/hitoshi/vets/internal/token"
)

// Timeout は検証開始から完了までの制限時間。
const Timeout = 5 * time.Minute

// UserVerifier はユーザーを検証済みにする。
type UserVerifier interface {
	MarkVerified(ctx context.Context, id string, verifiedAt time.Time) error
}

// Engine は検証の状態機械。
// 同一リクエストIDに対する同時完了は、冪等キーの一意制約によって片方だけが成功する。
type Engine struct {
	repo      repository.VerificationRepository
	users     UserVerifier
	audit     *audit.Logger
	notifier  events.Broker
	metrics   metrics.MetricsCollector
	providers map[string]Provider
	now       func() time.Time
}

// Option はEngineの設定を変更する。
type Option func(*Engine)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithProvider はプロバイダーを追加登録する。同名の登録は上書きする。
func WithProvider(p Provider) Option {
	return func(e *Engine) {
		e.providers[p.Name()] = p
	}
}

// WithoutMockProvider はmockプロバイダーの登録を外す。
// 開発環境以外ではmockによる開始・完了をいずれも受け付けない。
func WithoutMockProvider() Option {
	return func(e *Engine) {
		delete(e.providers, ProviderMock)
	}
}

// WithNotifier は検証完了時の通知先を設定する。
func WithNotifier(b events.Broker) Option {
	return func(e *Engine) {
		e.notifier = b
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine はEngineを生成する。mockプロバイダーはWithoutMockProviderを指定しない限り登録される。
func NewEngine(repo repository.VerificationRepository, users UserVerifier, auditLogger *audit.Logger, opts ...Option) *Engine {
	e := &Engine{
		repo:      repo,
		users:     users,
		audit:     auditLogger,
		metrics:   metrics.Nop{},
		providers: map[string]Provider{ProviderMock: MockProvider()},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HasProvider は指定名のプロバイダーが登録されているかを返す。
func (e *Engine) HasProvider(name string) bool {
	_, ok := e.providers[strings.ToLower(name)]
	return ok
}

// Start は検証を開始し、pending行を記録する。
// 同じユーザーが未完了の検証を持っていても新しい試行として扱う。
func (e *Engine) Start(ctx context.Context, userID, providerName string) (*model.VerificationStart, error) {
	provider, ok := e.providers[strings.ToLower(providerName)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownProvider, providerName)
	}

	requestID := token.Generate()
	now := e.now()

	event := &model.VerificationEvent{
		UserID:         userID,
		Provider:       provider.Name(),
		Status:         model.VerificationPending,
		IdempotencyKey: requestID,
		Metadata: map[string]any{
			"startedAt": now.UTC().Format(time.RFC3339),
		},
		CreatedAt: now,
	}
	if err := e.repo.Create(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to create verification event: %w", err)
	}

	e.audit.Record(ctx, audit.Entry(model.AuditVerifyStart, userID, audit.Client{}, map[string]any{
		"provider":  provider.Name(),
		"requestId": requestID,
	}))
	e.metrics.RecordVerificationStarted(provider.Name())

	slog.Info("verification started",
		slog.String("user_id", userID),
		slog.String("provider", provider.Name()),
	)

	return &model.VerificationStart{
		RequestID:   requestID,
		RedirectURL: provider.RedirectURL(requestID),
	}, nil
}

// Complete は検証結果を記録する。以下の順に判定し、いずれかで失敗した時点で終了する。
//
//  1. pending行がない場合はErrVerificationNotFound
//  2. pending行のプロバイダーが登録されていない場合はErrUnknownProvider
//  3. 開始からTimeoutを超えている場合は*model.ExpiredError
//  4. (requestID, success) の冪等キーが既に存在する場合は*model.DuplicateError
//  5. 結果行を追記する
//  6. 成功時はユーザーを検証済みにしてverify_success、失敗時はverify_failを記録する
//
// 冪等キーはsuccessの値を含むため、同じrequestIDでsuccessとfailedを1回ずつ記録できる。
func (e *Engine) Complete(ctx context.Context, requestID string, success bool, providerRef *string, metadata map[string]any) (*model.VerificationOutcome, error) {
	pending, err := e.repo.FindPendingByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to find verification event: %w", err)
	}
	if pending == nil {
		e.metrics.RecordVerificationCompleted("unknown", metrics.OutcomeNotFound)
		return nil, fmt.Errorf("%w: %s", model.ErrVerificationNotFound, requestID)
	}
	if _, ok := e.providers[pending.Provider]; !ok {
		slog.Warn("completion rejected for unregistered provider",
			slog.String("user_id", pending.UserID),
			slog.String("provider", pending.Provider),
		)
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownProvider, pending.Provider)
	}

	now := e.now()
	if expiredAt, expired := expiry(pending.CreatedAt, now); expired {
		e.metrics.RecordVerificationCompleted(pending.Provider, metrics.OutcomeExpired)
		return nil, &model.ExpiredError{RequestID: requestID, UserID: pending.UserID, ExpiredAt: expiredAt}
	}

	key := token.IdempotencyKey(requestID, success)
	exists, err := e.repo.ExistsByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check duplicate verification: %w", err)
	}
	if exists {
		e.metrics.RecordVerificationCompleted(pending.Provider, metrics.OutcomeDuplicate)
		return nil, &model.DuplicateError{RequestID: requestID}
	}

	status := model.VerificationFailed
	if success {
		status = model.VerificationSuccess
	}

	outcomeMeta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		outcomeMeta[k] = v
	}
	outcomeMeta["completedAt"] = now.UTC().Format(time.RFC3339)

	outcome := &model.VerificationEvent{
		UserID:         pending.UserID,
		Provider:       pending.Provider,
		ProviderRef:    providerRef,
		Status:         status,
		IdempotencyKey: key,
		Metadata:       outcomeMeta,
		CreatedAt:      now,
	}
	if err := e.repo.Create(ctx, outcome); err != nil {
		// 存在確認と挿入の間に別リクエストが先に記録した場合
		if errors.Is(err, repository.ErrDuplicateKey) {
			e.metrics.RecordVerificationCompleted(pending.Provider, metrics.OutcomeDuplicate)
			return nil, &model.DuplicateError{RequestID: requestID}
		}
		return nil, fmt.Errorf("failed to record verification outcome: %w", err)
	}

	if success {
		if err := e.users.MarkVerified(ctx, pending.UserID, now); err != nil {
			return nil, fmt.Errorf("failed to mark user verified: %w", err)
		}
		meta := map[string]any{
			"provider":  pending.Provider,
			"requestId": requestID,
		}
		if providerRef != nil {
			meta["providerRef"] = *providerRef
		}
		e.audit.Record(ctx, audit.Entry(model.AuditVerifySuccess, pending.UserID, audit.Client{}, meta))
		e.metrics.RecordVerificationCompleted(pending.Provider, metrics.OutcomeSuccess)
	} else {
		e.audit.Record(ctx, audit.Entry(model.AuditVerifyFail, pending.UserID, audit.Client{}, map[string]any{
			"provider":  pending.Provider,
			"requestId": requestID,
			"reason":    failureReason(metadata),
		}))
		e.metrics.RecordVerificationCompleted(pending.Provider, metrics.OutcomeFailed)
	}

	slog.Info("verification completed",
		slog.String("user_id", pending.UserID),
		slog.String("provider", pending.Provider),
		slog.Bool("verified", success),
	)

	e.notify(ctx, pending.UserID)

	return &model.VerificationOutcome{
		UserID:   pending.UserID,
		Verified: success,
	}, nil
}

// GetPending は進行中の検証を返す。
// 存在しない場合は(nil, nil)、期限切れの場合は*model.ExpiredErrorを返し、両者を区別できるようにする。
func (e *Engine) GetPending(ctx context.Context, requestID string) (*model.PendingVerification, error) {
	pending, err := e.repo.FindPendingByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to find verification event: %w", err)
	}
	if pending == nil {
		return nil, nil
	}
	if expiredAt, expired := expiry(pending.CreatedAt, e.now()); expired {
		return nil, &model.ExpiredError{RequestID: requestID, UserID: pending.UserID, ExpiredAt: expiredAt}
	}
	return &model.PendingVerification{
		UserID:    pending.UserID,
		CreatedAt: pending.CreatedAt,
	}, nil
}

// ActivePending はユーザーの未完了かつ期限内の検証のうち最新のものを返す。
// 該当がない場合は(nil, "", nil)を返す。
func (e *Engine) ActivePending(ctx context.Context, userID string) (*model.PendingVerification, string, error) {
	now := e.now()
	candidates, err := e.repo.ListPendingByUserID(ctx, userID, now.Add(-Timeout))
	if err != nil {
		return nil, "", fmt.Errorf("failed to list pending verifications: %w", err)
	}

	for _, c := range candidates {
		if _, expired := expiry(c.CreatedAt, now); expired {
			continue
		}
		resolved, err := e.resolved(ctx, c.IdempotencyKey)
		if err != nil {
			return nil, "", err
		}
		if !resolved {
			return &model.PendingVerification{UserID: c.UserID, CreatedAt: c.CreatedAt}, c.IdempotencyKey, nil
		}
	}
	return nil, "", nil
}

// resolved はリクエストIDに対する結果行が存在するかを返す。
func (e *Engine) resolved(ctx context.Context, requestID string) (bool, error) {
	for _, success := range []bool{true, false} {
		exists, err := e.repo.ExistsByIdempotencyKey(ctx, token.IdempotencyKey(requestID, success))
		if err != nil {
			return false, fmt.Errorf("failed to check verification outcome: %w", err)
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) notify(ctx context.Context, userID string) {
	if e.notifier == nil {
		return
	}
	err := e.notifier.Publish(context.WithoutCancel(ctx), events.Event{
		UserID: userID,
		Kind:   events.KindVerificationCompleted,
	})
	if err != nil {
		slog.Warn("failed to publish verification event",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// expiry は失効時刻と、nowの時点で失効しているかを返す。
// 経過時間がTimeoutちょうどの場合はまだ有効。
func expiry(createdAt, now time.Time) (time.Time, bool) {
	expiredAt := createdAt.Add(Timeout)
	return expiredAt, now.Sub(createdAt) > Timeout
}

func failureReason(metadata map[string]any) string {
	if r, ok := metadata["reason"].(string); ok && r != "" {
		return r
	}
	return "unknown"
}
