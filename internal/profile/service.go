package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/vets/internal/events"
	"github.com/hitoshi/vets/internal/model"
	"github.com/hitoshi/vets/internal/repository"
)

// DefaultCacheTTL はプロフィール統計のキャッシュ有効期間。
const DefaultCacheTTL = 24 * time.Hour

// StatsFetcher はユーザー名からリポジトリ統計を取得する。
type StatsFetcher interface {
	FetchStats(ctx context.Context, username string) (model.ProfileStats, error)
}

// Service はプロフィール統計のキャッシュを管理する。
type Service struct {
	repo     repository.ProfileRepository
	fetcher  StatsFetcher
	ttl      time.Duration
	notifier events.Broker
	now      func() time.Time
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithTTL はキャッシュ有効期間を設定する。0以下は無視する。
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithNotifier は更新時の通知先を設定する。
func WithNotifier(b events.Broker) Option {
	return func(s *Service) {
		s.notifier = b
	}
}

// NewService はServiceを生成する。
func NewService(repo repository.ProfileRepository, fetcher StatsFetcher, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		fetcher: fetcher,
		ttl:     DefaultCacheTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RefreshIfStale はキャッシュが未取得またはTTLを超えている場合に統計を取り直す。
// プロフィール行がない場合とGitHub上にユーザーがいない場合は統計を更新しない。
// レート制限以外で取得できなかった場合は試行日時を記録し、定期更新の対象から一定期間外す。
// 更新した場合はtrueを返す。
func (s *Service) RefreshIfStale(ctx context.Context, userID, username string) (bool, error) {
	p, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to find profile: %w", err)
	}
	if p == nil {
		return false, nil
	}

	now := s.now()
	if p.ProfileCachedAt != nil && now.Sub(*p.ProfileCachedAt) <= s.ttl {
		return false, nil
	}

	stats, err := s.fetcher.FetchStats(ctx, username)
	if errors.Is(err, ErrGitHubUserNotFound) {
		s.markAttempted(ctx, userID, now)
		return false, nil
	}
	if err != nil {
		var upstream *model.UpstreamError
		if !errors.As(err, &upstream) || !upstream.Throttled() {
			s.markAttempted(ctx, userID, now)
		}
		return false, fmt.Errorf("failed to fetch profile stats: %w", err)
	}

	if err := s.repo.UpdateStats(ctx, userID, stats, now); err != nil {
		return false, err
	}

	slog.Info("profile stats refreshed",
		slog.String("user_id", userID),
		slog.String("username", username),
		slog.Int("repos", stats.ReposCount),
	)

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, events.Event{UserID: userID, Kind: events.KindProfileUpdated}); err != nil {
			slog.Warn("failed to publish profile event",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	return true, nil
}

// markAttempted は失敗した試行を記録する。記録の失敗はログに残すだけにする。
func (s *Service) markAttempted(ctx context.Context, userID string, at time.Time) {
	if err := s.repo.MarkRefreshAttempted(ctx, userID, at); err != nil {
		slog.Warn("failed to record profile refresh attempt",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// RefreshInBackground はRefreshIfStaleを別goroutineで実行する。
// 呼び出し元のキャンセルからは切り離し、失敗はログに残すだけにする。
func (s *Service) RefreshInBackground(ctx context.Context, userID, username string) {
	bg := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(bg, 30*time.Second)
		defer cancel()
		if _, err := s.RefreshIfStale(ctx, userID, username); err != nil {
			slog.Warn("failed to refresh profile stats",
				slog.String("user_id", userID),
				slog.String("username", username),
				slog.String("error", err.Error()),
			)
		}
	}()
}
