// Package refresh はプロフィール統計キャッシュのバックグラウンド更新を提供する。
// 定期的にキャッシュ切れのプロフィールを取得し、並列数を制限しながらGitHubから取り直す。
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/vets/internal/model"
)

const (
	defaultMaxConcurrency = 4
	defaultBatchSize      = 50
)

// StaleLister はキャッシュ切れのプロフィールを列挙する。
type StaleLister interface {
	ListStale(ctx context.Context, cachedBefore time.Time, limit int) ([]model.StaleProfile, error)
}

// Refresher は1ユーザー分の統計を必要に応じて取り直す。
type Refresher interface {
	RefreshIfStale(ctx context.Context, userID, username string) (bool, error)
}

// CycleResult は1サイクルの処理結果。
type CycleResult struct {
	Candidates int
	Refreshed  int
	Failed     int
	Throttled  bool
	Skipped    bool // バックオフ中で実行しなかった
}

// Scheduler はプロフィール更新のスケジューリングと並列制御を行う。
// GitHubのレート制限に当たった場合は次のサイクルを指数バックオフで遅らせる。
type Scheduler struct {
	lister         StaleLister
	refresher      Refresher
	logger         *slog.Logger
	ttl            time.Duration
	maxConcurrency int
	batchSize      int
	now            func() time.Time

	mu                   sync.Mutex
	consecutiveThrottles int
	pausedUntil          time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	lister StaleLister,
	refresher Refresher,
	logger *slog.Logger,
	ttl time.Duration,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Scheduler{
		lister:         lister,
		refresher:      refresher,
		logger:         logger,
		ttl:            ttl,
		maxConcurrency: maxConcurrency,
		batchSize:      defaultBatchSize,
		now:            time.Now,
	}
}

// Start はinterval間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("profile refresh scheduler started",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("profile refresh scheduler stopped")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("profile refresh cycle failed",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce はキャッシュ切れのプロフィールを1回取得し、並列で更新する。
// バックオフ中の場合は何もせずSkippedを返す。
func (s *Scheduler) RunOnce(ctx context.Context) (CycleResult, error) {
	start := s.now()

	s.mu.Lock()
	paused := start.Before(s.pausedUntil)
	s.mu.Unlock()
	if paused {
		return CycleResult{Skipped: true}, nil
	}

	targets, err := s.lister.ListStale(ctx, start.Add(-s.ttl), s.batchSize)
	if err != nil {
		return CycleResult{}, err
	}

	result := CycleResult{Candidates: len(targets)}
	if len(targets) == 0 {
		s.logger.Debug("no stale profiles to refresh")
		s.recordThrottle(false, start)
		return result, nil
	}

	var (
		wg        sync.WaitGroup
		refreshed atomic.Int64
		failed    atomic.Int64
		throttled atomic.Bool
	)
	sem := make(chan struct{}, s.maxConcurrency)

	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(p model.StaleProfile) {
			defer wg.Done()
			defer func() { <-sem }()

			ok, err := s.refresher.RefreshIfStale(ctx, p.UserID, p.Username)
			if err != nil {
				failed.Add(1)
				if IsThrottled(err) {
					throttled.Store(true)
				}
				s.logger.Warn("profile refresh failed",
					slog.String("user_id", p.UserID),
					slog.String("username", p.Username),
					slog.String("error", err.Error()),
				)
				return
			}
			if ok {
				refreshed.Add(1)
			}
		}(target)
	}

	wg.Wait()

	result.Refreshed = int(refreshed.Load())
	result.Failed = int(failed.Load())
	result.Throttled = throttled.Load()
	s.recordThrottle(result.Throttled, start)

	s.logger.Info("profile refresh cycle completed",
		slog.Int("candidates", result.Candidates),
		slog.Int("refreshed", result.Refreshed),
		slog.Int("failed", result.Failed),
		slog.Bool("throttled", result.Throttled),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)

	return result, nil
}

// recordThrottle はサイクル結果からバックオフ状態を更新する。
func (s *Scheduler) recordThrottle(throttled bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !throttled {
		s.consecutiveThrottles = 0
		s.pausedUntil = time.Time{}
		return
	}
	delay := CalculateBackoff(s.consecutiveThrottles)
	s.consecutiveThrottles++
	s.pausedUntil = at.Add(delay)
	s.logger.Warn("github rate limit reached, pausing profile refresh",
		slog.Duration("backoff", delay),
		slog.Int("consecutive_throttles", s.consecutiveThrottles),
	)
}
