// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// cron式で指定したスケジュールでsessionsテーブルから失効済みの行を削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/vets/internal/metrics"
)

// DefaultSchedule は削除ジョブのデフォルト実行間隔。
const DefaultSchedule = "@every 1h"

// SessionPurger は期限切れセッションを削除し、削除件数を返す。
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// CleanupJob は期限切れセッションの削除ジョブ。
// 冪等: 削除対象がない場合でもエラーにならない。
type CleanupJob struct {
	purger  SessionPurger
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	timeout time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(purger SessionPurger, m metrics.MetricsCollector, logger *slog.Logger) *CleanupJob {
	if m == nil {
		m = metrics.Nop{}
	}
	return &CleanupJob{
		purger:  purger,
		metrics: m,
		logger:  logger,
		timeout: time.Minute,
	}
}

// Run は期限切れセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	deleted, err := j.purger.PurgeExpired(ctx)
	if err != nil {
		j.logger.Error("session cleanup failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to purge expired sessions: %w", err)
	}

	j.metrics.RecordSessionsPurged(deleted)
	j.logger.Info("session cleanup completed",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Scheduler はcron式でCleanupJobを定期実行する。
type Scheduler struct {
	cron   *cron.Cron
	job    *CleanupJob
	logger *slog.Logger
}

// NewScheduler はscheduleでjobを実行するSchedulerを生成する。
// scheduleが空の場合はDefaultScheduleを使う。不正なcron式はエラーになる。
func NewScheduler(schedule string, job *CleanupJob, logger *slog.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s := &Scheduler{cron: c, job: job, logger: logger}

	if _, err := c.AddFunc(schedule, s.runScheduled); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) runScheduled() {
	// エラーはRun内でログ済み
	_ = s.job.Run(context.Background())
}

// Start はスケジューラを起動し、ctxがキャンセルされるまでブロックする。
// 停止時は実行中のジョブの完了を待つ。
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("session cleanup scheduler started",
		slog.Int("entries", len(s.cron.Entries())),
	)

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("session cleanup scheduler stopped")
}
