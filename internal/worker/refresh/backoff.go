package refresh

import (
	"errors"
	"time"

	"github.com/hitoshi/vets/internal/model"
)

const (
	// initialBackoff は指数バックオフの初回遅延（5分）。
	initialBackoff = 5 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（1時間）。
	maxBackoff = time.Hour
)

// IsThrottled はGitHubのレート制限によるエラーかどうかを判定する。
func IsThrottled(err error) bool {
	var upstream *model.UpstreamError
	return errors.As(err, &upstream) && upstream.Throttled()
}

// CalculateBackoff は連続スロットル回数に基づいて指数バックオフ遅延を計算する。
// 初回5分、2倍ずつ増加、最大1時間。
func CalculateBackoff(consecutive int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutive; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
