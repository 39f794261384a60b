// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/vets/internal/model"
)

// ErrDuplicateKey は一意制約違反を表す。ドライバー固有のエラーは外に出さない。
var ErrDuplicateKey = errors.New("duplicate key")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーをプロフィール付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.UserWithProfile, error)

	// FindByGitHubID はGitHubのユーザーIDでユーザーを取得する。見つからない場合はnilを返す。
	FindByGitHubID(ctx context.Context, githubID int64) (*model.User, error)

	// FindByUsername はGitHubユーザー名でユーザーをプロフィール付きで取得する。
	// 見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.UserWithProfile, error)

	// CreateWithProfile はユーザーと空のプロフィールを同一トランザクションで作成する。
	CreateWithProfile(ctx context.Context, user *model.User, profile *model.Profile) error

	// UpdateGitHubFields はGitHub側で変わり得る項目（ユーザー名、アバター）を更新する。
	UpdateGitHubFields(ctx context.Context, id, username string, avatarURL *string, updatedAt time.Time) error

	// MarkVerified は退役軍人検証済みフラグと検証日時を設定する。
	MarkVerified(ctx context.Context, id string, verifiedAt time.Time) error
}

// ProfileRepository はキャッシュ済みGitHub統計の永続化インターフェース。
type ProfileRepository interface {
	// FindByUserID はユーザーのプロフィールを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)

	// UpdateStats は統計値とキャッシュ日時を更新する。
	UpdateStats(ctx context.Context, userID string, stats model.ProfileStats, cachedAt time.Time) error

	// MarkRefreshAttempted は取得に失敗した更新の試行日時を記録する。統計値は変更しない。
	MarkRefreshAttempted(ctx context.Context, userID string, attemptedAt time.Time) error
}

// SessionRepository はセッションデータの永続化インターフェース。
// トークンはハッシュ値でのみ扱う。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindUserByTokenHash はハッシュが一致し、かつnowより後に失効するセッションの
	// 所有ユーザーを取得する。該当がない場合はnilを返す。
	FindUserByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*model.SessionUser, error)

	// DeleteByTokenHash はハッシュが一致するセッションを削除する。存在しなくてもエラーにしない。
	DeleteByTokenHash(ctx context.Context, tokenHash string) error

	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error

	// DeleteExpired はbefore以前に失効したセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// VerificationRepository は検証イベントログの永続化インターフェース。
// 行は追記のみで、更新・削除のメソッドは持たない。
type VerificationRepository interface {
	// Create は検証イベントを追加する。
	// idempotency_keyの一意制約に違反した場合はErrDuplicateKeyを返す。
	Create(ctx context.Context, event *model.VerificationEvent) error

	// FindPendingByRequestID はリクエストIDを冪等キーとするpending行を取得する。
	// 見つからない場合はnilを返す。
	FindPendingByRequestID(ctx context.Context, requestID string) (*model.VerificationEvent, error)

	// ExistsByIdempotencyKey は指定の冪等キーを持つ行が存在するかを返す。
	ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error)

	// ListPendingByUserID はsince以降に作成されたユーザーのpending行を新しい順に返す。
	ListPendingByUserID(ctx context.Context, userID string, since time.Time) ([]*model.VerificationEvent, error)
}

// AuditRepository は監査ログの永続化インターフェース。追記専用。
type AuditRepository interface {
	// Create は監査ログを1件追加する。
	Create(ctx context.Context, entry *model.AuditEntry) error
}
