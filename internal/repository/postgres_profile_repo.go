package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/vets/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByUserID はユーザーのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	p := &model.Profile{}
	var (
		bio          sql.NullString
		website      sql.NullString
		languages    []byte
		lastActivity sql.NullTime
		cachedAt     sql.NullTime
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, bio, website, github_repos_count, github_stars_count,
		        github_languages, github_last_activity, profile_cached_at
		 FROM profiles WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &bio, &website, &p.GitHubReposCount, &p.GitHubStarsCount,
		&languages, &lastActivity, &cachedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}

	p.Bio = stringPtr(bio)
	p.Website = stringPtr(website)
	p.GitHubLastActivity = timePtr(lastActivity)
	p.ProfileCachedAt = timePtr(cachedAt)
	if len(languages) > 0 {
		if err := json.Unmarshal(languages, &p.GitHubLanguages); err != nil {
			return nil, fmt.Errorf("failed to decode languages: %w", err)
		}
	}
	p.GitHubLanguages = nonNilStrings(p.GitHubLanguages)

	return p, nil
}

// UpdateStats は統計値とキャッシュ日時を更新する。
func (r *PostgresProfileRepo) UpdateStats(ctx context.Context, userID string, stats model.ProfileStats, cachedAt time.Time) error {
	languages, err := json.Marshal(nonNilStrings(stats.Languages))
	if err != nil {
		return fmt.Errorf("failed to encode languages: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE profiles
		 SET github_repos_count = $2, github_stars_count = $3, github_languages = $4,
		     github_last_activity = $5, profile_cached_at = $6, updated_at = $6
		 WHERE user_id = $1`,
		userID, stats.ReposCount, stats.StarsCount, languages, stats.LastActivity, cachedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile stats: %w", err)
	}
	return nil
}

// MarkRefreshAttempted は取得に失敗した更新の試行日時を記録する。
func (r *PostgresProfileRepo) MarkRefreshAttempted(ctx context.Context, userID string, attemptedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET refresh_attempted_at = $2 WHERE user_id = $1`,
		userID, attemptedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark profile refresh attempt: %w", err)
	}
	return nil
}

// ListStale はキャッシュ日時がcachedBeforeより古い、または未取得のプロフィールを
// 最後に取得または試行した日時の古い順に最大limit件返す。
// cachedBefore以降に試行して失敗したプロフィールは対象外とする。
func (r *PostgresProfileRepo) ListStale(ctx context.Context, cachedBefore time.Time, limit int) ([]model.StaleProfile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT u.id, u.github_username
		 FROM profiles p
		 JOIN users u ON u.id = p.user_id
		 WHERE (p.profile_cached_at IS NULL OR p.profile_cached_at < $1)
		   AND (p.refresh_attempted_at IS NULL OR p.refresh_attempted_at < $1)
		 ORDER BY GREATEST(p.profile_cached_at, p.refresh_attempted_at) ASC NULLS FIRST
		 LIMIT $2`,
		cachedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale profiles: %w", err)
	}
	defer rows.Close()

	var stale []model.StaleProfile
	for rows.Next() {
		var sp model.StaleProfile
		if err := rows.Scan(&sp.UserID, &sp.Username); err != nil {
			return nil, fmt.Errorf("failed to scan stale profile: %w", err)
		}
		stale = append(stale, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale profiles: %w", err)
	}
	return stale, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
