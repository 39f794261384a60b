package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/vets/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// selectUserWithProfile はusersとprofilesをLEFT JOINする共通SELECT句。
const selectUserWithProfile = `SELECT u.id, u.github_id, u.github_username, u.avatar_url,
		u.verified_veteran, u.verified_at, u.created_at, u.updated_at,
		p.user_id, p.bio, p.website, p.github_repos_count, p.github_stars_count,
		p.github_languages, p.github_last_activity, p.profile_cached_at
	 FROM users u
	 LEFT JOIN profiles p ON p.user_id = u.id`

// FindByID は指定IDのユーザーをプロフィール付きで取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.UserWithProfile, error) {
	row := r.db.QueryRowContext(ctx, selectUserWithProfile+` WHERE u.id = $1`, id)
	user, err := scanUserWithProfile(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByUsername はGitHubユーザー名でユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByUsername(ctx context.Context, username string) (*model.UserWithProfile, error) {
	row := r.db.QueryRowContext(ctx, selectUserWithProfile+` WHERE u.github_username = $1 LIMIT 1`, username)
	user, err := scanUserWithProfile(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by username: %w", err)
	}
	return user, nil
}

// FindByGitHubID はGitHubのユーザーIDでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByGitHubID(ctx context.Context, githubID int64) (*model.User, error) {
	user := &model.User{}
	var avatarURL sql.NullString
	var verifiedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, github_id, github_username, avatar_url, verified_veteran, verified_at, created_at, updated_at
		 FROM users WHERE github_id = $1`,
		githubID,
	).Scan(
		&user.ID, &user.GitHubID, &user.GitHubUsername, &avatarURL,
		&user.VerifiedVeteran, &verifiedAt, &user.CreatedAt, &user.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by github ID: %w", err)
	}

	user.AvatarURL = stringPtr(avatarURL)
	user.VerifiedAt = timePtr(verifiedAt)
	return user, nil
}

// CreateWithProfile はユーザーと空のプロフィールを同一トランザクションで作成する。
// user.IDが空の場合は採番する。
func (r *PostgresUserRepo) CreateWithProfile(ctx context.Context, user *model.User, profile *model.Profile) error {
	if user.ID == "" {
		user.ID = newID()
	}
	profile.UserID = user.ID

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, github_id, github_username, avatar_url, verified_veteran, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, false, $5, $6)`,
		user.ID, user.GitHubID, user.GitHubUsername, user.AvatarURL, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", mapPQError(err))
	}

	languages, err := json.Marshal(nonNilStrings(profile.GitHubLanguages))
	if err != nil {
		return fmt.Errorf("failed to encode languages: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO profiles (id, user_id, bio, website, github_repos_count, github_stars_count, github_languages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)`,
		newID(), user.ID, profile.Bio, profile.Website, profile.GitHubReposCount, languages, user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", mapPQError(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpdateGitHubFields はGitHub側で変わり得る項目（ユーザー名、アバター）を更新する。
func (r *PostgresUserRepo) UpdateGitHubFields(ctx context.Context, id, username string, avatarURL *string, updatedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET github_username = $2, avatar_url = $3, updated_at = $4 WHERE id = $1`,
		id, username, avatarURL, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireAffected(result, id)
}

// MarkVerified は退役軍人検証済みフラグと検証日時を設定する。
func (r *PostgresUserRepo) MarkVerified(ctx context.Context, id string, verifiedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET verified_veteran = true, verified_at = $2, updated_at = $2 WHERE id = $1`,
		id, verifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark user verified: %w", err)
	}
	return requireAffected(result, id)
}

// scanUserWithProfile はselectUserWithProfileの1行を読み取る。
// 行がない場合は(nil, nil)を返す。
func scanUserWithProfile(row *sql.Row) (*model.UserWithProfile, error) {
	var (
		u            model.UserWithProfile
		avatarURL    sql.NullString
		verifiedAt   sql.NullTime
		profileUser  sql.NullString
		bio          sql.NullString
		website      sql.NullString
		reposCount   sql.NullInt64
		starsCount   sql.NullInt64
		languages    []byte
		lastActivity sql.NullTime
		cachedAt     sql.NullTime
	)

	err := row.Scan(
		&u.ID, &u.GitHubID, &u.GitHubUsername, &avatarURL,
		&u.VerifiedVeteran, &verifiedAt, &u.CreatedAt, &u.UpdatedAt,
		&profileUser, &bio, &website, &reposCount, &starsCount,
		&languages, &lastActivity, &cachedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	u.AvatarURL = stringPtr(avatarURL)
	u.VerifiedAt = timePtr(verifiedAt)

	if profileUser.Valid {
		p := &model.Profile{
			UserID:             profileUser.String,
			Bio:                stringPtr(bio),
			Website:            stringPtr(website),
			GitHubReposCount:   int(reposCount.Int64),
			GitHubStarsCount:   int(starsCount.Int64),
			GitHubLastActivity: timePtr(lastActivity),
			ProfileCachedAt:    timePtr(cachedAt),
		}
		if len(languages) > 0 {
			if err := json.Unmarshal(languages, &p.GitHubLanguages); err != nil {
				return nil, fmt.Errorf("failed to decode languages: %w", err)
			}
		}
		p.GitHubLanguages = nonNilStrings(p.GitHubLanguages)
		u.Profile = p
	}

	return &u, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
