// Package model はドメインモデルを定義する。
package model

import "time"

// User はGitHubアカウントと紐付いたサービス利用ユーザーを表す。
// GitHubIDは不変、GitHubUsernameとAvatarURLはGitHub側の変更に追従する。
type User struct {
	ID              string
	GitHubID        int64
	GitHubUsername  string
	AvatarURL       *string
	VerifiedVeteran bool
	VerifiedAt      *time.Time // 初回の検証成功までnil
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Profile はユーザーごとにキャッシュされるGitHub統計情報を表す。
type Profile struct {
	UserID             string
	Bio                *string
	Website            *string
	GitHubReposCount   int
	GitHubStarsCount   int
	GitHubLanguages    []string
	GitHubLastActivity *time.Time
	ProfileCachedAt    *time.Time
}

// UserWithProfile はユーザーとプロフィールを結合した読み取りモデル。
// プロフィール行が存在しない場合はProfileがnilになる。
type UserWithProfile struct {
	User
	Profile *Profile
}

// GitHubUser はGitHub APIの /user レスポンスのうち利用する項目。
type GitHubUser struct {
	ID          int64   `json:"id"`
	Login       string  `json:"login"`
	AvatarURL   string  `json:"avatar_url"`
	Name        *string `json:"name"`
	Bio         *string `json:"bio"`
	Blog        *string `json:"blog"`
	PublicRepos int     `json:"public_repos"`
}

// ProfileStats はGitHubリポジトリ一覧から集計した統計値。
type ProfileStats struct {
	ReposCount   int
	StarsCount   int
	Languages    []string
	LastActivity *time.Time
}

// StaleProfile は統計キャッシュの再取得対象となるユーザー。
type StaleProfile struct {
	UserID   string
	Username string
}
