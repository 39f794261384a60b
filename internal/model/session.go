package model

import "time"

// Session はユーザーのログインセッションを表す。
// 生のトークンは保持せず、ハッシュ値のみを永続化する。
type Session struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// SessionUser はセッション検証の結果として返されるユーザー情報。
type SessionUser struct {
	ID              string
	GitHubID        int64
	GitHubUsername  string
	AvatarURL       *string
	VerifiedVeteran bool
	VerifiedAt      *time.Time
}
