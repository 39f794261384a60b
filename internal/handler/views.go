package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/vets/internal/model"
	"github.com/hitoshi/vets/internal/user"
)

// reservedNames はルート直下で予約済みのパス。公開プロフィールとして扱わない。
var reservedNames = map[string]struct{}{
	"health":    {},
	"auth":      {},
	"logout":    {},
	"dashboard": {},
	"verify":    {},
	"badge":     {},
	"api":       {},
}

// isPublicUsername はusernameが公開プロフィールのパスとして有効かを返す。
func isPublicUsername(username string) bool {
	if _, reserved := reservedNames[strings.ToLower(username)]; reserved {
		return false
	}
	return user.ValidUsername(username)
}

// userSignals はダッシュボードのSSEで送る本人向けのシグナル。
type userSignals struct {
	Verified  bool     `json:"verified"`
	RepoCount int      `json:"repoCount"`
	StarCount int      `json:"starCount"`
	Languages []string `json:"languages"`
}

// profileSignals は公開プロフィールのシグナル。JSONページでも同じ形を返す。
type profileSignals struct {
	Username     string     `json:"username"`
	AvatarURL    *string    `json:"avatarUrl"`
	Verified     bool       `json:"verified"`
	Bio          *string    `json:"bio"`
	Website      *string    `json:"website"`
	RepoCount    int        `json:"repoCount"`
	StarCount    int        `json:"starCount"`
	Languages    []string   `json:"languages"`
	LastActivity *time.Time `json:"lastActivity"`
}

func toUserSignals(u *model.UserWithProfile) userSignals {
	s := userSignals{Verified: u.VerifiedVeteran, Languages: []string{}}
	if p := u.Profile; p != nil {
		s.RepoCount = p.GitHubReposCount
		s.StarCount = p.GitHubStarsCount
		if p.GitHubLanguages != nil {
			s.Languages = p.GitHubLanguages
		}
	}
	return s
}

func toProfileSignals(u *model.UserWithProfile) profileSignals {
	s := profileSignals{
		Username:  u.GitHubUsername,
		AvatarURL: u.AvatarURL,
		Verified:  u.VerifiedVeteran,
		Languages: []string{},
	}
	if p := u.Profile; p != nil {
		s.Bio = p.Bio
		s.Website = p.Website
		s.RepoCount = p.GitHubReposCount
		s.StarCount = p.GitHubStarsCount
		s.LastActivity = p.GitHubLastActivity
		if p.GitHubLanguages != nil {
			s.Languages = p.GitHubLanguages
		}
	}
	return s
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
