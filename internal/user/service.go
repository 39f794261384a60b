// Package user はGitHubアカウントとローカルユーザーの紐付けを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/hitoshi/vets/internal/model"
	"github.com/hitoshi/vets/internal/repository"
	"github.com/hitoshi/vets/internal/security"
)

// usernamePattern はGitHubユーザー名として有効な文字列。英数字とハイフン、最大39文字。
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,37}[A-Za-z0-9])?$`)

// ValidUsername はGitHubユーザー名として有効かどうかを返す。
func ValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// Service はユーザーの作成・更新・検索を行うサービス層。
type Service struct {
	userRepo  repository.UserRepository
	sanitizer security.ProfileSanitizer
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, sanitizer security.ProfileSanitizer) *Service {
	return &Service{
		userRepo:  userRepo,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// UpsertFromGitHub はGitHubのプロフィールからユーザーを作成または更新する。
// 既存ユーザーはユーザー名とアバターのみ更新し、isNewUser=falseを返す。
// 新規ユーザーは空のプロフィール行と同時に作成し、isNewUser=trueを返す。
func (s *Service) UpsertFromGitHub(ctx context.Context, gh *model.GitHubUser) (*model.UserWithProfile, bool, error) {
	existing, err := s.userRepo.FindByGitHubID(ctx, gh.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find user by github id: %w", err)
	}
	if existing != nil {
		u, err := s.refresh(ctx, existing.ID, gh)
		return u, false, err
	}

	now := s.now()
	user := &model.User{
		GitHubID:       gh.ID,
		GitHubUsername: gh.Login,
		AvatarURL:      optionalString(gh.AvatarURL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	profile := &model.Profile{
		Bio:              s.sanitizeBio(gh.Bio),
		Website:          s.sanitizeWebsite(gh.Blog),
		GitHubReposCount: gh.PublicRepos,
		GitHubLanguages:  []string{},
	}

	if err := s.userRepo.CreateWithProfile(ctx, user, profile); err != nil {
		// 同じGitHubアカウントの同時ログインで先に作成された場合は更新に切り替える
		if errors.Is(err, repository.ErrDuplicateKey) {
			slog.Info("user created concurrently, refreshing instead",
				slog.Int64("github_id", gh.ID),
			)
			winner, findErr := s.userRepo.FindByGitHubID(ctx, gh.ID)
			if findErr != nil {
				return nil, false, fmt.Errorf("failed to find user by github id: %w", findErr)
			}
			if winner != nil {
				u, err := s.refresh(ctx, winner.ID, gh)
				return u, false, err
			}
		}
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("github_username", user.GitHubUsername),
	)

	return &model.UserWithProfile{User: *user, Profile: profile}, true, nil
}

func (s *Service) refresh(ctx context.Context, id string, gh *model.GitHubUser) (*model.UserWithProfile, error) {
	if err := s.userRepo.UpdateGitHubFields(ctx, id, gh.Login, optionalString(gh.AvatarURL), s.now()); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return s.FindByID(ctx, id)
}

// FindByID はユーザーをID検索する。存在しない場合はErrUserNotFoundを返す。
func (s *Service) FindByID(ctx context.Context, id string) (*model.UserWithProfile, error) {
	u, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if u == nil {
		return nil, model.ErrUserNotFound
	}
	return u, nil
}

// FindByUsername はユーザーをGitHubユーザー名で検索する。存在しない場合はErrUserNotFoundを返す。
func (s *Service) FindByUsername(ctx context.Context, username string) (*model.UserWithProfile, error) {
	u, err := s.FindByUsernameOptional(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, model.ErrUserNotFound
	}
	return u, nil
}

// FindByUsernameOptional はユーザーをGitHubユーザー名で検索する。
// 公開ページ向けで、存在しない場合はエラーではなく(nil, nil)を返す。
func (s *Service) FindByUsernameOptional(ctx context.Context, username string) (*model.UserWithProfile, error) {
	if !ValidUsername(username) {
		return nil, nil
	}
	u, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return u, nil
}

func (s *Service) sanitizeBio(bio *string) *string {
	if bio == nil {
		return nil
	}
	if s.sanitizer == nil {
		return optionalString(*bio)
	}
	return optionalString(s.sanitizer.SanitizeBio(*bio))
}

func (s *Service) sanitizeWebsite(blog *string) *string {
	if blog == nil {
		return nil
	}
	if s.sanitizer == nil {
		return optionalString(*blog)
	}
	return optionalString(s.sanitizer.SanitizeWebsite(*blog))
}

// optionalString は空文字列をnilに変換する。
func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
