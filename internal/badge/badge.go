// Package badge は検証済みバッジの署名付きトークンを発行・検証する。
package badge

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer はバッジトークンのiss。
	Issuer = "vets.dev"
	// DefaultTTL はバッジトークンの有効期間。
	DefaultTTL = 30 * 24 * time.Hour
)

// ErrInvalidToken はトークンの署名・期限・形式のいずれかが不正であることを示す。
var ErrInvalidToken = errors.New("invalid badge token")

// Claims はバッジトークンのクレーム。subにGitHubユーザー名を入れる。
type Claims struct {
	Verified   bool   `json:"verified"`
	VerifiedAt *int64 `json:"verified_at,omitempty"`
	jwt.RegisteredClaims
}

// Badge はバッジAPIのレスポンス。
type Badge struct {
	Username   string     `json:"username"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verifiedAt"`
	Token      string     `json:"token"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}

// Signer はHS256でバッジトークンに署名する。
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner はSignerを生成する。ttlが0以下の場合はDefaultTTLを使う。
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if len(secret) < 32 {
		return nil, errors.New("badge secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue はユーザーのバッジを発行する。
func (s *Signer) Issue(username string, verified bool, verifiedAt *time.Time) (*Badge, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := Claims{
		Verified: verified,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if verifiedAt != nil {
		unix := verifiedAt.Unix()
		claims.VerifiedAt = &unix
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign badge: %w", err)
	}

	return &Badge{
		Username:   username,
		Verified:   verified,
		VerifiedAt: verifiedAt,
		Token:      signed,
		ExpiresAt:  jwt.NewNumericDate(expiresAt).Time,
	}, nil
}

// Verify はトークンを検証してクレームを返す。
// HS256以外のアルゴリズム、発行者の不一致、期限切れはErrInvalidTokenになる。
func (s *Signer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
