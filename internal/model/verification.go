package model

import "time"

// VerificationStatus は検証イベントの状態を表す。
type VerificationStatus string

const (
	VerificationPending VerificationStatus = "pending"
	VerificationSuccess VerificationStatus = "success"
	VerificationFailed  VerificationStatus = "failed"
)

// VerificationEvent はverification_eventsテーブルの1行を表す。
// 行は追記のみで更新・削除されない。
type VerificationEvent struct {
	ID             string
	UserID         string
	Provider       string
	ProviderRef    *string
	Status         VerificationStatus
	IdempotencyKey string
	Metadata       map[string]any // PIIを含めない
	CreatedAt      time.Time
}

// VerificationStart は検証開始の結果。
// RedirectURLは外部へのリダイレクトが不要なプロバイダーではnil。
type VerificationStart struct {
	RequestID   string  `json:"requestId"`
	RedirectURL *string `json:"redirectUrl"`
}

// VerificationOutcome は検証完了の結果。
type VerificationOutcome struct {
	UserID   string `json:"userId"`
	Verified bool   `json:"verified"`
}

// PendingVerification は進行中の検証の読み取り専用ビュー。
type PendingVerification struct {
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}
