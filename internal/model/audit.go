package model

import "time"

// AuditAction は監査ログに記録する操作種別。
type AuditAction string

const (
	AuditLogin          AuditAction = "login"
	AuditLogout         AuditAction = "logout"
	AuditVerifyStart    AuditAction = "verify_start"
	AuditVerifySuccess  AuditAction = "verify_success"
	AuditVerifyFail     AuditAction = "verify_fail"
	AuditBadgeGenerated AuditAction = "badge_generated"
	AuditSessionRotated AuditAction = "session_rotated"
	AuditProfileUpdated AuditAction = "profile_updated"
)

// AuditEntry はaudit_logテーブルへ追記する1件のエントリ。
// ユーザー削除時もログを残すため、UserIDはnilを許容する。
type AuditEntry struct {
	UserID    *string
	Action    AuditAction
	IPAddress *string
	UserAgent *string
	Metadata  map[string]any
	CreatedAt time.Time
}
