// Package audit はセキュリティ上重要な操作の監査ログ記録を提供する。
//
// 記録はベストエフォートで、失敗しても呼び出し元の処理は中断しない。
package audit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/vets/internal/model"
	"github.com/hitoshi/vets/internal/repository"
)

// Sink は監査ログの書き込み先。
type Sink interface {
	Log(ctx context.Context, entry model.AuditEntry) error
}

// RepositorySink はAuditRepositoryへ書き込むSink。
type RepositorySink struct {
	repo repository.AuditRepository
}

// NewRepositorySink はRepositorySinkを生成する。
func NewRepositorySink(repo repository.AuditRepository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

// Log は監査ログを1件書き込む。
func (s *RepositorySink) Log(ctx context.Context, entry model.AuditEntry) error {
	return s.repo.Create(ctx, &entry)
}

// Logger はSinkをベストエフォートで呼び出す。
type Logger struct {
	sink Sink
	now  func() time.Time
}

// NewLogger はLoggerを生成する。
func NewLogger(sink Sink) *Logger {
	return &Logger{sink: sink, now: time.Now}
}

// Record は監査ログを記録する。
// リクエストの切断でキャンセルされないよう、親のキャンセルを切り離したコンテキストで書き込む。
// 書き込みに失敗した場合はslogに出力して握りつぶす。
func (l *Logger) Record(ctx context.Context, entry model.AuditEntry) {
	if l == nil || l.sink == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}

	if err := l.sink.Log(context.WithoutCancel(ctx), entry); err != nil {
		attrs := []any{
			slog.String("action", string(entry.Action)),
			slog.String("error", err.Error()),
		}
		if entry.UserID != nil {
			attrs = append(attrs, slog.String("user_id", *entry.UserID))
		}
		slog.Error("failed to write audit log", attrs...)
	}
}

// Client はリクエスト元の情報。
type Client struct {
	IPAddress *string
	UserAgent *string
}

// ClientInfo はリクエストから送信元IPとUser-Agentを取り出す。
// IPはX-Forwarded-Forの先頭、X-Real-IP、RemoteAddrの順に採用し、
// IPアドレスとして解釈できない値は記録しない。
func ClientInfo(r *http.Request) Client {
	var c Client

	if ip := clientIP(r); ip != "" {
		c.IPAddress = &ip
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		c.UserAgent = &ua
	}
	return c
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := parseIP(first); ip != "" {
			return ip
		}
	}
	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return parseIP(host)
}

func parseIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}

// Entry はClient情報を埋めたAuditEntryを組み立てる。userIDが空の場合はnilになる。
func Entry(action model.AuditAction, userID string, client Client, metadata map[string]any) model.AuditEntry {
	e := model.AuditEntry{
		Action:    action,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Metadata:  metadata,
	}
	if userID != "" {
		e.UserID = &userID
	}
	return e
}
