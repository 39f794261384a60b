package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/vets/internal/events"
	"github.com/hitoshi/vets/internal/metrics"
	"github.com/hitoshi/vets/internal/middleware"
	"github.com/hitoshi/vets/internal/model"
)

const (
	// patchSignalsEvent はDatastarがシグナル更新として解釈するSSEイベント名。
	patchSignalsEvent = "datastar-patch-signals"
	// DefaultKeepAlive はキープアライブコメントの送信間隔。
	DefaultKeepAlive = 15 * time.Second
)

// SSEUserFinder はストリームの初期値と更新時の再読み込みに使うユーザー検索。
type SSEUserFinder interface {
	FindByID(ctx context.Context, id string) (*model.UserWithProfile, error)
	FindByUsernameOptional(ctx context.Context, username string) (*model.UserWithProfile, error)
}

// SSEHandler はDatastar向けのシグナルをServer-Sent Eventsで配信する。
type SSEHandler struct {
	users     SSEUserFinder
	broker    events.Broker
	metrics   metrics.MetricsCollector
	keepAlive time.Duration
}

// NewSSEHandler はSSEHandlerを生成する。keepAliveが0以下ならDefaultKeepAlive。
func NewSSEHandler(users SSEUserFinder, broker events.Broker, m metrics.MetricsCollector, keepAlive time.Duration) *SSEHandler {
	if m == nil {
		m = metrics.Nop{}
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &SSEHandler{
		users:     users,
		broker:    broker,
		metrics:   m,
		keepAlive: keepAlive,
	}
}

// User はログインユーザー本人の検証状態とGitHub統計を配信する。
// GET /api/sse/user
func (h *SSEHandler) User(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	u, err := h.users.FindByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
			return
		}
		slog.Error("failed to load user for sse", slog.String("user_id", userID), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.stream(w, r, u.ID, toUserSignals(u), func(ctx context.Context) (any, error) {
		u, err := h.users.FindByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		return toUserSignals(u), nil
	})
}

// Profile は公開プロフィールを配信する。
// GET /api/sse/profile/{username}
func (h *SSEHandler) Profile(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !isPublicUsername(username) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError())
		return
	}

	u, err := h.users.FindByUsernameOptional(r.Context(), username)
	if err != nil {
		slog.Error("failed to load profile for sse", slog.String("username", username), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if u == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
		return
	}

	userID := u.ID
	h.stream(w, r, userID, toProfileSignals(u), func(ctx context.Context) (any, error) {
		u, err := h.users.FindByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		return toProfileSignals(u), nil
	})
}

// stream は初期シグナルを送信した後、userID宛ての通知ごとにreloadした値を送る。
// クライアントが切断するまでブロックする。
func (h *SSEHandler) stream(w http.ResponseWriter, r *http.Request, userID string, initial any, reload func(context.Context) (any, error)) {
	ctx := r.Context()
	rc := http.NewResponseController(w)

	updates, cancel, err := h.broker.Subscribe(ctx, userID)
	if err != nil {
		slog.Error("failed to subscribe events", slog.String("user_id", userID), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	defer cancel()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSignals(w, initial); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		slog.Warn("sse flush failed", slog.String("error", err.Error()))
		return
	}

	h.metrics.SSEClientConnected()
	defer h.metrics.SSEClientDisconnected()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
		case event, ok := <-updates:
			if !ok {
				return
			}
			signals, err := reload(ctx)
			if err != nil {
				slog.Warn("failed to reload signals",
					slog.String("user_id", userID),
					slog.String("kind", event.Kind),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := writeSignals(w, signals); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// writeSignals はdatastar-patch-signalsイベントを1件書き込む。
func writeSignals(w io.Writer, signals any) error {
	b, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("failed to encode signals: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: signals %s\n\n", patchSignalsEvent, b)
	return err
}
