package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/vets/internal/model"
)

// PostgresVerificationRepo はPostgreSQLを使用した検証イベントリポジトリ。
type PostgresVerificationRepo struct {
	db *sql.DB
}

// NewPostgresVerificationRepo はPostgresVerificationRepoを生成する。
func NewPostgresVerificationRepo(db *sql.DB) *PostgresVerificationRepo {
	return &PostgresVerificationRepo{db: db}
}

// Create は検証イベントを追加する。
// idempotency_keyの一意制約に違反した場合はErrDuplicateKeyを返す。
func (r *PostgresVerificationRepo) Create(ctx context.Context, event *model.VerificationEvent) error {
	if event.ID == "" {
		event.ID = newID()
	}
	metadata, err := encodeMetadata(event.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO verification_events (id, user_id, provider, provider_ref, status, idempotency_key, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.UserID, event.Provider, event.ProviderRef, string(event.Status),
		event.IdempotencyKey, metadata, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create verification event: %w", mapPQError(err))
	}
	return nil
}

// FindPendingByRequestID はリクエストIDを冪等キーとするpending行を取得する。
// 見つからない場合はnilを返す。
func (r *PostgresVerificationRepo) FindPendingByRequestID(ctx context.Context, requestID string) (*model.VerificationEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, provider_ref, status, idempotency_key, metadata, created_at
		 FROM verification_events
		 WHERE idempotency_key = $1 AND status = 'pending'
		 LIMIT 1`,
		requestID,
	)
	event, err := scanVerificationEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending verification: %w", err)
	}
	return event, nil
}

// ExistsByIdempotencyKey は指定の冪等キーを持つ行が存在するかを返す。
func (r *PostgresVerificationRepo) ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM verification_events WHERE idempotency_key = $1)`,
		key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return exists, nil
}

// ListPendingByUserID はsince以降に作成されたユーザーのpending行を新しい順に返す。
func (r *PostgresVerificationRepo) ListPendingByUserID(ctx context.Context, userID string, since time.Time) ([]*model.VerificationEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, provider, provider_ref, status, idempotency_key, metadata, created_at
		 FROM verification_events
		 WHERE user_id = $1 AND status = 'pending' AND created_at >= $2
		 ORDER BY created_at DESC`,
		userID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending verifications: %w", err)
	}
	defer rows.Close()

	var events []*model.VerificationEvent
	for rows.Next() {
		event, err := scanVerificationEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verification event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate verification events: %w", err)
	}
	return events, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanVerificationEvent(s rowScanner) (*model.VerificationEvent, error) {
	e := &model.VerificationEvent{}
	var (
		providerRef sql.NullString
		status      string
		metadata    []byte
	)
	if err := s.Scan(&e.ID, &e.UserID, &e.Provider, &providerRef, &status,
		&e.IdempotencyKey, &metadata, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.ProviderRef = stringPtr(providerRef)
	e.Status = model.VerificationStatus(status)

	m, err := decodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	e.Metadata = m
	return e, nil
}

// encodeMetadata はJSONB列へ書き込むためにメタデータをエンコードする。nilは空オブジェクトになる。
func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}

// compile-time interface check
var _ VerificationRepository = (*PostgresVerificationRepo)(nil)
