// Package events はユーザー単位のライブ更新通知を配信する。
//
// 検証完了やプロフィール更新を発行し、SSEハンドラーが購読して
// 接続中のクライアントへ転送する。
package events

import (
	"context"
	"sync"
)

// 通知の種類
const (
	KindVerificationCompleted = "verification_completed"
	KindProfileUpdated        = "profile_updated"
)

// Event はユーザーに関する更新通知。
// ペイロードは持たず、受信側が最新状態を読み直す。
type Event struct {
	UserID string `json:"userId"`
	Kind   string `json:"kind"`
}

// Broker は通知の発行と購読のインターフェース。
type Broker interface {
	// Publish はユーザー宛ての通知を発行する。購読者がいなくてもエラーにしない。
	Publish(ctx context.Context, event Event) error

	// Subscribe はユーザー宛ての通知を購読する。
	// 返されたチャネルはctxの終了またはcancelの呼び出しで閉じられる。
	Subscribe(ctx context.Context, userID string) (<-chan Event, func(), error)
}

// subscriberBuffer は購読チャネルのバッファ長。溢れた通知は捨てる。
const subscriberBuffer = 8

// MemoryBroker は単一プロセス内で完結するBroker。
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewMemoryBroker はMemoryBrokerを生成する。
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[chan Event]struct{})}
}

// Publish は購読者へ通知を送る。受信が追いつかない購読者への通知は捨てる。
func (b *MemoryBroker) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[event.UserID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe はユーザー宛ての通知を購読する。
func (b *MemoryBroker) Subscribe(ctx context.Context, userID string) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan Event]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], ch)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel, nil
}

var _ Broker = (*MemoryBroker)(nil)
