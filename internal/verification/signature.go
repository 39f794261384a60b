package verification

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/hitoshi/vets/internal/model"
)

// コールバック署名のヘッダー名。
const (
	HeaderSignature = "X-Vets-Signature"
	HeaderTimestamp = "X-Vets-Timestamp"
)

// MaxClockSkew は署名タイムスタンプとサーバー時刻の許容差。
const MaxClockSkew = 5 * time.Minute

// ComputeSignature はタイムスタンプとリクエストボディに対するHMAC-SHA256署名を返す。
// 署名対象は "<timestamp>\n<body>"。
func ComputeSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignature はコールバックの署名を検証する。
// タイムスタンプはRFC3339で、nowからMaxClockSkew以内でなければならない。
// 失敗時はmodel.ErrInvalidSignatureを満たすエラーを返す。
func ValidateSignature(secret, timestamp, signature string, body []byte, now time.Time) error {
	if secret == "" || timestamp == "" || signature == "" {
		return fmt.Errorf("%w: missing signature headers", model.ErrInvalidSignature)
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", model.ErrInvalidSignature)
	}
	if skew := now.Sub(ts); skew > MaxClockSkew || skew < -MaxClockSkew {
		return fmt.Errorf("%w: timestamp outside allowed window", model.ErrInvalidSignature)
	}

	expected := ComputeSignature(secret, timestamp, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("%w: signature mismatch", model.ErrInvalidSignature)
	}
	return nil
}
