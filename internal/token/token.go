// Package token は不透明トークンの生成とルックアップ用ハッシュを提供する。
// セッショントークン、OAuth state、検証リクエストIDはすべてここで生成する。
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// RawLength は生トークンのバイト長。hex表現では2倍の64文字になる。
const RawLength = 32

// Generate は暗号論的に安全な32バイトの乱数をhex文字列で返す。
// 乱数源の失敗は安全に継続できないためpanicする。
func Generate() string {
	b := make([]byte, RawLength)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("token: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// Hash はトークンのSHA-256ダイジェストをhex文字列で返す。
// 決定的かつ一方向で、DBにはこの値のみを保存する。
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey は検証完了の冪等キーを (requestID, success) から導出する。
func IdempotencyKey(requestID string, success bool) string {
	return Hash(requestID + ":" + strconv.FormatBool(success))
}
