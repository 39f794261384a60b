// Package cookie はSet-Cookieヘッダー値の組み立てとCookieヘッダーの解析を提供する。
// セッションCookieとOAuth state Cookieで共通の属性を使う。
package cookie

import (
	"net/http"
	"strconv"
	"strings"
)

// Build は HttpOnly; Path=/; SameSite=Lax を付与したSet-Cookieヘッダー値を返す。
// secureがtrueの場合のみSecure属性を付与する。
func Build(name, value string, maxAge int, secure bool) string {
	flags := []string{
		name + "=" + value,
		"HttpOnly",
		"Path=/",
		"SameSite=Lax",
		"Max-Age=" + strconv.Itoa(maxAge),
	}
	if secure {
		flags = append(flags, "Secure")
	}
	return strings.Join(flags, "; ")
}

// Clear は即時失効させるためのSet-Cookieヘッダー値を返す。
func Clear(name string) string {
	return name + "=; HttpOnly; Path=/; SameSite=Lax; Max-Age=0"
}

// Value はCookieヘッダーから指定名の値を取り出す。
// 値の中に含まれる2つ目以降の "=" はそのまま保持する。
// 同名のCookieが複数ある場合は最後の値を採用する。
func Value(header, name string) (string, bool) {
	if header == "" {
		return "", false
	}

	var (
		value string
		found bool
	)
	for _, part := range strings.Split(header, ";") {
		key, val, _ := strings.Cut(strings.TrimSpace(part), "=")
		if key == name {
			value, found = val, true
		}
	}
	return value, found
}

// FromRequest はリクエストのCookieヘッダーから指定名の値を取り出す。
func FromRequest(r *http.Request, name string) (string, bool) {
	return Value(r.Header.Get("Cookie"), name)
}
