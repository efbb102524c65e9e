package log

import (
	"strings"

	"go.uber.org/zap"
)

// sensitiveKeywords はマスク対象とみなすキーに含まれる語。
var sensitiveKeywords = []string{
	"password", "passwd", "secret",
	"token", "authorization", "auth",
	"api_key", "apikey", "credential", "private_key",
}

// Sanitize はキーが資格情報を示す場合に値をマスクして返す。
// 先頭と末尾の4文字のみを残す。8文字以下の値はすべてマスクする。
func Sanitize(key, value string) string {
	if value == "" || !isSensitive(key) {
		return value
	}
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// SafeString はSanitizeを適用したzapフィールドを返す。
func SafeString(key, value string) zap.Field {
	return zap.String(key, Sanitize(key, value))
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
