// Package middleware はゲートウェイで使用する共通ミドルウェアとトークン検証を提供する。
//
// Bearerトークンの検証（TokenValidator）、JWT認証・ロール認可、
// リクエストID付与、アクセスログ、パニックリカバリ、CORS設定を含む。
package middleware
