// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 大学プラットフォームの各バックエンドサービス（認証・ユーザー・試験・決済など）の前段に立ち、
// すべての受信リクエストを Pipeline で処理する。Pipeline はルート解決、トークン検証、
// レート制限、サーキットブレーカーを順に適用してからバックエンドへ転送する。
// /api/gateway 配下はゲートウェイ自身のヘルスチェックと管理APIで、Pipeline を通らない。
package gateway
