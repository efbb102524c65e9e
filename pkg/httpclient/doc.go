// Package httpclient はゲートウェイからバックエンドサービスへのHTTP通信を行うクライアントを提供する。
//
// Do はリクエストボディとヘッダーをそのまま転送し、レスポンスを解釈せずに返す。
// ディスパッチャがバックエンド呼び出しに使用する。
// PostJSON/GetJSON はJSON APIの呼び出しに使用し、CLIからゲートウェイの管理APIを叩く際に使う。
package httpclient
