// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// Bearerトークンの検証（HS256またはJWKS）、認可ゲート（認証と実データに基づくロール確認）、
// リクエストログ、パニックリカバリ、CORS設定を含む。
package middleware
