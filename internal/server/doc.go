// Package server はartfolioのHTTPサーバーを提供する。
//
// すべてのエンドポイントはBearerトークンを検証した上で、platform.Gatewayを通して
// 行データとオブジェクトストレージを読み書きする。ロールが必要な操作は
// middleware.RequireRoleがプロフィールの現在の値を毎回取得して判定する。
package server
