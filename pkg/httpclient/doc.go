// Package httpclient は外部プラットフォームのREST APIを呼び出すHTTPクライアントを提供する。
//
// タイムアウトとリトライはhashicorp/go-retryablehttpに任せ、
// APIキーなどの既定ヘッダーと、呼び出し元ユーザーのトークンによる認可ヘッダーの差し替えを扱う。
package httpclient
