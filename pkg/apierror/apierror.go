// Package apierror はHTTP APIのエラー分類と固定形式のエラーレスポンスを提供する。
//
// ハンドラとミドルウェアはここで定義した番兵エラーをラップして返し、
// Abort がステータスコードとレスポンスボディへの変換を一箇所で行う。
package apierror

import (
	"net/http"

	"emperror.dev/errors"
	"github.com/gin-gonic/gin"
)

var (
	// ErrMissingCredential はAuthorizationヘッダーが無い、または形式が不正であることを表す。
	ErrMissingCredential = errors.NewPlain("missing credential")
	// ErrCredentialExpired はトークンの有効期限が切れていることを表す。
	ErrCredentialExpired = errors.NewPlain("credential expired")
	// ErrCredentialInvalid はトークンの署名・発行者・対象者・構造のいずれかが不正であることを表す。
	ErrCredentialInvalid = errors.NewPlain("credential invalid")
	// ErrForbidden は認証済みだが権限が不足していることを表す。
	ErrForbidden = errors.NewPlain("forbidden")
	// ErrBadRequest は必須フィールドやクエリパラメータが欠けていることを表す。
	ErrBadRequest = errors.NewPlain("bad request")
	// ErrNotFound は対象のエンティティが存在しないことを表す。
	ErrNotFound = errors.NewPlain("not found")
	// ErrConflict は一意制約違反など、既存データとの競合を表す。
	ErrConflict = errors.NewPlain("conflict")
	// ErrRemoteFailure は外部プラットフォームへの呼び出しが失敗したことを表す。
	ErrRemoteFailure = errors.NewPlain("remote failure")
)

// Body はすべてのエラーレスポンスで共通のJSON構造。
type Body struct {
	// Error は機械可読なエラー種別。
	Error string `json:"error"`
	// Message は人間向けのメッセージ。
	Message string `json:"message"`
	// Detail は原因となったエラーの文字列。認証エラーでは付与しない。
	Detail string `json:"detail,omitempty"`
}

// kind は番兵エラーとレスポンス表現の対応。
type kind struct {
	sentinel   error
	status     int
	code       string
	message    string
	withDetail bool
}

var kinds = []kind{
	{ErrMissingCredential, http.StatusUnauthorized, "missing_credential", "Authorizationヘッダーが必要です", false},
	{ErrCredentialExpired, http.StatusUnauthorized, "credential_expired", "トークンの有効期限が切れています", false},
	{ErrCredentialInvalid, http.StatusUnauthorized, "credential_invalid", "トークンが無効です", false},
	{ErrForbidden, http.StatusForbidden, "forbidden", "この操作を行う権限がありません", false},
	{ErrBadRequest, http.StatusBadRequest, "bad_request", "リクエストが不正です", true},
	{ErrNotFound, http.StatusNotFound, "not_found", "リソースが見つかりません", true},
	{ErrConflict, http.StatusConflict, "conflict", "既存のデータと競合しています", true},
	{ErrRemoteFailure, http.StatusInternalServerError, "remote_failure", "外部サービスとの通信に失敗しました", true},
}

// Resolve はエラーをHTTPステータスコードとレスポンスボディに変換する。
// どの番兵にも該当しないエラーは internal_error として扱う。
func Resolve(err error) (int, Body) {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			body := Body{Error: k.code, Message: k.message}
			if k.withDetail {
				body.Detail = err.Error()
			}
			return k.status, body
		}
	}
	return http.StatusInternalServerError, Body{
		Error:   "internal_error",
		Message: "内部サーバーエラーが発生しました",
	}
}

// Abort はエラーに対応するステータスコードとボディでリクエスト処理を中断する。
func Abort(c *gin.Context, err error) {
	status, body := Resolve(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

// AbortWith はボディに追加フィールドを含めて処理を中断する。
// アバター更新失敗時のように、エラーでも呼び出し元に値を返す必要がある場合に使う。
func AbortWith(c *gin.Context, err error, extra gin.H) {
	status, body := Resolve(err)
	payload := gin.H{"error": body.Error, "message": body.Message}
	if body.Detail != "" {
		payload["detail"] = body.Detail
	}
	for k, v := range extra {
		payload[k] = v
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, payload)
}
