package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
)

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyCredential はリクエストのコンテキストにCredentialを格納するためのキー。
const contextKeyCredential contextKey = "credential"

// WithCredential はコンテキストに検証済みのCredentialを設定する。
func WithCredential(ctx context.Context, cred *Credential) context.Context {
	return context.WithValue(ctx, contextKeyCredential, cred)
}

// CredentialFrom はコンテキストからCredentialを取得する。
func CredentialFrom(ctx context.Context) (*Credential, bool) {
	cred, ok := ctx.Value(contextKeyCredential).(*Credential)
	return cred, ok && cred != nil
}

// GetUserID はGinコンテキストから認証済みユーザーのIDを取得する。
// Authenticateミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	if c.Request == nil {
		return ""
	}
	if cred, ok := CredentialFrom(c.Request.Context()); ok {
		return cred.Subject
	}
	return ""
}
