package middleware

import (
	"context"
	"fmt"

	"emperror.dev/errors"
	"github.com/gin-gonic/gin"

	"github.com/nao1215/artfolio/pkg/apierror"
)

// Authenticate はBearerトークンを検証するGinミドルウェアを返す。
// 検証に失敗した場合は後続のハンドラを呼ばずに401を返す。
// 成功した場合はCredentialをリクエストのコンテキストに設定する。
func Authenticate(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, err := VerifyHeader(c.Request.Context(), v, c.GetHeader("Authorization"))
		if err != nil {
			apierror.Abort(c, err)
			return
		}

		c.Request = c.Request.WithContext(WithCredential(c.Request.Context(), cred))
		c.Next()
	}
}

// RoleLookup はユーザーの現在のロールを外部データから取得する。
// foundがfalseの場合はプロフィールが存在しないことを表す。
type RoleLookup interface {
	LookupRole(ctx context.Context, userID string) (role string, found bool, err error)
}

// RoleLookupFunc は関数をRoleLookupとして扱うためのアダプタ。
type RoleLookupFunc func(ctx context.Context, userID string) (string, bool, error)

// LookupRole はf(ctx, userID)を呼び出す。
func (f RoleLookupFunc) LookupRole(ctx context.Context, userID string) (string, bool, error) {
	return f(ctx, userID)
}

// RequireRole は呼び出し元のロールが指定値と一致することを要求するGinミドルウェアを返す。
// Authenticateの後に適用する。ロールは毎回lookupから取得し、トークンのクレームは参照しない。
// 取得自体の失敗は500、ロール不一致は403になる。
func RequireRole(lookup RoleLookup, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := CredentialFrom(c.Request.Context())
		if !ok {
			apierror.Abort(c, apierror.ErrMissingCredential)
			return
		}

		got, found, err := lookup.LookupRole(c.Request.Context(), cred.Subject)
		if err != nil {
			apierror.Abort(c, errors.WithMessage(apierror.ErrRemoteFailure, fmt.Sprintf("ロールの取得に失敗: %v", err)))
			return
		}
		if !found || got != role {
			apierror.Abort(c, errors.WithMessage(apierror.ErrForbidden, fmt.Sprintf("role %q is required", role)))
			return
		}

		c.Next()
	}
}
