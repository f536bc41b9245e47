package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/nao1215/artfolio/internal/model"
	"github.com/nao1215/artfolio/internal/platform"
	"github.com/nao1215/artfolio/pkg/apierror"
	"github.com/nao1215/artfolio/pkg/middleware"
)

const (
	// defaultSignedURLSeconds は署名付きURLの既定の有効期間（秒）。
	defaultSignedURLSeconds = 60
	// maxSignedURLSeconds は署名付きURLの有効期間の上限（7日）。
	maxSignedURLSeconds = 7 * 24 * 60 * 60
)

// profilePatch はPATCH /profileで更新できる項目。
// 省略した項目は更新しない。
type profilePatch struct {
	Username *string `json:"username" binding:"omitempty,min=1,max=50"`
	Handle   *string `json:"handle" binding:"omitempty,min=1,max=50,excludesall=/?#%"`
	Bio      *string `json:"bio" binding:"omitempty,max=500"`
}

func (p profilePatch) row() platform.Row {
	row := platform.Row{}
	if p.Username != nil {
		row[model.ColumnUsername] = strings.TrimSpace(*p.Username)
	}
	if p.Handle != nil {
		row[model.ColumnHandle] = strings.TrimSpace(*p.Handle)
	}
	if p.Bio != nil {
		row[model.ColumnBio] = *p.Bio
	}
	return row
}

// handleRoot は疎通確認用の挨拶を返すハンドラを返す。
func (s *Server) handleRoot() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, "Hello, World!")
	}
}

// handleStatus は認証済みの呼び出し元の情報を返すハンドラを返す。
func (s *Server) handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := credential(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"message":    "認証に成功しました",
			"user_id":    cred.Subject,
			"user_email": cred.Email,
		})
	}
}

// handleGetProfile は呼び出し元のプロフィールを返すハンドラを返す。
func (s *Server) handleGetProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := credential(c)
		if !ok {
			return
		}

		row, err := s.gateway.QueryRow(c.Request.Context(), model.TableProfiles, model.ColumnID, cred.Subject)
		if errors.Is(err, platform.ErrNoRows) {
			apierror.Abort(c, errors.WithMessage(apierror.ErrNotFound, "プロフィールが存在しません"))
			return
		}
		if err != nil {
			apierror.Abort(c, remoteFailure("プロフィールの取得に失敗", err))
			return
		}

		c.JSON(http.StatusOK, platform.Sanitize(row))
	}
}

// handleUpdateProfile は呼び出し元のプロフィールのusername・handle・bioを更新するハンドラを返す。
func (s *Server) handleUpdateProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := credential(c)
		if !ok {
			return
		}

		var req profilePatch
		if err := c.ShouldBindJSON(&req); err != nil {
			apierror.Abort(c, errors.WithMessage(apierror.ErrBadRequest, describeBindError(err)))
			return
		}
		fields := req.row()
		if len(fields) == 0 {
			apierror.Abort(c, errors.WithMessage(apierror.ErrBadRequest, "更新する項目がありません"))
			return
		}

		row, err := s.gateway.UpdateRow(c.Request.Context(), model.TableProfiles, model.ColumnID, cred.Subject, fields)
		switch {
		case err == nil:
		case errors.Is(err, platform.ErrNoRows):
			apierror.Abort(c, errors.WithMessage(apierror.ErrNotFound, "プロフィールが存在しません"))
			return
		case platform.IsConflict(err):
			apierror.Abort(c, errors.WithMessage(apierror.ErrConflict, err.Error()))
			return
		default:
			apierror.Abort(c, remoteFailure("プロフィールの更新に失敗", err))
			return
		}

		c.JSON(http.StatusOK, platform.Sanitize(row))
	}
}

// handleSignedURL は非公開オブジェクトを期限付きで読み取るためのURLを発行するハンドラを返す。
func (s *Server) handleSignedURL() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := strings.TrimSpace(c.Query("path"))
		if path == "" {
			apierror.Abort(c, errors.WithMessage(apierror.ErrBadRequest, "pathクエリパラメータが必要です"))
			return
		}
		if err := platform.ValidatePath(path); err != nil {
			apierror.Abort(c, errors.WithMessage(apierror.ErrBadRequest, err.Error()))
			return
		}
		bucket := c.DefaultQuery("bucket", model.BucketArtworks)
		if !model.IsKnownBucket(bucket) {
			apierror.Abort(c, errors.WithMessagef(apierror.ErrBadRequest, "不明なバケットです: %q", bucket))
			return
		}
		expires, err := strconv.Atoi(c.DefaultQuery("expires", strconv.Itoa(defaultSignedURLSeconds)))
		if err != nil || expires <= 0 || expires > maxSignedURLSeconds {
			apierror.Abort(c, errors.WithMessagef(apierror.ErrBadRequest,
				"expiresは1から%dまでの秒数で指定してください", maxSignedURLSeconds))
			return
		}

		url, err := s.gateway.CreateSignedURL(c.Request.Context(), bucket, path, time.Duration(expires)*time.Second)
		if err != nil {
			apierror.Abort(c, remoteFailure("署名付きURLの発行に失敗", err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"signed_url": url,
			"signedURL":  url,
			"path":       path,
			"bucket":     bucket,
			"expires_in": expires,
		})
	}
}

// handleArtistResolver はhandleからアーティストのプロフィールと作品一覧を解決するハンドラを返す。
func (s *Server) handleArtistResolver() gin.HandlerFunc {
	return func(c *gin.Context) {
		handle := strings.TrimSpace(c.Query("handle"))
		if handle == "" {
			apierror.Abort(c, errors.WithMessage(apierror.ErrBadRequest, "handleクエリパラメータが必要です"))
			return
		}

		res, err := s.resolver.Resolve(c.Request.Context(), handle)
		if err != nil {
			apierror.Abort(c, remoteFailure("アーティストの解決に失敗", err))
			return
		}

		c.JSON(http.StatusOK, res)
	}
}

// credential はリクエストのコンテキストから検証済みのCredentialを取り出す。
// 存在しない場合は401で処理を中断する。
func credential(c *gin.Context) (*middleware.Credential, bool) {
	cred, ok := middleware.CredentialFrom(c.Request.Context())
	if !ok {
		apierror.Abort(c, apierror.ErrMissingCredential)
		return nil, false
	}
	return cred, true
}

// remoteFailure はGatewayのエラーをRemoteFailureとして包む。
func remoteFailure(msg string, err error) error {
	return errors.WithMessage(apierror.ErrRemoteFailure, fmt.Sprintf("%s: %v", msg, err))
}

// describeBindError はバインドエラーを読みやすい文字列にする。
func describeBindError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "JSONの形式が不正です: " + err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return "入力値が不正です (" + strings.Join(msgs, ", ") + ")"
}
