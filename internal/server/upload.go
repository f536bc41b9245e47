package server

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"emperror.dev/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nao1215/artfolio/internal/model"
	"github.com/nao1215/artfolio/internal/platform"
	"github.com/nao1215/artfolio/pkg/apierror"
	"github.com/nao1215/artfolio/pkg/middleware"
)

// handleUpload は作品画像をartworksバケットに保存し、作品の行を作成するハンドラを返す。
// オブジェクトは呼び出し元のトークンで書き込む。行の作成に失敗した場合は書き込んだオブジェクトを削除する。
func (s *Server) handleUpload() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := credential(c)
		if !ok {
			return
		}

		file, err := readFormFile(c, artworkTypes)
		if err != nil {
			apierror.Abort(c, err)
			return
		}

		isPublic, err := strconv.ParseBool(c.DefaultPostForm("is_public", "true"))
		if err != nil {
			apierror.Abort(c, errors.WithMessage(apierror.ErrBadRequest, "is_publicは真偽値で指定してください"))
			return
		}
		title := strings.TrimSpace(c.PostForm("title"))
		if title == "" {
			title = strings.TrimSuffix(file.name, filepath.Ext(file.name))
		}

		obj := platform.Object{
			Bucket:      model.BucketArtworks,
			Path:        cred.Subject + "/" + uuid.NewString() + file.ext(),
			Data:        file.data,
			ContentType: file.contentType,
		}
		ctx := c.Request.Context()
		if err := s.gateway.PutObject(ctx, obj, cred.Token); err != nil {
			apierror.Abort(c, remoteFailure("作品画像の保存に失敗", err))
			return
		}

		artwork := model.Artwork{
			UserID:      cred.Subject,
			Title:       title,
			Description: c.PostForm("description"),
			ImageURL:    obj.Path,
			IsPublic:    isPublic,
			Tags:        model.ParseTags(c.PostForm("tags")),
		}
		row, err := s.gateway.InsertRow(ctx, model.TableArtworks, artwork.Row())
		if err != nil {
			s.discardObject(c, obj)
			apierror.Abort(c, remoteFailure("作品の登録に失敗", err))
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"message": "作品をアップロードしました",
			"row":     platform.Sanitize(row),
		})
	}
}

// handleUploadAvatar はアバター画像をavatarsバケットに保存し、プロフィールのavatar_urlを更新するハンドラを返す。
// 保存先は呼び出し元のIDから決まるため、サービスの資格情報で上書き保存する。
// プロフィールの更新に失敗した場合も、保存済みの画像のURLをレスポンスに含める。
// 拡張子が変わった場合は、更新に成功した後で以前の画像を削除する。
func (s *Server) handleUploadAvatar() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := credential(c)
		if !ok {
			return
		}

		file, err := readFormFile(c, avatarTypes)
		if err != nil {
			apierror.Abort(c, err)
			return
		}

		obj := platform.Object{
			Bucket:      model.BucketAvatars,
			Path:        cred.Subject + "/avatar" + file.ext(),
			Data:        file.data,
			ContentType: file.contentType,
		}
		ctx := c.Request.Context()
		previous := s.currentAvatarPath(c, cred.Subject)
		if err := s.gateway.PutObjectPrivileged(ctx, obj); err != nil {
			apierror.Abort(c, remoteFailure("アバター画像の保存に失敗", err))
			return
		}

		avatarURL := s.gateway.PublicURL(obj.Bucket, obj.Path)
		if _, err := s.gateway.UpdateRow(ctx, model.TableProfiles, model.ColumnID, cred.Subject,
			platform.Row{model.ColumnAvatarURL: avatarURL}); err != nil {
			apierror.AbortWith(c, remoteFailure("プロフィールの更新に失敗", err), gin.H{"avatar_url": avatarURL})
			return
		}
		if previous != "" && previous != obj.Path {
			s.discardObject(c, platform.Object{Bucket: model.BucketAvatars, Path: previous})
		}

		c.JSON(http.StatusOK, gin.H{
			"message":    "アバターを更新しました",
			"avatar_url": avatarURL,
		})
	}
}

// currentAvatarPath はプロフィールに登録済みのアバター画像のavatarsバケット内のパスを返す。
// 未登録の場合や、呼び出し元のアバターとして保存したものでない場合は空文字を返す。
func (s *Server) currentAvatarPath(c *gin.Context, userID string) string {
	row, err := s.gateway.QueryRow(c.Request.Context(), model.TableProfiles, model.ColumnID, userID)
	if err != nil {
		if !errors.Is(err, platform.ErrNoRows) {
			s.logger.Warn("現在のアバターの取得に失敗",
				zap.String("request_id", middleware.GetRequestID(c)),
				zap.Error(err))
		}
		return ""
	}

	current := row.String(model.ColumnAvatarURL)
	marker := "/" + model.BucketAvatars + "/" + userID + "/"
	i := strings.LastIndex(current, marker)
	if i < 0 {
		return ""
	}
	name := current[i+len(marker):]
	if !strings.HasPrefix(name, "avatar") || strings.Contains(name, "/") {
		return ""
	}
	p := userID + "/" + name
	if platform.ValidatePath(p) != nil || s.gateway.PublicURL(model.BucketAvatars, p) != current {
		return ""
	}
	return p
}

// discardObject は不要になったオブジェクトを削除する。
// 削除の失敗はログに残すだけで、レスポンスには影響させない。
func (s *Server) discardObject(c *gin.Context, obj platform.Object) {
	if err := s.gateway.RemoveObject(c.Request.Context(), obj.Bucket, obj.Path); err != nil {
		s.logger.Warn("孤立したオブジェクトの削除に失敗",
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.String("bucket", obj.Bucket),
			zap.String("path", obj.Path),
			zap.Error(err))
	}
}

// formFile はmultipartのfileフィールドから読み込んだファイル。
type formFile struct {
	name        string
	contentType string
	data        []byte
}

// ext はファイル名の拡張子を小文字で返す。
func (f formFile) ext() string {
	return strings.ToLower(filepath.Ext(f.name))
}

// allowedTypes はアップロードを許可するContent-Typeの集合。
type allowedTypes struct {
	// prefixes は"image/"のようなトップレベルの型。
	prefixes []string
	// exact は完全一致で許可する型。
	exact []string
	// label はエラーメッセージに使う表記。
	label string
}

var (
	artworkTypes = allowedTypes{prefixes: []string{"image/"}, exact: []string{"application/pdf"}, label: "image/*またはapplication/pdf"}
	avatarTypes  = allowedTypes{prefixes: []string{"image/"}, label: "image/*"}
)

// allows はパラメータを除いたContent-Typeが許可されているかどうかを判定する。
func (a allowedTypes) allows(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	for _, p := range a.prefixes {
		if strings.HasPrefix(mediaType, p) {
			return true
		}
	}
	for _, e := range a.exact {
		if mediaType == e {
			return true
		}
	}
	return false
}

// readFormFile はfileフィールドを読み込む。
// フィールドが無い、ファイル名が空、サイズ上限を超えた、またはContent-Typeが許可されていない場合はBadRequestを返す。
func readFormFile(c *gin.Context, allowed allowedTypes) (formFile, error) {
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return formFile{}, errors.WithMessagef(apierror.ErrBadRequest,
				"ファイルサイズが上限（%dバイト）を超えています", tooLarge.Limit)
		}
		return formFile{}, errors.WithMessage(apierror.ErrBadRequest, "fileフィールドが必要です")
	}
	if header.Filename == "" {
		return formFile{}, errors.WithMessage(apierror.ErrBadRequest, "ファイル名が空です")
	}

	name := filepath.Base(header.Filename)
	contentType := contentTypeOf(header, name)
	if !allowed.allows(contentType) {
		return formFile{}, errors.WithMessagef(apierror.ErrBadRequest,
			"許可されていないContent-Typeです: %s（%sのみ）", contentType, allowed.label)
	}

	data, err := readAll(header)
	if err != nil {
		return formFile{}, errors.WithMessage(apierror.ErrBadRequest, "ファイルの読み込みに失敗しました: "+err.Error())
	}

	return formFile{
		name:        name,
		contentType: contentType,
		data:        data,
	}, nil
}

func readAll(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// contentTypeOf はパートのContent-Typeを小文字で返す。
// 無い場合やapplication/octet-streamの場合は拡張子から推定する。
func contentTypeOf(header *multipart.FileHeader, name string) string {
	ct := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
