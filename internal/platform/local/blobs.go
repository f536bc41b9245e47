package local

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/nao1215/artfolio/internal/platform"
	"github.com/nao1215/artfolio/pkg/apierror"
)

const (
	// signRoute は署名付きURLで配信するルートの前置部分。
	signRoute = "/local-storage/sign"
	// publicRoute は公開バケットを配信するルートの前置部分。
	publicRoute = "/local-storage/public"
)

// signingKeyInfo は署名付きURLの鍵を導出する際に使う用途ラベル。
const signingKeyInfo = "artfolio local-storage signed-url v1"

// DeriveSigningKey はアプリケーションの秘密鍵から署名付きURL専用の鍵を導出する。
// 導出した鍵でベアラートークンを検証することはできない。
func DeriveSigningKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.NewPlain("署名付きURLの鍵を導出する秘密鍵が空です")
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(signingKeyInfo)), key); err != nil {
		return nil, errors.Wrap(err, "署名付きURLの鍵の導出に失敗")
	}
	return key, nil
}

// signedClaims は署名付きURLのトークンに含めるクレーム。
type signedClaims struct {
	jwt.RegisteredClaims
	// URL は署名対象の "bucket/path"。
	URL string `json:"url"`
}

// Blobs はローカルディレクトリを使うplatform.Objectsの実装。
// 署名付きURLと公開URLはRegisterで登録したルートから配信する。
type Blobs struct {
	dir        string
	publicBase string
	secret     []byte
	public     map[string]bool
	now        func() time.Time
}

var _ platform.Objects = (*Blobs)(nil)

// NewBlobs はBlobsを生成する。
// publicBaseは配信ルートを公開しているサーバーのベースURL、secretはDeriveSigningKeyで導出した署名鍵。
// publicBucketsに指定したバケットは署名なしで配信する。
func NewBlobs(dir, publicBase string, secret []byte, publicBuckets ...string) *Blobs {
	public := make(map[string]bool, len(publicBuckets))
	for _, b := range publicBuckets {
		public[b] = true
	}
	return &Blobs{
		dir:        dir,
		publicBase: strings.TrimRight(publicBase, "/"),
		secret:     secret,
		public:     public,
		now:        time.Now,
	}
}

// PutObject は呼び出し元として書き込む。既存のオブジェクトがある場合は上書きせず409を返す。
func (b *Blobs) PutObject(_ context.Context, obj platform.Object, actingToken string) error {
	if actingToken == "" {
		return &platform.RemoteError{StatusCode: http.StatusUnauthorized, Message: "acting token is required"}
	}
	return b.write(obj, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
}

// PutObjectPrivileged はオブジェクトを上書き保存する。
func (b *Blobs) PutObjectPrivileged(_ context.Context, obj platform.Object) error {
	return b.write(obj, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

func (b *Blobs) write(obj platform.Object, flag int) error {
	full, err := b.resolve(obj.Bucket, obj.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return unavailable(err)
	}

	f, err := os.OpenFile(full, flag, 0o640)
	if errors.Is(err, fs.ErrExist) {
		return &platform.RemoteError{StatusCode: http.StatusConflict, Code: "Duplicate", Message: "The resource already exists"}
	}
	if err != nil {
		return unavailable(err)
	}
	if _, err := f.Write(obj.Data); err != nil {
		_ = f.Close()
		return unavailable(err)
	}
	if err := f.Close(); err != nil {
		return unavailable(err)
	}
	return nil
}

// RemoveObject はオブジェクトを削除する。
func (b *Blobs) RemoveObject(_ context.Context, bucket, p string) error {
	full, err := b.resolve(bucket, p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound()
		}
		return unavailable(err)
	}
	return nil
}

// CreateSignedURL はオブジェクトが存在する場合に期限付きのURLを発行する。
func (b *Blobs) CreateSignedURL(_ context.Context, bucket, p string, ttl time.Duration) (string, error) {
	full, err := b.resolve(bucket, p)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", notFound()
		}
		return "", unavailable(err)
	}

	now := b.now()
	claims := signedClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		URL: bucket + "/" + cleanPath(p),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return "", unavailable(err)
	}
	return b.publicBase + signRoute + "/" + escape(bucket, p) + "?token=" + url.QueryEscape(token), nil
}

// PublicURL は公開バケットのオブジェクトのURLを返す。
func (b *Blobs) PublicURL(bucket, p string) string {
	return b.publicBase + publicRoute + "/" + escape(bucket, p)
}

// Register は署名付きURLと公開URLを配信するルートを登録する。
func (b *Blobs) Register(r gin.IRouter) {
	r.GET(signRoute+"/:bucket/*path", b.serveSigned)
	r.GET(publicRoute+"/:bucket/*path", b.servePublic)
}

func (b *Blobs) serveSigned(c *gin.Context) {
	bucket, p := c.Param("bucket"), cleanPath(c.Param("path"))

	claims := &signedClaims{}
	_, err := jwt.ParseWithClaims(c.Query("token"), claims, func(*jwt.Token) (any, error) {
		return b.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(b.now))
	if err != nil || claims.URL != bucket+"/"+p {
		apierror.Abort(c, apierror.ErrForbidden)
		return
	}
	b.serve(c, bucket, p)
}

func (b *Blobs) servePublic(c *gin.Context) {
	bucket := c.Param("bucket")
	if !b.public[bucket] {
		apierror.Abort(c, apierror.ErrForbidden)
		return
	}
	b.serve(c, bucket, cleanPath(c.Param("path")))
}

func (b *Blobs) serve(c *gin.Context, bucket, p string) {
	full, err := b.resolve(bucket, p)
	if err != nil {
		apierror.Abort(c, apierror.ErrBadRequest)
		return
	}
	if info, err := os.Stat(full); err != nil || info.IsDir() {
		apierror.Abort(c, apierror.ErrNotFound)
		return
	}
	c.File(full)
}

// resolve はバケットとパスからファイルシステム上のパスを求める。
// バケット外を指すパスは拒否する。
func (b *Blobs) resolve(bucket, p string) (string, error) {
	cp := cleanPath(p)
	if !identPattern.MatchString(bucket) || cp == "" {
		return "", &platform.RemoteError{StatusCode: http.StatusBadRequest, Code: "InvalidKey", Message: "invalid object path"}
	}
	return filepath.Join(b.dir, bucket, filepath.FromSlash(cp)), nil
}

func cleanPath(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func escape(bucket, p string) string {
	segs := strings.Split(cleanPath(p), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(segs, "/")
}

func notFound() error {
	return &platform.RemoteError{StatusCode: http.StatusNotFound, Code: "not_found", Message: "Object not found"}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", platform.ErrUnavailable, err)
}
