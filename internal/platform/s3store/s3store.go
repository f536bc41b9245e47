// Package s3store はS3互換のオブジェクトストレージを使うplatform.Objectsの実装を提供する。
//
// 呼び出し元の権限での書き込みは、ユーザーのトークンをセッショントークンとして提示する
// 一時クライアントで行う。ホスト型プラットフォームのS3互換エンドポイントはこの方式で
// 行レベルのアクセス制御を評価する。
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nao1215/artfolio/internal/platform"
)

// minioAPI はこのパッケージが使うminioクライアントのメソッド。テストで差し替える。
type minioAPI interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// Config はS3互換ストレージへの接続設定。
type Config struct {
	// Endpoint はホスト名とポート（スキームなし）。
	Endpoint string
	// Region はリージョン名。
	Region string
	// AccessKey と SecretKey はサービス用の資格情報。
	AccessKey string
	SecretKey string
	// SessionAccessKey と SessionSecretKey は呼び出し元のトークンと組み合わせる資格情報。
	SessionAccessKey string
	SessionSecretKey string
	// UseSSL はHTTPSで接続するかどうか。
	UseSSL bool
	// PublicBaseURL は公開バケットのURLの前置部分（例: "https://cdn.example/storage/v1/object/public"）。
	PublicBaseURL string
}

// Store はplatform.Objectsを実装するS3ドライバ。
type Store struct {
	cfg        Config
	privileged minioAPI
	// forCaller は呼び出し元のトークンで認可するクライアントを生成する。
	forCaller func(token string) (minioAPI, error)
}

var _ platform.Objects = (*Store)(nil)

// New はS3ドライバを生成する。
func New(cfg Config) (*Store, error) {
	privileged, err := newClient(cfg, credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""))
	if err != nil {
		return nil, err
	}
	s := &Store{cfg: cfg, privileged: privileged}
	s.forCaller = func(token string) (minioAPI, error) {
		return newClient(cfg, credentials.NewStaticV4(cfg.SessionAccessKey, cfg.SessionSecretKey, token))
	}
	return s, nil
}

func newClient(cfg Config, creds *credentials.Credentials) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "S3クライアントの生成に失敗")
	}
	return client, nil
}

// PutObject は呼び出し元のトークンをセッショントークンとして提示して書き込む。
func (s *Store) PutObject(ctx context.Context, obj platform.Object, actingToken string) error {
	client, err := s.forCaller(actingToken)
	if err != nil {
		return err
	}
	return put(ctx, client, obj)
}

// PutObjectPrivileged はサービスの資格情報で書き込む。S3のPUTは常に上書きになる。
func (s *Store) PutObjectPrivileged(ctx context.Context, obj platform.Object) error {
	return put(ctx, s.privileged, obj)
}

func put(ctx context.Context, client minioAPI, obj platform.Object) error {
	if err := platform.ValidatePath(obj.Path); err != nil {
		return err
	}
	_, err := client.PutObject(ctx, obj.Bucket, obj.Path, bytes.NewReader(obj.Data), int64(len(obj.Data)),
		minio.PutObjectOptions{ContentType: obj.ContentType})
	return mapError(err)
}

// RemoveObject はサービスの資格情報でオブジェクトを削除する。
func (s *Store) RemoveObject(ctx context.Context, bucket, path string) error {
	if err := platform.ValidatePath(path); err != nil {
		return err
	}
	return mapError(s.privileged.RemoveObject(ctx, bucket, path, minio.RemoveObjectOptions{}))
}

// CreateSignedURL は署名付きのGET URLを発行する。
func (s *Store) CreateSignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if err := platform.ValidatePath(path); err != nil {
		return "", err
	}
	u, err := s.privileged.PresignedGetObject(ctx, bucket, path, ttl, nil)
	if err != nil {
		return "", mapError(err)
	}
	return u.String(), nil
}

// PublicURL は公開バケットのオブジェクトのURLを返す。
func (s *Store) PublicURL(bucket, path string) string {
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if s.cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + s.cfg.Endpoint
	}
	return base + "/" + bucket + "/" + strings.TrimLeft(path, "/")
}

// mapError はminioのエラーをplatformのエラーに変換する。
// S3が応答を返した場合はRemoteError、それ以外は通信エラーとして扱う。
func mapError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == 0 {
		return fmt.Errorf("%w: %v", platform.ErrUnavailable, err)
	}
	re := &platform.RemoteError{StatusCode: resp.StatusCode, Code: resp.Code, Message: resp.Message}
	if re.Message == "" {
		re.Message = http.StatusText(resp.StatusCode)
	}
	return re
}
