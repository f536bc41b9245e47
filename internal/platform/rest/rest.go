// Package rest はホスト型プラットフォームのREST API（行データAPIとストレージAPI）を使うドライバを提供する。
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"go.uber.org/zap"

	"github.com/nao1215/artfolio/internal/platform"
	"github.com/nao1215/artfolio/pkg/httpclient"
)

const (
	restPrefix    = "/rest/v1/"
	storagePrefix = "/storage/v1"
)

// Config はRESTドライバの接続設定。
type Config struct {
	// URL はプラットフォームのベースURL。
	URL string
	// ServiceKey はサービス用のAPIキー。特権操作と読み取りに使う。
	ServiceKey string
	// AnonKey は呼び出し元の権限で書き込む際にapikeyヘッダーへ設定するキー。空の場合はServiceKeyを使う。
	AnonKey string
	// Timeout はリクエスト1回あたりのタイムアウト。0の場合はクライアントの既定値。
	Timeout time.Duration
	// RetryMax は最大リトライ回数。
	RetryMax int
}

// Client はTablesとObjectsを実装するRESTドライバ。
type Client struct {
	baseURL string
	// service はサービスキーで認可するクライアント。
	service *httpclient.Client
	// caller は呼び出し元のトークンで認可するクライアント。
	caller *httpclient.Client
}

var (
	_ platform.Tables  = (*Client)(nil)
	_ platform.Objects = (*Client)(nil)
)

// New はRESTドライバを生成する。
func New(cfg Config, logger *zap.Logger) *Client {
	base := strings.TrimRight(cfg.URL, "/")
	anon := cfg.AnonKey
	if anon == "" {
		anon = cfg.ServiceKey
	}

	common := []httpclient.Option{httpclient.WithRetryMax(cfg.RetryMax)}
	if cfg.Timeout > 0 {
		common = append(common, httpclient.WithTimeout(cfg.Timeout))
	}
	if logger != nil {
		common = append(common, httpclient.WithLogger(logger))
	}

	service := append([]httpclient.Option{
		httpclient.WithHeader("apikey", cfg.ServiceKey),
		httpclient.WithHeader("Authorization", "Bearer "+cfg.ServiceKey),
	}, common...)
	caller := append([]httpclient.Option{
		httpclient.WithHeader("apikey", anon),
	}, common...)

	return &Client{
		baseURL: base,
		service: httpclient.New(base, service...),
		caller:  httpclient.New(base, caller...),
	}
}

// QueryRow はcolumn == valueを満たす最初の行を返す。
func (c *Client) QueryRow(ctx context.Context, table, column, value string) (platform.Row, error) {
	q := eqFilter(column, value)
	q.Set("select", "*")
	q.Set("limit", "1")

	var rows []platform.Row
	if err := c.service.GetJSON(ctx, tablePath(table, q), &rows); err != nil {
		return nil, mapError(err)
	}
	if len(rows) == 0 {
		return nil, platform.ErrNoRows
	}
	return rows[0], nil
}

// QueryRows はcolumn == valueを満たすすべての行を返す。
func (c *Client) QueryRows(ctx context.Context, table, column, value string) ([]platform.Row, error) {
	q := eqFilter(column, value)
	q.Set("select", "*")

	var rows []platform.Row
	if err := c.service.GetJSON(ctx, tablePath(table, q), &rows); err != nil {
		return nil, mapError(err)
	}
	if rows == nil {
		rows = []platform.Row{}
	}
	return rows, nil
}

// InsertRow は行を挿入し、挿入後の行を返す。
func (c *Client) InsertRow(ctx context.Context, table string, fields platform.Row) (platform.Row, error) {
	var rows []platform.Row
	err := c.service.PostJSON(ctx, tablePath(table, nil), fields, &rows,
		httpclient.Header("Prefer", "return=representation"))
	if err != nil {
		return nil, mapError(err)
	}
	if len(rows) == 0 {
		return fields, nil
	}
	return rows[0], nil
}

// UpdateRow はcolumn == valueを満たす行を更新し、更新後の行を返す。
func (c *Client) UpdateRow(ctx context.Context, table, column, value string, fields platform.Row) (platform.Row, error) {
	var rows []platform.Row
	err := c.service.PatchJSON(ctx, tablePath(table, eqFilter(column, value)), fields, &rows,
		httpclient.Header("Prefer", "return=representation"))
	if err != nil {
		return nil, mapError(err)
	}
	if len(rows) == 0 {
		return nil, platform.ErrNoRows
	}
	return rows[0], nil
}

// PutObject は呼び出し元のトークンでオブジェクトを書き込む。
func (c *Client) PutObject(ctx context.Context, obj platform.Object, actingToken string) error {
	p, err := objectPath(obj.Bucket, obj.Path)
	if err != nil {
		return err
	}
	ctx = httpclient.WithBearerToken(ctx, actingToken)
	return mapError(c.caller.Upload(ctx, p, obj.ContentType, obj.Data, nil))
}

// PutObjectPrivileged はサービスキーでオブジェクトを上書き保存する。
func (c *Client) PutObjectPrivileged(ctx context.Context, obj platform.Object) error {
	p, err := objectPath(obj.Bucket, obj.Path)
	if err != nil {
		return err
	}
	return mapError(c.service.Upload(ctx, p, obj.ContentType, obj.Data, nil,
		httpclient.Header("x-upsert", "true")))
}

// RemoveObject はサービスキーでオブジェクトを削除する。
func (c *Client) RemoveObject(ctx context.Context, bucket, path string) error {
	p, err := objectPath(bucket, path)
	if err != nil {
		return err
	}
	return mapError(c.service.Delete(ctx, p, nil, nil))
}

// signResponse は署名付きURL発行APIのレスポンス。
type signResponse struct {
	SignedURL string `json:"signedURL"`
}

// CreateSignedURL は期限付きの読み取りURLを発行する。
func (c *Client) CreateSignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	escaped, err := escapePath(bucket, path)
	if err != nil {
		return "", err
	}
	body := map[string]int{"expiresIn": int(ttl / time.Second)}

	var resp signResponse
	if err := c.service.PostJSON(ctx, storagePrefix+"/object/sign/"+escaped, body, &resp); err != nil {
		return "", mapError(err)
	}
	if resp.SignedURL == "" {
		return "", errors.WithMessage(platform.ErrUnavailable, "署名付きURLがレスポンスに含まれていません")
	}
	if strings.HasPrefix(resp.SignedURL, "http://") || strings.HasPrefix(resp.SignedURL, "https://") {
		return resp.SignedURL, nil
	}
	return c.baseURL + storagePrefix + "/" + strings.TrimLeft(resp.SignedURL, "/"), nil
}

// PublicURL は公開バケットのオブジェクトのURLを返す。パスが不正な場合は空文字を返す。
func (c *Client) PublicURL(bucket, path string) string {
	escaped, err := escapePath(bucket, path)
	if err != nil {
		return ""
	}
	return c.baseURL + storagePrefix + "/object/public/" + escaped
}

func eqFilter(column, value string) url.Values {
	q := url.Values{}
	q.Set(column, "eq."+value)
	return q
}

func tablePath(table string, q url.Values) string {
	p := restPrefix + url.PathEscape(table)
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	return p
}

func objectPath(bucket, path string) (string, error) {
	escaped, err := escapePath(bucket, path)
	if err != nil {
		return "", err
	}
	return storagePrefix + "/object/" + escaped, nil
}

// escapePath はバケット名とパスの各セグメントをエスケープして連結する。
// サービスキーで送るリクエストがバケットの外を指さないよう、"."や".."を含むパスは拒否する。
func escapePath(bucket, path string) (string, error) {
	if err := platform.ValidatePath(path); err != nil {
		return "", err
	}
	segs := strings.Split(path, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(segs, "/"), nil
}

// errorBody はプラットフォームのエラーレスポンス。行データAPIとストレージAPIで形式が異なる。
type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Error      string `json:"error"`
	StatusCode string `json:"statusCode"`
}

// mapError はHTTPクライアントのエラーをplatformのエラーに変換する。
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var se *httpclient.StatusError
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", platform.ErrUnavailable, err)
	}

	re := &platform.RemoteError{StatusCode: se.StatusCode, Message: strings.TrimSpace(string(se.Body))}
	var body errorBody
	if json.Unmarshal(se.Body, &body) == nil {
		re.Code = body.Code
		switch {
		case body.Message != "":
			re.Message = body.Message
		case body.Error != "":
			re.Message = body.Error
		}
		// ストレージAPIはHTTPステータスとは別にstatusCodeを返す
		if n, err := strconv.Atoi(body.StatusCode); err == nil && n == http.StatusConflict {
			re.StatusCode = n
		}
	}
	return re
}
