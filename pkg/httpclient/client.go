package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// defaultTimeout はリクエスト1回あたりの既定タイムアウト。
const defaultTimeout = 30 * time.Second

// Client は外部プラットフォーム呼び出し用のHTTPクライアント。
// タイムアウトとリトライの設定を持つ。
type Client struct {
	// httpClient は内部で使用するリトライ付きHTTPクライアント。
	httpClient *retryablehttp.Client
	// baseURL は接続先のベースURL。
	baseURL string
	// headers はすべてのリクエストに付与するヘッダー。
	headers http.Header
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithTimeout はリクエスト1回あたりのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.HTTPClient.Timeout = d }
}

// WithRetryMax は接続エラーと5xx応答に対する最大リトライ回数を設定する。既定は0（リトライしない）。
func WithRetryMax(n int) Option {
	return func(c *Client) { c.httpClient.RetryMax = n }
}

// WithRetryWait はリトライ間隔の下限と上限を設定する。
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.httpClient.RetryWaitMin = minWait
		c.httpClient.RetryWaitMax = maxWait
	}
}

// WithHeader はすべてのリクエストに付与するヘッダーを追加する。
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// WithLogger はリトライの経過をzapで出力する。
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.httpClient.Logger = leveledLogger{logger.Sugar()} }
}

// New は新しいHTTPクライアントを生成する。
// baseURLには接続先のベースURL（例: "https://project.example.co"）を指定する。
func New(baseURL string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = defaultTimeout
	rc.RetryMax = 0
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		httpClient: rc,
		baseURL:    baseURL,
		headers:    http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL は接続先のベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RequestOption は個々のリクエストのヘッダーを変更する。
type RequestOption func(http.Header)

// Header はリクエストにヘッダーを設定する。
func Header(key, value string) RequestOption {
	return func(h http.Header) { h.Set(key, value) }
}

// StatusError は2xx以外の応答を表す。
type StatusError struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Body はレスポンスボディ。
	Body []byte
}

// Error はエラーメッセージを返す。
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, string(e.Body))
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any, opts ...RequestOption) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, result, opts)
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any, opts ...RequestOption) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result, opts)
}

// PatchJSON は指定パスにJSONボディでPATCHリクエストを送信する。
func (c *Client) PatchJSON(ctx context.Context, path string, body any, result any, opts ...RequestOption) error {
	return c.doJSON(ctx, http.MethodPatch, path, body, result, opts)
}

// Delete は指定パスにDELETEリクエストを送信する。bodyがnilの場合はボディを送らない。
func (c *Client) Delete(ctx context.Context, path string, body any, result any, opts ...RequestOption) error {
	return c.doJSON(ctx, http.MethodDelete, path, body, result, opts)
}

// Upload は任意のバイト列をcontentTypeでPOSTする。
func (c *Client) Upload(ctx context.Context, path, contentType string, data []byte, result any, opts ...RequestOption) error {
	opts = append([]RequestOption{Header("Content-Type", contentType)}, opts...)
	return c.do(ctx, http.MethodPost, path, data, result, opts)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any, opts []RequestOption) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		payload = b
	}
	opts = append([]RequestOption{Header("Content-Type", "application/json")}, opts...)
	return c.do(ctx, method, path, payload, result, opts)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, result any, opts []RequestOption) error {
	var body any
	if payload != nil {
		body = payload
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}

	for k, v := range c.headers {
		req.Header[k] = append([]string(nil), v...)
	}
	for _, opt := range opts {
		opt(req.Header)
	}
	// 呼び出し元のトークンがあれば認可ヘッダーを差し替える
	if token, ok := BearerTokenFrom(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}

	if result == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み込みに失敗: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
	}
	return nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyBearerToken はコンテキストに呼び出し元のトークンを格納するためのキー。
const contextKeyBearerToken contextKey = "bearer_token"

// WithBearerToken はコンテキストに呼び出し元ユーザーのトークンを設定する。
// 設定されている間、Authorizationヘッダーはサービスキーではなくこのトークンになる。
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKeyBearerToken, token)
}

// BearerTokenFrom はコンテキストから呼び出し元のトークンを取得する。
func BearerTokenFrom(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(contextKeyBearerToken).(string)
	return token, ok && token != ""
}

// leveledLogger はzapのSugaredLoggerをretryablehttp.LeveledLoggerに適合させる。
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
