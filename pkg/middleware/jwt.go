package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/artfolio/pkg/apierror"
)

// Claims はプラットフォームの認証基盤が発行するJWTのクレーム。
type Claims struct {
	jwt.RegisteredClaims
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role はトークンに埋め込まれたロール。認可判定には使用しない。
	Role string `json:"role,omitempty"`
}

// Credential は検証済みのトークンから取り出した呼び出し元の情報。
// 生のトークンも保持し、呼び出し元の権限で外部プラットフォームに書き込む際に再提示する。
type Credential struct {
	// Subject はユーザーの不変ID（subクレーム）。
	Subject string
	// Email はユーザーのメールアドレス。
	Email string
	// Issuer はトークンの発行者。
	Issuer string
	// Audience はトークンの対象者。
	Audience []string
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time
	// Token は検証に使った生のトークン文字列。
	Token string
}

// Verifier はトークン文字列を検証してCredentialを返す。
type Verifier interface {
	Verify(ctx context.Context, token string) (*Credential, error)
}

// ParseBearer は "Bearer <token>" 形式のヘッダー値からトークンを取り出す。
// それ以外の形式はすべて ErrMissingCredential になる。
func ParseBearer(header string) (string, error) {
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" || strings.ContainsAny(token, " \t") {
		return "", apierror.ErrMissingCredential
	}
	return token, nil
}

// VerifyHeader はAuthorizationヘッダー値を解析し、Verifierで検証する。
func VerifyHeader(ctx context.Context, v Verifier, header string) (*Credential, error) {
	token, err := ParseBearer(header)
	if err != nil {
		return nil, err
	}
	return v.Verify(ctx, token)
}

// HMACVerifier は共有秘密鍵によるHS256署名のトークンを検証する。
type HMACVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewHMACVerifier はHS256用のVerifierを生成する。
// issuerが空の場合は発行者を検証しない。audienceが空の場合は対象者を検証しない。
func NewHMACVerifier(secret, issuer, audience string) *HMACVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &HMACVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}
}

// Verify はトークンの署名・有効期限・発行者・対象者を検証する。
func (v *HMACVerifier) Verify(_ context.Context, token string) (*Credential, error) {
	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.WithMessage(apierror.ErrCredentialExpired, err.Error())
		}
		return nil, errors.WithMessage(apierror.ErrCredentialInvalid, err.Error())
	}
	if !parsed.Valid {
		return nil, apierror.ErrCredentialInvalid
	}
	if claims.Subject == "" {
		return nil, errors.WithMessage(apierror.ErrCredentialInvalid, "sub claim is required")
	}

	cred := &Credential{
		Subject:  claims.Subject,
		Email:    claims.Email,
		Issuer:   claims.Issuer,
		Audience: []string(claims.Audience),
		Token:    token,
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}

// TokenOption はGenerateJWTで生成するトークンの属性を変更する。
type TokenOption func(*Claims)

// WithIssuer は発行者を設定する。
func WithIssuer(issuer string) TokenOption {
	return func(c *Claims) { c.Issuer = issuer }
}

// WithAudience は対象者を設定する。
func WithAudience(audience ...string) TokenOption {
	return func(c *Claims) { c.Audience = jwt.ClaimStrings(audience) }
}

// WithTTL は有効期間を設定する。負の値を渡すと期限切れのトークンになる。
func WithTTL(ttl time.Duration) TokenOption {
	return func(c *Claims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl)) }
}

// WithRole はroleクレームを設定する。
func WithRole(role string) TokenOption {
	return func(c *Claims) { c.Role = role }
}

// GenerateJWT はHS256で署名したトークンを生成する。
// 開発用トークンの発行（artfolio token）とテストで使用する。既定の有効期間は1時間。
func GenerateJWT(secret, userID, email string, opts ...TokenOption) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			Audience:  jwt.ClaimStrings{"authenticated"},
		},
		Email: email,
		Role:  "authenticated",
	}
	for _, opt := range opts {
		opt(&claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}
