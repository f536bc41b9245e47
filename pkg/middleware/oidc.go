package middleware

import (
	"context"

	"emperror.dev/errors"
	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/nao1215/artfolio/pkg/apierror"
)

// OIDCVerifier は公開鍵セット（JWKS）で署名を検証するVerifier。
// プラットフォームが非対称鍵でトークンに署名している場合に使う。
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier はJWKSのURLから公開鍵を取得するVerifierを生成する。
// ctxは鍵の取得に使われるため、プロセスの生存期間と同じ長さのものを渡すこと。
func NewOIDCVerifier(ctx context.Context, jwksURL, issuer, audience string) *OIDCVerifier {
	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	return &OIDCVerifier{
		verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{
			ClientID:             audience,
			SkipClientIDCheck:    audience == "",
			SkipIssuerCheck:      issuer == "",
			SupportedSigningAlgs: []string{oidc.RS256, oidc.ES256},
		}),
	}
}

// Verify はトークンを検証してCredentialを返す。
func (v *OIDCVerifier) Verify(ctx context.Context, token string) (*Credential, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, errors.WithMessage(apierror.ErrCredentialExpired, err.Error())
		}
		return nil, errors.WithMessage(apierror.ErrCredentialInvalid, err.Error())
	}
	if idToken.Subject == "" {
		return nil, errors.WithMessage(apierror.ErrCredentialInvalid, "sub claim is required")
	}

	var extra struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&extra); err != nil {
		return nil, errors.WithMessage(apierror.ErrCredentialInvalid, err.Error())
	}

	return &Credential{
		Subject:   idToken.Subject,
		Email:     extra.Email,
		Issuer:    idToken.Issuer,
		Audience:  idToken.Audience,
		ExpiresAt: idToken.Expiry,
		Token:     token,
	}, nil
}
