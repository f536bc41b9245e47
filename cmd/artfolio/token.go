package main

import (
	"fmt"
	"os"
	"time"

	"emperror.dev/errors"
	"github.com/spf13/cobra"

	"github.com/nao1215/artfolio/pkg/middleware"
)

// tokenOptions はtokenサブコマンドのフラグ。
type tokenOptions struct {
	secret   string
	subject  string
	email    string
	issuer   string
	audience string
	role     string
	ttl      time.Duration
}

func newTokenCmd() *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "開発用のHS256トークンを発行する",
		Long:  "AUTH_JWT_SECRET（または--secret）で署名したトークンを標準出力に書き出す。ローカルドライバでの動作確認に使う。",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.secret == "" {
				return errors.NewPlain("署名鍵がありません。--secret または AUTH_JWT_SECRET を指定してください")
			}
			tokenOpts := []middleware.TokenOption{
				middleware.WithTTL(opts.ttl),
				middleware.WithAudience(opts.audience),
			}
			if opts.issuer != "" {
				tokenOpts = append(tokenOpts, middleware.WithIssuer(opts.issuer))
			}
			if opts.role != "" {
				tokenOpts = append(tokenOpts, middleware.WithRole(opts.role))
			}

			token, err := middleware.GenerateJWT(opts.secret, opts.subject, opts.email, tokenOpts...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.secret, "secret", os.Getenv("AUTH_JWT_SECRET"), "署名鍵")
	flags.StringVar(&opts.subject, "sub", "", "ユーザーID（subクレーム）")
	flags.StringVar(&opts.email, "email", "", "メールアドレス")
	flags.StringVar(&opts.issuer, "issuer", os.Getenv("AUTH_ISSUER"), "発行者")
	flags.StringVar(&opts.audience, "audience", "authenticated", "対象者")
	flags.StringVar(&opts.role, "role", "", "roleクレーム（認可には使われない）")
	flags.DurationVar(&opts.ttl, "ttl", time.Hour, "有効期間")
	_ = cmd.MarkFlagRequired("sub")

	return cmd
}
