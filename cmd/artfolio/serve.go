package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"emperror.dev/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/artfolio/internal/config"
	"github.com/nao1215/artfolio/internal/logging"
	"github.com/nao1215/artfolio/internal/model"
	"github.com/nao1215/artfolio/internal/platform"
	"github.com/nao1215/artfolio/internal/platform/local"
	"github.com/nao1215/artfolio/internal/platform/rest"
	"github.com/nao1215/artfolio/internal/platform/s3store"
	"github.com/nao1215/artfolio/internal/server"
	"github.com/nao1215/artfolio/pkg/middleware"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "HTTPサーバーを起動する",
		Long:  "環境変数から設定を読み込み、HTTPサーバーを起動する。SIGINT/SIGTERMで処理中のリクエストを待って停止する。",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := b.Close(); err != nil {
					logger.Warn("バックエンドのクローズに失敗", zap.Error(err))
				}
			}()

			logger.Info("設定を読み込みました",
				zap.String("platform_driver", cfg.Platform.Driver),
				zap.String("storage_driver", cfg.StorageDriver()),
				zap.Bool("jwks", cfg.Auth.JWKSURL != ""))

			srv := server.New(b.gateway, newVerifier(ctx, cfg), logger, server.Options{
				Addr:           cfg.Addr(),
				ReadTimeout:    cfg.HTTP.ReadTimeout,
				WriteTimeout:   cfg.HTTP.WriteTimeout,
				AllowedOrigins: cfg.HTTP.AllowedOrigins,
				MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
				Pprof:          cfg.HTTP.Pprof,
			}, b.routes...)
			return srv.Run(ctx)
		},
	}
}

// backend は設定から組み立てたGatewayと、その後始末。
type backend struct {
	gateway platform.Gateway
	// routes はドライバ固有のHTTPルート。
	routes  []server.Registrar
	closers []func() error
}

// Close は開いたリソースをすべて閉じる。
func (b *backend) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Combine(errs...)
}

// openBackend はPLATFORM_DRIVERとSTORAGE_DRIVERに従ってGatewayを組み立てる。
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	b := &backend{}

	var restClient *rest.Client
	restDriver := func() *rest.Client {
		if restClient == nil {
			restClient = rest.New(rest.Config{
				URL:        cfg.Platform.URL,
				ServiceKey: cfg.Platform.ServiceKey,
				AnonKey:    cfg.Platform.AnonKey,
				Timeout:    cfg.Platform.Timeout,
				RetryMax:   cfg.Platform.RetryMax,
			}, logger)
		}
		return restClient
	}

	var tables platform.Tables
	switch cfg.Platform.Driver {
	case config.DriverREST:
		tables = restDriver()
	case config.DriverLocal:
		db, err := local.Open(ctx, cfg.Platform.LocalDSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if _, err := local.Migrate(ctx, db, logger); err != nil {
			_ = b.Close()
			return nil, err
		}
		tables = local.NewTables(db)
	default:
		return nil, errors.Errorf("不明なプラットフォームドライバです: %q", cfg.Platform.Driver)
	}

	var objects platform.Objects
	switch cfg.StorageDriver() {
	case config.DriverREST:
		objects = restDriver()
	case config.DriverS3:
		s3 := cfg.Storage.S3
		store, err := s3store.New(s3store.Config{
			Endpoint:         s3.Endpoint,
			Region:           s3.Region,
			AccessKey:        s3.AccessKey,
			SecretKey:        s3.SecretKey,
			SessionAccessKey: s3.SessionAccessKey,
			SessionSecretKey: s3.SessionSecretKey,
			UseSSL:           s3.UseSSL,
			PublicBaseURL:    cfg.Storage.PublicBaseURL,
		})
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		objects = store
	case config.DriverLocal:
		key, err := local.DeriveSigningKey(cfg.Auth.JWTSecret)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		blobs := local.NewBlobs(cfg.Platform.LocalDir, cfg.Platform.PublicURL, key, model.BucketAvatars)
		objects = blobs
		b.routes = append(b.routes, blobs)
	default:
		_ = b.Close()
		return nil, errors.Errorf("不明なストレージドライバです: %q", cfg.StorageDriver())
	}

	b.gateway = platform.New(tables, objects)
	return b, nil
}

// newVerifier はAUTH_JWKS_URLが設定されていれば公開鍵セットで、そうでなければ共有秘密鍵で検証するVerifierを返す。
func newVerifier(ctx context.Context, cfg *config.Config) middleware.Verifier {
	if cfg.Auth.JWKSURL != "" {
		return middleware.NewOIDCVerifier(ctx, cfg.Auth.JWKSURL, cfg.Auth.Issuer, cfg.Auth.Audience)
	}
	return middleware.NewHMACVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
}
