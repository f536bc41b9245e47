// Package config は環境変数からアプリケーションの設定を読み込む。
package config

import (
	"time"

	"emperror.dev/errors"
	"github.com/caarlos0/env/v6"
)

// ドライバ名。
const (
	DriverREST  = "rest"
	DriverLocal = "local"
	DriverS3    = "s3"
)

type (
	// Config はアプリケーション全体の設定。
	Config struct {
		Log      LogConfig      `envPrefix:"LOG_"`
		HTTP     HTTPConfig     `envPrefix:"HTTP_"`
		Auth     AuthConfig     `envPrefix:"AUTH_"`
		Platform PlatformConfig `envPrefix:"PLATFORM_"`
		Storage  StorageConfig  `envPrefix:"STORAGE_"`
	}

	// LogConfig はログ出力の設定。
	LogConfig struct {
		Level  string `env:"LEVEL" envDefault:"info"`
		Format string `env:"FORMAT" envDefault:"json"`
	}

	// HTTPConfig はHTTPサーバーの設定。
	HTTPConfig struct {
		Port           string        `env:"PORT" envDefault:"5001"`
		ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
		WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
		AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
		MaxUploadBytes int64         `env:"MAX_UPLOAD_BYTES" envDefault:"52428800"`
		Pprof          bool          `env:"PPROF" envDefault:"false"`
	}

	// AuthConfig はトークン検証の設定。
	AuthConfig struct {
		// JWTSecret は共有秘密鍵。JWKSURLが空の場合と、ローカルストレージを使う場合に必須。
		JWTSecret string `env:"JWT_SECRET"`
		Issuer    string `env:"ISSUER"`
		Audience  string `env:"AUDIENCE" envDefault:"authenticated"`
		// JWKSURL を設定すると共有秘密鍵の代わりに公開鍵セットで署名を検証する。
		JWKSURL string `env:"JWKS_URL"`
	}

	// PlatformConfig は行データの接続先の設定。
	PlatformConfig struct {
		Driver     string        `env:"DRIVER" envDefault:"rest"`
		URL        string        `env:"URL"`
		ServiceKey string        `env:"SERVICE_KEY"`
		AnonKey    string        `env:"ANON_KEY"`
		Timeout    time.Duration `env:"TIMEOUT" envDefault:"30s"`
		RetryMax   int           `env:"RETRY_MAX" envDefault:"0"`
		LocalDSN   string        `env:"LOCAL_DSN" envDefault:"file:artfolio.db"`
		LocalDir   string        `env:"LOCAL_DIR" envDefault:"./data"`
		// PublicURL はローカルドライバが発行するURLのベース。
		PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:5001"`
	}

	// StorageConfig はオブジェクトストレージの設定。
	StorageConfig struct {
		// Driver が空の場合はPlatform.Driverと同じドライバを使う。
		Driver        string   `env:"DRIVER"`
		S3            S3Config `envPrefix:"S3_"`
		PublicBaseURL string   `env:"PUBLIC_BASE_URL"`
	}

	// S3Config はS3互換ストレージの接続設定。
	S3Config struct {
		Endpoint         string `env:"ENDPOINT"`
		Region           string `env:"REGION"`
		AccessKey        string `env:"ACCESS_KEY"`
		SecretKey        string `env:"SECRET_KEY"`
		SessionAccessKey string `env:"SESSION_ACCESS_KEY"`
		SessionSecretKey string `env:"SESSION_SECRET_KEY"`
		UseSSL           bool   `env:"USE_SSL" envDefault:"true"`
	}
)

// Load はプロセスの環境変数から設定を読み込む。
func Load() (*Config, error) {
	return LoadFrom(nil)
}

// LoadFrom は与えられた環境変数から設定を読み込む。environがnilの場合はプロセスの環境変数を使う。
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg, env.Options{Environment: environ}); err != nil {
		return nil, errors.Wrap(err, "設定の読み込みに失敗")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StorageDriver は実際に使うストレージドライバ名を返す。
func (c *Config) StorageDriver() string {
	if c.Storage.Driver == "" {
		return c.Platform.Driver
	}
	return c.Storage.Driver
}

// Addr はHTTPサーバーの待ち受けアドレスを返す。
func (c *Config) Addr() string {
	return ":" + c.HTTP.Port
}

func (c *Config) validate() error {
	switch c.Platform.Driver {
	case DriverREST, DriverLocal:
	default:
		return errors.Errorf("PLATFORM_DRIVER は %q または %q である必要があります: %q", DriverREST, DriverLocal, c.Platform.Driver)
	}

	storage := c.StorageDriver()
	switch storage {
	case DriverREST, DriverLocal:
	case DriverS3:
		s3 := c.Storage.S3
		if s3.Endpoint == "" || s3.AccessKey == "" || s3.SecretKey == "" {
			return errors.NewPlain("STORAGE_DRIVER=s3 では STORAGE_S3_ENDPOINT, STORAGE_S3_ACCESS_KEY, STORAGE_S3_SECRET_KEY が必須です")
		}
	default:
		return errors.Errorf("STORAGE_DRIVER が不正です: %q", storage)
	}

	if c.Platform.Driver == DriverREST || storage == DriverREST {
		if c.Platform.URL == "" {
			return errors.NewPlain("PLATFORM_URL が設定されていません")
		}
		if c.Platform.ServiceKey == "" {
			return errors.NewPlain("PLATFORM_SERVICE_KEY が設定されていません")
		}
	}

	if c.Auth.JWTSecret == "" {
		if c.Auth.JWKSURL == "" {
			return errors.NewPlain("AUTH_JWT_SECRET または AUTH_JWKS_URL のどちらかが必要です")
		}
		if storage == DriverLocal {
			return errors.NewPlain("ローカルストレージの署名付きURLには AUTH_JWT_SECRET が必要です")
		}
	}

	if c.HTTP.MaxUploadBytes <= 0 {
		return errors.Errorf("HTTP_MAX_UPLOAD_BYTES は正の値である必要があります: %d", c.HTTP.MaxUploadBytes)
	}
	return nil
}
