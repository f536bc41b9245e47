// Package logging はzapロガーを設定から組み立てる。
package logging

import (
	"emperror.dev/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New はレベルと形式（json または console）を指定してロガーを生成する。
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.WithMessagef(err, "ログレベルが不正です: %q", level)
	}

	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, errors.Errorf("ログ形式が不正です: %q", format)
	}
	cfg.Level = lvl
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "ロガーの生成に失敗")
	}
	return logger, nil
}
