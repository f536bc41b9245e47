// Package local はSQLiteとローカルファイルシステムを使うプラットフォームドライバを提供する。
//
// ホスト型プラットフォームを用意できない開発環境とテストで使う。
// 行データはSQLite（modernc.org/sqlite）に、オブジェクトはディレクトリ配下のファイルに保存する。
package local

import (
	"context"
	"embed"

	"emperror.dev/errors"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/artfolio/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationsDir はembedしたマイグレーションファイルのディレクトリ。
const migrationsDir = "migrations"

// Open はSQLiteデータベースを開き、外部キー制約を有効にする。
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "データベースのオープンに失敗")
	}
	// SQLiteは単一の書き込みコネクションで扱う
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "外部キー制約の有効化に失敗")
	}
	return db, nil
}

// Migrate は未適用のマイグレーションを適用し、適用した件数を返す。
func Migrate(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (int, error) {
	return migration.Run(ctx, db.DB, migrationsFS, migrationsDir, logger)
}

// MigrationStatus はマイグレーションの適用状態を返す。
func MigrationStatus(ctx context.Context, db *sqlx.DB) ([]migration.Version, error) {
	return migration.Status(ctx, db.DB, migrationsFS, migrationsDir)
}
