// Package migration はSQLiteデータベースのマイグレーションを管理する。
// embed.FSからSQLファイルを読み込み、バージョン管理テーブルで適用状態を追跡する。
package migration

import (
	"context"
	"database/sql"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"go.uber.org/zap"
)

// Version は1つのマイグレーションとその適用状態。
type Version struct {
	// Number はファイル名先頭のバージョン番号。
	Number int
	// Name はファイル名のバージョン番号より後ろの説明部分。
	Name string
	// Applied は適用済みかどうか。
	Applied bool
	// AppliedAt は適用日時。未適用の場合はゼロ値。
	AppliedAt time.Time

	file string
}

// Run はembedされたマイグレーションファイルを順序通りに適用し、新たに適用した件数を返す。
// 未適用のマイグレーションのみ実行し、適用済みのものはスキップする。
// ファイル名形式: 000001_description.up.sql
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, logger *zap.Logger) (int, error) {
	versions, err := Status(ctx, db, fsys, dir)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, v := range versions {
		if v.Applied {
			continue
		}
		if err := apply(ctx, db, fsys, v); err != nil {
			return count, errors.Wrapf(err, "マイグレーション %06d の適用に失敗", v.Number)
		}
		logger.Info("マイグレーションを適用しました", zap.Int("version", v.Number), zap.String("name", v.Name))
		count++
	}
	return count, nil
}

// Status はマイグレーションファイルの一覧と適用状態をバージョン順に返す。
func Status(ctx context.Context, db *sql.DB, fsys fs.FS, dir string) ([]Version, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, errors.Wrap(err, "マイグレーション管理テーブルの作成に失敗")
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, errors.Wrap(err, "適用済みバージョンの取得に失敗")
	}

	versions, err := collect(fsys, dir)
	if err != nil {
		return nil, errors.Wrap(err, "マイグレーションファイルの収集に失敗")
	}
	for i := range versions {
		if at, ok := applied[versions[i].Number]; ok {
			versions[i].Applied = true
			versions[i].AppliedAt = at
		}
	}
	return versions, nil
}

// ensureMigrationsTable はバージョン管理テーブルを作成する。
func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		)
	`)
	return err
}

// appliedVersions は適用済みのバージョンと適用日時を取得する。
func appliedVersions(ctx context.Context, db *sql.DB) (map[int]time.Time, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var (
			v  int
			at string
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		t, _ := time.Parse(time.RFC3339, at)
		applied[v] = t
	}
	return applied, rows.Err()
}

// collect はディレクトリからup.sqlファイルを収集してバージョン順にソートする。
func collect(fsys fs.FS, dir string) ([]Version, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var versions []Version
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}

		num, name, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		versions = append(versions, Version{
			Number: n,
			Name:   strings.TrimSuffix(name, ".up.sql"),
			file:   path.Join(dir, entry.Name()),
		})
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Number < versions[j].Number
	})
	return versions, nil
}

// apply は1つのマイグレーションをトランザクション内で適用する。
func apply(ctx context.Context, db *sql.DB, fsys fs.FS, v Version) error {
	content, err := fs.ReadFile(fsys, v.file)
	if err != nil {
		return errors.Wrap(err, "ファイル読み込みに失敗")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "トランザクション開始に失敗")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return errors.Wrap(err, "SQL実行に失敗")
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", v.Number); err != nil {
		return errors.Wrap(err, "バージョン記録に失敗")
	}
	return tx.Commit()
}
