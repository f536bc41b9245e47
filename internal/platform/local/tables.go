package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"emperror.dev/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/artfolio/internal/platform"
)

// identPattern はテーブル名と列名として受け付ける識別子。
var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var (
	// boolColumns はSQLiteでは整数として保存される真偽値の列。
	boolColumns = map[string]bool{"is_public": true}
	// jsonColumns はJSON文字列として保存される列。
	jsonColumns = map[string]bool{"tags": true}
)

// Tables はSQLiteを使うplatform.Tablesの実装。
type Tables struct {
	db *sqlx.DB
}

var _ platform.Tables = (*Tables)(nil)

// NewTables はTablesを生成する。
func NewTables(db *sqlx.DB) *Tables {
	return &Tables{db: db}
}

// QueryRow はcolumn == valueを満たす最初の行を返す。
func (t *Tables) QueryRow(ctx context.Context, table, column, value string) (platform.Row, error) {
	if err := checkIdents(table, column); err != nil {
		return nil, err
	}
	rows, err := t.query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s = ? LIMIT 1", table, column), value)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, platform.ErrNoRows
	}
	return rows[0], nil
}

// QueryRows はcolumn == valueを満たすすべての行を返す。
func (t *Tables) QueryRows(ctx context.Context, table, column, value string) ([]platform.Row, error) {
	if err := checkIdents(table, column); err != nil {
		return nil, err
	}
	return t.query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", table, column), value)
}

// InsertRow は行を挿入し、既定値が補完された行を返す。idが無い場合はUUIDを採番する。
func (t *Tables) InsertRow(ctx context.Context, table string, fields platform.Row) (platform.Row, error) {
	if _, ok := fields["id"]; !ok {
		fields = withID(fields)
	}
	cols, args, err := columnsAndArgs(table, fields)
	if err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *", table, strings.Join(cols, ", "), placeholders)

	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.WithMessage(platform.ErrUnavailable, "挿入した行が返されませんでした")
	}
	return rows[0], nil
}

// UpdateRow はcolumn == valueを満たす行を更新し、更新後の行を返す。
func (t *Tables) UpdateRow(ctx context.Context, table, column, value string, fields platform.Row) (platform.Row, error) {
	if len(fields) == 0 {
		return t.QueryRow(ctx, table, column, value)
	}
	cols, args, err := columnsAndArgs(table, fields)
	if err != nil {
		return nil, err
	}
	if err := checkIdents(column); err != nil {
		return nil, err
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ? RETURNING *", table, strings.Join(sets, ", "), column)

	rows, err := t.query(ctx, q, append(args, value)...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, platform.ErrNoRows
	}
	return rows[0], nil
}

// query はクエリを実行し、すべての行を読み出して正規化する。
func (t *Tables) query(ctx context.Context, q string, args ...any) ([]platform.Row, error) {
	rows, err := t.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer func() { _ = rows.Close() }()

	out := []platform.Row{}
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			return nil, mapError(err)
		}
		out = append(out, normalize(m))
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func withID(fields platform.Row) platform.Row {
	out := make(platform.Row, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["id"] = uuid.NewString()
	return out
}

// columnsAndArgs は列名を辞書順に並べ、対応するSQLiteの値を返す。
func columnsAndArgs(table string, fields platform.Row) ([]string, []any, error) {
	cols := make([]string, 0, len(fields))
	for k := range fields {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	if err := checkIdents(append([]string{table}, cols...)...); err != nil {
		return nil, nil, err
	}

	args := make([]any, len(cols))
	for i, c := range cols {
		v, err := encode(c, fields[c])
		if err != nil {
			return nil, nil, err
		}
		args[i] = v
	}
	return cols, args, nil
}

// encode はGoの値をSQLiteに保存する値に変換する。
func encode(column string, v any) (any, error) {
	if jsonColumns[column] && v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "列 %s のエンコードに失敗", column)
		}
		return string(b), nil
	}
	return v, nil
}

// normalize はSQLiteから読み出した値をRESTドライバと同じ表現にそろえる。
func normalize(m map[string]any) platform.Row {
	row := make(platform.Row, len(m))
	for k, v := range m {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		switch {
		case boolColumns[k]:
			if n, ok := v.(int64); ok {
				v = n != 0
			}
		case jsonColumns[k]:
			if s, ok := v.(string); ok {
				var decoded any
				if json.Unmarshal([]byte(s), &decoded) == nil {
					v = decoded
				}
			}
		}
		row[k] = v
	}
	return row
}

func checkIdents(names ...string) error {
	for _, n := range names {
		if !identPattern.MatchString(n) {
			return &platform.RemoteError{
				StatusCode: http.StatusBadRequest,
				Code:       "42703",
				Message:    fmt.Sprintf("invalid identifier %q", n),
			}
		}
	}
	return nil
}

// mapError はSQLiteのエラーをplatformのエラーに変換する。
// 制約違反はPostgreSQLのエラーコードに対応付けたRemoteErrorになる。
func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return platform.ErrNoRows
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return platform.NewUniqueViolation(se.Error())
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			return &platform.RemoteError{StatusCode: http.StatusBadRequest, Code: "23514", Message: se.Error()}
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return &platform.RemoteError{StatusCode: http.StatusConflict, Code: "23503", Message: se.Error()}
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return &platform.RemoteError{StatusCode: http.StatusBadRequest, Code: "23502", Message: se.Error()}
		}
		if se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE constraint failed") {
			return platform.NewUniqueViolation(se.Error())
		}
	}
	return fmt.Errorf("%w: %v", platform.ErrUnavailable, err)
}
