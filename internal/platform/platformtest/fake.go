// Package platformtest はテスト用のインメモリplatform.Gatewayを提供する。
package platformtest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/artfolio/internal/platform"
)

// 操作名。Call.OpとFailOnのキーに使う。
const (
	OpQueryRow            = "QueryRow"
	OpQueryRows           = "QueryRows"
	OpInsertRow           = "InsertRow"
	OpUpdateRow           = "UpdateRow"
	OpPutObject           = "PutObject"
	OpPutObjectPrivileged = "PutObjectPrivileged"
	OpRemoveObject        = "RemoveObject"
	OpCreateSignedURL     = "CreateSignedURL"
)

// writeOps は書き込み操作。
var writeOps = map[string]bool{
	OpInsertRow:           true,
	OpUpdateRow:           true,
	OpPutObject:           true,
	OpPutObjectPrivileged: true,
	OpRemoveObject:        true,
}

// Call は記録された1回の呼び出し。
type Call struct {
	Op string
	// Target はテーブル名またはバケット名。
	Target string
	// Column は検索列。オブジェクト操作ではパス。
	Column string
	Value  string
	// Token はPutObjectに渡されたトークン。
	Token string
}

// Fake は呼び出しを記録するインメモリのGateway。
type Fake struct {
	mu      sync.Mutex
	rows    map[string][]platform.Row
	objects map[string]platform.Object
	errs    map[string]error
	calls   []Call
}

var _ platform.Gateway = (*Fake)(nil)

// New は空のFakeを生成する。
func New() *Fake {
	return &Fake{
		rows:    map[string][]platform.Row{},
		objects: map[string]platform.Object{},
		errs:    map[string]error{},
	}
}

// Seed はテーブルに行を追加する。
func (f *Fake) Seed(table string, rows ...platform.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.rows[table] = append(f.rows[table], clone(r))
	}
}

// FailOn は呼び出しがkeyに一致したときにerrを返すよう設定する。
// keyは "Op"、"Op:target"、"Op:target:column" のいずれかで、より具体的なものが優先される。
func (f *Fake) FailOn(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[key] = err
}

// Calls は記録された呼び出しを返す。
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count はopの呼び出し回数を返す。opが空の場合はすべての呼び出し回数を返す。
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			n++
		}
	}
	return n
}

// Writes は書き込み操作の呼び出し回数を返す。
func (f *Fake) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if writeOps[c.Op] {
			n++
		}
	}
	return n
}

// Rows はテーブルの現在の行を返す。
func (f *Fake) Rows(table string) []platform.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]platform.Row, 0, len(f.rows[table]))
	for _, r := range f.rows[table] {
		out = append(out, clone(r))
	}
	return out
}

// Object は保存されたオブジェクトを返す。
func (f *Fake) Object(bucket, path string) (platform.Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[bucket+"/"+path]
	return obj, ok
}

// record は呼び出しを記録し、設定されたエラーを返す。呼び出し側でロックを取得していること。
func (f *Fake) record(c Call) error {
	f.calls = append(f.calls, c)
	for _, key := range []string{c.Op + ":" + c.Target + ":" + c.Column, c.Op + ":" + c.Target, c.Op} {
		if err, ok := f.errs[key]; ok {
			return err
		}
	}
	return nil
}

// QueryRow は最初に一致した行を返す。
func (f *Fake) QueryRow(_ context.Context, table, column, value string) (platform.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: OpQueryRow, Target: table, Column: column, Value: value}); err != nil {
		return nil, err
	}
	for _, r := range f.rows[table] {
		if matches(r, column, value) {
			return clone(r), nil
		}
	}
	return nil, platform.ErrNoRows
}

// QueryRows は一致したすべての行を返す。
func (f *Fake) QueryRows(_ context.Context, table, column, value string) ([]platform.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: OpQueryRows, Target: table, Column: column, Value: value}); err != nil {
		return nil, err
	}
	out := []platform.Row{}
	for _, r := range f.rows[table] {
		if matches(r, column, value) {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

// InsertRow は行を追加する。idとcreated_atが無い場合は補完する。
func (f *Fake) InsertRow(_ context.Context, table string, fields platform.Row) (platform.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: OpInsertRow, Target: table}); err != nil {
		return nil, err
	}
	row := clone(fields)
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.NewString()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	f.rows[table] = append(f.rows[table], row)
	return clone(row), nil
}

// UpdateRow は一致した行を更新し、最初の行を返す。
func (f *Fake) UpdateRow(_ context.Context, table, column, value string, fields platform.Row) (platform.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: OpUpdateRow, Target: table, Column: column, Value: value}); err != nil {
		return nil, err
	}
	var first platform.Row
	for _, r := range f.rows[table] {
		if !matches(r, column, value) {
			continue
		}
		for k, v := range fields {
			r[k] = v
		}
		if first == nil {
			first = clone(r)
		}
	}
	if first == nil {
		return nil, platform.ErrNoRows
	}
	return first, nil
}

// PutObject は呼び出し元として保存する。トークンが空の場合は401のRemoteErrorを返す。
func (f *Fake) PutObject(_ context.Context, obj platform.Object, actingToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: OpPutObject, Target: obj.Bucket, Column: obj.Path, Token: actingToken}); err != nil {
		return err
	}
	if actingToken == "" {
		return &platform.RemoteError{StatusCode: http.StatusUnauthorized, Message: "missing acting token"}
	}
	f.objects[obj.Bucket+"/"+obj.Path] = obj
	return nil
}

// PutObjectPrivileged は上書き保存する。
func (f *Fake) PutObjectPrivileged(_ context.Context, obj platform.Object) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: OpPutObjectPrivileged, Target: obj.Bucket, Column: obj.Path}); err != nil {
		return err
	}
	f.objects[obj.Bucket+"/"+obj.Path] = obj
	return nil
}

// RemoveObject はオブジェクトを削除する。
func (f *Fake) RemoveObject(_ context.Context, bucket, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: OpRemoveObject, Target: bucket, Column: path}); err != nil {
		return err
	}
	delete(f.objects, bucket+"/"+path)
	return nil
}

// CreateSignedURL は有効期限を含む固定形式のURLを返す。
func (f *Fake) CreateSignedURL(_ context.Context, bucket, path string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: OpCreateSignedURL, Target: bucket, Column: path}); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://platform.test/sign/%s/%s?expires_in=%d", bucket, path, int(ttl/time.Second)), nil
}

// PublicURL は固定形式の公開URLを返す。
func (f *Fake) PublicURL(bucket, path string) string {
	return "https://platform.test/public/" + bucket + "/" + strings.TrimLeft(path, "/")
}

func matches(r platform.Row, column, value string) bool {
	v, ok := r[column]
	return ok && v != nil && fmt.Sprint(v) == value
}

func clone(r platform.Row) platform.Row {
	out := make(platform.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
