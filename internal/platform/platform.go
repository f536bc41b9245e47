package platform

import (
	"context"
	"time"
)

// Row は1行分のデータ。列名から値への対応。
type Row map[string]any

// String は列の値を文字列として取り出す。値が無い、または文字列でない場合は空文字を返す。
func (r Row) String(column string) string {
	s, _ := r[column].(string)
	return s
}

// Tables は行データへのアクセスを提供する。
// 検索はすべて単一列の等値条件で行う。
type Tables interface {
	// QueryRow はcolumn == valueを満たす最初の行を返す。該当行が無い場合はErrNoRowsを返す。
	QueryRow(ctx context.Context, table, column, value string) (Row, error)
	// QueryRows はcolumn == valueを満たすすべての行を返す。該当行が無い場合は空のスライスを返す。
	QueryRows(ctx context.Context, table, column, value string) ([]Row, error)
	// InsertRow は行を挿入し、プラットフォームが補完した列を含む行を返す。
	InsertRow(ctx context.Context, table string, fields Row) (Row, error)
	// UpdateRow はcolumn == valueを満たす行を更新し、更新後の行を返す。該当行が無い場合はErrNoRowsを返す。
	UpdateRow(ctx context.Context, table, column, value string, fields Row) (Row, error)
}

// Object はアップロードするバイナリオブジェクト。
type Object struct {
	// Bucket は格納先のバケット名。
	Bucket string
	// Path はバケット内のパス。
	Path string
	// Data はオブジェクトの内容。
	Data []byte
	// ContentType はオブジェクトのMIMEタイプ。
	ContentType string
}

// Objects はオブジェクトストレージへのアクセスを提供する。
type Objects interface {
	// PutObject は呼び出し元ユーザーのトークンを提示してオブジェクトを書き込む。
	// プラットフォーム側のアクセス制御は呼び出し元の権限で評価される。
	PutObject(ctx context.Context, obj Object, actingToken string) error
	// PutObjectPrivileged はサービスの資格情報でオブジェクトを書き込む。既存のオブジェクトは上書きする。
	PutObjectPrivileged(ctx context.Context, obj Object) error
	// RemoveObject はサービスの資格情報でオブジェクトを削除する。
	RemoveObject(ctx context.Context, bucket, path string) error
	// CreateSignedURL は期限付きの読み取りURLを発行する。
	CreateSignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)
	// PublicURL は公開バケットのオブジェクトのURLを返す。通信は発生しない。
	PublicURL(bucket, path string) string
}

// Gateway はTablesとObjectsをまとめたリモートデータゲートウェイ。
type Gateway interface {
	Tables
	Objects
}

type gateway struct {
	Tables
	Objects
}

// New はテーブルドライバとストレージドライバを組み合わせたGatewayを返す。
// 行データとオブジェクトで異なるバックエンドを使う構成（REST + S3など）に対応する。
func New(tables Tables, objects Objects) Gateway {
	return gateway{Tables: tables, Objects: objects}
}
