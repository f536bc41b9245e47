// Package platform はホスト型のデータベース・ストレージプラットフォームへのアクセス契約を定義する。
//
// ハンドラとリゾルバはTablesとObjectsインターフェースだけに依存し、
// 実際の通信はrest、s3store、localの各ドライバが担う。
// ドライバはレスポンスを境界でRowと番兵エラーに正規化するため、
// 呼び出し側がレスポンスの表現によって分岐することはない。
package platform
