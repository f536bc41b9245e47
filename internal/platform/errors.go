package platform

import (
	"fmt"
	"net/http"
	"strings"

	"emperror.dev/errors"
)

var (
	// ErrNoRows は条件に一致する行が無いことを表す。
	ErrNoRows = errors.NewPlain("no rows in result set")
	// ErrUnavailable はプラットフォームに到達できなかったことを表す（接続失敗、タイムアウトなど）。
	ErrUnavailable = errors.NewPlain("platform unavailable")
	// ErrInvalidPath はオブジェクトのパスがバケットの外を指しうる形式であることを表す。
	ErrInvalidPath = errors.NewPlain("invalid object path")
)

// ValidatePath はバケット内のオブジェクトパスを検証する。
// 先頭の"/"、空のセグメント、"."や".."のセグメントを含むパスはErrInvalidPathを返す。
func ValidatePath(path string) error {
	if path == "" {
		return errors.WithMessage(ErrInvalidPath, "パスが空です")
	}
	if strings.HasPrefix(path, "/") {
		return errors.WithMessagef(ErrInvalidPath, "パスは\"/\"で始められません: %q", path)
	}
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "":
			return errors.WithMessagef(ErrInvalidPath, "空のセグメントを含んでいます: %q", path)
		case ".", "..":
			return errors.WithMessagef(ErrInvalidPath, "%qセグメントは使えません: %q", seg, path)
		}
	}
	return nil
}

// uniqueViolationCode は一意制約違反を表すPostgreSQLのエラーコード。
const uniqueViolationCode = "23505"

// RemoteError はプラットフォームが返した検証エラーやアクセス拒否を表す。
// 通信自体は成功しているためErrUnavailableとは区別する。
type RemoteError struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Code はプラットフォーム固有のエラーコード（例: "23505"）。
	Code string
	// Message はプラットフォームが返したメッセージ。
	Message string
}

// Error はエラーメッセージを返す。
func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("platform error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("platform error: status=%d: %s", e.StatusCode, e.Message)
}

// NewUniqueViolation は一意制約違反のRemoteErrorを生成する。
func NewUniqueViolation(message string) *RemoteError {
	return &RemoteError{StatusCode: http.StatusConflict, Code: uniqueViolationCode, Message: message}
}

// IsConflict はerrが一意制約違反などの競合を表すかどうかを返す。
func IsConflict(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	return re.Code == uniqueViolationCode || re.StatusCode == http.StatusConflict
}
