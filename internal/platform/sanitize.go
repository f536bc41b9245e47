package platform

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sanitize は行の値をJSONでそのまま表現できる値に変換する。
// 時刻はRFC 3339の文字列、バイト列は文字列、その他の非ネイティブ型は文字列表現になる。
// 元の行は変更しない。
func Sanitize(row Row) Row {
	if row == nil {
		return nil
	}
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = plain(v)
	}
	return out
}

// SanitizeRows はすべての行にSanitizeを適用する。nilの場合も空のスライスを返す。
func SanitizeRows(rows []Row) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, Sanitize(r))
	}
	return out
}

func plain(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64, float32, json.Number,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(x)
	case Row:
		return Sanitize(x)
	case map[string]any:
		return map[string]any(Sanitize(Row(x)))
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
