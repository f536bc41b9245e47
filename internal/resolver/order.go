package resolver

import (
	"sort"
	"time"

	"github.com/nao1215/artfolio/internal/model"
	"github.com/nao1215/artfolio/internal/platform"
)

// timestampLayouts は作成日時として受け付ける書式。
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
}

// SortNewestFirst は行をcreated_atの降順に並べ替える。
// created_atが無い行は最も古いものとして扱う。
// 解釈できない値が1つでもあれば並べ替えずに元の順序を保つ。
func SortNewestFirst(rows []platform.Row) {
	keys := make([]time.Time, len(rows))
	for i, r := range rows {
		t, ok := createdAt(r)
		if !ok {
			return
		}
		keys[i] = t
	}

	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return keys[idx[a]].After(keys[idx[b]])
	})

	sorted := make([]platform.Row, len(rows))
	for i, j := range idx {
		sorted[i] = rows[j]
	}
	copy(rows, sorted)
}

// createdAt は行の作成日時を返す。値が無い場合はゼロ値を返し、解釈できない場合はfalseを返す。
func createdAt(r platform.Row) (time.Time, bool) {
	switch v := r[model.ColumnCreatedAt].(type) {
	case nil:
		return time.Time{}, true
	case time.Time:
		return v, true
	case string:
		if v == "" {
			return time.Time{}, true
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
