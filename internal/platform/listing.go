package platform

import (
	"sort"
	"time"

	"github.com/hitoshi/ingestor/internal/model"
)

// OldestChangedSince はsinceより後に変更された項目を変更時刻の昇順に並べ、古い方から最大max件を返す。
// 呼び出し側は返した項目の最新の変更時刻までカーソルを進め、残りは次回の同期で取得する。
// max件目と同じ変更時刻の項目は上限を超えても含める。同時刻の項目がカーソルの境界で分断されないようにするため。
// maxが0以下の場合は件数を制限しない。
func OldestChangedSince(items []model.RawPayload, since time.Time, max int) []model.RawPayload {
	out := make([]model.RawPayload, 0, len(items))
	for i := range items {
		if items[i].ChangedAt().After(since) {
			out = append(out, items[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ChangedAt().Before(out[j].ChangedAt())
	})
	if max <= 0 || len(out) <= max {
		return out
	}

	n := max
	boundary := out[max-1].ChangedAt()
	for n < len(out) && out[n].ChangedAt().Equal(boundary) {
		n++
	}
	return out[:n]
}
