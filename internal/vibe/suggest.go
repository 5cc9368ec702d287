package vibe

import (
	"context"
	"strings"

	"github.com/hitoshi/vibeplan/internal/model"
)

// Catalogue は提案カタログの参照インターフェース。
type Catalogue interface {
	// Lookup はcomboKeyに完全一致するエントリの提案を返す。
	Lookup(comboKey string) ([]model.Suggestion, bool)
}

// CatalogueMap はcomboKeyをキーとするメモリ上のカタログ。
type CatalogueMap map[string][]model.Suggestion

// NewCatalogueMap はエントリ一覧からCatalogueMapを構築する。
// 同じcomboKeyが複数ある場合は後勝ち。
func NewCatalogueMap(entries []model.CatalogueEntry) CatalogueMap {
	m := make(CatalogueMap, len(entries))
	for _, e := range entries {
		m[e.ComboKey] = e.Items
	}
	return m
}

// Lookup はCatalogueを実装する。
func (m CatalogueMap) Lookup(comboKey string) ([]model.Suggestion, bool) {
	items, ok := m[comboKey]
	return items, ok
}

// Fallback はカタログで解決できなかった場合に呼び出される提案取得関数。
type Fallback func(ctx context.Context, key string) ([]model.Suggestion, error)

// ResolveSuggestions は決定キーを最大5件の提案に解決する。
//
// 解決順序:
//  1. カタログの完全一致
//  2. キーが区切り文字を含む場合は分割し、前のキーから順に単独キーで検索
//  3. fallbackが指定されていれば呼び出す
//  4. いずれでも解決できなければ空（エラーではない）
//
// fallbackがエラーを返した場合は空の提案とそのエラーを返す。
func ResolveSuggestions(ctx context.Context, key string, catalogue Catalogue, fallback Fallback) ([]model.Suggestion, error) {
	if catalogue != nil {
		if items, ok := catalogue.Lookup(key); ok {
			return limit(items), nil
		}

		if strings.Contains(key, model.PairSeparator) {
			first, second, _ := strings.Cut(key, model.PairSeparator)
			for _, k := range []string{first, second} {
				if k == "" {
					continue
				}
				if items, ok := catalogue.Lookup(k); ok {
					return limit(items), nil
				}
			}
		}
	}

	if fallback != nil {
		items, err := fallback(ctx, key)
		if err != nil {
			return []model.Suggestion{}, err
		}
		return limit(items), nil
	}

	return []model.Suggestion{}, nil
}

// limit は提案を最大件数に切り詰めたコピーを返す。
func limit(items []model.Suggestion) []model.Suggestion {
	n := len(items)
	if n > model.MaxSuggestions {
		n = model.MaxSuggestions
	}
	out := make([]model.Suggestion, n)
	copy(out, items[:n])
	return out
}
