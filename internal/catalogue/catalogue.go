// Package catalogue は提案カタログ（決定キーごとのおすすめアクション）の読み込みを提供する。
package catalogue

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/hitoshi/vibeplan/internal/model"
)

//go:embed default_catalogue.toml
var defaultCatalogue []byte

// document はTOMLファイルのトップレベル構造。
type document struct {
	Entries []model.CatalogueEntry `toml:"entry"`
}

// Default は組み込みのカタログを返す。
func Default() ([]model.CatalogueEntry, error) {
	return Parse(defaultCatalogue)
}

// LoadFile は指定パスのTOMLファイルからカタログを読み込む。
// pathが空の場合は組み込みのカタログを返す。
func LoadFile(path string) ([]model.CatalogueEntry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalogue file: %w", err)
	}
	return Parse(data)
}

// Parse はTOMLデータをカタログエントリに変換する。
// 同じcombo_keyが複数回現れた場合は後勝ちとする。
func Parse(data []byte) ([]model.CatalogueEntry, error) {
	var doc document
	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalogue: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown catalogue keys: %v", undecoded)
	}

	index := make(map[string]int, len(doc.Entries))
	entries := make([]model.CatalogueEntry, 0, len(doc.Entries))
	for i, e := range doc.Entries {
		key := strings.TrimSpace(e.ComboKey)
		if err := validateComboKey(key); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		e.ComboKey = key
		if e.Items == nil {
			e.Items = []model.Suggestion{}
		}
		for j, item := range e.Items {
			if strings.TrimSpace(item.Title) == "" {
				return nil, fmt.Errorf("entry %d (%s): item %d has empty title", i, key, j)
			}
		}
		if pos, ok := index[key]; ok {
			entries[pos] = e
			continue
		}
		index[key] = len(entries)
		entries = append(entries, e)
	}
	return entries, nil
}

func validateComboKey(key string) error {
	if key == "" {
		return fmt.Errorf("combo_key is empty")
	}
	parts := strings.Split(key, model.PairSeparator)
	if len(parts) > 2 {
		return fmt.Errorf("combo_key %q has more than two parts", key)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("combo_key %q has an empty part", key)
		}
	}
	return nil
}
