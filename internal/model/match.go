package model

// MaxSuggestions はMatchRecordに含める提案の最大件数。
const MaxSuggestions = 5

// PairSeparator は2つの候補キーを組み合わせたcomboKeyの区切り文字。
const PairSeparator = "|"

// MatchResult はグループの決定（勝者キーと信頼度）を表す。
// 単独では永続化せず、常にMatchRecordに埋め込まれる。
type MatchResult struct {
	Key        string  `json:"key"`
	Confidence float64 `json:"confidence"`
}

// Suggestion は決定に対するおすすめアクションを表す。
type Suggestion struct {
	Title       string `json:"title" toml:"title"`
	Description string `json:"description,omitempty" toml:"description"`
	URL         string `json:"url,omitempty" toml:"url"`
}

// MatchRecord はセッションの現在の決定と提案を表す。
// セッションごとに最新の1件のみを保持し、再計算のたびに置き換える。
type MatchRecord struct {
	ID          string
	SessionID   string
	GroupVibe   MatchResult
	Suggestions []Suggestion
	ComputedAt  int64
}

// CatalogueEntry は提案カタログの参照データ。
// ComboKeyは単一キー、またはPairSeparatorで連結した2キーの組み合わせ。
type CatalogueEntry struct {
	ComboKey string       `toml:"combo_key"`
	Items    []Suggestion `toml:"items"`
}
