// Package vibe はグループの合意形成アルゴリズムを提供する。
// 参加者ごとの順位付き候補をポイントに変換し、集計・勝者選定・提案解決を行う。
// すべて純粋関数であり、ストレージには依存しない。
package vibe

import "github.com/hitoshi/vibeplan/internal/model"

// rankPoints は順位ごとの配点。1位3点、2位2点、3位1点。
var rankPoints = [model.MaxTopVibes]int{3, 2, 1}

// ScoreSingle は1人分の上位候補をキーごとのポイントに変換する。
// 4番目以降は無視する。空文字の順位は加点しないが、他の順位の配点はずらさない。
// 同一キーが複数順位にある場合は加算する。
func ScoreSingle(topVibes []string) map[string]int {
	scores := make(map[string]int)
	for i, key := range topVibes {
		if i >= len(rankPoints) {
			break
		}
		if key == "" {
			continue
		}
		scores[key] += rankPoints[i]
	}
	return scores
}

// Aggregate は回答済みかつ上位候補を持つ参加者のポイントを合算する。
// それ以外の参加者はエラーにせず読み飛ばす。
func Aggregate(participants []*model.Participant) map[string]int {
	total := make(map[string]int)
	for _, p := range participants {
		if p == nil || !contributes(p) {
			continue
		}
		for key, pts := range ScoreSingle(p.TopVibes) {
			total[key] += pts
		}
	}
	return total
}

func contributes(p *model.Participant) bool {
	return p.IsCompleted() && p.HasTopVibes()
}
