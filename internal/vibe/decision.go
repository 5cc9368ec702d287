package vibe

import (
	"math"
	"sort"

	"github.com/hitoshi/vibeplan/internal/model"
)

// FinalConfidenceThreshold は全員の回答を待たずに最終決定とみなす信頼度の下限。
const FinalConfidenceThreshold = 0.70

// provisionalQuorum は暫定決定に必要な回答済み人数（参加者数が少ない場合はその人数）。
const provisionalQuorum = 2

// Winner は集計結果の最上位エントリ。
type Winner struct {
	Key   string
	Score int
}

// PickWinner は集計結果から勝者を選ぶ。空の場合はfalseを返す。
// スコア降順、同点の場合はキーの辞書順昇順で決定的に選ぶ。
func PickWinner(aggregate map[string]int) (Winner, bool) {
	if len(aggregate) == 0 {
		return Winner{}, false
	}

	entries := make([]Winner, 0, len(aggregate))
	for key, score := range aggregate {
		entries = append(entries, Winner{Key: key, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Key < entries[j].Key
	})

	return entries[0], true
}

// ComputeDecision は参加者全体からグループの決定を算出する。
// 回答済み参加者がいない、または勝者がいない場合はnilを返す。
// 信頼度は勝者スコアを「回答済み全員が1位に選んだ場合の最大値」で割った値を小数2桁に丸めたもの。
func ComputeDecision(participants []*model.Participant) *model.MatchResult {
	completed := CountCompleted(participants)
	if completed == 0 {
		return nil
	}

	winner, ok := PickWinner(Aggregate(participants))
	if !ok {
		return nil
	}

	// 同一キーの重複指定で分子が最大値を超えうるため1.0で打ち切る
	confidence := math.Min(1.0, float64(winner.Score)/float64(rankPoints[0]*completed))

	return &model.MatchResult{
		Key:        winner.Key,
		Confidence: round2(confidence),
	}
}

// CountCompleted は回答済み参加者数を返す。
func CountCompleted(participants []*model.Participant) int {
	n := 0
	for _, p := range participants {
		if p != nil && p.IsCompleted() {
			n++
		}
	}
	return n
}

// Decision は決定と、クライアントへの公開条件（暫定・最終）の判定結果。
type Decision struct {
	Result      *model.MatchResult
	Completed   int
	Total       int
	Provisional bool
	Final       bool
}

// Evaluate は決定を算出し、暫定・最終の判定を行う。
//
//	暫定: 決定があり、回答済み人数 >= min(2, 参加者数)
//	最終: 決定があり、全員回答済み、または信頼度 >= 0.70
func Evaluate(participants []*model.Participant) Decision {
	d := Decision{
		Result:    ComputeDecision(participants),
		Completed: CountCompleted(participants),
		Total:     len(participants),
	}
	if d.Result == nil {
		return d
	}

	quorum := provisionalQuorum
	if d.Total < quorum {
		quorum = d.Total
	}
	d.Provisional = d.Completed >= quorum
	d.Final = d.Completed == d.Total || d.Result.Confidence >= FinalConfidenceThreshold

	return d
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
