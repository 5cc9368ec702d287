package planner

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/vibeplan/internal/model"
)

// 入力値の制約
const (
	MinGroupSize         = 1
	MaxGroupSize         = 12
	MaxDisplayNameRunes  = 40
	MaxLocationRunes     = 120
	MaxFingerprintRunes  = 128
	MaxVibeKeyRunes      = 64
	MaxRawSwipes         = 200
	MaxAbsoluteSwipeVote = 1000
)

// cleanName は表示名を無害化する。空になった場合はfallbackを返す。
func (s *Service) cleanName(raw, fallback string) string {
	name := s.sanitizer.SanitizeText(raw, MaxDisplayNameRunes)
	if name == "" {
		return fallback
	}
	return name
}

// cleanLocation は場所を無害化する。空になった場合はnilを返す。
func (s *Service) cleanLocation(raw *string) *string {
	if raw == nil {
		return nil
	}
	loc := s.sanitizer.SanitizeText(*raw, MaxLocationRunes)
	if loc == "" {
		return nil
	}
	return &loc
}

func normalizeFingerprint(raw string) (string, error) {
	fp := strings.TrimSpace(raw)
	if utf8.RuneCountInString(fp) > MaxFingerprintRunes {
		return "", model.NewValidationError(
			fmt.Sprintf("deviceFingerprintは%d文字以内で指定してください", MaxFingerprintRunes))
	}
	return fp, nil
}

// normalizePreferences は回答内容を検証し、保存用のコピーを返す。
// topVibesは最大3件。空の要素はその順位を空けたまま保持し、末尾の空要素は取り除く。
// rawSwipesは有限の数値のみを許可する。
func normalizePreferences(rawSwipes map[string]float64, topVibes []string) (map[string]float64, []string, error) {
	if len(topVibes) > model.MaxTopVibes {
		return nil, nil, model.NewValidationError(
			fmt.Sprintf("topVibesは%d件以内で指定してください", model.MaxTopVibes))
	}
	top := make([]string, 0, len(topVibes))
	for i, raw := range topVibes {
		if strings.TrimSpace(raw) == "" {
			top = append(top, "")
			continue
		}
		key, err := normalizeKey(raw)
		if err != nil {
			return nil, nil, model.NewValidationError(fmt.Sprintf("topVibes[%d]: %s", i, err))
		}
		top = append(top, key)
	}
	for len(top) > 0 && top[len(top)-1] == "" {
		top = top[:len(top)-1]
	}

	if len(rawSwipes) > MaxRawSwipes {
		return nil, nil, model.NewValidationError(
			fmt.Sprintf("rawSwipesは%d件以内で指定してください", MaxRawSwipes))
	}
	swipes := make(map[string]float64, len(rawSwipes))
	for raw, vote := range rawSwipes {
		key, err := normalizeKey(raw)
		if err != nil {
			return nil, nil, model.NewValidationError(fmt.Sprintf("rawSwipes[%q]: %s", raw, err))
		}
		if math.IsNaN(vote) || math.IsInf(vote, 0) || math.Abs(vote) > MaxAbsoluteSwipeVote {
			return nil, nil, model.NewValidationError(
				fmt.Sprintf("rawSwipes[%q]は-%dから%dの数値で指定してください", raw, MaxAbsoluteSwipeVote, MaxAbsoluteSwipeVote))
		}
		swipes[key] = vote
	}

	return swipes, top, nil
}

// normalizeKey は候補キーの前後空白を除去して検証する。
// 2つのキーを区切り文字で連結した組み合わせキーも許可する。
func normalizeKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", fmt.Errorf("空のキーは指定できません")
	}
	if utf8.RuneCountInString(key) > MaxVibeKeyRunes {
		return "", fmt.Errorf("キーは%d文字以内で指定してください", MaxVibeKeyRunes)
	}
	parts := strings.Split(key, model.PairSeparator)
	if len(parts) > 2 {
		return "", fmt.Errorf("組み合わせキーは2つまでです")
	}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return "", fmt.Errorf("組み合わせキーに空の要素は指定できません")
		}
	}
	return key, nil
}
