// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は参加者が入力する表示名や場所などの短いテキストから
// HTMLタグと制御文字を取り除く。SSRFGuard は外部の提案取得APIへの
// リクエストを安全な宛先に限定する。
package security

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はユーザー入力テキストのサニタイズ機能のインターフェース。
type TextSanitizerService interface {
	// SanitizeText はテキストからHTMLタグと制御文字を除去し、
	// 連続する空白を1つにまとめ、前後の空白を取り除いた上で
	// maxRunes文字以内に切り詰める。maxRunesが0以下の場合は切り詰めない。
	SanitizeText(raw string, maxRunes int) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyは全てのタグを除去し、テキストのみを残す。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はテキストをサニタイズする。同一入力に対して常に同一出力を返す。
func (s *textSanitizer) SanitizeText(raw string, maxRunes int) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyはエンティティをエスケープして返すため、平文に戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))

	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range text {
		switch {
		case r == utf8.RuneError:
			continue
		case unicode.IsSpace(r):
			space = true
			continue
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}

	out := b.String()
	if maxRunes > 0 && utf8.RuneCountInString(out) > maxRunes {
		out = strings.TrimRightFunc(string([]rune(out)[:maxRunes]), unicode.IsSpace)
	}
	return out
}
