// Package token は招待トークンの生成を提供する。
package token

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const (
	// Alphabet は招待トークンに使用する58文字。
	// 読み間違えやすい 0, O, I, l を除外している。
	Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	// Length は招待トークンの長さ。
	Length = 12
)

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// Generator は招待トークンを生成するインターフェース。
type Generator interface {
	Generate() (string, error)
}

// RandomGenerator は暗号論的乱数でトークンを生成する。
type RandomGenerator struct {
	reader io.Reader
}

// NewGenerator はcrypto/randを乱数源とするRandomGeneratorを生成する。
func NewGenerator() *RandomGenerator {
	return &RandomGenerator{reader: rand.Reader}
}

// Generate は12文字の招待トークンを生成する。
func (g *RandomGenerator) Generate() (string, error) {
	var b strings.Builder
	b.Grow(Length)
	for i := 0; i < Length; i++ {
		n, err := rand.Int(g.reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("failed to generate invite token: %w", err)
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Valid はsが招待トークンの形式を満たすかを返す。
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(Alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
