// Package recommend は外部の提案取得APIのクライアントを提供する。
// カタログで解決できなかった決定キーに対するフォールバックとして使用する。
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/hitoshi/vibeplan/internal/model"
	"github.com/hitoshi/vibeplan/internal/security"
)

const (
	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 1 << 20
	// maxTitleRunes と maxDescriptionRunes は取得した提案テキストの上限文字数。
	maxTitleRunes       = 120
	maxDescriptionRunes = 500
	userAgent           = "vibeplan/1.0"
)

// ErrThrottled はクライアント側のレート制限により呼び出しを見送った場合のエラー。
var ErrThrottled = errors.New("recommend: request throttled")

// Client は提案取得APIのクライアント。
// GET {endpoint}?key={decisionKey}&limit=5 を呼び出し、
// {"items":[{"title":..., "description":..., "url":...}]} 形式の応答を期待する。
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	sanitizer  security.TextSanitizerService
	logger     *slog.Logger
	endpoint   string
}

// NewClient はClientの新しいインスタンスを生成する。
// limiterがnilの場合はレート制限を行わない。
func NewClient(
	httpClient *http.Client,
	endpoint string,
	limiter *rate.Limiter,
	sanitizer security.TextSanitizerService,
	logger *slog.Logger,
) *Client {
	return &Client{
		httpClient: httpClient,
		limiter:    limiter,
		sanitizer:  sanitizer,
		logger:     logger,
		endpoint:   endpoint,
	}
}

type response struct {
	Items []model.Suggestion `json:"items"`
}

// Suggest は決定キーに対する提案を取得する。
// レート制限に掛かった場合は待たずにErrThrottledを返す。
func (c *Client) Suggest(ctx context.Context, key string) ([]model.Suggestion, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Warn("提案取得APIの呼び出しをレート制限により見送りました",
			slog.String("key", key),
		)
		return nil, ErrThrottled
	}

	reqURL, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}
	q := reqURL.Query()
	q.Set("key", key)
	q.Set("limit", strconv.Itoa(model.MaxSuggestions))
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("提案取得APIの呼び出しに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return []model.Suggestion{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("提案取得APIがエラーステータスを返しました",
			slog.String("key", key),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("提案取得APIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("レスポンスボディが上限 %d バイトを超えています", maxResponseBytes)
	}

	var result response
	if err := json.Unmarshal(body, &result); err != nil {
		c.logger.Error("提案取得APIのレスポンスのパースに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	return c.clean(result.Items), nil
}

// clean は取得した提案をサニタイズし、タイトルが空のものとhttp(s)以外のURLを除外する。
func (c *Client) clean(items []model.Suggestion) []model.Suggestion {
	out := make([]model.Suggestion, 0, len(items))
	for _, it := range items {
		if c.sanitizer != nil {
			it.Title = c.sanitizer.SanitizeText(it.Title, maxTitleRunes)
			it.Description = c.sanitizer.SanitizeText(it.Description, maxDescriptionRunes)
		}
		if it.Title == "" {
			continue
		}
		if it.URL != "" && !isWebURL(it.URL) {
			it.URL = ""
		}
		out = append(out, it)
		if len(out) == model.MaxSuggestions {
			break
		}
	}
	return out
}

func isWebURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
