// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, session, system
	Action   string // ユーザー向け対処方法

	cause error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *APIError) Unwrap() error {
	return e.cause
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeInviteNotFound      = "INVITE_NOT_FOUND"
	ErrCodeParticipantNotFound = "PARTICIPANT_NOT_FOUND"
	ErrCodeSessionExpired      = "SESSION_EXPIRED"
	ErrCodeConcurrentUpdate    = "CONCURRENT_UPDATE"
	ErrCodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエストボディ解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewValidationError は入力値検証エラーを生成する。
// detailには不正なフィールドと理由を含める。
func NewValidationError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("入力値が不正です: %s", detail),
		Category: "validation",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewSessionNotFoundError はセッション未検出エラーを生成する。
// 揮発性ストレージでの再起動後のデータ消失もこのエラーとして報告する。
func NewSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("指定されたセッションが見つかりません: %s", sessionID),
		Category: "session",
		Action:   "新しいセッションを作成してください。",
	}
}

// NewInviteNotFoundError は招待トークン未検出エラーを生成する。
func NewInviteNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeInviteNotFound,
		Message:  "招待リンクが無効です。",
		Category: "session",
		Action:   "ホストに招待リンクを再送してもらってください。",
	}
}

// NewParticipantNotFoundError は参加者未検出エラーを生成する。
// 参加者が指定セッションに属さない場合もこのエラーを返す。
func NewParticipantNotFoundError(participantID string) *APIError {
	return &APIError{
		Code:     ErrCodeParticipantNotFound,
		Message:  fmt.Sprintf("指定された参加者が見つかりません: %s", participantID),
		Category: "session",
		Action:   "招待リンクからセッションに参加し直してください。",
	}
}

// NewSessionExpiredError はセッション期限切れエラーを生成する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "セッションの有効期限が切れています。",
		Category: "session",
		Action:   "新しいセッションを作成してください。",
	}
}

// NewConcurrentUpdateError は同一参加者への同時更新が競合した場合のエラーを生成する。
func NewConcurrentUpdateError() *APIError {
	return &APIError{
		Code:     ErrCodeConcurrentUpdate,
		Message:  "同じ参加者の回答が同時に送信されました。",
		Category: "session",
		Action:   "しばらく待ってから再度送信してください。",
	}
}

// NewStorageError はストレージ到達不能・タイムアウトのエラーを生成する。
// 原因エラーはログ用に保持し、レスポンスには含めない。
func NewStorageError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeStorageUnavailable,
		Message:  "データストアに接続できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		cause:    cause,
	}
}

// NewInternalError は予期しない内部エラーを生成する。
// 詳細はログのみに記録し、レスポンスには含めない。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
