package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/vibeplan/internal/middleware"
	"github.com/hitoshi/vibeplan/internal/model"
)

// PlannerServiceInterface はプランニングハンドラーが必要とするサービスインターフェース。
type PlannerServiceInterface interface {
	// CreateSession はセッションとホスト参加者を作成する。
	CreateSession(ctx context.Context, req createSessionRequest) (*createSessionResponse, error)
	// ResolveInvite は招待トークンからセッションの公開情報を返す。
	ResolveInvite(ctx context.Context, token string) (*inviteResponse, error)
	// JoinByToken は招待トークンでセッションに参加する。
	JoinByToken(ctx context.Context, token string, req joinRequest) (*joinResponse, error)
	// MarkSwiping は参加者をスワイプ中にする。
	MarkSwiping(ctx context.Context, sessionID, participantID string) error
	// SubmitPreferences は参加者の回答を保存し、再計算結果を返す。
	SubmitPreferences(ctx context.Context, sessionID, participantID string, req submitRequest) (*submitResponse, error)
	// GetInviteInfo はホスト向けの招待情報を返す。
	GetInviteInfo(ctx context.Context, sessionID string) (*inviteInfoResponse, error)
	// GetSnapshot はセッションの状況を返す。
	GetSnapshot(ctx context.Context, sessionID string) (*snapshotResponse, error)
}

// PlannerHandler はプランニングセッションのHTTPハンドラー。
type PlannerHandler struct {
	service PlannerServiceInterface
}

// NewPlannerHandler はPlannerHandlerを生成する。
func NewPlannerHandler(service PlannerServiceInterface) *PlannerHandler {
	return &PlannerHandler{
		service: service,
	}
}

// createSessionRequest はセッション作成リクエストのボディ。すべて任意。
type createSessionRequest struct {
	DisplayName       string  `json:"display_name" validate:"max=200"`
	DeviceFingerprint string  `json:"device_fingerprint" validate:"max=128"`
	GroupSizeHint     *int    `json:"group_size_hint" validate:"omitempty,min=1,max=12"`
	Location          *string `json:"location" validate:"omitempty,max=500"`
}

// createSessionResponse はセッション作成のAPIレスポンス。
type createSessionResponse struct {
	SessionID         string `json:"session_id"`
	InviteToken       string `json:"invite_token"`
	JoinURL           string `json:"join_url"`
	HostParticipantID string `json:"host_participant_id"`
	ExpiresAt         int64  `json:"expires_at"`
}

// inviteResponse は招待トークン解決のAPIレスポンス。
type inviteResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	ExpiresAt int64  `json:"expires_at"`
}

// joinRequest は参加リクエストのボディ。すべて任意。
type joinRequest struct {
	DisplayName       string `json:"display_name" validate:"max=200"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"max=128"`
}

// joinResponse は参加のAPIレスポンス。
type joinResponse struct {
	ParticipantID string `json:"participant_id"`
	SessionID     string `json:"session_id"`
}

// submitRequest は回答送信リクエストのボディ。
type submitRequest struct {
	RawSwipes map[string]float64 `json:"raw_swipes" validate:"max=200,dive,keys,required,max=64,endkeys"`
	TopVibes  []string           `json:"top_vibes" validate:"max=3,dive,max=64"`
}

// matchResponse はグループの決定。
type matchResponse struct {
	Key        string  `json:"key"`
	Confidence float64 `json:"confidence"`
}

// submitResponse は回答送信のAPIレスポンス。
type submitResponse struct {
	Provisional bool               `json:"provisional"`
	Final       bool               `json:"final"`
	WinningKey  *string            `json:"winning_key,omitempty"`
	Confidence  *float64           `json:"confidence,omitempty"`
	Completed   int                `json:"completed"`
	Total       int                `json:"total"`
	Suggestions []model.Suggestion `json:"suggestions"`
}

// inviteInfoResponse は招待情報のAPIレスポンス。
type inviteInfoResponse struct {
	JoinURL     string `json:"join_url"`
	InviteToken string `json:"invite_token"`
}

type participantResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	IsHost bool   `json:"is_host"`
}

type countsResponse struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// snapshotResponse はセッション状況のAPIレスポンス。
type snapshotResponse struct {
	SessionID        string                `json:"session_id"`
	Status           string                `json:"status"`
	ExpiresAt        int64                 `json:"expires_at"`
	Participants     []participantResponse `json:"participants"`
	Counts           countsResponse        `json:"counts"`
	ProvisionalMatch *matchResponse        `json:"provisional_match,omitempty"`
	FinalMatch       *matchResponse        `json:"final_match,omitempty"`
	Suggestions      []model.Suggestion    `json:"suggestions,omitempty"`
}

// CreateSession はセッションを作成する。
// POST /api/sessions
func (h *PlannerHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if apiErr := decodeRequest(r, w, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	resp, err := h.service.CreateSession(r.Context(), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// ResolveInvite は招待トークンを解決する。
// GET /api/invites/{token}
func (h *PlannerHandler) ResolveInvite(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.ResolveInvite(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// JoinByToken は招待トークンでセッションに参加する。
// POST /api/invites/{token}/join
func (h *PlannerHandler) JoinByToken(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if apiErr := decodeRequest(r, w, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	resp, err := h.service.JoinByToken(r.Context(), chi.URLParam(r, "token"), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// MarkSwiping は参加者をスワイプ中にする。
// POST /api/sessions/{id}/participants/{pid}/swiping
func (h *PlannerHandler) MarkSwiping(w http.ResponseWriter, r *http.Request) {
	if err := h.service.MarkSwiping(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "pid")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SubmitPreferences は参加者の回答を送信する。
// POST /api/sessions/{id}/participants/{pid}/preferences
func (h *PlannerHandler) SubmitPreferences(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if apiErr := decodeRequest(r, w, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	resp, err := h.service.SubmitPreferences(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "pid"), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetInviteInfo はホスト向けの招待情報を返す。
// GET /api/sessions/{id}/invite
func (h *PlannerHandler) GetInviteInfo(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.GetInviteInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetSnapshot はセッションの状況を返す。
// GET /api/sessions/{id}/status
func (h *PlannerHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.GetSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
