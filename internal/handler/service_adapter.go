package handler

import (
	"context"

	"github.com/hitoshi/vibeplan/internal/model"
	"github.com/hitoshi/vibeplan/internal/planner"
)

// PlannerServiceAdapter は planner.Service を PlannerServiceInterface に適合させるアダプタ。
type PlannerServiceAdapter struct {
	svc *planner.Service
}

// NewPlannerServiceAdapter はPlannerServiceAdapterを生成する。
func NewPlannerServiceAdapter(svc *planner.Service) *PlannerServiceAdapter {
	return &PlannerServiceAdapter{svc: svc}
}

// CreateSession はセッションを作成しhandlerレスポンス型で返す。
func (a *PlannerServiceAdapter) CreateSession(ctx context.Context, req createSessionRequest) (*createSessionResponse, error) {
	res, err := a.svc.CreateSession(ctx, planner.CreateSessionInput{
		HostName:          req.DisplayName,
		DeviceFingerprint: req.DeviceFingerprint,
		Location:          req.Location,
		GroupSizeHint:     req.GroupSizeHint,
	})
	if err != nil {
		return nil, err
	}
	return &createSessionResponse{
		SessionID:         res.Session.ID,
		InviteToken:       res.Session.InviteToken,
		JoinURL:           res.JoinURL,
		HostParticipantID: res.Host.ID,
		ExpiresAt:         res.Session.ExpiresAt,
	}, nil
}

// ResolveInvite は招待トークンを解決しhandlerレスポンス型で返す。
func (a *PlannerServiceAdapter) ResolveInvite(ctx context.Context, token string) (*inviteResponse, error) {
	view, err := a.svc.ResolveInvite(ctx, token)
	if err != nil {
		return nil, err
	}
	return &inviteResponse{
		SessionID: view.SessionID,
		Status:    string(view.Status),
		ExpiresAt: view.ExpiresAt,
	}, nil
}

// JoinByToken は招待トークンで参加しhandlerレスポンス型で返す。
func (a *PlannerServiceAdapter) JoinByToken(ctx context.Context, token string, req joinRequest) (*joinResponse, error) {
	p, err := a.svc.JoinByToken(ctx, token, planner.JoinInput{
		DisplayName:       req.DisplayName,
		DeviceFingerprint: req.DeviceFingerprint,
	})
	if err != nil {
		return nil, err
	}
	return &joinResponse{ParticipantID: p.ID, SessionID: p.SessionID}, nil
}

// MarkSwiping は参加者をスワイプ中にする。
func (a *PlannerServiceAdapter) MarkSwiping(ctx context.Context, sessionID, participantID string) error {
	return a.svc.MarkSwiping(ctx, sessionID, participantID)
}

// SubmitPreferences は回答を送信しhandlerレスポンス型で返す。
func (a *PlannerServiceAdapter) SubmitPreferences(ctx context.Context, sessionID, participantID string, req submitRequest) (*submitResponse, error) {
	res, err := a.svc.SubmitPreferences(ctx, sessionID, participantID, req.RawSwipes, req.TopVibes)
	if err != nil {
		return nil, err
	}

	out := res.Outcome
	resp := &submitResponse{
		Provisional: out.Provisional,
		Final:       out.Final,
		Completed:   out.Completed,
		Total:       out.Total,
		Suggestions: nonNilSuggestions(out.Suggestions),
	}
	if out.Decision != nil {
		key, confidence := out.Decision.Key, out.Decision.Confidence
		resp.WinningKey = &key
		resp.Confidence = &confidence
	}
	return resp, nil
}

// GetInviteInfo は招待情報をhandlerレスポンス型で返す。
func (a *PlannerServiceAdapter) GetInviteInfo(ctx context.Context, sessionID string) (*inviteInfoResponse, error) {
	info, err := a.svc.GetInviteInfo(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &inviteInfoResponse{JoinURL: info.JoinURL, InviteToken: info.InviteToken}, nil
}

// GetSnapshot はセッション状況をhandlerレスポンス型で返す。
func (a *PlannerServiceAdapter) GetSnapshot(ctx context.Context, sessionID string) (*snapshotResponse, error) {
	snap, err := a.svc.GetSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return toSnapshotResponse(snap), nil
}

// toSnapshotResponse はドメインのSnapshotをhandlerのレスポンス型に変換する。
func toSnapshotResponse(snap *planner.Snapshot) *snapshotResponse {
	resp := &snapshotResponse{
		SessionID:        snap.SessionID,
		Status:           string(snap.Status),
		ExpiresAt:        snap.ExpiresAt,
		Participants:     make([]participantResponse, len(snap.Participants)),
		Counts:           countsResponse{Completed: snap.Completed, Total: snap.Total},
		ProvisionalMatch: toMatchResponse(snap.ProvisionalMatch),
		FinalMatch:       toMatchResponse(snap.FinalMatch),
		Suggestions:      snap.Suggestions,
	}
	for i, p := range snap.Participants {
		resp.Participants[i] = participantResponse{
			ID:     p.ID,
			Name:   p.DisplayName,
			State:  string(p.State),
			IsHost: p.IsHost,
		}
	}
	return resp
}

func toMatchResponse(m *model.MatchResult) *matchResponse {
	if m == nil {
		return nil
	}
	return &matchResponse{Key: m.Key, Confidence: m.Confidence}
}

func nonNilSuggestions(s []model.Suggestion) []model.Suggestion {
	if s == nil {
		return []model.Suggestion{}
	}
	return s
}
