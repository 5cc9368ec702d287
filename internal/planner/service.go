// Package planner はプランニングセッションのドメインロジックを提供する。
// セッション作成、招待による参加、回答送信と再計算、状況取得を扱う。
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/vibeplan/internal/metrics"
	"github.com/hitoshi/vibeplan/internal/model"
	"github.com/hitoshi/vibeplan/internal/repository"
	"github.com/hitoshi/vibeplan/internal/security"
	"github.com/hitoshi/vibeplan/internal/token"
	"github.com/hitoshi/vibeplan/internal/vibe"
)

const (
	// maxTokenAttempts は招待トークン衝突時の再生成回数の上限。
	maxTokenAttempts = 5
	// maxSubmitAttempts は回答送信がバージョン競合した場合の試行回数の上限。
	maxSubmitAttempts = 3

	defaultHostName  = "Host"
	defaultGuestName = "Guest"
)

// matchNamespace は決定レコードIDを導出するためのUUID名前空間。
var matchNamespace = uuid.MustParse("5b0f6c1e-2d7a-4f4e-9c61-8a3e0d9b7f21")

// Config はServiceの動作設定。
type Config struct {
	// BaseURL は参加URLの生成に使用する公開URL（末尾スラッシュなし）。
	BaseURL string
	// SessionTTL はセッション作成から有効期限までの期間。
	SessionTTL time.Duration
	// StorageTimeout はストア呼び出し1回あたりのタイムアウト。
	StorageTimeout time.Duration
	// Fallback はカタログで解決できない決定キーの提案取得関数。nilの場合は使用しない。
	Fallback vibe.Fallback
}

// Service はプランニングセッションのサービス層。
type Service struct {
	store     repository.Store
	tokens    token.Generator
	sanitizer security.TextSanitizerService
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config

	now   func() time.Time
	newID func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	store repository.Store,
	tokens token.Generator,
	sanitizer security.TextSanitizerService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = model.DefaultSessionTTL
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 3 * time.Second
	}
	return &Service{
		store:     store,
		tokens:    tokens,
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// CreateSessionInput はセッション作成の入力。
type CreateSessionInput struct {
	HostName          string
	DeviceFingerprint string
	Location          *string
	GroupSizeHint     *int
}

// CreateSessionResult はセッション作成の結果。
type CreateSessionResult struct {
	Session *model.Session
	Host    *model.Participant
	JoinURL string
}

// CreateSession は新しいセッションとホスト参加者を作成する。
// 招待トークンが衝突した場合は再生成する。
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (*CreateSessionResult, error) {
	if in.GroupSizeHint != nil && (*in.GroupSizeHint < MinGroupSize || *in.GroupSizeHint > MaxGroupSize) {
		return nil, model.NewValidationError(
			fmt.Sprintf("groupSizeHintは%dから%dの範囲で指定してください", MinGroupSize, MaxGroupSize))
	}
	fingerprint, err := normalizeFingerprint(in.DeviceFingerprint)
	if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	session := &model.Session{
		ID:            s.newID(),
		Status:        model.SessionStatusActive,
		CreatedAt:     now,
		ExpiresAt:     now + s.cfg.SessionTTL.Milliseconds(),
		Location:      s.cleanLocation(in.Location),
		GroupSizeHint: in.GroupSizeHint,
	}
	host := &model.Participant{
		ID:                s.newID(),
		SessionID:         session.ID,
		DisplayName:       s.cleanName(in.HostName, defaultHostName),
		DeviceFingerprint: fingerprint,
		IsHost:            true,
		State:             model.ParticipantStateJoined,
		TopVibes:          []string{},
		RawSwipes:         map[string]float64{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	for attempt := 1; ; attempt++ {
		tok, err := s.tokens.Generate()
		if err != nil {
			return nil, fmt.Errorf("招待トークンの生成に失敗しました: %w", err)
		}
		session.InviteToken = tok

		sctx, cancel := s.storageCtx(ctx)
		err = s.store.CreateSession(sctx, session, host)
		cancel()
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrDuplicateToken) {
			return nil, s.storageError("create_session", err)
		}
		s.logger.Warn("招待トークンが衝突したため再生成します",
			slog.Int("attempt", attempt),
		)
		if attempt >= maxTokenAttempts {
			return nil, fmt.Errorf("招待トークンを%d回生成しましたが一意になりませんでした", maxTokenAttempts)
		}
	}

	s.metrics.RecordSessionCreated()
	s.logger.Info("セッションを作成しました",
		slog.String("session_id", session.ID),
		slog.String("host_participant_id", host.ID),
	)

	return &CreateSessionResult{
		Session: session,
		Host:    host,
		JoinURL: s.joinURL(session.InviteToken),
	}, nil
}

// InviteView は招待トークンから参照できるセッション情報。
// 参加に必要な範囲のみを公開する。
type InviteView struct {
	SessionID string
	Status    model.SessionStatus
	ExpiresAt int64
}

// ResolveInvite は招待トークンに対応するセッションを返す。
func (s *Service) ResolveInvite(ctx context.Context, inviteToken string) (*InviteView, error) {
	session, err := s.sessionByToken(ctx, inviteToken)
	if err != nil {
		return nil, err
	}
	return &InviteView{
		SessionID: session.ID,
		Status:    session.EffectiveStatus(s.now().UnixMilli()),
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// JoinInput は参加時の入力。
type JoinInput struct {
	DisplayName       string
	DeviceFingerprint string
}

// JoinByToken は招待トークンで解決したセッションに参加者を追加する。
func (s *Service) JoinByToken(ctx context.Context, inviteToken string, in JoinInput) (*model.Participant, error) {
	session, err := s.sessionByToken(ctx, inviteToken)
	if err != nil {
		return nil, err
	}
	return s.addParticipant(ctx, session, in)
}

// AddParticipant はセッションにホスト以外の参加者を追加する。
// 期限切れのセッションには参加できない。
func (s *Service) AddParticipant(ctx context.Context, sessionID string, in JoinInput) (*model.Participant, error) {
	session, err := s.sessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.addParticipant(ctx, session, in)
}

func (s *Service) addParticipant(ctx context.Context, session *model.Session, in JoinInput) (*model.Participant, error) {
	now := s.now().UnixMilli()
	if session.IsExpired(now) {
		return nil, model.NewSessionExpiredError()
	}
	fingerprint, err := normalizeFingerprint(in.DeviceFingerprint)
	if err != nil {
		return nil, err
	}

	p := &model.Participant{
		ID:                s.newID(),
		SessionID:         session.ID,
		DisplayName:       s.cleanName(in.DisplayName, defaultGuestName),
		DeviceFingerprint: fingerprint,
		State:             model.ParticipantStateJoined,
		TopVibes:          []string{},
		RawSwipes:         map[string]float64{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	sctx, cancel := s.storageCtx(ctx)
	err = s.store.AddParticipant(sctx, p)
	cancel()
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewSessionNotFoundError(session.ID)
	}
	if err != nil {
		return nil, s.storageError("add_participant", err)
	}

	s.metrics.RecordJoin()
	s.logger.Info("参加者がセッションに参加しました",
		slog.String("session_id", session.ID),
		slog.String("participant_id", p.ID),
	)
	return p, nil
}

// MarkSwiping は参加者をjoinedからswipingへ進める。
// 既にswipingまたはcompletedの場合は何もしない。
func (s *Service) MarkSwiping(ctx context.Context, sessionID, participantID string) error {
	session, err := s.sessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.IsExpired(s.now().UnixMilli()) {
		return model.NewSessionExpiredError()
	}

	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		p, err := s.participant(ctx, sessionID, participantID)
		if err != nil {
			return err
		}
		if p.State != model.ParticipantStateJoined {
			return nil
		}

		expected := p.Version
		p.State = model.ParticipantStateSwiping
		p.UpdatedAt = s.touch(p.UpdatedAt)

		err = s.updateParticipant(ctx, p, expected)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		return err
	}
	return model.NewConcurrentUpdateError()
}

// SubmitResult は回答送信の結果。
type SubmitResult struct {
	Participant *model.Participant
	Outcome     *RecomputeResult
}

// SubmitPreferences は参加者の回答を保存してcompletedにし、決定を再計算する。
// 同じ参加者への同時送信はバージョン照合で直列化し、競合時は再試行する。
func (s *Service) SubmitPreferences(
	ctx context.Context,
	sessionID, participantID string,
	rawSwipes map[string]float64,
	topVibes []string,
) (*SubmitResult, error) {
	swipes, top, err := normalizePreferences(rawSwipes, topVibes)
	if err != nil {
		return nil, err
	}

	session, err := s.sessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsExpired(s.now().UnixMilli()) {
		return nil, model.NewSessionExpiredError()
	}

	var saved *model.Participant
	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		p, err := s.participant(ctx, sessionID, participantID)
		if err != nil {
			return nil, err
		}

		expected := p.Version
		if err := p.Advance(model.ParticipantStateCompleted); err != nil {
			return nil, fmt.Errorf("参加者の状態遷移に失敗しました: %w", err)
		}
		p.RawSwipes = swipes
		p.TopVibes = top
		p.UpdatedAt = s.touch(p.UpdatedAt)

		err = s.updateParticipant(ctx, p, expected)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.logger.Warn("回答送信がバージョン競合しました",
				slog.String("session_id", sessionID),
				slog.String("participant_id", participantID),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		saved = p
		break
	}
	if saved == nil {
		return nil, model.NewConcurrentUpdateError()
	}

	s.metrics.RecordSubmission()

	outcome, err := s.Recompute(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &SubmitResult{Participant: saved, Outcome: outcome}, nil
}

// RecomputeResult は再計算で得られた決定と公開条件。
type RecomputeResult struct {
	Decision    *model.MatchResult
	Provisional bool
	Final       bool
	Completed   int
	Total       int
	Suggestions []model.Suggestion
}

// Recompute は現在の参加者からグループの決定を算出し、決定レコードを置き換える。
// 参加者の保存内容のみに依存するため、間に書き込みがなければ同一のレコードを生成する。
// 決定がない場合はレコードを書き込まない。
func (s *Service) Recompute(ctx context.Context, sessionID string) (*RecomputeResult, error) {
	start := time.Now()

	session, err := s.sessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	participants, err := s.participants(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	d := vibe.Evaluate(participants)
	result := &RecomputeResult{
		Decision:    d.Result,
		Provisional: d.Provisional,
		Final:       d.Final,
		Completed:   d.Completed,
		Total:       d.Total,
		Suggestions: []model.Suggestion{},
	}
	s.metrics.RecordDecision(d.Provisional, d.Final)

	if d.Result == nil {
		s.metrics.RecordRecompute(time.Since(start))
		return result, nil
	}

	suggestions, err := s.suggestionsFor(ctx, d.Result.Key)
	if err != nil {
		return nil, err
	}
	result.Suggestions = suggestions

	record := &model.MatchRecord{
		ID:          MatchRecordID(sessionID),
		SessionID:   sessionID,
		GroupVibe:   *d.Result,
		Suggestions: suggestions,
		ComputedAt:  latestUpdate(participants),
	}
	sctx, cancel := s.storageCtx(ctx)
	err = s.store.UpsertMatch(sctx, record)
	cancel()
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewSessionNotFoundError(sessionID)
	}
	if err != nil {
		return nil, s.storageError("upsert_match", err)
	}

	if d.Final && session.Status == model.SessionStatusActive {
		sctx, cancel := s.storageCtx(ctx)
		err = s.store.UpdateSessionStatus(sctx, sessionID, model.SessionStatusMatched)
		cancel()
		switch {
		case err == nil, errors.Is(err, repository.ErrNotFound):
		case errors.Is(err, repository.ErrVersionConflict):
			// matchedへの遷移は一方向のため、競合した書き込みと結果は変わらない
			s.logger.Warn("セッション状態の更新が競合しました",
				slog.String("session_id", sessionID),
			)
		default:
			return nil, s.storageError("update_session_status", err)
		}
	}

	s.metrics.RecordRecompute(time.Since(start))
	s.logger.Info("グループの決定を再計算しました",
		slog.String("session_id", sessionID),
		slog.String("winning_key", d.Result.Key),
		slog.Float64("confidence", d.Result.Confidence),
		slog.Int("completed", d.Completed),
		slog.Int("total", d.Total),
		slog.Bool("provisional", d.Provisional),
		slog.Bool("final", d.Final),
	)
	return result, nil
}

// ParticipantView は状況表示用の参加者情報。
type ParticipantView struct {
	ID          string
	DisplayName string
	State       model.ParticipantState
	IsHost      bool
}

// Snapshot は表示用のセッション状況。
type Snapshot struct {
	SessionID        string
	Status           model.SessionStatus
	ExpiresAt        int64
	Participants     []ParticipantView
	Completed        int
	Total            int
	ProvisionalMatch *model.MatchResult
	FinalMatch       *model.MatchResult
	Suggestions      []model.Suggestion
}

// GetSnapshot はセッションの状況を返す。
// 暫定・最終の判定は保存済みの決定レコードではなく現在の参加者から算出する。
// 提案は保存済みレコードの決定キーが現在の決定と一致する場合のみ返す。
func (s *Service) GetSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	session, err := s.sessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	participants, err := s.participants(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	d := vibe.Evaluate(participants)
	snap := &Snapshot{
		SessionID:    session.ID,
		Status:       session.EffectiveStatus(s.now().UnixMilli()),
		ExpiresAt:    session.ExpiresAt,
		Participants: make([]ParticipantView, len(participants)),
		Completed:    d.Completed,
		Total:        d.Total,
	}
	for i, p := range participants {
		snap.Participants[i] = ParticipantView{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			State:       p.State,
			IsHost:      p.IsHost,
		}
	}
	if d.Result == nil {
		return snap, nil
	}

	if d.Provisional {
		m := *d.Result
		snap.ProvisionalMatch = &m
	}
	if d.Final {
		m := *d.Result
		snap.FinalMatch = &m
	}

	sctx, cancel := s.storageCtx(ctx)
	record, err := s.store.FindMatch(sctx, sessionID)
	cancel()
	if err != nil {
		return nil, s.storageError("find_match", err)
	}
	if record != nil && record.GroupVibe.Key == d.Result.Key {
		snap.Suggestions = record.Suggestions
	}

	return snap, nil
}

// InviteInfo はホストが共有する招待情報。
type InviteInfo struct {
	JoinURL     string
	InviteToken string
}

// GetInviteInfo はセッションの参加URLと招待トークンを返す。
func (s *Service) GetInviteInfo(ctx context.Context, sessionID string) (*InviteInfo, error) {
	session, err := s.sessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &InviteInfo{
		JoinURL:     s.joinURL(session.InviteToken),
		InviteToken: session.InviteToken,
	}, nil
}

// SeedCatalogue は提案カタログをストアに投入する。
func (s *Service) SeedCatalogue(ctx context.Context, entries []model.CatalogueEntry) error {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	if err := s.store.UpsertCatalogue(sctx, entries); err != nil {
		return fmt.Errorf("提案カタログの投入に失敗しました: %w", err)
	}
	s.logger.Info("提案カタログを投入しました", slog.Int("entries", len(entries)))
	return nil
}

// MatchRecordID はセッションIDから決定レコードIDを導出する。
func MatchRecordID(sessionID string) string {
	return uuid.NewSHA1(matchNamespace, []byte(sessionID)).String()
}

// suggestionsFor は決定キーに対する提案を解決する。
// フォールバックの失敗は提案なしとして扱う。
func (s *Service) suggestionsFor(ctx context.Context, key string) ([]model.Suggestion, error) {
	sctx, cancel := s.storageCtx(ctx)
	entries, err := s.store.ListCatalogue(sctx)
	cancel()
	if err != nil {
		return nil, s.storageError("list_catalogue", err)
	}

	usedFallback := false
	var fallback vibe.Fallback
	if s.cfg.Fallback != nil {
		fallback = func(ctx context.Context, key string) ([]model.Suggestion, error) {
			usedFallback = true
			return s.cfg.Fallback(ctx, key)
		}
	}

	suggestions, err := vibe.ResolveSuggestions(ctx, key, vibe.NewCatalogueMap(entries), fallback)
	if err != nil {
		s.logger.Warn("提案の外部取得に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordSuggestionSource("none")
		return []model.Suggestion{}, nil
	}

	switch {
	case len(suggestions) == 0:
		s.metrics.RecordSuggestionSource("none")
	case usedFallback:
		s.metrics.RecordSuggestionSource("fallback")
	default:
		s.metrics.RecordSuggestionSource("catalogue")
	}
	return suggestions, nil
}

func (s *Service) sessionByID(ctx context.Context, sessionID string) (*model.Session, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	session, err := s.store.FindSessionByID(sctx, sessionID)
	if err != nil {
		return nil, s.storageError("find_session", err)
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError(sessionID)
	}
	return session, nil
}

func (s *Service) sessionByToken(ctx context.Context, inviteToken string) (*model.Session, error) {
	if !token.Valid(inviteToken) {
		return nil, model.NewInviteNotFoundError()
	}
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	session, err := s.store.FindSessionByInviteToken(sctx, inviteToken)
	if err != nil {
		return nil, s.storageError("find_session_by_token", err)
	}
	if session == nil {
		return nil, model.NewInviteNotFoundError()
	}
	return session, nil
}

func (s *Service) participant(ctx context.Context, sessionID, participantID string) (*model.Participant, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	p, err := s.store.FindParticipant(sctx, sessionID, participantID)
	if err != nil {
		return nil, s.storageError("find_participant", err)
	}
	if p == nil {
		return nil, model.NewParticipantNotFoundError(participantID)
	}
	return p, nil
}

func (s *Service) participants(ctx context.Context, sessionID string) ([]*model.Participant, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	list, err := s.store.ListParticipants(sctx, sessionID)
	if err != nil {
		return nil, s.storageError("list_participants", err)
	}
	return list, nil
}

// updateParticipant はErrVersionConflictをそのまま返し、それ以外をAPIErrorに変換する。
func (s *Service) updateParticipant(ctx context.Context, p *model.Participant, expected int64) error {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	err := s.store.UpdateParticipant(sctx, p, expected)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrVersionConflict):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return model.NewParticipantNotFoundError(p.ID)
	default:
		return s.storageError("update_participant", err)
	}
}

func (s *Service) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StorageTimeout)
}

// storageError はストアのエラーを記録し、再試行可能なAPIErrorに変換する。
func (s *Service) storageError(op string, err error) error {
	s.metrics.RecordStorageError(op)
	s.logger.Error("ストレージ操作に失敗しました",
		slog.String("op", op),
		slog.String("backend", s.store.Backend()),
		slog.String("error", err.Error()),
	)
	return model.NewStorageError(fmt.Errorf("%s: %w", op, err))
}

// touch は更新時刻を返す。時計が戻っても前回の更新時刻より後になるようにする。
func (s *Service) touch(prev int64) int64 {
	now := s.now().UnixMilli()
	if now <= prev {
		return prev + 1
	}
	return now
}

func (s *Service) joinURL(inviteToken string) string {
	return s.cfg.BaseURL + "/join/" + inviteToken
}

func latestUpdate(participants []*model.Participant) int64 {
	var latest int64
	for _, p := range participants {
		if p.UpdatedAt > latest {
			latest = p.UpdatedAt
		}
	}
	return latest
}
