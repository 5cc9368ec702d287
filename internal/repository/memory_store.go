package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/hitoshi/vibeplan/internal/model"
)

// memorySession はセッション単位のデータと排他制御をまとめたもの。
type memorySession struct {
	mu           sync.Mutex
	session      *model.Session
	participants map[string]*model.Participant
	order        []string
	match        *model.MatchRecord
}

// MemoryStore はプロセス内メモリを使用したストア。
// 永続化は行わず、プロセス終了とともにデータは失われる。
// 読み書きとも値をコピーし、呼び出し元と内部状態を共有しない。
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*memorySession
	tokens    map[string]string
	catalogue map[string]model.CatalogueEntry
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*memorySession),
		tokens:    make(map[string]string),
		catalogue: make(map[string]model.CatalogueEntry),
	}
}

// Backend は実装の識別名を返す。
func (s *MemoryStore) Backend() string { return BackendMemory }

// Ping は常に成功する。
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close は何もしない。
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) bucket(sessionID string) *memorySession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// CreateSession はセッションとホスト参加者を作成する。
func (s *MemoryStore) CreateSession(ctx context.Context, session *model.Session, host *model.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[session.InviteToken]; exists {
		return ErrDuplicateToken
	}

	b := &memorySession{
		session:      cloneSession(session),
		participants: make(map[string]*model.Participant),
	}
	if host != nil {
		b.participants[host.ID] = host.Clone()
		b.order = append(b.order, host.ID)
	}
	s.sessions[session.ID] = b
	s.tokens[session.InviteToken] = session.ID
	return nil
}

// FindSessionByID は指定IDのセッションを取得する。
func (s *MemoryStore) FindSessionByID(ctx context.Context, id string) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := s.bucket(id)
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneSession(b.session), nil
}

// FindSessionByInviteToken は招待トークンでセッションを取得する。
func (s *MemoryStore) FindSessionByInviteToken(ctx context.Context, token string) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	id, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.FindSessionByID(ctx, id)
}

// UpdateSessionStatus はセッションの状態を更新する。
func (s *MemoryStore) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.bucket(id)
	if b == nil {
		return ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session.Status = status
	return nil
}

// PurgeExpiredSessions は期限切れのセッションを削除する。
func (s *MemoryStore) PurgeExpiredSessions(ctx context.Context, beforeMillis int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, b := range s.sessions {
		b.mu.Lock()
		expired := b.session.ExpiresAt < beforeMillis
		token := b.session.InviteToken
		b.mu.Unlock()
		if !expired {
			continue
		}
		delete(s.sessions, id)
		delete(s.tokens, token)
		deleted++
	}
	return deleted, nil
}

// AddParticipant は参加者を追加する。
func (s *MemoryStore) AddParticipant(ctx context.Context, participant *model.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.bucket(participant.SessionID)
	if b == nil {
		return ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.participants[participant.ID]; !exists {
		b.order = append(b.order, participant.ID)
	}
	b.participants[participant.ID] = participant.Clone()
	return nil
}

// FindParticipant はセッションIDと参加者IDで参加者を取得する。
func (s *MemoryStore) FindParticipant(ctx context.Context, sessionID, participantID string) (*model.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := s.bucket(sessionID)
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.participants[participantID]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

// ListParticipants はセッションの参加者を参加順で返す。
func (s *MemoryStore) ListParticipants(ctx context.Context, sessionID string) ([]*model.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := s.bucket(sessionID)
	if b == nil {
		return []*model.Participant{}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*model.Participant, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.participants[id].Clone())
	}
	return out, nil
}

// UpdateParticipant はバージョンが一致する場合のみ参加者を更新する。
func (s *MemoryStore) UpdateParticipant(ctx context.Context, participant *model.Participant, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.bucket(participant.SessionID)
	if b == nil {
		return ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.participants[participant.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	participant.Version = expectedVersion + 1
	b.participants[participant.ID] = participant.Clone()
	return nil
}

// UpsertMatch はセッションの決定レコードを作成または置換する。
func (s *MemoryStore) UpsertMatch(ctx context.Context, record *model.MatchRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.bucket(record.SessionID)
	if b == nil {
		return ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.match = cloneMatch(record)
	return nil
}

// FindMatch はセッションの決定レコードを取得する。
func (s *MemoryStore) FindMatch(ctx context.Context, sessionID string) (*model.MatchRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := s.bucket(sessionID)
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.match == nil {
		return nil, nil
	}
	return cloneMatch(b.match), nil
}

// ListCatalogue はカタログの全エントリをcomboKey順で返す。
func (s *MemoryStore) ListCatalogue(ctx context.Context) ([]model.CatalogueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.CatalogueEntry, 0, len(s.catalogue))
	for _, e := range s.catalogue {
		out = append(out, model.CatalogueEntry{
			ComboKey: e.ComboKey,
			Items:    append([]model.Suggestion{}, e.Items...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComboKey < out[j].ComboKey })
	return out, nil
}

// UpsertCatalogue はカタログエントリを投入する。
func (s *MemoryStore) UpsertCatalogue(ctx context.Context, entries []model.CatalogueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.catalogue[e.ComboKey] = model.CatalogueEntry{
			ComboKey: e.ComboKey,
			Items:    append([]model.Suggestion{}, e.Items...),
		}
	}
	return nil
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
