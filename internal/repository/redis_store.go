package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/vibeplan/internal/model"
)

// DefaultRedisPrefix はRedisキーのデフォルトの接頭辞。
const DefaultRedisPrefix = "vibeplan:"

// maxStatusAttempts はセッション状態の更新がWATCHで中断された場合の試行回数の上限。
const maxStatusAttempts = 3

// RedisStore はRedisを使用したストア。
//
// キー構成:
//
//	{prefix}session:{id}            セッションのJSON
//	{prefix}token:{token}           セッションID（SETNXで一意性を保証）
//	{prefix}participants:{id}       参加者IDのソート済みセット（スコアは参加時刻）
//	{prefix}participant:{id}:{pid}  参加者のJSON（参加者ごとに独立して更新する）
//	{prefix}match:{id}              決定レコードのJSON
//	{prefix}catalogue               comboKey -> 提案JSON のハッシュ
//
// セッションに属するキーはexpiresAt+retentionで失効するため、
// PurgeExpiredSessionsで削除するものはない。
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisStore はRedisStoreを生成する。prefixが空の場合はDefaultRedisPrefixを使用する。
func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

// Backend は実装の識別名を返す。
func (s *RedisStore) Backend() string { return BackendRedis }

// Ping はRedisへの疎通を確認する。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close はRedis接続を閉じる。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) sessionKey(id string) string      { return s.prefix + "session:" + id }
func (s *RedisStore) tokenKey(token string) string     { return s.prefix + "token:" + token }
func (s *RedisStore) participantsKey(id string) string { return s.prefix + "participants:" + id }
func (s *RedisStore) participantKey(sessionID, participantID string) string {
	return s.prefix + "participant:" + sessionID + ":" + participantID
}
func (s *RedisStore) matchKey(id string) string        { return s.prefix + "match:" + id }
func (s *RedisStore) catalogueKey() string             { return s.prefix + "catalogue" }

// expireAt はセッションに属するキーの失効時刻を返す。
func (s *RedisStore) expireAt(session *model.Session) time.Time {
	return model.TimeOf(session.ExpiresAt).Add(s.retention)
}

// CreateSession はセッションとホスト参加者を作成する。
func (s *RedisStore) CreateSession(ctx context.Context, session *model.Session, host *model.Participant) error {
	expireAt := s.expireAt(session)
	ttl := time.Until(expireAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	ok, err := s.client.SetNX(ctx, s.tokenKey(session.InviteToken), session.ID, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve invite token: %w", err)
	}
	if !ok {
		return ErrDuplicateToken
	}

	sessionJSON, err := json.Marshal(toSessionRecord(session))
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(session.ID), sessionJSON, 0)
		pipe.PExpireAt(ctx, s.sessionKey(session.ID), expireAt)
		if host != nil {
			hostJSON, err := json.Marshal(toParticipantRecord(host))
			if err != nil {
				return fmt.Errorf("failed to encode participant: %w", err)
			}
			s.queueParticipant(ctx, pipe, host, hostJSON, expireAt)
		}
		return nil
	})
	if err != nil {
		// トークンの予約を取り消す
		s.client.Del(context.WithoutCancel(ctx), s.tokenKey(session.InviteToken))
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *RedisStore) getSession(ctx context.Context, client redis.Cmdable, id string) (*model.Session, error) {
	data, err := client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return rec.toModel(), nil
}

// FindSessionByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (s *RedisStore) FindSessionByID(ctx context.Context, id string) (*model.Session, error) {
	return s.getSession(ctx, s.client, id)
}

// FindSessionByInviteToken は招待トークンでセッションを取得する。見つからない場合はnilを返す。
func (s *RedisStore) FindSessionByInviteToken(ctx context.Context, token string) (*model.Session, error) {
	id, err := s.client.Get(ctx, s.tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session by invite token: %w", err)
	}
	return s.getSession(ctx, s.client, id)
}

// UpdateSessionStatus はセッションの状態を更新する。
// 既に同じ状態の場合は書き込まない。WATCH中に他の書き込みが入った場合は読み直して再試行する。
func (s *RedisStore) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus) error {
	key := s.sessionKey(id)
	update := func(tx *redis.Tx) error {
		session, err := s.getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if session == nil {
			return ErrNotFound
		}
		if session.Status == status {
			return nil
		}
		session.Status = status
		data, err := json.Marshal(toSessionRecord(session))
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		err := s.client.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrVersionConflict
}

// PurgeExpiredSessions はキーの失効に任せるため何もしない。
func (s *RedisStore) PurgeExpiredSessions(ctx context.Context, beforeMillis int64) (int64, error) {
	return 0, nil
}

// AddParticipant は参加者を追加する。
func (s *RedisStore) AddParticipant(ctx context.Context, participant *model.Participant) error {
	session, err := s.getSession(ctx, s.client, participant.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrNotFound
	}

	data, err := json.Marshal(toParticipantRecord(participant))
	if err != nil {
		return fmt.Errorf("failed to encode participant: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueParticipant(ctx, pipe, participant, data, s.expireAt(session))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// queueParticipant は参加者の保存と参加順セットへの登録をパイプラインに積む。
func (s *RedisStore) queueParticipant(ctx context.Context, pipe redis.Pipeliner, p *model.Participant, data []byte, expireAt time.Time) {
	key := s.participantKey(p.SessionID, p.ID)
	pipe.Set(ctx, key, data, 0)
	pipe.PExpireAt(ctx, key, expireAt)

	setKey := s.participantsKey(p.SessionID)
	pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(p.CreatedAt), Member: p.ID})
	pipe.PExpireAt(ctx, setKey, expireAt)
}

func decodeParticipant(data []byte) (*model.Participant, error) {
	var rec participantRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode participant: %w", err)
	}
	return rec.toModel(), nil
}

func (s *RedisStore) getParticipant(ctx context.Context, client redis.Cmdable, sessionID, participantID string) (*model.Participant, error) {
	data, err := client.Get(ctx, s.participantKey(sessionID, participantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find participant: %w", err)
	}
	return decodeParticipant(data)
}

// FindParticipant はセッションIDと参加者IDで参加者を取得する。見つからない場合はnilを返す。
func (s *RedisStore) FindParticipant(ctx context.Context, sessionID, participantID string) (*model.Participant, error) {
	return s.getParticipant(ctx, s.client, sessionID, participantID)
}

// ListParticipants はセッションの参加者を参加順で返す。
func (s *RedisStore) ListParticipants(ctx context.Context, sessionID string) ([]*model.Participant, error) {
	ids, err := s.client.ZRange(ctx, s.participantsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	if len(ids) == 0 {
		return []*model.Participant{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.participantKey(sessionID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	participants := make([]*model.Participant, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// セットにだけ残ったID
			continue
		}
		p, err := decodeParticipant([]byte(str))
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	sortParticipants(participants)
	return participants, nil
}

// sortParticipants は参加者を参加時刻順（同時刻はID順）に並べる。
func sortParticipants(participants []*model.Participant) {
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].CreatedAt != participants[j].CreatedAt {
			return participants[i].CreatedAt < participants[j].CreatedAt
		}
		return participants[i].ID < participants[j].ID
	})
}

// UpdateParticipant はWATCHで対象参加者のキーだけを監視し、バージョンが一致する場合のみ更新する。
// 同じ参加者への更新が監視中に入った場合もErrVersionConflictを返す。他の参加者の更新とは競合しない。
func (s *RedisStore) UpdateParticipant(ctx context.Context, participant *model.Participant, expectedVersion int64) error {
	key := s.participantKey(participant.SessionID, participant.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.getParticipant(ctx, tx, participant.SessionID, participant.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		if current.Version != expectedVersion {
			return ErrVersionConflict
		}

		next := participant.Clone()
		next.Version = expectedVersion + 1
		data, err := json.Marshal(toParticipantRecord(next))
		if err != nil {
			return fmt.Errorf("failed to encode participant: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}

	participant.Version = expectedVersion + 1
	return nil
}

// UpsertMatch はセッションの決定レコードを作成または置換する。
func (s *RedisStore) UpsertMatch(ctx context.Context, record *model.MatchRecord) error {
	session, err := s.getSession(ctx, s.client, record.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrNotFound
	}

	data, err := json.Marshal(toMatchRecord(record))
	if err != nil {
		return fmt.Errorf("failed to encode match: %w", err)
	}

	key := s.matchKey(record.SessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.PExpireAt(ctx, key, s.expireAt(session))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert match: %w", err)
	}
	return nil
}

// FindMatch はセッションの決定レコードを取得する。見つからない場合はnilを返す。
func (s *RedisStore) FindMatch(ctx context.Context, sessionID string) (*model.MatchRecord, error) {
	data, err := s.client.Get(ctx, s.matchKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find match: %w", err)
	}
	var rec matchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode match: %w", err)
	}
	return rec.toModel(), nil
}

// ListCatalogue はカタログの全エントリをcomboKey順で返す。
func (s *RedisStore) ListCatalogue(ctx context.Context) ([]model.CatalogueEntry, error) {
	values, err := s.client.HGetAll(ctx, s.catalogueKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list catalogue: %w", err)
	}

	entries := make([]model.CatalogueEntry, 0, len(values))
	for key, v := range values {
		items, err := decodeSuggestions([]byte(v))
		if err != nil {
			return nil, err
		}
		entries = append(entries, model.CatalogueEntry{ComboKey: key, Items: items})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ComboKey < entries[j].ComboKey })
	return entries, nil
}

// UpsertCatalogue はカタログエントリを投入する。
func (s *RedisStore) UpsertCatalogue(ctx context.Context, entries []model.CatalogueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	fields := make([]any, 0, len(entries)*2)
	for _, e := range entries {
		items, err := encodeSuggestions(e.Items)
		if err != nil {
			return err
		}
		fields = append(fields, e.ComboKey, items)
	}
	if err := s.client.HSet(ctx, s.catalogueKey(), fields...).Err(); err != nil {
		return fmt.Errorf("failed to upsert catalogue: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Store = (*RedisStore)(nil)
