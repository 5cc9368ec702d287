package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/vibeplan/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// PostgresStore はPostgreSQLを使用したストア。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Backend は実装の識別名を返す。
func (s *PostgresStore) Backend() string { return BackendPostgres }

// Ping はデータベースへの疎通を確認する。
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateSession はセッションとホスト参加者を1トランザクションで作成する。
func (s *PostgresStore) CreateSession(ctx context.Context, session *model.Session, host *model.Participant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, invite_token, status, location, group_size_hint, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.InviteToken, string(session.Status),
		nullString(session.Location), nullInt(session.GroupSizeHint),
		timeOf(session.CreatedAt), timeOf(session.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err, "sessions_invite_token_key") {
			return ErrDuplicateToken
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	if host != nil {
		if err := insertParticipant(ctx, tx, host); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const selectSessionColumns = `SELECT id, invite_token, status, location, group_size_hint, created_at, expires_at FROM sessions`

func scanSession(row *sql.Row) (*model.Session, error) {
	var (
		session   model.Session
		status    string
		location  sql.NullString
		sizeHint  sql.NullInt64
		createdAt time.Time
		expiresAt time.Time
	)
	err := row.Scan(&session.ID, &session.InviteToken, &status, &location, &sizeHint, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	session.Status = model.SessionStatus(status)
	session.Location = stringPtr(location)
	session.GroupSizeHint = intPtr(sizeHint)
	session.CreatedAt = millisOf(createdAt)
	session.ExpiresAt = millisOf(expiresAt)
	return &session, nil
}

// FindSessionByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (s *PostgresStore) FindSessionByID(ctx context.Context, id string) (*model.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, selectSessionColumns+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) || isInvalidUUID(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// FindSessionByInviteToken は招待トークンでセッションを取得する。見つからない場合はnilを返す。
func (s *PostgresStore) FindSessionByInviteToken(ctx context.Context, token string) (*model.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, selectSessionColumns+` WHERE invite_token = $1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session by invite token: %w", err)
	}
	return session, nil
}

// UpdateSessionStatus はセッションの状態を更新する。
func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2 WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return requireAffected(result)
}

// PurgeExpiredSessions は期限切れのセッションを削除する。
// 参加者と決定レコードはCASCADE削除される。
func (s *PostgresStore) PurgeExpiredSessions(ctx context.Context, beforeMillis int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < $1`,
		timeOf(beforeMillis),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// execer は*sql.DBと*sql.Txの共通インターフェース。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertParticipant(ctx context.Context, db execer, p *model.Participant) error {
	topVibes, err := encodeTopVibes(p.TopVibes)
	if err != nil {
		return err
	}
	rawSwipes, err := encodeRawSwipes(p.RawSwipes)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO participants (id, session_id, display_name, device_fingerprint, is_host,
		                           state, top_vibes, raw_swipes, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.SessionID, p.DisplayName, p.DeviceFingerprint, p.IsHost,
		string(p.State), topVibes, rawSwipes, p.Version,
		timeOf(p.CreatedAt), timeOf(p.UpdatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to insert participant: %w", err)
	}
	return nil
}

// AddParticipant は参加者を追加する。
func (s *PostgresStore) AddParticipant(ctx context.Context, participant *model.Participant) error {
	return insertParticipant(ctx, s.db, participant)
}

const selectParticipantColumns = `SELECT id, session_id, display_name, device_fingerprint, is_host,
	state, top_vibes, raw_swipes, version, created_at, updated_at FROM participants`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (*model.Participant, error) {
	var (
		p         model.Participant
		state     string
		topVibes  []byte
		rawSwipes []byte
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(&p.ID, &p.SessionID, &p.DisplayName, &p.DeviceFingerprint, &p.IsHost,
		&state, &topVibes, &rawSwipes, &p.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.State = model.ParticipantState(state)
	if p.TopVibes, err = decodeTopVibes(topVibes); err != nil {
		return nil, err
	}
	if p.RawSwipes, err = decodeRawSwipes(rawSwipes); err != nil {
		return nil, err
	}
	p.CreatedAt = millisOf(createdAt)
	p.UpdatedAt = millisOf(updatedAt)
	return &p, nil
}

// FindParticipant はセッションIDと参加者IDで参加者を取得する。見つからない場合はnilを返す。
func (s *PostgresStore) FindParticipant(ctx context.Context, sessionID, participantID string) (*model.Participant, error) {
	p, err := scanParticipant(s.db.QueryRowContext(ctx,
		selectParticipantColumns+` WHERE id = $1 AND session_id = $2`,
		participantID, sessionID,
	))
	if errors.Is(err, sql.ErrNoRows) || isInvalidUUID(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find participant: %w", err)
	}
	return p, nil
}

// ListParticipants はセッションの参加者を参加順で返す。
func (s *PostgresStore) ListParticipants(ctx context.Context, sessionID string) ([]*model.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		selectParticipantColumns+` WHERE session_id = $1 ORDER BY created_at, id`,
		sessionID,
	)
	if isInvalidUUID(err) {
		return []*model.Participant{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	participants := []*model.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participants: %w", err)
	}
	return participants, nil
}

// UpdateParticipant はversion列が一致する場合のみ参加者を更新する。
func (s *PostgresStore) UpdateParticipant(ctx context.Context, participant *model.Participant, expectedVersion int64) error {
	topVibes, err := encodeTopVibes(participant.TopVibes)
	if err != nil {
		return err
	}
	rawSwipes, err := encodeRawSwipes(participant.RawSwipes)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE participants
		 SET display_name = $3, device_fingerprint = $4, state = $5,
		     top_vibes = $6, raw_swipes = $7, updated_at = $8, version = version + 1
		 WHERE id = $1 AND session_id = $2 AND version = $9`,
		participant.ID, participant.SessionID, participant.DisplayName, participant.DeviceFingerprint,
		string(participant.State), topVibes, rawSwipes, timeOf(participant.UpdatedAt),
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		// 行が存在するかでバージョン不一致と未存在を区別する
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM participants WHERE id = $1 AND session_id = $2)`,
			participant.ID, participant.SessionID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check participant: %w", err)
		}
		if exists {
			return ErrVersionConflict
		}
		return ErrNotFound
	}

	participant.Version = expectedVersion + 1
	return nil
}

// UpsertMatch はセッションの決定レコードを作成または置換する。
func (s *PostgresStore) UpsertMatch(ctx context.Context, record *model.MatchRecord) error {
	groupVibe, err := json.Marshal(record.GroupVibe)
	if err != nil {
		return fmt.Errorf("failed to encode group vibe: %w", err)
	}
	suggestions, err := encodeSuggestions(record.Suggestions)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO matches (id, session_id, group_vibe, suggestions, computed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO UPDATE
		 SET id = EXCLUDED.id, group_vibe = EXCLUDED.group_vibe,
		     suggestions = EXCLUDED.suggestions, computed_at = EXCLUDED.computed_at`,
		record.ID, record.SessionID, groupVibe, suggestions, timeOf(record.ComputedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to upsert match: %w", err)
	}
	return nil
}

// FindMatch はセッションの決定レコードを取得する。見つからない場合はnilを返す。
func (s *PostgresStore) FindMatch(ctx context.Context, sessionID string) (*model.MatchRecord, error) {
	var (
		record      model.MatchRecord
		groupVibe   []byte
		suggestions []byte
		computedAt  time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, group_vibe, suggestions, computed_at FROM matches WHERE session_id = $1`,
		sessionID,
	).Scan(&record.ID, &record.SessionID, &groupVibe, &suggestions, &computedAt)
	if errors.Is(err, sql.ErrNoRows) || isInvalidUUID(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find match: %w", err)
	}

	if err := json.Unmarshal(groupVibe, &record.GroupVibe); err != nil {
		return nil, fmt.Errorf("failed to decode group vibe: %w", err)
	}
	if record.Suggestions, err = decodeSuggestions(suggestions); err != nil {
		return nil, err
	}
	record.ComputedAt = millisOf(computedAt)
	return &record, nil
}

// ListCatalogue はカタログの全エントリをcomboKey順で返す。
func (s *PostgresStore) ListCatalogue(ctx context.Context) ([]model.CatalogueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT combo_key, items FROM recommendations ORDER BY combo_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalogue: %w", err)
	}
	defer rows.Close()

	entries := []model.CatalogueEntry{}
	for rows.Next() {
		var (
			entry model.CatalogueEntry
			items []byte
		)
		if err := rows.Scan(&entry.ComboKey, &items); err != nil {
			return nil, fmt.Errorf("failed to scan catalogue entry: %w", err)
		}
		if entry.Items, err = decodeSuggestions(items); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate catalogue: %w", err)
	}
	return entries, nil
}

// UpsertCatalogue はカタログエントリを1トランザクションで投入する。
func (s *PostgresStore) UpsertCatalogue(ctx context.Context, entries []model.CatalogueEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range entries {
		items, err := encodeSuggestions(e.Items)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO recommendations (combo_key, items, updated_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (combo_key) DO UPDATE
			 SET items = EXCLUDED.items, updated_at = EXCLUDED.updated_at`,
			e.ComboKey, items, now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert catalogue entry %q: %w", e.ComboKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == uniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation"
}

// isInvalidUUID はUUID列に不正な文字列を渡した場合のエラーかを返す。
// 外部から渡されたIDは未存在として扱う。
func isInvalidUUID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "invalid_text_representation"
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
