// Package repository はデータ永続化のインターフェースと、
// PostgreSQL・Redis・プロセス内メモリの3種類の実装を提供する。
// どの実装も同一プロセス内での read-after-write を保証する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/vibeplan/internal/model"
)

var (
	// ErrNotFound は更新対象が存在しない場合のエラー。
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicateToken は招待トークンが既存セッションと衝突した場合のエラー。
	ErrDuplicateToken = errors.New("repository: duplicate invite token")
	// ErrVersionConflict は参加者のバージョンが期待値と一致しない、
	// または同時書き込みにより更新を確定できなかった場合のエラー。
	ErrVersionConflict = errors.New("repository: version conflict")
)

// SessionRepository はセッションの永続化インターフェース。
type SessionRepository interface {
	// CreateSession はセッションとホスト参加者を原子的に作成する。
	// 招待トークンが衝突した場合はErrDuplicateTokenを返す。
	CreateSession(ctx context.Context, session *model.Session, host *model.Participant) error

	// FindSessionByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	FindSessionByID(ctx context.Context, id string) (*model.Session, error)

	// FindSessionByInviteToken は招待トークンでセッションを取得する。見つからない場合はnilを返す。
	FindSessionByInviteToken(ctx context.Context, token string) (*model.Session, error)

	// UpdateSessionStatus はセッションの状態を更新する。
	UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus) error

	// PurgeExpiredSessions はexpiresAtがbeforeMillisより前のセッションを
	// 参加者・決定レコードごと削除し、削除件数を返す。
	PurgeExpiredSessions(ctx context.Context, beforeMillis int64) (int64, error)
}

// ParticipantRepository は参加者の永続化インターフェース。
type ParticipantRepository interface {
	// AddParticipant は参加者を追加する。
	AddParticipant(ctx context.Context, participant *model.Participant) error

	// FindParticipant はセッションIDと参加者IDで参加者を取得する。
	// 参加者が別セッションに属する場合も含め、見つからない場合はnilを返す。
	FindParticipant(ctx context.Context, sessionID, participantID string) (*model.Participant, error)

	// ListParticipants はセッションの参加者を参加順で返す。
	ListParticipants(ctx context.Context, sessionID string) ([]*model.Participant, error)

	// UpdateParticipant は保存済みのVersionがexpectedVersionと一致する場合のみ参加者を更新する。
	// 成功時はparticipant.VersionをexpectedVersion+1に設定する。
	// 一致しない場合はErrVersionConflict、存在しない場合はErrNotFoundを返す。
	UpdateParticipant(ctx context.Context, participant *model.Participant, expectedVersion int64) error
}

// MatchRepository は決定レコードの永続化インターフェース。
type MatchRepository interface {
	// UpsertMatch はセッションの決定レコードを作成または置換する。
	UpsertMatch(ctx context.Context, record *model.MatchRecord) error

	// FindMatch はセッションの現在の決定レコードを取得する。見つからない場合はnilを返す。
	FindMatch(ctx context.Context, sessionID string) (*model.MatchRecord, error)
}

// CatalogueRepository は提案カタログ（参照データ）の永続化インターフェース。
type CatalogueRepository interface {
	// ListCatalogue はカタログの全エントリを返す。
	ListCatalogue(ctx context.Context) ([]model.CatalogueEntry, error)

	// UpsertCatalogue はカタログエントリを投入する。同じcomboKeyは置き換える。
	UpsertCatalogue(ctx context.Context, entries []model.CatalogueEntry) error
}

// Store はエンジンが利用するストレージの統一インターフェース。
// 起動時に1つの実装が選択され、リクエスト途中で切り替えることはない。
type Store interface {
	SessionRepository
	ParticipantRepository
	MatchRepository
	CatalogueRepository

	// Backend は実装の識別名（postgres, redis, memory）を返す。
	Backend() string
	// Ping はバックエンドへの疎通を確認する。
	Ping(ctx context.Context) error
	// Close は保持している接続を解放する。
	Close() error
}

// バックエンド識別名
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)
