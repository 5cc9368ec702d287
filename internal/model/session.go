package model

import (
	"fmt"
	"time"
)

// SessionStatus はプランニングセッションの状態を表す。
type SessionStatus string

const (
	// SessionStatusActive は参加・回答を受け付けている状態。
	SessionStatusActive SessionStatus = "active"
	// SessionStatusMatched はグループの決定が確定した状態。
	SessionStatusMatched SessionStatus = "matched"
	// SessionStatusExpired は有効期限を過ぎた状態。読み取り時に遅延判定する。
	SessionStatusExpired SessionStatus = "expired"
)

// ParticipantState は参加者の進行状態を表す。
// joined → swiping → completed の前進のみを許可する。
type ParticipantState string

const (
	// ParticipantStateJoined はセッションに参加した直後の状態。
	ParticipantStateJoined ParticipantState = "joined"
	// ParticipantStateSwiping はスワイプ中であることを示す任意の状態。
	ParticipantStateSwiping ParticipantState = "swiping"
	// ParticipantStateCompleted は回答を送信済みの終端状態。
	ParticipantStateCompleted ParticipantState = "completed"
)

// DefaultSessionTTL はセッション作成から有効期限までの期間。
const DefaultSessionTTL = 48 * time.Hour

// MaxTopVibes は参加者1人あたりの上位候補の最大数。
const MaxTopVibes = 3

// Session はプランニングセッションを表す。
// 時刻フィールドはエポックミリ秒で保持する。
type Session struct {
	ID            string
	InviteToken   string
	Status        SessionStatus
	CreatedAt     int64
	ExpiresAt     int64
	Location      *string
	GroupSizeHint *int
}

// EffectiveStatus は現在時刻を考慮したセッション状態を返す。
// 期限切れは保存値を書き換えずに読み取り時に判定する。
func (s *Session) EffectiveStatus(nowMillis int64) SessionStatus {
	if s.Status == SessionStatusExpired || nowMillis >= s.ExpiresAt {
		return SessionStatusExpired
	}
	return s.Status
}

// IsExpired は現在時刻でセッションが期限切れかを返す。
func (s *Session) IsExpired(nowMillis int64) bool {
	return s.EffectiveStatus(nowMillis) == SessionStatusExpired
}

// Participant はセッションの参加者を表す。
// Versionは楽観的排他制御に使用し、更新成功ごとに1ずつ増加する。
type Participant struct {
	ID                string
	SessionID         string
	DisplayName       string
	DeviceFingerprint string
	IsHost            bool
	State             ParticipantState
	TopVibes          []string
	RawSwipes         map[string]float64
	Version           int64
	CreatedAt         int64
	UpdatedAt         int64
}

// IsCompleted は参加者が回答済みかを返す。
func (p *Participant) IsCompleted() bool {
	return p.State == ParticipantStateCompleted
}

// HasTopVibes は集計対象となる上位候補を持つかを返す。
func (p *Participant) HasTopVibes() bool {
	return len(p.TopVibes) > 0
}

// Clone は参加者のディープコピーを返す。
func (p *Participant) Clone() *Participant {
	c := *p
	if p.TopVibes != nil {
		c.TopVibes = append([]string(nil), p.TopVibes...)
	}
	if p.RawSwipes != nil {
		c.RawSwipes = make(map[string]float64, len(p.RawSwipes))
		for k, v := range p.RawSwipes {
			c.RawSwipes[k] = v
		}
	}
	return &c
}

// stateRank は状態遷移の順序。
var stateRank = map[ParticipantState]int{
	ParticipantStateJoined:    0,
	ParticipantStateSwiping:   1,
	ParticipantStateCompleted: 2,
}

// CanAdvance はfromからtoへの遷移が許可されるかを返す。
// 同一状態への遷移は許可する（completedでの再送信を含む）。
func CanAdvance(from, to ParticipantState) bool {
	fr, ok := stateRank[from]
	if !ok {
		return false
	}
	tr, ok := stateRank[to]
	if !ok {
		return false
	}
	return tr >= fr
}

// Advance は参加者の状態をtoへ進める。後退する遷移はエラーを返す。
func (p *Participant) Advance(to ParticipantState) error {
	if !CanAdvance(p.State, to) {
		return fmt.Errorf("invalid participant transition: %s -> %s", p.State, to)
	}
	p.State = to
	return nil
}

// MillisOf はtime.Timeをエポックミリ秒に変換する。
func MillisOf(t time.Time) int64 {
	return t.UnixMilli()
}

// TimeOf はエポックミリ秒をUTCのtime.Timeに変換する。
func TimeOf(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
