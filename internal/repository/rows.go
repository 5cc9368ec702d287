package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/vibeplan/internal/model"
)

// 各バックエンドで共有する行データ変換ヘルパー。
// JSONB列とRedisの値は同じエンコードを使う。

func encodeTopVibes(v []string) ([]byte, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode top vibes: %w", err)
	}
	return b, nil
}

func decodeTopVibes(b []byte) ([]string, error) {
	v := []string{}
	if len(b) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("failed to decode top vibes: %w", err)
	}
	return v, nil
}

func encodeRawSwipes(v map[string]float64) ([]byte, error) {
	if v == nil {
		v = map[string]float64{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw swipes: %w", err)
	}
	return b, nil
}

func decodeRawSwipes(b []byte) (map[string]float64, error) {
	v := map[string]float64{}
	if len(b) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("failed to decode raw swipes: %w", err)
	}
	return v, nil
}

func encodeSuggestions(v []model.Suggestion) ([]byte, error) {
	if v == nil {
		v = []model.Suggestion{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode suggestions: %w", err)
	}
	return b, nil
}

func decodeSuggestions(b []byte) ([]model.Suggestion, error) {
	v := []model.Suggestion{}
	if len(b) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("failed to decode suggestions: %w", err)
	}
	return v, nil
}

// timeOf はエポックミリ秒をDBに書き込むtime.Timeに変換する。
func timeOf(ms int64) time.Time {
	return model.TimeOf(ms)
}

// millisOf はDBから読み込んだtime.Timeをエポックミリ秒に変換する。
func millisOf(t time.Time) int64 {
	return model.MillisOf(t)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	i := int(ni.Int64)
	return &i
}

// sessionRecord はRedisに保存するセッションのJSON表現。
type sessionRecord struct {
	ID            string  `json:"id"`
	InviteToken   string  `json:"inviteToken"`
	Status        string  `json:"status"`
	CreatedAt     int64   `json:"createdAt"`
	ExpiresAt     int64   `json:"expiresAt"`
	Location      *string `json:"location,omitempty"`
	GroupSizeHint *int    `json:"groupSizeHint,omitempty"`
}

func toSessionRecord(s *model.Session) sessionRecord {
	return sessionRecord{
		ID:            s.ID,
		InviteToken:   s.InviteToken,
		Status:        string(s.Status),
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
		Location:      s.Location,
		GroupSizeHint: s.GroupSizeHint,
	}
}

func (r sessionRecord) toModel() *model.Session {
	return &model.Session{
		ID:            r.ID,
		InviteToken:   r.InviteToken,
		Status:        model.SessionStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		Location:      r.Location,
		GroupSizeHint: r.GroupSizeHint,
	}
}

// participantRecord はRedisに保存する参加者のJSON表現。
type participantRecord struct {
	ID                string             `json:"id"`
	SessionID         string             `json:"sessionId"`
	DisplayName       string             `json:"displayName"`
	DeviceFingerprint string             `json:"deviceFingerprint"`
	IsHost            bool               `json:"isHost"`
	State             string             `json:"state"`
	TopVibes          []string           `json:"topVibes"`
	RawSwipes         map[string]float64 `json:"rawSwipes"`
	Version           int64              `json:"version"`
	CreatedAt         int64              `json:"createdAt"`
	UpdatedAt         int64              `json:"updatedAt"`
}

func toParticipantRecord(p *model.Participant) participantRecord {
	c := p.Clone()
	if c.TopVibes == nil {
		c.TopVibes = []string{}
	}
	if c.RawSwipes == nil {
		c.RawSwipes = map[string]float64{}
	}
	return participantRecord{
		ID:                c.ID,
		SessionID:         c.SessionID,
		DisplayName:       c.DisplayName,
		DeviceFingerprint: c.DeviceFingerprint,
		IsHost:            c.IsHost,
		State:             string(c.State),
		TopVibes:          c.TopVibes,
		RawSwipes:         c.RawSwipes,
		Version:           c.Version,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func (r participantRecord) toModel() *model.Participant {
	p := &model.Participant{
		ID:                r.ID,
		SessionID:         r.SessionID,
		DisplayName:       r.DisplayName,
		DeviceFingerprint: r.DeviceFingerprint,
		IsHost:            r.IsHost,
		State:             model.ParticipantState(r.State),
		TopVibes:          r.TopVibes,
		RawSwipes:         r.RawSwipes,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if p.TopVibes == nil {
		p.TopVibes = []string{}
	}
	if p.RawSwipes == nil {
		p.RawSwipes = map[string]float64{}
	}
	return p
}

// matchRecord はRedisに保存する決定レコードのJSON表現。
type matchRecord struct {
	ID          string             `json:"id"`
	SessionID   string             `json:"sessionId"`
	GroupVibe   model.MatchResult  `json:"groupVibe"`
	Suggestions []model.Suggestion `json:"suggestions"`
	ComputedAt  int64              `json:"computedAt"`
}

func toMatchRecord(m *model.MatchRecord) matchRecord {
	s := m.Suggestions
	if s == nil {
		s = []model.Suggestion{}
	}
	return matchRecord{
		ID:          m.ID,
		SessionID:   m.SessionID,
		GroupVibe:   m.GroupVibe,
		Suggestions: s,
		ComputedAt:  m.ComputedAt,
	}
}

func (r matchRecord) toModel() *model.MatchRecord {
	s := r.Suggestions
	if s == nil {
		s = []model.Suggestion{}
	}
	return &model.MatchRecord{
		ID:          r.ID,
		SessionID:   r.SessionID,
		GroupVibe:   r.GroupVibe,
		Suggestions: s,
		ComputedAt:  r.ComputedAt,
	}
}

// cloneMatch は決定レコードのディープコピーを返す。
func cloneMatch(m *model.MatchRecord) *model.MatchRecord {
	c := *m
	c.Suggestions = append([]model.Suggestion{}, m.Suggestions...)
	return &c
}

// cloneSession はセッションのディープコピーを返す。
func cloneSession(s *model.Session) *model.Session {
	c := *s
	if s.Location != nil {
		loc := *s.Location
		c.Location = &loc
	}
	if s.GroupSizeHint != nil {
		hint := *s.GroupSizeHint
		c.GroupSizeHint = &hint
	}
	return &c
}
