package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/vibeplan/internal/model"
)

// テスト用の基準時刻（ミリ秒精度）
var baseMillis = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

var tokenSeq struct {
	mu sync.Mutex
	n  int
}

// nextToken はテストごとに一意な12文字のトークンを返す。
func nextToken() string {
	tokenSeq.mu.Lock()
	defer tokenSeq.mu.Unlock()
	tokenSeq.n++
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	b := []byte("TEST00000000")
	n := tokenSeq.n
	for i := len(b) - 1; i >= 4 && n > 0; i-- {
		b[i] = alphabet[n%len(alphabet)]
		n /= len(alphabet)
	}
	// 他プロセスのテストとの衝突を避けるため先頭をランダムにする
	copy(b[:4], []byte(uuid.NewString()[:4]))
	return string(b)
}

func newSession(expiresAt int64) *model.Session {
	loc := "Shibuya"
	hint := 4
	return &model.Session{
		ID:            uuid.NewString(),
		InviteToken:   nextToken(),
		Status:        model.SessionStatusActive,
		CreatedAt:     baseMillis,
		ExpiresAt:     expiresAt,
		Location:      &loc,
		GroupSizeHint: &hint,
	}
}

func newParticipant(sessionID, name string, isHost bool, createdAt int64) *model.Participant {
	return &model.Participant{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		DisplayName: name,
		IsHost:      isHost,
		State:       model.ParticipantStateJoined,
		TopVibes:    []string{},
		RawSwipes:   map[string]float64{},
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

// runStoreContract はすべてのStore実装が満たすべき振る舞いを検証する。
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	// Redisのキー失効に掛からないよう現在時刻基準にする
	expiresAt := time.Now().Add(model.DefaultSessionTTL).UnixMilli()

	t.Run("CreateAndFindSession", func(t *testing.T) {
		store := newStore(t)
		session := newSession(expiresAt)
		host := newParticipant(session.ID, "Host", true, baseMillis)

		if err := store.CreateSession(ctx, session, host); err != nil {
			t.Fatalf("CreateSession() error: %v", err)
		}

		got, err := store.FindSessionByID(ctx, session.ID)
		if err != nil {
			t.Fatalf("FindSessionByID() error: %v", err)
		}
		if got == nil {
			t.Fatal("expected session")
		}
		if got.InviteToken != session.InviteToken || got.Status != model.SessionStatusActive {
			t.Errorf("unexpected session: %+v", got)
		}
		if got.CreatedAt != session.CreatedAt || got.ExpiresAt != session.ExpiresAt {
			t.Errorf("timestamps = (%d, %d), want (%d, %d)", got.CreatedAt, got.ExpiresAt, session.CreatedAt, session.ExpiresAt)
		}
		if got.Location == nil || *got.Location != "Shibuya" {
			t.Errorf("Location = %v, want Shibuya", got.Location)
		}
		if got.GroupSizeHint == nil || *got.GroupSizeHint != 4 {
			t.Errorf("GroupSizeHint = %v, want 4", got.GroupSizeHint)
		}

		byToken, err := store.FindSessionByInviteToken(ctx, session.InviteToken)
		if err != nil {
			t.Fatalf("FindSessionByInviteToken() error: %v", err)
		}
		if byToken == nil || byToken.ID != session.ID {
			t.Errorf("FindSessionByInviteToken() = %+v, want id %s", byToken, session.ID)
		}

		participants, err := store.ListParticipants(ctx, session.ID)
		if err != nil {
			t.Fatalf("ListParticipants() error: %v", err)
		}
		if len(participants) != 1 || !participants[0].IsHost {
			t.Fatalf("expected host participant, got %+v", participants)
		}
	})

	t.Run("NullableSessionFields", func(t *testing.T) {
		store := newStore(t)
		session := newSession(expiresAt)
		session.Location = nil
		session.GroupSizeHint = nil

		if err := store.CreateSession(ctx, session, nil); err != nil {
			t.Fatalf("CreateSession() error: %v", err)
		}
		got, err := store.FindSessionByID(ctx, session.ID)
		if err != nil || got == nil {
			t.Fatalf("FindSessionByID() = %v, %v", got, err)
		}
		if got.Location != nil || got.GroupSizeHint != nil {
			t.Errorf("expected nil optional fields, got %+v", got)
		}
	})

	t.Run("MissingSessionReturnsNil", func(t *testing.T) {
		store := newStore(t)
		got, err := store.FindSessionByID(ctx, uuid.NewString())
		if err != nil || got != nil {
			t.Errorf("FindSessionByID() = %v, %v; want nil, nil", got, err)
		}
		got, err = store.FindSessionByInviteToken(ctx, "zzzzzzzzzzzz")
		if err != nil || got != nil {
			t.Errorf("FindSessionByInviteToken() = %v, %v; want nil, nil", got, err)
		}
		match, err := store.FindMatch(ctx, uuid.NewString())
		if err != nil || match != nil {
			t.Errorf("FindMatch() = %v, %v; want nil, nil", match, err)
		}
	})

	t.Run("DuplicateToken", func(t *testing.T) {
		store := newStore(t)
		first := newSession(expiresAt)
		if err := store.CreateSession(ctx, first, newParticipant(first.ID, "Host", true, baseMillis)); err != nil {
			t.Fatalf("CreateSession() error: %v", err)
		}

		second := newSession(expiresAt)
		second.InviteToken = first.InviteToken
		err := store.CreateSession(ctx, second, newParticipant(second.ID, "Host", true, baseMillis))
		if !errors.Is(err, ErrDuplicateToken) {
			t.Fatalf("CreateSession() error = %v, want ErrDuplicateToken", err)
		}

		got, err := store.FindSessionByID(ctx, second.ID)
		if err != nil || got != nil {
			t.Errorf("second session should not exist, got %v, %v", got, err)
		}
	})

	t.Run("UpdateSessionStatus", func(t *testing.T) {
		store := newStore(t)
		session := newSession(expiresAt)
		if err := store.CreateSession(ctx, session, nil); err != nil {
			t.Fatalf("CreateSession() error: %v", err)
		}
		if err := store.UpdateSessionStatus(ctx, session.ID, model.SessionStatusMatched); err != nil {
			t.Fatalf("UpdateSessionStatus() error: %v", err)
		}
		got, _ := store.FindSessionByID(ctx, session.ID)
		if got.Status != model.SessionStatusMatched {
			t.Errorf("Status = %q, want matched", got.Status)
		}

		if err := store.UpdateSessionStatus(ctx, uuid.NewString(), model.SessionStatusMatched); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateSessionStatus(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ParticipantsInJoinOrder", func(t *testing.T) {
		store := newStore(t)
		session := newSession(expiresAt)
		host := newParticipant(session.ID, "Host", true, baseMillis)
		if err := store.CreateSession(ctx, session, host); err != nil {
			t.Fatalf("CreateSession() error: %v", err)
		}

		guests := []*model.Participant{
			newParticipant(session.ID, "Guest 1", false, baseMillis+1000),
			newParticipant(session.ID, "Guest 2", false, baseMillis+2000),
		}
		for _, g := range guests {
			if err := store.AddParticipant(ctx, g); err != nil {
				t.Fatalf("AddParticipant() error: %v", err)
			}
		}

		list, err := store.ListParticipants(ctx, session.ID)
		if err != nil {
			t.Fatalf("ListParticipants() error: %v", err)
		}
		wantNames := []string{"Host", "Guest 1", "Guest 2"}
		if len(list) != len(wantNames) {
			t.Fatalf("len = %d, want %d", len(list), len(wantNames))
		}
		for i, name := range wantNames {
			if list[i].DisplayName != name {
				t.Errorf("list[%d] = %q, want %q", i, list[i].DisplayName, name)
			}
		}

		found, err := store.FindParticipant(ctx, session.ID, guests[0].ID)
		if err != nil || found == nil || found.DisplayName != "Guest 1" {
			t.Errorf("FindParticipant() = %+v, %v", found, err)
		}

		// 別セッションのIDでは見つからない
		other, err := store.FindParticipant(ctx, uuid.NewString(), guests[0].ID)
		if err != nil || other != nil {
			t.Errorf("FindParticipant(other session) = %+v, %v; want nil, nil", other, err)
		}
	})

	t.Run("AddParticipantToMissingSession", func(t *testing.T) {
		store := newStore(t)
		err := store.AddParticipant(ctx, newParticipant(uuid.NewString(), "Guest", false, baseMillis))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("AddParticipant() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateParticipantVersioning", func(t *testing.T) {
		store := newStore(t)
		session := newSession(expiresAt)
		host := newParticipant(session.ID, "Host", true, baseMillis)
		if err := store.CreateSession(ctx, session, host); err != nil {
			t.Fatalf("CreateSession() error: %v", err)
		}

		p, _ := store.FindParticipant(ctx, session.ID, host.ID)
		p.State = model.ParticipantStateCompleted
		p.TopVibes = []string{"chill", "foodie"}
		p.RawSwipes = map[string]float64{"chill": 1, "nightlife": -1}
		p.UpdatedAt = baseMillis + 5000

		if err := store.UpdateParticipant(ctx, p, 0); err != nil {
			t.Fatalf("UpdateParticipant() error: %v", err)
		}
		if p.Version != 1 {
			t.Errorf("Version = %d, want 1", p.Version)
		}

		got, _ := store.FindParticipant(ctx, session.ID, host.ID)
		if got.Version != 1 || got.State != model.ParticipantStateCompleted {
			t.Errorf("unexpected participant after update: %+v", got)
		}
		if len(got.TopVibes) != 2 || got.TopVibes[0] != "chill" || got.TopVibes[1] != "foodie" {
			t.Errorf("TopVibes = %v", got.TopVibes)
		}
		if got.RawSwipes["nightlife"] != -1 {
			t.Errorf("RawSwipes = %v", got.RawSwipes)
		}
		if got.UpdatedAt != baseMillis+5000 {
			t.Errorf("UpdatedAt = %d, want %d", got.UpdatedAt, baseMillis+5000)
		}

		// 古いバージョンでの更新は拒否される
		stale := got.Clone()
		stale.TopVibes = []string{"romantic"}
		if err := store.UpdateParticipant(ctx, stale, 0); !errors.Is(err, ErrVersionConflict) {
			t.Errorf("UpdateParticipant(stale) error = %v, want ErrVersionConflict", err)
		}

		missing := newParticipant(session.ID, "Ghost", false, baseMillis)
		if err := store.UpdateParticipant(ctx, missing, 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateParticipant(missing) error = %v, want ErrNotFound", err)
		}
	})

	// 別々の参加者への同時更新は互いに競合しない
	t.Run("ConcurrentUpdatesOnDistinctParticipants", func(t *testing.T) {
		store := newStore(t)
		session := newSession(expiresAt)
		host := newParticipant(session.ID, "Host", true, baseMillis)
		if err := store.CreateSession(ctx, session, host); err != nil {
			t.Fatalf("CreateSession() error: %v", err)
		}
		ids := []string{host.ID}
		for i := 1; i < 12; i++ {
			p := newParticipant(session.ID, "Guest", false, baseMillis+int64(i))
			if err := store.AddParticipant(ctx, p); err != nil {
				t.Fatalf("AddParticipant() error: %v", err)
			}
			ids = append(ids, p.ID)
		}

		const rounds = 5
		for round := 0; round < rounds; round++ {
			var wg sync.WaitGroup
			errs := make(chan error, len(ids))
			for _, id := range ids {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					p, err := store.FindParticipant(ctx, session.ID, id)
					if err != nil || p == nil {
						errs <- fmt.Errorf("FindParticipant(%s) = %v, %v", id, p, err)
						return
					}
					p.State = model.ParticipantStateCompleted
					p.TopVibes = []string{"chill"}
					errs <- store.UpdateParticipant(ctx, p, p.Version)
				}(id)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("round %d: unexpected error: %v", round, err)
				}
			}
		}

		participants, err := store.ListParticipants(ctx, session.ID)
		if err != nil {
			t.Fatalf("ListParticipants() error: %v", err)
		}
		if len(participants) != len(ids) {
			t.Fatalf("len = %d, want %d", len(participants), len(ids))
		}
		for _, p := range participants {
			if p.Version != rounds {
				t.Errorf("participant %s Version = %d, want %d", p.ID, p.Version, rounds)
			}
		}
	})

	t.Run("UpsertMatchReplaces", func(t *testing.T) {
		store := newStore(t)
		session := newSession(expiresAt)
		if err := store.CreateSession(ctx, session, nil); err != nil {
			t.Fatalf("CreateSession() error: %v", err)
		}

		record := &model.MatchRecord{
			ID:          uuid.NewString(),
			SessionID:   session.ID,
			GroupVibe:   model.MatchResult{Key: "chill", Confidence: 0.67},
			Suggestions: []model.Suggestion{{Title: "Park picnic"}},
			ComputedAt:  baseMillis + 1000,
		}
		if err := store.UpsertMatch(ctx, record); err != nil {
			t.Fatalf("UpsertMatch() error: %v", err)
		}

		replacement := &model.MatchRecord{
			ID:          record.ID,
			SessionID:   session.ID,
			GroupVibe:   model.MatchResult{Key: "foodie", Confidence: 0.5},
			Suggestions: []model.Suggestion{},
			ComputedAt:  baseMillis + 2000,
		}
		if err := store.UpsertMatch(ctx, replacement); err != nil {
			t.Fatalf("UpsertMatch() error: %v", err)
		}

		got, err := store.FindMatch(ctx, session.ID)
		if err != nil || got == nil {
			t.Fatalf("FindMatch() = %v, %v", got, err)
		}
		if got.GroupVibe.Key != "foodie" || got.GroupVibe.Confidence != 0.5 {
			t.Errorf("GroupVibe = %+v", got.GroupVibe)
		}
		if got.Suggestions == nil || len(got.Suggestions) != 0 {
			t.Errorf("Suggestions = %v, want empty", got.Suggestions)
		}
		if got.ComputedAt != baseMillis+2000 {
			t.Errorf("ComputedAt = %d", got.ComputedAt)
		}
	})

	t.Run("Catalogue", func(t *testing.T) {
		store := newStore(t)
		entries := []model.CatalogueEntry{
			{ComboKey: "foodie", Items: []model.Suggestion{{Title: "Omakase"}}},
			{ComboKey: "chill", Items: []model.Suggestion{{Title: "Cafe", URL: "https://example.com"}}},
		}
		if err := store.UpsertCatalogue(ctx, entries); err != nil {
			t.Fatalf("UpsertCatalogue() error: %v", err)
		}
		if err := store.UpsertCatalogue(ctx, []model.CatalogueEntry{
			{ComboKey: "chill", Items: []model.Suggestion{{Title: "Board games"}}},
		}); err != nil {
			t.Fatalf("UpsertCatalogue() error: %v", err)
		}

		got, err := store.ListCatalogue(ctx)
		if err != nil {
			t.Fatalf("ListCatalogue() error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].ComboKey != "chill" || got[0].Items[0].Title != "Board games" {
			t.Errorf("got[0] = %+v", got[0])
		}
		if got[1].ComboKey != "foodie" {
			t.Errorf("got[1] = %+v", got[1])
		}
	})

	t.Run("Ping", func(t *testing.T) {
		store := newStore(t)
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping() error: %v", err)
		}
	})
}
