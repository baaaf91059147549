package sessions

import (
	"context"
	"testing"
	"time"
)

func newTestSession(id, conversationID string, status Status, startedAt time.Time) Session {
	return Session{
		ID:             id,
		ConversationID: conversationID,
		OwnerID:        "u1",
		Target:         "acme/site",
		Description:    "fix the build",
		Status:         status,
		StartedAt:      startedAt,
		UpdatedAt:      startedAt,
	}
}

func TestMemoryStoreGetActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	if _, err := s.GetActive(ctx, "c1"); err != ErrNotFound {
		t.Fatalf("GetActive() error = %v, want ErrNotFound", err)
	}

	if err := s.Save(ctx, newTestSession("s1", "c1", StatusRunning, now)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, newTestSession("s2", "c2", StatusCompleted, now)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.GetActive(ctx, "c1")
	if err != nil {
		t.Fatalf("GetActive(c1) error = %v", err)
	}
	if got.ID != "s1" {
		t.Fatalf("GetActive(c1).ID = %q, want s1", got.ID)
	}

	// Terminal sessions must never be reported active.
	if _, err := s.GetActive(ctx, "c2"); err != ErrNotFound {
		t.Fatalf("GetActive(c2) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreUpdateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	if err := s.Save(ctx, newTestSession("s1", "c1", StatusRunning, now)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	status := StatusCompleted
	result := "all green"
	ended := now.Add(time.Minute)
	patch := Patch{Status: &status, Result: &result, EndedAt: &ended}

	for i := 0; i < 2; i++ {
		if err := s.Update(ctx, "s1", patch); err != nil {
			t.Fatalf("Update() #%d error = %v", i+1, err)
		}
	}

	history, err := s.History(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("History() len = %d, want 1", len(history))
	}
	got := history[0]
	if got.Status != StatusCompleted || got.Result != "all green" {
		t.Fatalf("session after repeated patch = {%s %q}, want {completed %q}", got.Status, got.Result, "all green")
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Fatalf("EndedAt = %v, want %v", got.EndedAt, ended)
	}
}

func TestMemoryStoreUpdateUnknownSession(t *testing.T) {
	s := NewMemoryStore()
	status := StatusFailed
	if err := s.Update(context.Background(), "nope", Patch{Status: &status}); err != ErrNotFound {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreHistoryOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().UTC()
	for i, st := range []Status{StatusCompleted, StatusFailed, StatusRunning} {
		sess := newTestSession(string(rune('a'+i)), "c1", st, base.Add(time.Duration(i)*time.Minute))
		if err := s.Save(ctx, sess); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	history, err := s.History(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() len = %d, want 2", len(history))
	}
	if !history[0].StartedAt.After(history[1].StartedAt) {
		t.Fatalf("History() not most-recent first: %v then %v", history[0].StartedAt, history[1].StartedAt)
	}
}

func TestMemoryStoreListActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	_ = s.Save(ctx, newTestSession("s1", "c1", StatusRunning, now))
	_ = s.Save(ctx, newTestSession("s2", "c2", StatusQueued, now.Add(time.Second)))
	_ = s.Save(ctx, newTestSession("s3", "c3", StatusTimedOut, now))

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("ListActive() len = %d, want 2", len(active))
	}
}
