package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fablecraft/fablecraft/internal/sessions"
	"github.com/fablecraft/fablecraft/pkg/models"
)

func TestNewSweeper_ValidatesOptions(t *testing.T) {
	store := sessions.NewMemoryStore()

	if _, err := NewSweeper(store, Options{MaxAge: 0}); err == nil {
		t.Error("zero max age accepted")
	}
	if _, err := NewSweeper(store, Options{MaxAge: time.Hour, Schedule: "not a cron"}); err == nil {
		t.Error("bad schedule accepted")
	}
	for _, schedule := range []string{"", "@hourly", "0 3 * * *"} {
		if _, err := NewSweeper(store, Options{MaxAge: time.Hour, Schedule: schedule}); err != nil {
			t.Errorf("schedule %q rejected: %v", schedule, err)
		}
	}
}

func TestSweeper_SweepNow(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewMemoryStore()

	stale := &models.Conversation{ID: uuid.NewString(), ProjectID: "proj-1"}
	if err := store.SaveConversation(ctx, stale); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}

	// Everything is younger than an hour, so nothing goes.
	sweeper, err := NewSweeper(store, Options{MaxAge: time.Hour})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	removed, err := sweeper.SweepNow(ctx)
	if err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}

	// With a zero-width window everything just saved is stale.
	aggressive, err := NewSweeper(store, Options{MaxAge: time.Nanosecond})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	removed, err = aggressive.SweepNow(ctx)
	if err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.GetConversation(ctx, stale.ID); !errors.Is(err, sessions.ErrNotFound) {
		t.Errorf("stale conversation survived: %v", err)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	sweeper, err := NewSweeper(sessions.NewMemoryStore(), Options{MaxAge: time.Hour})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	sweeper.Start()
	sweeper.Stop()
}
