package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fablecraft/fablecraft/pkg/models"
	"github.com/google/uuid"
)

// stores builds one of each embedded implementation so the suite runs
// identically against both.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func testConversation(projectID string) *models.Conversation {
	return &models.Conversation{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      "Untitled",
	}
}

func TestStore_ConversationLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := testConversation("proj-1")

			if err := store.SaveConversation(ctx, conv); err != nil {
				t.Fatalf("SaveConversation: %v", err)
			}
			got, err := store.GetConversation(ctx, conv.ID)
			if err != nil {
				t.Fatalf("GetConversation: %v", err)
			}
			if got.Name != "Untitled" || got.ProjectID != "proj-1" {
				t.Errorf("got %+v", got)
			}
			if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
				t.Error("timestamps not set on save")
			}

			// Upsert renames without duplicating.
			conv.Name = "The Harbor Draft"
			if err := store.SaveConversation(ctx, conv); err != nil {
				t.Fatalf("SaveConversation upsert: %v", err)
			}
			list, err := store.ListConversations(ctx, "proj-1")
			if err != nil {
				t.Fatalf("ListConversations: %v", err)
			}
			if len(list) != 1 {
				t.Fatalf("conversations = %d, want 1", len(list))
			}
			if list[0].Name != "The Harbor Draft" {
				t.Errorf("name = %q after upsert", list[0].Name)
			}

			if err := store.DeleteConversation(ctx, conv.ID); err != nil {
				t.Fatalf("DeleteConversation: %v", err)
			}
			if _, err := store.GetConversation(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("get after delete: %v, want ErrNotFound", err)
			}
			if err := store.DeleteConversation(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("double delete: %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_MessageRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := testConversation("proj-1")
			if err := store.SaveConversation(ctx, conv); err != nil {
				t.Fatalf("SaveConversation: %v", err)
			}

			user := &models.Message{
				ID:             uuid.NewString(),
				ConversationID: conv.ID,
				Role:           models.RoleUser,
				Content:        "add a character named Mira",
				Mentions: []models.Mention{
					{Kind: models.MentionDocument, ID: "d1", Name: "Chapter 1"},
				},
			}
			assistant := &models.Message{
				ID:             uuid.NewString(),
				ConversationID: conv.ID,
				Role:           models.RoleAssistant,
				Tool: &models.ToolInvocation{
					ToolCallID: "call-1",
					ToolName:   "create_entity",
					Args:       models.RawArgs(map[string]string{"kind": "character", "name": "Mira"}),
					Status:     models.ToolExecuted,
					Result:     models.RawArgs(map[string]string{"id": "e1"}),
				},
			}
			for _, msg := range []*models.Message{user, assistant} {
				if err := store.SaveMessage(ctx, msg); err != nil {
					t.Fatalf("SaveMessage: %v", err)
				}
			}

			msgs, err := store.ListMessages(ctx, conv.ID)
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			if len(msgs) != 2 {
				t.Fatalf("messages = %d, want 2", len(msgs))
			}
			if msgs[0].ID != user.ID || msgs[1].ID != assistant.ID {
				t.Error("message order not preserved")
			}
			if len(msgs[0].Mentions) != 1 || msgs[0].Mentions[0].Name != "Chapter 1" {
				t.Errorf("mentions lost: %+v", msgs[0].Mentions)
			}
			tool := msgs[1].Tool
			if tool == nil || tool.ToolName != "create_entity" || tool.Status != models.ToolExecuted {
				t.Errorf("tool invocation lost: %+v", tool)
			}

			// Upsert replaces content, keeps position.
			assistant.Content = "Done."
			if err := store.SaveMessage(ctx, assistant); err != nil {
				t.Fatalf("SaveMessage upsert: %v", err)
			}
			msgs, err = store.ListMessages(ctx, conv.ID)
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			if len(msgs) != 2 || msgs[1].Content != "Done." {
				t.Errorf("upsert: got %d messages, last content %q", len(msgs), msgs[len(msgs)-1].Content)
			}
		})
	}
}

func TestStore_ListConversationsFiltersByProject(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, projectID := range []string{"proj-1", "proj-1", "proj-2"} {
				if err := store.SaveConversation(ctx, testConversation(projectID)); err != nil {
					t.Fatalf("SaveConversation: %v", err)
				}
			}

			list, err := store.ListConversations(ctx, "proj-1")
			if err != nil {
				t.Fatalf("ListConversations: %v", err)
			}
			if len(list) != 2 {
				t.Errorf("proj-1 conversations = %d, want 2", len(list))
			}

			all, err := store.ListConversations(ctx, "")
			if err != nil {
				t.Fatalf("ListConversations all: %v", err)
			}
			if len(all) != 3 {
				t.Errorf("all conversations = %d, want 3", len(all))
			}
		})
	}
}

func TestStore_DeleteConversationsBefore(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			stale := testConversation("proj-1")
			if err := store.SaveConversation(ctx, stale); err != nil {
				t.Fatalf("SaveConversation: %v", err)
			}
			if err := store.SaveMessage(ctx, &models.Message{
				ID: uuid.NewString(), ConversationID: stale.ID,
				Role: models.RoleUser, Content: "old",
			}); err != nil {
				t.Fatalf("SaveMessage: %v", err)
			}

			cutoff := time.Now().UTC().Add(time.Minute)
			removed, err := store.DeleteConversationsBefore(ctx, cutoff)
			if err != nil {
				t.Fatalf("DeleteConversationsBefore: %v", err)
			}
			if removed != 1 {
				t.Errorf("removed = %d, want 1", removed)
			}
			if _, err := store.GetConversation(ctx, stale.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("stale conversation survived: %v", err)
			}
			msgs, err := store.ListMessages(ctx, stale.ID)
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			if len(msgs) != 0 {
				t.Errorf("stale messages survived: %d", len(msgs))
			}

			// Nothing newer than the cutoff goes.
			fresh := testConversation("proj-1")
			if err := store.SaveConversation(ctx, fresh); err != nil {
				t.Fatalf("SaveConversation: %v", err)
			}
			removed, err = store.DeleteConversationsBefore(ctx, time.Now().UTC().Add(-time.Hour))
			if err != nil {
				t.Fatalf("DeleteConversationsBefore: %v", err)
			}
			if removed != 0 {
				t.Errorf("removed = %d, want 0", removed)
			}
		})
	}
}
