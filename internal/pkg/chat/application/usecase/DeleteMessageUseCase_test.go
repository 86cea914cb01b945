package usecase

import (
	"context"
	"testing"

	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
)

func seedMessage(t *testing.T, repo *fakeChatRepo, roomID, senderID string) string {
	t.Helper()
	id, err := repo.SaveMessage(context.Background(), chat.Message{
		RoomID:   roomID,
		SenderID: senderID,
		Content:  strPtr("hello"),
		Type:     chat.MessageTypeText,
	})
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return id
}

func TestDeleteMessageBySender(t *testing.T) {
	repo := newFakeChatRepo()
	repo.addRoom("r1", chat.RoomStatusActive, "alice")
	msgID := seedMessage(t, repo, "r1", "alice")

	uc := NewDeleteMessageUseCase(repo)
	roomID, err := uc.Execute(context.Background(), DeleteMessageInput{
		MessageID: msgID,
		UserID:    "alice",
		Role:      chat.UserRoleEmployee,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if roomID != "r1" {
		t.Fatalf("roomID = %q, want r1", roomID)
	}
	if _, ok := repo.messages[msgID]; ok {
		t.Fatal("message still present after delete")
	}
}

func TestDeleteMessageDeniedForOtherUser(t *testing.T) {
	repo := newFakeChatRepo()
	repo.addRoom("r1", chat.RoomStatusActive, "alice", "bob")
	msgID := seedMessage(t, repo, "r1", "alice")

	uc := NewDeleteMessageUseCase(repo)
	_, err := uc.Execute(context.Background(), DeleteMessageInput{
		MessageID: msgID,
		UserID:    "bob",
		Role:      chat.UserRoleEmployee,
	})
	if err != chat.ErrNotMessageSender {
		t.Fatalf("Execute = %v, want ErrNotMessageSender", err)
	}
	if _, ok := repo.messages[msgID]; !ok {
		t.Fatal("message deleted despite denial")
	}
}

func TestDeleteMessageByPrivilegedRole(t *testing.T) {
	repo := newFakeChatRepo()
	repo.addRoom("r1", chat.RoomStatusActive, "alice", "carol")
	msgID := seedMessage(t, repo, "r1", "alice")

	uc := NewDeleteMessageUseCase(repo)
	for _, role := range []chat.UserRole{chat.UserRoleManager, chat.UserRoleAdmin} {
		id := seedMessage(t, repo, "r1", "alice")
		if _, err := uc.Execute(context.Background(), DeleteMessageInput{
			MessageID: id,
			UserID:    "carol",
			Role:      role,
		}); err != nil {
			t.Fatalf("delete as %s: %v", role, err)
		}
	}
	if _, ok := repo.messages[msgID]; !ok {
		t.Fatal("unrelated message vanished")
	}
}

func TestDeleteMessageNotFound(t *testing.T) {
	repo := newFakeChatRepo()
	uc := NewDeleteMessageUseCase(repo)
	_, err := uc.Execute(context.Background(), DeleteMessageInput{
		MessageID: "nope",
		UserID:    "alice",
		Role:      chat.UserRoleEmployee,
	})
	if err != chat.ErrMessageNotFound {
		t.Fatalf("Execute = %v, want ErrMessageNotFound", err)
	}
}
