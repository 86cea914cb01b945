package usecase

import (
	"context"
	"testing"
	"time"

	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
)

func TestRoomHistoryOrderAndDecorations(t *testing.T) {
	repo := newFakeChatRepo()
	repo.addRoom("r1", chat.RoomStatusActive, "alice", "bob")
	repo.markRead("r1", "bob", time.Now().Add(time.Hour))

	send := NewSendMessageUseCase(repo)
	ctx := context.Background()

	first, err := send.Execute(ctx, SendMessageInput{
		RoomID: "r1", SenderID: "alice", SenderName: "Alice", Content: strPtr("one"),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := send.Execute(ctx, SendMessageInput{
		RoomID: "r1", SenderID: "bob", SenderName: "Bob",
		Content: strPtr("two"), ReplyToID: &first.Message.ID,
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	uc := NewRoomHistoryUseCase(repo)
	res, err := uc.Execute(ctx, RoomHistoryInput{RoomID: "r1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if res.MemberCount != 2 {
		t.Fatalf("MemberCount = %d, want 2", res.MemberCount)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(res.Messages))
	}
	if *res.Messages[0].Message.Content != "one" || *res.Messages[1].Message.Content != "two" {
		t.Fatal("backlog not ordered oldest first")
	}
	if res.Messages[0].ReplyPreview != nil {
		t.Fatal("non-reply message carries a preview")
	}
	reply := res.Messages[1]
	if reply.ReplyPreview == nil || reply.ReplyPreview.Content != "one" || reply.ReplyPreview.SenderName != "Alice" {
		t.Fatalf("reply preview = %+v", reply.ReplyPreview)
	}
	if len(reply.ReadBy) != 1 || reply.ReadBy[0] != "bob" {
		t.Fatalf("ReadBy = %v, want [bob]", reply.ReadBy)
	}
}

func TestRoomHistoryClampsWindow(t *testing.T) {
	repo := newFakeChatRepo()
	repo.addRoom("r1", chat.RoomStatusActive, "alice")

	send := NewSendMessageUseCase(repo)
	ctx := context.Background()
	for i := 0; i < DefaultHistoryWindow+10; i++ {
		if _, err := send.Execute(ctx, SendMessageInput{
			RoomID: "r1", SenderID: "alice", Content: strPtr("x"),
		}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	uc := NewRoomHistoryUseCase(repo)
	for _, limit := range []int{0, -5, 10000} {
		res, err := uc.Execute(ctx, RoomHistoryInput{RoomID: "r1", Limit: limit})
		if err != nil {
			t.Fatalf("Execute(limit=%d): %v", limit, err)
		}
		if len(res.Messages) != DefaultHistoryWindow {
			t.Fatalf("limit=%d delivered %d messages, want %d", limit, len(res.Messages), DefaultHistoryWindow)
		}
	}

	res, err := uc.Execute(ctx, RoomHistoryInput{RoomID: "r1", Limit: 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Messages) != 5 {
		t.Fatalf("explicit limit delivered %d messages, want 5", len(res.Messages))
	}
}
