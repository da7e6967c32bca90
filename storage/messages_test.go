package storage

import (
	"errors"
	"testing"

	"directlink/models"
)

func TestInsertMessageIgnoresDuplicates(t *testing.T) {
	store := newTestStore(t)
	message := mustInsertMessage(t, store, "chat-1", "msg-1", 1_000)

	inserted, err := store.InsertMessage(message)
	if err != nil {
		t.Fatalf("InsertMessage duplicate failed: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate message to be ignored")
	}

	// The same id in another chat is a different message.
	message.ChatID = "chat-2"
	inserted, err = store.InsertMessage(message)
	if err != nil {
		t.Fatalf("InsertMessage other chat failed: %v", err)
	}
	if !inserted {
		t.Fatalf("expected message in another chat to be inserted")
	}

	got, err := store.GetMessage("chat-1", "msg-1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if len(got.Content) != 1 || got.Content[0].Text != "hello msg-1" {
		t.Fatalf("unexpected content: %+v", got.Content)
	}
	if got.Kind != models.MessageKindPlain {
		t.Fatalf("unexpected kind: %q", got.Kind)
	}
}

func TestInsertMessageValidatesFields(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.InsertMessage(models.Message{ChatID: "chat-1", SenderPeerID: "p"}); err == nil {
		t.Fatalf("expected missing id to fail")
	}
	if _, err := store.InsertMessage(models.Message{ID: "m", SenderPeerID: "p"}); err == nil {
		t.Fatalf("expected missing chat id to fail")
	}
	if _, err := store.InsertMessage(models.Message{ID: "m", ChatID: "chat-1"}); err == nil {
		t.Fatalf("expected missing sender to fail")
	}
}

func TestLastMessageOrdersByTimestampThenID(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.LastMessage("chat-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty chat, got %v", err)
	}

	mustInsertMessage(t, store, "chat-1", "b", 2_000)
	mustInsertMessage(t, store, "chat-1", "c", 1_000)
	mustInsertMessage(t, store, "chat-1", "a", 2_000)

	last, err := store.LastMessage("chat-1")
	if err != nil {
		t.Fatalf("LastMessage failed: %v", err)
	}
	if last.ID != "b" {
		t.Fatalf("expected last message b, got %q", last.ID)
	}
}

func TestMessagesAfter(t *testing.T) {
	store := newTestStore(t)
	for i, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		mustInsertMessage(t, store, "chat-1", id, int64(1_000*(i+1)))
	}

	after, err := store.MessagesAfter("chat-1", "m3", 10)
	if err != nil {
		t.Fatalf("MessagesAfter failed: %v", err)
	}
	if len(after) != 2 || after[0].ID != "m4" || after[1].ID != "m5" {
		t.Fatalf("unexpected messages after m3: %+v", after)
	}

	window, err := store.MessagesAfter("chat-1", "", 3)
	if err != nil {
		t.Fatalf("MessagesAfter window failed: %v", err)
	}
	if len(window) != 3 || window[0].ID != "m3" || window[2].ID != "m5" {
		t.Fatalf("expected newest three oldest-first, got %+v", window)
	}

	unknown, err := store.MessagesAfter("chat-1", "missing", 10)
	if err != nil {
		t.Fatalf("MessagesAfter unknown anchor failed: %v", err)
	}
	if len(unknown) != 5 {
		t.Fatalf("expected unknown anchor to return the whole window, got %d", len(unknown))
	}

	none, err := store.MessagesAfter("chat-1", "m5", 10)
	if err != nil {
		t.Fatalf("MessagesAfter last anchor failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no messages after the newest, got %d", len(none))
	}
}

func TestMarkChatRead(t *testing.T) {
	store := newTestStore(t)
	mustInsertMessage(t, store, "chat-1", "m1", 1_000)
	mustInsertMessage(t, store, "chat-1", "m2", 2_000)
	mustInsertMessage(t, store, "chat-2", "m3", 3_000)

	count, err := store.UnreadCount("chat-1")
	if err != nil {
		t.Fatalf("UnreadCount failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 unread, got %d", count)
	}

	if err := store.MarkChatRead("chat-1"); err != nil {
		t.Fatalf("MarkChatRead failed: %v", err)
	}
	if count, _ := store.UnreadCount("chat-1"); count != 0 {
		t.Fatalf("expected chat-1 read, got %d unread", count)
	}
	if count, _ := store.UnreadCount("chat-2"); count != 1 {
		t.Fatalf("expected chat-2 untouched, got %d unread", count)
	}
}

func TestChangesAnnounceWrites(t *testing.T) {
	store := newTestStore(t)
	changes, cancel := store.Changes()
	defer cancel()

	mustInsertMessage(t, store, "chat-1", "m1", 1_000)

	change := <-changes
	if change.Kind != ChangeMessage || change.ID != "chat-1" {
		t.Fatalf("unexpected change: %+v", change)
	}
}
