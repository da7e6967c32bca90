package storage

import (
	"testing"

	"directlink/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustInsertMessage(t *testing.T, store *Store, chatID, messageID string, timestamp int64) models.Message {
	t.Helper()

	message := models.Message{
		ID:           messageID,
		ChatID:       chatID,
		SenderPeerID: "peer-1",
		Timestamp:    timestamp,
		Kind:         models.MessageKindPlain,
		Content:      []models.Content{{Type: models.ContentText, Text: "hello " + messageID}},
	}
	inserted, err := store.InsertMessage(message)
	if err != nil {
		t.Fatalf("insert message %q: %v", messageID, err)
	}
	if !inserted {
		t.Fatalf("message %q was not inserted", messageID)
	}
	return message
}
