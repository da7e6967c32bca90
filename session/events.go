package session

import (
	"directlink/event"
	"directlink/models"
)

// ChatEventKind names one notification-worthy change.
type ChatEventKind string

const (
	EventPrivateChatStarted ChatEventKind = "private_chat_started"
	EventAddedToGroup       ChatEventKind = "added_to_group"
	EventRemovedFromGroup   ChatEventKind = "removed_from_group"
	EventNewMessage         ChatEventKind = "new_message"
	EventFileReady          ChatEventKind = "file_ready"
)

// ChatEvent is published for inbound changes only; local actions are
// observable through the store.
type ChatEvent struct {
	Kind     ChatEventKind   `json:"kind"`
	ChatID   string          `json:"chatId,omitempty"`
	PeerID   string          `json:"peerId,omitempty"`
	Message  *models.Message `json:"message,omitempty"`
	FileName string          `json:"fileName,omitempty"`
}

// NewEvents creates the chat event surface.
func NewEvents() *event.Broadcaster[ChatEvent] {
	return event.NewBroadcaster[ChatEvent](event.DefaultBuffer)
}
