package session

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"directlink/models"
	"directlink/network"
)

// PrivateSession runs one-to-one chats. A private chat is keyed by the
// peer's id and messages go straight to that peer.
type PrivateSession struct {
	opts Options
}

// NewPrivateSession creates the private chat session.
func NewPrivateSession(opts Options) (*PrivateSession, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &PrivateSession{opts: opts}, nil
}

// StartChat creates or revives the chat with peerID and tells the peer when
// it is connected.
func (p *PrivateSession) StartChat(peerID string) (models.PrivateChat, error) {
	chat, err := p.ensure(peerID, false)
	if err != nil {
		return models.PrivateChat{}, err
	}
	if p.opts.Transport.IsConnected(peerID) {
		if err := p.opts.Transport.Send(peerID, network.PrivateChatStarted{CreatedAt: chat.CreatedAt}); err != nil {
			p.opts.Logger.Printf("session: private chat notice failed peer=%s err=%v", peerID, err)
		}
	}
	return chat, nil
}

// SendMessage sends a plain message to peerID. The peer must be connected.
func (p *PrivateSession) SendMessage(peerID string, content []models.Content, quotedID string) (models.Message, error) {
	chat, err := p.opts.Store.GetPrivateChat(peerID)
	switch {
	case err != nil && !isNotFound(err):
		return models.Message{}, fmt.Errorf("load private chat: %w", err)
	case err != nil:
		if chat, err = p.ensure(peerID, false); err != nil {
			return models.Message{}, err
		}
	}
	if !chat.Exists {
		return models.Message{}, ErrChatTombstoned
	}
	if !p.opts.Transport.IsConnected(peerID) {
		return models.Message{}, fmt.Errorf("%w: %s", network.ErrNotConnected, peerID)
	}

	message := models.Message{
		ID:              uuid.NewString(),
		ChatID:          peerID,
		SenderPeerID:    p.opts.Identity.Self().PeerID,
		Timestamp:       p.opts.Clock.Now(),
		ReadByMe:        true,
		Kind:            models.MessageKindPlain,
		QuotedMessageID: quotedID,
		Content:         content,
	}
	if err := p.opts.Transport.Send(peerID, network.PrivateMessage{Message: message}); err != nil {
		return models.Message{}, fmt.Errorf("send private message: %w", err)
	}
	if _, err := p.opts.Store.InsertMessage(message); err != nil {
		return models.Message{}, fmt.Errorf("store message: %w", err)
	}
	return message, nil
}

// DeleteChat tombstones the local copy. The peer keeps its own.
func (p *PrivateSession) DeleteChat(peerID string) error {
	chat, err := p.opts.Store.GetPrivateChat(peerID)
	if err != nil {
		return err
	}
	if !chat.Exists {
		return nil
	}
	chat.Exists = false
	return p.opts.Store.SavePrivateChat(chat)
}

// MarkRead marks every message from peerID as read.
func (p *PrivateSession) MarkRead(peerID string) error {
	return p.opts.Store.MarkChatRead(peerID)
}

// HandleMessage implements network.Handler for the PrivateChat category.
func (p *PrivateSession) HandleMessage(peerID string, message network.Message, _ io.Reader) {
	var err error
	switch m := message.(type) {
	case *network.PrivateMessage:
		err = p.handleMessage(peerID, m)
	case *network.PrivateChatStarted:
		_, err = p.ensure(peerID, true)
	default:
		p.opts.Logger.Printf("session: unhandled private message tag=%s peer=%s", message.Tag(), peerID)
	}
	if err != nil {
		p.opts.Logger.Printf("session: private message failed tag=%s peer=%s err=%v", message.Tag(), peerID, err)
	}
}

func (p *PrivateSession) handleMessage(from string, m *network.PrivateMessage) error {
	chat, err := p.opts.Store.GetPrivateChat(from)
	switch {
	case err != nil && !isNotFound(err):
		return fmt.Errorf("load private chat: %w", err)
	case err != nil:
		if chat, err = p.ensure(from, true); err != nil {
			return err
		}
	}
	if !chat.Exists {
		return nil
	}

	message := m.Message
	message.ChatID = from
	message.SenderPeerID = from
	message.Kind = models.MessageKindPlain
	message.ReadByMe = false
	message.Timestamp = p.opts.Clock.ToLocal(from, message.Timestamp)

	inserted, err := p.opts.Store.InsertMessage(message)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	if inserted {
		p.opts.Events.Publish(ChatEvent{Kind: EventNewMessage, ChatID: from, PeerID: from, Message: &message})
	}
	return nil
}

// ensure makes the chat with peerID live, creating or reviving it. notify
// publishes PrivateChatStarted when the chat was not live before.
func (p *PrivateSession) ensure(peerID string, notify bool) (models.PrivateChat, error) {
	chat, err := p.opts.Store.GetPrivateChat(peerID)
	if err != nil && !isNotFound(err) {
		return models.PrivateChat{}, fmt.Errorf("load private chat: %w", err)
	}
	if err == nil && chat.Exists {
		return chat, nil
	}
	if err != nil {
		chat = models.PrivateChat{PeerID: peerID, CreatedAt: p.opts.Clock.Now()}
	}
	chat.Exists = true
	if err := p.opts.Store.SavePrivateChat(chat); err != nil {
		return models.PrivateChat{}, fmt.Errorf("save private chat: %w", err)
	}
	if notify {
		p.opts.Events.Publish(ChatEvent{Kind: EventPrivateChatStarted, ChatID: peerID, PeerID: peerID})
	}
	return chat, nil
}
