package session

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"directlink/models"
	"directlink/network"
)

type pendingHostMessage struct {
	from    string
	hash    string
	message models.Message
}

// GroupSession replicates host-authoritative group chats. The host applies
// every change first and fans it out to connected members; members resync
// metadata with ChatInfoRequest whenever a fan-out hash does not match.
//
// Handlers run on each link's read goroutine, so every load, change and save
// of one chat happens under that chat's lock.
type GroupSession struct {
	opts Options

	mu      sync.Mutex
	pending map[string][]pendingHostMessage
	locks   map[string]*sync.Mutex
}

// NewGroupSession creates the group replication session.
func NewGroupSession(opts Options) (*GroupSession, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &GroupSession{
		opts:    opts,
		pending: make(map[string][]pendingHostMessage),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// lockChat serializes changes to chatID and returns the unlock func.
func (g *GroupSession) lockChat(chatID string) func() {
	g.mu.Lock()
	lock, ok := g.locks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[chatID] = lock
	}
	g.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (g *GroupSession) selfID() string {
	return g.opts.Identity.Self().PeerID
}

// CreateGroup creates a chat hosted by the local device and sends it to every
// connected member.
func (g *GroupSession) CreateGroup(name, avatarID string, members []string) (models.GroupChat, error) {
	self := g.selfID()
	if self == "" {
		return models.GroupChat{}, errors.New("local peer id is unknown")
	}

	chat := models.GroupChat{
		ID:         uuid.NewString(),
		CreatedAt:  g.opts.Clock.Now(),
		Exists:     true,
		HostPeerID: self,
		Name:       name,
		AvatarID:   avatarID,
		Members:    []string{self},
	}
	for _, member := range members {
		if member != "" {
			chat.AddMember(member)
		}
	}

	if err := g.commit(chat, g.newUpdate(chat.ID, self, models.UpdateChatCreated, ""), ""); err != nil {
		return models.GroupChat{}, err
	}
	for _, member := range chat.Members {
		if member != self {
			g.sendInitiation(chat, member)
		}
	}
	return chat, nil
}

// SendMessage appends a plain message. Members send through the host, which
// must be connected.
func (g *GroupSession) SendMessage(chatID string, content []models.Content, quotedID string) (models.Message, error) {
	chat, err := g.liveChat(chatID)
	if err != nil {
		return models.Message{}, err
	}
	self := g.opts.Identity.Self()
	if !chat.HasMember(self.PeerID) {
		return models.Message{}, ErrNotMember
	}

	message := models.Message{
		ID:              uuid.NewString(),
		ChatID:          chat.ID,
		SenderPeerID:    self.PeerID,
		Timestamp:       g.opts.Clock.Now(),
		ReadByMe:        true,
		Kind:            models.MessageKindPlain,
		QuotedMessageID: quotedID,
		Content:         content,
	}

	if chat.IsHostedBy(self.PeerID) {
		if _, err := g.opts.Store.InsertMessage(message); err != nil {
			return models.Message{}, fmt.Errorf("store message: %w", err)
		}
		g.fanOut(chat, message, "")
		return message, nil
	}

	if !g.opts.Transport.IsConnected(chat.HostPeerID) {
		return models.Message{}, ErrHostNotConnected
	}
	if err := g.opts.Transport.Send(chat.HostPeerID, network.ClientChatMessage{
		ChatID:   chat.ID,
		UserHash: UserHash(self),
		Message:  message,
	}); err != nil {
		return models.Message{}, fmt.Errorf("send to host: %w", err)
	}
	if _, err := g.opts.Store.InsertMessage(message); err != nil {
		return models.Message{}, fmt.Errorf("store message: %w", err)
	}
	return message, nil
}

// InviteMember adds peerID to the chat. Members ask the host, which answers
// with InviteToChatResponse.
func (g *GroupSession) InviteMember(chatID, peerID string) error {
	unlock := g.lockChat(chatID)
	defer unlock()

	chat, err := g.liveChat(chatID)
	if err != nil {
		return err
	}
	self := g.selfID()
	if !chat.HasMember(self) {
		return ErrNotMember
	}
	if chat.IsHostedBy(self) {
		_, err := g.hostAddMember(chat, peerID, self)
		return err
	}
	if !g.opts.Transport.IsConnected(chat.HostPeerID) {
		return ErrHostNotConnected
	}
	return g.opts.Transport.Send(chat.HostPeerID, network.InviteToChatRequest{ChatID: chat.ID, PeerID: peerID})
}

// RemoveMember drops a member. Host only.
func (g *GroupSession) RemoveMember(chatID, peerID string) error {
	unlock := g.lockChat(chatID)
	defer unlock()

	chat, err := g.hostedChat(chatID)
	if err != nil {
		return err
	}
	if peerID == chat.HostPeerID {
		return ErrHostCannotLeave
	}
	if !chat.RemoveMember(peerID) {
		return nil
	}
	if err := g.commit(chat, g.newUpdate(chat.ID, chat.HostPeerID, models.UpdateMemberRemoved, peerID), ""); err != nil {
		return err
	}
	g.sendDeleted(peerID, chat.ID)
	return nil
}

// Rename changes the chat name. Host only.
func (g *GroupSession) Rename(chatID, name string) error {
	unlock := g.lockChat(chatID)
	defer unlock()

	chat, err := g.hostedChat(chatID)
	if err != nil {
		return err
	}
	if chat.Name == name {
		return nil
	}
	chat.Name = name
	return g.commit(chat, g.newUpdate(chat.ID, chat.HostPeerID, models.UpdateRenamed, ""), "")
}

// SetAvatar changes the chat avatar. Host only.
func (g *GroupSession) SetAvatar(chatID, avatarID string) error {
	unlock := g.lockChat(chatID)
	defer unlock()

	chat, err := g.hostedChat(chatID)
	if err != nil {
		return err
	}
	if chat.AvatarID == avatarID {
		return nil
	}
	chat.AvatarID = avatarID
	return g.commit(chat, g.newUpdate(chat.ID, chat.HostPeerID, models.UpdateAvatarChanged, ""), "")
}

// LeaveChat asks the host to remove the local member. The local copy is
// tombstoned when the host confirms.
func (g *GroupSession) LeaveChat(chatID string) error {
	chat, err := g.liveChat(chatID)
	if err != nil {
		return err
	}
	if chat.IsHostedBy(g.selfID()) {
		return ErrHostCannotLeave
	}
	if !g.opts.Transport.IsConnected(chat.HostPeerID) {
		return ErrHostNotConnected
	}
	return g.opts.Transport.Send(chat.HostPeerID, network.LeaveChatRequest{ChatID: chat.ID})
}

// DeleteChat tombstones a hosted chat and tells connected members.
// Unreachable members learn it on their next handshake.
func (g *GroupSession) DeleteChat(chatID string) error {
	unlock := g.lockChat(chatID)
	defer unlock()

	chat, err := g.hostedChat(chatID)
	if err != nil {
		return err
	}
	chat.Exists = false
	if err := g.opts.Store.SaveGroupChat(chat); err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	for _, member := range chat.Members {
		if member != chat.HostPeerID {
			g.sendDeleted(member, chat.ID)
		}
	}
	return nil
}

// MarkRead marks every message of the chat as read.
func (g *GroupSession) MarkRead(chatID string) error {
	return g.opts.Store.MarkChatRead(chatID)
}

// PeerDisconnected drops fan-out messages buffered for chats hosted by peerID.
// The next handshake resends whatever they carried.
func (g *GroupSession) PeerDisconnected(peerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for chatID, queued := range g.pending {
		if len(queued) > 0 && queued[0].from == peerID {
			delete(g.pending, chatID)
		}
	}
}

// HandleMessage implements network.Handler for the GroupChat category.
func (g *GroupSession) HandleMessage(peerID string, message network.Message, _ io.Reader) {
	var err error
	switch m := message.(type) {
	case *network.GroupChatInfo:
		err = g.applyChatInfo(peerID, *m)
	case *network.ChatInfoRequest:
		err = g.handleChatInfoRequest(peerID, m)
	case *network.InviteToChatRequest:
		err = g.handleInviteRequest(peerID, m)
	case *network.InviteToChatResponse:
		err = g.handleInviteResponse(peerID, m)
	case *network.HostChatMessage:
		err = g.handleHostMessage(peerID, m)
	case *network.ClientChatMessage:
		err = g.handleClientMessage(peerID, m)
	case *network.ChatInitiationMessage:
		err = g.handleInitiation(peerID, m)
	case *network.LeaveChatRequest:
		err = g.handleLeaveRequest(peerID, m)
	case *network.LeaveChatResponse:
		err = g.handleLeaveResponse(peerID, m)
	default:
		g.opts.Logger.Printf("session: unhandled group message tag=%s peer=%s", message.Tag(), peerID)
	}
	if err != nil {
		g.opts.Logger.Printf("session: group message failed tag=%s peer=%s err=%v", message.Tag(), peerID, err)
	}
}

// applyChatInfo installs the host's view of a chat.
func (g *GroupSession) applyChatInfo(from string, info network.GroupChatInfo) error {
	unlock := g.lockChat(info.ChatID)
	defer unlock()

	self := g.selfID()
	existing, err := g.opts.Store.GetGroupChat(info.ChatID)
	known := err == nil
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("load chat: %w", err)
	}
	if known && !existing.IsHostedBy(from) {
		return fmt.Errorf("chat %s info from non-host %s", info.ChatID, from)
	}

	if info.Status == network.ChatInfoDeleted || info.Chat == nil {
		g.dropPending(info.ChatID)
		if known && existing.Exists {
			return g.tombstone(existing, true)
		}
		return nil
	}

	chat := info.Chat.Clone()
	if chat.ID != info.ChatID || !chat.IsHostedBy(from) {
		return fmt.Errorf("chat %s info does not match sender %s", info.ChatID, from)
	}
	if !chat.HasMember(self) {
		g.dropPending(chat.ID)
		if known && existing.Exists {
			return g.tombstone(existing, true)
		}
		return nil
	}

	chat.Exists = true
	if err := g.opts.Store.SaveGroupChat(chat); err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	if err := g.insertFromHost(from, chat.ID, info.Messages); err != nil {
		return err
	}
	if !known || !existing.Exists {
		g.opts.Events.Publish(ChatEvent{Kind: EventAddedToGroup, ChatID: chat.ID, PeerID: from})
	}
	return g.flushPending(chat)
}

func (g *GroupSession) handleChatInfoRequest(from string, request *network.ChatInfoRequest) error {
	chat, err := g.opts.Store.GetGroupChat(request.ChatID)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("load chat: %w", err)
	}
	if err != nil || !chat.IsHostedBy(g.selfID()) || !chat.Exists || !chat.HasMember(from) {
		return g.opts.Transport.Send(from, network.GroupChatInfo{ChatID: request.ChatID, Status: network.ChatInfoDeleted})
	}
	return g.opts.Transport.Send(from, network.GroupChatInfo{ChatID: chat.ID, Status: network.ChatInfoExists, Chat: &chat})
}

func (g *GroupSession) handleInviteRequest(from string, request *network.InviteToChatRequest) error {
	response := network.InviteToChatResponse{ChatID: request.ChatID, PeerID: request.PeerID}

	unlock := g.lockChat(request.ChatID)
	defer unlock()

	chat, err := g.opts.Store.GetGroupChat(request.ChatID)
	switch {
	case err != nil && !isNotFound(err):
		return fmt.Errorf("load chat: %w", err)
	case err != nil || !chat.IsHostedBy(g.selfID()):
		response.Reason = "unknown chat"
	case !chat.Exists:
		response.Reason = "chat deleted"
	case !chat.HasMember(from):
		response.Reason = "not a member"
	default:
		updated, err := g.hostAddMember(chat, request.PeerID, from)
		if err != nil {
			return err
		}
		response.Accepted = true
		response.Chat = &updated
		if last, err := g.opts.Store.LastMessage(updated.ID); err == nil {
			response.LastMessageID = last.ID
		} else if !isNotFound(err) {
			return fmt.Errorf("load last message: %w", err)
		}
	}
	return g.opts.Transport.Send(from, response)
}

func (g *GroupSession) handleInviteResponse(from string, response *network.InviteToChatResponse) error {
	if !response.Accepted || response.Chat == nil {
		g.opts.Logger.Printf("session: invite refused chat=%s peer=%s reason=%s", response.ChatID, response.PeerID, response.Reason)
		return nil
	}
	g.opts.Logger.Printf("session: invite accepted chat=%s peer=%s last=%s", response.ChatID, response.PeerID, response.LastMessageID)
	return g.applyChatInfo(from, network.GroupChatInfo{ChatID: response.ChatID, Status: network.ChatInfoExists, Chat: response.Chat})
}

func (g *GroupSession) handleHostMessage(from string, m *network.HostChatMessage) error {
	unlock := g.lockChat(m.ChatID)
	defer unlock()

	chat, err := g.opts.Store.GetGroupChat(m.ChatID)
	if err != nil {
		if isNotFound(err) {
			return g.requestResync(from, m)
		}
		return fmt.Errorf("load chat: %w", err)
	}
	if !chat.IsHostedBy(from) {
		return fmt.Errorf("fan-out for chat %s from non-host %s", chat.ID, from)
	}
	if !chat.Exists {
		return nil
	}
	if ContentHash(chat) != m.ChatHash || g.hasPending(chat.ID) {
		return g.requestResync(from, m)
	}
	return g.insertFromHost(from, chat.ID, []models.Message{m.Message})
}

func (g *GroupSession) handleClientMessage(from string, m *network.ClientChatMessage) error {
	unlock := g.lockChat(m.ChatID)
	defer unlock()

	chat, err := g.opts.Store.GetGroupChat(m.ChatID)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("load chat: %w", err)
	}
	if err != nil || !chat.IsHostedBy(g.selfID()) || !chat.Exists || !chat.HasMember(from) {
		g.sendDeleted(from, m.ChatID)
		return nil
	}

	message := m.Message
	message.ChatID = chat.ID
	message.SenderPeerID = from
	message.Kind = models.MessageKindPlain
	message.UpdateKind = ""
	message.TargetPeerID = ""
	message.ReadByMe = false
	message.Timestamp = g.opts.Clock.ToLocal(from, message.Timestamp)

	g.checkUserHash(from, m.UserHash)

	inserted, err := g.opts.Store.InsertMessage(message)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	if !inserted {
		return nil
	}
	g.opts.Events.Publish(ChatEvent{Kind: EventNewMessage, ChatID: chat.ID, PeerID: from, Message: &message})
	g.fanOut(chat, message, from)
	return nil
}

func (g *GroupSession) handleInitiation(from string, m *network.ChatInitiationMessage) error {
	chat := m.Chat.Clone()
	return g.applyChatInfo(from, network.GroupChatInfo{
		ChatID:   chat.ID,
		Status:   network.ChatInfoExists,
		Chat:     &chat,
		Messages: m.Messages,
	})
}

func (g *GroupSession) handleLeaveRequest(from string, request *network.LeaveChatRequest) error {
	unlock := g.lockChat(request.ChatID)
	defer unlock()

	chat, err := g.opts.Store.GetGroupChat(request.ChatID)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("load chat: %w", err)
	}
	if err == nil && chat.IsHostedBy(g.selfID()) && chat.Exists && chat.RemoveMember(from) {
		if err := g.commit(chat, g.newUpdate(chat.ID, from, models.UpdateMemberLeft, from), ""); err != nil {
			return err
		}
	}
	return g.opts.Transport.Send(from, network.LeaveChatResponse{ChatID: request.ChatID})
}

func (g *GroupSession) handleLeaveResponse(from string, response *network.LeaveChatResponse) error {
	unlock := g.lockChat(response.ChatID)
	defer unlock()

	chat, err := g.opts.Store.GetGroupChat(response.ChatID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("load chat: %w", err)
	}
	if !chat.IsHostedBy(from) || !chat.Exists {
		return nil
	}
	return g.tombstone(chat, false)
}

// hostAddMember adds peerID on behalf of by, fans the update out and seeds the
// new member.
func (g *GroupSession) hostAddMember(chat models.GroupChat, peerID, by string) (models.GroupChat, error) {
	if peerID == "" {
		return chat, errors.New("peer id is required")
	}
	if !chat.AddMember(peerID) {
		return chat, nil
	}
	if err := g.commit(chat, g.newUpdate(chat.ID, by, models.UpdateMemberAdded, peerID), peerID); err != nil {
		return chat, err
	}
	g.sendInitiation(chat, peerID)
	return chat, nil
}

// commit saves a hosted chat, records the update and fans it out.
func (g *GroupSession) commit(chat models.GroupChat, update models.Message, exclude string) error {
	if err := g.opts.Store.SaveGroupChat(chat); err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	if _, err := g.opts.Store.InsertMessage(update); err != nil {
		return fmt.Errorf("store update: %w", err)
	}
	g.fanOut(chat, update, exclude)
	return nil
}

func (g *GroupSession) newUpdate(chatID, sender string, kind models.UpdateKind, target string) models.Message {
	return models.Message{
		ID:           uuid.NewString(),
		ChatID:       chatID,
		SenderPeerID: sender,
		Timestamp:    g.opts.Clock.Now(),
		ReadByMe:     true,
		Kind:         models.MessageKindGroupUpdate,
		UpdateKind:   kind,
		TargetPeerID: target,
	}
}

// fanOut sends message to every connected member except the host and exclude.
func (g *GroupSession) fanOut(chat models.GroupChat, message models.Message, exclude string) {
	hash := ContentHash(chat)
	for _, member := range chat.Members {
		if member == chat.HostPeerID || member == exclude || !g.opts.Transport.IsConnected(member) {
			continue
		}
		if err := g.opts.Transport.Send(member, network.HostChatMessage{
			ChatID:   chat.ID,
			ChatHash: hash,
			Message:  message,
		}); err != nil {
			g.opts.Logger.Printf("session: fan-out failed chat=%s peer=%s err=%v", chat.ID, member, err)
		}
	}
}

func (g *GroupSession) sendInitiation(chat models.GroupChat, peerID string) {
	if !g.opts.Transport.IsConnected(peerID) {
		return
	}
	history, err := g.opts.Store.MessagesAfter(chat.ID, "", g.opts.HistoryWindow)
	if err != nil {
		g.opts.Logger.Printf("session: load history failed chat=%s err=%v", chat.ID, err)
		return
	}
	if err := g.opts.Transport.Send(peerID, network.ChatInitiationMessage{Chat: chat, Messages: history}); err != nil {
		g.opts.Logger.Printf("session: chat initiation failed chat=%s peer=%s err=%v", chat.ID, peerID, err)
	}
}

func (g *GroupSession) sendDeleted(peerID, chatID string) {
	if !g.opts.Transport.IsConnected(peerID) {
		return
	}
	if err := g.opts.Transport.Send(peerID, network.GroupChatInfo{ChatID: chatID, Status: network.ChatInfoDeleted}); err != nil {
		g.opts.Logger.Printf("session: deleted notice failed chat=%s peer=%s err=%v", chatID, peerID, err)
	}
}

// checkUserHash asks the sender for its profile when ours is stale.
func (g *GroupSession) checkUserHash(peerID, hash string) {
	if hash == "" {
		return
	}
	var known string
	if user, err := g.opts.Store.GetUser(peerID); err == nil {
		known = UserHash(user)
	}
	if known == hash {
		return
	}
	if err := g.opts.Transport.Send(peerID, network.UserInfoRequest{KnownUserHash: known}); err != nil {
		g.opts.Logger.Printf("session: user info request failed peer=%s err=%v", peerID, err)
	}
}

// insertFromHost stores messages relayed by the chat host, converting their
// timestamps to local time.
func (g *GroupSession) insertFromHost(from, chatID string, messages []models.Message) error {
	self := g.selfID()
	for _, message := range messages {
		message.ChatID = chatID
		message.Timestamp = g.opts.Clock.ToLocal(from, message.Timestamp)
		message.ReadByMe = message.SenderPeerID == self

		inserted, err := g.opts.Store.InsertMessage(message)
		if err != nil {
			return fmt.Errorf("store message %s: %w", message.ID, err)
		}
		if inserted && message.SenderPeerID != self {
			stored := message
			g.opts.Events.Publish(ChatEvent{Kind: EventNewMessage, ChatID: chatID, PeerID: message.SenderPeerID, Message: &stored})
		}
	}
	return nil
}

// requestResync buffers m and asks the host for the chat once per outstanding resync.
func (g *GroupSession) requestResync(from string, m *network.HostChatMessage) error {
	g.mu.Lock()
	queued := g.pending[m.ChatID]
	first := len(queued) == 0
	g.pending[m.ChatID] = append(queued, pendingHostMessage{from: from, hash: m.ChatHash, message: m.Message})
	g.mu.Unlock()

	if !first {
		return nil
	}
	if err := g.opts.Transport.Send(from, network.ChatInfoRequest{ChatID: m.ChatID}); err != nil {
		g.dropPending(m.ChatID)
		return fmt.Errorf("request chat info: %w", err)
	}
	return nil
}

func (g *GroupSession) hasPending(chatID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending[chatID]) > 0
}

func (g *GroupSession) dropPending(chatID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, chatID)
}

func (g *GroupSession) flushPending(chat models.GroupChat) error {
	g.mu.Lock()
	queued := g.pending[chat.ID]
	delete(g.pending, chat.ID)
	g.mu.Unlock()

	for _, entry := range queued {
		if !chat.IsHostedBy(entry.from) {
			continue
		}
		if err := g.insertFromHost(entry.from, chat.ID, []models.Message{entry.message}); err != nil {
			return err
		}
	}

	// The reply may predate the newest buffered fan-out.
	if n := len(queued); n > 0 && queued[n-1].hash != ContentHash(chat) {
		if err := g.opts.Transport.Send(chat.HostPeerID, network.ChatInfoRequest{ChatID: chat.ID}); err != nil {
			return fmt.Errorf("request chat info: %w", err)
		}
	}
	return nil
}

// tombstone marks a chat deleted while keeping its history.
func (g *GroupSession) tombstone(chat models.GroupChat, notify bool) error {
	chat.Exists = false
	if err := g.opts.Store.SaveGroupChat(chat); err != nil {
		return fmt.Errorf("tombstone chat: %w", err)
	}
	g.dropPending(chat.ID)
	if notify {
		g.opts.Events.Publish(ChatEvent{Kind: EventRemovedFromGroup, ChatID: chat.ID, PeerID: chat.HostPeerID})
	}
	return nil
}

// tombstoneFromHost tombstones a client chat the host no longer owns.
func (g *GroupSession) tombstoneFromHost(chatID, host string) error {
	unlock := g.lockChat(chatID)
	defer unlock()

	chat, err := g.opts.Store.GetGroupChat(chatID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("load chat: %w", err)
	}
	if !chat.IsHostedBy(host) || !chat.Exists {
		return nil
	}
	return g.tombstone(chat, true)
}

// digest computes the handshake digest of a stored chat.
func (g *GroupSession) digest(chat models.GroupChat) (models.ChatDigest, error) {
	last, err := g.opts.Store.LastMessage(chat.ID)
	if err != nil {
		if isNotFound(err) {
			return Digest(chat, nil), nil
		}
		return models.ChatDigest{}, fmt.Errorf("load last message: %w", err)
	}
	return Digest(chat, &last), nil
}

// buildChatInfos materializes reconcile output into GroupChatInfo payloads.
func (g *GroupSession) buildChatInfos(plans []ChatInfoPlan) ([]network.GroupChatInfo, error) {
	infos := make([]network.GroupChatInfo, 0, len(plans))
	for _, plan := range plans {
		if !plan.Exists {
			infos = append(infos, network.GroupChatInfo{ChatID: plan.ChatID, Status: network.ChatInfoDeleted})
			continue
		}
		chat, err := g.opts.Store.GetGroupChat(plan.ChatID)
		if err != nil {
			return nil, fmt.Errorf("load chat %s: %w", plan.ChatID, err)
		}
		messages, err := g.opts.Store.MessagesAfter(plan.ChatID, plan.SinceMessageID, g.opts.HistoryWindow)
		if err != nil {
			return nil, fmt.Errorf("load history %s: %w", plan.ChatID, err)
		}
		infos = append(infos, network.GroupChatInfo{
			ChatID:   chat.ID,
			Status:   network.ChatInfoExists,
			Chat:     &chat,
			Messages: messages,
		})
	}
	return infos, nil
}

func (g *GroupSession) liveChat(chatID string) (models.GroupChat, error) {
	chat, err := g.opts.Store.GetGroupChat(chatID)
	if err != nil {
		return models.GroupChat{}, err
	}
	if !chat.Exists {
		return models.GroupChat{}, ErrChatTombstoned
	}
	return chat, nil
}

func (g *GroupSession) hostedChat(chatID string) (models.GroupChat, error) {
	chat, err := g.liveChat(chatID)
	if err != nil {
		return models.GroupChat{}, err
	}
	if !chat.IsHostedBy(g.selfID()) {
		return models.GroupChat{}, ErrNotHost
	}
	return chat, nil
}
