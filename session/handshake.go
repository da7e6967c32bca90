package session

import (
	"errors"
	"fmt"
	"sync"

	"directlink/network"
)

// HandshakeState is the lifecycle of one link's handshake.
type HandshakeState string

const (
	HandshakeOpened           HandshakeState = "opened"
	HandshakeAwaitingPeerInfo HandshakeState = "awaiting_peer_info"
	HandshakeReconciled       HandshakeState = "reconciled"
	HandshakeRejected         HandshakeState = "rejected"
)

var errUnexpectedHandshakeMessage = errors.New("session: unexpected handshake message")

// Handshakes creates the per-link handshakes of one node.
type Handshakes struct {
	opts    Options
	groups  *GroupSession
	private *PrivateSession
}

// NewHandshakes wires the handshake to the sessions it reconciles.
func NewHandshakes(opts Options, groups *GroupSession, private *PrivateSession) (*Handshakes, error) {
	opts = opts.withDefaults()
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Identity == nil {
		return nil, errors.New("identity is required")
	}
	if groups == nil || private == nil {
		return nil, errors.New("group and private sessions are required")
	}
	return &Handshakes{opts: opts, groups: groups, private: private}, nil
}

// New implements network.HandshakeFactory.
func (h *Handshakes) New(role network.Role, peerID string) network.Handshake {
	return &Handshake{svc: h, role: role, peerID: peerID, state: HandshakeOpened}
}

// Handshake runs the InitRequest/InitResponse exchange on one link.
type Handshake struct {
	svc    *Handshakes
	role   network.Role
	peerID string

	mu    sync.Mutex
	state HandshakeState
}

// State returns the current handshake state.
func (hs *Handshake) State() HandshakeState {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.state
}

func (hs *Handshake) setState(state HandshakeState) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.state = state
}

// Begin sends InitRequest from the dialing side.
func (hs *Handshake) Begin(link *network.Link) error {
	if hs.role != network.RoleClient {
		return fmt.Errorf("%w: begin on %s link", errUnexpectedHandshakeMessage, hs.role)
	}
	request, err := hs.svc.buildRequest(hs.peerID)
	if err != nil {
		return err
	}
	if err := link.Send(request); err != nil {
		return fmt.Errorf("send init request: %w", err)
	}
	hs.setState(HandshakeAwaitingPeerInfo)
	return nil
}

// Handle implements network.Handshake.
func (hs *Handshake) Handle(link *network.Link, message network.Message) (string, bool, error) {
	state := hs.State()
	switch m := message.(type) {
	case *network.InitRequest:
		if hs.role != network.RoleServer || state != HandshakeOpened {
			return "", false, fmt.Errorf("%w: init request in state %s", errUnexpectedHandshakeMessage, state)
		}
		response, err := hs.svc.respond(m)
		if err != nil {
			return "", false, err
		}
		if err := link.Send(response); err != nil {
			return "", false, fmt.Errorf("send init response: %w", err)
		}
		hs.peerID = m.MyAddress
		hs.setState(HandshakeReconciled)
		return m.MyAddress, true, nil

	case *network.InitResponse:
		if hs.role != network.RoleClient || state != HandshakeAwaitingPeerInfo {
			return "", false, fmt.Errorf("%w: init response in state %s", errUnexpectedHandshakeMessage, state)
		}
		if m.MyAddress != hs.peerID {
			return "", false, fmt.Errorf("%w: expected %s, got %s", network.ErrPeerMismatch, hs.peerID, m.MyAddress)
		}
		if err := hs.svc.complete(link, m); err != nil {
			return "", false, err
		}
		hs.setState(HandshakeReconciled)
		return m.MyAddress, true, nil
	}
	return "", false, nil
}

// Reject implements network.Handshake.
func (hs *Handshake) Reject(link *network.Link, err *network.IncompatibleProtocolError) {
	hs.setState(HandshakeRejected)
	hs.svc.opts.Logger.Printf("session: handshake rejected peer=%s mine=%d theirs=%d", link.PeerID(), err.Mine, err.Theirs)
}

func (h *Handshakes) buildRequest(peerID string) (network.InitRequest, error) {
	self := h.opts.Identity.Self()
	if self.PeerID == "" {
		return network.InitRequest{}, errors.New("local peer id is unknown")
	}
	local, err := h.snapshot(peerID)
	if err != nil {
		return network.InitRequest{}, err
	}
	knownHash, err := h.knownUserHash(peerID)
	if err != nil {
		return network.InitRequest{}, err
	}

	return network.InitRequest{
		MyAddress:          self.PeerID,
		YourAddress:        peerID,
		UserHash:           knownHash,
		Timestamp:          h.opts.Clock.Now(),
		PrivateChatExists:  local.PrivateChatExists,
		OwnedGroupDigests:  local.ownedDigests(peerID),
		ClientGroupDigests: local.Client,
	}, nil
}

// respond runs the responder half: reconcile against the request, apply the
// local outcome and build InitResponse.
func (h *Handshakes) respond(request *network.InitRequest) (network.InitResponse, error) {
	peerID := request.MyAddress
	if request.YourAddress != "" && h.opts.Identity.AdoptPeerID(request.YourAddress) {
		h.opts.Logger.Printf("session: adopted local peer id=%s from peer=%s", request.YourAddress, peerID)
	}
	self := h.opts.Identity.Self()
	if self.PeerID == "" {
		return network.InitResponse{}, errors.New("local peer id is unknown")
	}
	h.opts.Clock.Record(peerID, request.Timestamp)

	local, err := h.snapshot(peerID)
	if err != nil {
		return network.InitResponse{}, err
	}
	plan := Reconcile(local, PeerSnapshot{
		PeerID:            peerID,
		KnownUserHash:     request.UserHash,
		PrivateChatExists: request.PrivateChatExists,
		Owned:             request.OwnedGroupDigests,
		Client:            request.ClientGroupDigests,
	})

	infos, err := h.groups.buildChatInfos(plan.ChatInfos)
	if err != nil {
		return network.InitResponse{}, err
	}
	if err := h.apply(peerID, plan); err != nil {
		return network.InitResponse{}, err
	}
	knownHash, err := h.knownUserHash(peerID)
	if err != nil {
		return network.InitResponse{}, err
	}

	response := network.InitResponse{
		MyAddress:            self.PeerID,
		UserHash:             knownHash,
		HostTimestamp:        h.opts.Clock.Now(),
		PrivateChatExists:    local.PrivateChatExists || plan.CreatePrivateChat,
		GroupChatInfos:       infos,
		ClientGroupChatInfos: local.clientDigests(plan.Tombstone),
		OwnedGroupDigests:    local.ownedDigests(peerID),
	}
	if plan.SendUser {
		response.MyUser = &self
	}
	h.opts.Logger.Printf("session: handshake answered peer=%s infos=%d tombstones=%d", peerID, len(infos), len(plan.Tombstone))
	return response, nil
}

// complete runs the requester half after InitResponse arrived.
func (h *Handshakes) complete(link *network.Link, response *network.InitResponse) error {
	peerID := response.MyAddress
	h.opts.Clock.Record(peerID, response.HostTimestamp)

	if response.MyUser != nil {
		if response.MyUser.PeerID != peerID {
			return fmt.Errorf("%w: user record for %s", network.ErrPeerMismatch, response.MyUser.PeerID)
		}
		if err := h.opts.Store.SaveUser(*response.MyUser); err != nil {
			return fmt.Errorf("save peer user: %w", err)
		}
	}
	for _, info := range response.GroupChatInfos {
		if err := h.groups.applyChatInfo(peerID, info); err != nil {
			h.opts.Logger.Printf("session: apply chat info failed peer=%s chat=%s err=%v", peerID, info.ChatID, err)
		}
	}

	local, err := h.snapshot(peerID)
	if err != nil {
		return err
	}
	plan := Reconcile(local, PeerSnapshot{
		PeerID:            peerID,
		KnownUserHash:     response.UserHash,
		PrivateChatExists: response.PrivateChatExists,
		Owned:             response.OwnedGroupDigests,
		Client:            response.ClientGroupChatInfos,
	})

	if plan.SendUser {
		if err := link.Send(network.UserInfo{User: h.opts.Identity.Self()}); err != nil {
			return fmt.Errorf("send user info: %w", err)
		}
	}
	infos, err := h.groups.buildChatInfos(plan.ChatInfos)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := link.Send(info); err != nil {
			return fmt.Errorf("send chat info %s: %w", info.ChatID, err)
		}
	}
	if err := h.apply(peerID, plan); err != nil {
		return err
	}
	h.opts.Logger.Printf("session: handshake completed peer=%s infos=%d tombstones=%d", peerID, len(infos), len(plan.Tombstone))
	return nil
}

func (h *Handshakes) apply(peerID string, plan Plan) error {
	for _, chatID := range plan.Tombstone {
		if err := h.groups.tombstoneFromHost(chatID, peerID); err != nil {
			return err
		}
	}
	if plan.CreatePrivateChat {
		if _, err := h.private.ensure(peerID, true); err != nil {
			return err
		}
	}
	return nil
}

// snapshot collects what the local side knows about its relationship with peerID.
func (h *Handshakes) snapshot(peerID string) (LocalSnapshot, error) {
	self := h.opts.Identity.Self()
	local := LocalSnapshot{SelfUserHash: UserHash(self)}

	private, err := h.opts.Store.GetPrivateChat(peerID)
	switch {
	case err == nil:
		local.PrivateChatRecorded = true
		local.PrivateChatExists = private.Exists
	case !isNotFound(err):
		return LocalSnapshot{}, fmt.Errorf("load private chat: %w", err)
	}

	chats, err := h.opts.Store.ListGroupChats()
	if err != nil {
		return LocalSnapshot{}, fmt.Errorf("list group chats: %w", err)
	}
	for _, chat := range chats {
		switch {
		case chat.IsHostedBy(self.PeerID):
			digest, err := h.groups.digest(chat)
			if err != nil {
				return LocalSnapshot{}, err
			}
			local.Hosted = append(local.Hosted, HostedChat{Chat: chat, Digest: digest})
		case chat.IsHostedBy(peerID) && chat.Exists:
			digest, err := h.groups.digest(chat)
			if err != nil {
				return LocalSnapshot{}, err
			}
			local.Client = append(local.Client, digest)
		}
	}
	return local, nil
}

func (h *Handshakes) knownUserHash(peerID string) (string, error) {
	user, err := h.opts.Store.GetUser(peerID)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("load peer user: %w", err)
	}
	return UserHash(user), nil
}
