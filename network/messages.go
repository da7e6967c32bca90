package network

import (
	"directlink/models"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Message is one decoded frame payload.
type Message interface {
	Tag() Tag
}

var (
	TagInitRequest         = Tag{Category: CategoryInitConnection, Variant: 0}
	TagInitResponse        = Tag{Category: CategoryInitConnection, Variant: 1}
	TagUserInfo            = Tag{Category: CategoryInitConnection, Variant: 2}
	TagUserInfoRequest     = Tag{Category: CategoryInitConnection, Variant: 3}
	TagIncompatibleVersion = Tag{Category: CategoryInitConnection, Variant: 4}
	TagKeepAlive           = Tag{Category: CategoryInitConnection, Variant: 5}
	TagKeepAliveAck        = Tag{Category: CategoryInitConnection, Variant: 6}

	TagGroupChatInfo         = Tag{Category: CategoryGroupChat, Variant: 0}
	TagChatInfoRequest       = Tag{Category: CategoryGroupChat, Variant: 1}
	TagInviteToChatRequest   = Tag{Category: CategoryGroupChat, Variant: 2}
	TagInviteToChatResponse  = Tag{Category: CategoryGroupChat, Variant: 3}
	TagHostChatMessage       = Tag{Category: CategoryGroupChat, Variant: 4}
	TagClientChatMessage     = Tag{Category: CategoryGroupChat, Variant: 5}
	TagChatInitiationMessage = Tag{Category: CategoryGroupChat, Variant: 6}
	TagLeaveChatRequest      = Tag{Category: CategoryGroupChat, Variant: 7}
	TagLeaveChatResponse     = Tag{Category: CategoryGroupChat, Variant: 8}

	TagPrivateMessage     = Tag{Category: CategoryPrivateChat, Variant: 0}
	TagPrivateChatStarted = Tag{Category: CategoryPrivateChat, Variant: 1}

	TagFileRequest  = Tag{Category: CategoryFile, Variant: 0}
	TagFileResponse = Tag{Category: CategoryFile, Variant: 1}
)

var registry = map[Tag]func() Message{
	TagInitRequest:         func() Message { return &InitRequest{} },
	TagInitResponse:        func() Message { return &InitResponse{} },
	TagUserInfo:            func() Message { return &UserInfo{} },
	TagUserInfoRequest:     func() Message { return &UserInfoRequest{} },
	TagIncompatibleVersion: func() Message { return &IncompatibleVersion{} },
	TagKeepAlive:           func() Message { return &KeepAlive{} },
	TagKeepAliveAck:        func() Message { return &KeepAliveAck{} },

	TagGroupChatInfo:         func() Message { return &GroupChatInfo{} },
	TagChatInfoRequest:       func() Message { return &ChatInfoRequest{} },
	TagInviteToChatRequest:   func() Message { return &InviteToChatRequest{} },
	TagInviteToChatResponse:  func() Message { return &InviteToChatResponse{} },
	TagHostChatMessage:       func() Message { return &HostChatMessage{} },
	TagClientChatMessage:     func() Message { return &ClientChatMessage{} },
	TagChatInitiationMessage: func() Message { return &ChatInitiationMessage{} },
	TagLeaveChatRequest:      func() Message { return &LeaveChatRequest{} },
	TagLeaveChatResponse:     func() Message { return &LeaveChatResponse{} },

	TagPrivateMessage:     func() Message { return &PrivateMessage{} },
	TagPrivateChatStarted: func() Message { return &PrivateChatStarted{} },

	TagFileRequest:  func() Message { return &FileRequest{} },
	TagFileResponse: func() Message { return &FileResponse{} },
}

// InitRequest opens the handshake. UserHash is the hash the sender holds for
// the receiver's user; ClientGroupDigests only covers chats hosted by the receiver.
type InitRequest struct {
	MyAddress          string              `json:"myAddress" validate:"required"`
	YourAddress        string              `json:"yourAddress,omitempty"`
	UserHash           string              `json:"userHash,omitempty"`
	Timestamp          int64               `json:"timestamp"`
	PrivateChatExists  bool                `json:"privateChatExists"`
	OwnedGroupDigests  []models.ChatDigest `json:"ownedGroupDigests,omitempty" validate:"dive"`
	ClientGroupDigests []models.ChatDigest `json:"clientGroupDigests,omitempty" validate:"dive"`
}

func (InitRequest) Tag() Tag { return TagInitRequest }

// InitResponse answers InitRequest with the responder's reconciliation output.
type InitResponse struct {
	MyAddress            string              `json:"myAddress" validate:"required"`
	MyUser               *models.User        `json:"myUser,omitempty"`
	UserHash             string              `json:"userHash,omitempty"`
	HostTimestamp        int64               `json:"hostTimestamp"`
	PrivateChatExists    bool                `json:"privateChatExists"`
	GroupChatInfos       []GroupChatInfo     `json:"groupChatInfos,omitempty" validate:"dive"`
	ClientGroupChatInfos []models.ChatDigest `json:"clientGroupChatInfos,omitempty" validate:"dive"`
	OwnedGroupDigests    []models.ChatDigest `json:"ownedGroupDigests,omitempty" validate:"dive"`
}

func (InitResponse) Tag() Tag { return TagInitResponse }

type UserInfo struct {
	User models.User `json:"user"`
}

func (UserInfo) Tag() Tag { return TagUserInfo }

// UserInfoRequest asks the receiver to send its current UserInfo.
type UserInfoRequest struct {
	KnownUserHash string `json:"knownUserHash,omitempty"`
}

func (UserInfoRequest) Tag() Tag { return TagUserInfoRequest }

// IncompatibleVersion tells the peer which protocol version the sender speaks
// after it rejected one of the peer's frames.
type IncompatibleVersion struct {
	Version int `json:"version" validate:"gte=1"`
}

func (IncompatibleVersion) Tag() Tag { return TagIncompatibleVersion }

// KeepAlive is sent on an idle link. The link answers it itself and never
// hands it to a handler.
type KeepAlive struct {
	Timestamp int64 `json:"timestamp"`
}

func (KeepAlive) Tag() Tag { return TagKeepAlive }

// KeepAliveAck answers a KeepAlive and echoes its timestamp.
type KeepAliveAck struct {
	Timestamp int64 `json:"timestamp"`
}

func (KeepAliveAck) Tag() Tag { return TagKeepAliveAck }

// ChatInfoStatus says whether the host still recognizes the receiver as a member.
type ChatInfoStatus string

const (
	ChatInfoExists  ChatInfoStatus = "exists"
	ChatInfoDeleted ChatInfoStatus = "deleted"
)

// GroupChatInfo carries authoritative chat metadata from the host, plus any
// messages the receiver is missing.
type GroupChatInfo struct {
	ChatID   string            `json:"chatId" validate:"required"`
	Status   ChatInfoStatus    `json:"status" validate:"required,oneof=exists deleted"`
	Chat     *models.GroupChat `json:"chat,omitempty" validate:"required_if=Status exists"`
	Messages []models.Message  `json:"messages,omitempty" validate:"dive"`
}

func (GroupChatInfo) Tag() Tag { return TagGroupChatInfo }

type ChatInfoRequest struct {
	ChatID string `json:"chatId" validate:"required"`
}

func (ChatInfoRequest) Tag() Tag { return TagChatInfoRequest }

// InviteToChatRequest asks the host to add PeerID to the chat.
type InviteToChatRequest struct {
	ChatID string `json:"chatId" validate:"required"`
	PeerID string `json:"peerId" validate:"required"`
}

func (InviteToChatRequest) Tag() Tag { return TagInviteToChatRequest }

// InviteToChatResponse answers an invite. An accepted response carries the
// updated chat and the id of the host's newest history entry.
type InviteToChatResponse struct {
	ChatID        string            `json:"chatId" validate:"required"`
	PeerID        string            `json:"peerId" validate:"required"`
	Accepted      bool              `json:"accepted"`
	Chat          *models.GroupChat `json:"chat,omitempty"`
	LastMessageID string            `json:"lastMessageId,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

func (InviteToChatResponse) Tag() Tag { return TagInviteToChatResponse }

// HostChatMessage is fanned out by the host. ChatHash is the content hash of
// the chat metadata after the message was applied.
type HostChatMessage struct {
	ChatID   string         `json:"chatId" validate:"required"`
	ChatHash string         `json:"chatHash" validate:"required"`
	Message  models.Message `json:"message"`
}

func (HostChatMessage) Tag() Tag { return TagHostChatMessage }

// ClientChatMessage is sent by a member to the host. UserHash is the sender's
// own user hash so the host can request a fresh profile.
type ClientChatMessage struct {
	ChatID   string         `json:"chatId" validate:"required"`
	UserHash string         `json:"userHash,omitempty"`
	Message  models.Message `json:"message"`
}

func (ClientChatMessage) Tag() Tag { return TagClientChatMessage }

// ChatInitiationMessage delivers a chat to a newly added member.
type ChatInitiationMessage struct {
	Chat     models.GroupChat `json:"chat"`
	Messages []models.Message `json:"messages,omitempty" validate:"dive"`
}

func (ChatInitiationMessage) Tag() Tag { return TagChatInitiationMessage }

type LeaveChatRequest struct {
	ChatID string `json:"chatId" validate:"required"`
}

func (LeaveChatRequest) Tag() Tag { return TagLeaveChatRequest }

type LeaveChatResponse struct {
	ChatID string `json:"chatId" validate:"required"`
}

func (LeaveChatResponse) Tag() Tag { return TagLeaveChatResponse }

type PrivateMessage struct {
	Message models.Message `json:"message"`
}

func (PrivateMessage) Tag() Tag { return TagPrivateMessage }

type PrivateChatStarted struct {
	CreatedAt int64 `json:"createdAt"`
}

func (PrivateChatStarted) Tag() Tag { return TagPrivateChatStarted }

// FileRequest asks the peer for a named file. ChatID is empty for avatars.
type FileRequest struct {
	ChatID   string          `json:"chatId,omitempty"`
	FileType models.FileType `json:"fileType" validate:"required,oneof=chat_image avatar"`
	FileName string          `json:"fileName" validate:"required"`
}

func (FileRequest) Tag() Tag { return TagFileRequest }

// FileResponse is followed on the wire by exactly FileSize raw bytes when Found.
type FileResponse struct {
	ChatID   string          `json:"chatId,omitempty"`
	FileType models.FileType `json:"fileType" validate:"required,oneof=chat_image avatar"`
	FileName string          `json:"fileName" validate:"required"`
	FileSize int64           `json:"fileSize" validate:"gte=0"`
	Found    bool            `json:"found"`
}

func (FileResponse) Tag() Tag { return TagFileResponse }
