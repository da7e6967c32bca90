package models

// MessageKind distinguishes user-authored messages from membership/metadata updates.
type MessageKind string

const (
	MessageKindPlain       MessageKind = "plain"
	MessageKindGroupUpdate MessageKind = "group_update"
)

// ContentType identifies one content part of a plain message.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// UpdateKind describes what a group update history entry records.
type UpdateKind string

const (
	UpdateChatCreated   UpdateKind = "chat_created"
	UpdateMemberAdded   UpdateKind = "member_added"
	UpdateMemberRemoved UpdateKind = "member_removed"
	UpdateMemberLeft    UpdateKind = "member_left"
	UpdateRenamed       UpdateKind = "renamed"
	UpdateAvatarChanged UpdateKind = "avatar_changed"
)

// Content is one part of a plain message. Image parts reference a file by name;
// the bytes travel separately through a file transfer.
type Content struct {
	Type     ContentType `json:"type" validate:"required,oneof=text image"`
	Text     string      `json:"text,omitempty"`
	FileName string      `json:"fileName,omitempty"`
	FileSize int64       `json:"fileSize,omitempty"`
}

// Message is one entry of a chat history. IDs are globally unique per chat and
// ordering is by Timestamp (unix milliseconds), ties broken by ID.
type Message struct {
	ID              string      `json:"id" validate:"required"`
	ChatID          string      `json:"chatId" validate:"required"`
	SenderPeerID    string      `json:"senderPeerId" validate:"required"`
	Timestamp       int64       `json:"timestamp"`
	ReadByMe        bool        `json:"readByMe"`
	Kind            MessageKind `json:"kind" validate:"required,oneof=plain group_update"`
	QuotedMessageID string      `json:"quotedMessageId,omitempty"`
	Content         []Content   `json:"content,omitempty" validate:"dive"`
	UpdateKind      UpdateKind  `json:"updateKind,omitempty"`
	TargetPeerID    string      `json:"targetPeerId,omitempty"`
}

// Before orders messages by timestamp then id.
func (m Message) Before(other Message) bool {
	if m.Timestamp != other.Timestamp {
		return m.Timestamp < other.Timestamp
	}
	return m.ID < other.ID
}

// ImageFileNames lists the files referenced by image content parts.
func (m Message) ImageFileNames() []string {
	var out []string
	for _, part := range m.Content {
		if part.Type == ContentImage && part.FileName != "" {
			out = append(out, part.FileName)
		}
	}
	return out
}
