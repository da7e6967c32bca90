package models

import "slices"

// ChatKind distinguishes private from group chats in shared storage.
type ChatKind string

const (
	ChatKindPrivate ChatKind = "private"
	ChatKindGroup   ChatKind = "group"
)

// PrivateChat is a one-to-one conversation keyed by the peer's id.
type PrivateChat struct {
	PeerID    string `json:"peerId" validate:"required"`
	CreatedAt int64  `json:"createdAt"`
	Exists    bool   `json:"exists"`
}

// GroupChat is a host-authoritative conversation shared by its members.
//
// Exists=false marks a tombstone: the record and its history are kept but the
// chat no longer accepts messages.
type GroupChat struct {
	ID         string   `json:"id" validate:"required"`
	CreatedAt  int64    `json:"createdAt"`
	Exists     bool     `json:"exists"`
	HostPeerID string   `json:"hostPeerId" validate:"required"`
	Name       string   `json:"name"`
	AvatarID   string   `json:"avatar,omitempty"`
	Members    []string `json:"members" validate:"required,min=1"`
}

// HasMember reports whether peerID is part of the chat.
func (c GroupChat) HasMember(peerID string) bool {
	return slices.Contains(c.Members, peerID)
}

// IsHostedBy reports whether peerID is the chat's host.
func (c GroupChat) IsHostedBy(peerID string) bool {
	return peerID != "" && c.HostPeerID == peerID
}

// Clone returns a copy that does not share the members slice.
func (c GroupChat) Clone() GroupChat {
	out := c
	out.Members = slices.Clone(c.Members)
	return out
}

// AddMember appends peerID if missing and reports whether the chat changed.
func (c *GroupChat) AddMember(peerID string) bool {
	if c.HasMember(peerID) {
		return false
	}
	c.Members = append(c.Members, peerID)
	return true
}

// RemoveMember drops peerID and reports whether the chat changed.
func (c *GroupChat) RemoveMember(peerID string) bool {
	idx := slices.Index(c.Members, peerID)
	if idx < 0 {
		return false
	}
	c.Members = slices.Delete(c.Members, idx, idx+1)
	return true
}

// ChatDigest fingerprints a group chat's metadata for handshake diffing.
// It is computed on demand and never persisted.
type ChatDigest struct {
	ChatID        string `json:"chatId" validate:"required"`
	ContentHash   string `json:"contentHash"`
	LastMessageID string `json:"lastMessageId,omitempty"`
}
