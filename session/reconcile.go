package session

import (
	"slices"
	"strings"

	"directlink/models"
)

// HostedChat is a chat the local device hosts, with its current digest.
type HostedChat struct {
	Chat   models.GroupChat
	Digest models.ChatDigest
}

// LocalSnapshot is what one side knows about its relationship with a peer.
type LocalSnapshot struct {
	SelfUserHash        string
	PrivateChatRecorded bool
	PrivateChatExists   bool
	// Hosted lists every chat hosted locally, tombstones included.
	Hosted []HostedChat
	// Client lists live chats hosted by the peer that the local side holds.
	Client []models.ChatDigest
}

// PeerSnapshot is what the peer reported in its half of the handshake.
type PeerSnapshot struct {
	PeerID string
	// KnownUserHash is the hash the peer holds for the local user.
	KnownUserHash     string
	PrivateChatExists bool
	Owned             []models.ChatDigest
	Client            []models.ChatDigest
}

// ChatInfoPlan is one GroupChatInfo to send. SinceMessageID is the newest
// message the peer reported, empty when it has none.
type ChatInfoPlan struct {
	ChatID         string
	Exists         bool
	SinceMessageID string
}

// Plan is the outcome of comparing both sides.
type Plan struct {
	SendUser          bool
	ChatInfos         []ChatInfoPlan
	Tombstone         []string
	CreatePrivateChat bool
}

// Reconcile decides what one side must send and change after hearing from the
// peer. It is pure and used by both handshake roles.
func Reconcile(local LocalSnapshot, peer PeerSnapshot) Plan {
	plan := Plan{
		SendUser:          peer.KnownUserHash != local.SelfUserHash,
		CreatePrivateChat: peer.PrivateChatExists && !local.PrivateChatRecorded,
	}

	reported := make(map[string]models.ChatDigest, len(peer.Client))
	for _, digest := range peer.Client {
		reported[digest.ChatID] = digest
	}

	hosted := make(map[string]HostedChat, len(local.Hosted))
	for _, h := range local.Hosted {
		hosted[h.Chat.ID] = h
		if !h.Chat.Exists || !h.Chat.HasMember(peer.PeerID) {
			continue
		}
		digest, ok := reported[h.Chat.ID]
		if ok && digest.ContentHash == h.Digest.ContentHash && digest.LastMessageID == h.Digest.LastMessageID {
			continue
		}
		plan.ChatInfos = append(plan.ChatInfos, ChatInfoPlan{
			ChatID:         h.Chat.ID,
			Exists:         true,
			SinceMessageID: digest.LastMessageID,
		})
	}

	for _, digest := range peer.Client {
		h, ok := hosted[digest.ChatID]
		if ok && h.Chat.Exists && h.Chat.HasMember(peer.PeerID) {
			continue
		}
		plan.ChatInfos = append(plan.ChatInfos, ChatInfoPlan{ChatID: digest.ChatID, Exists: false})
	}

	owned := make(map[string]bool, len(peer.Owned))
	for _, digest := range peer.Owned {
		owned[digest.ChatID] = true
	}
	for _, digest := range local.Client {
		if !owned[digest.ChatID] {
			plan.Tombstone = append(plan.Tombstone, digest.ChatID)
		}
	}

	slices.SortFunc(plan.ChatInfos, func(a, b ChatInfoPlan) int { return strings.Compare(a.ChatID, b.ChatID) })
	slices.Sort(plan.Tombstone)
	return plan
}

// ownedDigests lists live hosted chats that peerID belongs to.
func (s LocalSnapshot) ownedDigests(peerID string) []models.ChatDigest {
	var out []models.ChatDigest
	for _, h := range s.Hosted {
		if h.Chat.Exists && h.Chat.HasMember(peerID) {
			out = append(out, h.Digest)
		}
	}
	return out
}

// clientDigests lists Client minus the given tombstoned ids.
func (s LocalSnapshot) clientDigests(without []string) []models.ChatDigest {
	var out []models.ChatDigest
	for _, digest := range s.Client {
		if !slices.Contains(without, digest.ChatID) {
			out = append(out, digest)
		}
	}
	return out
}
