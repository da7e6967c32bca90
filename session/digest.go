package session

import (
	"encoding/hex"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"directlink/models"
)

const fieldSeparator = "\x00"

// ContentHash fingerprints a group chat's mutable metadata: name, avatar and
// member set. Member order does not affect the result.
func ContentHash(chat models.GroupChat) string {
	members := slices.Clone(chat.Members)
	slices.Sort(members)
	members = slices.Compact(members)

	var b strings.Builder
	b.WriteString(chat.Name)
	b.WriteString(fieldSeparator)
	b.WriteString(chat.AvatarID)
	b.WriteString(fieldSeparator)
	b.WriteString(strings.Join(members, fieldSeparator))

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Digest builds the handshake digest of a chat. last is the newest message,
// nil when the chat has no history.
func Digest(chat models.GroupChat, last *models.Message) models.ChatDigest {
	digest := models.ChatDigest{ChatID: chat.ID, ContentHash: ContentHash(chat)}
	if last != nil {
		digest.LastMessageID = last.ID
	}
	return digest
}

// UserHash fingerprints a user profile so peers can tell a stale copy.
func UserHash(user models.User) string {
	fields := []string{
		user.PeerID,
		strconv.FormatInt(user.ColorARGB, 10),
		user.DeviceName,
		user.DisplayName,
		user.AvatarID,
	}
	sum := blake2b.Sum256([]byte(strings.Join(fields, fieldSeparator)))
	return hex.EncodeToString(sum[:])
}

// Latest returns the newest message by (timestamp, id).
func Latest(messages []models.Message) (models.Message, bool) {
	if len(messages) == 0 {
		return models.Message{}, false
	}
	latest := messages[0]
	for _, m := range messages[1:] {
		if latest.Before(m) {
			latest = m
		}
	}
	return latest, true
}
