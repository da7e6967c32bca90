package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"directlink/models"
)

// SavePrivateChat inserts or replaces the private chat with one peer.
func (s *Store) SavePrivateChat(chat models.PrivateChat) error {
	if chat.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if chat.CreatedAt == 0 {
		chat.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO chats (chat_id, kind, live, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			live = excluded.live
		WHERE chats.kind = excluded.kind`,
		chat.PeerID,
		chatKindPrivate,
		boolInt(chat.Exists),
		chat.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save private chat %q: %w", chat.PeerID, err)
	}

	s.notify(ChangeChat, chat.PeerID)
	return nil
}

// GetPrivateChat fetches the private chat with peerID, tombstones included.
func (s *Store) GetPrivateChat(peerID string) (models.PrivateChat, error) {
	if peerID == "" {
		return models.PrivateChat{}, errors.New("peer_id is required")
	}

	var (
		chat models.PrivateChat
		live int
	)
	err := s.db.QueryRow(
		`SELECT chat_id, live, created_at
		FROM chats
		WHERE chat_id = ? AND kind = ?`,
		peerID,
		chatKindPrivate,
	).Scan(&chat.PeerID, &live, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PrivateChat{}, ErrNotFound
		}
		return models.PrivateChat{}, fmt.Errorf("get private chat %q: %w", peerID, err)
	}
	chat.Exists = live == 1
	return chat, nil
}

// ListPrivateChats returns every private chat ordered by creation time.
func (s *Store) ListPrivateChats() ([]models.PrivateChat, error) {
	rows, err := s.db.Query(
		`SELECT chat_id, live, created_at
		FROM chats
		WHERE kind = ?
		ORDER BY created_at, chat_id`,
		chatKindPrivate,
	)
	if err != nil {
		return nil, fmt.Errorf("list private chats: %w", err)
	}
	defer rows.Close()

	chats := make([]models.PrivateChat, 0)
	for rows.Next() {
		var (
			chat models.PrivateChat
			live int
		)
		if err := rows.Scan(&chat.PeerID, &live, &chat.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan private chat row: %w", err)
		}
		chat.Exists = live == 1
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate private chat rows: %w", err)
	}
	return chats, nil
}

// SaveGroupChat inserts or replaces a group chat. The host must be a member.
func (s *Store) SaveGroupChat(chat models.GroupChat) error {
	if chat.ID == "" {
		return errors.New("chat_id is required")
	}
	if chat.HostPeerID == "" {
		return errors.New("host_peer_id is required")
	}
	if !chat.HasMember(chat.HostPeerID) {
		return fmt.Errorf("host %q is not a member of chat %q", chat.HostPeerID, chat.ID)
	}
	if chat.CreatedAt == 0 {
		chat.CreatedAt = nowUnixMilli()
	}
	members, err := encodeJSON(chat.Members)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO chats (
			chat_id,
			kind,
			live,
			created_at,
			host_peer_id,
			name,
			avatar_id,
			members
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			live = excluded.live,
			host_peer_id = excluded.host_peer_id,
			name = excluded.name,
			avatar_id = excluded.avatar_id,
			members = excluded.members
		WHERE chats.kind = excluded.kind`,
		chat.ID,
		chatKindGroup,
		boolInt(chat.Exists),
		chat.CreatedAt,
		chat.HostPeerID,
		chat.Name,
		chat.AvatarID,
		members,
	)
	if err != nil {
		return fmt.Errorf("save group chat %q: %w", chat.ID, err)
	}

	s.notify(ChangeChat, chat.ID)
	return nil
}

// GetGroupChat fetches one group chat, tombstones included.
func (s *Store) GetGroupChat(chatID string) (models.GroupChat, error) {
	if chatID == "" {
		return models.GroupChat{}, errors.New("chat_id is required")
	}

	row := s.db.QueryRow(
		`SELECT chat_id, live, created_at, host_peer_id, name, avatar_id, members
		FROM chats
		WHERE chat_id = ? AND kind = ?`,
		chatID,
		chatKindGroup,
	)
	chat, err := scanGroupChat(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.GroupChat{}, ErrNotFound
		}
		return models.GroupChat{}, fmt.Errorf("get group chat %q: %w", chatID, err)
	}
	return chat, nil
}

// ListGroupChats returns every group chat, tombstones included.
func (s *Store) ListGroupChats() ([]models.GroupChat, error) {
	rows, err := s.db.Query(
		`SELECT chat_id, live, created_at, host_peer_id, name, avatar_id, members
		FROM chats
		WHERE kind = ?
		ORDER BY created_at, chat_id`,
		chatKindGroup,
	)
	if err != nil {
		return nil, fmt.Errorf("list group chats: %w", err)
	}
	defer rows.Close()

	chats := make([]models.GroupChat, 0)
	for rows.Next() {
		chat, err := scanGroupChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group chat rows: %w", err)
	}
	return chats, nil
}

func scanGroupChat(row scanner) (models.GroupChat, error) {
	var (
		chat    models.GroupChat
		live    int
		members string
	)
	if err := row.Scan(
		&chat.ID,
		&live,
		&chat.CreatedAt,
		&chat.HostPeerID,
		&chat.Name,
		&chat.AvatarID,
		&members,
	); err != nil {
		return models.GroupChat{}, err
	}
	chat.Exists = live == 1
	if err := json.Unmarshal([]byte(members), &chat.Members); err != nil {
		return models.GroupChat{}, fmt.Errorf("decode members of %q: %w", chat.ID, err)
	}
	return chat, nil
}
