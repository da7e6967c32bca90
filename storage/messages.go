package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"directlink/models"
)

const messageColumns = `
	chat_id,
	message_id,
	sender_peer_id,
	timestamp,
	read_by_me,
	kind,
	quoted_message_id,
	content,
	update_kind,
	target_peer_id`

// InsertMessage stores a message unless the chat already holds its id, and
// reports whether a row was added.
func (s *Store) InsertMessage(message models.Message) (bool, error) {
	if message.ID == "" {
		return false, errors.New("message_id is required")
	}
	if message.ChatID == "" {
		return false, errors.New("chat_id is required")
	}
	if message.SenderPeerID == "" {
		return false, errors.New("sender_peer_id is required")
	}
	if message.Kind == "" {
		message.Kind = models.MessageKindPlain
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}
	content, err := encodeJSON(nonNilContent(message.Content))
	if err != nil {
		return false, err
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO messages (`+messageColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ChatID,
		message.ID,
		message.SenderPeerID,
		message.Timestamp,
		boolInt(message.ReadByMe),
		string(message.Kind),
		message.QuotedMessageID,
		content,
		string(message.UpdateKind),
		message.TargetPeerID,
	)
	if err != nil {
		return false, fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for message %q: %w", message.ID, err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	s.notify(ChangeMessage, message.ChatID)
	return true, nil
}

// GetMessage fetches one message of a chat.
func (s *Store) GetMessage(chatID, messageID string) (models.Message, error) {
	row := s.db.QueryRow(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND message_id = ?`,
		chatID,
		messageID,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// LastMessage returns the newest message of a chat by (timestamp, id).
func (s *Store) LastMessage(chatID string) (models.Message, error) {
	row := s.db.QueryRow(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp DESC, message_id DESC
		LIMIT 1`,
		chatID,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("get last message of %q: %w", chatID, err)
	}
	return message, nil
}

// Messages returns up to limit of the newest messages of a chat, oldest first.
func (s *Store) Messages(chatID string, limit int) ([]models.Message, error) {
	return s.MessagesAfter(chatID, "", limit)
}

// MessagesAfter returns up to limit of the newest messages that sort after
// afterID, oldest first. An empty or unknown afterID selects the newest
// messages of the chat.
func (s *Store) MessagesAfter(chatID, afterID string, limit int) ([]models.Message, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT` + messageColumns + `
		FROM messages
		WHERE chat_id = ?`
	args := []any{chatID}

	if afterID != "" {
		anchor, err := s.GetMessage(chatID, afterID)
		switch {
		case err == nil:
			query += ` AND (timestamp > ? OR (timestamp = ? AND message_id > ?))`
			args = append(args, anchor.Timestamp, anchor.Timestamp, anchor.ID)
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	query += ` ORDER BY timestamp DESC, message_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages of %q: %w", chatID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

// MarkChatRead sets read_by_me on every message of a chat.
func (s *Store) MarkChatRead(chatID string) error {
	if chatID == "" {
		return errors.New("chat_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET read_by_me = 1
		WHERE chat_id = ? AND read_by_me = 0`,
		chatID,
	)
	if err != nil {
		return fmt.Errorf("mark chat %q read: %w", chatID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.notify(ChangeMessage, chatID)
	}
	return nil
}

// UnreadCount returns how many messages of a chat are unread.
func (s *Store) UnreadCount(chatID string) (int, error) {
	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(1) FROM messages WHERE chat_id = ? AND read_by_me = 0`,
		chatID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread messages of %q: %w", chatID, err)
	}
	return count, nil
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		message    models.Message
		readByMe   int
		kind       string
		content    string
		updateKind string
	)
	if err := row.Scan(
		&message.ChatID,
		&message.ID,
		&message.SenderPeerID,
		&message.Timestamp,
		&readByMe,
		&kind,
		&message.QuotedMessageID,
		&content,
		&updateKind,
		&message.TargetPeerID,
	); err != nil {
		return models.Message{}, err
	}

	message.ReadByMe = readByMe == 1
	message.Kind = models.MessageKind(kind)
	message.UpdateKind = models.UpdateKind(updateKind)
	if err := json.Unmarshal([]byte(content), &message.Content); err != nil {
		return models.Message{}, fmt.Errorf("decode content of %q: %w", message.ID, err)
	}
	if len(message.Content) == 0 {
		message.Content = nil
	}
	return message, nil
}

func nonNilContent(content []models.Content) []models.Content {
	if content == nil {
		return []models.Content{}
	}
	return content
}
