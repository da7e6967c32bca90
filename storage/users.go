package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"directlink/models"
)

// SaveUser inserts or replaces a peer's user record. The self record is
// managed through Identity.
func (s *Store) SaveUser(user models.User) error {
	if user.PeerID == "" {
		return errors.New("peer_id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO users (
			peer_id,
			color_argb,
			device_name,
			display_name,
			avatar_id,
			is_self,
			updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			color_argb = excluded.color_argb,
			device_name = excluded.device_name,
			display_name = excluded.display_name,
			avatar_id = excluded.avatar_id,
			updated_at = excluded.updated_at`,
		user.PeerID,
		user.ColorARGB,
		user.DeviceName,
		user.DisplayName,
		user.AvatarID,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save user %q: %w", user.PeerID, err)
	}

	s.notify(ChangeUser, user.PeerID)
	return nil
}

// GetUser fetches one user by peer id.
func (s *Store) GetUser(peerID string) (models.User, error) {
	if peerID == "" {
		return models.User{}, errors.New("peer_id is required")
	}

	row := s.db.QueryRow(
		`SELECT peer_id, color_argb, device_name, display_name, avatar_id
		FROM users
		WHERE peer_id = ?`,
		peerID,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("get user %q: %w", peerID, err)
	}
	return user, nil
}

// ListUsers returns every known peer user, excluding the self record.
func (s *Store) ListUsers() ([]models.User, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, color_argb, device_name, display_name, avatar_id
		FROM users
		WHERE is_self = 0
		ORDER BY peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}
	return users, nil
}

func (s *Store) getSelf() (models.User, error) {
	row := s.db.QueryRow(
		`SELECT peer_id, color_argb, device_name, display_name, avatar_id
		FROM users
		WHERE is_self = 1`,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("get self user: %w", err)
	}
	return user, nil
}

// saveSelf replaces the self record, moving it when the peer id changed.
func (s *Store) saveSelf(user models.User) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin self update: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM users WHERE is_self = 1 OR peer_id = ?`, user.PeerID); err != nil {
		return fmt.Errorf("clear self user: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO users (
			peer_id,
			color_argb,
			device_name,
			display_name,
			avatar_id,
			is_self,
			updated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?)`,
		user.PeerID,
		user.ColorARGB,
		user.DeviceName,
		user.DisplayName,
		user.AvatarID,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("insert self user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit self update: %w", err)
	}

	s.notify(ChangeUser, user.PeerID)
	return nil
}

func scanUser(row scanner) (models.User, error) {
	var user models.User
	if err := row.Scan(
		&user.PeerID,
		&user.ColorARGB,
		&user.DeviceName,
		&user.DisplayName,
		&user.AvatarID,
	); err != nil {
		return models.User{}, err
	}
	return user, nil
}
