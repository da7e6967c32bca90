package storage

import (
	"errors"
	"fmt"
	"sync"

	"directlink/models"
)

// Identity serves the local user record. The record lives in the users table
// flagged is_self and is cached in memory.
type Identity struct {
	store *Store

	mu   sync.RWMutex
	self models.User
}

// LoadIdentity reads the self record, creating it from defaults on first run.
// defaults.PeerID may be empty: a device that does not know its own id adopts
// the one a peer reports back.
func LoadIdentity(store *Store, defaults models.User) (*Identity, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}

	self, err := store.getSelf()
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		self = defaults
		if err := store.saveSelf(self); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return &Identity{store: store, self: self}, nil
}

// Self returns the local user.
func (i *Identity) Self() models.User {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.self
}

// AdoptPeerID sets the local peer id if none is known and reports whether it
// changed.
func (i *Identity) AdoptPeerID(peerID string) bool {
	if peerID == "" {
		return false
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.self.PeerID != "" {
		return false
	}
	updated := i.self
	updated.PeerID = peerID
	if err := i.store.saveSelf(updated); err != nil {
		return false
	}
	i.self = updated
	return true
}

// UpdateProfile changes the editable profile fields. The peer id is kept.
func (i *Identity) UpdateProfile(displayName, avatarID string, colorARGB int64) (models.User, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	updated := i.self
	updated.DisplayName = displayName
	updated.AvatarID = avatarID
	if colorARGB != 0 {
		updated.ColorARGB = colorARGB
	}
	if err := i.store.saveSelf(updated); err != nil {
		return models.User{}, fmt.Errorf("update profile: %w", err)
	}
	i.self = updated
	return updated, nil
}
