package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	chatKindPrivate = "private"
	chatKindGroup   = "group"
)

// ChangeKind names the record family a Change touched.
type ChangeKind string

const (
	ChangeUser    ChangeKind = "user"
	ChangeChat    ChangeKind = "chat"
	ChangeMessage ChangeKind = "message"
)

// Change announces a write. ID is the peer id for users and the chat id for
// chats and messages.
type Change struct {
	Kind ChangeKind `json:"kind"`
	ID   string     `json:"id"`
}

type scanner interface {
	Scan(dest ...any) error
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	return string(raw), nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
