package session

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"directlink/models"
	"directlink/network"
	"directlink/storage"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func waitForCondition(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type testNode struct {
	id       string
	store    *storage.Store
	files    *storage.Files
	identity *storage.Identity
	book     *network.AddressBook
	manager  *network.Manager
	sessions *Sessions
}

type testNodeConfig struct {
	skew time.Duration
}

// newTestNode builds a full node over loopback TCP with its own sqlite store.
func newTestNode(t *testing.T, id string, cfg testNodeConfig) *testNode {
	t.Helper()
	dir := t.TempDir()

	store, _, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	files, err := storage.OpenFiles(filepath.Join(dir, storage.DefaultFilesDirName))
	if err != nil {
		t.Fatalf("open files: %v", err)
	}
	identity, err := storage.LoadIdentity(store, models.User{PeerID: id, DeviceName: id + "-device", ColorARGB: 0xff112233})
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}

	node := &testNode{id: id, store: store, files: files, identity: identity, book: network.NewAddressBook()}

	var sessions *Sessions
	manager, err := network.NewManager(network.ManagerOptions{
		SelfID: func() string { return identity.Self().PeerID },
		Dialer: node.book,
		NewHandshake: func(role network.Role, peerID string) network.Handshake {
			return sessions.Handshakes.New(role, peerID)
		},
		ListenAddress:  "127.0.0.1:0",
		ConnectTimeout: 5 * time.Second,
		Logger:         discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	skew := cfg.skew
	sessions, err = New(Options{
		Store:     store,
		Identity:  identity,
		Transport: manager,
		Files:     files,
		Clock:     NewClock(func() time.Time { return time.Now().Add(skew) }),
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}
	sessions.Register(manager)

	states, cancel := manager.StateChanges()
	go func() {
		for change := range states {
			if change.State == network.StateDisconnected {
				sessions.PeerDisconnected(change.PeerID)
			}
		}
	}()

	if err := manager.EnsureStarted(); err != nil {
		t.Fatalf("EnsureStarted failed: %v", err)
	}
	node.manager = manager
	node.sessions = sessions

	t.Cleanup(func() {
		manager.Stop()
		cancel()
		sessions.Close()
		_ = store.Close()
	})
	return node
}

func (n *testNode) knows(other *testNode) {
	n.book.Set(other.id, other.manager.Addr().String())
}

// connect dials other and waits until both ends report the link.
func (n *testNode) connect(t *testing.T, other *testNode) {
	t.Helper()
	n.knows(other)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.manager.Connect(ctx, other.id); err != nil {
		t.Fatalf("connect %s -> %s failed: %v", n.id, other.id, err)
	}
	waitForCondition(t, 3*time.Second, func() bool { return other.manager.IsConnected(n.id) })
}

func (n *testNode) disconnect(t *testing.T, other *testNode) {
	t.Helper()
	n.manager.Disconnect(other.id)
	waitForCondition(t, 3*time.Second, func() bool {
		return !n.manager.IsConnected(other.id) && !other.manager.IsConnected(n.id)
	})
}

func (n *testNode) groupChat(chatID string) (models.GroupChat, bool) {
	chat, err := n.store.GetGroupChat(chatID)
	if err != nil {
		return models.GroupChat{}, false
	}
	return chat, true
}

func (n *testNode) message(chatID, messageID string) (models.Message, bool) {
	message, err := n.store.GetMessage(chatID, messageID)
	if err != nil {
		return models.Message{}, false
	}
	return message, true
}

func textContent(text string) []models.Content {
	return []models.Content{{Type: models.ContentText, Text: text}}
}
