package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"directlink/models"
	"directlink/network"
	"directlink/storage"
)

// slowStore widens the window between loading a chat and saving it.
type slowStore struct {
	*storage.Store
	delay time.Duration
}

func (s slowStore) GetGroupChat(chatID string) (models.GroupChat, error) {
	time.Sleep(s.delay)
	return s.Store.GetGroupChat(chatID)
}

func newHostGroupSession(t *testing.T) (*GroupSession, *storage.Store, *recordingTransport) {
	t.Helper()
	dir := t.TempDir()
	store, _, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	identity, err := storage.LoadIdentity(store, models.User{PeerID: "host"})
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	transport := &recordingTransport{}
	groups, err := NewGroupSession(Options{
		Store:     slowStore{Store: store, delay: 5 * time.Millisecond},
		Identity:  identity,
		Transport: transport,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewGroupSession failed: %v", err)
	}
	return groups, store, transport
}

func countUpdates(t *testing.T, store *storage.Store, chatID string, kind models.UpdateKind) int {
	t.Helper()
	history, err := store.Messages(chatID, 1000)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	n := 0
	for _, m := range history {
		if m.Kind == models.MessageKindGroupUpdate && m.UpdateKind == kind {
			n++
		}
	}
	return n
}

func TestConcurrentInvitesKeepEveryMember(t *testing.T) {
	groups, store, _ := newHostGroupSession(t)
	chat, err := groups.CreateGroup("Team", "", nil)
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	const invites = 10
	var wg sync.WaitGroup
	errs := make(chan error, invites)
	for i := 0; i < invites; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- groups.InviteMember(chat.ID, fmt.Sprintf("peer-%02d", i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("InviteMember failed: %v", err)
		}
	}

	got, err := store.GetGroupChat(chat.ID)
	if err != nil {
		t.Fatalf("GetGroupChat failed: %v", err)
	}
	if len(got.Members) != invites+1 {
		t.Fatalf("expected %d members, got %d: %v", invites+1, len(got.Members), got.Members)
	}
	for i := 0; i < invites; i++ {
		if id := fmt.Sprintf("peer-%02d", i); !got.HasMember(id) {
			t.Fatalf("missing member %s in %v", id, got.Members)
		}
	}
	if n := countUpdates(t, store, chat.ID, models.UpdateMemberAdded); n != invites {
		t.Fatalf("expected %d member-added entries, got %d", invites, n)
	}
}

func TestConcurrentHostEditsDoNotUndoEachOther(t *testing.T) {
	groups, store, _ := newHostGroupSession(t)
	chat, err := groups.CreateGroup("Team", "", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			groups.HandleMessage("bob", &network.InviteToChatRequest{ChatID: chat.ID, PeerID: fmt.Sprintf("guest-%d", i)}, nil)
		}(i)
	}
	wg.Add(3)
	go func() {
		defer wg.Done()
		groups.HandleMessage("alice", &network.LeaveChatRequest{ChatID: chat.ID}, nil)
	}()
	go func() {
		defer wg.Done()
		if err := groups.Rename(chat.ID, "Core"); err != nil {
			t.Errorf("Rename failed: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := groups.SetAvatar(chat.ID, "core.png"); err != nil {
			t.Errorf("SetAvatar failed: %v", err)
		}
	}()
	wg.Wait()

	got, err := store.GetGroupChat(chat.ID)
	if err != nil {
		t.Fatalf("GetGroupChat failed: %v", err)
	}
	if got.Name != "Core" || got.AvatarID != "core.png" {
		t.Fatalf("expected rename and avatar to survive, got %+v", got)
	}
	if got.HasMember("alice") || !got.HasMember("bob") || len(got.Members) != 7 {
		t.Fatalf("unexpected members %v", got.Members)
	}
	if n := countUpdates(t, store, chat.ID, models.UpdateMemberAdded); n != 5 {
		t.Fatalf("expected 5 member-added entries, got %d", n)
	}
	if n := countUpdates(t, store, chat.ID, models.UpdateMemberLeft); n != 1 {
		t.Fatalf("expected 1 member-left entry, got %d", n)
	}
}

func TestInviteResponseCarriesLastMessageID(t *testing.T) {
	groups, store, transport := newHostGroupSession(t)
	chat, err := groups.CreateGroup("Team", "", []string{"alice"})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	groups.HandleMessage("alice", &network.InviteToChatRequest{ChatID: chat.ID, PeerID: "carol"}, nil)

	var response *network.InviteToChatResponse
	for _, m := range transport.messages() {
		if r, ok := m.(network.InviteToChatResponse); ok {
			response = &r
		}
	}
	if response == nil || !response.Accepted {
		t.Fatalf("expected accepted invite response, got %+v", response)
	}
	last, err := store.LastMessage(chat.ID)
	if err != nil {
		t.Fatalf("LastMessage failed: %v", err)
	}
	if response.LastMessageID == "" || response.LastMessageID != last.ID {
		t.Fatalf("expected lastMessageId %q, got %q", last.ID, response.LastMessageID)
	}
}
