package session

import (
	"slices"
	"testing"

	"directlink/models"
)

func hosted(chat models.GroupChat, lastID string) HostedChat {
	var last *models.Message
	if lastID != "" {
		last = &models.Message{ID: lastID}
	}
	return HostedChat{Chat: chat, Digest: Digest(chat, last)}
}

func TestReconcileSendsMissingChat(t *testing.T) {
	chat := baseChat()
	local := LocalSnapshot{SelfUserHash: "me", Hosted: []HostedChat{hosted(chat, "m9")}}

	plan := Reconcile(local, PeerSnapshot{PeerID: "a", KnownUserHash: "me"})
	if plan.SendUser {
		t.Fatalf("expected matching user hash to suppress the user record")
	}
	if len(plan.ChatInfos) != 1 || !plan.ChatInfos[0].Exists || plan.ChatInfos[0].SinceMessageID != "" {
		t.Fatalf("expected full Exists for chat-1, got %+v", plan.ChatInfos)
	}
}

func TestReconcileSendsOnlyNewerMessages(t *testing.T) {
	chat := baseChat()
	local := LocalSnapshot{Hosted: []HostedChat{hosted(chat, "m9")}}
	peer := PeerSnapshot{
		PeerID: "a",
		Client: []models.ChatDigest{Digest(chat, &models.Message{ID: "m5"})},
	}

	plan := Reconcile(local, peer)
	if len(plan.ChatInfos) != 1 || plan.ChatInfos[0].SinceMessageID != "m5" {
		t.Fatalf("expected Exists since m5, got %+v", plan.ChatInfos)
	}
	if !plan.SendUser {
		t.Fatalf("expected absent user hash to send the user record")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	chat := baseChat()
	h := hosted(chat, "m9")
	local := LocalSnapshot{SelfUserHash: "me", PrivateChatRecorded: true, PrivateChatExists: true, Hosted: []HostedChat{h}}
	peer := PeerSnapshot{
		PeerID:            "a",
		KnownUserHash:     "me",
		PrivateChatExists: true,
		Client:            []models.ChatDigest{h.Digest},
	}

	for i := 0; i < 2; i++ {
		plan := Reconcile(local, peer)
		if plan.SendUser || len(plan.ChatInfos) != 0 || len(plan.Tombstone) != 0 || plan.CreatePrivateChat {
			t.Fatalf("run %d: expected empty plan on unchanged state, got %+v", i, plan)
		}
	}
}

func TestReconcileDeletesForNonMembersAndTombstones(t *testing.T) {
	kicked := baseChat()
	kicked.ID = "kicked"
	kicked.RemoveMember("a")

	deleted := baseChat()
	deleted.ID = "deleted"
	deleted.Exists = false

	local := LocalSnapshot{Hosted: []HostedChat{hosted(kicked, ""), hosted(deleted, "")}}
	peer := PeerSnapshot{
		PeerID: "a",
		Client: []models.ChatDigest{
			{ChatID: "unknown"},
			{ChatID: "kicked"},
			{ChatID: "deleted"},
		},
	}

	plan := Reconcile(local, peer)
	var ids []string
	for _, info := range plan.ChatInfos {
		if info.Exists {
			t.Fatalf("expected only Deleted infos, got %+v", info)
		}
		ids = append(ids, info.ChatID)
	}
	if !slices.Equal(ids, []string{"deleted", "kicked", "unknown"}) {
		t.Fatalf("unexpected Deleted infos: %v", ids)
	}
}

func TestReconcileTombstonesChatsTheHostDropped(t *testing.T) {
	kept := baseChat()
	dropped := baseChat()
	dropped.ID = "dropped"

	local := LocalSnapshot{Client: []models.ChatDigest{Digest(kept, nil), Digest(dropped, nil)}}
	peer := PeerSnapshot{PeerID: "host", Owned: []models.ChatDigest{Digest(kept, nil)}}

	plan := Reconcile(local, peer)
	if !slices.Equal(plan.Tombstone, []string{"dropped"}) {
		t.Fatalf("expected dropped to be tombstoned, got %v", plan.Tombstone)
	}
	if got := local.clientDigests(plan.Tombstone); len(got) != 1 || got[0].ChatID != kept.ID {
		t.Fatalf("unexpected client digests after tombstone: %+v", got)
	}
}

func TestReconcilePrivateChatPresence(t *testing.T) {
	plan := Reconcile(LocalSnapshot{}, PeerSnapshot{PeerID: "a", PrivateChatExists: true})
	if !plan.CreatePrivateChat {
		t.Fatalf("expected missing private chat to be created")
	}

	// A locally deleted chat is not revived by the handshake.
	plan = Reconcile(LocalSnapshot{PrivateChatRecorded: true}, PeerSnapshot{PeerID: "a", PrivateChatExists: true})
	if plan.CreatePrivateChat {
		t.Fatalf("expected tombstoned private chat to stay deleted")
	}
}

func TestOwnedDigestsOnlyListsLiveMemberships(t *testing.T) {
	live := baseChat()
	gone := baseChat()
	gone.ID = "gone"
	gone.Exists = false
	other := baseChat()
	other.ID = "other"
	other.RemoveMember("a")

	local := LocalSnapshot{Hosted: []HostedChat{hosted(live, ""), hosted(gone, ""), hosted(other, "")}}
	owned := local.ownedDigests("a")
	if len(owned) != 1 || owned[0].ChatID != live.ID {
		t.Fatalf("unexpected owned digests: %+v", owned)
	}
}
