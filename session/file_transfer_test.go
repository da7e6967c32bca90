package session

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"directlink/models"
	"directlink/network"
	"directlink/storage"
)

// recordingTransport is a connected Transport that records what was sent.
type recordingTransport struct {
	mu   sync.Mutex
	sent []network.Message
}

func (r *recordingTransport) Send(peerID string, message network.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, message)
	return nil
}

func (r *recordingTransport) SendWithBody(peerID string, message network.Message, body io.Reader, size int64) error {
	if _, err := io.CopyN(io.Discard, body, size); err != nil {
		return err
	}
	return r.Send(peerID, message)
}

func (r *recordingTransport) IsConnected(string) bool { return true }

func (r *recordingTransport) ConnectedPeerIDs() []string { return nil }

func (r *recordingTransport) messages() []network.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]network.Message(nil), r.sent...)
}

// cutReader yields n bytes and then reports the peer went away.
type cutReader struct {
	remaining int
}

func (c *cutReader) Read(p []byte) (int, error) {
	if c.remaining == 0 {
		return 0, io.EOF
	}
	n := min(len(p), c.remaining)
	c.remaining -= n
	return n, nil
}

func newFileSessionForTest(t *testing.T) (*FileSession, *storage.Files, *recordingTransport, string) {
	t.Helper()
	dir := t.TempDir()
	store, _, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	root := filepath.Join(dir, storage.DefaultFilesDirName)
	files, err := storage.OpenFiles(root)
	if err != nil {
		t.Fatalf("open files: %v", err)
	}
	identity, err := storage.LoadIdentity(store, models.User{PeerID: "me"})
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}

	transport := &recordingTransport{}
	session, err := NewFileSession(Options{
		Store:     store,
		Identity:  identity,
		Transport: transport,
		Files:     files,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewFileSession failed: %v", err)
	}
	t.Cleanup(session.Close)
	return session, files, transport, root
}

func TestTransferAbortLeavesNoArtifact(t *testing.T) {
	session, files, transport, root := newFileSessionForTest(t)
	updates, cancel := session.Transfers()
	defer cancel()

	state, err := session.RequestFile("peer", "", models.FileTypeChatImage, "big.bin", 1_000_000)
	if err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}
	if state != models.FileMissing {
		t.Fatalf("expected missing while transferring, got %q", state)
	}
	if sent := transport.messages(); len(sent) != 1 {
		t.Fatalf("expected one FileRequest, got %d", len(sent))
	}

	session.HandleMessage("peer", &network.FileResponse{
		FileType: models.FileTypeChatImage,
		FileName: "big.bin",
		FileSize: 1_000_000,
		Found:    true,
	}, &cutReader{remaining: 500_000})

	if got := files.Resolve(models.FileTypeChatImage, "big.bin", 0); got != models.FileMissing {
		t.Fatalf("expected missing after abort, got %q", got)
	}
	entries, err := os.ReadDir(filepath.Join(root, string(models.FileTypeChatImage)))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no partial file, found %d entries", len(entries))
	}
	if _, ok := session.Transfer(models.FileTypeChatImage, "big.bin"); ok {
		t.Fatalf("expected transfer state to be dropped")
	}

	final := lastTransferUpdate(t, updates, "big.bin")
	if final.Result != models.FileMissing || final.Err == "" {
		t.Fatalf("unexpected final state: %+v", final)
	}
	if final.BytesTransferred > 500_000 {
		t.Fatalf("unexpected progress: %d", final.BytesTransferred)
	}
}

func TestTransferCompletesAndReportsProgress(t *testing.T) {
	session, files, _, _ := newFileSessionForTest(t)
	updates, cancel := session.Transfers()
	defer cancel()

	payload := bytes.Repeat([]byte{7}, 600_000)
	if _, err := session.RequestFile("peer", "", models.FileTypeAvatar, "peer.png", int64(len(payload))); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}
	if _, err := session.RequestFile("peer", "", models.FileTypeAvatar, "peer.png", int64(len(payload))); err != ErrTransferInFlight {
		t.Fatalf("expected ErrTransferInFlight, got %v", err)
	}

	session.HandleMessage("peer", &network.FileResponse{
		FileType: models.FileTypeAvatar,
		FileName: "peer.png",
		FileSize: int64(len(payload)),
		Found:    true,
	}, bytes.NewReader(payload))

	if got := files.Resolve(models.FileTypeAvatar, "peer.png", int64(len(payload))); got != models.FileDownloaded {
		t.Fatalf("expected downloaded, got %q", got)
	}
	final := lastTransferUpdate(t, updates, "peer.png")
	if final.Result != models.FileDownloaded || final.BytesTransferred != int64(len(payload)) {
		t.Fatalf("unexpected final state: %+v", final)
	}

	state, err := session.RequestFile("peer", "", models.FileTypeAvatar, "peer.png", int64(len(payload)))
	if err != nil || state != models.FileDownloaded {
		t.Fatalf("expected no second transfer, state=%q err=%v", state, err)
	}
}

func TestTransferNotFound(t *testing.T) {
	session, _, _, _ := newFileSessionForTest(t)
	updates, cancel := session.Transfers()
	defer cancel()

	if _, err := session.RequestFile("peer", "", models.FileTypeChatImage, "gone.png", 10); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}
	session.HandleMessage("peer", &network.FileResponse{
		FileType: models.FileTypeChatImage,
		FileName: "gone.png",
	}, nil)

	final := lastTransferUpdate(t, updates, "gone.png")
	if final.Result != models.FileMissing {
		t.Fatalf("unexpected final state: %+v", final)
	}
}

func TestServeAnswersMissingFile(t *testing.T) {
	session, _, transport, _ := newFileSessionForTest(t)

	session.HandleMessage("peer", &network.FileRequest{FileType: models.FileTypeChatImage, FileName: "nothing.png"}, nil)

	waitForCondition(t, 2*time.Second, func() bool { return len(transport.messages()) == 1 })
	response, ok := transport.messages()[0].(network.FileResponse)
	if !ok || response.Found || response.FileName != "nothing.png" {
		t.Fatalf("unexpected response: %#v", transport.messages()[0])
	}
}

func TestGroupImageTransferEmitsFileReady(t *testing.T) {
	host := newTestNode(t, "host", testNodeConfig{})
	alice := newTestNode(t, "alice", testNodeConfig{})
	chat := createGroup(t, host, "alice")

	payload := bytes.Repeat([]byte("img"), 100_000)
	if _, err := host.files.Import(models.FileTypeChatImage, "cat.png", bytes.NewReader(payload)); err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	alice.connect(t, host)
	waitForChat(t, alice, chat.ID, func(c models.GroupChat) bool { return c.Exists })

	events, cancel := alice.sessions.Events.Subscribe()
	defer cancel()

	if _, err := alice.sessions.Files.RequestFile("host", chat.ID, models.FileTypeChatImage, "cat.png", int64(len(payload))); err != nil {
		t.Fatalf("RequestFile failed: %v", err)
	}
	ev := waitForEvent(t, events, EventFileReady, chat.ID)
	if ev.FileName != "cat.png" {
		t.Fatalf("unexpected file event: %+v", ev)
	}
	if got := alice.files.Resolve(models.FileTypeChatImage, "cat.png", int64(len(payload))); got != models.FileDownloaded {
		t.Fatalf("expected downloaded, got %q", got)
	}
}

func lastTransferUpdate(t *testing.T, updates <-chan models.FileTransferState, fileName string) models.FileTransferState {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case update := <-updates:
			if update.FileName == fileName && update.Done {
				return update
			}
		case <-timeout:
			t.Fatalf("no final update for %s", fileName)
		}
	}
}

func TestSameNameDifferentTypesTransferTogether(t *testing.T) {
	session, files, _, _ := newFileSessionForTest(t)
	updates, cancel := session.Transfers()
	defer cancel()

	avatar := bytes.Repeat([]byte{1}, 1_000)
	image := bytes.Repeat([]byte{2}, 3_000)
	if _, err := session.RequestFile("peer", "", models.FileTypeAvatar, "shared.png", int64(len(avatar))); err != nil {
		t.Fatalf("RequestFile avatar failed: %v", err)
	}
	if _, err := session.RequestFile("peer", "", models.FileTypeChatImage, "shared.png", int64(len(image))); err != nil {
		t.Fatalf("RequestFile chat image failed: %v", err)
	}
	if _, ok := session.Transfer(models.FileTypeAvatar, "shared.png"); !ok {
		t.Fatalf("expected avatar transfer in flight")
	}

	session.HandleMessage("peer", &network.FileResponse{
		FileType: models.FileTypeChatImage,
		FileName: "shared.png",
		FileSize: int64(len(image)),
		Found:    true,
	}, bytes.NewReader(image))

	if _, ok := session.Transfer(models.FileTypeChatImage, "shared.png"); ok {
		t.Fatalf("expected chat image transfer to be finished")
	}
	state, ok := session.Transfer(models.FileTypeAvatar, "shared.png")
	if !ok || state.Done || state.FileType != models.FileTypeAvatar {
		t.Fatalf("expected avatar transfer to stay in flight, got %+v ok=%t", state, ok)
	}

	session.HandleMessage("peer", &network.FileResponse{
		FileType: models.FileTypeAvatar,
		FileName: "shared.png",
		FileSize: int64(len(avatar)),
		Found:    true,
	}, bytes.NewReader(avatar))

	if got := files.Resolve(models.FileTypeAvatar, "shared.png", int64(len(avatar))); got != models.FileDownloaded {
		t.Fatalf("expected avatar downloaded, got %q", got)
	}
	if got := files.Resolve(models.FileTypeChatImage, "shared.png", int64(len(image))); got != models.FileDownloaded {
		t.Fatalf("expected chat image downloaded, got %q", got)
	}

	finals := 0
	timeout := time.After(2 * time.Second)
	for finals < 2 {
		select {
		case update := <-updates:
			if update.FileName == "shared.png" && update.Done {
				if update.Result != models.FileDownloaded {
					t.Fatalf("unexpected final state: %+v", update)
				}
				finals++
			}
		case <-timeout:
			t.Fatalf("expected two final updates, got %d", finals)
		}
	}
}
