package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"directlink/config"
	"directlink/discovery"
	"directlink/models"
	"directlink/network"
	"directlink/session"
	"directlink/storage"
)

// ErrStopped indicates the node has been stopped.
var ErrStopped = errors.New("node: stopped")

// Options configures a Node.
type Options struct {
	Config  *config.DeviceConfig
	DataDir string
	// ConfigPath receives the paired peer list; empty disables persisting it.
	ConfigPath string
	Logger     *log.Logger
}

// PeerStatus is one row of the peer overview.
type PeerStatus struct {
	PeerID     string                  `json:"peerId"`
	DeviceName string                  `json:"deviceName,omitempty"`
	State      network.ConnectionState `json:"state"`
	Nearby     bool                    `json:"nearby"`
	Paired     bool                    `json:"paired"`
	Addresses  []string                `json:"addresses,omitempty"`
}

// Node wires storage, discovery, the connection manager and the sessions of
// one device.
type Node struct {
	cfg        *config.DeviceConfig
	configPath string
	logger     *log.Logger

	store     *storage.Store
	files     *storage.Files
	identity  *storage.Identity
	book      *network.AddressBook
	discovery *discovery.Adapter
	manager   *network.Manager
	sessions  *session.Sessions

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
}

// New opens the local stores and builds every component. Nothing listens or
// advertises until Start.
func New(opts Options) (*Node, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	store, dbPath, err := storage.Open(opts.DataDir)
	if err != nil {
		return nil, err
	}
	files, err := storage.OpenFiles(filepath.Join(opts.DataDir, storage.DefaultFilesDirName))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	identity, err := storage.LoadIdentity(store, models.User{
		PeerID:     cfg.DeviceID,
		DeviceName: cfg.DeviceName,
		ColorARGB:  cfg.ColorARGB,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	book := network.NewAddressBook()
	book.Timeout = cfg.ConnectTimeout()
	for peerID, address := range cfg.StaticPeers {
		book.Set(peerID, address)
	}

	self := identity.Self()
	adapter := discovery.NewAdapter(discovery.AdapterOptions{
		Config: discovery.Config{
			SelfPeerID: self.PeerID,
			DeviceName: self.DeviceName,
		},
		Paired:      cfg.PairedPeers,
		Fallback:    book,
		DialTimeout: cfg.ConnectTimeout(),
		Logger:      logger,
	})

	n := &Node{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		logger:     logger,
		store:      store,
		files:      files,
		identity:   identity,
		book:       book,
		discovery:  adapter,
		done:       make(chan struct{}),
	}

	manager, err := network.NewManager(network.ManagerOptions{
		SelfID: func() string { return identity.Self().PeerID },
		Dialer: adapter,
		NewHandshake: func(role network.Role, peerID string) network.Handshake {
			return n.sessions.Handshakes.New(role, peerID)
		},
		ListenAddress:  cfg.ListenAddress(),
		ConnectTimeout: cfg.ConnectTimeout(),
		Logger:         logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sessions, err := session.New(session.Options{
		Store:         store,
		Identity:      identity,
		Transport:     manager,
		Files:         files,
		HistoryWindow: cfg.HistoryWindow,
		Logger:        logger,
	})
	if err != nil {
		manager.Stop()
		_ = store.Close()
		return nil, err
	}
	sessions.Register(manager)
	n.manager = manager
	n.sessions = sessions

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.group = new(errgroup.Group)

	logger.Printf("node: ready peer=%s db=%s", self.PeerID, dbPath)
	return n, nil
}

// Start begins listening and, when enabled, advertising and scanning. It is
// idempotent.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if n.started {
		return nil
	}

	if err := n.manager.EnsureStarted(); err != nil {
		return err
	}
	if addr, ok := n.manager.Addr().(*net.TCPAddr); ok {
		if err := n.discovery.SetListeningPort(addr.Port); err != nil {
			return err
		}
	}
	if n.cfg.DiscoveryEnabled {
		if err := n.discovery.Start(); err != nil {
			return fmt.Errorf("start discovery: %w", err)
		}
	}

	states, cancelStates := n.manager.StateChanges()
	n.group.Go(func() error {
		defer cancelStates()
		n.watchStates(states)
		return nil
	})
	n.group.Go(func() error {
		for err := range n.manager.Errors() {
			n.logger.Printf("node: network error err=%v", err)
		}
		return nil
	})

	n.started = true
	n.logger.Printf("node: started addr=%s discovery=%t", n.manager.Addr(), n.cfg.DiscoveryEnabled)
	return nil
}

// Stop disconnects every peer and releases all resources. A stopped node
// cannot be restarted.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		n.mu.Unlock()

		n.discovery.Stop()
		n.manager.DisconnectAll()
		n.manager.Stop()
		n.cancel()
		_ = n.group.Wait()
		n.sessions.Close()
		if err := n.store.Close(); err != nil {
			n.logger.Printf("node: close store err=%v", err)
		}
		n.logger.Printf("node: stopped")
		close(n.done)
	})
}

// Done is closed once Stop has finished.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Running reports whether the node is started and not stopped.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started && !n.stopped
}

// Connect dials peerID and waits for the handshake to finish.
func (n *Node) Connect(ctx context.Context, peerID string) error {
	if !n.Running() {
		return ErrStopped
	}
	return n.manager.Connect(ctx, peerID)
}

// Disconnect closes the link to peerID, if any.
func (n *Node) Disconnect(peerID string) {
	n.manager.Disconnect(peerID)
}

// DisconnectAll closes every link.
func (n *Node) DisconnectAll() {
	n.manager.DisconnectAll()
}

// AddStaticPeer makes peerID dialable at address without discovery.
func (n *Node) AddStaticPeer(peerID, address string) {
	n.book.Set(peerID, address)
}

// Peers merges nearby, paired and connected peers into one overview.
func (n *Node) Peers() []PeerStatus {
	byID := make(map[string]*PeerStatus)
	row := func(peerID string) *PeerStatus {
		if p, ok := byID[peerID]; ok {
			return p
		}
		p := &PeerStatus{PeerID: peerID, State: n.manager.State(peerID)}
		if user, err := n.store.GetUser(peerID); err == nil {
			p.DeviceName = user.DeviceName
		}
		byID[peerID] = p
		return p
	}

	for _, peer := range n.discovery.Nearby() {
		p := row(peer.PeerID)
		p.Nearby = true
		p.Addresses = peer.Addresses
		if p.DeviceName == "" {
			p.DeviceName = peer.DeviceName
		}
	}
	for _, peerID := range n.discovery.Paired() {
		row(peerID).Paired = true
	}
	for _, peerID := range n.manager.ConnectedPeerIDs() {
		row(peerID)
	}

	out := make([]PeerStatus, 0, len(byID))
	for _, p := range byID {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// StateChanges streams per-peer connection state transitions.
func (n *Node) StateChanges() (<-chan network.StateChange, func()) {
	return n.manager.StateChanges()
}

// ChatEvents streams inbound chat events.
func (n *Node) ChatEvents() (<-chan session.ChatEvent, func()) {
	return n.sessions.Events.Subscribe()
}

// Self returns the local user.
func (n *Node) Self() models.User {
	return n.identity.Self()
}

// Sessions exposes the chat operations.
func (n *Node) Sessions() *session.Sessions {
	return n.sessions
}

// Store exposes the local record store.
func (n *Node) Store() *storage.Store {
	return n.store
}

// Files exposes the local file store.
func (n *Node) Files() *storage.Files {
	return n.files
}

// Discovery exposes the discovery adapter.
func (n *Node) Discovery() *discovery.Adapter {
	return n.discovery
}

// Addr returns the listening address, nil before Start.
func (n *Node) Addr() net.Addr {
	return n.manager.Addr()
}

func (n *Node) watchStates(states <-chan network.StateChange) {
	for {
		select {
		case <-n.ctx.Done():
			return
		case change, ok := <-states:
			if !ok {
				return
			}
			switch change.State {
			case network.StateConnected:
				if n.discovery.MarkPaired(change.PeerID) {
					n.persistPaired()
				}
			case network.StateDisconnected:
				n.sessions.PeerDisconnected(change.PeerID)
			}
		}
	}
}

func (n *Node) persistPaired() {
	if n.configPath == "" {
		return
	}
	if err := config.UpdatePairedPeers(n.configPath, n.discovery.Paired()); err != nil {
		n.logger.Printf("node: persist paired peers err=%v", err)
	}
}
