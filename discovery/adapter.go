package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"slices"
	"sync"
	"time"

	"directlink/event"
	"directlink/network"
)

// ErrAdapterStopped indicates the adapter no longer accepts work.
var ErrAdapterStopped = errors.New("discovery: adapter stopped")

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	Config Config
	// Paired seeds the paired peer set, usually from the device config.
	Paired []string
	// Fallback dials peers mDNS has not seen, e.g. statically configured ones.
	Fallback    *network.AddressBook
	DialTimeout time.Duration
	Logger      *log.Logger
}

// Adapter owns discoverability, scanning and the nearby/paired bookkeeping of
// one device. It resolves PeerIds to addresses and serves as the connection
// manager's dialer.
type Adapter struct {
	cfg         Config
	fallback    *network.AddressBook
	dialTimeout time.Duration
	logger      *log.Logger

	mu           sync.Mutex
	stopped      bool
	broadcaster  *Broadcaster
	scanner      *PeerScanner
	scanDone     chan struct{}
	seen         map[string]DiscoveredPeer
	nearbyIDs    map[string]struct{}
	paired       map[string]struct{}
	pairedOrder  []string
	nearbyStream *event.Broadcaster[[]DiscoveredPeer]
}

// NewAdapter creates an idle adapter. Nothing is advertised or scanned until
// Start, SetDiscoverable or StartScan is called.
func NewAdapter(options AdapterOptions) *Adapter {
	logger := options.Logger
	if logger == nil {
		logger = log.Default()
	}
	a := &Adapter{
		cfg:          options.Config.withDefaults(),
		fallback:     options.Fallback,
		dialTimeout:  options.DialTimeout,
		logger:       logger,
		seen:         make(map[string]DiscoveredPeer),
		nearbyIDs:    make(map[string]struct{}),
		paired:       make(map[string]struct{}),
		nearbyStream: event.NewState([]DiscoveredPeer{}),
	}
	for _, peerID := range options.Paired {
		a.markPairedLocked(peerID)
	}
	a.cfg.isPaired = a.isPaired
	return a
}

// Start makes the device discoverable and begins scanning.
func (a *Adapter) Start() error {
	if err := a.SetDiscoverable(true); err != nil {
		return err
	}
	return a.StartScan()
}

// Stop withdraws the advertisement and stops scanning for good.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	broadcaster := a.broadcaster
	a.broadcaster = nil
	scanner, done := a.scanner, a.scanDone
	a.scanner, a.scanDone = nil, nil
	a.mu.Unlock()

	broadcaster.Stop()
	if scanner != nil {
		scanner.Stop()
		<-done
	}
	a.nearbyStream.Close()
}

// SetSelfPeerID updates the advertised identity, e.g. after the handshake
// assigned one. An active advertisement is re-registered.
func (a *Adapter) SetSelfPeerID(peerID string) error {
	a.mu.Lock()
	a.cfg.SelfPeerID = peerID
	a.mu.Unlock()
	return a.readvertise()
}

// SetListeningPort updates the advertised port. An active advertisement is
// re-registered.
func (a *Adapter) SetListeningPort(port int) error {
	a.mu.Lock()
	a.cfg.ListeningPort = port
	a.mu.Unlock()
	return a.readvertise()
}

func (a *Adapter) readvertise() error {
	a.mu.Lock()
	active := a.broadcaster != nil
	a.mu.Unlock()
	if !active {
		return nil
	}
	if err := a.SetDiscoverable(false); err != nil {
		return err
	}
	return a.SetDiscoverable(true)
}

// SetDiscoverable starts or withdraws the mDNS advertisement.
func (a *Adapter) SetDiscoverable(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return ErrAdapterStopped
	}
	if !on {
		if a.broadcaster != nil {
			a.broadcaster.Stop()
			a.broadcaster = nil
			a.logger.Printf("discovery: advertisement withdrawn")
		}
		return nil
	}
	if a.broadcaster != nil {
		return nil
	}
	broadcaster, err := StartBroadcaster(a.cfg)
	if err != nil {
		return err
	}
	a.broadcaster = broadcaster
	a.logger.Printf("discovery: advertising peer=%s port=%d", a.cfg.SelfPeerID, a.cfg.ListeningPort)
	return nil
}

// Discoverable reports whether the device is currently advertised.
func (a *Adapter) Discoverable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.broadcaster != nil
}

// StartScan begins background browsing. It is idempotent.
func (a *Adapter) StartScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return ErrAdapterStopped
	}
	if a.scanner != nil {
		return nil
	}
	scanner, err := NewPeerScanner(a.cfg)
	if err != nil {
		return err
	}
	if err := scanner.Start(); err != nil {
		return err
	}
	done := make(chan struct{})
	a.scanner, a.scanDone = scanner, done
	go a.consume(scanner.Events(), done)
	a.logger.Printf("discovery: scanning service=%s", a.cfg.Service)
	return nil
}

// StopScan stops browsing. Peers found so far stay resolvable, but the nearby
// list is cleared.
func (a *Adapter) StopScan() {
	a.mu.Lock()
	scanner, done := a.scanner, a.scanDone
	a.scanner, a.scanDone = nil, nil
	a.mu.Unlock()

	if scanner == nil {
		return
	}
	scanner.Stop()
	<-done

	a.mu.Lock()
	clear(a.nearbyIDs)
	a.publishLocked()
	a.mu.Unlock()
}

// Scanning reports whether background browsing is active.
func (a *Adapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanner != nil
}

// Refresh runs one immediate scan.
func (a *Adapter) Refresh(ctx context.Context) error {
	a.mu.Lock()
	scanner := a.scanner
	a.mu.Unlock()
	if scanner == nil {
		return errors.New("discovery: not scanning")
	}
	return scanner.Refresh(ctx)
}

func (a *Adapter) consume(events <-chan Event, done chan struct{}) {
	defer close(done)
	for ev := range events {
		a.mu.Lock()
		switch ev.Type {
		case EventPeerUpserted:
			peer := ev.Peer
			_, peer.Paired = a.paired[peer.PeerID]
			a.seen[peer.PeerID] = peer
			a.nearbyIDs[peer.PeerID] = struct{}{}
			a.logger.Printf("discovery: peer nearby peer=%s name=%q addrs=%v", ev.Peer.PeerID, ev.Peer.DeviceName, ev.Peer.Addresses)
		case EventPeerRemoved:
			delete(a.nearbyIDs, ev.Peer.PeerID)
			a.logger.Printf("discovery: peer gone peer=%s", ev.Peer.PeerID)
		}
		a.publishLocked()
		a.mu.Unlock()
	}
}

// Nearby returns the peers currently visible, sorted by name.
func (a *Adapter) Nearby() []DiscoveredPeer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nearbyLocked()
}

// NearbyUpdates streams the nearby list; subscribers get the current one first.
func (a *Adapter) NearbyUpdates() (<-chan []DiscoveredPeer, func()) {
	return a.nearbyStream.Subscribe()
}

func (a *Adapter) nearbyLocked() []DiscoveredPeer {
	out := make([]DiscoveredPeer, 0, len(a.nearbyIDs))
	for peerID := range a.nearbyIDs {
		out = append(out, a.seen[peerID])
	}
	sortPeers(out)
	return out
}

func (a *Adapter) publishLocked() {
	a.nearbyStream.Publish(a.nearbyLocked())
}

// Paired returns the peers this device has connected to, in pairing order.
func (a *Adapter) Paired() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.pairedOrder...)
}

// MarkPaired records peerID as paired and reports whether it is new. A peer
// already seen by the scanner is flagged right away.
func (a *Adapter) MarkPaired(peerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.markPairedLocked(peerID) {
		return false
	}
	a.reflagLocked(peerID, true)
	return true
}

// Unpair forgets peerID and reports whether it was paired.
func (a *Adapter) Unpair(peerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.paired[peerID]; !ok {
		return false
	}
	delete(a.paired, peerID)
	a.pairedOrder = slices.DeleteFunc(a.pairedOrder, func(id string) bool { return id == peerID })
	a.reflagLocked(peerID, false)
	return true
}

func (a *Adapter) isPaired(peerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.paired[peerID]
	return ok
}

func (a *Adapter) reflagLocked(peerID string, paired bool) {
	peer, ok := a.seen[peerID]
	if !ok || peer.Paired == paired {
		return
	}
	peer.Paired = paired
	a.seen[peerID] = peer
	if _, nearby := a.nearbyIDs[peerID]; nearby {
		a.publishLocked()
	}
}

func (a *Adapter) markPairedLocked(peerID string) bool {
	if peerID == "" {
		return false
	}
	if _, ok := a.paired[peerID]; ok {
		return false
	}
	a.paired[peerID] = struct{}{}
	a.pairedOrder = append(a.pairedOrder, peerID)
	return true
}

// Resolve returns a dialable "host:port" for peerID from its last
// advertisement, falling back to the address book for peers mDNS has not seen.
func (a *Adapter) Resolve(peerID string) (string, error) {
	a.mu.Lock()
	peer, ok := a.seen[peerID]
	a.mu.Unlock()

	if ok {
		if endpoint, found := peer.Endpoint(); found {
			return endpoint, nil
		}
	}
	if a.fallback != nil {
		if address, found := a.fallback.Lookup(peerID); found {
			return address, nil
		}
	}
	return "", fmt.Errorf("%w: %s", network.ErrUnknownPeer, peerID)
}

// Dial implements network.Dialer.
func (a *Adapter) Dial(ctx context.Context, peerID string) (net.Conn, error) {
	address, err := a.Resolve(peerID)
	if err != nil {
		return nil, err
	}
	return network.DialAddress(ctx, address, a.dialTimeout)
}
