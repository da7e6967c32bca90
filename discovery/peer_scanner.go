package discovery

import (
	"context"
	"errors"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its record changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is one advertised device. Addresses are dialable IPs with
// IPv4 first; IPv6 link-local addresses are left out because they cannot be
// dialled without a zone.
type DiscoveredPeer struct {
	PeerID     string    `json:"peerId"`
	DeviceName string    `json:"deviceName"`
	Version    int       `json:"version"`
	HostName   string    `json:"hostName"`
	Port       int       `json:"port"`
	Addresses  []string  `json:"addresses"`
	Paired     bool      `json:"paired"`
	Compatible bool      `json:"compatible"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Endpoint returns the preferred "host:port" to dial.
func (p DiscoveredPeer) Endpoint() (string, bool) {
	if p.Port <= 0 || len(p.Addresses) == 0 {
		return "", false
	}
	return net.JoinHostPort(p.Addresses[0], strconv.Itoa(p.Port)), true
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner browses for peers periodically and on demand. Each scan window
// replaces the previous snapshot; differences are reported on Events.
type PeerScanner struct {
	cfg    Config
	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		peers:           make(map[string]DiscoveredPeer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and closes Events.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh runs one scan immediately and returns when it finished.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// ListPeers returns the latest snapshot sorted by name.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	s.mu.RUnlock()

	sortPeers(out)
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// runScan browses for one ScanTimeout window. requestCtx may end it early.
func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collected[peer.PeerID] = peer
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return err
	}
	<-scanCtx.Done()
	<-collectorDone

	s.applySnapshot(collected)

	// Deadline and cancellation just mean the scan window ended.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *PeerScanner) applySnapshot(next map[string]DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers
	s.peers = next

	for id, peer := range next {
		if old, exists := previous[id]; !exists || !peersEqual(old, peer) {
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}
	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// parseEntry turns a browse result into a peer. Our own advertisement and
// entries without a peer id are skipped.
func parseEntry(entry *zeroconf.ServiceEntry, cfg Config) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	peerID := txt[txtPeerID]
	if peerID == "" || peerID == cfg.SelfPeerID {
		return DiscoveredPeer{}, false
	}

	version, _ := strconv.Atoi(txt[txtVersion])
	peer := DiscoveredPeer{
		PeerID:     peerID,
		DeviceName: firstNonEmpty(txt[txtName], entry.Instance, entry.HostName, peerID),
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  dialableAddresses(entry),
		// Peers that predate the version record are assumed compatible; newer
		// protocol versions are rejected by our decoder.
		Compatible: version <= cfg.Version,
	}
	if cfg.isPaired != nil {
		peer.Paired = cfg.isPaired(peerID)
	}
	return peer, true
}

// dialableAddresses lists IPv4 then IPv6 addresses, each sorted and without
// duplicates.
func dialableAddresses(entry *zeroconf.ServiceEntry) []string {
	var v4, v6 []string
	for _, ip := range entry.AddrIPv4 {
		if ip != nil && !ip.IsUnspecified() {
			v4 = append(v4, ip.String())
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if ip == nil || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
			continue
		}
		if ip.To4() != nil {
			v4 = append(v4, ip.String())
			continue
		}
		v6 = append(v6, ip.String())
	}
	sort.Strings(v4)
	sort.Strings(v6)
	return append(slices.Compact(v4), slices.Compact(v6)...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// peersEqual ignores LastSeen so an unchanged peer does not re-emit every scan.
func peersEqual(a, b DiscoveredPeer) bool {
	return a.PeerID == b.PeerID &&
		a.DeviceName == b.DeviceName &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		a.Paired == b.Paired &&
		a.Compatible == b.Compatible &&
		slices.Equal(a.Addresses, b.Addresses)
}

func sortPeers(peers []DiscoveredPeer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].DeviceName == peers[j].DeviceName {
			return peers[i].PeerID < peers[j].PeerID
		}
		return peers[i].DeviceName < peers[j].DeviceName
	})
}
