package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"slices"
	"sync"
	"time"

	"directlink/event"
)

// ConnectionState is the per-peer connection lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
)

const disconnectWait = 5 * time.Second

var (
	// ErrNotConnected indicates no promoted link exists for a peer.
	ErrNotConnected = errors.New("network: peer not connected")
	// ErrManagerStopped indicates the manager no longer accepts work.
	ErrManagerStopped = errors.New("network: manager stopped")
	// ErrDuplicateLink closes the losing link of a duplicate pair.
	ErrDuplicateLink = errors.New("network: duplicate link")
	// ErrHandshakeTimeout closes links that never finish the handshake.
	ErrHandshakeTimeout = errors.New("network: handshake timed out")
	// ErrConnectTimeout indicates Connect did not reach Connected in time.
	ErrConnectTimeout = errors.New("network: connect timed out")
	// ErrPeerMismatch indicates the handshake identified an unexpected peer.
	ErrPeerMismatch = errors.New("network: handshake peer mismatch")
)

// StateChange is one per-peer state transition.
type StateChange struct {
	PeerID string          `json:"peerId"`
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

// Inbound is one post-handshake message observed from a peer.
type Inbound struct {
	PeerID  string
	Message Message
}

// IncompatibleEvent reports a protocol version mismatch on a link.
type IncompatibleEvent struct {
	PeerID string `json:"peerId,omitempty"`
	Mine   int    `json:"mine"`
	Theirs int    `json:"theirs"`
}

// Handler consumes promoted-link messages of one category. It runs on the
// link's read goroutine.
type Handler interface {
	HandleMessage(peerID string, message Message, body io.Reader)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(peerID string, message Message, body io.Reader)

func (f HandlerFunc) HandleMessage(peerID string, message Message, body io.Reader) {
	f(peerID, message, body)
}

// Handshake drives connection setup on one link. Every InitConnection message
// of an un-promoted link goes to Handle.
type Handshake interface {
	// Begin runs on the dialing side once the socket is open.
	Begin(link *Link) error
	// Handle consumes one message. peerID is the remote identity once known;
	// done reports the link may be promoted.
	Handle(link *Link, message Message) (peerID string, done bool, err error)
	// Reject aborts the handshake after a version mismatch.
	Reject(link *Link, err *IncompatibleProtocolError)
}

// HandshakeFactory creates the handshake for a new link. peerID is empty for
// accepted sockets.
type HandshakeFactory func(role Role, peerID string) Handshake

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	SelfID          func() string
	Dialer          Dialer
	NewHandshake    HandshakeFactory
	ListenAddress   string
	ConnectTimeout  time.Duration
	ProtocolVersion int
	Logger          *log.Logger

	// KeepAliveInterval and KeepAliveTimeout are passed to every link; zero
	// selects the defaults.
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
}

type pendingLink struct {
	handshake Handshake
	timer     *time.Timer
}

func (p *pendingLink) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Manager owns the peer links. Its registry is only touched by a single actor
// goroutine; callers submit work through do.
type Manager struct {
	options ManagerOptions
	logger  *log.Logger

	ops    chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startMu  sync.Mutex
	server   *Server
	stopOnce sync.Once

	handlersMu sync.RWMutex
	handlers   map[Category]Handler

	// actor-owned
	links   map[string]*Link
	pending map[*Link]*pendingLink
	// replaced holds promoted links that lost to a duplicate. They keep
	// dispatching what they already read until their read loop ends.
	replaced map[*Link]bool
	states  map[string]ConnectionState
	waiters map[string][]chan error

	connected    *event.Broadcaster[[]string]
	stateEvents  *event.Broadcaster[StateChange]
	inbound      map[Category]*event.Broadcaster[Inbound]
	incompatible *event.Broadcaster[IncompatibleEvent]

	errMu      sync.RWMutex
	errsClosed bool
	errors     chan error
}

// NewManager creates a manager and starts its actor. Listening begins with
// EnsureStarted.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.SelfID == nil {
		return nil, errors.New("self id source is required")
	}
	if options.NewHandshake == nil {
		return nil, errors.New("handshake factory is required")
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.ProtocolVersion <= 0 {
		options.ProtocolVersion = ProtocolVersion
	}
	logger := options.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		options:      options,
		logger:       logger,
		ops:          make(chan func()),
		ctx:          ctx,
		cancel:       cancel,
		handlers:     make(map[Category]Handler),
		links:        make(map[string]*Link),
		pending:      make(map[*Link]*pendingLink),
		replaced:     make(map[*Link]bool),
		states:       make(map[string]ConnectionState),
		waiters:      make(map[string][]chan error),
		connected:    event.NewState([]string{}),
		stateEvents:  event.NewBroadcaster[StateChange](event.DefaultBuffer),
		inbound:      make(map[Category]*event.Broadcaster[Inbound]),
		incompatible: event.NewBroadcaster[IncompatibleEvent](event.DefaultBuffer),
		errors:       make(chan error, 64),
	}
	for _, category := range []Category{CategoryInitConnection, CategoryGroupChat, CategoryPrivateChat, CategoryFile} {
		m.inbound[category] = event.NewBroadcaster[Inbound](event.DefaultBuffer)
	}

	m.wg.Add(1)
	go m.run()
	return m, nil
}

// Handle registers the handler for one category. Call before EnsureStarted.
func (m *Manager) Handle(category Category, handler Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[category] = handler
}

// EnsureStarted begins listening for inbound sockets. It is idempotent.
func (m *Manager) EnsureStarted() error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.ctx.Err() != nil {
		return ErrManagerStopped
	}
	if m.server != nil {
		return nil
	}

	server, err := Listen(m.options.ListenAddress)
	if err != nil {
		return err
	}
	m.server = server
	m.logger.Printf("network: listening addr=%s", server.Addr())

	m.wg.Add(2)
	go m.acceptLoop(server)
	go m.forwardServerErrors(server)
	return nil
}

// Stop closes the listener and every link, then stops the actor.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.startMu.Lock()
		server := m.server
		m.startMu.Unlock()
		if server != nil {
			_ = server.Close()
		}

		m.DisconnectAll()
		m.cancel()
		m.wg.Wait()

		m.errMu.Lock()
		m.errsClosed = true
		close(m.errors)
		m.errMu.Unlock()

		m.connected.Close()
		m.stateEvents.Close()
		m.incompatible.Close()
		for _, b := range m.inbound {
			b.Close()
		}
	})
}

// Addr returns the listening address, nil before EnsureStarted.
func (m *Manager) Addr() net.Addr {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Errors returns asynchronous, non-fatal manager errors.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// Connect dials peerID and waits until a link for it is promoted, bounded by
// the connect timeout. A nil error means the peer is connected.
func (m *Manager) Connect(ctx context.Context, peerID string) error {
	if peerID == "" {
		return errors.New("peer id is required")
	}
	if m.options.Dialer == nil {
		return errors.New("no dialer configured")
	}
	if peerID == m.options.SelfID() {
		return fmt.Errorf("connect %s: cannot connect to self", peerID)
	}

	ctx, cancel := context.WithTimeout(ctx, m.options.ConnectTimeout)
	defer cancel()

	result := make(chan error, 1)
	var connected bool
	if !m.do(func() {
		if m.links[peerID] != nil {
			connected = true
			return
		}
		m.waiters[peerID] = append(m.waiters[peerID], result)
		m.setState(peerID, StateConnecting, nil)
	}) {
		return ErrManagerStopped
	}
	if connected {
		return nil
	}
	defer m.do(func() { m.removeWaiter(peerID, result) })

	conn, err := m.options.Dialer.Dial(ctx, peerID)
	if err != nil {
		m.do(func() {
			if m.links[peerID] == nil && !m.hasPending(peerID) {
				m.setState(peerID, StateDisconnected, err)
			}
		})
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("connect %s: %w", peerID, ErrConnectTimeout)
		}
		return fmt.Errorf("connect %s: %w", peerID, err)
	}

	link, handshake := m.attach(conn, RoleClient, peerID)
	if link == nil {
		return ErrManagerStopped
	}
	if err := handshake.Begin(link); err != nil {
		link.CloseWithError(err)
		return fmt.Errorf("connect %s: begin handshake: %w", peerID, err)
	}

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("connect %s: %w", peerID, err)
		}
		return nil
	case <-ctx.Done():
		link.CloseWithError(ErrConnectTimeout)
		return fmt.Errorf("connect %s: %w", peerID, ErrConnectTimeout)
	}
}

// Disconnect closes every link to peerID. It does not wait for teardown, so
// it is safe to call from a message handler.
func (m *Manager) Disconnect(peerID string) {
	for _, link := range m.linksFor(peerID) {
		_ = link.Close()
	}
}

// DisconnectAll closes every link and waits for their read loops to finish.
func (m *Manager) DisconnectAll() {
	var all []*Link
	m.do(func() {
		for _, link := range m.links {
			all = append(all, link)
		}
		for link := range m.pending {
			all = append(all, link)
		}
	})

	for _, link := range all {
		_ = link.Close()
	}

	deadline := time.NewTimer(disconnectWait)
	defer deadline.Stop()
	for _, link := range all {
		select {
		case <-link.Finished():
		case <-deadline.C:
			m.logger.Printf("network: disconnect wait expired link=%d", link.ID())
			return
		}
	}
}

// Send writes one message to the promoted link of peerID.
func (m *Manager) Send(peerID string, message Message) error {
	return m.SendWithBody(peerID, message, nil, 0)
}

// SendWithBody writes one message followed by size raw bytes from body.
func (m *Manager) SendWithBody(peerID string, message Message, body io.Reader, size int64) error {
	link := m.link(peerID)
	if link == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	return link.SendWithBody(message, body, size)
}

// IsConnected reports whether peerID has a promoted link.
func (m *Manager) IsConnected(peerID string) bool {
	return m.link(peerID) != nil
}

// State returns the current connection state of peerID.
func (m *Manager) State(peerID string) ConnectionState {
	state := StateDisconnected
	m.do(func() {
		if s, ok := m.states[peerID]; ok {
			state = s
		}
	})
	return state
}

// ConnectedPeerIDs returns the sorted ids of connected peers.
func (m *Manager) ConnectedPeerIDs() []string {
	var ids []string
	m.do(func() { ids = m.connectedIDs() })
	return ids
}

// ConnectedPeers streams connected peer id snapshots, starting with the current one.
func (m *Manager) ConnectedPeers() (<-chan []string, func()) {
	return m.connected.Subscribe()
}

// StateChanges streams per-peer state transitions.
func (m *Manager) StateChanges() (<-chan StateChange, func()) {
	return m.stateEvents.Subscribe()
}

// Messages streams promoted-link messages of one category.
func (m *Manager) Messages(category Category) (<-chan Inbound, func()) {
	b, ok := m.inbound[category]
	if !ok {
		ch := make(chan Inbound)
		close(ch)
		return ch, func() {}
	}
	return b.Subscribe()
}

// Incompatible streams protocol version mismatches.
func (m *Manager) Incompatible() (<-chan IncompatibleEvent, func()) {
	return m.incompatible.Subscribe()
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.ctx.Done():
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it. It reports false once
// the manager is stopped.
func (m *Manager) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case m.ops <- func() {
		defer close(done)
		fn()
	}:
	case <-m.ctx.Done():
		return false
	}
	<-done
	return true
}

func (m *Manager) acceptLoop(server *Server) {
	defer m.wg.Done()
	for conn := range server.Incoming() {
		if link, _ := m.attach(conn, RoleServer, ""); link != nil {
			m.logger.Printf("network: accepted link=%d remote=%s", link.ID(), conn.RemoteAddr())
		}
	}
}

func (m *Manager) forwardServerErrors(server *Server) {
	defer m.wg.Done()
	for err := range server.Errors() {
		m.reportError(err)
	}
}

// attach registers a new un-promoted link and starts its read loop.
func (m *Manager) attach(conn net.Conn, role Role, peerID string) (*Link, Handshake) {
	link := NewLink(conn, LinkOptions{
		PeerID:          peerID,
		Role:            role,
		ProtocolVersion: m.options.ProtocolVersion,
		Handler:         linkEvents{m: m},

		KeepAliveInterval: m.options.KeepAliveInterval,
		KeepAliveTimeout:  m.options.KeepAliveTimeout,
	})
	handshake := m.options.NewHandshake(role, peerID)

	if !m.do(func() {
		p := &pendingLink{handshake: handshake}
		// Dialled links are bounded by Connect's own timeout.
		if role == RoleServer {
			p.timer = time.AfterFunc(m.options.ConnectTimeout, func() { m.expire(link) })
		}
		m.pending[link] = p
		if peerID != "" && m.links[peerID] == nil {
			m.setState(peerID, StateConnecting, nil)
		}
	}) {
		_ = conn.Close()
		return nil, nil
	}

	link.Start()
	return link, handshake
}

func (m *Manager) expire(link *Link) {
	var stale bool
	m.do(func() { _, stale = m.pending[link] })
	if stale {
		m.logger.Printf("network: handshake timed out link=%d peer=%s", link.ID(), link.PeerID())
		link.CloseWithError(ErrHandshakeTimeout)
	}
}

func (m *Manager) handshakeStep(link *Link, handshake Handshake, message Message) {
	if message.Tag().Category != CategoryInitConnection {
		m.logger.Printf("network: dropping %s before handshake link=%d", message.Tag(), link.ID())
		return
	}

	// Record who is on an accepted link before the handshake replies, so a
	// concurrent duplicate teardown already sees this link as pending for them.
	if request, ok := message.(*InitRequest); ok && link.PeerID() == "" && request.MyAddress != m.options.SelfID() {
		m.identify(link, request.MyAddress)
	}

	peerID, done, err := handshake.Handle(link, message)
	if err == nil && peerID != "" {
		switch {
		case peerID == m.options.SelfID():
			err = fmt.Errorf("%w: peer reported our own id", ErrPeerMismatch)
		case link.PeerID() != "" && link.PeerID() != peerID:
			err = fmt.Errorf("%w: dialled %s, got %s", ErrPeerMismatch, link.PeerID(), peerID)
		}
	}
	if err != nil {
		m.logger.Printf("network: handshake failed link=%d peer=%s err=%v", link.ID(), link.PeerID(), err)
		m.reportError(err)
		link.CloseWithError(err)
		return
	}

	if peerID != "" && link.PeerID() == "" {
		m.identify(link, peerID)
	}
	if done {
		m.promote(link)
	}
}

func (m *Manager) identify(link *Link, peerID string) {
	m.do(func() {
		link.SetPeerID(peerID)
		if m.links[peerID] == nil {
			m.setState(peerID, StateConnecting, nil)
		}
	})
}

// promote moves a link from pending to connected. At most one link per peer
// is connected: the first promoted wins, except that a pair with opposite
// roles keeps the link dialled by the smaller peer id on both ends.
func (m *Manager) promote(link *Link) bool {
	peerID := link.PeerID()
	var loser *Link
	var promoted bool

	m.do(func() {
		p, ok := m.pending[link]
		if !ok {
			return
		}
		p.stop()
		delete(m.pending, link)

		if existing := m.links[peerID]; existing != nil && !existing.IsClosed() {
			if m.keepExisting(existing, link) {
				loser = link
				return
			}
			loser = existing
			m.replaced[existing] = true
		}

		m.links[peerID] = link
		promoted = true
		m.setState(peerID, StateConnected, nil)
		m.connected.Publish(m.connectedIDs())
		m.resolveWaiters(peerID, nil)
	})

	if loser != nil {
		m.logger.Printf("network: closing duplicate link=%d peer=%s role=%s", loser.ID(), peerID, loser.Role())
		loser.CloseWithError(ErrDuplicateLink)
	}
	if promoted {
		m.logger.Printf("network: peer connected peer=%s link=%d role=%s", peerID, link.ID(), link.Role())
	}
	return promoted
}

func (m *Manager) keepExisting(existing, candidate *Link) bool {
	if existing.Role() == candidate.Role() {
		return true
	}
	// Our client links were dialled by us, server links by the peer.
	keepClient := m.options.SelfID() < candidate.PeerID()
	return (existing.Role() == RoleClient) == keepClient
}

func (m *Manager) handleMessage(link *Link, message Message, body io.Reader) {
	var handshake Handshake
	var current bool
	if !m.do(func() {
		if p, ok := m.pending[link]; ok {
			handshake = p.handshake
			return
		}
		current = m.links[link.PeerID()] == link || m.replaced[link]
	}) {
		return
	}

	if handshake != nil {
		m.handshakeStep(link, handshake, message)
		return
	}
	if !current {
		m.logger.Printf("network: dropped frame from inactive link=%d peer=%s tag=%s", link.ID(), link.PeerID(), message.Tag())
		return
	}

	peerID := link.PeerID()
	category := message.Tag().Category
	if b, ok := m.inbound[category]; ok {
		b.Publish(Inbound{PeerID: peerID, Message: message})
	}

	m.handlersMu.RLock()
	handler := m.handlers[category]
	m.handlersMu.RUnlock()
	if handler != nil {
		handler.HandleMessage(peerID, message, body)
	}
}

func (m *Manager) handleIncompatible(link *Link, err *IncompatibleProtocolError) {
	m.logger.Printf("network: incompatible protocol peer=%s mine=%d theirs=%d", link.PeerID(), err.Mine, err.Theirs)
	m.incompatible.Publish(IncompatibleEvent{PeerID: link.PeerID(), Mine: err.Mine, Theirs: err.Theirs})
	m.reportError(err)

	var handshake Handshake
	m.do(func() {
		if p, ok := m.pending[link]; ok {
			handshake = p.handshake
		}
	})
	if handshake != nil {
		handshake.Reject(link, err)
	}
	link.CloseWithError(err)
}

func (m *Manager) handleClosed(link *Link, reason error) {
	peerID := link.PeerID()
	var wasConnected bool

	m.do(func() {
		delete(m.replaced, link)
		if p, ok := m.pending[link]; ok {
			p.stop()
			delete(m.pending, link)
			if peerID != "" && m.links[peerID] == nil && !m.hasPending(peerID) {
				m.setState(peerID, StateDisconnected, reason)
				m.resolveWaiters(peerID, closeError(reason))
			}
			return
		}
		if m.links[peerID] == link {
			delete(m.links, peerID)
			wasConnected = true
			m.setState(peerID, StateDisconnected, reason)
			m.connected.Publish(m.connectedIDs())
		}
	})

	if wasConnected {
		m.logger.Printf("network: peer disconnected peer=%s link=%d reason=%v", peerID, link.ID(), reason)
	}
}

// setState is actor-only.
func (m *Manager) setState(peerID string, state ConnectionState, reason error) {
	current, ok := m.states[peerID]
	if !ok {
		current = StateDisconnected
	}
	if current == state {
		return
	}
	if state == StateDisconnected {
		delete(m.states, peerID)
	} else {
		m.states[peerID] = state
	}

	change := StateChange{PeerID: peerID, State: state}
	if reason != nil {
		change.Reason = reason.Error()
	}
	m.stateEvents.Publish(change)
}

// connectedIDs is actor-only.
func (m *Manager) connectedIDs() []string {
	ids := make([]string, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// hasPending is actor-only.
func (m *Manager) hasPending(peerID string) bool {
	for link := range m.pending {
		if link.PeerID() == peerID {
			return true
		}
	}
	return false
}

// resolveWaiters is actor-only.
func (m *Manager) resolveWaiters(peerID string, err error) {
	for _, ch := range m.waiters[peerID] {
		select {
		case ch <- err:
		default:
		}
	}
	delete(m.waiters, peerID)
}

// removeWaiter is actor-only.
func (m *Manager) removeWaiter(peerID string, ch chan error) {
	waiters := slices.DeleteFunc(m.waiters[peerID], func(c chan error) bool { return c == ch })
	if len(waiters) == 0 {
		delete(m.waiters, peerID)
		return
	}
	m.waiters[peerID] = waiters
}

func (m *Manager) link(peerID string) *Link {
	var link *Link
	m.do(func() { link = m.links[peerID] })
	return link
}

func (m *Manager) linksFor(peerID string) []*Link {
	var out []*Link
	m.do(func() {
		if link := m.links[peerID]; link != nil {
			out = append(out, link)
		}
		for link := range m.pending {
			if link.PeerID() == peerID {
				out = append(out, link)
			}
		}
	})
	return out
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	m.errMu.RLock()
	defer m.errMu.RUnlock()
	if m.errsClosed {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
}

func closeError(reason error) error {
	if reason == nil {
		return ErrLinkClosed
	}
	return reason
}

// linkEvents adapts the manager to LinkHandler without exporting the callbacks.
type linkEvents struct {
	m *Manager
}

func (e linkEvents) HandleMessage(link *Link, message Message, body io.Reader) {
	e.m.handleMessage(link, message, body)
}

func (e linkEvents) HandleIncompatible(link *Link, err *IncompatibleProtocolError) {
	e.m.handleIncompatible(link, err)
}

func (e linkEvents) HandleClosed(link *Link, reason error) {
	e.m.handleClosed(link, reason)
}
