package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrLinkClosed indicates the link was closed locally.
	ErrLinkClosed = errors.New("network: link closed")
	// ErrPeerClosed indicates the remote endpoint closed the stream.
	ErrPeerClosed = errors.New("network: peer closed link")
	// ErrPongTimeout indicates nothing arrived within KeepAliveTimeout of a KeepAlive.
	ErrPongTimeout = errors.New("network: keep-alive timeout")
)

// Role records which side opened the link.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// LinkHandler receives everything a link reads. All callbacks run on the
// link's read goroutine, so messages from one peer are handled in order.
type LinkHandler interface {
	// HandleMessage receives one decoded message. body is non-nil only for a
	// found FileResponse and yields exactly FileSize bytes; unread bytes are
	// discarded after the call returns.
	HandleMessage(link *Link, message Message, body io.Reader)
	// HandleIncompatible reports a protocol version mismatch. The link stays
	// open; the handler decides whether to close it.
	HandleIncompatible(link *Link, err *IncompatibleProtocolError)
	// HandleClosed is called exactly once after the read loop exits.
	HandleClosed(link *Link, reason error)
}

// LinkOptions controls a Link.
type LinkOptions struct {
	PeerID          string
	Role            Role
	ProtocolVersion int
	Handler         LinkHandler

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
}

var linkSeq atomic.Uint64

// Link is one framed byte stream to a peer.
type Link struct {
	id      uint64
	conn    net.Conn
	reader  *bufio.Reader
	role    Role
	version int
	handler LinkHandler

	peerMu sync.RWMutex
	peerID string

	sendMu sync.Mutex

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	// Unix nanos of the last inbound byte and of the last KeepAlive sent. A
	// KeepAlive is outstanding while pingSentAt is later than lastActivity.
	lastActivity atomic.Int64
	pingSentAt   atomic.Int64

	noticeOnce sync.Once
	startOnce  sync.Once
	loopDone   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewLink wraps conn. The read loop does not run until Start.
func NewLink(conn net.Conn, options LinkOptions) *Link {
	version := options.ProtocolVersion
	if version <= 0 {
		version = ProtocolVersion
	}
	role := options.Role
	if role == "" {
		role = RoleServer
	}
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	l := &Link{
		id:                linkSeq.Add(1),
		conn:              conn,
		reader:            bufio.NewReaderSize(conn, 64*1024),
		role:              role,
		version:           version,
		handler:           options.Handler,
		peerID:            options.PeerID,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		loopDone:          make(chan struct{}),
		closed:            make(chan struct{}),
	}
	l.touch()
	return l
}

// Start launches the read and keep-alive loops once.
func (l *Link) Start() {
	l.startOnce.Do(func() {
		go l.readLoop()
		go l.keepAliveLoop()
	})
}

// ID is unique per process and only meaningful in logs.
func (l *Link) ID() uint64 { return l.id }

func (l *Link) Role() Role { return l.role }

func (l *Link) ProtocolVersion() int { return l.version }

// PeerID returns the remote identity, empty until the handshake learns it.
func (l *Link) PeerID() string {
	l.peerMu.RLock()
	defer l.peerMu.RUnlock()
	return l.peerID
}

// SetPeerID records the remote identity.
func (l *Link) SetPeerID(peerID string) {
	l.peerMu.Lock()
	defer l.peerMu.Unlock()
	l.peerID = peerID
}

func (l *Link) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

// Done is closed when the link is closed.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// Finished is closed after the read loop exited and HandleClosed returned.
func (l *Link) Finished() <-chan struct{} {
	return l.loopDone
}

// IsClosed reports whether Close has been called or the stream failed.
func (l *Link) IsClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// LastError returns the terminal link error, if any.
func (l *Link) LastError() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

// Send writes one message.
func (l *Link) Send(message Message) error {
	return l.SendWithBody(message, nil, 0)
}

// SendWithBody writes one message followed by exactly size raw bytes from body.
// A failure part way through leaves the stream unusable, so the link is closed.
func (l *Link) SendWithBody(message Message, body io.Reader, size int64) error {
	raw, err := EncodeMessage(message, l.version)
	if err != nil {
		return err
	}

	if l.IsClosed() {
		return l.closedError()
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if _, err := l.conn.Write(raw); err != nil {
		l.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	if body != nil && size > 0 {
		if _, err := io.CopyN(l.conn, body, size); err != nil {
			l.closeWithError(fmt.Errorf("write %s body: %w", message.Tag(), err))
			return err
		}
	}
	return nil
}

// Close terminates the link. It is safe to call more than once.
func (l *Link) Close() error {
	l.closeWithError(ErrLinkClosed)
	return nil
}

// CloseWithError terminates the link recording reason as the cause.
func (l *Link) CloseWithError(reason error) {
	if reason == nil {
		reason = ErrLinkClosed
	}
	l.closeWithError(reason)
}

func (l *Link) readLoop() {
	defer close(l.loopDone)
	defer func() {
		if l.handler != nil {
			l.handler.HandleClosed(l, l.LastError())
		}
	}()

	for {
		frame, err := ReadFrame(l.reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.closeWithError(ErrPeerClosed)
				return
			}
			l.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}
		l.touch()

		message, err := Decode(frame, l.version)
		if err != nil {
			var incompatible *IncompatibleProtocolError
			if errors.As(err, &incompatible) {
				l.rejectIncompatible(incompatible)
				continue
			}
			l.closeWithError(err)
			return
		}

		if notice, ok := message.(*IncompatibleVersion); ok {
			if notice.Version != l.version && l.handler != nil {
				l.handler.HandleIncompatible(l, &IncompatibleProtocolError{Mine: l.version, Theirs: notice.Version})
			}
			continue
		}

		switch m := message.(type) {
		case *KeepAlive:
			_ = l.Send(KeepAliveAck{Timestamp: m.Timestamp})
			continue
		case *KeepAliveAck:
			continue
		}

		var body *io.LimitedReader
		if response, ok := message.(*FileResponse); ok && response.Found && response.FileSize > 0 {
			body = &io.LimitedReader{R: activityReader{r: l.reader, link: l}, N: response.FileSize}
		}

		if l.handler != nil {
			if body != nil {
				l.handler.HandleMessage(l, message, body)
			} else {
				l.handler.HandleMessage(l, message, nil)
			}
		}

		if body != nil && body.N > 0 {
			if _, err := io.Copy(io.Discard, body); err != nil {
				l.closeWithError(fmt.Errorf("drain file body: %w", err))
				return
			}
			if body.N > 0 {
				l.closeWithError(fmt.Errorf("drain file body: %w", io.ErrUnexpectedEOF))
				return
			}
		}
	}
}

// keepAliveLoop sends a KeepAlive once the link has been silent for the
// interval and closes it with ErrPongTimeout when nothing at all arrives within
// the timeout that follows.
func (l *Link) keepAliveLoop() {
	checkEvery := l.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = l.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			last := l.lastActivity.Load()
			if sent := l.pingSentAt.Load(); sent > last {
				if now.Sub(time.Unix(0, sent)) >= l.keepAliveTimeout {
					l.closeWithError(ErrPongTimeout)
					return
				}
				continue
			}
			if now.Sub(time.Unix(0, last)) < l.keepAliveInterval {
				continue
			}

			// Recorded before the write so a fast answer is never older than it.
			l.pingSentAt.Store(now.UnixNano())
			if err := l.Send(KeepAlive{Timestamp: now.UnixMilli()}); err != nil {
				return
			}
		case <-l.closed:
			return
		}
	}
}

func (l *Link) touch() {
	l.lastActivity.Store(time.Now().UnixNano())
}

// activityReader counts file body bytes as link activity, so a long transfer
// is never mistaken for a silent peer.
type activityReader struct {
	r    io.Reader
	link *Link
}

func (a activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.link.touch()
	}
	return n, err
}

// rejectIncompatible tells the peer our version once so both endpoints see
// the mismatch, then reports it locally.
func (l *Link) rejectIncompatible(err *IncompatibleProtocolError) {
	l.noticeOnce.Do(func() {
		_ = l.Send(IncompatibleVersion{Version: l.version})
	})
	if l.handler != nil {
		l.handler.HandleIncompatible(l, err)
	}
}

func (l *Link) closedError() error {
	if err := l.LastError(); err != nil {
		return err
	}
	return ErrLinkClosed
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		_ = l.conn.Close()
		close(l.closed)
	})
}
