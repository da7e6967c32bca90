// Package session holds the chat protocol state machines that run on top of
// promoted peer links: handshake reconciliation, group replication, private
// chats and file transfer.
package session

import (
	"errors"
	"io"
	"log"

	"directlink/event"
	"directlink/models"
	"directlink/network"
	"directlink/storage"
)

// DefaultHistoryWindow bounds the history sent to a member that lacks a chat.
const DefaultHistoryWindow = 300

var (
	ErrNotHost          = errors.New("session: only the host may do this")
	ErrNotMember        = errors.New("session: not a member of the chat")
	ErrChatTombstoned   = errors.New("session: chat no longer exists")
	ErrHostNotConnected = errors.New("session: chat host is not connected")
	ErrHostCannotLeave  = errors.New("session: host cannot leave its own chat")
)

// Store is the persistence the sessions need.
type Store interface {
	GetUser(peerID string) (models.User, error)
	SaveUser(user models.User) error

	GetPrivateChat(peerID string) (models.PrivateChat, error)
	SavePrivateChat(chat models.PrivateChat) error

	GetGroupChat(chatID string) (models.GroupChat, error)
	SaveGroupChat(chat models.GroupChat) error
	ListGroupChats() ([]models.GroupChat, error)

	InsertMessage(message models.Message) (bool, error)
	LastMessage(chatID string) (models.Message, error)
	MessagesAfter(chatID, afterID string, limit int) ([]models.Message, error)
	MarkChatRead(chatID string) error
}

// Identity supplies the local user.
type Identity interface {
	Self() models.User
	// AdoptPeerID sets the local PeerId when none is known yet.
	AdoptPeerID(peerID string) bool
}

// Transport sends to promoted links. *network.Manager implements it.
type Transport interface {
	Send(peerID string, message network.Message) error
	SendWithBody(peerID string, message network.Message, body io.Reader, size int64) error
	IsConnected(peerID string) bool
	ConnectedPeerIDs() []string
}

// FileStore resolves and persists transferred files.
type FileStore interface {
	Resolve(fileType models.FileType, fileName string, expectedSize int64) models.FileState
	Open(fileType models.FileType, fileName string) (io.ReadCloser, int64, error)
	Create(fileType models.FileType, fileName string) (*storage.Sink, error)
}

// Options are the collaborators shared by every session.
type Options struct {
	Store         Store
	Identity      Identity
	Transport     Transport
	Files         FileStore
	Clock         *Clock
	Events        *event.Broadcaster[ChatEvent]
	HistoryWindow int
	Logger        *log.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = NewClock(nil)
	}
	if o.Events == nil {
		o.Events = NewEvents()
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = DefaultHistoryWindow
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

func (o Options) validate() error {
	if o.Store == nil {
		return errors.New("store is required")
	}
	if o.Identity == nil {
		return errors.New("identity is required")
	}
	if o.Transport == nil {
		return errors.New("transport is required")
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// Sessions bundles the sessions of one node. They share one clock and one
// chat event surface.
type Sessions struct {
	Handshakes *Handshakes
	Groups     *GroupSession
	Private    *PrivateSession
	Files      *FileSession
	Profile    *ProfileSession
	Events     *event.Broadcaster[ChatEvent]
	Clock      *Clock
}

// Registrar is the category routing of a connection manager.
type Registrar interface {
	Handle(category network.Category, handler network.Handler)
}

// New builds every session over the same collaborators.
func New(opts Options) (*Sessions, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	groups, err := NewGroupSession(opts)
	if err != nil {
		return nil, err
	}
	private, err := NewPrivateSession(opts)
	if err != nil {
		return nil, err
	}
	files, err := NewFileSession(opts)
	if err != nil {
		return nil, err
	}
	profile, err := NewProfileSession(opts)
	if err != nil {
		return nil, err
	}
	handshakes, err := NewHandshakes(opts, groups, private)
	if err != nil {
		return nil, err
	}
	return &Sessions{
		Handshakes: handshakes,
		Groups:     groups,
		Private:    private,
		Files:      files,
		Profile:    profile,
		Events:     opts.Events,
		Clock:      opts.Clock,
	}, nil
}

// Register routes each message category to its session.
func (s *Sessions) Register(r Registrar) {
	r.Handle(network.CategoryInitConnection, s.Profile)
	r.Handle(network.CategoryGroupChat, s.Groups)
	r.Handle(network.CategoryPrivateChat, s.Private)
	r.Handle(network.CategoryFile, s.Files)
}

// PeerDisconnected drops per-peer state once a link is gone.
func (s *Sessions) PeerDisconnected(peerID string) {
	s.Groups.PeerDisconnected(peerID)
	s.Files.PeerDisconnected(peerID)
}

// Close waits for outstanding file serving and closes the event surface.
func (s *Sessions) Close() {
	s.Files.Close()
	s.Events.Close()
}
