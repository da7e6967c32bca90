package session

import (
	"io"

	"directlink/network"
)

// ProfileSession keeps peer user records current outside the handshake.
type ProfileSession struct {
	opts Options
}

// NewProfileSession creates the profile session.
func NewProfileSession(opts Options) (*ProfileSession, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &ProfileSession{opts: opts}, nil
}

// Broadcast sends the local user to every connected peer, typically after a
// profile edit.
func (p *ProfileSession) Broadcast() {
	self := p.opts.Identity.Self()
	for _, peerID := range p.opts.Transport.ConnectedPeerIDs() {
		if err := p.opts.Transport.Send(peerID, network.UserInfo{User: self}); err != nil {
			p.opts.Logger.Printf("session: profile broadcast failed peer=%s err=%v", peerID, err)
		}
	}
}

// HandleMessage implements network.Handler for the InitConnection frames that
// arrive after promotion.
func (p *ProfileSession) HandleMessage(peerID string, message network.Message, _ io.Reader) {
	switch m := message.(type) {
	case *network.UserInfo:
		if m.User.PeerID != peerID {
			p.opts.Logger.Printf("session: user info for %s from peer=%s dropped", m.User.PeerID, peerID)
			return
		}
		if err := p.opts.Store.SaveUser(m.User); err != nil {
			p.opts.Logger.Printf("session: save user failed peer=%s err=%v", peerID, err)
		}
	case *network.UserInfoRequest:
		self := p.opts.Identity.Self()
		if m.KnownUserHash == UserHash(self) {
			return
		}
		if err := p.opts.Transport.Send(peerID, network.UserInfo{User: self}); err != nil {
			p.opts.Logger.Printf("session: send user info failed peer=%s err=%v", peerID, err)
		}
	}
}
