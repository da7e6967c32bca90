package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrUnknownPeer indicates no address is known for a peer id.
var ErrUnknownPeer = errors.New("network: no address for peer")

// Dialer opens a raw byte stream to a peer identified by PeerId.
type Dialer interface {
	Dial(ctx context.Context, peerID string) (net.Conn, error)
}

// AddressBook is a Dialer over a static PeerId to TCP address table. It backs
// manual peers and tests; discovery provides the production Dialer.
type AddressBook struct {
	Timeout time.Duration

	mu        sync.RWMutex
	addresses map[string]string
}

// NewAddressBook creates an empty address book.
func NewAddressBook() *AddressBook {
	return &AddressBook{addresses: make(map[string]string)}
}

// Set records the address of a peer.
func (b *AddressBook) Set(peerID, address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addresses[peerID] = address
}

// Lookup returns the recorded address of a peer.
func (b *AddressBook) Lookup(peerID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	address, ok := b.addresses[peerID]
	return address, ok
}

// Dial connects to the recorded address of peerID.
func (b *AddressBook) Dial(ctx context.Context, peerID string) (net.Conn, error) {
	address, ok := b.Lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return DialAddress(ctx, address, b.Timeout)
}

// DialAddress opens a TCP connection bounded by ctx and timeout.
func DialAddress(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialer := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	return conn, nil
}
