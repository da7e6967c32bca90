package session

import (
	"sync"
	"time"
)

// Clock tracks each peer's clock offset, measured during the handshake, and
// converts peer timestamps (unix milliseconds) into local time.
type Clock struct {
	now func() time.Time

	mu      sync.RWMutex
	offsets map[string]int64
}

// NewClock creates a clock. now defaults to time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now, offsets: make(map[string]int64)}
}

// Now returns the local time in unix milliseconds.
func (c *Clock) Now() int64 {
	return c.now().UnixMilli()
}

// Record stores the offset between a peer's reported time and ours.
func (c *Clock) Record(peerID string, peerMillis int64) int64 {
	offset := peerMillis - c.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets[peerID] = offset
	return offset
}

// Offset returns peer time minus local time, zero when unknown.
func (c *Clock) Offset(peerID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offsets[peerID]
}

// ToLocal converts a timestamp taken on peerID's clock into local time.
func (c *Clock) ToLocal(peerID string, peerMillis int64) int64 {
	return peerMillis - c.Offset(peerID)
}
