package transport

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the host-side mapping from a client's stable deviceID to its
// current UDP peer address, populated from registration packets so the
// host's packet sender knows where to write video for a given device
// without threading the address through the control-channel session
// state.
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]registryEntry
}

type registryEntry struct {
	addr     *net.UDPAddr
	lastSeen time.Time
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uuid.UUID]registryEntry)}
}

// HandleRegistrationPacket parses a 20-byte registration packet received
// from addr and records the association. Malformed packets are ignored.
func (r *Registry) HandleRegistrationPacket(buf []byte, addr *net.UDPAddr) {
	if len(buf) != RegistrationSize || string(buf[0:4]) != RegistrationMagic {
		return
	}
	deviceID, err := uuid.FromBytes(buf[4:20])
	if err != nil {
		return
	}
	r.mu.Lock()
	r.entries[deviceID] = registryEntry{addr: addr, lastSeen: time.Now()}
	r.mu.Unlock()
}

// Lookup returns the current UDP peer address for deviceID, if known.
func (r *Registry) Lookup(deviceID uuid.UUID) (*net.UDPAddr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[deviceID]
	if !ok {
		return nil, false
	}
	return e.addr, true
}

// Forget removes deviceID's entry, e.g. on session teardown.
func (r *Registry) Forget(deviceID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, deviceID)
}

// PruneStale removes entries whose registration packet is older than ttl.
func (r *Registry) PruneStale(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}
