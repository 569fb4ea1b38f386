package relay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxSubdomainAttempts bounds the collision-retry loop in Create.
const maxSubdomainAttempts = 8

// ErrRegistryExhausted is returned by Create when no free subdomain could
// be generated within maxSubdomainAttempts tries.
var ErrRegistryExhausted = fmt.Errorf("tunnel registry: exhausted subdomain attempts")

// ErrTooManyTunnels is returned by Create when the registry is already at
// its configured capacity.
var ErrTooManyTunnels = fmt.Errorf("tunnel registry: too many live tunnels")

// Channel is the send/receive capability a Tunnel uses to talk to its
// agent. *protocol.Codec satisfies this in production; tests may supply a
// fake.
type Channel interface {
	WriteFrame(f any) error
	Close() error
}

// Tunnel represents one live agent connection owning one subdomain.
type Tunnel struct {
	ID           string
	Subdomain    string
	Channel      Channel
	CreatedAt    time.Time
	requestCount atomic.Uint64
	sendLock     sync.Mutex
}

// RequestCount returns the number of requests successfully dispatched on
// this tunnel so far.
func (t *Tunnel) RequestCount() uint64 {
	return t.requestCount.Load()
}

// IncrementRequestCount advances the request counter. Called only after
// the outbound frame has been handed to the channel (invariant 4).
func (t *Tunnel) IncrementRequestCount() {
	t.requestCount.Add(1)
}

// Send writes a frame to the agent under the tunnel's send lock so
// concurrent dispatches never interleave frames on the wire.
func (t *Tunnel) Send(f any) error {
	t.sendLock.Lock()
	defer t.sendLock.Unlock()
	return t.Channel.WriteFrame(f)
}

// Snapshot is one row of Registry.Snapshot(), used to render the status
// endpoint.
type Snapshot struct {
	Subdomain    string
	TunnelID     string
	CreatedAt    time.Time
	RequestCount uint64
}

// Registry maps subdomains to live tunnels. Reads are lock-free relative
// to other reads; creation and removal take a write lock, but a reader
// that already holds a *Tunnel reference may keep using it after the
// registry entry is removed concurrently — the in-flight request then
// observes teardown through the pending-request fail path.
type Registry struct {
	mu         sync.RWMutex
	bySubdom   map[string]*Tunnel
	byID       map[string]*Tunnel
	maxTunnels int
}

// NewRegistry creates an empty tunnel registry. maxTunnels <= 0 means
// unbounded.
func NewRegistry(maxTunnels int) *Registry {
	return &Registry{
		bySubdom:   make(map[string]*Tunnel),
		byID:       make(map[string]*Tunnel),
		maxTunnels: maxTunnels,
	}
}

// Create allocates a fresh subdomain, inserts a new tunnel wrapping
// channel, and returns it. Subdomain collisions are retried up to
// maxSubdomainAttempts times before returning ErrRegistryExhausted.
func (r *Registry) Create(channel Channel) (*Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxTunnels > 0 && len(r.bySubdom) >= r.maxTunnels {
		return nil, ErrTooManyTunnels
	}

	var subdomain string
	for attempt := 0; attempt < maxSubdomainAttempts; attempt++ {
		candidate, err := randomSubdomain()
		if err != nil {
			return nil, fmt.Errorf("generating subdomain: %w", err)
		}
		if _, exists := r.bySubdom[candidate]; !exists {
			subdomain = candidate
			break
		}
	}
	if subdomain == "" {
		return nil, ErrRegistryExhausted
	}

	t := &Tunnel{
		ID:        uuid.NewString(),
		Subdomain: subdomain,
		Channel:   channel,
		CreatedAt: time.Now(),
	}
	r.bySubdom[subdomain] = t
	r.byID[t.ID] = t
	return t, nil
}

// Lookup returns the live tunnel for subdomain, if any.
func (r *Registry) Lookup(subdomain string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySubdom[subdomain]
	return t, ok
}

// Remove idempotently removes the tunnel with the given id.
func (r *Registry) Remove(tunnelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[tunnelID]
	if !ok {
		return
	}
	delete(r.byID, tunnelID)
	// Only remove the subdomain mapping if it still points at this
	// tunnel instance (guards against removing a newer tunnel that won
	// the same subdomain after a stale teardown).
	if current, ok := r.bySubdom[t.Subdomain]; ok && current == t {
		delete(r.bySubdom, t.Subdomain)
	}
}

// Snapshot returns a point-in-time, sorted-by-creation view of all live
// tunnels for the status endpoint.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, Snapshot{
			Subdomain:    t.Subdomain,
			TunnelID:     t.ID,
			CreatedAt:    t.CreatedAt,
			RequestCount: t.RequestCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Size returns the number of live tunnels.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// randomSubdomain generates a lowercase-hex token with 64 bits of entropy.
func randomSubdomain() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
