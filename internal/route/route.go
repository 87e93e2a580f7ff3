// Package route implements the route registry (spec §4.1): the local
// route table plus the remote manifests received per (namespace, role)
// at handshake time, and the registered error handlers.
package route

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/dantte-lp/attp/pkg/attperr"
)

// Type is the kind of a route mapping (spec §3).
type Type string

const (
	Message    Type = "message"
	Event      Type = "event"
	Err        Type = "err"
	Connect    Type = "connect"
	Disconnect Type = "disconnect"
)

// Role is a session's side of the handshake. Remote manifests are keyed
// by the role of the local session that received them: a client stores
// the server's manifest under RoleClient, a server stores the client's
// under RoleServer.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Reserved route ids (spec §3): 0 for connect/disconnect/handshake
// control, 1 for authentication.
const (
	ConnectRouteID uint64 = 0
	AuthRouteID    uint64 = 1
	firstDynamicID uint64 = 2
)

// Mapping is a single route entry. Handler is an opaque reference to the
// registered callback; only the local route table populates it — remote
// manifests never carry a handler (spec §3).
type Mapping struct {
	Pattern   string
	RouteID   uint64
	Type      Type
	Namespace string
	Handler   any
}

// Wire is the sendable form of a Mapping: no handler, used in READY
// manifests (spec §4.1 manifest_for).
type Wire struct {
	Pattern   string `msgpack:"pattern"`
	RouteID   uint64 `msgpack:"route_id"`
	Type      Type   `msgpack:"route_type"`
	Namespace string `msgpack:"namespace"`
}

// ToWire strips the handler for transmission.
func (m Mapping) ToWire() Wire {
	return Wire{Pattern: m.Pattern, RouteID: m.RouteID, Type: m.Type, Namespace: m.Namespace}
}

// FromWire rebuilds a handler-less Mapping from a received Wire entry.
func FromWire(w Wire) Mapping {
	return Mapping{Pattern: w.Pattern, RouteID: w.RouteID, Type: w.Type, Namespace: w.Namespace}
}

type remoteKey struct {
	namespace string
	role      Role
}

type errorHandlerEntry struct {
	namespace string
	handler   any
}

// Registry owns the three disjoint containers described in spec §3:
// local_routes, remote_routes[namespace,role], and error_handlers[pattern].
type Registry struct {
	mu          sync.RWMutex
	localRoutes []Mapping
	nextID      uint64

	remoteMu     sync.Mutex
	remoteRoutes map[remoteKey][]Mapping

	errMu    sync.RWMutex
	errorMap map[string][]errorHandlerEntry
}

// NewRegistry creates an empty Registry with the dynamic id counter
// starting at 2 (ids 0 and 1 are reserved).
func NewRegistry() *Registry {
	return &Registry{
		nextID:       firstDynamicID,
		remoteRoutes: make(map[remoteKey][]Mapping),
		errorMap:     make(map[string][]errorHandlerEntry),
	}
}

// AddLocal appends a local mapping. It assigns route id 0 for the
// connect/disconnect lifecycle routes, else the next free monotonic id
// starting at 2. Registering the same pattern twice in the same namespace
// appends a second entry — the last one wins when dispatching by id,
// preserving hot-reload semantics (spec §4.1).
func (r *Registry) AddLocal(pattern string, typ Type, namespace string, handler any) Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id uint64
	if isLifecycle(typ, pattern) {
		id = ConnectRouteID
	} else {
		id = r.nextID
		r.nextID++
	}

	m := Mapping{Pattern: pattern, RouteID: id, Type: typ, Namespace: namespace, Handler: handler}
	r.localRoutes = append(r.localRoutes, m)
	return m
}

func isLifecycle(typ Type, pattern string) bool {
	return (typ == Connect && pattern == "connect") || (typ == Disconnect && pattern == "disconnect")
}

// AddErrorHandler registers an error-frame handler for pattern within
// namespace.
func (r *Registry) AddErrorHandler(pattern, namespace string, handler any) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	r.errorMap[pattern] = append(r.errorMap[pattern], errorHandlerEntry{namespace: namespace, handler: handler})
}

// LookupLocal returns the last local mapping whose route id and namespace
// match, or false if none does.
func (r *Registry) LookupLocal(routeID uint64, namespace string) (Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.localRoutes) - 1; i >= 0; i-- {
		m := r.localRoutes[i]
		if m.RouteID == routeID && m.Namespace == namespace {
			return m, true
		}
	}
	return Mapping{}, false
}

// LookupLifecycle returns the last connect or disconnect handler
// registered for namespace, distinguished by typ since both share route
// id 0 (spec SPEC_FULL §10).
func (r *Registry) LookupLifecycle(typ Type, namespace string) (Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.localRoutes) - 1; i >= 0; i-- {
		m := r.localRoutes[i]
		if m.RouteID == ConnectRouteID && m.Type == typ && m.Namespace == namespace {
			return m, true
		}
	}
	return Mapping{}, false
}

// LookupRemote translates a human pattern to a wire route_id for outbound
// calls, returning the last matching entry in the remote manifest for
// (namespace, role).
func (r *Registry) LookupRemote(pattern string, typ Type, namespace string, role Role) (Mapping, bool) {
	r.remoteMu.Lock()
	defer r.remoteMu.Unlock()

	entries := r.remoteRoutes[remoteKey{namespace: namespace, role: role}]
	for i := len(entries) - 1; i >= 0; i-- {
		m := entries[i]
		if m.Pattern == pattern && m.Type == typ && m.Namespace == namespace {
			return m, true
		}
	}
	return Mapping{}, false
}

// GetErrorHandler returns the last error handler registered for pattern
// within namespace.
func (r *Registry) GetErrorHandler(pattern, namespace string) (any, bool) {
	r.errMu.RLock()
	defer r.errMu.RUnlock()

	entries := r.errorMap[pattern]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].namespace == namespace {
			return entries[i].handler, true
		}
	}
	return nil, false
}

// ManifestFor returns the sendable manifest (no handlers) for namespace.
func (r *Registry) ManifestFor(namespace string) []Wire {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Wire, 0, len(r.localRoutes))
	for _, m := range r.localRoutes {
		if m.Namespace == namespace {
			out = append(out, m.ToWire())
		}
	}
	return out
}

// IncludeRemote atomically compares the BLAKE2b-128 digest of manifest
// against any existing manifest for (namespace, role). If equal, it is a
// no-op; if different, it fails with a fatal protocol error; if absent,
// it stores the manifest (spec §4.1).
func (r *Registry) IncludeRemote(namespace string, role Role, manifest []Wire) error {
	r.remoteMu.Lock()
	defer r.remoteMu.Unlock()

	key := remoteKey{namespace: namespace, role: role}
	existing, ok := r.remoteRoutes[key]
	if !ok {
		mapped := make([]Mapping, len(manifest))
		for i, w := range manifest {
			mapped[i] = FromWire(w)
		}
		r.remoteRoutes[key] = mapped
		return nil
	}

	existingWire := make([]Wire, len(existing))
	for i, m := range existing {
		existingWire[i] = m.ToWire()
	}

	if digest(manifest) == digest(existingWire) {
		return nil
	}

	return attperr.Protocol(fmt.Sprintf("remote route manifest mismatch for namespace %q role %q", namespace, role))
}

// digest computes the BLAKE2b-128 digest over the canonical serialization
// of a manifest: for each mapping,
// u64le(route_id) ‖ route_type ‖ 0x00 ‖ pattern ‖ 0x00 ‖ namespace ‖ 0x00
// (spec §4.1).
func digest(manifest []Wire) [16]byte {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// blake2b.New only fails for an invalid key or out-of-range size;
		// size 16 and a nil key are always valid.
		panic(err)
	}

	var idBuf [8]byte
	for _, m := range manifest {
		binary.LittleEndian.PutUint64(idBuf[:], m.RouteID)
		h.Write(idBuf[:])
		h.Write([]byte(m.Type))
		h.Write([]byte{0})
		h.Write([]byte(m.Pattern))
		h.Write([]byte{0})
		h.Write([]byte(m.Namespace))
		h.Write([]byte{0})
	}

	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}
