package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	attpmetrics "github.com/dantte-lp/attp/internal/metrics"
	"github.com/dantte-lp/attp/pkg/attperr"
)

// Payload is the AUTH frame payload exchanged during the handshake (spec
// §3): `{alg, ts, nonce, sig, node_id, kid?}`.
type Payload struct {
	Alg    string `msgpack:"alg"`
	Ts     int64  `msgpack:"ts"`
	Nonce  string `msgpack:"nonce"`
	Sig    string `msgpack:"sig"`
	NodeID string `msgpack:"node_id"`
	KeyID  string `msgpack:"kid,omitempty"`
}

func signatureMessage(namespace, nodeID string, ts int64, nonce string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%d:%s", namespace, nodeID, ts, nonce))
}

func sign(secret string, namespace, nodeID string, ts int64, nonce string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(signatureMessage(namespace, nodeID, ts, nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// Signer produces AUTH payloads for the client side of the handshake
// (spec §4.6 Signing).
type Signer struct {
	Namespace    string
	NodeID       string
	KeyID        string
	Secret       *SecretRef
	TTLSeconds   int
	MaxClockSkew int
}

// AuthTimeout is ttl_seconds + max_clock_skew + 5, the default deadline a
// client waits for READY after sending AUTH (spec §4.6).
func (s *Signer) AuthTimeout() time.Duration {
	return time.Duration(s.TTLSeconds+s.MaxClockSkew+5) * time.Second
}

// Sign builds a fresh, timestamped, nonced AUTH payload.
func (s *Signer) Sign() (Payload, error) {
	secret, err := s.Secret.Resolve()
	if err != nil {
		return Payload{}, err
	}

	var nonceBytes [16]byte
	if _, err := rand.Read(nonceBytes[:]); err != nil {
		return Payload{}, fmt.Errorf("auth: generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes[:])
	ts := time.Now().Unix()

	return Payload{
		Alg:    "HS256",
		Ts:     ts,
		Nonce:  nonce,
		Sig:    sign(secret, s.Namespace, s.NodeID, ts, nonce),
		NodeID: s.NodeID,
		KeyID:  s.KeyID,
	}, nil
}

// replayKey is (namespace, node_id, nonce), the triple a ReplayCache
// tracks (spec §4.6, §4.11 Glossary).
type replayKey struct {
	namespace string
	nodeID    string
	nonce     string
}

type replayEntry struct {
	key replayKey
	ts  int64
}

// ReplayCache is a FIFO-bounded, time-pruned set of seen (namespace,
// node_id, nonce) triples (spec §4.6 Replay cache).
type ReplayCache struct {
	ttlSeconds int64
	maxEntries int

	mu      sync.Mutex
	entries map[replayKey]int64
	order   []replayEntry
}

// NewReplayCache creates a ReplayCache pruning entries older than
// ttlSeconds and bounding its size to maxEntries.
func NewReplayCache(ttlSeconds int64, maxEntries int) *ReplayCache {
	return &ReplayCache{
		ttlSeconds: ttlSeconds,
		maxEntries: maxEntries,
		entries:    make(map[replayKey]int64),
	}
}

func (c *ReplayCache) prune(now int64) {
	cutoff := now - c.ttlSeconds
	for len(c.order) > 0 && (c.order[0].ts < cutoff || len(c.entries) > c.maxEntries) {
		head := c.order[0]
		c.order = c.order[1:]
		if c.entries[head.key] == head.ts {
			delete(c.entries, head.key)
		}
	}
}

// Seen reports whether key was already recorded, pruning expired entries
// first.
func (c *ReplayCache) Seen(namespace, nodeID, nonce string, now int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune(now)
	_, ok := c.entries[replayKey{namespace: namespace, nodeID: nodeID, nonce: nonce}]
	return ok
}

// Add records key as seen at now.
func (c *ReplayCache) Add(namespace, nodeID, nonce string, now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := replayKey{namespace: namespace, nodeID: nodeID, nonce: nonce}
	c.entries[key] = now
	c.order = append(c.order, replayEntry{key: key, ts: now})
	c.prune(now)
}

// Strategy verifies AUTH payloads on the server side (spec §4.6
// Verification).
type Strategy struct {
	DefaultSecret     *SecretRef
	Keyring           map[string]*SecretRef
	TTLSeconds        int64
	MaxClockSkew      int64
	AllowedNamespaces map[string]struct{}
	AllowedNodes      map[string]struct{}
	Replay            *ReplayCache

	// Metrics records auth failures and replay rejections, if set.
	Metrics *attpmetrics.Collector
}

// NewStrategy builds a Strategy with a replay cache sized maxReplayEntries
// and bounded by ttlSeconds+maxClockSkew.
func NewStrategy(defaultSecret *SecretRef, ttlSeconds, maxClockSkew int64, maxReplayEntries int) *Strategy {
	return &Strategy{
		DefaultSecret: defaultSecret,
		Keyring:       make(map[string]*SecretRef),
		TTLSeconds:    ttlSeconds,
		MaxClockSkew:  maxClockSkew,
		Replay:        NewReplayCache(ttlSeconds+maxClockSkew, maxReplayEntries),
	}
}

func (s *Strategy) resolveSecret(keyID string) (string, error) {
	if keyID != "" {
		if ref, ok := s.Keyring[keyID]; ok {
			return ref.Resolve()
		}
	}
	return s.DefaultSecret.Resolve()
}

// Verify runs the full verification sequence of spec §4.6 against an
// already-decoded AUTH payload for namespace, returning nil on success
// (the nonce is then recorded in the replay cache at time now) or a typed
// 401 error.
func (s *Strategy) Verify(namespace string, payload Payload, now int64) error {
	reject := func(reason string) error {
		if s.Metrics != nil {
			s.Metrics.IncAuthFailures(namespace, "401")
		}
		return attperr.Unauthorized(reason)
	}

	if len(s.AllowedNamespaces) > 0 {
		if _, ok := s.AllowedNamespaces[namespace]; !ok {
			return reject("namespace not allowed")
		}
	}

	if payload.NodeID == "" || payload.Nonce == "" || payload.Sig == "" {
		return reject("missing nonce, sig, or node_id")
	}

	if len(s.AllowedNodes) > 0 {
		if _, ok := s.AllowedNodes[payload.NodeID]; !ok {
			return reject("node_id not allowed")
		}
	}

	skew := now - payload.Ts
	if skew < 0 {
		skew = -skew
	}
	if skew > s.TTLSeconds+s.MaxClockSkew {
		return reject("timestamp skew too large")
	}

	if s.Replay.Seen(namespace, payload.NodeID, payload.Nonce, now) {
		if s.Metrics != nil {
			s.Metrics.IncReplayRejections(namespace)
		}
		return reject("replay detected")
	}

	secret, err := s.resolveSecret(payload.KeyID)
	if err != nil {
		return reject("secret resolution failed")
	}

	expected := sign(secret, namespace, payload.NodeID, payload.Ts, payload.Nonce)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(payload.Sig)) != 1 {
		return reject("signature mismatch")
	}

	s.Replay.Add(namespace, payload.NodeID, payload.Nonce, now)
	return nil
}
