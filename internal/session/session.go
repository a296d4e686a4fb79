// Package session owns the lifecycle of peer sessions created by the
// handshake. A session is looked up by the pair (peer nonce, peer identity);
// session identity is never inferred from anything other than a verified
// signature, which is why only the handshake engine mutates sessions.
package session

import (
	"sync"
	"time"

	"peergate/internal/auth"
)

// Session is the state for one completed or in-flight handshake. The nonce
// pair and peer identity are fixed at creation; the authenticated flag,
// activity timestamp and certificate set are guarded by the session's own
// lock so wallet calls never happen under the store lock.
type Session struct {
	// PeerNonce is the nonce the peer sent in its initial message;
	// SessionNonce is the nonce this side generated in response.
	PeerNonce    string
	SessionNonce string
	PeerIdentity auth.Identity

	mu            sync.Mutex
	authenticated bool
	lastUpdate    time.Time
	certificates  []auth.Certificate
}

// Authenticated reports whether both directions' signatures have verified.
// A CHALLENGED session left behind by an abandoned handshake stays false.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Authenticate flips the authenticated flag. Called exactly once, after
// every signature check has passed.
func (s *Session) Authenticate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.lastUpdate = time.Now()
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUpdate = time.Now()
}

func (s *Session) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

// SetCertificates attaches verified certificates to the session.
func (s *Session) SetCertificates(certs []auth.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certificates = certs
}

// Certificates returns the verified certificate set attached to the session.
func (s *Session) Certificates() []auth.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.Certificate, len(s.certificates))
	copy(out, s.certificates)
	return out
}

type key struct {
	peerNonce string
	identity  string
}

// Store maps (peer nonce, identity) pairs to sessions. Creation is
// idempotent: a concurrent create with an identical key observes the first
// caller's session rather than producing a duplicate.
type Store struct {
	mu       sync.Mutex
	sessions map[key]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[key]*Session)}
}

// Create registers a session for the key, or returns the live session a
// concurrent caller already registered. The second return reports whether
// this call created the session.
func (s *Store) Create(peerNonce, sessionNonce string, identity auth.Identity) (*Session, bool) {
	k := key{peerNonce: peerNonce, identity: identity.Hex()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[k]; ok {
		return existing, false
	}
	sess := &Session{
		PeerNonce:    peerNonce,
		SessionNonce: sessionNonce,
		PeerIdentity: identity,
		lastUpdate:   time.Now(),
	}
	s.sessions[k] = sess
	return sess, true
}

// Find returns the session for the key, if any. An entry idle longer than
// maxIdle is evicted on the spot and reported as absent; maxIdle <= 0
// disables the opportunistic check.
func (s *Store) Find(peerNonce string, identity auth.Identity, maxIdle time.Duration) (*Session, bool) {
	k := key{peerNonce: peerNonce, identity: identity.Hex()}
	s.mu.Lock()
	sess, ok := s.sessions[k]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	if maxIdle > 0 && time.Since(sess.LastUpdate()) > maxIdle {
		if s.evictIfStale(k, sess, maxIdle) {
			return nil, false
		}
	}
	return sess, true
}

// evictIfStale removes the session only if it is still the stored entry and
// still idle past maxIdle under the lock, so a touch that lands between the
// caller's staleness read and this point keeps the session alive. Reports
// whether the session was removed.
func (s *Store) evictIfStale(k key, sess *Session, maxIdle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[k]
	if !ok || cur != sess {
		return false
	}
	if time.Since(sess.LastUpdate()) > maxIdle {
		delete(s.sessions, k)
		return true
	}
	return false
}

// Evict discards the session, used on signature failure or certificate
// invalidation.
func (s *Store) Evict(peerNonce string, identity auth.Identity) {
	k := key{peerNonce: peerNonce, identity: identity.Hex()}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, k)
}

// EvictIdle removes every session idle longer than threshold and returns how
// many were removed.
func (s *Store) EvictIdle(threshold time.Duration) int {
	s.mu.Lock()
	keys := make([]key, 0, len(s.sessions))
	sessions := make([]*Session, 0, len(s.sessions))
	for k, sess := range s.sessions {
		keys = append(keys, k)
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	cutoff := time.Now().Add(-threshold)
	n := 0
	for i, sess := range sessions {
		if sess.LastUpdate().Before(cutoff) {
			s.mu.Lock()
			if cur, ok := s.sessions[keys[i]]; ok && cur == sess {
				delete(s.sessions, keys[i])
				n++
			}
			s.mu.Unlock()
		}
	}
	return n
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
