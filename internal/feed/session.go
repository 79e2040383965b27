// Package feed maintains the persistent streaming connection to the external
// quote provider, parses inbound ticks, and republishes normalized snapshots
// into the quote cache.
package feed

import (
	"sort"
	"sync"
	"time"
)

// State names a stage of the stream session lifecycle.
type State string

const (
	// StateDisconnected means no connection exists.
	StateDisconnected State = "DISCONNECTED"
	// StateConnecting means a credential was acquired and a dial is underway.
	StateConnecting State = "CONNECTING"
	// StateSubscribing means the connection is open and subscriptions are
	// being issued.
	StateSubscribing State = "SUBSCRIBING"
	// StateLive means all subscriptions were issued and ticks are flowing.
	StateLive State = "LIVE"
	// StateDegraded means the session hit an error or liveness timeout and
	// is awaiting reconnect.
	StateDegraded State = "DEGRADED"
)

// Session tracks the streaming connection lifecycle: current state, the
// subscribed instrument set, the last inbound message time, and the session
// credential. Owned by the feed and passed to dependents, never ambient.
type Session struct {
	mu              sync.RWMutex
	state           State
	subscribed      map[string]struct{}
	lastMessageAt   time.Time
	credential      string
	credentialInUse bool
}

// NewSession creates a disconnected session.
func NewSession() *Session {
	return &Session{
		state:      StateDisconnected,
		subscribed: make(map[string]struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Connected reports whether the session is usable for subscriptions.
func (s *Session) Connected() bool {
	state := s.State()
	return state == StateSubscribing || state == StateLive
}

// SetCredential stores the provider session credential.
func (s *Session) SetCredential(credential string) {
	s.mu.Lock()
	s.credential = credential
	s.mu.Unlock()
}

// Credential returns the provider session credential.
func (s *Session) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

// MarkCredentialInUse flags the fatal "credential in use elsewhere" condition.
func (s *Session) MarkCredentialInUse() {
	s.mu.Lock()
	s.credentialInUse = true
	s.mu.Unlock()
}

// CredentialInUse reports whether the provider rejected the credential as
// already in use elsewhere.
func (s *Session) CredentialInUse() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentialInUse
}

// Touch records an inbound message at now.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastMessageAt = now
	s.mu.Unlock()
}

// LastMessageAt returns when the most recent message arrived.
func (s *Session) LastMessageAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMessageAt
}

// SilentFor reports whether no message arrived within timeout as of now.
func (s *Session) SilentFor(now time.Time, timeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastMessageAt.IsZero() {
		return false
	}
	return now.Sub(s.lastMessageAt) > timeout
}

// MarkSubscribed records that the instrument subscription was issued.
func (s *Session) MarkSubscribed(instrument string) {
	s.mu.Lock()
	s.subscribed[instrument] = struct{}{}
	s.mu.Unlock()
}

// MarkUnsubscribed removes the instrument from the issued set.
func (s *Session) MarkUnsubscribed(instrument string) {
	s.mu.Lock()
	delete(s.subscribed, instrument)
	s.mu.Unlock()
}

// IsSubscribed reports whether the instrument subscription was issued on the
// current connection.
func (s *Session) IsSubscribed(instrument string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscribed[instrument]
	return ok
}

// Subscribed returns the sorted instrument set issued on this connection.
func (s *Session) Subscribed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscribed))
	for code := range s.subscribed {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// ResetSubscriptions clears the issued set. Subscriptions do not survive a
// reconnect, so this runs on every teardown.
func (s *Session) ResetSubscriptions() {
	s.mu.Lock()
	s.subscribed = make(map[string]struct{})
	s.mu.Unlock()
}
