package coord

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/chorus-sig/roastd/internal/group"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// eventBufferCapacity is the fixed ring-buffer size backing every
// session's paused-stream buffer (spec.md §3).
const eventBufferCapacity = 100

// SessionID is a fresh random 16-byte token naming one live session.
type SessionID [16]byte

func (id SessionID) String() string { return hex.EncodeToString(id[:]) }

// newSessionID mints a fresh session token. Session tokens use uuid.New's
// version-4 generator rather than a bare crypto/rand read, the same source
// the rest of the pack reaches for whenever it needs a fresh random
// identifier (as opposed to a signed nonce like AuthChallenge.Nonce).
func newSessionID() SessionID {
	return SessionID(uuid.New())
}

// EventSink is the transport's handle on a session's live event stream.
// Push must be non-blocking: if the transport cannot accept an event
// right now (its own backpressure is engaged), it returns false and the
// session falls back to buffering, never awaiting the transport inside a
// request's critical section (spec.md §5).
type EventSink interface {
	Push(Event) bool
}

// ClientSession is the per-logged-in-participant object of spec.md §3:
// identifier, session id, expiry, and an event sink that is either live
// (actively pushing to a transport) or paused (buffering into a ring
// buffer of capacity 100).
type ClientSession struct {
	mu           sync.Mutex
	Participant  group.Identifier
	ID           SessionID
	exp          Expiry
	sink         EventSink
	buffer       *RingBuffer[Event]
	lost         bool
	onLostStream func()
}

func (s *ClientSession) expiry() Expiry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exp
}

// NewClientSession constructs a session in the paused state (no
// subscriber attached yet).
func NewClientSession(participant group.Identifier, clk clockwork.Clock, ttl time.Duration) (*ClientSession, error) {
	id := newSessionID()
	rb, err := NewRingBuffer[Event](eventBufferCapacity)
	if err != nil {
		return nil, err
	}
	return &ClientSession{
		Participant: participant,
		ID:          id,
		exp:         NewExpiry(clk, ttl),
		buffer:      rb,
	}, nil
}

// Extend refreshes the session's expiry to ttl from clk's current time,
// returning the new Expiry (spec.md §4.4, extendSession).
func (s *ClientSession) Extend(clk clockwork.Clock, ttl time.Duration) Expiry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exp = NewExpiry(clk, ttl)
	return s.exp
}

// SendEvent delivers e in FIFO order: immediately via the live sink if
// one is attached and accepts it, otherwise appended to the ring buffer
// (oldest dropped at capacity).
func (s *ClientSession) SendEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != nil && s.sink.Push(e) {
		return
	}
	s.sink = nil
	s.buffer.Push(e)
}

// Attach installs sink as the session's live subscriber and returns the
// buffered backlog, in order, for the caller to replay on the transport
// before any newer live event (spec.md §4.2: "flush the ring buffer into
// the stream before delivering any newer live event").
func (s *ClientSession) Attach(sink EventSink) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
	return s.buffer.Flush()
}

// Detach marks the session paused again (the transport signalled
// backpressure or the subscriber temporarily went away without
// cancelling the stream outright).
func (s *ClientSession) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = nil
}

// SetOnLostStream installs the hook Cancel invokes exactly once.
func (s *ClientSession) SetOnLostStream(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLostStream = fn
}

// Cancel marks the stream permanently lost and fires onLostStream exactly
// once (spec.md §4.2: "the session is considered lost").
func (s *ClientSession) Cancel() {
	s.mu.Lock()
	if s.lost {
		s.mu.Unlock()
		return
	}
	s.lost = true
	s.sink = nil
	hook := s.onLostStream
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}
