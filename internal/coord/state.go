package coord

import (
	"encoding/hex"
	"sync"

	"github.com/chorus-sig/roastd/common/log"
	"github.com/chorus-sig/roastd/internal/group"
	"github.com/chorus-sig/roastd/internal/metrics"
	"github.com/jonboulle/clockwork"
)

// ChallengeID is a fresh random 16-byte nonce identifying a pending login
// (spec.md §3, "AuthChallenge").
type ChallengeID [16]byte

func (id ChallengeID) String() string { return hex.EncodeToString(id[:]) }

type authChallengeEntry struct {
	Participant group.Identifier
	Exp         Expiry
}

func (e authChallengeEntry) expiry() Expiry { return e.Exp }

func groupKeyID(pub group.PublicKey) string { return hex.EncodeToString(pub.Bytes()) }

// ServerState is the aggregate of every ExpirableMap the coordination
// core owns (spec.md §3, "ServerState"): challenges, sessions, the
// participant→session index, named DKGs, the DKG-ACK cache, in-flight
// signature coordinations, completed signatures, and recovery-share
// routing tables. It owns the end-session side effects of spec.md §4.3.
//
// Per spec.md §5, the API handler processes requests sequentially: mu
// serializes every exported ServerState/Handler operation so no request
// ever observes another mid-mutation.
type ServerState struct {
	mu sync.Mutex

	Clock  clockwork.Clock
	Config *Config
	Group  *group.Config
	Crypto SigningCrypto
	Log    log.Logger

	Challenges   *ExpirableMap[ChallengeID, authChallengeEntry]
	Sessions     *ExpirableMap[SessionID, *ClientSession]
	participants map[group.Identifier]SessionID

	Dkgs    *ExpirableMap[string, *DkgState]
	DkgAcks *ExpirableMap[string, *dkgAckCacheEntry]

	SigRequests   *ExpirableMap[RequestID, *SignaturesCoordinationState]
	CompletedSigs *ExpirableMap[RequestID, *CompletedSignatures]

	KeyShares *ExpirableMap[string, *KeySharingState]
}

// NewServerState constructs an empty, ready-to-use aggregate.
func NewServerState(clk clockwork.Clock, cfg *Config, grp *group.Config, crypto SigningCrypto, logger log.Logger) *ServerState {
	if logger == nil {
		logger = log.DefaultLogger()
	}
	logger = log.Component(logger, "coord")
	s := &ServerState{
		Clock:        clk,
		Config:       cfg,
		Group:        grp,
		Crypto:       crypto,
		Log:          logger,
		participants: map[group.Identifier]SessionID{},
	}
	s.Challenges = NewExpirableMap[ChallengeID, authChallengeEntry](clk, nil)
	s.Sessions = NewExpirableMap[SessionID, *ClientSession](clk, nil)
	s.Sessions.SetEvictFunc(func(_ SessionID, sess *ClientSession) {
		// ExpirableMap fires onEvict after releasing its own lock, so
		// endSessionLocked is free to call back into Sessions (via
		// broadcast) without deadlocking.
		s.endSessionLocked(sess)
	})
	s.Dkgs = NewExpirableMap[string, *DkgState](clk, nil)
	s.DkgAcks = NewExpirableMap[string, *dkgAckCacheEntry](clk, nil)
	s.SigRequests = NewExpirableMap[RequestID, *SignaturesCoordinationState](clk, nil)
	s.CompletedSigs = NewExpirableMap[RequestID, *CompletedSignatures](clk, nil)
	s.KeyShares = NewExpirableMap[string, *KeySharingState](clk, nil)
	return s
}

// onlineParticipants returns the identifiers of every currently live
// session. Caller must hold s.mu.
func (s *ServerState) onlineParticipants() []group.Identifier {
	var out []group.Identifier
	for _, sess := range s.Sessions.Values() {
		out = append(out, sess.Participant)
	}
	return out
}

// broadcast delivers e to every live session except the ones in skip.
// Caller must hold s.mu.
func (s *ServerState) broadcast(e Event, skip ...group.Identifier) {
	skipSet := make(map[group.Identifier]struct{}, len(skip))
	for _, id := range skip {
		skipSet[id] = struct{}{}
	}
	for _, sess := range s.Sessions.Values() {
		if _, ok := skipSet[sess.Participant]; ok {
			continue
		}
		sess.SendEvent(e)
	}
}

// sendTo delivers e to id's live session, if any. Caller must hold s.mu.
func (s *ServerState) sendTo(id group.Identifier, e Event) {
	sid, ok := s.participants[id]
	if !ok {
		return
	}
	sess, ok := s.Sessions.Get(sid)
	if !ok {
		return
	}
	sess.SendEvent(e)
}

// refreshGauges recomputes the process-wide gauges in internal/metrics
// from the current aggregate. Called by every Handler method whose
// operation can change a tracked count, while s.mu is still held, so a
// scrape never observes a gauge reflecting a half-applied mutation
// (spec.md §5's no-partial-state rule extends to observability).
func (s *ServerState) refreshGauges() {
	metrics.OnlineParticipants.Set(float64(s.Sessions.Len()))
	metrics.OpenCoordinations.Set(float64(s.SigRequests.Len()))

	var round1, round2 int
	for _, dkg := range s.Dkgs.Values() {
		if dkg.Round.Kind == Round1Kind {
			round1++
		} else {
			round2++
		}
	}
	metrics.OpenDkgs.WithLabelValues("round1").Set(float64(round1))
	metrics.OpenDkgs.WithLabelValues("round2").Set(float64(round2))
}

// sessionFor looks up the live session for sid, failing with noSession if
// absent or expired. Caller must hold s.mu.
func (s *ServerState) sessionFor(sid SessionID) (*ClientSession, error) {
	sess, ok := s.Sessions.Get(sid)
	if !ok {
		return nil, invalid(KindNoSession, nil)
	}
	return sess, nil
}

// endSessionLocked runs the five end-session side effects of spec.md §4.3
// for sess. Caller must already hold s.mu (both the direct end-session
// request path and the Sessions ExpirableMap's own eviction sweep call
// this with s.mu held: the former explicitly, the latter because every
// exported path that can trigger a lazy sweep takes s.mu first).
func (s *ServerState) endSessionLocked(sess *ClientSession) {
	// 1. remove from the session indices.
	delete(s.participants, sess.Participant)
	s.Sessions.Delete(sess.ID)

	// 2 & 3. demote Round2 DKGs to fresh Round1; prune the departing
	// participant's Round1 commitment.
	for _, name := range s.Dkgs.Keys() {
		dkg, ok := s.Dkgs.Get(name)
		if !ok {
			continue
		}
		switch dkg.Round.Kind {
		case Round2Kind:
			dkg.Round = FreshRound1()
		case Round1Kind:
			dkg.Round.R1.RemoveCommitment(sess.Participant)
		}
	}

	// 4. close the session's event sink.
	sess.Detach()

	// 5. broadcast the departure to everyone still online.
	s.broadcast(statusEvent(sess.Participant, false))

	if s.Log != nil {
		s.Log.Infow("session ended", log.ParticipantFields(sess.Participant)...)
	}
}
