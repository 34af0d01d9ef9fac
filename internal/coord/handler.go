package coord

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/chorus-sig/roastd/internal/group"
	"github.com/chorus-sig/roastd/internal/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
)

// Handler is the sequential API entry point: every exported method here
// corresponds to one operation of spec.md §4, takes s.mu for its entire
// duration, and returns either a value response or a typed *InvalidRequest.
// No two methods ever run concurrently against the same ServerState.
type Handler struct {
	s *ServerState
}

// NewHandler wraps state behind the sequential API surface.
func NewHandler(state *ServerState) *Handler { return &Handler{s: state} }

func ttlFromDeadline(clk clockwork.Clock, deadlineUnixNano int64) time.Duration {
	return time.Unix(0, deadlineUnixNano).Sub(clk.Now())
}

// Login begins a login attempt (spec.md §4.4).
func (h *Handler) Login(groupFingerprint [32]byte, participant group.Identifier, protocolVersion int) (resp LoginResponse, err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("Login", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if protocolVersion != ProtocolVersion {
		return LoginResponse{}, invalid(KindInvalidProtoVersion, nil)
	}
	if groupFingerprint != s.Group.Fingerprint() {
		return LoginResponse{}, invalid(KindGroupMismatch, nil)
	}
	if !s.Group.Has(participant) {
		return LoginResponse{}, invalid(KindNoParticipant, nil)
	}

	challenge, err := newAuthChallenge()
	if err != nil {
		return LoginResponse{}, err
	}
	var cid ChallengeID
	copy(cid[:], challenge.Nonce[:])
	s.Challenges.Set(cid, authChallengeEntry{
		Participant: participant,
		Exp:         NewExpiry(s.Clock, s.Config.ChallengeTTL),
	})
	return LoginResponse{Challenge: challenge}, nil
}

// RespondToChallenge completes a login, returning the new session's
// re-hydration snapshot (spec.md §4.4).
func (h *Handler) RespondToChallenge(signed group.Signed[AuthChallenge]) (result *SessionSnapshot, err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("RespondToChallenge", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.refreshGauges()

	var cid ChallengeID
	copy(cid[:], signed.Obj.Nonce[:])
	entry, ok := s.Challenges.Get(cid)
	if !ok {
		return nil, invalid(KindNoChallenge, nil)
	}
	pub, ok := s.Group.Participants[entry.Participant]
	if !ok {
		return nil, invalid(KindNoParticipant, nil)
	}
	if err := signed.VerifyAs(pub); err != nil {
		return nil, invalid(KindInvalidChallengeSig, err)
	}
	s.Challenges.Delete(cid)

	participant := entry.Participant
	if oldSid, ok := s.participants[participant]; ok {
		if old, ok := s.Sessions.Get(oldSid); ok {
			s.endSessionLocked(old)
		}
	}

	online := s.onlineParticipants()
	s.broadcast(statusEvent(participant, true))

	sess, err := NewClientSession(participant, s.Clock, s.Config.SessionTTL)
	if err != nil {
		return nil, err
	}
	s.Sessions.Set(sess.ID, sess)
	s.participants[participant] = sess.ID

	snapshot := &SessionSnapshot{
		SessionID:          sess.ID,
		Expiry:             sess.expiry(),
		OnlineParticipants: online,
	}
	for _, name := range s.Dkgs.Keys() {
		dkg, ok := s.Dkgs.Get(name)
		if !ok || dkg.Round.Kind != Round1Kind {
			continue
		}
		snapshot.NewDkgs = append(snapshot.NewDkgs, NewDkgEvent{
			Details:     dkg.SignedDetails,
			Creator:     dkg.Creator,
			Commitments: dkg.Round.R1.CommitmentSet(),
		})
	}
	for _, reqID := range s.SigRequests.Keys() {
		coord, ok := s.SigRequests.Get(reqID)
		if !ok {
			continue
		}
		snapshot.SigRequests = append(snapshot.SigRequests, SignaturesRequestEvent{
			Details: coord.SignedDetails,
			Creator: coord.Creator,
		})
		var rounds []SignatureRoundStart
		for sigI, sig := range coord.Sigs {
			if sig.Kind != SigInProgress {
				continue
			}
			if round, ok := sig.InProgress.RoundForID[participant]; ok {
				rounds = append(rounds, SignatureRoundStart{SigIndex: sigI, Commitments: round.Commitments})
			}
		}
		if len(rounds) > 0 {
			snapshot.SigRounds = append(snapshot.SigRounds, SignatureNewRoundsEvent{RequestID: reqID, Rounds: rounds})
		}
	}
	for _, reqID := range s.CompletedSigs.Keys() {
		done, ok := s.CompletedSigs.Get(reqID)
		if !ok {
			continue
		}
		if _, acked := done.Acks[participant]; acked {
			continue
		}
		snapshot.CompletedSigs = append(snapshot.CompletedSigs, *done)
	}
	for _, name := range s.KeyShares.Keys() {
		ks, ok := s.KeyShares.Get(name)
		if !ok {
			continue
		}
		recv, ok := ks.ReceiverShares[participant]
		if !ok || recv.Kind != ShareStatePending {
			continue
		}
		for sender, share := range recv.Pending.PendingForSender {
			pub, _ := group.ParsePublicKey(decodeGroupKeyID(name))
			snapshot.SecretShares = append(snapshot.SecretShares, SecretShareEvent{Sender: sender, KeyShare: share, GroupKey: pub})
		}
	}

	return snapshot, nil
}

func decodeGroupKeyID(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// ExtendSession refreshes a session's expiry (spec.md §4.4).
func (h *Handler) ExtendSession(sid SessionID) (exp Expiry, err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("ExtendSession", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.sessionFor(sid)
	if err != nil {
		return Expiry{}, err
	}
	return sess.Extend(s.Clock, s.Config.SessionTTL), nil
}

// EndSession explicitly terminates a session (stream cancel, §4.2/§4.3).
func (h *Handler) EndSession(sid SessionID) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("EndSession", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.refreshGauges()
	sess, err := s.sessionFor(sid)
	if err != nil {
		return err
	}
	sess.Cancel()
	s.endSessionLocked(sess)
	return nil
}

// OpenStream attaches sink as sid's live subscriber, returning the
// buffered backlog to replay before any newer live event (spec.md §4.2).
func (h *Handler) OpenStream(sid SessionID, sink EventSink) (events []Event, err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("OpenStream", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.sessionFor(sid)
	if err != nil {
		return nil, err
	}
	return sess.Attach(sink), nil
}

// DeliverKeepalive pushes a KeepaliveEvent to sid. The handler itself owns
// no timers (spec.md §5 places all suspension points at crypto calls and
// event delivery, never a background goroutine); a transport configured
// with Config.KeepAliveFreq calls this once per session on its own ticker.
func (h *Handler) DeliverKeepalive(sid SessionID) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("DeliverKeepalive", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.sessionFor(sid)
	if err != nil {
		return err
	}
	sess.SendEvent(keepaliveEvent())
	return nil
}

// RequestNewDkg opens a new named DKG (spec.md §4.5).
func (h *Handler) RequestNewDkg(sid SessionID, signedDetails group.Signed[NewDkgDetails], commitment SigningCommitment) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("RequestNewDkg", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.refreshGauges()

	sess, err := s.sessionFor(sid)
	if err != nil {
		return err
	}
	details := signedDetails.Obj
	if details.Threshold > s.Group.Size() {
		return invalid(KindInvalidThreshold, nil)
	}
	ttl := ttlFromDeadline(s.Clock, details.Deadline)
	if ttl < s.Config.MinDkgRequestTTL {
		return invalid(KindExpiryTooSoon, nil)
	}
	if ttl > s.Config.MaxDkgRequestTTL {
		return invalid(KindExpiryTooLate, nil)
	}
	if s.Dkgs.Contains(details.Name) {
		return invalid(KindDkgRequestExists, nil)
	}
	if err := signedDetails.Verify(s.Group); err != nil {
		return invalid(KindInvalidDkgReqSig, err)
	}

	round := FreshRound1()
	round.R1.Commitments = append(round.R1.Commitments, ParticipantCommitment{ID: sess.Participant, Commitment: commitment})
	dkg := &DkgState{
		SignedDetails: signedDetails,
		Creator:       sess.Participant,
		Round:         round,
		Exp:           NewExpiry(s.Clock, ttl),
	}
	s.Dkgs.Set(details.Name, dkg)

	s.broadcast(newDkgEvent(NewDkgEvent{
		Details:     signedDetails,
		Creator:     sess.Participant,
		Commitments: round.R1.CommitmentSet(),
	}), sess.Participant)
	return nil
}

// RejectDkg removes a DKG (spec.md §4.5). Rejecting a DKG that does not
// exist is a no-op, not an error; an unknown session fails with noSession.
func (h *Handler) RejectDkg(sid SessionID, name string) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("RejectDkg", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.refreshGauges()
	sess, err := s.sessionFor(sid)
	if err != nil {
		return err
	}
	if !s.Dkgs.Contains(name) {
		return nil
	}
	s.Dkgs.Delete(name)
	s.broadcast(dkgRejectEvent(DkgRejectEvent{Name: name, Participant: sess.Participant}), sess.Participant)
	return nil
}

// SubmitDkgCommitment records a round-1 commitment (spec.md §4.5).
func (h *Handler) SubmitDkgCommitment(sid SessionID, name string, commitment SigningCommitment) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("SubmitDkgCommitment", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.refreshGauges()

	sess, err := s.sessionFor(sid)
	if err != nil {
		return err
	}
	dkg, ok := s.Dkgs.Get(name)
	if !ok {
		return invalid(KindNoDkg, nil)
	}
	if dkg.Round.Kind != Round1Kind {
		return invalid(KindNotRound1Dkg, nil)
	}
	if dkg.Round.R1.HasCommitment(sess.Participant) {
		return invalid(KindDkgCommitmentExists, nil)
	}
	dkg.Round.R1.Commitments = append(dkg.Round.R1.Commitments, ParticipantCommitment{ID: sess.Participant, Commitment: commitment})

	if len(dkg.Round.R1.Commitments) == s.Group.Size() {
		set := dkg.Round.R1.CommitmentSet()
		hash := hashWithCommitments(dkg.SignedDetails.Obj, set)
		dkg.Round = DkgRound{
			Kind: Round2Kind,
			R2:   Round2State{ExpectedHash: hash, ParticipantsProvided: map[group.Identifier]struct{}{}},
		}
	}

	s.broadcast(dkgCommitmentEvent(DkgCommitmentEvent{Name: name, Participant: sess.Participant, Commitment: commitment}), sess.Participant)
	return nil
}

// SubmitDkgRound2 records a round-2 secret share delivery (spec.md §4.5).
func (h *Handler) SubmitDkgRound2(sid SessionID, name string, commitmentSetSignature []byte, secrets map[group.Identifier]EncryptedSecret) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("SubmitDkgRound2", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.refreshGauges()

	sess, err := s.sessionFor(sid)
	if err != nil {
		return err
	}
	dkg, ok := s.Dkgs.Get(name)
	if !ok {
		return invalid(KindNoDkg, nil)
	}
	if dkg.Round.Kind != Round2Kind {
		return invalid(KindNotRound2Dkg, nil)
	}
	pub, ok := s.Group.Participants[sess.Participant]
	if !ok {
		return invalid(KindNoParticipant, nil)
	}
	if err := group.Verify(pub, dkg.Round.R2.ExpectedHash[:], commitmentSetSignature); err != nil {
		return invalid(KindInvalidDkgCommitmentSetSignature, err)
	}
	if dkg.Round.R2.HasProvided(sess.Participant) {
		return invalid(KindDkgRound2Sent, nil)
	}

	n := s.Group.Size()
	if len(secrets) != n-1 {
		return invalid(KindInvalidSecretMap, nil)
	}
	for id := range s.Group.Participants {
		if id == sess.Participant {
			continue
		}
		if _, ok := secrets[id]; !ok {
			return invalid(KindInvalidSecretMap, nil)
		}
	}

	for id, secret := range secrets {
		s.sendTo(id, dkgRound2ShareEvent(DkgRound2ShareEvent{
			Name:                   name,
			CommitmentSetSignature: commitmentSetSignature,
			Sender:                 sess.Participant,
			Secret:                 secret,
		}))
	}

	if len(dkg.Round.R2.ParticipantsProvided)+1 == n {
		s.Dkgs.Delete(name)
	} else {
		dkg.Round.R2.ParticipantsProvided[sess.Participant] = struct{}{}
	}
	return nil
}

// SendDkgAcks submits one or more signed DKG acknowledgements (spec.md
// §4.6).
func (h *Handler) SendDkgAcks(sid SessionID, acks []group.Signed[DkgAck]) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("SendDkgAcks", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.sessionFor(sid)
	if err != nil {
		return err
	}
	var verifyErrs *multierror.Error
	for _, ack := range acks {
		pub, ok := s.Group.Participants[ack.Signer]
		if !ok {
			return invalid(KindNoParticipant, nil)
		}
		if err := ack.VerifyAs(pub); err != nil {
			verifyErrs = multierror.Append(verifyErrs, fmt.Errorf("%s: %w", ack.Signer, err))
		}
	}
	if err := verifyErrs.ErrorOrNil(); err != nil {
		return invalid(KindInvalidDkgAckSignature, err)
	}

	var newAcks []group.Signed[DkgAck]
	for _, ack := range acks {
		keyID := groupKeyID(ack.Obj.GroupKey)
		entry, ok := s.DkgAcks.Get(keyID)
		if !ok {
			entry = &dkgAckCacheEntry{Acks: map[group.Identifier]group.Signed[DkgAck]{}, Exp: NewExpiry(s.Clock, s.Config.AckCacheTTL)}
			s.DkgAcks.Set(keyID, entry)
		}
		existing, has := entry.Acks[ack.Signer]
		if has && (existing.Obj.Accepted || !ack.Obj.Accepted) {
			continue
		}
		entry.Acks[ack.Signer] = ack
		newAcks = append(newAcks, ack)
	}

	if len(newAcks) == 0 {
		return nil
	}
	for _, other := range s.Sessions.Values() {
		if other.Participant == sess.Participant {
			continue
		}
		var subset []group.Signed[DkgAck]
		for _, ack := range newAcks {
			if ack.Signer != other.Participant {
				subset = append(subset, ack)
			}
		}
		if len(subset) > 0 {
			other.SendEvent(dkgAckEvent(subset))
		}
	}
	return nil
}

// RequestDkgAcksResult is the synchronous response to RequestDkgAcks.
type RequestDkgAcksResult struct {
	Have []group.Signed[DkgAck]
}

// RequestDkgAcks asks the cache (and, for any miss, the network) for acks
// (spec.md §4.6).
func (h *Handler) RequestDkgAcks(sid SessionID, requests []DkgAckRequest) (result *RequestDkgAcksResult, err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("RequestDkgAcks", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.sessionFor(sid)
	if err != nil {
		return nil, err
	}
	for _, req := range requests {
		for _, id := range req.IDs {
			if !s.Group.Has(id) {
				return nil, invalid(KindNoParticipant, nil)
			}
			if id == sess.Participant {
				return nil, invalid(KindCannotRequestSelfAck, nil)
			}
		}
	}

	var have []group.Signed[DkgAck]
	var remaining []DkgAckRequest
	for _, req := range requests {
		entry, _ := s.DkgAcks.Get(groupKeyID(req.GroupKey))
		var need []group.Identifier
		for _, id := range req.IDs {
			if entry != nil {
				if ack, ok := entry.Acks[id]; ok {
					have = append(have, ack)
					continue
				}
			}
			need = append(need, id)
		}
		if len(need) > 0 {
			remaining = append(remaining, DkgAckRequest{IDs: need, GroupKey: req.GroupKey})
		}
	}

	if len(remaining) > 0 {
		s.broadcast(dkgAckRequestEvent(remaining), sess.Participant)
	}
	return &RequestDkgAcksResult{Have: have}, nil
}

// RequestSignatures opens a new ROAST coordination (spec.md §4.7).
func (h *Handler) RequestSignatures(sid SessionID, keys []AggregateKeyInfo, signedDetails group.Signed[SignaturesRequestDetails], commitments []SigningCommitment) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("RequestSignatures", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.refreshGauges()

	sess, err := s.sessionFor(sid)
	if err != nil {
		return err
	}
	details := signedDetails.Obj
	if len(commitments) != len(details.RequiredSigs) {
		return invalid(KindWrongCommitmentNum, nil)
	}
	keyByGroupKey := make(map[string]AggregateKeyInfo, len(keys))
	for _, k := range keys {
		keyByGroupKey[groupKeyID(k.GroupKey)] = k
	}
	if len(keyByGroupKey) != len(details.RequiredSigs) {
		return invalid(KindWrongSigKeys, nil)
	}
	for _, sig := range details.RequiredSigs {
		if _, ok := keyByGroupKey[groupKeyID(sig.GroupKey)]; !ok {
			return invalid(KindWrongSigKeys, nil)
		}
	}
	ttl := ttlFromDeadline(s.Clock, details.Deadline)
	if ttl < s.Config.MinSignaturesRequestTTL {
		return invalid(KindExpiryTooSoon, nil)
	}
	if ttl > s.Config.MaxSignaturesRequestTTL {
		return invalid(KindExpiryTooLate, nil)
	}
	reqID := details.ID()
	if s.SigRequests.Contains(reqID) {
		return invalid(KindSigRequestExists, nil)
	}
	if err := signedDetails.Verify(s.Group); err != nil {
		return invalid(KindInvalidSigReqSignature, err)
	}

	coord := &SignaturesCoordinationState{
		SignedDetails: signedDetails,
		Creator:       sess.Participant,
		Keys:          keyByGroupKey,
		Malicious:     map[group.Identifier]struct{}{},
		Rejectors:     map[group.Identifier]struct{}{},
		Exp:           NewExpiry(s.Clock, ttl),
	}
	for i, sig := range details.RequiredSigs {
		info := keyByGroupKey[groupKeyID(sig.GroupKey)]
		inProg := newInProgressSig(info)
		inProg.NextCommitments[sess.Participant] = commitments[i]
		coord.Sigs = append(coord.Sigs, &SingleSignatureState{Kind: SigInProgress, InProgress: inProg})
	}
	s.SigRequests.Set(reqID, coord)

	s.broadcast(signaturesRequestEvent(SignaturesRequestEvent{Details: signedDetails, Creator: sess.Participant}), sess.Participant)
	return nil
}

// runFailureCheck deletes and announces failure for coord if the honest
// pool can no longer meet the highest threshold still in play (spec.md
// §4.7). Caller must hold s.mu.
func (s *ServerState) runFailureCheck(reqID RequestID, coord *SignaturesCoordinationState) bool {
	available := s.Group.Size() - coord.unavailable()
	if available < coord.maxThreshold() {
		s.SigRequests.Delete(reqID)
		s.broadcast(signaturesFailureEvent(reqID))
		return true
	}
	return false
}

// RejectSignaturesRequest registers the caller's rejection of a
// coordination (spec.md §4.7).
func (h *Handler) RejectSignaturesRequest(sid SessionID, reqID RequestID) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("RejectSignaturesRequest", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.refreshGauges()

	sess, err := s.sessionFor(sid)
	if err != nil {
		return err
	}
	coord, ok := s.SigRequests.Get(reqID)
	if !ok {
		return nil
	}
	if _, ok := coord.Malicious[sess.Participant]; ok {
		return nil
	}
	coord.Rejectors[sess.Participant] = struct{}{}
	s.runFailureCheck(reqID, coord)
	return nil
}

// SignatureReply is one client-supplied reply within SubmitSignatureReplies
// (spec.md §4.7).
type SignatureReply struct {
	SigIndex       int
	NextCommitment SigningCommitment
	Share          []byte
}

// SubmitRepliesResult is the synchronous response to SubmitSignatureReplies:
// at most one of Complete/NewRounds is populated.
type SubmitRepliesResult struct {
	Complete  []Signature
	NewRounds []SignatureRoundStart
}

// SubmitSignatureReplies advances a ROAST coordination by one participant's
// share and next-commitment replies (spec.md §4.7).
func (h *Handler) SubmitSignatureReplies(sid SessionID, reqID RequestID, replies []SignatureReply) (result *SubmitRepliesResult, err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("SubmitSignatureReplies", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.refreshGauges()

	sess, err := s.sessionFor(sid)
	if err != nil {
		return nil, err
	}
	coord, ok := s.SigRequests.Get(reqID)
	if !ok {
		return nil, nil
	}
	caller := sess.Participant

	if _, ok := coord.Malicious[caller]; ok {
		return nil, invalid(KindMarkedMalicious, nil)
	}
	delete(coord.Rejectors, caller)

	fail := func(kind Kind) (*SubmitRepliesResult, error) {
		coord.markMalicious(caller)
		s.runFailureCheck(reqID, coord)
		return nil, invalid(kind, nil)
	}

	if len(replies) == 0 {
		return fail(KindEmptySigReply)
	}
	seen := map[int]struct{}{}
	for _, r := range replies {
		if _, dup := seen[r.SigIndex]; dup {
			return fail(KindDuplicateSigReply)
		}
		seen[r.SigIndex] = struct{}{}
	}

	newRoundsByParticipant := map[group.Identifier][]SignatureRoundStart{}

	for _, r := range replies {
		if r.SigIndex < 0 || r.SigIndex >= len(coord.Sigs) {
			return fail(KindInvalidSigIndex)
		}
		sig := coord.Sigs[r.SigIndex]
		if sig.Kind == SigFinished {
			continue
		}
		ip := sig.InProgress
		if _, exists := ip.NextCommitments[caller]; exists {
			return fail(KindNextCommitmentExists)
		}

		round, hasRound := ip.RoundForID[caller]
		if !hasRound {
			if r.Share != nil {
				return fail(KindUnsolicitedShare)
			}
		} else {
			if r.Share == nil {
				return fail(KindMissingShare)
			}
			singleDetails := coord.SignedDetails.Obj.RequiredSigs[r.SigIndex]
			derivedKey, err := s.Crypto.Derive(ip.Key, singleDetails.HDDerivation)
			if err != nil {
				return nil, err
			}
			publicShare, ok := derivedKey.ParticipantKeys[caller]
			if !ok {
				return fail(KindInvalidShare)
			}
			if !s.Crypto.VerifySignatureShare(round.Commitments, singleDetails.SignDetails, caller, r.Share, publicShare, derivedKey.GroupKey) {
				return fail(KindInvalidShare)
			}
			if round.HasShareFrom(caller) {
				return fail(KindDuplicateSigReply)
			}
			round.Shares = append(round.Shares, shareEntry{ID: caller, Share: r.Share})

			if len(round.Shares) == ip.Key.Threshold {
				sharesMap := make(map[group.Identifier][]byte, len(round.Shares))
				for _, se := range round.Shares {
					sharesMap[se.ID] = se.Share
				}
				aggSig, err := s.Crypto.Aggregate(round.Commitments, singleDetails.SignDetails, sharesMap, derivedKey)
				if err != nil {
					return nil, err
				}
				coord.Sigs[r.SigIndex] = &SingleSignatureState{Kind: SigFinished, Finished: &FinishedSig{Signature: aggSig}}
				continue
			}
		}

		if coord.Sigs[r.SigIndex].Kind == SigInProgress {
			ip.NextCommitments[caller] = r.NextCommitment
			if len(ip.NextCommitments) == ip.Key.Threshold {
				set := SortedSigningCommitmentSet(ip.NextCommitments)
				newRound := &RoundState{Commitments: set}
				for _, pc := range set {
					ip.RoundForID[pc.ID] = newRound
				}
				ip.NextCommitments = map[group.Identifier]SigningCommitment{}
				for _, pc := range set {
					newRoundsByParticipant[pc.ID] = append(newRoundsByParticipant[pc.ID], SignatureRoundStart{SigIndex: r.SigIndex, Commitments: set})
				}
			}
		}
	}

	if coord.allFinished() {
		var sigs []Signature
		for _, sig := range coord.Sigs {
			sigs = append(sigs, sig.Finished.Signature)
		}
		completionExp := coord.Exp
		minExp := NewExpiry(s.Clock, s.Config.MinCompletedSignaturesTTL)
		if minExp.Deadline().After(completionExp.Deadline()) {
			completionExp = minExp
		}
		s.CompletedSigs.Set(reqID, &CompletedSignatures{
			SignedDetails: coord.SignedDetails,
			Signatures:    sigs,
			Creator:       coord.Creator,
			Acks:          map[group.Identifier]struct{}{},
			Exp:           completionExp,
		})
		s.SigRequests.Delete(reqID)
		s.broadcast(signaturesCompleteEvent(reqID, sigs), caller)
		return &SubmitRepliesResult{Complete: sigs}, nil
	}

	if len(newRoundsByParticipant) > 0 {
		for participant, rounds := range newRoundsByParticipant {
			if participant == caller {
				continue
			}
			s.sendTo(participant, signatureNewRoundsEvent(reqID, rounds))
		}
		if rounds, ok := newRoundsByParticipant[caller]; ok {
			return &SubmitRepliesResult{NewRounds: rounds}, nil
		}
	}
	return nil, nil
}

// ShareSecretShare fans out encrypted recovery shares to online receivers,
// queueing the rest for next-login delivery (spec.md §4.8).
func (h *Handler) ShareSecretShare(sid SessionID, groupKey group.PublicKey, shares map[group.Identifier]EncryptedKeyShare) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveRequest("ShareSecretShare", start, err) }()
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.sessionFor(sid)
	if err != nil {
		return err
	}
	if len(shares) == 0 {
		return invalid(KindInvalidKeyShareMap, nil)
	}
	if _, ok := shares[sess.Participant]; ok {
		return invalid(KindInvalidKeyShareMap, nil)
	}
	for id := range shares {
		if !s.Group.Has(id) {
			return invalid(KindInvalidKeyShareMap, nil)
		}
	}

	keyID := groupKeyID(groupKey)
	ks, ok := s.KeyShares.Get(keyID)
	if !ok {
		ks = newKeySharingState(NewExpiry(s.Clock, s.Config.RecoveryShareTTL))
		s.KeyShares.Set(keyID, ks)
	} else {
		ks.Exp = NewExpiry(s.Clock, s.Config.RecoveryShareTTL)
	}

	for receiver, share := range shares {
		rs := ks.receiver(receiver)
		if rs.Kind != ShareStatePending || rs.Pending.alreadyHasFrom(sess.Participant) {
			continue
		}
		rs.Pending.PendingForSender[sess.Participant] = share
		s.sendTo(receiver, secretShareEvent(SecretShareEvent{Sender: sess.Participant, KeyShare: share, GroupKey: groupKey}))
	}
	return nil
}
