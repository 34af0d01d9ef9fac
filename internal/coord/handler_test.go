package coord

import (
	"testing"
	"time"

	"github.com/chorus-sig/roastd/internal/group"
	"github.com/stretchr/testify/require"
)

func TestLoginRejectsWrongProtocolVersion(t *testing.T) {
	h := newTestHarness(t, 2)
	_, err := h.handler.Login(h.group.Fingerprint(), h.participants[0].ID, 99)
	requireInvalid(t, err, KindInvalidProtoVersion)
}

func TestLoginRejectsUnknownParticipant(t *testing.T) {
	h := newTestHarness(t, 2)
	stranger := group.IdentifierFromLabel("stranger")
	_, err := h.handler.Login(h.group.Fingerprint(), stranger, ProtocolVersion)
	requireInvalid(t, err, KindNoParticipant)
}

func TestLoginReLoginEvictsPreviousSession(t *testing.T) {
	h := newTestHarness(t, 2)
	firstSID := h.loginAs(0)
	require.True(t, h.state.Sessions.Contains(firstSID))

	secondSID := h.loginAs(0)
	require.False(t, h.state.Sessions.Contains(firstSID))
	require.True(t, h.state.Sessions.Contains(secondSID))
}

func TestExtendSessionRefreshesExpiry(t *testing.T) {
	h := newTestHarness(t, 1)
	sid := h.loginAs(0)
	h.clock.Advance(30 * time.Second)
	newExp, err := h.handler.ExtendSession(sid)
	require.NoError(t, err)
	require.False(t, newExp.IsExpired(h.clock))
}

func TestSessionExpiryRunsEndSessionSideEffects(t *testing.T) {
	h := newTestHarness(t, 2)
	h.loginAll()

	// Advance short of p0's expiry, then extend only p1 so the two
	// sessions expire on different sweeps: p0's lazy eviction must then be
	// free to broadcast its departure to the still-live p1 without
	// deadlocking on the Sessions map's own lock.
	h.clock.Advance(h.config.SessionTTL - time.Second)
	_, err := h.handler.ExtendSession(h.sidOf(1))
	require.NoError(t, err)
	h.clock.Advance(2 * time.Second)

	// Force a lazy sweep by touching the map.
	h.state.Sessions.Len()

	require.False(t, h.state.Sessions.Contains(h.sidOf(0)))
	require.True(t, h.state.Sessions.Contains(h.sidOf(1)))

	require.Len(t, h.participants[1].Sink.events, 1)
	evt := h.participants[1].Sink.events[0]
	require.Equal(t, EventParticipantStatus, evt.Kind)
	require.False(t, evt.ParticipantStatus.LoggedIn)
}

func TestDkgHappyPath(t *testing.T) {
	h := newTestHarness(t, 3)
	h.loginAll()

	name := "dkg1"
	details := NewDkgDetails{Name: name, Description: "test dkg", Threshold: 2, Deadline: h.clock.Now().Add(time.Hour).UnixNano()}
	signed, err := group.SignObject(h.participants[0].ID, h.participants[0].Keys, details)
	require.NoError(t, err)

	err = h.handler.RequestNewDkg(h.sidOf(0), signed, fakeCommitment("c0"))
	require.NoError(t, err)
	// events[0] is the status event from participant 2's login.
	require.Len(t, h.participants[1].Sink.events, 2)
	require.Equal(t, EventNewDkg, h.participants[1].Sink.events[1].Kind)

	err = h.handler.SubmitDkgCommitment(h.sidOf(1), name, fakeCommitment("c1"))
	require.NoError(t, err)

	dkg, ok := h.state.Dkgs.Get(name)
	require.True(t, ok)
	require.Equal(t, Round1Kind, dkg.Round.Kind)

	err = h.handler.SubmitDkgCommitment(h.sidOf(2), name, fakeCommitment("c2"))
	require.NoError(t, err)

	dkg, ok = h.state.Dkgs.Get(name)
	require.True(t, ok)
	require.Equal(t, Round2Kind, dkg.Round.Kind)
	hash := dkg.Round.R2.ExpectedHash

	for i := 0; i < 3; i++ {
		sig, err := h.participants[i].Keys.Sign(hash[:])
		require.NoError(t, err)
		secrets := map[group.Identifier]EncryptedSecret{}
		for j := 0; j < 3; j++ {
			if j == i {
				continue
			}
			secrets[h.participants[j].ID] = EncryptedSecret("secret-for-" + string(rune('a'+j)))
		}
		err = h.handler.SubmitDkgRound2(h.sidOf(i), name, sig, secrets)
		require.NoError(t, err)
	}

	require.False(t, h.state.Dkgs.Contains(name))

	var gotShare bool
	for _, e := range h.participants[1].Sink.events {
		if e.Kind == EventDkgRound2Share {
			gotShare = true
		}
	}
	require.True(t, gotShare)
}

func TestDkgLogoutDemotesRound2(t *testing.T) {
	h := newTestHarness(t, 3)
	h.loginAll()
	name := "dkg2"
	details := NewDkgDetails{Name: name, Threshold: 2, Deadline: h.clock.Now().Add(time.Hour).UnixNano()}
	signed, err := group.SignObject(h.participants[0].ID, h.participants[0].Keys, details)
	require.NoError(t, err)
	require.NoError(t, h.handler.RequestNewDkg(h.sidOf(0), signed, fakeCommitment("c0")))
	require.NoError(t, h.handler.SubmitDkgCommitment(h.sidOf(1), name, fakeCommitment("c1")))
	require.NoError(t, h.handler.SubmitDkgCommitment(h.sidOf(2), name, fakeCommitment("c2")))

	dkg, ok := h.state.Dkgs.Get(name)
	require.True(t, ok)
	require.Equal(t, Round2Kind, dkg.Round.Kind)

	require.NoError(t, h.handler.EndSession(h.sidOf(2)))

	dkg, ok = h.state.Dkgs.Get(name)
	require.True(t, ok)
	require.Equal(t, Round1Kind, dkg.Round.Kind)
	require.Empty(t, dkg.Round.R1.Commitments)
}

func TestDkgAckCacheUpgradeOrdering(t *testing.T) {
	h := newTestHarness(t, 3)
	h.loginAll()
	gk := h.participants[0].Keys.Pub

	rejectAck := DkgAck{GroupKey: gk, Accepted: false}
	signedReject, err := group.SignObject(h.participants[0].ID, h.participants[0].Keys, rejectAck)
	require.NoError(t, err)
	require.NoError(t, h.handler.SendDkgAcks(h.sidOf(0), []group.Signed[DkgAck]{signedReject}))

	acceptAck := DkgAck{GroupKey: gk, Accepted: true}
	signedAccept, err := group.SignObject(h.participants[0].ID, h.participants[0].Keys, acceptAck)
	require.NoError(t, err)
	require.NoError(t, h.handler.SendDkgAcks(h.sidOf(0), []group.Signed[DkgAck]{signedAccept}))

	entry, ok := h.state.DkgAcks.Get(groupKeyID(gk))
	require.True(t, ok)
	require.True(t, entry.Acks[h.participants[0].ID].Obj.Accepted)

	// A further, stale false ack must not downgrade the cached true one.
	require.NoError(t, h.handler.SendDkgAcks(h.sidOf(0), []group.Signed[DkgAck]{signedReject}))
	entry, _ = h.state.DkgAcks.Get(groupKeyID(gk))
	require.True(t, entry.Acks[h.participants[0].ID].Obj.Accepted)

	res, err := h.handler.RequestDkgAcks(h.sidOf(2), []DkgAckRequest{{IDs: []group.Identifier{h.participants[0].ID}, GroupKey: gk}})
	require.NoError(t, err)
	require.Len(t, res.Have, 1)
}

func roastAggregateKeyInfo(h *testHarness, threshold int) AggregateKeyInfo {
	keys := map[group.Identifier]group.PublicKey{}
	for _, p := range h.participants {
		keys[p.ID] = p.Keys.Pub
	}
	return AggregateKeyInfo{GroupKey: h.participants[0].Keys.Pub, Threshold: threshold, ParticipantKeys: keys}
}

func TestRoastSigningHappyPathWithPipelinedRound(t *testing.T) {
	h := newTestHarness(t, 3)
	h.loginAll()

	info := roastAggregateKeyInfo(h, 2)
	signDetails := SignDetails{Message: []byte("sign me"), SighashType: 0}
	reqDetails := SignaturesRequestDetails{
		RequiredSigs: []SingleSignatureDetails{{SignDetails: signDetails, GroupKey: info.GroupKey}},
		Deadline:     h.clock.Now().Add(time.Hour).UnixNano(),
	}
	signed, err := group.SignObject(h.participants[0].ID, h.participants[0].Keys, reqDetails)
	require.NoError(t, err)

	require.NoError(t, h.handler.RequestSignatures(h.sidOf(0), []AggregateKeyInfo{info}, signed, []SigningCommitment{fakeCommitment("r0")}))
	reqID := reqDetails.ID()

	// p1 contributes its next commitment, completing the threshold-2 pool
	// and opening the first live round.
	res, err := h.handler.SubmitSignatureReplies(h.sidOf(1), reqID, []SignatureReply{{SigIndex: 0, NextCommitment: fakeCommitment("r1")}})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, res.NewRounds, 1)

	coord, ok := h.state.SigRequests.Get(reqID)
	require.True(t, ok)
	round := coord.Sigs[0].InProgress.RoundForID[h.participants[0].ID]
	require.NotNil(t, round)

	crypto := ReferenceCrypto{}
	shareFor := func(id group.Identifier) []byte {
		return crypto.ReferenceShare(round.Commitments, signDetails, id, info.ParticipantKeys[id].Bytes())
	}

	_, err = h.handler.SubmitSignatureReplies(h.sidOf(0), reqID, []SignatureReply{{
		SigIndex:       0,
		NextCommitment: fakeCommitment("r0-next"),
		Share:          shareFor(h.participants[0].ID),
	}})
	require.NoError(t, err)

	final, err := h.handler.SubmitSignatureReplies(h.sidOf(1), reqID, []SignatureReply{{
		SigIndex: 0,
		Share:    shareFor(h.participants[1].ID),
	}})
	require.NoError(t, err)
	require.NotNil(t, final)
	require.Len(t, final.Complete, 1)

	require.False(t, h.state.SigRequests.Contains(reqID))
	_, ok = h.state.CompletedSigs.Get(reqID)
	require.True(t, ok)
}

func TestRoastForcedFailureOnRejectors(t *testing.T) {
	h := newTestHarness(t, 3)
	h.loginAll()

	info := roastAggregateKeyInfo(h, 2)
	reqDetails := SignaturesRequestDetails{
		RequiredSigs: []SingleSignatureDetails{{SignDetails: SignDetails{Message: []byte("m")}, GroupKey: info.GroupKey}},
		Deadline:     h.clock.Now().Add(time.Hour).UnixNano(),
	}
	signed, err := group.SignObject(h.participants[0].ID, h.participants[0].Keys, reqDetails)
	require.NoError(t, err)
	require.NoError(t, h.handler.RequestSignatures(h.sidOf(0), []AggregateKeyInfo{info}, signed, []SigningCommitment{fakeCommitment("r0")}))
	reqID := reqDetails.ID()

	require.NoError(t, h.handler.RejectSignaturesRequest(h.sidOf(1), reqID))
	require.True(t, h.state.SigRequests.Contains(reqID))

	require.NoError(t, h.handler.RejectSignaturesRequest(h.sidOf(2), reqID))
	require.False(t, h.state.SigRequests.Contains(reqID))

	var sawFailure bool
	for _, e := range h.participants[0].Sink.events {
		if e.Kind == EventSignaturesFailure {
			sawFailure = true
		}
	}
	require.True(t, sawFailure)
}

func TestRoastEmptyReplyMarksMalicious(t *testing.T) {
	h := newTestHarness(t, 3)
	h.loginAll()

	info := roastAggregateKeyInfo(h, 2)
	reqDetails := SignaturesRequestDetails{
		RequiredSigs: []SingleSignatureDetails{{SignDetails: SignDetails{Message: []byte("m")}, GroupKey: info.GroupKey}},
		Deadline:     h.clock.Now().Add(time.Hour).UnixNano(),
	}
	signed, err := group.SignObject(h.participants[0].ID, h.participants[0].Keys, reqDetails)
	require.NoError(t, err)
	require.NoError(t, h.handler.RequestSignatures(h.sidOf(0), []AggregateKeyInfo{info}, signed, []SigningCommitment{fakeCommitment("r0")}))
	reqID := reqDetails.ID()

	_, err = h.handler.SubmitSignatureReplies(h.sidOf(1), reqID, nil)
	requireInvalid(t, err, KindEmptySigReply)

	coord, ok := h.state.SigRequests.Get(reqID)
	require.True(t, ok)
	_, malicious := coord.Malicious[h.participants[1].ID]
	require.True(t, malicious)

	_, err = h.handler.SubmitSignatureReplies(h.sidOf(1), reqID, []SignatureReply{{SigIndex: 0}})
	requireInvalid(t, err, KindMarkedMalicious)
}

func TestRecoveryShareRouterFanOutAndOfflineQueueing(t *testing.T) {
	h := newTestHarness(t, 3)
	sid0 := h.loginAs(0)
	h.loginAs(1)
	// participant 2 stays offline.

	gk := h.participants[0].Keys.Pub
	shares := map[group.Identifier]EncryptedKeyShare{
		h.participants[1].ID: EncryptedKeyShare("share-for-1"),
		h.participants[2].ID: EncryptedKeyShare("share-for-2"),
	}
	require.NoError(t, h.handler.ShareSecretShare(sid0, gk, shares))

	var sawShare bool
	for _, e := range h.participants[1].Sink.events {
		if e.Kind == EventSecretShare {
			sawShare = true
		}
	}
	require.True(t, sawShare)

	// participant 2 logs in later and must see the queued share in its
	// re-hydration snapshot.
	resp, err := h.handler.Login(h.group.Fingerprint(), h.participants[2].ID, ProtocolVersion)
	require.NoError(t, err)
	signed, err := group.SignObject(h.participants[2].ID, h.participants[2].Keys, resp.Challenge)
	require.NoError(t, err)
	snap, err := h.handler.RespondToChallenge(signed)
	require.NoError(t, err)
	require.Len(t, snap.SecretShares, 1)
	require.Equal(t, h.participants[0].ID, snap.SecretShares[0].Sender)
}

func (h *testHarness) sidOf(i int) SessionID {
	return h.participants[i].currentSID
}

func requireInvalid(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	ir, ok := err.(*InvalidRequest)
	require.True(t, ok, "expected *InvalidRequest, got %T: %v", err, err)
	require.Equal(t, kind, ir.Kind)
}

// TestRequestNewDkgThresholdBoundary checks the n/n+1 edge named by spec.md:
// a threshold equal to the group size is legal, one more than the group size
// is invalidThreshold.
func TestRequestNewDkgThresholdBoundary(t *testing.T) {
	h := newTestHarness(t, 3)
	h.loginAll()
	n := h.group.Size()

	legal := NewDkgDetails{Name: "at-n", Threshold: n, Deadline: h.clock.Now().Add(time.Hour).UnixNano()}
	signed, err := group.SignObject(h.participants[0].ID, h.participants[0].Keys, legal)
	require.NoError(t, err)
	require.NoError(t, h.handler.RequestNewDkg(h.sidOf(0), signed, fakeCommitment("c0")))

	tooHigh := NewDkgDetails{Name: "over-n", Threshold: n + 1, Deadline: h.clock.Now().Add(time.Hour).UnixNano()}
	signed, err = group.SignObject(h.participants[0].ID, h.participants[0].Keys, tooHigh)
	require.NoError(t, err)
	requireInvalid(t, h.handler.RequestNewDkg(h.sidOf(0), signed, fakeCommitment("c0")), KindInvalidThreshold)
}

// TestRequestNewDkgTTLBoundary checks the MinDkgRequestTTL/MaxDkgRequestTTL
// edges named by spec.md: a deadline exactly at the min/max boundary is
// accepted, one second further out-of-range on either side is rejected.
func TestRequestNewDkgTTLBoundary(t *testing.T) {
	h := newTestHarness(t, 2)
	h.loginAll()

	mkSigned := func(name string, ttl time.Duration) group.Signed[NewDkgDetails] {
		details := NewDkgDetails{Name: name, Threshold: 2, Deadline: h.clock.Now().Add(ttl).UnixNano()}
		signed, err := group.SignObject(h.participants[0].ID, h.participants[0].Keys, details)
		require.NoError(t, err)
		return signed
	}

	tooSoon := mkSigned("too-soon", h.config.MinDkgRequestTTL-time.Second)
	requireInvalid(t, h.handler.RequestNewDkg(h.sidOf(0), tooSoon, fakeCommitment("c0")), KindExpiryTooSoon)

	atMin := mkSigned("at-min", h.config.MinDkgRequestTTL)
	require.NoError(t, h.handler.RequestNewDkg(h.sidOf(0), atMin, fakeCommitment("c0")))

	atMax := mkSigned("at-max", h.config.MaxDkgRequestTTL)
	require.NoError(t, h.handler.RequestNewDkg(h.sidOf(0), atMax, fakeCommitment("c0")))

	tooLate := mkSigned("too-late", h.config.MaxDkgRequestTTL+time.Second)
	requireInvalid(t, h.handler.RequestNewDkg(h.sidOf(0), tooLate, fakeCommitment("c0")), KindExpiryTooLate)
}

// TestRequestSignaturesTTLBoundary is TestRequestNewDkgTTLBoundary's analogue
// for MinSignaturesRequestTTL/MaxSignaturesRequestTTL.
func TestRequestSignaturesTTLBoundary(t *testing.T) {
	h := newTestHarness(t, 2)
	h.loginAll()
	info := roastAggregateKeyInfo(h, 2)

	mkSigned := func(ttl time.Duration) group.Signed[SignaturesRequestDetails] {
		reqDetails := SignaturesRequestDetails{
			RequiredSigs: []SingleSignatureDetails{{SignDetails: SignDetails{Message: []byte("m")}, GroupKey: info.GroupKey}},
			Deadline:     h.clock.Now().Add(ttl).UnixNano(),
		}
		signed, err := group.SignObject(h.participants[0].ID, h.participants[0].Keys, reqDetails)
		require.NoError(t, err)
		return signed
	}

	tooSoon := mkSigned(h.config.MinSignaturesRequestTTL - time.Second)
	requireInvalid(t, h.handler.RequestSignatures(h.sidOf(0), []AggregateKeyInfo{info}, tooSoon, []SigningCommitment{fakeCommitment("r0")}), KindExpiryTooSoon)

	atMin := mkSigned(h.config.MinSignaturesRequestTTL)
	require.NoError(t, h.handler.RequestSignatures(h.sidOf(0), []AggregateKeyInfo{info}, atMin, []SigningCommitment{fakeCommitment("r0")}))

	atMax := mkSigned(h.config.MaxSignaturesRequestTTL)
	require.NoError(t, h.handler.RequestSignatures(h.sidOf(1), []AggregateKeyInfo{info}, atMax, []SigningCommitment{fakeCommitment("r1")}))

	tooLate := mkSigned(h.config.MaxSignaturesRequestTTL + time.Second)
	requireInvalid(t, h.handler.RequestSignatures(h.sidOf(0), []AggregateKeyInfo{info}, tooLate, []SigningCommitment{fakeCommitment("r0")}), KindExpiryTooLate)
}
