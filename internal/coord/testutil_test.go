package coord

import (
	"testing"
	"time"

	"github.com/chorus-sig/roastd/internal/group"
	"github.com/chorus-sig/roastd/common/log"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// testParticipant bundles everything a test needs to act as one group
// member: its keypair, derived identifier, and a recording event sink.
type testParticipant struct {
	ID         group.Identifier
	Keys       *group.KeyPair
	Sink       *recordingSink
	currentSID SessionID
}

// recordingSink is an EventSink that always accepts and records.
type recordingSink struct {
	events []Event
}

func (r *recordingSink) Push(e Event) bool {
	r.events = append(r.events, e)
	return true
}

func newTestParticipant(t *testing.T, label string) testParticipant {
	t.Helper()
	kp, err := group.GenerateKeyPair()
	require.NoError(t, err)
	return testParticipant{
		ID:   group.IdentifierFromLabel(label),
		Keys: kp,
		Sink: &recordingSink{},
	}
}

type testHarness struct {
	t            *testing.T
	clock        clockwork.FakeClock
	participants []testParticipant
	group        *group.Config
	config       *Config
	state        *ServerState
	handler      *Handler
}

func newTestHarness(t *testing.T, n int) *testHarness {
	t.Helper()
	clk := clockwork.NewFakeClock()
	parts := make([]testParticipant, n)
	grpParticipants := map[group.Identifier]group.PublicKey{}
	for i := 0; i < n; i++ {
		parts[i] = newTestParticipant(t, string(rune('a'+i)))
		grpParticipants[parts[i].ID] = parts[i].Keys.Pub
	}
	grp := &group.Config{ID: "test-group", Participants: grpParticipants}

	cfg := DefaultConfig()
	cfg.ChallengeTTL = 20 * time.Second
	cfg.SessionTTL = 60 * time.Second
	cfg.MinDkgRequestTTL = time.Second
	cfg.MaxDkgRequestTTL = 365 * 24 * time.Hour
	cfg.MinSignaturesRequestTTL = time.Second
	cfg.MaxSignaturesRequestTTL = 365 * 24 * time.Hour
	cfg.MinCompletedSignaturesTTL = time.Hour
	cfg.AckCacheTTL = time.Minute
	cfg.RecoveryShareTTL = time.Hour

	state := NewServerState(clk, &cfg, grp, ReferenceCrypto{}, log.DefaultLogger())
	return &testHarness{
		t:            t,
		clock:        clk,
		participants: parts,
		group:        grp,
		config:       &cfg,
		state:        state,
		handler:      NewHandler(state),
	}
}

// loginAs runs the full login+respond-to-challenge+open-stream sequence for
// participant i, returning its new SessionID.
func (h *testHarness) loginAs(i int) SessionID {
	h.t.Helper()
	p := h.participants[i]
	resp, err := h.handler.Login(h.group.Fingerprint(), p.ID, ProtocolVersion)
	require.NoError(h.t, err)

	signed, err := group.SignObject(p.ID, p.Keys, resp.Challenge)
	require.NoError(h.t, err)

	snap, err := h.handler.RespondToChallenge(signed)
	require.NoError(h.t, err)

	_, err = h.handler.OpenStream(snap.SessionID, p.Sink)
	require.NoError(h.t, err)
	h.participants[i].currentSID = snap.SessionID
	return snap.SessionID
}

func (h *testHarness) loginAll() []SessionID {
	sids := make([]SessionID, len(h.participants))
	for i := range h.participants {
		sids[i] = h.loginAs(i)
	}
	return sids
}

func fakeCommitment(tag string) SigningCommitment {
	return SigningCommitment([]byte("commitment-" + tag))
}
