package coord

import "github.com/chorus-sig/roastd/internal/group"

// ShareStateKind tags the ReceiverState sum type.
type ShareStateKind int

const (
	ShareStatePending ShareStateKind = iota
	ShareStateDone
)

// PendingShares is the Pending variant of ReceiverState: recovery shares
// addressed to this receiver, indexed by sender, plus the set of senders
// the receiver has already acknowledged.
type PendingShares struct {
	PendingForSender      map[group.Identifier]EncryptedKeyShare
	AcknowledgedForSender map[group.Identifier]struct{}
}

func newPendingShares() *PendingShares {
	return &PendingShares{
		PendingForSender:      map[group.Identifier]EncryptedKeyShare{},
		AcknowledgedForSender: map[group.Identifier]struct{}{},
	}
}

// alreadyHasFrom reports whether sender already has a share pending or
// acknowledged for this receiver (spec.md §4.8: duplicate posts from the
// same sender are dropped silently).
func (p *PendingShares) alreadyHasFrom(sender group.Identifier) bool {
	if _, ok := p.PendingForSender[sender]; ok {
		return true
	}
	_, ok := p.AcknowledgedForSender[sender]
	return ok
}

// ReceiverState is the Pending | Done sum type for one receiver's view of
// a group key's recovery shares (spec.md §3). The Done variant
// (ParticipantDoneShareState in spec.md §9) is reachable but, per that
// spec's second Open Question, no request-path operation transitions a
// receiver into it — only test code does.
type ReceiverState struct {
	Kind    ShareStateKind
	Pending *PendingShares
}

func newReceiverState() *ReceiverState {
	return &ReceiverState{Kind: ShareStatePending, Pending: newPendingShares()}
}

// MarkDone transitions the receiver's state to Done, discarding any
// pending shares. Exposed for test code exercising the reachable-but-
// unexposed transition noted in spec.md §9.
func (r *ReceiverState) MarkDone() {
	r.Kind = ShareStateDone
	r.Pending = nil
}

// KeySharingState is the per-group-key recovery-share routing table
// (spec.md §3, §4.8). Like every other server-owned table, it carries an
// Expiry (spec.md §5): this spec names no dedicated TTL config key for
// it, so it reuses Config.RecoveryShareTTL (see DESIGN.md's Open Question
// decisions), refreshed on every mutation.
type KeySharingState struct {
	ReceiverShares map[group.Identifier]*ReceiverState
	Exp            Expiry
}

func (k *KeySharingState) expiry() Expiry { return k.Exp }

func newKeySharingState(exp Expiry) *KeySharingState {
	return &KeySharingState{ReceiverShares: map[group.Identifier]*ReceiverState{}, Exp: exp}
}

// receiver returns (creating if absent) the ReceiverState for id.
func (k *KeySharingState) receiver(id group.Identifier) *ReceiverState {
	rs, ok := k.ReceiverShares[id]
	if !ok {
		rs = newReceiverState()
		k.ReceiverShares[id] = rs
	}
	return rs
}
