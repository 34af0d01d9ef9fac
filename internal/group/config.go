package group

import (
	"encoding/binary"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Config is the immutable input describing a fixed group of participants:
// its id and the stable mapping from short Identifier to long-term public
// key (spec.md §3, "Group configuration").
type Config struct {
	ID           string
	Participants map[Identifier]PublicKey
}

// Size returns n, the number of participants in the group.
func (c *Config) Size() int {
	return len(c.Participants)
}

// Has reports whether id names a participant in this group.
func (c *Config) Has(id Identifier) bool {
	_, ok := c.Participants[id]
	return ok
}

// Fingerprint computes a stable hash over the group's id and its
// participant mapping, used as the group's opaque identity (spec.md §3).
// Ordering the participants before hashing, the way the teacher's
// key.Group.Hash sorts nodes by index before hashing, keeps the
// fingerprint independent of map iteration order.
func (c *Config) Fingerprint() [32]byte {
	ids := make([]Identifier, 0, len(c.Participants))
	for id := range c.Participants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte(c.ID))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(ids)))
	_, _ = h.Write(lenBuf[:])
	for _, id := range ids {
		_, _ = h.Write(id[:])
		_, _ = h.Write(c.Participants[id].Bytes())
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
