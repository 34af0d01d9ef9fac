package coord

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chorus-sig/roastd/internal/group"
)

// ProtocolVersion is the only protocol version this server accepts from a
// client (spec.md §6).
const ProtocolVersion = 1

// Config is ServerConfig (spec.md §6): every tunable TTL the coordination
// core consults, plus the signing group itself. Durations are stored in
// their natural Go form; MarshalTOML and UnmarshalConfigTOML convert
// to/from the human-readable "20s"-style config-file form through the
// string-field tomlConfig shape below.
type Config struct {
	ChallengeTTL              time.Duration
	SessionTTL                time.Duration
	MinDkgRequestTTL          time.Duration
	MaxDkgRequestTTL          time.Duration
	MinSignaturesRequestTTL   time.Duration
	MaxSignaturesRequestTTL   time.Duration
	MinCompletedSignaturesTTL time.Duration
	AckCacheTTL               time.Duration
	// RecoveryShareTTL bounds KeySharingState retention. Not named by
	// spec.md's configuration table; added because §5's concurrency rules
	// require every server-owned table to carry an Expiry and no other key
	// governs this one (see DESIGN.md's "Open Question decisions" entry for
	// RecoveryShareTTL).
	RecoveryShareTTL time.Duration
	// KeepAliveFreq is zero when unset, meaning no KeepaliveEvent is ever
	// emitted.
	KeepAliveFreq time.Duration

	Group GroupConfig
}

// GroupConfig is the on-disk form of a signing group: a stable id plus a
// participant-identifier → public-key map. internal/group.Config is built
// from this after parsing, once participant identifiers and keys have been
// decoded.
type GroupConfig struct {
	ID           string
	Participants map[string]string // hex(Identifier) -> hex(pubkey)
}

// DefaultConfig returns the defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{
		ChallengeTTL:              20 * time.Second,
		SessionTTL:                60 * time.Second,
		MinDkgRequestTTL:          29 * time.Minute,
		MaxDkgRequestTTL:          7 * 24 * time.Hour,
		MinSignaturesRequestTTL:   25 * time.Second,
		MaxSignaturesRequestTTL:   14 * 24 * time.Hour,
		MinCompletedSignaturesTTL: 24 * time.Hour,
		AckCacheTTL:               time.Minute,
		RecoveryShareTTL:          24 * time.Hour,
	}
}

// ToGroupConfig decodes GroupConfig into an internal/group.Config, the form
// the rest of the coordination core consumes.
func (g GroupConfig) ToGroupConfig() (*group.Config, error) {
	participants := make(map[group.Identifier]group.PublicKey, len(g.Participants))
	for idHex, pubHex := range g.Participants {
		id, err := group.ParseIdentifier(idHex)
		if err != nil {
			return nil, fmt.Errorf("group participant %q: %w", idHex, err)
		}
		pubBytes, err := hex.DecodeString(pubHex)
		if err != nil {
			return nil, fmt.Errorf("group participant %q pubkey: %w", idHex, err)
		}
		pub, err := group.ParsePublicKey(pubBytes)
		if err != nil {
			return nil, fmt.Errorf("group participant %q pubkey: %w", idHex, err)
		}
		participants[id] = pub
	}
	return &group.Config{ID: g.ID, Participants: participants}, nil
}

// FromGroupConfig is the inverse of ToGroupConfig, used when persisting a
// live group back out to config form.
func FromGroupConfig(g *group.Config) GroupConfig {
	out := GroupConfig{ID: g.ID, Participants: make(map[string]string, len(g.Participants))}
	for id, pub := range g.Participants {
		out.Participants[id.String()] = hex.EncodeToString(pub.Bytes())
	}
	return out
}

// tomlConfig is the wire shape TOML actually (de)serializes: durations as
// strings, since BurntSushi/toml has no native duration support.
type tomlConfig struct {
	ChallengeTTL              string
	SessionTTL                string
	MinDkgRequestTTL          string
	MaxDkgRequestTTL          string
	MinSignaturesRequestTTL   string
	MaxSignaturesRequestTTL   string
	MinCompletedSignaturesTTL string
	AckCacheTTL               string
	RecoveryShareTTL          string
	KeepAliveFreq             string
	Group                     GroupConfig
}

func (c Config) toTOML() tomlConfig {
	return tomlConfig{
		ChallengeTTL:              c.ChallengeTTL.String(),
		SessionTTL:                c.SessionTTL.String(),
		MinDkgRequestTTL:          c.MinDkgRequestTTL.String(),
		MaxDkgRequestTTL:          c.MaxDkgRequestTTL.String(),
		MinSignaturesRequestTTL:   c.MinSignaturesRequestTTL.String(),
		MaxSignaturesRequestTTL:   c.MaxSignaturesRequestTTL.String(),
		MinCompletedSignaturesTTL: c.MinCompletedSignaturesTTL.String(),
		AckCacheTTL:               c.AckCacheTTL.String(),
		RecoveryShareTTL:          c.RecoveryShareTTL.String(),
		KeepAliveFreq:             c.KeepAliveFreq.String(),
		Group:                     c.Group,
	}
}

func (t tomlConfig) toConfig() (Config, error) {
	var c Config
	var err error
	for _, f := range []struct {
		dst *time.Duration
		src string
	}{
		{&c.ChallengeTTL, t.ChallengeTTL},
		{&c.SessionTTL, t.SessionTTL},
		{&c.MinDkgRequestTTL, t.MinDkgRequestTTL},
		{&c.MaxDkgRequestTTL, t.MaxDkgRequestTTL},
		{&c.MinSignaturesRequestTTL, t.MinSignaturesRequestTTL},
		{&c.MaxSignaturesRequestTTL, t.MaxSignaturesRequestTTL},
		{&c.MinCompletedSignaturesTTL, t.MinCompletedSignaturesTTL},
		{&c.AckCacheTTL, t.AckCacheTTL},
		{&c.RecoveryShareTTL, t.RecoveryShareTTL},
		{&c.KeepAliveFreq, t.KeepAliveFreq},
	} {
		if f.src == "" {
			continue
		}
		*f.dst, err = time.ParseDuration(f.src)
		if err != nil {
			return Config{}, fmt.Errorf("parsing duration %q: %w", f.src, err)
		}
	}
	c.Group = t.Group
	return c, nil
}

// MarshalTOML renders Config in BurntSushi/toml key/value form (spec.md §6:
// "key/value form"); UnmarshalConfigTOML is its inverse.
func (c Config) MarshalTOML() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c.toTOML()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalConfigTOML parses src (BurntSushi/toml key/value form) into a
// Config.
func UnmarshalConfigTOML(src []byte) (Config, error) {
	var t tomlConfig
	if _, err := toml.Decode(string(src), &t); err != nil {
		return Config{}, err
	}
	return t.toConfig()
}

// MarshalBinary implements encoding.BinaryMarshaler via encoding/gob: the
// stdlib's own binary codec is the pragmatic choice here since a real
// protobuf wire form would require running protoc, which this exercise
// forbids (see DESIGN.md's standard-library justifications).
func (c Config) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	// gob calls MarshalBinary on any value that has it, so encode through a
	// method-less copy of the type to avoid recursing back into this method.
	type gobConfig Config
	if err := gob.NewEncoder(&buf).Encode(gobConfig(c)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalConfigBinary is the inverse of MarshalBinary.
func UnmarshalConfigBinary(src []byte) (Config, error) {
	var c Config
	if err := gob.NewDecoder(bytes.NewReader(src)).Decode(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}
