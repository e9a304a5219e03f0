// Copyright (C) 2025 partymesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// PartyConfig holds the credential-and-membership core's tunables: the
// Authenticator's freshness window, the Greeting protocol's timeouts, and
// where a party's admitted keys and feeds are persisted.
type PartyConfig struct {
	// MaxAge bounds how old a signed message's declared timestamp may be
	// before the Authenticator rejects it as stale.
	MaxAge time.Duration `yaml:"max_age" json:"max_age"`
	// MaxSkew bounds how far a signed message's timestamp may sit in the
	// future, to tolerate clock drift between parties.
	MaxSkew time.Duration `yaml:"max_skew" json:"max_skew"`
	// CommandTimeout bounds how long a single Greeting command (BEGIN,
	// HANDSHAKE, NOTARIZE, FINISH, CLAIM) may run before it is abandoned.
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout"`
	// ReplayCacheTTL is how long a (key, nonce) pair is remembered by the
	// replay cache before it is eligible for garbage collection.
	ReplayCacheTTL time.Duration `yaml:"replay_cache_ttl" json:"replay_cache_ttl"`
	// InvitationTTL is the interval at which a party's Greeting session
	// sweeps expired invitations; each invitation's own lifetime comes from
	// its Expiration option.
	InvitationTTL time.Duration `yaml:"invitation_ttl" json:"invitation_ttl"`
	// StorageBackend selects where admitted keys/feeds are persisted:
	// "memory" or "file".
	StorageBackend string `yaml:"storage_backend" json:"storage_backend"`
	// StorageDir is the directory used by the "file" storage backend.
	StorageDir string `yaml:"storage_dir" json:"storage_dir"`
}

// durationValue accepts either a Go duration string ("90s", "2m") or an
// integer nanosecond count, so hand-written YAML, yaml.Marshal output
// (duration strings) and JSON-saved configs (integer nanoseconds) all load.
type durationValue time.Duration

func (d *durationValue) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return err
		}
		*d = durationValue(n)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = durationValue(parsed)
	return nil
}

// UnmarshalYAML decodes the party section with duration-string support for
// its timeout fields.
func (c *PartyConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxAge         durationValue `yaml:"max_age"`
		MaxSkew        durationValue `yaml:"max_skew"`
		CommandTimeout durationValue `yaml:"command_timeout"`
		ReplayCacheTTL durationValue `yaml:"replay_cache_ttl"`
		InvitationTTL  durationValue `yaml:"invitation_ttl"`
		StorageBackend string        `yaml:"storage_backend"`
		StorageDir     string        `yaml:"storage_dir"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.MaxAge = time.Duration(raw.MaxAge)
	c.MaxSkew = time.Duration(raw.MaxSkew)
	c.CommandTimeout = time.Duration(raw.CommandTimeout)
	c.ReplayCacheTTL = time.Duration(raw.ReplayCacheTTL)
	c.InvitationTTL = time.Duration(raw.InvitationTTL)
	c.StorageBackend = raw.StorageBackend
	c.StorageDir = raw.StorageDir
	return nil
}

// DefaultPartyConfig returns the conservative defaults used when no config
// file supplies a party section.
func DefaultPartyConfig() *PartyConfig {
	return &PartyConfig{
		MaxAge:         5 * time.Minute,
		MaxSkew:        30 * time.Second,
		CommandTimeout: 30 * time.Second,
		ReplayCacheTTL: 15 * time.Minute,
		InvitationTTL:  15 * time.Minute,
		StorageBackend: "memory",
	}
}
