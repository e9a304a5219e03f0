// Package authenticator implements the handshake-time check that a
// connecting peer's credentials are signed by a trusted member of a party
// (directly or via a key chain) and are fresh.
package authenticator

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/errkind"
	"github.com/partymesh/partymesh/internal/logger"
	"github.com/partymesh/partymesh/internal/metrics"
	"github.com/partymesh/partymesh/keyring"
	"github.com/partymesh/partymesh/party"
	"github.com/partymesh/partymesh/replay"
)

// Party is the subset of party.PartyState the Authenticator consults: its
// public key, its trust oracle, and its membership test. party.PartyState
// satisfies this directly.
type Party interface {
	PublicKey() keyring.PublicKey
	Keyring() *keyring.Keyring
	IsMember(k keyring.PublicKey) bool
	IsFeed(k keyring.PublicKey) bool
}

var _ Party = (*party.PartyState)(nil)

// Config bounds the freshness window the Authenticator enforces.
type Config struct {
	MaxAge  time.Duration
	MaxSkew time.Duration
}

// Authenticator validates incoming Auth credentials against a Party.
type Authenticator struct {
	cfg    Config
	replay *replay.Cache
	log    logger.Logger
}

// New creates an Authenticator. replayCache may be shared across
// Authenticators (e.g. one per party manager) since it keys on the
// signing key, not the party.
func New(cfg Config, replayCache *replay.Cache, log logger.Logger) *Authenticator {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = time.Hour
	}
	return &Authenticator{cfg: cfg, replay: replayCache, log: log}
}

// reject is a small helper so every rejection path updates metrics and logs
// consistently before returning its errkind.Error.
func (a *Authenticator) reject(reason string, kind errkind.Kind, err error) error {
	metrics.AuthenticationsAttempted.WithLabelValues("rejected").Inc()
	metrics.AuthenticationsRejected.WithLabelValues(reason).Inc()
	if a.log != nil {
		a.log.Warn("authenticator: rejected", logger.String("reason", reason), logger.Error(err))
	}
	return errkind.New(kind, err)
}

// Authenticate decodes msg's Auth payload,
// confirms the declared party_key matches p, confirms device_key (and
// identity_key if device_key is chain-admitted) resolves to a current
// party member, confirms feed_key (if present) resolves to a current party
// feed, checks msg's timestamp against the configured freshness window,
// and rejects replays of (device_key, nonce) inside that window.
func (a *Authenticator) Authenticate(ctx context.Context, p Party, msg *keyring.SignedMessage) error {
	timer := prometheus.NewTimer(metrics.AuthenticationDuration)
	defer timer.ObserveDuration()

	if !keyring.VerifySignaturesOnly(msg) {
		return a.reject("bad_signature", errkind.AuthRejected, fmt.Errorf("authenticator: signature verification failed"))
	}

	auth, err := credential.DecodeAuth(msg.Signed.Payload)
	if err != nil {
		return a.reject("bad_signature", errkind.AuthGeneral, err)
	}
	if auth.PartyKey != p.PublicKey() {
		return a.reject("untrusted", errkind.AuthRejected, fmt.Errorf("authenticator: auth targets a different party"))
	}

	resolved, err := a.resolveDevice(p, msg, auth)
	if err != nil {
		return err
	}
	if !p.IsMember(resolved) {
		return a.reject("untrusted", errkind.AuthRejected, fmt.Errorf("authenticator: resolved identity %x is not a current party member", resolved))
	}

	if auth.FeedKey != nil {
		if err := a.verifyFeed(p, msg, *auth.FeedKey); err != nil {
			return err
		}
	}

	if err := a.checkFreshness(msg); err != nil {
		return err
	}

	if a.replay != nil && a.replay.Seen(auth.DeviceKey, msg.Signed.Nonce) {
		metrics.ReplaysDetected.Inc()
		metrics.NonceValidations.WithLabelValues("replay").Inc()
		return a.reject("replay", errkind.AuthRejected, fmt.Errorf("authenticator: replayed (device_key, nonce) pair"))
	}
	metrics.NonceValidations.WithLabelValues("valid").Inc()

	metrics.AuthenticationsAttempted.WithLabelValues("accepted").Inc()
	if a.log != nil {
		a.log.Info("authenticator: accepted", logger.Any("device_key", auth.DeviceKey))
	}
	return nil
}

// resolveDevice finds the signature device_key made and, if it was made via
// a key chain, resolves that chain against p's keyring.
// It returns the key that ultimately carries trust: device_key itself when
// directly trusted, or the chain's resolved ancestor otherwise.
func (a *Authenticator) resolveDevice(p Party, msg *keyring.SignedMessage, auth *credential.Auth) (keyring.PublicKey, error) {
	var sig *keyring.Signature
	for i := range msg.Signatures {
		if msg.Signatures[i].Key == auth.DeviceKey {
			sig = &msg.Signatures[i]
			break
		}
	}
	if sig == nil {
		return keyring.PublicKey{}, a.reject("untrusted", errkind.AuthRejected, fmt.Errorf("authenticator: message is not signed by device_key"))
	}

	if p.Keyring().IsTrusted(auth.DeviceKey) {
		return auth.DeviceKey, nil
	}
	if sig.KeyChain == nil {
		return keyring.PublicKey{}, a.reject("untrusted", errkind.AuthRejected, fmt.Errorf("authenticator: device_key is untrusted and carries no key chain"))
	}

	node, err := p.Keyring().FindTrusted(sig.KeyChain)
	if err != nil {
		return keyring.PublicKey{}, a.reject("untrusted", errkind.KeyFatal, err)
	}
	if node == nil {
		return keyring.PublicKey{}, a.reject("untrusted", errkind.AuthRejected, fmt.Errorf("authenticator: device_key's chain does not resolve to a trusted key"))
	}
	if node.PublicKey != auth.IdentityKey {
		return keyring.PublicKey{}, a.reject("untrusted", errkind.AuthRejected, fmt.Errorf("authenticator: device_key's chain resolves to %x, not the declared identity_key", node.PublicKey))
	}
	return node.PublicKey, nil
}

// verifyFeed confirms feedKey also signed msg and is a current party
// feed.
func (a *Authenticator) verifyFeed(p Party, msg *keyring.SignedMessage, feedKey keyring.PublicKey) error {
	signed := false
	for _, sig := range msg.Signatures {
		if sig.Key == feedKey {
			signed = true
			break
		}
	}
	if !signed {
		return a.reject("bad_signature", errkind.AuthRejected, fmt.Errorf("authenticator: message is not signed by feed_key"))
	}
	if !p.IsFeed(feedKey) {
		return a.reject("untrusted", errkind.AuthRejected, fmt.Errorf("authenticator: feed_key is not a current party feed"))
	}
	return nil
}

// checkFreshness requires created to fall within
// [now-max_age, now+max_skew].
func (a *Authenticator) checkFreshness(msg *keyring.SignedMessage) error {
	now := time.Now()
	created := msg.Signed.Created
	if created.Before(now.Add(-a.cfg.MaxAge)) {
		return a.reject("stale", errkind.AuthRejected, fmt.Errorf("authenticator: message is older than max_age (%s)", a.cfg.MaxAge))
	}
	if created.After(now.Add(a.cfg.MaxSkew)) {
		return a.reject("skew", errkind.AuthRejected, fmt.Errorf("authenticator: message timestamp is too far in the future (max_skew %s)", a.cfg.MaxSkew))
	}
	return nil
}
