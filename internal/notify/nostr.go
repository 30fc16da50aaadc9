package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrInvalidKey indicates a key that is neither hex nor the expected bech32 form.
var ErrInvalidKey = errors.New("invalid nostr key")

// DefaultTimeout bounds one alert fan-out.
const DefaultTimeout = 5 * time.Second

// Nostr sends each alert as an encrypted DM to every admin.
type Nostr struct {
	kr      nostr.Keyer
	pubkey  string
	admins  []string // hex pubkeys
	pub     Publisher
	log     *slog.Logger
	timeout time.Duration
}

// NewNostr creates a notifier signing with kr. admins are hex pubkeys.
func NewNostr(kr nostr.Keyer, pubkeyHex string, admins []string, pub Publisher, logger *slog.Logger) *Nostr {
	if logger == nil {
		logger = slog.Default()
	}
	return &Nostr{
		kr:      kr,
		pubkey:  pubkeyHex,
		admins:  admins,
		pub:     pub,
		log:     logger,
		timeout: DefaultTimeout,
	}
}

// Notify wraps and publishes the alert for each admin. It fails only if no
// admin could be reached.
func (n *Nostr) Notify(ctx context.Context, a Alert) error {
	if len(n.admins) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	msg := a.Message()
	var errs []error
	for _, admin := range n.admins {
		ev, err := WrapDM(ctx, n.kr, n.pubkey, admin, msg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := n.pub.Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("admin %s: %w", npub(admin), err))
			continue
		}
		n.log.Debug("alert sent", "order_id", a.OrderID, "admin", npub(admin))
	}

	if len(errs) == len(n.admins) {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		n.log.Warn("alert partially delivered", "order_id", a.OrderID, "err", err)
	}
	return nil
}

// KeyerFromSecret builds a signer from a hex or nsec secret key and returns it
// with the matching hex pubkey.
func KeyerFromSecret(secret string) (nostr.Keyer, string, error) {
	sk := strings.TrimSpace(secret)
	if strings.HasPrefix(sk, "nsec") {
		prefix, value, err := nip19.Decode(sk)
		if err != nil || prefix != "nsec" {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		sk = value.(string)
	}
	if !nostr.IsValid32ByteHex(sk) {
		return nil, "", fmt.Errorf("%w: secret must be 64 hex chars or nsec", ErrInvalidKey)
	}

	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	kr, err := keyer.NewPlainKeySigner(sk)
	if err != nil {
		return nil, "", fmt.Errorf("creating keyer: %w", err)
	}
	return kr, pk, nil
}

// DecodePubkeys converts npub or hex pubkeys to hex.
func DecodePubkeys(keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if strings.HasPrefix(k, "npub") {
			prefix, value, err := nip19.Decode(k)
			if err != nil || prefix != "npub" {
				return nil, fmt.Errorf("%w: %s", ErrInvalidKey, k)
			}
			k = value.(string)
		}
		if !nostr.IsValid32ByteHex(k) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidKey, k)
		}
		out = append(out, k)
	}
	return out, nil
}

// npub renders a hex pubkey for logs; operators know admins by npub.
func npub(hex string) string {
	if n, err := nip19.EncodePublicKey(hex); err == nil {
		return n
	}
	return hex
}
