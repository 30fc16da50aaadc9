package notify

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip59"
)

// WrapDM creates a NIP-17 gift-wrapped direct message.
// Returns a ready-to-publish kind:1059 event addressed to recipientPubkeyHex.
func WrapDM(ctx context.Context, kr nostr.Keyer, senderPubkeyHex, recipientPubkeyHex, message string) (*nostr.Event, error) {
	rumor := nostr.Event{
		PubKey:    senderPubkeyHex,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindDirectMessage,
		Tags: nostr.Tags{
			nostr.Tag{"p", recipientPubkeyHex},
		},
		Content: message,
	}

	// rumor -> seal (kind:13) -> gift wrap (kind:1059)
	giftWrap, err := nip59.GiftWrap(
		rumor,
		recipientPubkeyHex,
		func(plaintext string) (string, error) {
			return kr.Encrypt(ctx, plaintext, recipientPubkeyHex)
		},
		func(event *nostr.Event) error {
			return kr.SignEvent(ctx, event)
		},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("gift wrapping alert: %w", err)
	}

	return &giftWrap, nil
}
