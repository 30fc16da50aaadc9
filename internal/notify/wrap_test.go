package notify

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"
	"github.com/nbd-wtf/go-nostr/nip59"
)

// Test keypairs (generated with nak):
//   Store:  234702910939c3394838131938e8da0dcfec369df3e51990263eae626aa73f87
//           1eca03bebec0590b918861b4431d57ff574702fa8cb015ccd566b509e9480c42
//   Admin:  d067b66a004de257ff3f467e754d22bb2b64a9a59c669e8224d8c624b7decb4f
//           dcfafaaebf643e0c8517e49e13ad25c60ee4a57a0b5f5fc401adbcb9d151f5f5

const storeSecretHex = "234702910939c3394838131938e8da0dcfec369df3e51990263eae626aa73f87"
const storePubkeyHex = "1eca03bebec0590b918861b4431d57ff574702fa8cb015ccd566b509e9480c42"
const adminSecretHex = "d067b66a004de257ff3f467e754d22bb2b64a9a59c669e8224d8c624b7decb4f"
const adminPubkeyHex = "dcfafaaebf643e0c8517e49e13ad25c60ee4a57a0b5f5fc401adbcb9d151f5f5"

func TestWrapDM(t *testing.T) {
	ctx := context.Background()

	kr, err := keyer.NewPlainKeySigner(storeSecretHex)
	if err != nil {
		t.Fatalf("creating keyer: %v", err)
	}

	wrapped, err := WrapDM(ctx, kr, storePubkeyHex, adminPubkeyHex, "order ord_1 is error")
	if err != nil {
		t.Fatalf("WrapDM() error = %v", err)
	}

	if wrapped.Kind != nostr.KindGiftWrap {
		t.Errorf("wrapped.Kind = %d, want %d (KindGiftWrap)", wrapped.Kind, nostr.KindGiftWrap)
	}

	pTag := wrapped.Tags.Find("p")
	if len(pTag) < 2 {
		t.Error("wrapped event missing p tag")
	} else if pTag[1] != adminPubkeyHex {
		t.Errorf("p tag = %s, want %s", pTag[1], adminPubkeyHex)
	}

	// The outer wrap is signed by an ephemeral key, never the store key.
	if wrapped.PubKey == storePubkeyHex {
		t.Error("gift wrap leaks the sender pubkey")
	}

	ok, err := wrapped.CheckSignature()
	if err != nil || !ok {
		t.Errorf("wrapped event has invalid signature: %v", err)
	}
}

func TestWrapDM_CanBeUnwrapped(t *testing.T) {
	ctx := context.Background()

	storeKr, err := keyer.NewPlainKeySigner(storeSecretHex)
	if err != nil {
		t.Fatalf("creating store keyer: %v", err)
	}
	adminKr, err := keyer.NewPlainKeySigner(adminSecretHex)
	if err != nil {
		t.Fatalf("creating admin keyer: %v", err)
	}

	messages := []string{
		"order ord_1 is error\nerror: transient: HTTP 503",
		"order ord_2 is error\nmissing_address",
		"Unicode: 日本語 🎉 émoji",
	}

	for _, msg := range messages {
		t.Run(msg[:10], func(t *testing.T) {
			wrapped, err := WrapDM(ctx, storeKr, storePubkeyHex, adminPubkeyHex, msg)
			if err != nil {
				t.Fatalf("WrapDM() error = %v", err)
			}

			rumor, err := nip59.GiftUnwrap(*wrapped, func(pubkey, ciphertext string) (string, error) {
				return adminKr.Decrypt(ctx, ciphertext, pubkey)
			})
			if err != nil {
				t.Fatalf("GiftUnwrap() error = %v", err)
			}

			if rumor.Kind != nostr.KindDirectMessage {
				t.Errorf("rumor.Kind = %d, want %d (KindDirectMessage)", rumor.Kind, nostr.KindDirectMessage)
			}
			if rumor.Content != msg {
				t.Errorf("content = %q, want %q", rumor.Content, msg)
			}
			if rumor.PubKey != storePubkeyHex {
				t.Errorf("rumor.PubKey = %s, want %s", rumor.PubKey, storePubkeyHex)
			}
		})
	}
}
