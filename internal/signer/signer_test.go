package signer

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"

	"zapd/go-daemon/internal/attachment"
	"zapd/go-daemon/internal/chain"
	"zapd/go-daemon/internal/feed"
)

const (
	merchantMainnet = "3P5oEcmdHw1sEDXYdrM5ZcMH82KHtEcNrkA"
	senderMainnet   = "3P7R6BMiHagZupDPmieaZ8hJ5JsyD8Ejb6A"
	senderTestnet   = "3MuQHE2pRT9BHMuyWePabgKUiRNCNzWKL4P"
)

func senderKey() []byte {
	pub := make([]byte, 32)
	for i := range pub {
		pub[i] = byte(i)
	}
	return pub
}

func newTestSigner(t *testing.T, net chain.Network, merchant string) *Signer {
	t.Helper()
	addr, err := chain.ParseAddress(net, merchant)
	if err != nil {
		t.Fatalf("parse merchant failed: %v", err)
	}
	key := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{0x11}, ed25519.SeedSize))
	s, err := New(net, addr, key)
	if err != nil {
		t.Fatalf("new signer failed: %v", err)
	}
	return s
}

func scenarioEvent(t *testing.T, merchant string) feed.TransferEvent {
	t.Helper()
	att, err := attachment.Encode("INV-42")
	if err != nil {
		t.Fatalf("encode attachment failed: %v", err)
	}
	addr, err := chain.ParseAddress(chain.Mainnet, merchant)
	if err != nil {
		t.Fatalf("parse recipient failed: %v", err)
	}
	return feed.TransferEvent{
		TxID:            "t1",
		SenderPublicKey: senderKey(),
		Timestamp:       1700000000000,
		Amount:          500000,
		Fee:             100000,
		Recipient:       addr.Bytes(),
		Attachment:      att,
	}
}

func TestSignScenarioFields(t *testing.T) {
	s := newTestSigner(t, chain.Mainnet, merchantMainnet)
	signed, err := s.Sign(scenarioEvent(t, merchantMainnet))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	n := signed.Notification
	if n.TxID != "t1" || n.Amount != 500000 || n.Sender != senderMainnet || n.Recipient != merchantMainnet {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if n.Invoice() != "INV-42" {
		t.Fatalf("expected invoice INV-42, got %q", n.Invoice())
	}
	want := `{"txid":"t1","timestamp":1700000000000,"recipient":"` + merchantMainnet +
		`","sender":"` + senderMainnet + `","amount":500000,"invoice_id":"INV-42"}`
	if string(signed.Message) != want {
		t.Fatalf("canonical message mismatch:\n got %s\nwant %s", signed.Message, want)
	}
	if len(signed.Signature) != ed25519.SignatureSize {
		t.Fatalf("expected %d byte signature, got %d", ed25519.SignatureSize, len(signed.Signature))
	}
	if err := Verify(s.PublicKey(), signed.Message, signed.Signature); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestSignIsDeterministic(t *testing.T) {
	s := newTestSigner(t, chain.Mainnet, merchantMainnet)
	ev := scenarioEvent(t, merchantMainnet)
	first, err := s.Sign(ev)
	if err != nil {
		t.Fatalf("first sign failed: %v", err)
	}
	second, err := s.Sign(ev)
	if err != nil {
		t.Fatalf("second sign failed: %v", err)
	}
	if !bytes.Equal(first.Message, second.Message) {
		t.Fatal("canonical messages differ")
	}
	if !bytes.Equal(first.Signature, second.Signature) {
		t.Fatal("signatures differ")
	}
}

func TestSignAbsentInvoiceIsNull(t *testing.T) {
	s := newTestSigner(t, chain.Mainnet, merchantMainnet)
	for name, att := range map[string][]byte{
		"empty":   nil,
		"garbage": {0xff, 0x00, 0x13},
		"text":    []byte("thanks for lunch"),
	} {
		ev := scenarioEvent(t, merchantMainnet)
		ev.Attachment = att
		signed, err := s.Sign(ev)
		if err != nil {
			t.Fatalf("%s: sign failed: %v", name, err)
		}
		if signed.Notification.InvoiceID != nil {
			t.Fatalf("%s: expected absent invoice, got %q", name, *signed.Notification.InvoiceID)
		}
		if !bytes.HasSuffix(signed.Message, []byte(`"invoice_id":null}`)) {
			t.Fatalf("%s: expected null invoice_id, got %s", name, signed.Message)
		}
	}
}

func TestSenderDerivationFollowsConfiguredNetwork(t *testing.T) {
	testnetMerchant, err := chain.AddressFromPublicKey(chain.Testnet, bytes.Repeat([]byte{0x07}, 32))
	if err != nil {
		t.Fatalf("derive testnet merchant failed: %v", err)
	}
	s := newTestSigner(t, chain.Testnet, testnetMerchant.String())
	n, err := s.Notification(feed.TransferEvent{TxID: "t1", SenderPublicKey: senderKey()})
	if err != nil {
		t.Fatalf("notification failed: %v", err)
	}
	if n.Sender != senderTestnet {
		t.Fatalf("expected testnet sender %s, got %s", senderTestnet, n.Sender)
	}
}

func TestSignRejectsBadSenderKey(t *testing.T) {
	s := newTestSigner(t, chain.Mainnet, merchantMainnet)
	ev := scenarioEvent(t, merchantMainnet)
	ev.SenderPublicKey = []byte{1, 2, 3}
	if _, err := s.Sign(ev); !errors.Is(err, ErrInvalidSender) {
		t.Fatalf("expected ErrInvalidSender, got %v", err)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	s := newTestSigner(t, chain.Mainnet, merchantMainnet)
	signed, err := s.Sign(scenarioEvent(t, merchantMainnet))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	tampered := bytes.Replace(signed.Message, []byte("500000"), []byte("900000"), 1)
	if err := Verify(s.PublicKey(), tampered, signed.Signature); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	addr, err := chain.ParseAddress(chain.Mainnet, merchantMainnet)
	if err != nil {
		t.Fatalf("parse merchant failed: %v", err)
	}
	if _, err := New(chain.Mainnet, addr, ed25519.PrivateKey{1, 2}); !errors.Is(err, ErrInvalidSigningKey) {
		t.Fatalf("expected ErrInvalidSigningKey, got %v", err)
	}
}
