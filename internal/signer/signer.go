// Package signer builds the canonical payment notification for a transfer and
// signs it with the daemon's ed25519 key.
package signer

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mr-tron/base58/base58"

	"zapd/go-daemon/internal/attachment"
	"zapd/go-daemon/internal/chain"
	"zapd/go-daemon/internal/feed"
)

var (
	ErrInvalidSigningKey = errors.New("invalid signing key")
	ErrInvalidSender     = errors.New("invalid sender public key")
	ErrBadSignature      = errors.New("signature verification failed")
)

// PaymentNotification is the payload delivered to the webhook. InvoiceID is
// nil when the attachment carried no decodable invoice reference.
type PaymentNotification struct {
	TxID      string  `json:"txid"`
	Timestamp int64   `json:"timestamp"`
	Recipient string  `json:"recipient"`
	Sender    string  `json:"sender"`
	Amount    uint64  `json:"amount"`
	InvoiceID *string `json:"invoice_id"`
}

// Invoice returns the invoice id or "" when absent.
func (n PaymentNotification) Invoice() string {
	if n.InvoiceID == nil {
		return ""
	}
	return *n.InvoiceID
}

type Signed struct {
	Notification PaymentNotification
	Message      []byte
	Signature    []byte
}

type Signer struct {
	network  chain.Network
	merchant string
	key      ed25519.PrivateKey
	pub      ed25519.PublicKey
}

func New(net chain.Network, merchant chain.Address, key ed25519.PrivateKey) (*Signer, error) {
	if _, err := net.ChainID(); err != nil {
		return nil, err
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, ErrInvalidSigningKey
	}
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return nil, ErrInvalidSigningKey
	}
	return &Signer{
		network:  net,
		merchant: merchant.String(),
		key:      key,
		pub:      pub,
	}, nil
}

func (s *Signer) Network() chain.Network { return s.network }

func (s *Signer) Merchant() string { return s.merchant }

func (s *Signer) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.pub...)
}

func (s *Signer) PublicKeyBase58() string {
	return base58.Encode(s.pub)
}

// Notification composes the notification for ev without signing it.
func (s *Signer) Notification(ev feed.TransferEvent) (PaymentNotification, error) {
	sender, err := chain.AddressFromPublicKey(s.network, ev.SenderPublicKey)
	if err != nil {
		return PaymentNotification{}, fmt.Errorf("%w: %v", ErrInvalidSender, err)
	}
	n := PaymentNotification{
		TxID:      ev.TxID,
		Timestamp: ev.Timestamp,
		Recipient: s.merchant,
		Sender:    sender.String(),
		Amount:    ev.Amount,
	}
	if id, ok := attachment.Decode(ev.Attachment); ok {
		n.InvoiceID = &id
	}
	return n, nil
}

// Sign returns the canonical message for ev and its detached signature. The
// same event always yields identical bytes.
func (s *Signer) Sign(ev feed.TransferEvent) (Signed, error) {
	n, err := s.Notification(ev)
	if err != nil {
		return Signed{}, err
	}
	msg, err := CanonicalMessage(n)
	if err != nil {
		return Signed{}, err
	}
	return Signed{
		Notification: n,
		Message:      msg,
		Signature:    ed25519.Sign(s.key, msg),
	}, nil
}

// CanonicalMessage serializes n with the fixed field order txid, timestamp,
// recipient, sender, amount, invoice_id.
func CanonicalMessage(n PaymentNotification) ([]byte, error) {
	return json.Marshal(n)
}

func Verify(pub ed25519.PublicKey, message, signature []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrInvalidSigningKey
	}
	if !ed25519.Verify(pub, message, signature) {
		return ErrBadSignature
	}
	return nil
}
