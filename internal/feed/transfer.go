package feed

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/mr-tron/base58/base58"
)

var ErrInvalidTransfer = errors.New("invalid transfer event")

// TransferEvent is one unconfirmed transfer observed by the node. The feed may
// deliver the same TxID more than once.
type TransferEvent struct {
	TxID            string
	SenderPublicKey []byte
	AssetID         string
	Timestamp       int64
	Amount          uint64
	Fee             uint64
	Recipient       []byte
	Attachment      []byte
}

type wireTransfer struct {
	TxID            string `json:"txid"`
	SenderPublicKey string `json:"sender_public_key"`
	AssetID         string `json:"asset_id,omitempty"`
	Timestamp       int64  `json:"timestamp"`
	Amount          uint64 `json:"amount"`
	Fee             uint64 `json:"fee"`
	Recipient       string `json:"recipient"`
	Attachment      string `json:"attachment,omitempty"`
}

// MarshalTransfer encodes ev for relay transports. Byte fields are base58.
func MarshalTransfer(ev TransferEvent) ([]byte, error) {
	if strings.TrimSpace(ev.TxID) == "" {
		return nil, ErrInvalidTransfer
	}
	return json.Marshal(wireTransfer{
		TxID:            ev.TxID,
		SenderPublicKey: encodeBytes(ev.SenderPublicKey),
		AssetID:         ev.AssetID,
		Timestamp:       ev.Timestamp,
		Amount:          ev.Amount,
		Fee:             ev.Fee,
		Recipient:       encodeBytes(ev.Recipient),
		Attachment:      encodeBytes(ev.Attachment),
	})
}

func UnmarshalTransfer(raw []byte) (TransferEvent, error) {
	var w wireTransfer
	if err := json.Unmarshal(raw, &w); err != nil {
		return TransferEvent{}, ErrInvalidTransfer
	}
	if strings.TrimSpace(w.TxID) == "" {
		return TransferEvent{}, ErrInvalidTransfer
	}
	pub, err := decodeBytes(w.SenderPublicKey)
	if err != nil {
		return TransferEvent{}, err
	}
	recipient, err := decodeBytes(w.Recipient)
	if err != nil {
		return TransferEvent{}, err
	}
	attachment, err := decodeBytes(w.Attachment)
	if err != nil {
		return TransferEvent{}, err
	}
	return TransferEvent{
		TxID:            w.TxID,
		SenderPublicKey: pub,
		AssetID:         w.AssetID,
		Timestamp:       w.Timestamp,
		Amount:          w.Amount,
		Fee:             w.Fee,
		Recipient:       recipient,
		Attachment:      attachment,
	}, nil
}

func encodeBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base58.Encode(b)
}

func decodeBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	out, err := base58.Decode(s)
	if err != nil {
		return nil, ErrInvalidTransfer
	}
	return out, nil
}
