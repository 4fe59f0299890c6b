// Package attachment encodes and decodes the invoice reference carried in a
// transfer attachment.
package attachment

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	tagMagic       byte = 0x7a
	tagVersion     byte = 0x01
	fieldInvoiceID byte = 0x01
)

// MaxInvoiceIDLen bounds the invoice id in bytes.
const MaxInvoiceIDLen = 128

var ErrInvalidInvoiceID = errors.New("invalid invoice id")

// Decode extracts an invoice id from a raw attachment. It never fails: any
// input that is not a well-formed encoding reports false.
func Decode(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	if raw[0] == tagMagic {
		return decodeTagged(raw)
	}
	return decodeJSON(raw)
}

// Encode returns the tagged form of invoiceID.
func Encode(invoiceID string) ([]byte, error) {
	if _, ok := validInvoiceID(invoiceID); !ok {
		return nil, ErrInvalidInvoiceID
	}
	out := make([]byte, 0, 3+binary.MaxVarintLen64+len(invoiceID))
	out = append(out, tagMagic, tagVersion, fieldInvoiceID)
	out = binary.AppendUvarint(out, uint64(len(invoiceID)))
	out = append(out, invoiceID...)
	return out, nil
}

func decodeTagged(raw []byte) (string, bool) {
	if len(raw) < 4 || raw[1] != tagVersion || raw[2] != fieldInvoiceID {
		return "", false
	}
	size, n := binary.Uvarint(raw[3:])
	if n <= 0 {
		return "", false
	}
	body := raw[3+n:]
	if size != uint64(len(body)) {
		return "", false
	}
	return validInvoiceID(string(body))
}

func decodeJSON(raw []byte) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '{' {
		return "", false
	}
	var payload struct {
		InvoiceID *string `json:"invoice_id"`
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return "", false
	}
	if payload.InvoiceID == nil {
		return "", false
	}
	return validInvoiceID(*payload.InvoiceID)
}

func validInvoiceID(id string) (string, bool) {
	if strings.TrimSpace(id) == "" || len(id) > MaxInvoiceIDLen || !utf8.ValidString(id) {
		return "", false
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return "", false
		}
	}
	return id, true
}
