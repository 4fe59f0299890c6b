// Package chain holds network parameters and address derivation for the
// watched chain.
package chain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

const addressVersion byte = 0x01

const (
	hashBodyLen  = 20
	checksumLen  = 4
	AddressLen   = 2 + hashBodyLen + checksumLen
	PublicKeyLen = 32
)

var (
	ErrUnknownNetwork   = errors.New("unknown network")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidAddress   = errors.New("invalid address")
)

type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ParseNetwork accepts the network names used in configuration.
func ParseNetwork(raw string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "mainnet", "main", "w":
		return Mainnet, nil
	case "testnet", "test", "t":
		return Testnet, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, raw)
	}
}

// ChainID is the network byte embedded in every address.
func (n Network) ChainID() (byte, error) {
	switch n {
	case Mainnet:
		return 'W', nil
	case Testnet:
		return 'T', nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownNetwork, string(n))
	}
}

type Address [AddressLen]byte

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) Bytes() []byte {
	out := make([]byte, AddressLen)
	copy(out, a[:])
	return out
}

// AddressFromPublicKey derives the account address owned by pub on net.
func AddressFromPublicKey(net Network, pub []byte) (Address, error) {
	chainID, err := net.ChainID()
	if err != nil {
		return Address{}, err
	}
	if len(pub) != PublicKeyLen {
		return Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, PublicKeyLen, len(pub))
	}
	var addr Address
	addr[0] = addressVersion
	addr[1] = chainID
	copy(addr[2:2+hashBodyLen], secureHash(pub)[:hashBodyLen])
	copy(addr[2+hashBodyLen:], secureHash(addr[:2+hashBodyLen])[:checksumLen])
	return addr, nil
}

// ParseAddress validates a base58 address against net.
func ParseAddress(net Network, raw string) (Address, error) {
	chainID, err := net.ChainID()
	if err != nil {
		return Address{}, err
	}
	decoded, err := base58.Decode(strings.TrimSpace(raw))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(decoded) != AddressLen {
		return Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, AddressLen, len(decoded))
	}
	if decoded[0] != addressVersion {
		return Address{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidAddress, decoded[0])
	}
	if decoded[1] != chainID {
		return Address{}, fmt.Errorf("%w: address belongs to chain %q, expected %q", ErrInvalidAddress, decoded[1], chainID)
	}
	sum := secureHash(decoded[:2+hashBodyLen])[:checksumLen]
	if !bytes.Equal(sum, decoded[2+hashBodyLen:]) {
		return Address{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	var addr Address
	copy(addr[:], decoded)
	return addr, nil
}

// AddressFromBytes renders raw recipient bytes in their human-readable form.
func AddressFromBytes(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return base58.Encode(raw)
}

func secureHash(data []byte) []byte {
	b := blake2b.Sum256(data)
	k := sha3.NewLegacyKeccak256()
	_, _ = k.Write(b[:])
	return k.Sum(nil)
}
