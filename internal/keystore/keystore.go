// Package keystore loads the ed25519 key that signs payment notifications.
//
// Exactly one source is accepted: a BIP-39 mnemonic, a base58 encoded
// 32-byte seed, or an encrypted key file unlocked with a passphrase.
package keystore

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoNotificationSigning = "zapd/notification/signing/v1"

var (
	ErrNoKeySource        = errors.New("signing key is not configured")
	ErrAmbiguousKeySource = errors.New("more than one signing key source is configured")
	ErrInvalidMnemonic    = errors.New("invalid mnemonic")
	ErrInvalidSeed        = errors.New("invalid signing seed")
	ErrPassphraseRequired = errors.New("key file passphrase is required")
)

type Source struct {
	Mnemonic   string
	Seed       string
	KeyFile    string
	Passphrase string
}

func (s Source) configured() int {
	n := 0
	for _, v := range []string{s.Mnemonic, s.Seed, s.KeyFile} {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}

// Load resolves the signing key from src.
func Load(src Source) (ed25519.PrivateKey, error) {
	switch src.configured() {
	case 0:
		return nil, ErrNoKeySource
	case 1:
	default:
		return nil, ErrAmbiguousKeySource
	}
	switch {
	case strings.TrimSpace(src.Mnemonic) != "":
		return FromMnemonic(src.Mnemonic)
	case strings.TrimSpace(src.Seed) != "":
		return FromBase58Seed(src.Seed)
	default:
		return ReadKeyFile(src.KeyFile, src.Passphrase)
	}
}

// FromMnemonic derives the signing key from a BIP-39 mnemonic.
func FromMnemonic(mnemonic string) (ed25519.PrivateKey, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer zeroBytes(seed)
	signingSeed, err := hkdfExpand(seed, hkdfInfoNotificationSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(signingSeed)
	return ed25519.NewKeyFromSeed(signingSeed), nil
}

func FromBase58Seed(raw string) (ed25519.PrivateKey, error) {
	seed, err := base58.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	defer zeroBytes(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSeed, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// GenerateMnemonic returns a fresh 24 word mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// WriteKeyFile stores the seed of key encrypted under passphrase.
func WriteKeyFile(path, passphrase string, key ed25519.PrivateKey) error {
	if strings.TrimSpace(passphrase) == "" {
		return ErrPassphraseRequired
	}
	if len(key) != ed25519.PrivateKeySize {
		return ErrInvalidSeed
	}
	return writeSealedFile(strings.TrimSpace(path), passphrase, key.Seed())
}

func ReadKeyFile(path, passphrase string) (ed25519.PrivateKey, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrPassphraseRequired
	}
	seed, err := readSealedFile(strings.TrimSpace(path), passphrase)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKeyFile
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
