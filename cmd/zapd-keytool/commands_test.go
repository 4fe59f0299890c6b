package main

import (
	"bytes"
	"crypto/ed25519"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mr-tron/base58/base58"

	"zapd/go-daemon/internal/chain"
	"zapd/go-daemon/internal/feed"
	"zapd/go-daemon/internal/keystore"
	"zapd/go-daemon/internal/signer"
)

const passphraseEnv = "ZAPD_KEYTOOL_TEST_PASSPHRASE"

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"zapd-keytool"}, args...))
	return out.String(), err
}

func testSeed() string {
	return base58.Encode(bytes.Repeat([]byte{0x44}, ed25519.SeedSize))
}

func TestPubkeyFromSeed(t *testing.T) {
	out, err := runApp(t, "pubkey", "--seed", testSeed())
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	key, _ := keystore.FromBase58Seed(testSeed())
	want := base58.Encode(key.Public().(ed25519.PublicKey))
	if strings.TrimSpace(out) != want {
		t.Fatalf("pubkey = %q, want %q", out, want)
	}
}

func TestAddressFromPublicKeyFlag(t *testing.T) {
	pub := bytes.Repeat([]byte{0x09}, 32)
	out, err := runApp(t, "address", "--network", "testnet", "--public-key", base58.Encode(pub))
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	want, err := chain.AddressFromPublicKey(chain.Testnet, pub)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if strings.TrimSpace(out) != want.String() {
		t.Fatalf("address = %q, want %q", out, want.String())
	}
}

func TestInitWritesLoadableKeyFile(t *testing.T) {
	t.Setenv(passphraseEnv, "correct horse")
	path := filepath.Join(t.TempDir(), "signing.key")

	out, err := runApp(t, "init", "--key-file", path, "--passphrase-env", passphraseEnv)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "public key:") || !strings.Contains(out, "address:") {
		t.Fatalf("unexpected init output:\n%s", out)
	}

	pubOut, err := runApp(t, "pubkey", "--key-file", path, "--passphrase-env", passphraseEnv)
	if err != nil {
		t.Fatalf("pubkey from key file: %v", err)
	}
	if !strings.Contains(out, strings.TrimSpace(pubOut)) {
		t.Fatalf("key file public key %q not reported by init:\n%s", pubOut, out)
	}

	if _, err := runApp(t, "init", "--key-file", path, "--passphrase-env", passphraseEnv); err == nil {
		t.Fatal("expected init to refuse overwriting an existing key file")
	}
}

func TestKeyFileWithoutPassphraseFails(t *testing.T) {
	t.Setenv(passphraseEnv, "")
	path := filepath.Join(t.TempDir(), "signing.key")
	key, _ := keystore.FromBase58Seed(testSeed())
	if err := keystore.WriteKeyFile(path, "pw", key); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	if _, err := runApp(t, "pubkey", "--key-file", path, "--passphrase-env", passphraseEnv); err == nil {
		t.Fatal("expected an error without passphrase")
	}
}

func TestEncodeDecodeInvoiceRoundTrip(t *testing.T) {
	encoded, err := runApp(t, "encode-invoice", "INV-2024-001")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := runApp(t, "decode-attachment", strings.TrimSpace(encoded))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.TrimSpace(decoded) != "INV-2024-001" {
		t.Fatalf("decoded = %q", decoded)
	}
	if _, err := runApp(t, "decode-attachment", base58.Encode([]byte("hello"))); err == nil {
		t.Fatal("expected plain text attachment to be rejected")
	}
}

func TestVerifySignedNotification(t *testing.T) {
	key, _ := keystore.FromBase58Seed(testSeed())
	merchant, err := chain.AddressFromPublicKey(chain.Mainnet, bytes.Repeat([]byte{0x01}, 32))
	if err != nil {
		t.Fatalf("merchant: %v", err)
	}
	s, err := signer.New(chain.Mainnet, merchant, key)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	signed, err := s.Sign(feed.TransferEvent{
		TxID:            "tx-verify",
		SenderPublicKey: bytes.Repeat([]byte{0x02}, 32),
		Timestamp:       1700000000000,
		Amount:          1,
		Recipient:       merchant.Bytes(),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	args := []string{"verify",
		"--public-key", s.PublicKeyBase58(),
		"--message", string(signed.Message),
		"--signature", base58.Encode(signed.Signature),
	}
	out, err := runApp(t, args...)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if strings.TrimSpace(out) != "signature ok" {
		t.Fatalf("verify output = %q", out)
	}

	args[4] = strings.Replace(string(signed.Message), "tx-verify", "tx-forged", 1)
	if _, err := runApp(t, args...); err == nil {
		t.Fatal("expected tampered message to fail verification")
	}
}
