package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mr-tron/base58/base58"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"zapd/go-daemon/internal/attachment"
	"zapd/go-daemon/internal/chain"
	"zapd/go-daemon/internal/keystore"
	"zapd/go-daemon/internal/signer"
)

const defaultPassphraseEnv = "ZAPD_SIGNING_KEY_PASSPHRASE"

var errNoPassphrase = errors.New("no passphrase: set the passphrase env var or run on a terminal")

var keySourceFlags = []cli.Flag{
	&cli.StringFlag{Name: "mnemonic", Usage: "BIP-39 mnemonic", EnvVars: []string{"ZAPD_SIGNING_MNEMONIC"}},
	&cli.StringFlag{Name: "seed", Usage: "base58 encoded 32-byte seed", EnvVars: []string{"ZAPD_SIGNING_SEED"}},
	&cli.StringFlag{Name: "key-file", Usage: "encrypted key file", EnvVars: []string{"ZAPD_SIGNING_KEY_FILE"}},
	&cli.StringFlag{Name: "passphrase-env", Value: defaultPassphraseEnv, Usage: "env var holding the key file passphrase"},
}

var networkFlag = &cli.StringFlag{
	Name:  "network",
	Value: string(chain.Mainnet),
	Usage: "mainnet | testnet",
}

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "generate a mnemonic and write an encrypted key file",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "key-file", Required: true, Usage: "output path for the encrypted key file"},
		&cli.StringFlag{Name: "passphrase-env", Value: defaultPassphraseEnv, Usage: "env var holding the key file passphrase"},
		&cli.BoolFlag{Name: "force", Usage: "overwrite an existing key file"},
		networkFlag,
	},
	Action: runInit,
}

var pubkeyCommand = &cli.Command{
	Name:   "pubkey",
	Usage:  "print the base58 verification key receivers check signatures with",
	Flags:  keySourceFlags,
	Action: runPubkey,
}

var addressCommand = &cli.Command{
	Name:  "address",
	Usage: "print the chain address of the signing key or of --public-key",
	Flags: append([]cli.Flag{
		networkFlag,
		&cli.StringFlag{Name: "public-key", Usage: "base58 public key to derive from instead of the signing key"},
	}, keySourceFlags...),
	Action: runAddress,
}

var encodeInvoiceCommand = &cli.Command{
	Name:      "encode-invoice",
	Usage:     "print the base58 transfer attachment carrying an invoice id",
	ArgsUsage: "<invoice-id>",
	Action:    runEncodeInvoice,
}

var decodeAttachmentCommand = &cli.Command{
	Name:      "decode-attachment",
	Usage:     "print the invoice id carried by a base58 attachment",
	ArgsUsage: "<base58-attachment>",
	Action:    runDecodeAttachment,
}

var verifyCommand = &cli.Command{
	Name:  "verify",
	Usage: "check a webhook notification signature",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "public-key", Required: true, Usage: "base58 verification key"},
		&cli.StringFlag{Name: "message", Required: true, Usage: "canonical notification message"},
		&cli.StringFlag{Name: "signature", Required: true, Usage: "base58 signature"},
	},
	Action: runVerify,
}

func runInit(c *cli.Context) error {
	network, err := chain.ParseNetwork(c.String("network"))
	if err != nil {
		return err
	}
	path := strings.TrimSpace(c.String("key-file"))
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return fmt.Errorf("%s already exists, pass --force to overwrite", path)
	}
	passphrase, err := readPassphrase(c.String("passphrase-env"), true)
	if err != nil {
		return err
	}

	mnemonic, err := keystore.GenerateMnemonic()
	if err != nil {
		return err
	}
	key, err := keystore.FromMnemonic(mnemonic)
	if err != nil {
		return err
	}
	if err := keystore.WriteKeyFile(path, passphrase, key); err != nil {
		return err
	}
	addr, err := chain.AddressFromPublicKey(network, key.Public().(ed25519.PublicKey))
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "key file:   %s\n", path)
	fmt.Fprintf(w, "public key: %s\n", base58.Encode(key.Public().(ed25519.PublicKey)))
	fmt.Fprintf(w, "address:    %s\n", addr.String())
	fmt.Fprintf(w, "\nWrite down this mnemonic, it is the only backup of the key:\n\n%s\n", mnemonic)
	return nil
}

func runPubkey(c *cli.Context) error {
	key, err := loadKey(c)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, base58.Encode(key.Public().(ed25519.PublicKey)))
	return nil
}

func runAddress(c *cli.Context) error {
	network, err := chain.ParseNetwork(c.String("network"))
	if err != nil {
		return err
	}
	var pub []byte
	if raw := strings.TrimSpace(c.String("public-key")); raw != "" {
		pub, err = base58.Decode(raw)
		if err != nil {
			return fmt.Errorf("decode public key: %w", err)
		}
	} else {
		key, err := loadKey(c)
		if err != nil {
			return err
		}
		pub = key.Public().(ed25519.PublicKey)
	}
	addr, err := chain.AddressFromPublicKey(network, pub)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, addr.String())
	return nil
}

func runEncodeInvoice(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowCommandHelp(c, c.Command.Name)
	}
	raw, err := attachment.Encode(c.Args().First())
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, base58.Encode(raw))
	return nil
}

func runDecodeAttachment(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowCommandHelp(c, c.Command.Name)
	}
	raw, err := base58.Decode(strings.TrimSpace(c.Args().First()))
	if err != nil {
		return fmt.Errorf("decode attachment: %w", err)
	}
	id, ok := attachment.Decode(raw)
	if !ok {
		return errors.New("attachment carries no invoice id")
	}
	fmt.Fprintln(c.App.Writer, id)
	return nil
}

func runVerify(c *cli.Context) error {
	pub, err := base58.Decode(strings.TrimSpace(c.String("public-key")))
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	sig, err := base58.Decode(strings.TrimSpace(c.String("signature")))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if err := signer.Verify(ed25519.PublicKey(pub), []byte(c.String("message")), sig); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "signature ok")
	return nil
}

func loadKey(c *cli.Context) (ed25519.PrivateKey, error) {
	src := keystore.Source{
		Mnemonic: c.String("mnemonic"),
		Seed:     c.String("seed"),
		KeyFile:  c.String("key-file"),
	}
	if strings.TrimSpace(src.KeyFile) != "" {
		passphrase, err := readPassphrase(c.String("passphrase-env"), false)
		if err != nil {
			return nil, err
		}
		src.Passphrase = passphrase
	}
	return keystore.Load(src)
}

// readPassphrase prefers the named env var and falls back to a terminal
// prompt. confirm asks twice.
func readPassphrase(envName string, confirm bool) (string, error) {
	if envName = strings.TrimSpace(envName); envName != "" {
		if v := os.Getenv(envName); v != "" {
			return v, nil
		}
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoPassphrase
	}
	fmt.Fprint(os.Stderr, "Key file passphrase: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if !confirm {
		return string(first), nil
	}
	fmt.Fprint(os.Stderr, "Repeat passphrase: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", errors.New("passphrases do not match")
	}
	return string(first), nil
}
