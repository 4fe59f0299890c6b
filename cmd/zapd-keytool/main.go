// Command zapd-keytool manages the key that signs payment notifications and
// prepares invoice attachments for payers.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[zapd-keytool] %v\n", err)
	os.Exit(1)
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "zapd-keytool",
		Usage:   "manage the zapd notification signing key",
		Version: version,
		Commands: []*cli.Command{
			initCommand,
			pubkeyCommand,
			addressCommand,
			encodeInvoiceCommand,
			decodeAttachmentCommand,
			verifyCommand,
		},
	}
}
