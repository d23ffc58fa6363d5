// sign prints the X-Signature header for a payment webhook body, for
// exercising /webhooks/payments by hand.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/eldtechnologies/leasehold/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		secret   string
		bodyFile string
		at       int64
	)

	flagSet := pflag.NewFlagSet("sign", pflag.ContinueOnError)
	flagSet.StringVar(&secret, "secret", os.Getenv("WEBHOOK_SECRET"), "webhook secret (default $WEBHOOK_SECRET)")
	flagSet.StringVar(&bodyFile, "body", "", "file containing the request body (default stdin)")
	flagSet.Int64Var(&at, "timestamp", 0, "unix timestamp to sign at (default now)")
	flagSet.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: sign [--secret <secret>] [--body <file>] [--timestamp <unix>]")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if secret == "" {
		flagSet.Usage()
		return fmt.Errorf("a webhook secret is required")
	}

	var (
		body []byte
		err  error
	)
	if bodyFile != "" {
		body, err = os.ReadFile(bodyFile)
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	when := time.Now()
	if at != 0 {
		when = time.Unix(at, 0)
	}

	fmt.Printf("%s: %s\n", webhook.HeaderSignature, webhook.Sign([]byte(secret), body, when))
	return nil
}
