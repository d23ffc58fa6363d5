// genkey prints fresh secrets for a leasehold deployment: a MASTER_SECRET,
// an INTERNAL_SECRET, and an admin token together with the bcrypt hash that
// goes into ADMIN_TOKEN_HASH.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cost       int
		adminToken string
		envFormat  bool
	)

	flagSet := pflag.NewFlagSet("genkey", pflag.ContinueOnError)
	flagSet.IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost for the admin token hash")
	flagSet.StringVar(&adminToken, "admin-token", "", "hash this admin token instead of generating one")
	flagSet.BoolVar(&envFormat, "env", false, "print as .env lines")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	master, err := randomSecret(32)
	if err != nil {
		return err
	}
	internal, err := randomSecret(32)
	if err != nil {
		return err
	}
	if adminToken == "" {
		adminToken, err = randomSecret(24)
		if err != nil {
			return err
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), cost)
	if err != nil {
		return fmt.Errorf("hash admin token: %w", err)
	}

	if envFormat {
		fmt.Printf("MASTER_SECRET=%s\n", master)
		fmt.Printf("INTERNAL_SECRET=%s\n", internal)
		fmt.Printf("ADMIN_TOKEN_HASH='%s'\n", hash)
		fmt.Printf("# admin token (keep out of the environment): %s\n", adminToken)
		return nil
	}

	fmt.Printf("Master secret:    %s\n", master)
	fmt.Printf("Internal secret:  %s\n", internal)
	fmt.Printf("Admin token:      %s\n", adminToken)
	fmt.Printf("Admin token hash: %s\n", hash)
	return nil
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
