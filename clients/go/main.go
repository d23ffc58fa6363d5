// leasehold CLI - command line client for the leasehold API
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/eldtechnologies/leasehold/clients/go/leasehold"
)

func main() {
	baseURL := os.Getenv("LEASEHOLD_URL")
	if baseURL == "" {
		baseURL = leasehold.DefaultURL
	}

	var (
		apiKey     string
		limit      int
		lastSeq    int64
		backoff    time.Duration
		maxBackoff time.Duration
	)
	pflag.StringVar(&baseURL, "url", baseURL, "server URL (default $LEASEHOLD_URL)")
	pflag.StringVar(&apiKey, "key", os.Getenv("LEASEHOLD_API_KEY"), "platform key or access token (default $LEASEHOLD_API_KEY)")
	pflag.IntVar(&limit, "limit", 20, "number of transactions to list")
	pflag.Int64Var(&lastSeq, "last-seq", 0, "resume watching after this sequence number")
	pflag.DurationVar(&backoff, "backoff", leasehold.DefaultBackoff, "wait before reconnecting")
	pflag.DurationVar(&maxBackoff, "max-backoff", 0, "double the reconnect wait up to this value")
	pflag.Usage = usage
	pflag.Parse()

	args := pflag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := leasehold.NewClient(baseURL, apiKey)
	cmd := args[0]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "balance":
		resp, err := client.Balance(ctx)
		exitOnError(err)
		fmt.Printf("%d credits\n", resp.BalanceCredits)

	case "transactions":
		txns, err := client.Transactions(ctx, limit)
		exitOnError(err)
		for _, txn := range txns {
			desc := ""
			if txn.Description != nil {
				desc = *txn.Description
			}
			fmt.Printf("[%s] %-8s %+6d  %s\n", txn.CreatedAt.Local().Format("2006-01-02 15:04:05"), txn.Type, txn.AmountCredits, desc)
		}

	case "sessions":
		ids, err := client.ListSessions(ctx)
		exitOnError(err)
		for _, id := range ids {
			fmt.Println(id)
		}

	case "create":
		sess, err := client.CreateSession(ctx, nil)
		exitOnError(err)
		fmt.Printf("Created: %s\n", sess.ID)

	case "get":
		requireArg(args, "get <session_id>")
		sess, err := client.GetSession(ctx, args[1])
		exitOnError(err)
		printJSON(sess.Raw)

	case "start":
		requireArg(args, "start <session_id>")
		resp, err := client.StartSession(ctx, args[1], nil)
		exitOnError(err)
		printJSON(resp)

	case "delete":
		requireArg(args, "delete <session_id>")
		exitOnError(client.DeleteSession(ctx, args[1]))
		fmt.Printf("Deleted: %s\n", args[1])

	case "watch":
		requireArg(args, "watch <session_id>")
		stream, err := client.Stream(args[1], leasehold.StreamConfig{
			LastSeq:    lastSeq,
			Backoff:    backoff,
			MaxBackoff: maxBackoff,
			OnDisconnect: func(err error) {
				fmt.Fprintf(os.Stderr, "disconnected: %v\n", err)
			},
		})
		exitOnError(err)
		err = stream.Run(ctx, func(evt leasehold.Event) {
			ts := time.UnixMilli(evt.Timestamp).Format("15:04:05.000")
			fmt.Printf("[%s] #%d %s %s\n", ts, evt.Seq, evt.Type, evt.Data)
		})
		if err != nil && ctx.Err() == nil {
			exitOnError(err)
		}
		fmt.Fprintf(os.Stderr, "stopped after seq %d\n", stream.LastSeq())

	case "keys":
		keys, err := client.ListKeys(ctx)
		exitOnError(err)
		for _, k := range keys {
			status := "active"
			if k.RevokedAt != nil {
				status = "revoked"
			}
			fmt.Printf("  %s  %s  lh_…%s  %s\n", k.ID, k.Name, k.Hint, status)
		}

	case "key-create":
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		key, err := client.CreateKey(ctx, name)
		exitOnError(err)
		fmt.Printf("Key %s (%s):\n%s\n\nStore it now; it is not shown again.\n", key.ID, key.Name, key.Key)

	case "key-delete":
		requireArg(args, "key-delete <key_id>")
		exitOnError(client.DeleteKey(ctx, args[1]))
		fmt.Printf("Deleted: %s\n", args[1])

	case "help":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`leasehold CLI - sandbox sessions, credits and keys

Usage: leasehold [flags] <command> [args]

Commands:
  health                  Check server health
  balance                 Show credit balance
  transactions            List recent transactions (--limit)
  sessions                List your sessions
  create                  Create a session
  get <session_id>        Show a session
  start <session_id>      Start a session
  delete <session_id>     Delete a session
  watch <session_id>      Stream session events (--last-seq, --backoff, --max-backoff)
  keys                    List platform keys
  key-create [name]       Issue a platform key
  key-delete <key_id>     Delete a platform key

Flags:`)
	pflag.PrintDefaults()
	fmt.Println(`
Environment:
  LEASEHOLD_URL       Server URL (default: http://localhost:8080)
  LEASEHOLD_API_KEY   Platform key or access token`)
}

func requireArg(args []string, form string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: leasehold "+form)
		os.Exit(1)
	}
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
