// chatrelay CLI - Command line client for chatrelay
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/chatrelay/clients/go/chatrelay"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := chatrelay.NewClient(os.Getenv("CHATRELAY_URL"), os.Getenv("CHATRELAY_TOKEN"))
	client.SenderID = os.Getenv("CHATRELAY_SENDER")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: chatrelay send <room> <message> [idempotency_key]")
			os.Exit(1)
		}
		key := uuid.NewString()
		if len(os.Args) > 4 {
			key = os.Args[4]
		}
		resp, err := client.Send(ctx, os.Args[2], chatrelay.SendRequest{
			Content:        os.Args[3],
			IdempotencyKey: key,
		})
		exitOnError(err)
		if resp.Deduplicated {
			fmt.Printf("Already accepted: %s\n", key)
		} else {
			fmt.Printf("Accepted: %s (key %s)\n", resp.EventID, key)
		}

	case "read":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chatrelay read <room>")
			os.Exit(1)
		}
		resp, err := client.Messages(ctx, os.Args[2], chatrelay.MessagesOptions{Limit: 50})
		exitOnError(err)
		for _, msg := range resp.Messages {
			printLine(msg.CreatedAt, msg.SenderID, msg.Content)
		}

	case "watch":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chatrelay watch <room>")
			os.Exit(1)
		}
		events, err := client.Watch(ctx, os.Args[2])
		exitOnError(err)
		for ev := range events {
			printLine(ev.CreatedAt, ev.SenderID, ev.Content)
		}

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`chatrelay CLI

Usage: chatrelay <command> [options]

Commands:
  send <room> <message> [key]   Send a message (reuse key when retrying)
  read <room>                   Read persisted room history
  watch <room>                  Stream live room events
  health                        Check server health

Environment:
  CHATRELAY_URL      Server URL (default: http://localhost:8080)
  CHATRELAY_TOKEN    Bearer token (see cmd/devtoken)
  CHATRELAY_SENDER   sender_id used when the server has no JWT_SECRET`)
}

func printLine(ts time.Time, from, body string) {
	if len(from) > 12 {
		from = from[:12]
	}
	fmt.Printf("[%s] %s: %s\n", ts.Local().Format("2006-01-02 15:04:05"), from, body)
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
