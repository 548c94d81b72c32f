// wsping connects to a gateway, measures heartbeat round trips and prints
// everything the gateway pushes.
// Usage: go run ./cmd/wsping --url ws://localhost:8080/ws --user alice --count 5
//
// Signed handshakes need --key pointing at the user's RSA private key PEM file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/arena-gateway/internal/auth"
	"github.com/rickgao/arena-gateway/internal/codec"
	"github.com/rickgao/arena-gateway/internal/connection"
	"github.com/rickgao/arena-gateway/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "gateway websocket url")
	user := flag.String("user", "", "user id")
	keyPath := flag.String("key", "", "RSA private key for signed handshakes")
	format := flag.String("format", "binary", "wire format (binary|json)")
	count := flag.Int("count", 5, "number of pings")
	interval := flag.Duration("interval", time.Second, "delay between pings")
	chatTo := flag.String("chat-to", "", "send one chat message to this user")
	chatText := flag.String("chat-text", "hello", "chat message text")
	listen := flag.Duration("listen", 0, "keep printing pushes for this long after pinging")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	c, err := codec.New(codec.Format(*format), protocol.NewDefaultRegistry(), codec.Options{})
	if err != nil {
		logger.Error("invalid wire format", "error", err)
		os.Exit(1)
	}

	clientCfg := connection.DefaultClientConfig()
	clientCfg.URL = *url
	clientCfg.UserID = *user
	clientCfg.Codec = c
	if *keyPath != "" {
		creds, err := auth.LoadCredentials(*user, *keyPath)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
		clientCfg.Signer = creds
	}

	client := connection.NewClient(clientCfg, logger)
	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	go printMessages(ctx, client)

	if *chatTo != "" {
		msg := protocol.NewMessage(protocol.TypeChatSend, 0, 0, &protocol.ChatSend{To: *chatTo, Text: *chatText})
		if err := client.Send(msg); err != nil {
			logger.Error("chat send failed", "error", err)
		}
	}

	var rtts []time.Duration
	for i := 0; i < *count; i++ {
		if i > 0 && !sleep(ctx, *interval) {
			break
		}
		rtt, err := client.Ping(ctx)
		if err != nil {
			logger.Warn("ping failed", "seq", i+1, "error", err)
			continue
		}
		fmt.Printf("ping %d: rtt=%s\n", i+1, rtt)
		rtts = append(rtts, rtt)
	}
	printSummary(*count, rtts)

	if *listen > 0 {
		sleep(ctx, *listen)
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func printMessages(ctx context.Context, client connection.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-client.Errors():
			fmt.Printf("connection error: %v\n", err)
			return
		case msg := <-client.Messages():
			payload, _ := json.Marshal(msg.Payload)
			fmt.Printf("[%s] id=%d %s\n", msg.Header.Type, msg.Header.ID, payload)
		}
	}
}

func printSummary(sent int, rtts []time.Duration) {
	fmt.Printf("\n--- %d pings, %d answered ---\n", sent, len(rtts))
	if len(rtts) == 0 {
		return
	}
	lo, hi, sum := rtts[0], rtts[0], time.Duration(0)
	for _, r := range rtts {
		lo = min(lo, r)
		hi = max(hi, r)
		sum += r
	}
	fmt.Printf("rtt min/avg/max = %s/%s/%s\n", lo, sum/time.Duration(len(rtts)), hi)
}
