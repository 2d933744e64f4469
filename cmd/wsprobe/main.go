// wsprobe connects to a relay as a client, sends one action and prints every
// frame it receives until interrupted.
// Usage: go run ./cmd/wsprobe --url ws://127.0.0.1:8080/ws --action get_status
//
// The access token may also be supplied through RELAY_ACCESS_TOKEN.
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

	"github.com/google/uuid"

	"github.com/rickgao/onebot-relay/internal/connection"
	"github.com/rickgao/onebot-relay/internal/model"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/ws", "relay WebSocket URL")
	token := flag.String("token", os.Getenv("RELAY_ACCESS_TOKEN"), "access token")
	action := flag.String("action", "get_status", "action to send, empty sends nothing")
	params := flag.String("params", "{}", "action params as a JSON object")
	duration := flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	verbose := flag.Bool("verbose", false, "print full frame JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *duration)
		defer stop()
	}

	cfg := connection.DefaultClientConfig()
	cfg.URL = *url
	cfg.AccessToken = *token

	client := connection.NewClient(cfg, logger)
	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "url", *url, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	logger.Info("connected", "url", *url)

	if *action != "" {
		frame, err := buildRequest(*action, *params)
		if err != nil {
			logger.Error("invalid request", "error", err)
			os.Exit(1)
		}
		if err := client.Send(frame); err != nil {
			logger.Error("failed to send request", "error", err)
			os.Exit(1)
		}
		logger.Info("request sent", "action", *action)
	}

	var responses, events int
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			logger.Info("done",
				"responses", responses,
				"events", events,
				"dropped", client.Dropped(),
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return

		case err := <-client.Errors():
			logger.Error("connection lost", "error", err)
			os.Exit(1)

		case msg := <-client.Messages():
			if ev, err := model.ParseEvent(msg.Data); err == nil {
				events++
				printEvent(ev, msg.Data, *verbose)
				continue
			}
			responses++
			printResponse(msg.Data, *verbose)
		}
	}
}

func buildRequest(action, params string) ([]byte, error) {
	var p map[string]any
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return json.Marshal(map[string]any{
		"action": action,
		"params": p,
		"echo":   uuid.NewString(),
	})
}

func printEvent(ev model.Event, raw []byte, verbose bool) {
	if verbose {
		fmt.Printf("[EVENT] %s\n", raw)
		return
	}
	var detail string
	ev.Field(ev.PostType+"_type", &detail)
	fmt.Printf("[EVENT] post_type=%s detail=%s self_id=%d time=%d\n",
		ev.PostType, detail, ev.SelfID, ev.Time)
}

func printResponse(raw []byte, verbose bool) {
	var resp model.Response
	if verbose || json.Unmarshal(raw, &resp) != nil {
		fmt.Printf("[FRAME] %s\n", raw)
		return
	}
	fmt.Printf("[RESPONSE] status=%s retcode=%d echo=%s\n", resp.Status, resp.Retcode, resp.Echo)
}
