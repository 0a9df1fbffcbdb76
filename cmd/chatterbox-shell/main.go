// Command chatterbox-shell opens an interactive register console on one
// chatterbox.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatterbox-go-home/internal/chatterbox"
	"chatterbox-go-home/internal/console"
)

var (
	host     = flag.String("host", "", "Device address (host or host:port)")
	name     = flag.String("name", "chatterbox", "Name shown in the prompt")
	timeout  = flag.Duration("timeout", 10*time.Second, "Per-request timeout")
	logLevel = flag.String("log-level", "warn", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()
	if *host == "" {
		fmt.Fprintln(os.Stderr, "usage: chatterbox-shell -host <address>")
		os.Exit(2)
	}

	sh, err := console.New(*name, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create shell: %v\n", err)
		os.Exit(1)
	}

	// Log through readline so messages do not garble the prompt.
	logger := slog.New(slog.NewTextHandler(sh.Stdout(), &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	dev := chatterbox.NewDevice(*name, chatterbox.NewHTTPTransport(*host, *timeout), chatterbox.Options{Logger: logger})
	sh.Attach(dev)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	initCtx, initCancel := context.WithTimeout(ctx, *timeout)
	if err := dev.Update(initCtx); err != nil {
		fmt.Fprintf(sh.Stdout(), "Initial refresh failed: %v\n", err)
	}
	initCancel()

	sh.Run(ctx)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
