// Command chatclient is a line-oriented terminal client. It keeps its
// connection alive with the reconnect controller and joins again after
// every reconnect.
//
// Usage:
//
//	chatclient -name alice [-avatar 🦊] [-url ws://localhost:8080/ws]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/parley/chat-app/internal/client"
	"github.com/parley/chat-app/internal/config"
	"github.com/parley/chat-app/internal/logging"
	"github.com/parley/chat-app/internal/reconnect"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	url := flag.String("url", cfg.Client.URL, "chat server WebSocket URL")
	name := flag.String("name", "", "username")
	avatar := flag.String("avatar", "", "avatar shown next to your name")
	verbose := flag.Bool("v", false, "log connection details to stderr")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "chatclient: -name is required")
		flag.Usage()
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.Must(level, false)
	defer logger.Sync()

	term := newTerminal(os.Stdout, *name, *avatar)
	ctrl := reconnect.New(func(ctx context.Context) (reconnect.Conn, error) {
		c, err := client.Dial(ctx, *url, term.handle, client.WithReadTimeout(cfg.Client.ReadTimeout))
		if err != nil {
			return nil, err
		}
		return c, nil
	}, reconnect.Options{
		Logger:        logger,
		OnConnected:   term.connected,
		OnStateChange: term.stateChanged,
	})
	defer ctrl.Close()

	logger.Debug("connecting", zap.String("url", *url))
	ctrl.Start()
	term.printf("type /help for commands")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		quit, err := term.command(scanner.Text(), ctrl)
		if err != nil {
			term.printf("! %v", err)
		}
		if quit {
			return
		}
	}
}
