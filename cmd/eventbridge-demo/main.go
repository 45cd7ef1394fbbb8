// Package main is a minimal demonstration binary for the eventbridge
// client: it loads an Options file, connects using the configured
// transport, subscribes a logging handler to every event type named on
// the command line, optionally issues one query, then runs until
// SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nugget/eventbridge"
	"github.com/nugget/eventbridge/envelope"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to eventbridge Options file")
	queryName := flag.String("query", "", "optional query name to issue once connected")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	opts, err := eventbridge.LoadOptions(*configPath)
	if err != nil {
		logger.Error("failed to load options", "path", *configPath, "error", err)
		os.Exit(1)
	}

	client, err := eventbridge.New(opts, logger)
	if err != nil {
		logger.Error("failed to construct client", "error", err)
		os.Exit(1)
	}

	for _, eventType := range flag.Args() {
		eventType := eventType
		err := client.Subscribe(eventType, func(ctx context.Context, evt envelope.WireEvent) error {
			logger.Info("event received", "eventType", eventType, "aggregateId", evt.AggregateID)
			return nil
		})
		if err != nil {
			logger.Error("subscribe failed", "eventType", eventType, "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected", "transport", opts.Transport.Type)

	if *queryName != "" {
		data, err := client.Query(ctx, *queryName, map[string]any{})
		if err != nil {
			logger.Error("query failed", "name", *queryName, "error", err)
		} else {
			fmt.Println(string(data))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if err := client.Close(); err != nil {
		logger.Error("close failed", "error", err)
	}
}
