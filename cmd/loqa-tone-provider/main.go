package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/loqalabs/loqa-speech/internal/tone"
)

var version = "0.1.0-dev"

func main() {
	var (
		address     string
		name        string
		showVersion bool
	)

	flag.StringVar(&address, "address", os.Getenv("LOQA_DBUS_ADDRESS"), "Bus address (defaults to the session bus)")
	flag.StringVar(&name, "name", tone.BusName, "Well-known name to own")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		conn *dbus.Conn
		err  error
	)
	if address == "" {
		conn, err = dbus.ConnectSessionBus(dbus.WithContext(ctx))
	} else {
		conn, err = dbus.Connect(address, dbus.WithContext(ctx))
	}
	if err != nil {
		logger.Error("failed to connect to bus", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	srv, err := tone.Serve(conn, name, logger)
	if err != nil {
		logger.Error("failed to serve provider", slog.String("error", err.Error()))
		os.Exit(1)
	}

	<-ctx.Done()
	if err := srv.Close(); err != nil {
		logger.Warn("release name failed", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
}
