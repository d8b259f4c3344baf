/*
Fileferry transfers files between a client and a server over two
transports: a TCP line protocol and a UDP datagram protocol with an
application-level reliability layer (sliding windows, acknowledgment,
retransmission, in-order reassembly).

The program operates in two modes:

1. Server Mode: accepts client sessions on both transports and serves
uploads and downloads with partial resume

2. Client Mode: interactive console that registers with the server and
relays commands over the selected transport
*/
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fileferry/internal/client"
	"fileferry/internal/config"
	"fileferry/internal/logging"
	"fileferry/internal/server"
)

func main() {
	// Setup structured logging first
	if err := logging.SetupLogger(); err != nil {
		slog.Error("Failed to setup logging", "error", err)
		os.Exit(1)
	}

	// Parse command line arguments
	cfg, err := config.ParseFlags()
	if err != nil {
		slog.Error("Configuration error", "error", err)
		os.Exit(1)
	}

	logging.LogConfig(cfg)

	// Set up signal handling for graceful shutdown
	setupSignalHandling()

	// Run in appropriate mode
	if cfg.IsServer {
		if err := server.Run(cfg); err != nil {
			logging.LogError(err, "server")
			os.Exit(1)
		}
	} else {
		if err := client.Run(cfg); err != nil {
			logging.LogError(err, "client")
			os.Exit(1)
		}
	}
}

// setupSignalHandling sets up handlers for OS signals to ensure clean shutdown
func setupSignalHandling() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		slog.Info("Received shutdown signal", "signal", sig)

		// Allow some time for cleanup
		time.Sleep(500 * time.Millisecond)

		slog.Info("Application shutting down gracefully")
		os.Exit(0)
	}()
}
