package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fileferry/internal/config"
	"fileferry/internal/errors"
)

// SetupLogger initializes structured logging with file and console output
func SetupLogger() error {
	if err := os.MkdirAll("logs", config.DirPerms); err != nil {
		return errors.NewFileSystemError("mkdir", "logs", err)
	}

	// Create log file with timestamp
	logFileName := filepath.Join("logs",
		"fileferry_"+time.Now().Format("20060102_150405")+".log")

	logFile, err := os.Create(logFileName)
	if err != nil {
		// Continue with console logging only
		slog.Warn("Failed to create log file, using console only", "error", err)
		return nil
	}

	// Create multi-writer to log to both console and file
	multiWriter := io.MultiWriter(os.Stdout, logFile)

	opts := &slog.HandlerOptions{
		Level:     slog.LevelInfo,
		AddSource: false,
	}

	handler := slog.NewTextHandler(multiWriter, opts)
	slog.SetDefault(slog.New(handler))

	slog.Info("Logging initialized", "session_id", time.Now().Format("20060102_150405"))
	return nil
}

// LogConfig logs the current configuration
func LogConfig(cfg *config.Config) {
	mode := "Client"
	if cfg.IsServer {
		mode = "Server"
	}

	slog.Info("Configuration loaded",
		"mode", mode,
		"window_size", cfg.WindowSize,
		"ack_timeout", cfg.AckTimeout,
		"max_resends", cfg.MaxResends,
		"datagram_mtu", cfg.DatagramMTU,
		"buffer_size", cfg.BufferSize)

	if cfg.IsServer {
		slog.Info("Server configuration",
			"listen_address", cfg.ListenAddress,
			"datagram_address", cfg.DatagramAddr,
			"uploads_dir", cfg.UploadsDir,
			"partial_dir", cfg.PartialDir,
			"idle_timeout_seconds", int(cfg.IdleTimeout.Seconds()))
	} else {
		slog.Info("Client configuration",
			"server_address", cfg.ServerAddress,
			"datagram_peer", cfg.DatagramPeer,
			"downloads_dir", cfg.DownloadsDir)
	}
}

// LogError logs an error with appropriate context
func LogError(err error, context string) {
	switch e := err.(type) {
	case *errors.NetworkError:
		slog.Error("Network error",
			"context", context,
			"operation", e.Op,
			"address", e.Addr,
			"error_type", "network")
	case *errors.FileSystemError:
		slog.Error("File system error",
			"context", context,
			"operation", e.Op,
			"path", e.Path,
			"error_type", "filesystem")
	case *errors.ProtocolError:
		slog.Error("Protocol error",
			"context", context,
			"operation", e.Op,
			"message", e.Message,
			"error_type", "protocol")
	case *errors.SessionError:
		slog.Error("Session error",
			"context", context,
			"operation", e.Op,
			"reason", e.Reason,
			"error_type", "session")
	case *errors.TransferError:
		slog.Error("Transfer error",
			"context", context,
			"operation", e.Op,
			"file", e.Name,
			"error_type", "transfer")
	case *errors.ValidationError:
		slog.Error("Validation error",
			"context", context,
			"field", e.Field,
			"message", e.Message,
			"error_type", "validation")
	default:
		slog.Error("Unhandled error",
			"context", context,
			"error", err,
			"error_type", "unknown")
	}
}

// LogTransferStart logs the start of a file transfer
func LogTransferStart(mode, filename string, size int64) {
	slog.Info("Transfer started",
		"mode", mode,
		"file", filename,
		"size_bytes", size,
		"start", time.Now().Format("15:04:05"))
}

// LogTransferComplete logs successful transfer completion
func LogTransferComplete(filename string, size int64, duration time.Duration) {
	rate := float64(size) / (1024 * 1024) / duration.Seconds()
	slog.Info("Transfer completed successfully",
		"file", filename,
		"total_size_mb", float64(size)/(1024*1024),
		"duration_seconds", duration.Seconds(),
		"average_rate_mbps", rate)
}
