package config

import (
	"flag"
	"fmt"
	"time"
)

// Constants for default values
const (
	DefaultListenAddr   = "0.0.0.0:12345"
	DefaultDatagramAddr = "0.0.0.0:12346"
	DefaultServerAddr   = "localhost:12345"
	DefaultDatagramPeer = "localhost:12346"
	DefaultUploadsDir   = "uploads"
	DefaultPartialDir   = "partial"
	DefaultDownloadsDir = "downloads"

	DefaultBufferSize  = 8192
	DefaultIdleTimeout = 30 * time.Second

	// Datagram reliability parameters. Tunable, not load-bearing: the
	// defaults were picked for LAN-grade loss and latency.
	DefaultWindowSize   = 64
	DefaultAckTimeout   = 500 * time.Millisecond
	DefaultMaxResends   = 5
	DefaultDatagramMTU  = 1400
	DefaultPollInterval = 20 * time.Millisecond

	// Socket buffer sizes applied to the transports
	TCPBufferSize   = 1024 * 1024
	UDPSocketBuffer = 1024 * 1024

	// File system constants
	DirPerms     = 0755
	PartialExt   = ".part"
	MaxReadChunk = 64 * 1024
)

// Config holds all configuration parameters for the application
type Config struct {
	// Server mode settings
	IsServer      bool
	ListenAddress string
	DatagramAddr  string
	UploadsDir    string
	PartialDir    string

	// Client mode settings
	ServerAddress string
	DatagramPeer  string
	DownloadsDir  string
	ClientID      string

	// Stream transport parameters
	BufferSize  int
	IdleTimeout time.Duration

	// Datagram reliability parameters
	WindowSize   int
	AckTimeout   time.Duration
	MaxResends   int
	DatagramMTU  int
	PollInterval time.Duration

	ShowProgress bool
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive")
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack timeout must be positive")
	}
	if c.MaxResends < 0 {
		return fmt.Errorf("max resends cannot be negative")
	}
	if c.DatagramMTU <= 64 {
		return fmt.Errorf("datagram MTU too small")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return nil
}

// ParseFlags parses command line arguments and returns a Config
func ParseFlags() (*Config, error) {
	// Server flags
	isServer := flag.Bool("server", false, "Run in server mode")
	listenAddr := flag.String("listen", DefaultListenAddr, "TCP address to listen on (server mode)")
	datagramAddr := flag.String("listen-udp", DefaultDatagramAddr, "UDP address to listen on (server mode)")
	uploadsDir := flag.String("uploads", DefaultUploadsDir, "Directory for completed uploads (server mode)")
	partialDir := flag.String("partial", DefaultPartialDir, "Directory for in-flight uploads (server mode)")

	// Client flags
	serverAddr := flag.String("connect", DefaultServerAddr, "TCP server address (client mode)")
	datagramPeer := flag.String("connect-udp", DefaultDatagramPeer, "UDP server address (client mode)")
	downloadsDir := flag.String("downloads", DefaultDownloadsDir, "Directory for downloaded files (client mode)")
	clientID := flag.String("id", "", "Client identifier for registration (client mode)")

	// Common flags
	bufferSize := flag.Int("buffer", DefaultBufferSize, "Stream read buffer size in bytes")
	idleTimeout := flag.Duration("idle-timeout", DefaultIdleTimeout, "Stream read inactivity timeout (retried, not fatal)")
	windowSize := flag.Int("window", DefaultWindowSize, "Datagram sliding window size in packets")
	ackTimeout := flag.Duration("ack-timeout", DefaultAckTimeout, "Per-packet acknowledgment timeout")
	maxResends := flag.Int("resends", DefaultMaxResends, "Retransmission ceiling before a transfer fails")
	datagramMTU := flag.Int("mtu", DefaultDatagramMTU, "Datagram size limit including header")
	pollInterval := flag.Duration("poll", DefaultPollInterval, "Dispatcher readiness poll interval")
	showProgress := flag.Bool("progress", true, "Show progress during transfers")

	flag.Parse()

	config := &Config{
		IsServer:      *isServer,
		ListenAddress: *listenAddr,
		DatagramAddr:  *datagramAddr,
		UploadsDir:    *uploadsDir,
		PartialDir:    *partialDir,
		ServerAddress: *serverAddr,
		DatagramPeer:  *datagramPeer,
		DownloadsDir:  *downloadsDir,
		ClientID:      *clientID,
		BufferSize:    *bufferSize,
		IdleTimeout:   *idleTimeout,
		WindowSize:    *windowSize,
		AckTimeout:    *ackTimeout,
		MaxResends:    *maxResends,
		DatagramMTU:   *datagramMTU,
		PollInterval:  *pollInterval,
		ShowProgress:  *showProgress,
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Default returns a configuration populated with default values.
// Used by tests and as the base for programmatic setup.
func Default() *Config {
	return &Config{
		ListenAddress: DefaultListenAddr,
		DatagramAddr:  DefaultDatagramAddr,
		UploadsDir:    DefaultUploadsDir,
		PartialDir:    DefaultPartialDir,
		ServerAddress: DefaultServerAddr,
		DatagramPeer:  DefaultDatagramPeer,
		DownloadsDir:  DefaultDownloadsDir,
		BufferSize:    DefaultBufferSize,
		IdleTimeout:   DefaultIdleTimeout,
		WindowSize:    DefaultWindowSize,
		AckTimeout:    DefaultAckTimeout,
		MaxResends:    DefaultMaxResends,
		DatagramMTU:   DefaultDatagramMTU,
		PollInterval:  DefaultPollInterval,
	}
}

// String returns a string representation of the config for logging
func (c *Config) String() string {
	mode := "Client"
	if c.IsServer {
		mode = "Server"
	}

	return fmt.Sprintf("Config{Mode: %s, Window: %d, AckTimeout: %v, MaxResends: %d, MTU: %d}",
		mode, c.WindowSize, c.AckTimeout, c.MaxResends, c.DatagramMTU)
}
