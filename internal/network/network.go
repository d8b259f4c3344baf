// Package network applies socket-level tuning to the transport
// connections. The reliability layer owns pacing and retransmission;
// this package only configures the sockets underneath it.
package network

import (
	"log/slog"
	"net"
	"time"

	"fileferry/internal/config"
	"fileferry/internal/errors"
)

// OptimizeTCP applies keep-alive and buffer tuning to a stream
// connection. Non-TCP connections are left alone.
func OptimizeTCP(conn net.Conn) error {
	tcpConn, isTCP := conn.(*net.TCPConn)
	if !isTCP {
		return nil
	}

	// Keep-alive detects dead peers that never send CLOSE.
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return errors.NewNetworkError("set_keepalive", conn.RemoteAddr().String(), err)
	}

	if err := tcpConn.SetKeepAlivePeriod(30 * time.Second); err != nil {
		slog.Warn("Failed to set TCP keepalive period", "error", err)
	}

	// Command lines and transfer chunks should go out immediately.
	if err := tcpConn.SetNoDelay(true); err != nil {
		slog.Warn("Failed to disable Nagle's algorithm", "error", err)
	}

	if err := tcpConn.SetReadBuffer(config.TCPBufferSize); err != nil {
		slog.Warn("Failed to set TCP read buffer", "error", err)
	}

	if err := tcpConn.SetWriteBuffer(config.TCPBufferSize); err != nil {
		slog.Warn("Failed to set TCP write buffer", "error", err)
	}

	return nil
}

// TuneUDP enlarges the datagram socket buffers so bursts within the
// sliding window are not dropped by the kernel before the dispatcher
// reads them.
func TuneUDP(conn *net.UDPConn) {
	if err := conn.SetReadBuffer(config.UDPSocketBuffer); err != nil {
		slog.Warn("Failed to set UDP read buffer", "error", err)
	}
	if err := conn.SetWriteBuffer(config.UDPSocketBuffer); err != nil {
		slog.Warn("Failed to set UDP write buffer", "error", err)
	}
}
