// Package server implements the multiplexing file server: an accept
// loop spawning one goroutine per stream connection, and a single
// dispatcher goroutine owning all datagram state. Each session's
// state is only ever touched by the goroutine servicing it; the
// client-ID registry is the sole shared structure.
package server

import (
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"fileferry/internal/config"
	"fileferry/internal/errors"
	"fileferry/internal/logging"
	"fileferry/internal/network"
	"fileferry/internal/session"
	"fileferry/internal/store"
	"fileferry/internal/transfer"
)

// Server multiplexes stream and datagram sessions over one file store.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	registry *session.Registry
}

// New creates a server for the given configuration.
func New(cfg *config.Config) *Server {
	return &Server{
		cfg:      cfg,
		store:    store.New(cfg.UploadsDir, cfg.PartialDir),
		registry: session.NewRegistry(),
	}
}

// Run starts the server with the given configuration and blocks until
// a listener fails.
func Run(cfg *config.Config) error {
	srv := New(cfg)
	if err := srv.store.EnsureDirs(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return errors.NewNetworkError("listen", cfg.ListenAddress, err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.DatagramAddr)
	if err != nil {
		listener.Close()
		return errors.NewNetworkError("resolve", cfg.DatagramAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		listener.Close()
		return errors.NewNetworkError("listen_udp", cfg.DatagramAddr, err)
	}

	slog.Info("Starting server",
		"stream_address", cfg.ListenAddress,
		"datagram_address", cfg.DatagramAddr)

	return srv.Serve(listener, udpConn)
}

// Serve accepts stream connections and dispatches datagram traffic on
// the given endpoints until one of them closes.
func (s *Server) Serve(listener net.Listener, udpConn *net.UDPConn) error {
	defer listener.Close()
	defer udpConn.Close()

	network.TuneUDP(udpConn)
	go s.serveDatagrams(udpConn)

	slog.Info("Server ready to accept connections")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if goerrors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Failed to accept connection", "error", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// streamSession wraps the session record with the bits of state that
// only exist for the stream transport: the connection itself and a
// DOWNLOAD command waiting for the peer's resume-offset line.
type streamSession struct {
	sess *session.Session
	conn net.Conn

	// pendingDownload holds the requested filename between the
	// FILESIZE reply and the peer's offset line.
	pendingDownload string

	uploadStart time.Time
}

// handleConn services one stream connection for its whole lifetime.
// An idle read deadline only retries the wait; EOF or an I/O error
// tears the session down.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	slog.Info("New connection", "remote_addr", remote)

	if err := network.OptimizeTCP(conn); err != nil {
		slog.Warn("Failed to optimize TCP connection", "error", err)
	}

	ss := &streamSession{sess: session.New(remote), conn: conn}
	defer s.registry.Release(ss.sess)

	buf := make([]byte, s.cfg.BufferSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			slog.Error("Failed to set read deadline", "remote_addr", remote, "error", err)
			return
		}

		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if err == io.EOF {
				slog.Info("Connection closed by client", "remote_addr", remote)
			} else {
				logging.LogError(errors.NewNetworkError("read", remote, err), "stream session")
			}
			return
		}
		if n == 0 {
			return
		}

		ss.sess.Lines.Feed(buf[:n])
		if closeConn := s.process(ss); closeConn {
			return
		}
	}
}

// process consumes everything buffered on the session: raw upload
// bytes first (binary passthrough), then complete command lines, in
// arrival order. Returns true when the connection should close.
func (s *Server) process(ss *streamSession) bool {
	for {
		if up := ss.sess.Upload(); up != nil {
			finished, closeConn := s.feedUpload(ss, up)
			if closeConn {
				return true
			}
			if !finished {
				return false
			}
			continue
		}

		line, ok := ss.sess.Lines.Next()
		if !ok {
			return false
		}

		if ss.pendingDownload != "" {
			if closeConn := s.streamDownload(ss, line); closeConn {
				return true
			}
			continue
		}

		if closeConn := s.handleCommand(ss, line); closeConn {
			return true
		}
	}
}

// feedUpload moves buffered bytes into the active upload. Bytes past
// the declared size stay buffered as the next command line. Reports
// finished=false while more body bytes are needed; closeConn=true on a
// write failure, because the remaining body bytes in flight cannot be
// distinguished from commands.
func (s *Server) feedUpload(ss *streamSession, up *transfer.Upload) (finished, closeConn bool) {
	for up.Remaining() > 0 {
		raw := ss.sess.Lines.DrainRaw()
		if len(raw) == 0 {
			return false, false
		}

		chunk := raw
		if rem := up.Remaining(); int64(len(chunk)) > rem {
			chunk = raw[:rem]
			ss.sess.Lines.Feed(raw[rem:])
		}

		if _, err := up.Write(chunk); err != nil {
			logging.LogError(err, "stream upload")
			ss.sess.EndTransfer()
			s.writeLine(ss.conn, "ERROR: upload failed")
			return true, true
		}
	}

	if up.State() != transfer.StateCompleted {
		// Zero-byte upload finalizes without any body.
		if _, err := up.Write(nil); err != nil {
			logging.LogError(err, "stream upload")
			ss.sess.EndTransfer()
			s.writeLine(ss.conn, "ERROR: upload failed")
			return true, true
		}
	}

	logging.LogTransferComplete(up.FinalName(), up.Size, time.Since(ss.uploadStart))
	ss.sess.EndTransfer()
	s.writeLine(ss.conn, up.Name+" successfully uploaded")
	return true, false
}

// handleCommand executes one command line. Returns true when the
// connection should close afterwards.
func (s *Server) handleCommand(ss *streamSession, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch strings.ToUpper(fields[0]) {
	case "CLIENT":
		return s.handleRegister(ss, fields)

	case "TIME":
		s.writeLine(ss.conn, time.Now().Format(time.RFC1123))

	case "ECHO":
		text := ""
		if idx := strings.IndexByte(line, ' '); idx >= 0 {
			text = line[idx+1:]
		}
		s.writeLine(ss.conn, text)

	case "UPLOAD":
		s.handleUploadCommand(ss, fields)

	case "DOWNLOAD":
		s.handleDownloadCommand(ss, fields)

	case "CLOSE":
		s.writeLine(ss.conn, "OK")
		return true

	default:
		slog.Warn("Unknown command", "remote_addr", ss.sess.Remote, "command", fields[0])
		s.writeLine(ss.conn, "ERROR: unknown command")
	}
	return false
}

func (s *Server) handleRegister(ss *streamSession, fields []string) bool {
	if len(fields) != 2 {
		s.writeLine(ss.conn, "ERROR: usage: CLIENT <id>")
		return false
	}

	if err := s.registry.Claim(ss.sess, fields[1]); err != nil {
		if goerrors.Is(err, session.ErrDuplicateID) {
			slog.Warn("Duplicate client ID rejected",
				"remote_addr", ss.sess.Remote, "client_id", fields[1])
			s.writeLine(ss.conn, "ERROR: ID already taken")
			// Handshake failure closes the connection.
			return true
		}
		s.writeLine(ss.conn, "ERROR: invalid client ID")
		return false
	}

	slog.Info("Client registered", "remote_addr", ss.sess.Remote, "client_id", fields[1])
	s.writeLine(ss.conn, "OK")
	return false
}

func (s *Server) handleUploadCommand(ss *streamSession, fields []string) {
	if ss.sess.ID() == "" {
		s.writeLine(ss.conn, "ERROR: not registered")
		return
	}
	if len(fields) != 3 {
		s.writeLine(ss.conn, "ERROR: usage: UPLOAD <name> <size>")
		return
	}

	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || size < 0 {
		s.writeLine(ss.conn, "ERROR: invalid size")
		return
	}

	up, err := transfer.NewUpload(s.store, fields[1], size)
	if err != nil {
		logging.LogError(err, "stream upload setup")
		s.writeLine(ss.conn, "ERROR: cannot store file")
		return
	}

	logging.LogTransferStart("upload", up.Name, size)
	ss.uploadStart = time.Now()
	ss.sess.BeginUpload(up)
}

func (s *Server) handleDownloadCommand(ss *streamSession, fields []string) {
	if ss.sess.ID() == "" {
		s.writeLine(ss.conn, "ERROR: not registered")
		return
	}
	if len(fields) != 2 {
		s.writeLine(ss.conn, "ERROR: usage: DOWNLOAD <name>")
		return
	}

	if !s.store.Exists(fields[1]) {
		s.writeLine(ss.conn, "ERROR: file not found")
		return
	}

	ss.pendingDownload = fields[1]
	s.writeLine(ss.conn, fmt.Sprintf("FILESIZE %d", s.store.Size(fields[1])))
}

// streamDownload consumes the peer's resume-offset line and streams
// the file body inline on the session goroutine.
func (s *Server) streamDownload(ss *streamSession, line string) bool {
	name := ss.pendingDownload
	ss.pendingDownload = ""

	reported, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil {
		s.writeLine(ss.conn, "ERROR: invalid offset")
		return false
	}

	size := s.store.Size(name)
	offset, alreadyComplete := transfer.NegotiateResume(reported, size)
	if alreadyComplete {
		slog.Info("Download already complete at peer",
			"remote_addr", ss.sess.Remote, "file", name)
		return false
	}

	dl, err := transfer.NewDownload(s.store, name, offset)
	if err != nil {
		logging.LogError(err, "stream download setup")
		return false
	}
	ss.sess.BeginDownload(dl)
	logging.LogTransferStart("download", name, dl.Remaining())

	start := time.Now()
	buf := make([]byte, config.MaxReadChunk)
	for dl.State() == transfer.StateActive {
		n, err := dl.NextChunk(buf)
		if err != nil {
			logging.LogError(err, "stream download")
			ss.sess.EndTransfer()
			return true
		}
		if n == 0 {
			// Source shrank below the announced size; the peer cannot
			// be given the missing bytes.
			slog.Warn("Download source truncated mid-transfer",
				"remote_addr", ss.sess.Remote, "file", name)
			dl.Fail()
			ss.sess.EndTransfer()
			return true
		}

		if _, err := ss.conn.Write(buf[:n]); err != nil {
			logging.LogError(errors.NewNetworkError("write", ss.sess.Remote, err), "stream download")
			dl.Fail()
			ss.sess.EndTransfer()
			return true
		}
		dl.Advance(int64(n))
	}

	logging.LogTransferComplete(name, size, time.Since(start))
	ss.sess.EndTransfer()
	return false
}

func (s *Server) writeLine(conn net.Conn, line string) {
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}
