// Package client implements the transfer client for both transports:
// a stream handler speaking the line protocol over TCP and a datagram
// handler driving the reliability layer over UDP, plus the interactive
// console that fronts them.
package client

import (
	"bufio"
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"fileferry/internal/config"
	"fileferry/internal/errors"
	"fileferry/internal/logging"
	"fileferry/internal/network"
	"fileferry/internal/progress"
	"fileferry/internal/store"
	"fileferry/internal/transfer"
)

// StreamClient is one registered TCP session with the server.
type StreamClient struct {
	cfg    *config.Config
	conn   net.Conn
	reader *lineReader
}

// DialStream connects to the server's stream endpoint and performs the
// CLIENT handshake.
func DialStream(cfg *config.Config) (*StreamClient, error) {
	if cfg.ClientID == "" {
		return nil, errors.NewValidationError("client_id", cfg.ClientID, "client ID required")
	}

	conn, err := net.Dial("tcp", cfg.ServerAddress)
	if err != nil {
		return nil, errors.NewNetworkError("dial", cfg.ServerAddress, err)
	}

	if err := network.OptimizeTCP(conn); err != nil {
		slog.Warn("Failed to optimize TCP connection", "error", err)
	}

	c := &StreamClient{
		cfg:    cfg,
		conn:   conn,
		reader: newLineReader(conn, cfg.BufferSize),
	}

	resp, err := c.roundTrip("CLIENT " + cfg.ClientID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp != "OK" {
		conn.Close()
		return nil, errors.NewSessionError("register", resp)
	}

	slog.Info("Registered with server",
		"server", cfg.ServerAddress, "client_id", cfg.ClientID)
	return c, nil
}

// Time asks the server for its current time string.
func (c *StreamClient) Time() (string, error) {
	return c.roundTrip("TIME")
}

// Echo round-trips a line of text.
func (c *StreamClient) Echo(text string) (string, error) {
	return c.roundTrip("ECHO " + text)
}

// Upload streams a local file to the server and returns its
// confirmation line.
func (c *StreamClient) Upload(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", errors.NewFileSystemError("open", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", errors.NewFileSystemError("stat", path, err)
	}
	name := filepath.Base(path)
	size := info.Size()

	if err := c.writeLine(fmt.Sprintf("UPLOAD %s %d", name, size)); err != nil {
		return "", err
	}

	logging.LogTransferStart("upload", name, size)
	start := time.Now()

	stats := progress.NewStats(name, size)
	if c.cfg.ShowProgress {
		reporter := progress.NewReporter(stats)
		reporter.Start()
		defer reporter.Stop()
	}

	buf := make([]byte, config.MaxReadChunk)
	for {
		n, rerr := file.Read(buf)
		if n > 0 {
			if _, werr := c.conn.Write(buf[:n]); werr != nil {
				return "", errors.NewNetworkError("write", c.cfg.ServerAddress, werr)
			}
			stats.Add(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", errors.NewFileSystemError("read", path, rerr)
		}
	}

	resp, err := c.readLine()
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(resp, "ERROR") {
		return "", errors.NewTransferError("upload", name, goerrors.New(resp))
	}

	logging.LogTransferComplete(name, size, time.Since(start))
	return resp, nil
}

// Download fetches a file into the downloads directory, resuming from
// any existing local partial. The local partial size is reported to
// the server, which starts from that offset; a local file larger than
// the source restarts from zero.
func (c *StreamClient) Download(name string) (string, error) {
	resp, err := c.roundTrip("DOWNLOAD " + name)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(resp, "ERROR") {
		return "", errors.NewTransferError("download", name, goerrors.New(resp))
	}

	var size int64
	if _, err := fmt.Sscanf(resp, "FILESIZE %d", &size); err != nil {
		return "", errors.NewProtocolError("download", "unexpected response: "+resp, nil)
	}

	localPath, reported, err := localPartial(c.cfg.DownloadsDir, name)
	if err != nil {
		return "", err
	}

	// Both sides run the same negotiation on the reported size, so the
	// byte counts agree without a second round-trip.
	offset, alreadyComplete := transfer.NegotiateResume(reported, size)

	if err := c.writeLine(strconv.FormatInt(reported, 10)); err != nil {
		return "", err
	}
	if alreadyComplete {
		return fmt.Sprintf("%s already complete (%d bytes)", name, size), nil
	}

	file, err := openLocal(localPath, offset)
	if err != nil {
		return "", err
	}
	defer file.Close()

	logging.LogTransferStart("download", name, size-offset)
	start := time.Now()

	stats := progress.NewStats(name, size)
	stats.Set(offset)
	if c.cfg.ShowProgress {
		reporter := progress.NewReporter(stats)
		reporter.Start()
		defer reporter.Stop()
	}

	remaining := size - offset
	buf := make([]byte, config.MaxReadChunk)
	for remaining > 0 {
		limit := len(buf)
		if int64(limit) > remaining {
			limit = int(remaining)
		}

		n, rerr := c.reader.ReadBody(buf[:limit], c.cfg.IdleTimeout)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return "", errors.NewFileSystemError("write", localPath, werr)
			}
			remaining -= int64(n)
			stats.Add(int64(n))
		}
		if rerr != nil {
			return "", errors.NewNetworkError("read", c.cfg.ServerAddress, rerr)
		}
	}

	logging.LogTransferComplete(name, size, time.Since(start))
	return fmt.Sprintf("%s downloaded (%d bytes)", name, size), nil
}

// Close sends CLOSE, waits for the ack best-effort, and drops the
// connection.
func (c *StreamClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.writeLine("CLOSE"); err == nil {
		c.readLine()
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *StreamClient) roundTrip(line string) (string, error) {
	if err := c.writeLine(line); err != nil {
		return "", err
	}
	return c.readLine()
}

func (c *StreamClient) writeLine(line string) error {
	if _, err := fmt.Fprintf(c.conn, "%s\n", line); err != nil {
		return errors.NewNetworkError("write", c.cfg.ServerAddress, err)
	}
	return nil
}

func (c *StreamClient) readLine() (string, error) {
	line, err := c.reader.ReadLine(c.cfg.IdleTimeout)
	if err != nil {
		return "", errors.NewNetworkError("read", c.cfg.ServerAddress, err)
	}
	return line, nil
}

// localPartial resolves the local destination path and the size of any
// existing partial download.
func localPartial(dir, name string) (string, int64, error) {
	base, err := store.CleanName(name)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(dir, config.DirPerms); err != nil {
		return "", 0, errors.NewFileSystemError("mkdir", dir, err)
	}

	path := filepath.Join(dir, base)
	info, err := os.Stat(path)
	if err != nil {
		return path, 0, nil
	}
	return path, info.Size(), nil
}

// lineReader reads newline-terminated responses and raw body bytes
// from the same buffered stream, refreshing the read deadline before
// each read.
type lineReader struct {
	conn net.Conn
	br   *bufio.Reader
}

func newLineReader(conn net.Conn, size int) *lineReader {
	return &lineReader{conn: conn, br: bufio.NewReaderSize(conn, size)}
}

func (r *lineReader) ReadLine(timeout time.Duration) (string, error) {
	r.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := r.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (r *lineReader) ReadBody(buf []byte, timeout time.Duration) (int, error) {
	r.conn.SetReadDeadline(time.Now().Add(timeout))
	return r.br.Read(buf)
}

// openLocal opens the download destination: truncated for a restart,
// appending for a resume.
func openLocal(path string, offset int64) (*os.File, error) {
	if offset == 0 {
		file, err := os.Create(path)
		if err != nil {
			return nil, errors.NewFileSystemError("create", path, err)
		}
		return file, nil
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.NewFileSystemError("open", path, err)
	}
	return file, nil
}
