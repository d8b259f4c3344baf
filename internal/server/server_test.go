package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fileferry/internal/config"
	"fileferry/internal/session"
)

func startTestServer(t *testing.T) (*Server, string, string) {
	t.Helper()

	cfg := config.Default()
	root := t.TempDir()
	cfg.UploadsDir = filepath.Join(root, "uploads")
	cfg.PartialDir = filepath.Join(root, "partial")
	cfg.IdleTimeout = 2 * time.Second
	cfg.AckTimeout = 100 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond

	srv := New(cfg)
	require.NoError(t, srv.store.EnsureDirs())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	udpConn, err := net.ListenUDP("udp", udpAddr)
	require.NoError(t, err)

	go srv.Serve(listener, udpConn)
	t.Cleanup(func() {
		listener.Close()
		udpConn.Close()
	})

	return srv, listener.Addr().String(), udpConn.LocalAddr().String()
}

type testConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialStream(t *testing.T, addr string) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) send(line string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\n", line)
	require.NoError(c.t, err)
}

func (c *testConn) recv() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (c *testConn) readBody(n int) []byte {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(c.r, buf)
	require.NoError(c.t, err)
	return buf
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.New(rand.NewSource(42)).Read(data)
	require.NoError(t, err)
	return data
}

func TestStreamCommands(t *testing.T) {
	_, addr, _ := startTestServer(t)
	c := dialStream(t, addr)

	c.send("CLIENT alice")
	assert.Equal(t, "OK", c.recv())

	c.send("TIME")
	assert.NotEmpty(t, c.recv())

	c.send("ECHO hello world")
	assert.Equal(t, "hello world", c.recv())

	c.send("BOGUS")
	assert.Equal(t, "ERROR: unknown command", c.recv())

	// The session survives an unknown command.
	c.send("ECHO still here")
	assert.Equal(t, "still here", c.recv())

	c.send("CLOSE")
	assert.Equal(t, "OK", c.recv())
}

func TestStreamDuplicateClientID(t *testing.T) {
	_, addr, _ := startTestServer(t)

	first := dialStream(t, addr)
	first.send("CLIENT alice")
	require.Equal(t, "OK", first.recv())

	// A second claim is rejected and that connection closes; the
	// first session is untouched.
	second := dialStream(t, addr)
	second.send("CLIENT alice")
	assert.Equal(t, "ERROR: ID already taken", second.recv())

	first.send("TIME")
	assert.NotEmpty(t, first.recv())

	// Dropping the first connection releases the ID for reuse.
	first.conn.Close()
	assert.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		defer conn.Close()
		fmt.Fprintf(conn, "CLIENT alice\n")
		conn.SetReadDeadline(time.Now().Add(time.Second))
		line, err := bufio.NewReader(conn).ReadString('\n')
		return err == nil && strings.TrimSpace(line) == "OK"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStreamTransfersRequireRegistration(t *testing.T) {
	_, addr, _ := startTestServer(t)
	c := dialStream(t, addr)

	c.send("UPLOAD f.bin 10")
	assert.Equal(t, "ERROR: not registered", c.recv())

	c.send("DOWNLOAD f.bin")
	assert.Equal(t, "ERROR: not registered", c.recv())
}

func TestStreamUploadDownloadRoundTrip(t *testing.T) {
	srv, addr, _ := startTestServer(t)
	payload := randomBytes(t, 5000)

	up := dialStream(t, addr)
	up.send("CLIENT alice")
	require.Equal(t, "OK", up.recv())

	up.send(fmt.Sprintf("UPLOAD f.bin %d", len(payload)))
	_, err := up.conn.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, "f.bin successfully uploaded", up.recv())

	stored, err := os.ReadFile(filepath.Join(srv.store.UploadsDir, "f.bin"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, stored))

	// A fresh peer with no local partial gets the same bytes back.
	down := dialStream(t, addr)
	down.send("CLIENT bob")
	require.Equal(t, "OK", down.recv())

	down.send("DOWNLOAD f.bin")
	assert.Equal(t, fmt.Sprintf("FILESIZE %d", len(payload)), down.recv())
	down.send("0")

	got := down.readBody(len(payload))
	assert.True(t, bytes.Equal(payload, got))

	// The session is still usable after the body.
	down.send("ECHO done")
	assert.Equal(t, "done", down.recv())
}

func TestStreamUploadNeverOverwrites(t *testing.T) {
	srv, addr, _ := startTestServer(t)

	c := dialStream(t, addr)
	c.send("CLIENT alice")
	require.Equal(t, "OK", c.recv())

	for i := 0; i < 2; i++ {
		c.send("UPLOAD f.bin 5")
		_, err := c.conn.Write([]byte("hello"))
		require.NoError(t, err)
		require.Equal(t, "f.bin successfully uploaded", c.recv())
	}

	assert.True(t, srv.store.Exists("f.bin"))
	assert.True(t, srv.store.Exists("f_1.bin"))
}

func TestStreamZeroByteUpload(t *testing.T) {
	srv, addr, _ := startTestServer(t)

	c := dialStream(t, addr)
	c.send("CLIENT alice")
	require.Equal(t, "OK", c.recv())

	c.send("UPLOAD empty.bin 0")
	assert.Equal(t, "empty.bin successfully uploaded", c.recv())
	assert.True(t, srv.store.Exists("empty.bin"))
	assert.Equal(t, int64(0), srv.store.Size("empty.bin"))
}

func TestStreamDownloadResume(t *testing.T) {
	srv, addr, _ := startTestServer(t)
	payload := randomBytes(t, 10000)
	require.NoError(t, os.WriteFile(filepath.Join(srv.store.UploadsDir, "data.bin"), payload, 0644))

	c := dialStream(t, addr)
	c.send("CLIENT alice")
	require.Equal(t, "OK", c.recv())

	// A peer holding the first 4000 bytes resumes exactly there.
	c.send("DOWNLOAD data.bin")
	assert.Equal(t, "FILESIZE 10000", c.recv())
	c.send("4000")
	got := c.readBody(6000)
	assert.True(t, bytes.Equal(payload[4000:], got))

	// A peer already holding the whole file gets no transfer.
	c.send("DOWNLOAD data.bin")
	assert.Equal(t, "FILESIZE 10000", c.recv())
	c.send("10000")

	c.send("ECHO alive")
	assert.Equal(t, "alive", c.recv())
}

func TestStreamDownloadFailsWhenSourceShrinks(t *testing.T) {
	srv, _, _ := startTestServer(t)

	payload := randomBytes(t, config.MaxReadChunk+4096)
	path := filepath.Join(srv.store.UploadsDir, "shrink.bin")
	require.NoError(t, os.WriteFile(path, payload, 0644))

	serverEnd, clientEnd := net.Pipe()
	defer serverEnd.Close()
	defer clientEnd.Close()

	ss := &streamSession{sess: session.New("pipe"), conn: serverEnd}
	ss.pendingDownload = "shrink.bin"

	closed := make(chan bool, 1)
	go func() { closed <- srv.streamDownload(ss, "0") }()

	// Consume most of the first chunk, truncate the source while the
	// handler is still blocked writing it, then finish the read. The
	// next chunk read finds the tail missing.
	buf := make([]byte, config.MaxReadChunk-1)
	_, err := io.ReadFull(clientEnd, buf)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, int64(config.MaxReadChunk)))
	_, err = io.ReadFull(clientEnd, make([]byte, 1))
	require.NoError(t, err)

	// The missing bytes cannot be served: the handler asks for the
	// connection to close and detaches the transfer.
	assert.True(t, <-closed)
	assert.Equal(t, session.TransferNone, ss.sess.TransferKind())
}

func TestStreamDownloadMissingFile(t *testing.T) {
	_, addr, _ := startTestServer(t)

	c := dialStream(t, addr)
	c.send("CLIENT alice")
	require.Equal(t, "OK", c.recv())

	c.send("DOWNLOAD nope.bin")
	assert.Equal(t, "ERROR: file not found", c.recv())
}

func TestStreamUploadBodyWithPipelinedCommand(t *testing.T) {
	srv, addr, _ := startTestServer(t)

	c := dialStream(t, addr)
	c.send("CLIENT alice")
	require.Equal(t, "OK", c.recv())

	// Command, body, and the next command arrive in one write; bytes
	// past the declared size are parsed as the next command line.
	_, err := c.conn.Write([]byte("UPLOAD f.bin 5\nhelloECHO after\n"))
	require.NoError(t, err)

	assert.Equal(t, "f.bin successfully uploaded", c.recv())
	assert.Equal(t, "after", c.recv())
	assert.Equal(t, int64(5), srv.store.Size("f.bin"))
}
