package server

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fileferry/internal/client"
	"fileferry/internal/config"
	"fileferry/internal/packet"
	"fileferry/internal/session"
	"fileferry/internal/transfer"
)

func datagramConfig(t *testing.T, peer, id string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DatagramPeer = peer
	cfg.ClientID = id
	cfg.DownloadsDir = filepath.Join(t.TempDir(), "downloads")
	cfg.AckTimeout = 100 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ShowProgress = false
	return cfg
}

func TestDatagramHandshakeAndCommands(t *testing.T) {
	_, _, peer := startTestServer(t)

	c, err := client.DialDatagram(datagramConfig(t, peer, "alice"))
	require.NoError(t, err)
	defer c.Close()

	ts, err := c.Time()
	require.NoError(t, err)
	assert.NotEmpty(t, ts)

	echo, err := c.Echo("hello over datagrams")
	require.NoError(t, err)
	assert.Equal(t, "hello over datagrams", echo)
}

func TestDatagramDuplicateClientID(t *testing.T) {
	_, _, peer := startTestServer(t)

	first, err := client.DialDatagram(datagramConfig(t, peer, "alice"))
	require.NoError(t, err)

	// The second claimant is rejected while the first session lives.
	_, err = client.DialDatagram(datagramConfig(t, peer, "alice"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already taken")

	// The first session is untouched.
	_, err = first.Time()
	require.NoError(t, err)

	// CLOSE releases the ID for reuse.
	require.NoError(t, first.Close())
	third, err := client.DialDatagram(datagramConfig(t, peer, "alice"))
	require.NoError(t, err)
	third.Close()
}

func TestDatagramUploadDownloadRoundTrip(t *testing.T) {
	srv, _, peer := startTestServer(t)

	// Large enough to span many packets and wrap the send window.
	payload := randomBytes(t, 200_000)
	src := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(src, payload, 0644))

	up, err := client.DialDatagram(datagramConfig(t, peer, "alice"))
	require.NoError(t, err)
	defer up.Close()

	resp, err := up.Upload(src)
	require.NoError(t, err)
	assert.True(t, strings.Contains(resp, "successfully uploaded"))

	stored, err := os.ReadFile(filepath.Join(srv.store.UploadsDir, "blob.bin"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, stored))

	// A fresh peer downloads the same bytes back.
	cfg := datagramConfig(t, peer, "bob")
	down, err := client.DialDatagram(cfg)
	require.NoError(t, err)
	defer down.Close()

	resp, err = down.Download("blob.bin")
	require.NoError(t, err)
	assert.Contains(t, resp, "downloaded")

	got, err := os.ReadFile(filepath.Join(cfg.DownloadsDir, "blob.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestDatagramDownloadResume(t *testing.T) {
	srv, _, peer := startTestServer(t)

	payload := randomBytes(t, 50_000)
	require.NoError(t, os.WriteFile(filepath.Join(srv.store.UploadsDir, "data.bin"), payload, 0644))

	cfg := datagramConfig(t, peer, "alice")
	require.NoError(t, os.MkdirAll(cfg.DownloadsDir, 0755))
	// Pre-seed a local partial holding the first 20000 bytes.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DownloadsDir, "data.bin"), payload[:20_000], 0644))

	c, err := client.DialDatagram(cfg)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Download("data.bin")
	require.NoError(t, err)
	assert.Contains(t, resp, "downloaded")

	got, err := os.ReadFile(filepath.Join(cfg.DownloadsDir, "data.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))

	// A second request finds the file complete and starts no transfer.
	resp, err = c.Download("data.bin")
	require.NoError(t, err)
	assert.Contains(t, resp, "already complete")
}

func TestDatagramPumpFailsWhenSourceShrinks(t *testing.T) {
	srv, _, _ := startTestServer(t)

	path := filepath.Join(srv.store.UploadsDir, "shrink.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xCC}, 5000), 0644))

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	d := &datagramServer{
		srv:        srv,
		conn:       conn,
		peers:      make(map[string]*peerState),
		maxPayload: packet.MaxPayload(srv.cfg.DatagramMTU),
	}
	d.chunk = make([]byte, d.maxPayload)

	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:9")
	require.NoError(t, err)
	peer := &peerState{
		addr:      addr,
		sess:      session.New(addr.String()),
		exchanges: make(map[uint16]*exchange),
		retired:   make(map[uint16]struct{}),
	}

	dl, err := transfer.NewDownload(srv.store, "shrink.bin", 0)
	require.NoError(t, err)
	peer.sess.BeginDownload(dl)

	e := d.newExchange(7)
	e.download = dl

	// The source shrinks to nothing after the download opened. The pump
	// must fail the transfer instead of emitting empty data packets.
	require.NoError(t, os.Truncate(path, 0))
	d.pump(peer, e)

	assert.Equal(t, transfer.StateFailed, dl.State())
	assert.Nil(t, e.download)
	assert.True(t, e.replied)
	assert.Equal(t, session.TransferNone, peer.sess.TransferKind())
}

func TestDatagramStaleDuplicateCommandNotReExecuted(t *testing.T) {
	_, _, peerAddr := startTestServer(t)

	raddr, err := net.ResolveUDPAddr("udp", peerAddr)
	require.NoError(t, err)
	conn, err := net.DialUDP("udp", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 2048)
	readPacket := func(timeout time.Duration) *packet.Packet {
		conn.SetReadDeadline(time.Now().Add(timeout))
		n, err := conn.Read(buf)
		if err != nil {
			return nil
		}
		p, derr := packet.Decode(buf[:n])
		if derr != nil {
			return nil
		}
		return p
	}

	// Handshake.
	hs := packet.Encode(&packet.Packet{
		RequestID: 1,
		Flags:     packet.FlagStart | packet.FlagEnd,
		Payload:   []byte("CLIENT carol"),
	})
	_, err = conn.Write(hs)
	require.NoError(t, err)
	p := readPacket(2 * time.Second)
	require.NotNil(t, p)
	require.Equal(t, "OK", string(p.Payload))

	// One command exchange, acked to completion so the server retires it.
	cmd := packet.Encode(&packet.Packet{
		RequestID: 2,
		Seq:       0,
		Flags:     packet.FlagData | packet.FlagEnd,
		Payload:   []byte("TIME"),
	})
	_, err = conn.Write(cmd)
	require.NoError(t, err)

	gotResponse := false
	deadline := time.Now().Add(2 * time.Second)
	for !gotResponse && time.Now().Before(deadline) {
		p := readPacket(200 * time.Millisecond)
		if p == nil || p.RequestID != 2 || !p.Has(packet.FlagData) {
			continue
		}
		conn.Write(packet.Encode(packet.Ack(2, p.Seq)))
		if p.Has(packet.FlagEnd) {
			gotResponse = true
		}
	}
	require.True(t, gotResponse)

	// Let the dispatcher process the final ack and retire the exchange,
	// draining any straggling retransmissions in flight.
	for {
		p := readPacket(100 * time.Millisecond)
		if p == nil {
			break
		}
		if p.Has(packet.FlagData) {
			conn.Write(packet.Encode(packet.Ack(p.RequestID, p.Seq)))
		}
	}

	// A late duplicate of the already-handled command is acked but must
	// not run the command again.
	_, err = conn.Write(cmd)
	require.NoError(t, err)

	reExecuted := false
	stop := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(stop) {
		p := readPacket(100 * time.Millisecond)
		if p != nil && p.RequestID == 2 && p.Has(packet.FlagData) {
			reExecuted = true
		}
	}
	assert.False(t, reExecuted)
}

func TestDatagramUnknownCommandKeepsSession(t *testing.T) {
	_, _, peer := startTestServer(t)

	c, err := client.DialDatagram(datagramConfig(t, peer, "alice"))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Download("missing.bin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file not found")

	// The session survives the failed request.
	echo, err := c.Echo("still alive")
	require.NoError(t, err)
	assert.Equal(t, "still alive", echo)
}
