package client

import (
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fileferry/internal/config"
	"fileferry/internal/errors"
	"fileferry/internal/logging"
	"fileferry/internal/network"
	"fileferry/internal/packet"
	"fileferry/internal/progress"
	"fileferry/internal/window"
)

// DatagramClient is one registered UDP session with the server. All
// exchanges run synchronously on the caller's goroutine; the client
// drives its own send window and acks every data packet it receives.
type DatagramClient struct {
	cfg        *config.Config
	conn       *net.UDPConn
	maxPayload int
	lastRID    uint16
	buf        []byte
}

// DialDatagram connects to the server's datagram endpoint and performs
// the START handshake, retrying up to the resend ceiling.
func DialDatagram(cfg *config.Config) (*DatagramClient, error) {
	if cfg.ClientID == "" {
		return nil, errors.NewValidationError("client_id", cfg.ClientID, "client ID required")
	}

	raddr, err := net.ResolveUDPAddr("udp", cfg.DatagramPeer)
	if err != nil {
		return nil, errors.NewNetworkError("resolve", cfg.DatagramPeer, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.NewNetworkError("dial", cfg.DatagramPeer, err)
	}
	network.TuneUDP(conn)

	c := &DatagramClient{
		cfg:        cfg,
		conn:       conn,
		maxPayload: packet.MaxPayload(cfg.DatagramMTU),
		buf:        make([]byte, cfg.DatagramMTU),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *DatagramClient) handshake() error {
	rid := c.nextRID()
	frame := packet.Encode(&packet.Packet{
		RequestID: rid,
		Flags:     packet.FlagStart | packet.FlagEnd,
		Payload:   []byte("CLIENT " + c.cfg.ClientID),
	})

	for attempt := 0; attempt <= c.cfg.MaxResends; attempt++ {
		if _, err := c.conn.Write(frame); err != nil {
			return errors.NewNetworkError("write", c.cfg.DatagramPeer, err)
		}

		c.conn.SetReadDeadline(time.Now().Add(c.cfg.AckTimeout))
		n, err := c.conn.Read(c.buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return errors.NewNetworkError("read", c.cfg.DatagramPeer, err)
		}

		p, derr := packet.Decode(c.buf[:n])
		if derr != nil {
			logging.LogError(derr, "handshake decode")
			continue
		}
		if p.RequestID != rid || !p.Has(packet.FlagAck) {
			continue
		}

		msg := string(p.Payload)
		if msg != "OK" {
			return errors.NewSessionError("register", msg)
		}
		slog.Info("Registered with server",
			"peer", c.cfg.DatagramPeer, "client_id", c.cfg.ClientID)
		return nil
	}
	return errors.NewNetworkError("handshake", c.cfg.DatagramPeer, window.ErrRetriesExhausted)
}

// nextRID allocates a request identifier for a new exchange. Wraps,
// never zero.
func (c *DatagramClient) nextRID() uint16 {
	c.lastRID++
	if c.lastRID == 0 {
		c.lastRID = 1
	}
	return c.lastRID
}

// Time asks the server for its current time string.
func (c *DatagramClient) Time() (string, error) {
	return c.do("TIME")
}

// Echo round-trips a line of text.
func (c *DatagramClient) Echo(text string) (string, error) {
	return c.do("ECHO " + text)
}

// Upload streams a local file through the send window and returns the
// server's confirmation.
func (c *DatagramClient) Upload(path string) (string, error) {
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

	e := c.newExchange()
	c.queueMessage(e, []byte(fmt.Sprintf("UPLOAD %s %d", name, size)))

	ready, err := c.collectMessage(e)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(ready, "ERROR") {
		return "", errors.NewTransferError("upload", name, goerrors.New(ready))
	}
	if size == 0 {
		// Zero-byte uploads confirm without a body round.
		return ready, nil
	}
	if ready != "READY" {
		return "", errors.NewProtocolError("upload", "unexpected response: "+ready, nil)
	}

	logging.LogTransferStart("upload", name, size)
	start := time.Now()

	stats := progress.NewStats(name, size)
	if c.cfg.ShowProgress {
		reporter := progress.NewReporter(stats)
		reporter.Start()
		defer reporter.Stop()
	}

	chunk := make([]byte, c.maxPayload)
	remaining := size
	var resp string
	for remaining > 0 && resp == "" {
		if len(e.outbox) == 0 && e.send.CanAdmit() {
			n, rerr := file.Read(chunk)
			if n > 0 {
				remaining -= int64(n)
				payload := make([]byte, n)
				copy(payload, chunk[:n])
				e.outbox = append(e.outbox, outPayload{payload: payload, end: remaining == 0})
				stats.Add(int64(n))
			}
			if rerr != nil && rerr != io.EOF {
				return "", errors.NewFileSystemError("read", path, rerr)
			}
			if rerr == io.EOF && remaining > 0 {
				return "", errors.NewTransferError("upload", name,
					goerrors.New("file shrank during upload"))
			}
		}

		deliveries, err := c.step(e)
		if err != nil {
			return "", err
		}
		// An early reply mid-body can only be a failure report.
		for _, d := range deliveries {
			e.pending = append(e.pending, d.Payload...)
			if d.End {
				resp = string(e.pending)
				e.pending = nil
			}
		}
	}

	if resp == "" {
		resp, err = c.collectMessage(e)
		if err != nil {
			return "", err
		}
	}
	if strings.HasPrefix(resp, "ERROR") {
		return "", errors.NewTransferError("upload", name, goerrors.New(resp))
	}

	logging.LogTransferComplete(name, size, time.Since(start))
	return resp, nil
}

// Download fetches a file into the downloads directory through the
// receive window, resuming from any existing local partial. The server
// answers with the granted offset, so a restart from zero truncates
// the local file.
func (c *DatagramClient) Download(name string) (string, error) {
	localPath, reported, err := localPartial(c.cfg.DownloadsDir, name)
	if err != nil {
		return "", err
	}

	e := c.newExchange()
	c.queueMessage(e, []byte(fmt.Sprintf("DOWNLOAD %s %d", name, reported)))

	header, err := c.collectMessage(e)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(header, "ERROR") {
		return "", errors.NewTransferError("download", name, goerrors.New(header))
	}

	var size, offset int64
	if _, err := fmt.Sscanf(header, "FILESIZE %d %d", &size, &offset); err != nil {
		return "", errors.NewProtocolError("download", "unexpected response: "+header, nil)
	}
	if offset >= size {
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

	received := offset
	idle := c.exchangeDeadline()
	for {
		deliveries, err := c.step(e)
		if err != nil {
			return "", err
		}

		for _, d := range deliveries {
			if len(d.Payload) > 0 {
				if _, werr := file.Write(d.Payload); werr != nil {
					return "", errors.NewFileSystemError("write", localPath, werr)
				}
				received += int64(len(d.Payload))
				stats.Add(int64(len(d.Payload)))
			}
			if d.End {
				if received != size {
					slog.Warn("Download ended short of the announced size",
						"file", name, "received", received, "size", size)
				}
				logging.LogTransferComplete(name, size, time.Since(start))
				return fmt.Sprintf("%s downloaded (%d bytes)", name, received), nil
			}
		}

		if len(deliveries) > 0 {
			idle = c.exchangeDeadline()
		} else if time.Now().After(idle) {
			return "", errors.NewNetworkError("download", c.cfg.DatagramPeer,
				goerrors.New("transfer stalled"))
		}
	}
}

// Close releases the session on the server best-effort and drops the
// socket.
func (c *DatagramClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if _, err := c.do("CLOSE"); err != nil {
		slog.Warn("Close exchange failed", "error", err)
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// do runs a single command/response exchange.
func (c *DatagramClient) do(command string) (string, error) {
	e := c.newExchange()
	c.queueMessage(e, []byte(command))
	return c.collectMessage(e)
}

type exchangeState struct {
	rid     uint16
	send    *window.SendWindow
	recv    *window.ReceiveWindow
	nextSeq uint32
	outbox  []outPayload
	pending []byte
}

type outPayload struct {
	payload []byte
	end     bool
}

func (c *DatagramClient) newExchange() *exchangeState {
	return &exchangeState{
		rid:  c.nextRID(),
		send: window.NewSendWindow(c.cfg.WindowSize, c.cfg.AckTimeout, c.cfg.MaxResends),
		recv: window.NewReceiveWindow(c.cfg.WindowSize, 0),
	}
}

// queueMessage splits one END-delimited message into packets and sends
// what the window admits.
func (c *DatagramClient) queueMessage(e *exchangeState, payload []byte) {
	chunks := splitPayload(payload, c.maxPayload)
	for i, chunk := range chunks {
		e.outbox = append(e.outbox, outPayload{payload: chunk, end: i == len(chunks)-1})
	}
	c.drainOutbox(e)
}

func (c *DatagramClient) drainOutbox(e *exchangeState) {
	now := time.Now()
	for len(e.outbox) > 0 && e.send.CanAdmit() {
		item := e.outbox[0]
		e.outbox = e.outbox[1:]

		flags := packet.FlagData
		if item.end {
			flags |= packet.FlagEnd
		}
		frame := packet.Encode(&packet.Packet{
			RequestID: e.rid,
			Seq:       e.nextSeq,
			Flags:     flags,
			Payload:   item.payload,
		})
		e.send.Admit(e.nextSeq, frame, now)
		e.nextSeq++
		c.write(frame)
	}
}

// step performs one iteration of the exchange loop: drain the outbox,
// wait briefly for an inbound packet, ack data, retransmit due frames.
// Returns any in-order deliveries for this exchange.
func (c *DatagramClient) step(e *exchangeState) ([]window.Delivery, error) {
	c.drainOutbox(e)

	var deliveries []window.Delivery

	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PollInterval))
	n, err := c.conn.Read(c.buf)
	if err != nil {
		if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
			return nil, errors.NewNetworkError("read", c.cfg.DatagramPeer, err)
		}
	} else if p, derr := packet.Decode(c.buf[:n]); derr != nil {
		logging.LogError(derr, "datagram decode")
	} else {
		switch {
		case p.Has(packet.FlagAck):
			if p.RequestID == e.rid {
				e.send.Ack(p.Seq)
				c.drainOutbox(e)
			}
		case p.Has(packet.FlagData):
			// Ack every DATA packet, stale exchanges included, so the
			// server can retire them.
			c.write(packet.Encode(packet.Ack(p.RequestID, p.Seq)))
			if p.RequestID == e.rid {
				deliveries = e.recv.Offer(p.Seq, p.Payload, p.Has(packet.FlagEnd))
			}
		}
	}

	due, derr := e.send.Due(time.Now())
	if derr != nil {
		return nil, errors.NewNetworkError("retransmit", c.cfg.DatagramPeer, derr)
	}
	for _, entry := range due {
		c.write(entry.Frame)
	}

	return deliveries, nil
}

// collectMessage steps the exchange until one complete message
// arrives.
func (c *DatagramClient) collectMessage(e *exchangeState) (string, error) {
	deadline := c.exchangeDeadline()
	for time.Now().Before(deadline) {
		deliveries, err := c.step(e)
		if err != nil {
			return "", err
		}
		for _, d := range deliveries {
			e.pending = append(e.pending, d.Payload...)
			if d.End {
				msg := string(e.pending)
				e.pending = nil
				return msg, nil
			}
		}
	}
	return "", errors.NewNetworkError("exchange", c.cfg.DatagramPeer,
		goerrors.New("response timed out"))
}

// exchangeDeadline bounds one response wait by the full retransmission
// budget plus slack.
func (c *DatagramClient) exchangeDeadline() time.Time {
	budget := c.cfg.AckTimeout * time.Duration(c.cfg.MaxResends+2)
	return time.Now().Add(budget + 5*time.Second)
}

func (c *DatagramClient) write(frame []byte) {
	if _, err := c.conn.Write(frame); err != nil {
		slog.Warn("Datagram send failed", "peer", c.cfg.DatagramPeer, "error", err)
	}
}

func splitPayload(payload []byte, max int) [][]byte {
	if len(payload) <= max {
		return [][]byte{payload}
	}
	var chunks [][]byte
	for len(payload) > max {
		chunks = append(chunks, payload[:max])
		payload = payload[max:]
	}
	return append(chunks, payload)
}
