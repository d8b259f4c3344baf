package server

import (
	goerrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"fileferry/internal/logging"
	"fileferry/internal/packet"
	"fileferry/internal/session"
	"fileferry/internal/transfer"
	"fileferry/internal/window"
)

// datagramServer owns every piece of datagram session state. Exactly
// one goroutine runs it: the read loop alternates between a bounded
// wait for inbound traffic and a tick that retransmits due packets,
// pumps active downloads, and flushes batched acks.
type datagramServer struct {
	srv        *Server
	conn       *net.UDPConn
	peers      map[string]*peerState
	acks       []pendingAck
	maxPayload int
	chunk      []byte
}

type pendingAck struct {
	addr *net.UDPAddr
	rid  uint16
	seq  uint32
}

// peerState is the datagram counterpart of a stream connection: one
// registered peer address with its session and live exchanges.
type peerState struct {
	addr      *net.UDPAddr
	sess      *session.Session
	exchanges map[uint16]*exchange

	// Recently finished request ids. Late duplicates for them are acked
	// and dropped instead of recreating the exchange.
	retired      map[uint16]struct{}
	retiredOrder []uint16
}

// retiredMemory bounds how many finished request ids a peer remembers.
const retiredMemory = 64

func (ps *peerState) retire(rid uint16) {
	if _, ok := ps.retired[rid]; ok {
		return
	}
	ps.retired[rid] = struct{}{}
	ps.retiredOrder = append(ps.retiredOrder, rid)
	if len(ps.retiredOrder) > retiredMemory {
		delete(ps.retired, ps.retiredOrder[0])
		ps.retiredOrder = ps.retiredOrder[1:]
	}
}

// exchange is one logical request round-trip identified by a request
// id: a command and its response, one upload, or one download. The END
// flag delimits messages within the exchange, not the exchange itself.
type exchange struct {
	rid  uint16
	recv *window.ReceiveWindow
	send *window.SendWindow

	pending  []byte // partial inbound message
	messages int    // complete inbound messages consumed

	nextSeq uint32 // next outbound sequence number
	outbox  []outPacket

	upload        *transfer.Upload
	download      *transfer.Download
	transferStart time.Time

	// replied marks the terminal response queued; the exchange retires
	// once the send window drains.
	replied bool
}

type outPacket struct {
	payload []byte
	end     bool
}

func (e *exchange) retired() bool {
	return e.replied && e.send.Len() == 0 && len(e.outbox) == 0 &&
		e.upload == nil && e.download == nil
}

// serveDatagrams runs the dispatcher loop until the endpoint closes.
func (s *Server) serveDatagrams(conn *net.UDPConn) {
	d := &datagramServer{
		srv:        s,
		conn:       conn,
		peers:      make(map[string]*peerState),
		maxPayload: packet.MaxPayload(s.cfg.DatagramMTU),
	}
	d.chunk = make([]byte, d.maxPayload)

	buf := make([]byte, s.cfg.DatagramMTU)
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				d.tick()
				continue
			}
			slog.Info("Datagram endpoint closed", "error", err)
			return
		}

		d.route(buf[:n], addr)
		d.tick()
	}
}

// route decodes one datagram and hands it to the owning peer state.
// Decode failures discard the frame without touching any session.
func (d *datagramServer) route(frame []byte, addr *net.UDPAddr) {
	p, err := packet.Decode(frame)
	if err != nil {
		logging.LogError(err, "datagram decode")
		return
	}

	if p.Has(packet.FlagStart) {
		d.handleHandshake(p, addr)
		return
	}

	peer, ok := d.peers[addr.String()]
	if !ok {
		slog.Warn("Datagram from unregistered peer dropped", "peer", addr.String())
		return
	}

	switch {
	case p.Has(packet.FlagAck):
		d.handleAck(peer, p)
	case p.Has(packet.FlagData):
		d.handleData(peer, p)
	}
}

// handleHandshake processes a START packet carrying "CLIENT <id>". The
// response rides on the ack so a lost reply is recovered by the
// client's retransmitted START.
func (d *datagramServer) handleHandshake(p *packet.Packet, addr *net.UDPAddr) {
	fields := strings.Fields(string(p.Payload))
	if len(fields) != 2 || strings.ToUpper(fields[0]) != "CLIENT" {
		d.respondHandshake(addr, p.RequestID, "ERROR: malformed handshake")
		return
	}
	id := fields[1]

	if peer, ok := d.peers[addr.String()]; ok {
		// Retransmitted handshake from an already-registered peer.
		if peer.sess.ID() == id {
			d.respondHandshake(addr, p.RequestID, "OK")
		} else {
			d.respondHandshake(addr, p.RequestID, "ERROR: already registered")
		}
		return
	}

	sess := session.New(addr.String())
	if err := d.srv.registry.Claim(sess, id); err != nil {
		if goerrors.Is(err, session.ErrDuplicateID) {
			slog.Warn("Duplicate client ID rejected", "peer", addr.String(), "client_id", id)
			d.respondHandshake(addr, p.RequestID, "ERROR: ID already taken")
		} else {
			d.respondHandshake(addr, p.RequestID, "ERROR: invalid client ID")
		}
		return
	}

	d.peers[addr.String()] = &peerState{
		addr:      addr,
		sess:      sess,
		exchanges: make(map[uint16]*exchange),
		retired:   make(map[uint16]struct{}),
	}
	slog.Info("Datagram client registered", "peer", addr.String(), "client_id", id)
	d.respondHandshake(addr, p.RequestID, "OK")
}

func (d *datagramServer) respondHandshake(addr *net.UDPAddr, rid uint16, msg string) {
	d.transmit(addr, &packet.Packet{
		RequestID: rid,
		Flags:     packet.FlagAck | packet.FlagEnd,
		Payload:   []byte(msg),
	})
}

func (d *datagramServer) handleAck(peer *peerState, p *packet.Packet) {
	e, ok := peer.exchanges[p.RequestID]
	if !ok {
		return
	}
	if !e.send.Ack(p.Seq) {
		return
	}

	d.drainOutbox(peer, e)
	d.pump(peer, e)
	if e.retired() {
		delete(peer.exchanges, p.RequestID)
		peer.retire(p.RequestID)
	}
}

func (d *datagramServer) handleData(peer *peerState, p *packet.Packet) {
	e, ok := peer.exchanges[p.RequestID]
	if !ok {
		if _, stale := peer.retired[p.RequestID]; stale {
			// Late duplicate of a finished exchange: ack it so the peer
			// stops retransmitting, never re-execute.
			d.acks = append(d.acks, pendingAck{addr: peer.addr, rid: p.RequestID, seq: p.Seq})
			return
		}
		e = d.newExchange(p.RequestID)
		peer.exchanges[p.RequestID] = e
	}

	// Every DATA packet is acked, duplicates included: the ack may have
	// been lost the first time.
	d.acks = append(d.acks, pendingAck{addr: peer.addr, rid: p.RequestID, seq: p.Seq})

	for _, delivery := range e.recv.Offer(p.Seq, p.Payload, p.Has(packet.FlagEnd)) {
		d.consume(peer, e, delivery)
	}
}

// consume feeds one in-order delivery into the exchange: the first
// message is the command line, later ones are upload body bytes.
func (d *datagramServer) consume(peer *peerState, e *exchange, del window.Delivery) {
	if e.messages == 0 {
		e.pending = append(e.pending, del.Payload...)
		if !del.End {
			return
		}
		command := string(e.pending)
		e.pending = nil
		e.messages++
		d.dispatch(peer, e, command)
		return
	}

	if e.upload != nil {
		d.feedUpload(peer, e, del)
	}
}

func (d *datagramServer) dispatch(peer *peerState, e *exchange, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		d.reply(peer, e, "ERROR: empty command")
		return
	}

	switch strings.ToUpper(fields[0]) {
	case "TIME":
		d.reply(peer, e, time.Now().Format(time.RFC1123))

	case "ECHO":
		text := ""
		if idx := strings.IndexByte(line, ' '); idx >= 0 {
			text = line[idx+1:]
		}
		d.reply(peer, e, text)

	case "UPLOAD":
		d.beginUpload(peer, e, fields)

	case "DOWNLOAD":
		d.beginDownload(peer, e, fields)

	case "CLOSE":
		d.reply(peer, e, "OK")
		d.releasePeer(peer)

	default:
		slog.Warn("Unknown command", "peer", peer.addr.String(), "command", fields[0])
		d.reply(peer, e, "ERROR: unknown command")
	}
}

func (d *datagramServer) beginUpload(peer *peerState, e *exchange, fields []string) {
	if len(fields) != 3 {
		d.reply(peer, e, "ERROR: usage: UPLOAD <name> <size>")
		return
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || size < 0 {
		d.reply(peer, e, "ERROR: invalid size")
		return
	}
	if peer.sess.TransferKind() != session.TransferNone {
		d.reply(peer, e, "ERROR: transfer already in progress")
		return
	}

	up, err := transfer.NewUpload(d.srv.store, fields[1], size)
	if err != nil {
		logging.LogError(err, "datagram upload setup")
		d.reply(peer, e, "ERROR: cannot store file")
		return
	}

	logging.LogTransferStart("upload", up.Name, size)
	e.transferStart = time.Now()
	peer.sess.BeginUpload(up)
	e.upload = up

	if size == 0 {
		d.feedUpload(peer, e, window.Delivery{End: true})
		return
	}
	d.sendMessage(peer, e, []byte("READY"))
}

func (d *datagramServer) feedUpload(peer *peerState, e *exchange, del window.Delivery) {
	up := e.upload

	chunk := del.Payload
	if rem := up.Remaining(); int64(len(chunk)) > rem {
		chunk = chunk[:rem]
	}

	done, err := up.Write(chunk)
	if err != nil {
		logging.LogError(err, "datagram upload")
		peer.sess.EndTransfer()
		e.upload = nil
		d.reply(peer, e, "ERROR: upload failed")
		return
	}

	if done {
		logging.LogTransferComplete(up.FinalName(), up.Size, time.Since(e.transferStart))
		peer.sess.EndTransfer()
		name := up.Name
		e.upload = nil
		d.reply(peer, e, name+" successfully uploaded")
		return
	}

	if del.End {
		// Body ended short of the declared size.
		slog.Warn("Upload body shorter than declared",
			"peer", peer.addr.String(), "file", up.Name,
			"received", up.Received(), "declared", up.Size)
		peer.sess.CloseTransfer()
		e.upload = nil
		d.reply(peer, e, "ERROR: size mismatch")
	}
}

func (d *datagramServer) beginDownload(peer *peerState, e *exchange, fields []string) {
	if len(fields) != 3 {
		d.reply(peer, e, "ERROR: usage: DOWNLOAD <name> <offset>")
		return
	}
	reported, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		d.reply(peer, e, "ERROR: invalid offset")
		return
	}
	name := fields[1]

	if !d.srv.store.Exists(name) {
		d.reply(peer, e, "ERROR: file not found")
		return
	}
	if peer.sess.TransferKind() != session.TransferNone {
		d.reply(peer, e, "ERROR: transfer already in progress")
		return
	}

	size := d.srv.store.Size(name)
	offset, alreadyComplete := transfer.NegotiateResume(reported, size)
	if alreadyComplete {
		d.reply(peer, e, fmt.Sprintf("FILESIZE %d %d", size, size))
		return
	}

	dl, err := transfer.NewDownload(d.srv.store, name, offset)
	if err != nil {
		logging.LogError(err, "datagram download setup")
		d.reply(peer, e, "ERROR: cannot open file")
		return
	}

	logging.LogTransferStart("download", name, dl.Remaining())
	e.transferStart = time.Now()
	peer.sess.BeginDownload(dl)
	e.download = dl

	// The header names the size and the granted offset so the peer can
	// detect a restart from zero.
	d.sendMessage(peer, e, []byte(fmt.Sprintf("FILESIZE %d %d", size, dl.Offset())))
	d.pump(peer, e)
}

// pump advances an active download by as many chunks as the send
// window admits. The read position only commits after the chunk is in
// the window, so a full window retries the same bytes later.
func (d *datagramServer) pump(peer *peerState, e *exchange) {
	dl := e.download
	if dl == nil {
		return
	}
	if len(e.outbox) > 0 {
		// Header chunks go out first.
		return
	}

	now := time.Now()
	for dl.State() == transfer.StateActive && e.send.CanAdmit() {
		n, err := dl.NextChunk(d.chunk)
		if err != nil {
			logging.LogError(err, "datagram download")
			peer.sess.EndTransfer()
			e.download = nil
			e.replied = true
			return
		}
		if n == 0 {
			// Remaining bytes with nothing left to read: the source
			// shrank below the announced size.
			slog.Warn("Download source truncated mid-transfer",
				"peer", peer.addr.String(), "file", dl.Name)
			dl.Fail()
			peer.sess.EndTransfer()
			e.download = nil
			e.replied = true
			return
		}

		flags := packet.FlagData
		if int64(n) == dl.Remaining() {
			flags |= packet.FlagEnd
		}
		payload := make([]byte, n)
		copy(payload, d.chunk[:n])

		frame := packet.Encode(&packet.Packet{
			RequestID: e.rid,
			Seq:       e.nextSeq,
			Flags:     flags,
			Payload:   payload,
		})
		e.send.Admit(e.nextSeq, frame, now)
		e.nextSeq++
		d.write(peer.addr, frame)

		if dl.Advance(int64(n)) {
			logging.LogTransferComplete(dl.Name, dl.Size, time.Since(e.transferStart))
			peer.sess.EndTransfer()
			e.download = nil
			e.replied = true
			return
		}
	}
}

// tick performs the per-iteration maintenance: flush batched acks,
// retransmit due packets, drain outboxes, pump downloads, and retire
// finished exchanges.
func (d *datagramServer) tick() {
	d.flushAcks()

	now := time.Now()
	for _, peer := range d.peers {
		for rid, e := range peer.exchanges {
			due, err := e.send.Due(now)
			if err != nil {
				d.failExchange(peer, e)
				delete(peer.exchanges, rid)
				peer.retire(rid)
				continue
			}
			for _, entry := range due {
				slog.Debug("Retransmitting packet",
					"peer", peer.addr.String(),
					"request_id", rid,
					"seq", entry.Seq,
					"resends", entry.Resends)
				d.write(peer.addr, entry.Frame)
			}

			d.drainOutbox(peer, e)
			d.pump(peer, e)
			if e.retired() {
				delete(peer.exchanges, rid)
				peer.retire(rid)
			}
		}
	}
}

func (d *datagramServer) failExchange(peer *peerState, e *exchange) {
	slog.Warn("Retransmission ceiling exceeded",
		"peer", peer.addr.String(), "request_id", e.rid)

	if e.download != nil {
		e.download.Fail()
		peer.sess.EndTransfer()
		e.download = nil
	}
	if e.upload != nil {
		peer.sess.CloseTransfer()
		e.upload = nil
	}
}

// reply queues the terminal response message of an exchange.
func (d *datagramServer) reply(peer *peerState, e *exchange, msg string) {
	d.sendMessage(peer, e, []byte(msg))
	e.replied = true
}

// sendMessage queues one END-delimited message, split across packets
// when it exceeds the payload capacity.
func (d *datagramServer) sendMessage(peer *peerState, e *exchange, payload []byte) {
	chunks := splitPayload(payload, d.maxPayload)
	for i, c := range chunks {
		e.outbox = append(e.outbox, outPacket{payload: c, end: i == len(chunks)-1})
	}
	d.drainOutbox(peer, e)
}

func (d *datagramServer) drainOutbox(peer *peerState, e *exchange) {
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
		d.write(peer.addr, frame)
	}
}

func (d *datagramServer) flushAcks() {
	for _, a := range d.acks {
		d.transmit(a.addr, packet.Ack(a.rid, a.seq))
	}
	d.acks = d.acks[:0]
}

func (d *datagramServer) releasePeer(peer *peerState) {
	slog.Info("Datagram session closed",
		"peer", peer.addr.String(), "client_id", peer.sess.ID())
	d.srv.registry.Release(peer.sess)
	delete(d.peers, peer.addr.String())
}

func (d *datagramServer) newExchange(rid uint16) *exchange {
	cfg := d.srv.cfg
	return &exchange{
		rid:  rid,
		recv: window.NewReceiveWindow(cfg.WindowSize, 0),
		send: window.NewSendWindow(cfg.WindowSize, cfg.AckTimeout, cfg.MaxResends),
	}
}

func (d *datagramServer) transmit(addr *net.UDPAddr, p *packet.Packet) {
	d.write(addr, packet.Encode(p))
}

func (d *datagramServer) write(addr *net.UDPAddr, frame []byte) {
	if _, err := d.conn.WriteToUDP(frame, addr); err != nil {
		slog.Warn("Datagram send failed", "peer", addr.String(), "error", err)
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
