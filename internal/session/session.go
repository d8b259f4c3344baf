// Package session tracks connected peers and their per-session state:
// the claimed client ID, buffered stream input, and at most one active
// transfer. The registry's client-ID set is the only state shared
// between sessions.
package session

import (
	"fileferry/internal/transfer"
)

// TransferKind tags the active transfer variant of a session.
type TransferKind int

const (
	TransferNone TransferKind = iota
	TransferUpload
	TransferDownload
)

// Session is the per-peer record. A session is owned by exactly one
// goroutine (the connection handler, or the datagram dispatcher for
// UDP peers); only registration and release go through the registry.
type Session struct {
	// Remote identifies the transport endpoint for logging.
	Remote string

	// Lines buffers partial stream input between reads.
	Lines LineBuffer

	id       string
	kind     TransferKind
	upload   *transfer.Upload
	download *transfer.Download
}

// New creates an unregistered session for the given remote endpoint.
func New(remote string) *Session {
	return &Session{Remote: remote}
}

// ID returns the claimed client ID, or "" before the handshake.
func (s *Session) ID() string { return s.id }

// TransferKind reports which transfer variant, if any, is active.
func (s *Session) TransferKind() TransferKind { return s.kind }

// Upload returns the active upload, or nil.
func (s *Session) Upload() *transfer.Upload {
	if s.kind != TransferUpload {
		return nil
	}
	return s.upload
}

// Download returns the active download, or nil.
func (s *Session) Download() *transfer.Download {
	if s.kind != TransferDownload {
		return nil
	}
	return s.download
}

// BeginUpload attaches an upload as the session's active transfer. Any
// previous transfer is torn down first; a session carries at most one.
func (s *Session) BeginUpload(u *transfer.Upload) {
	s.CloseTransfer()
	s.kind = TransferUpload
	s.upload = u
}

// BeginDownload attaches a download as the session's active transfer.
func (s *Session) BeginDownload(d *transfer.Download) {
	s.CloseTransfer()
	s.kind = TransferDownload
	s.download = d
}

// EndTransfer detaches a finished transfer without closing it. The
// caller has already observed completion.
func (s *Session) EndTransfer() {
	s.kind = TransferNone
	s.upload = nil
	s.download = nil
}

// CloseTransfer tears down the active transfer, if any, releasing its
// file handle. Idempotent.
func (s *Session) CloseTransfer() {
	switch s.kind {
	case TransferUpload:
		s.upload.Close()
	case TransferDownload:
		s.download.Close()
	}
	s.EndTransfer()
}
