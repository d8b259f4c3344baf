package transfer

import (
	"io"
	"os"

	"fileferry/internal/errors"
	"fileferry/internal/store"
)

// Download is the sender-side state machine for an outgoing file. The
// read position advances only after a chunk was handed to the
// transport: when the transport cannot currently accept more output,
// the same chunk is re-read later without loss or duplication.
type Download struct {
	Name string
	Size int64

	offset int64
	state  State
	file   *os.File
}

// NewDownload opens the source at the negotiated resume offset. An
// offset beyond the source size is untrustworthy and restarts from
// zero. The caller is responsible for not starting a download whose
// offset already equals the size.
func NewDownload(st *store.Store, name string, offset int64) (*Download, error) {
	if offset < 0 {
		offset = 0
	}

	file, size, err := st.OpenRead(name, 0)
	if err != nil {
		return nil, err
	}

	if offset > size {
		offset = 0
	}

	return &Download{
		Name:   name,
		Size:   size,
		offset: offset,
		state:  StateActive,
		file:   file,
	}, nil
}

// State returns the current lifecycle state.
func (d *Download) State() State { return d.state }

// Offset returns the next byte position to send.
func (d *Download) Offset() int64 { return d.offset }

// Remaining returns the number of bytes left to send.
func (d *Download) Remaining() int64 { return d.Size - d.offset }

// NextChunk reads the next chunk at the current offset without
// advancing it. Returns 0 when the transfer is finished.
func (d *Download) NextChunk(buf []byte) (int, error) {
	if d.state != StateActive {
		return 0, errors.NewTransferError("read", d.Name, errors.ErrTransfer)
	}

	remaining := d.Remaining()
	if remaining <= 0 {
		return 0, nil
	}
	if int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	n, err := d.file.ReadAt(buf, d.offset)
	if err != nil && err != io.EOF {
		d.Fail()
		return 0, errors.NewTransferError("read", d.Name, err)
	}
	return n, nil
}

// Advance commits n bytes as sent and reports whether the transfer
// just completed. Completion closes the handle.
func (d *Download) Advance(n int64) bool {
	if d.state != StateActive {
		return false
	}

	d.offset += n
	if d.offset >= d.Size {
		d.offset = d.Size
		d.state = StateCompleted
		d.file.Close()
		return true
	}
	return false
}

// Fail marks the transfer failed and releases the handle. A partial
// download stays resumable by offset on a later request.
func (d *Download) Fail() {
	if d.state != StateActive {
		return
	}
	d.state = StateFailed
	d.file.Close()
}

// Close tears the download down; idempotent.
func (d *Download) Close() {
	if d.state != StateActive {
		return
	}
	d.state = StateAborted
	d.file.Close()
}
