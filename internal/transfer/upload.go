package transfer

import (
	"os"

	"fileferry/internal/errors"
	"fileferry/internal/store"
)

// Upload is the receiver-side state machine for an incoming file. Data
// is staged in the partial directory and moved into the store only on
// completion; a failed or aborted upload removes the staging output.
type Upload struct {
	Name string
	Size int64

	received  int64
	state     State
	file      *os.File
	staged    string
	finalName string
	st        *store.Store
}

// NewUpload opens a fresh staging destination and activates the
// transfer.
func NewUpload(st *store.Store, name string, size int64) (*Upload, error) {
	if size < 0 {
		return nil, errors.NewValidationError("size", size, "negative upload size")
	}

	file, staged, err := st.Stage(name)
	if err != nil {
		return nil, err
	}

	return &Upload{
		Name:   name,
		Size:   size,
		state:  StateActive,
		file:   file,
		staged: staged,
		st:     st,
	}, nil
}

// State returns the current lifecycle state.
func (u *Upload) State() State { return u.state }

// Received returns the number of bytes appended so far.
func (u *Upload) Received() int64 { return u.received }

// Remaining returns the number of bytes still expected.
func (u *Upload) Remaining() int64 { return u.Size - u.received }

// FinalName returns the store name assigned on completion.
func (u *Upload) FinalName() string { return u.finalName }

// Write appends a chunk and advances the offset. The caller clamps
// chunks to Remaining. Reaching the declared size completes the
// transfer: the handle is closed and the staged file finalized. Any
// I/O error fails the transfer and removes the partial output.
func (u *Upload) Write(chunk []byte) (done bool, err error) {
	if u.state != StateActive {
		return false, errors.NewTransferError("write", u.Name, errors.ErrTransfer)
	}

	if _, werr := u.file.Write(chunk); werr != nil {
		u.fail()
		return false, errors.NewTransferError("write", u.Name, werr)
	}
	u.received += int64(len(chunk))

	if u.received < u.Size {
		return false, nil
	}
	return true, u.complete()
}

func (u *Upload) complete() error {
	if err := u.file.Close(); err != nil {
		u.state = StateFailed
		u.st.Discard(u.staged)
		return errors.NewTransferError("close", u.Name, err)
	}

	final, err := u.st.Finalize(u.staged, u.Name)
	if err != nil {
		u.state = StateFailed
		u.st.Discard(u.staged)
		return errors.NewTransferError("finalize", u.Name, err)
	}

	u.finalName = final
	u.state = StateCompleted
	return nil
}

func (u *Upload) fail() {
	u.state = StateFailed
	u.file.Close()
	u.st.Discard(u.staged)
}

// Close tears the upload down. An active transfer aborts and its
// partial output is removed; calling Close again has no effect.
func (u *Upload) Close() {
	if u.state != StateActive {
		return
	}
	u.state = StateAborted
	u.file.Close()
	u.st.Discard(u.staged)
}
