package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkError(t *testing.T) {
	operation := "dial"
	address := "localhost:12345"
	cause := errors.New("connection refused")

	err := NewNetworkError(operation, address, cause)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), operation)
	assert.Contains(t, err.Error(), address)
	assert.Contains(t, err.Error(), cause.Error())
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.True(t, errors.Is(err, cause))
}

func TestFileSystemError(t *testing.T) {
	operation := "stage"
	path := "partial/data.bin.part"
	cause := errors.New("permission denied")

	err := NewFileSystemError(operation, path, cause)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), operation)
	assert.Contains(t, err.Error(), path)
	assert.True(t, errors.Is(err, ErrFileSystem))
}

func TestProtocolError(t *testing.T) {
	operation := "decode"
	message := "bad magic marker"
	cause := errors.New("magic 0xBEEF")

	err := NewProtocolError(operation, message, cause)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), operation)
	assert.Contains(t, err.Error(), message)
	assert.Contains(t, err.Error(), cause.Error())
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestProtocolErrorWithoutCause(t *testing.T) {
	err := NewProtocolError("decode", "truncated frame", nil)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "truncated frame")
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestSessionError(t *testing.T) {
	err := NewSessionError("register", "ID already taken")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "register")
	assert.Contains(t, err.Error(), "ID already taken")
	assert.True(t, errors.Is(err, ErrSession))
}

func TestTransferError(t *testing.T) {
	cause := errors.New("disk full")
	err := NewTransferError("upload", "data.bin", cause)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "upload")
	assert.Contains(t, err.Error(), "data.bin")
	assert.Contains(t, err.Error(), cause.Error())
	assert.True(t, errors.Is(err, ErrTransfer))
	assert.True(t, errors.Is(err, cause))
}

func TestValidationError(t *testing.T) {
	field := "window_size"
	value := -1
	reason := "must be positive"

	err := NewValidationError(field, value, reason)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), field)
	assert.Contains(t, err.Error(), reason)
	assert.True(t, errors.Is(err, ErrValidation))
}
