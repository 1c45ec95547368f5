package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerError(t *testing.T) {
	err := &BrokerError{
		Code:    NoBackup,
		Message: "No message to acknowledge",
		Op:      "accept",
	}

	assert.Equal(t, "timecapsule error 404 in accept: No message to acknowledge", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestBrokerErrorWithoutOp(t *testing.T) {
	err := &BrokerError{
		Code:    InternalError,
		Message: "Internal server error",
	}

	assert.Equal(t, "timecapsule error 500: Internal server error", err.Error())
}

func TestBrokerErrorWithCause(t *testing.T) {
	cause := errors.New("underlying error")
	err := &BrokerError{
		Code:    InternalError,
		Message: "Wrapper error",
		Cause:   cause,
	}

	assert.Equal(t, cause, err.Unwrap())
}

func TestInvalidStoreCommand(t *testing.T) {
	err := NewInvalidStoreCommand("STORE q1")

	assert.Equal(t, InvalidCommand, err.Code)
	assert.Equal(t, "STORE q1", err.Command)
	assert.True(t, IsInvalidCommand(err))
	assert.False(t, IsInvalidDate(err))
	assert.Contains(t, err.Message, "STORE <Queue Name> <Embargo Date>")
}

func TestInvalidFetchCommand(t *testing.T) {
	err := NewInvalidFetchCommand("FETCH")

	assert.True(t, IsInvalidCommand(err))
	assert.Contains(t, err.Message, "FETCH <Queue Name>")
}

func TestNotPrepared(t *testing.T) {
	err := NewNotPrepared("receive")

	assert.True(t, IsInvalidCommand(err))
	assert.Equal(t, "receive", err.Op)
}

func TestInvalidDate(t *testing.T) {
	err := NewInvalidDate("not-a-date")

	assert.Equal(t, InvalidDate, err.Code)
	assert.True(t, IsInvalidDate(err))
	assert.Equal(t, `Invalid date "not-a-date". Must be a RFC 2822 formatted date`, err.Message)
}

func TestUnknownCommand(t *testing.T) {
	err := NewUnknownCommand("PING")

	assert.Equal(t, UnknownCommand, err.Code)
	assert.Equal(t, "Unknown command PING", err.Message)
}

func TestNoBackup(t *testing.T) {
	err := NewNoBackup("q1")

	assert.True(t, IsNoBackup(err))
	assert.Equal(t, "q1", err.Queue)
}

func TestMessageReturnedToQueue(t *testing.T) {
	err := NewMessageReturnedToQueue("q1", 7)

	assert.True(t, IsMessageReturnedToQueue(err))
	assert.Equal(t, int64(7), err.ItemID)
	assert.Equal(t, "Message 7 returned to queue q1", err.Message)
}

func TestStoreError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewStoreError("incr", "tc.q1.__id", cause)

	assert.Equal(t, StoreUnavailable, err.Code)
	assert.True(t, IsStoreError(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "incr")
}

func TestLockLost(t *testing.T) {
	err := NewLockLost("q1", nil)

	assert.True(t, IsLockLost(err))
	assert.Equal(t, "q1", err.Queue)
}

func TestConfigValidationError(t *testing.T) {
	err := NewConfigValidationError("network", "port", "must be between 1 and 65535")

	assert.Equal(t, InternalError, err.Code)
	assert.Equal(t, "network", err.Section)
	assert.Equal(t, "port", err.Key)
	assert.Contains(t, err.Message, "network.port")
}

func TestWrappedErrorsKeepTheirCode(t *testing.T) {
	wrapped := fmt.Errorf("prepare: %w", NewInvalidDate("x"))

	assert.Equal(t, InvalidDate, GetErrorCode(wrapped))
	assert.True(t, IsInvalidDate(wrapped))
	assert.Equal(t, 0, GetErrorCode(errors.New("plain")))
	assert.Equal(t, 0, GetErrorCode(nil))
}

func TestReply(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "broker error uses its message",
			err:      NewInvalidDate("soon"),
			expected: `FAIL Invalid date "soon". Must be a RFC 2822 formatted date`,
		},
		{
			name:     "wrapped broker error",
			err:      fmt.Errorf("fetch: %w", NewNoBackup("q1")),
			expected: "FAIL No message to acknowledge",
		},
		{
			name:     "multi-line text is flattened",
			err:      NewUnknownCommand("HELLO\nWORLD"),
			expected: "FAIL Unknown command HELLO WORLD",
		},
		{
			name:     "plain error",
			err:      errors.New("boom"),
			expected: "FAIL boom",
		},
		{
			name:     "nil error",
			err:      nil,
			expected: "FAIL Internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Reply(tt.err))
		})
	}
}
