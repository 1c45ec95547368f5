package errors

import (
	"errors"
	"fmt"
	"strings"
)

// BrokerError represents a general broker error
type BrokerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
	Cause   error  `json:"cause,omitempty"`
}

func (e *BrokerError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("timecapsule error %d in %s: %s", e.Code, e.Op, e.Message)
	}
	return fmt.Sprintf("timecapsule error %d: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Cause
}

func (e *BrokerError) As(target interface{}) bool {
	if brokerErr, ok := target.(**BrokerError); ok {
		*brokerErr = e
		return true
	}
	return false
}

// Error codes. Client-facing codes are in the 4xx range, store and
// coordination failures in the 5xx range, 3xx are conditions rather than
// failures.
const (
	MessageReturnedToQueue = 302

	InvalidCommand = 400
	InvalidDate    = 401
	NoBackup       = 404
	UnknownCommand = 405
	LockLost       = 409

	InternalError    = 500
	StoreUnavailable = 503
)

// Command Errors

// CommandError represents a malformed or unexpected protocol command
type CommandError struct {
	BrokerError
	Command string `json:"command,omitempty"`
}

func NewCommandError(code int, message, command string) *CommandError {
	return &CommandError{
		BrokerError: BrokerError{
			Code:    code,
			Message: message,
		},
		Command: command,
	}
}

func NewInvalidStoreCommand(command string) *CommandError {
	return NewCommandError(InvalidCommand, `Invalid command string. Must provide "STORE <Queue Name> <Embargo Date>"`, command)
}

func NewInvalidFetchCommand(command string) *CommandError {
	return NewCommandError(InvalidCommand, `Invalid command string. Must provide "FETCH <Queue Name>"`, command)
}

func NewNotPrepared(op string) *CommandError {
	err := NewCommandError(InvalidCommand, "Transaction has not been prepared", "")
	err.Op = op
	return err
}

func NewInvalidDate(token string) *CommandError {
	message := fmt.Sprintf("Invalid date %q. Must be a RFC 2822 formatted date", token)
	return NewCommandError(InvalidDate, message, token)
}

func NewUnknownCommand(text string) *CommandError {
	return NewCommandError(UnknownCommand, fmt.Sprintf("Unknown command %s", text), text)
}

func (e *CommandError) As(target interface{}) bool {
	if brokerErr, ok := target.(**BrokerError); ok {
		*brokerErr = &e.BrokerError
		return true
	}
	return false
}

// Item Errors

// ItemError represents a condition attached to a single queued item
type ItemError struct {
	BrokerError
	Queue  string `json:"queue,omitempty"`
	ItemID int64  `json:"item_id,omitempty"`
}

func NewItemError(code int, message, queue string, itemID int64) *ItemError {
	return &ItemError{
		BrokerError: BrokerError{
			Code:    code,
			Message: message,
		},
		Queue:  queue,
		ItemID: itemID,
	}
}

func NewNoBackup(queue string) *ItemError {
	return NewItemError(NoBackup, "No message to acknowledge", queue, 0)
}

func NewMessageReturnedToQueue(queue string, itemID int64) *ItemError {
	message := fmt.Sprintf("Message %d returned to queue %s", itemID, queue)
	return NewItemError(MessageReturnedToQueue, message, queue, itemID)
}

func (e *ItemError) As(target interface{}) bool {
	if brokerErr, ok := target.(**BrokerError); ok {
		*brokerErr = &e.BrokerError
		return true
	}
	return false
}

// Store Errors

// StoreError wraps a failure reported by the backing store
type StoreError struct {
	BrokerError
	Operation string `json:"operation"`
	Resource  string `json:"resource"`
}

func NewStoreError(operation, resource string, cause error) *StoreError {
	return &StoreError{
		BrokerError: BrokerError{
			Code:    StoreUnavailable,
			Message: fmt.Sprintf("Store unavailable for %s on %s", operation, resource),
			Op:      operation,
			Cause:   cause,
		},
		Operation: operation,
		Resource:  resource,
	}
}

func (e *StoreError) As(target interface{}) bool {
	if brokerErr, ok := target.(**BrokerError); ok {
		*brokerErr = &e.BrokerError
		return true
	}
	return false
}

// Lock Errors

// LockError represents loss of the promotion lease for a queue
type LockError struct {
	BrokerError
	Queue string `json:"queue"`
}

func NewLockLost(queue string, cause error) *LockError {
	return &LockError{
		BrokerError: BrokerError{
			Code:    LockLost,
			Message: fmt.Sprintf("Promotion lock lost for queue %s", queue),
			Cause:   cause,
		},
		Queue: queue,
	}
}

func (e *LockError) As(target interface{}) bool {
	if brokerErr, ok := target.(**BrokerError); ok {
		*brokerErr = &e.BrokerError
		return true
	}
	return false
}

// Configuration Errors

// ConfigError represents configuration-specific errors
type ConfigError struct {
	BrokerError
	Section string `json:"section"`
	Key     string `json:"key,omitempty"`
}

func NewConfigError(message, section, key string, cause error) *ConfigError {
	return &ConfigError{
		BrokerError: BrokerError{
			Code:    InternalError,
			Message: message,
			Cause:   cause,
		},
		Section: section,
		Key:     key,
	}
}

func NewConfigValidationError(section, key, reason string) *ConfigError {
	message := fmt.Sprintf("Configuration validation failed for %s.%s: %s", section, key, reason)
	return NewConfigError(message, section, key, nil)
}

func (e *ConfigError) As(target interface{}) bool {
	if brokerErr, ok := target.(**BrokerError); ok {
		*brokerErr = &e.BrokerError
		return true
	}
	return false
}

// Helper functions for common error checking

// GetErrorCode returns the broker error code if the error is a BrokerError
func GetErrorCode(err error) int {
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr.Code
	}
	return 0
}

// IsInvalidCommand reports malformed STORE/FETCH lines and unprepared transactions
func IsInvalidCommand(err error) bool {
	return GetErrorCode(err) == InvalidCommand
}

// IsInvalidDate reports an unparseable embargo date
func IsInvalidDate(err error) bool {
	return GetErrorCode(err) == InvalidDate
}

// IsNoBackup reports an accept or acknowledgement without an in-flight item
func IsNoBackup(err error) bool {
	return GetErrorCode(err) == NoBackup
}

// IsMessageReturnedToQueue reports that closing a consumer restored its item
func IsMessageReturnedToQueue(err error) bool {
	return GetErrorCode(err) == MessageReturnedToQueue
}

// IsLockLost reports that a promotion lease expired or could not be extended
func IsLockLost(err error) bool {
	return GetErrorCode(err) == LockLost
}

// IsStoreError checks if an error is a StoreError
func IsStoreError(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}

// Reply renders err as a single-line FAIL reply for the wire protocol.
func Reply(err error) string {
	msg := "Internal error"
	var brokerErr *BrokerError
	switch {
	case errors.As(err, &brokerErr):
		msg = brokerErr.Message
	case err != nil:
		msg = err.Error()
	}
	return "FAIL " + strings.Join(strings.Fields(msg), " ")
}
