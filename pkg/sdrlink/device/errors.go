package device

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound             = errors.New("device not found")
	ErrFailedToInitialize         = errors.New("failed to initialize device")
	ErrCantEstablishTCPConnection = errors.New("can't establish tcp connection")
	ErrOperationFailed            = errors.New("operation failed")
	ErrReadInProgress             = errors.New("a read is already active on this device")
)

// OperationFailedError reports a control operation rejected by the
// transport or the protocol.
type OperationFailedError struct {
	Operation string
	Err       error
}

func OperationFailed(operation string, err error) *OperationFailedError {
	return &OperationFailedError{Operation: operation, Err: err}
}

func (e *OperationFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrOperationFailed, e.Operation)
	}
	return fmt.Sprintf("%s: %s: %s", ErrOperationFailed, e.Operation, e.Err)
}

func (e *OperationFailedError) Unwrap() error {
	return e.Err
}

func (e *OperationFailedError) Is(target error) bool {
	return target == ErrOperationFailed
}
