package capture

import (
	"errors"
	"fmt"

	"barcodegate/barcode"
)

var (
	ErrUnknownRole  = errors.New("unknown role")
	ErrEngineClosed = errors.New("engine is shut down")
	ErrPortInUse    = errors.New("port is bound to another role")
	ErrEmptyPort    = errors.New("port name is empty")
)

// ConnectionError reports that a selected port could not be opened.
// The role is left unbound.
type ConnectionError struct {
	Role barcode.Role
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connect %s: %v", e.Role, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ReadError reports a non-timeout read failure that stopped a listener
type ReadError struct {
	Role barcode.Role
	Port string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s: read %s: %v", e.Role, e.Port, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}
