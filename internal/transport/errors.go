package transport

import (
	"fmt"
	"net/http"

	nberrors "github.com/alexjbarnes/nas-backup/internal/errors"
)

// Error is returned by every Client operation that fails on the wire or
// receives a non-2xx answer. It unwraps to ErrTransport plus a more
// specific sentinel when the status and code allow one, and to the
// underlying network error when there is one.
type Error struct {
	// Op names the operation and its target, e.g. "delete photos/a.jpg".
	Op string
	// Status is the HTTP status, or 0 when no response arrived.
	Status int
	// Code is the server's machine-readable error code, if any.
	Code string
	// Message is the server's error text, if any.
	Message string
	// Err is the network-level cause when Status is 0.
	Err error

	malformed bool
}

func (e *Error) Error() string {
	switch {
	case e.Status == 0:
		return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
	case e.malformed:
		return fmt.Sprintf("%s: malformed response (status %d): %s", e.Op, e.Status, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: server error: %d: %s", e.Op, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: server error: %d", e.Op, e.Status)
	}
}

func (e *Error) Unwrap() []error {
	errs := []error{nberrors.ErrTransport}

	if e.malformed {
		errs = append(errs, nberrors.ErrRemoteResponse)
	}

	if s := e.sentinel(); s != nil {
		errs = append(errs, s)
	}

	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	return errs
}

func (e *Error) sentinel() error {
	switch e.Code {
	case "INVALID_PATH", "INVALID_FILENAME":
		return nberrors.ErrInvalidPath
	case "FILE_NOT_FOUND":
		return nberrors.ErrNotFound
	case "NOT_A_FILE":
		return nberrors.ErrNotAFile
	case "NOT_A_DIRECTORY":
		return nberrors.ErrNotADirectory
	}

	if e.Status == http.StatusNotFound {
		return nberrors.ErrNotFound
	}

	return nil
}
