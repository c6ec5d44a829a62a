// Package errors holds the sentinel errors shared by the client and the
// remote server. Callers match them with errors.Is; concrete error types
// elsewhere (store.Error, transport.Error) unwrap to one of these.
package errors

import "errors"

// Remote path and filesystem errors.
var (
	ErrInvalidPath   = errors.New("invalid path")
	ErrNotFound      = errors.New("not found")
	ErrNotAFile      = errors.New("not a file")
	ErrNotADirectory = errors.New("not a directory")
)

// Transport errors.
var (
	ErrTransport      = errors.New("transport request failed")
	ErrRemoteResponse = errors.New("unexpected remote response")
)

// Client-side configuration and tracking errors.
var (
	ErrNameCollision  = errors.New("remote directory name collision")
	ErrRunInProgress  = errors.New("backup run already in progress")
	ErrAlreadyTracked = errors.New("path already tracked")
	ErrNotTracked     = errors.New("path not tracked")
)
