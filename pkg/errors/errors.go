// Package errors provides standard error types for trimorph.
//
// These sentinel errors allow callers to check for specific error conditions
// using errors.Is(), and let the daemon map failures onto protocol error kinds.
package errors

import "errors"

// Lookup errors
var (
	// ErrJailNotFound indicates no loaded descriptor has the requested name.
	ErrJailNotFound = errors.New("jail not found")

	// ErrFileNotFound indicates a referenced file does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrJailStale indicates the jail's descriptor vanished on reload.
	// A stale jail can still be stopped but never started again.
	ErrJailStale = errors.New("jail descriptor is stale")
)

// Jail state errors
var (
	// ErrJailRunning indicates the operation requires a jail that is not running.
	ErrJailRunning = errors.New("jail is already running")

	// ErrJailNotRunning indicates the operation requires a running jail.
	ErrJailNotRunning = errors.New("jail is not running")
)

// Package manager errors
var (
	// ErrUnsupportedFormat indicates no registry entry matches a package path.
	ErrUnsupportedFormat = errors.New("unsupported package format")

	// ErrBusy indicates the host package database is in use, either by another
	// trimorph install holding the lock or by a native package manager process.
	ErrBusy = errors.New("host package manager is busy")

	// ErrToolMissing indicates a required external binary is not installed.
	ErrToolMissing = errors.New("required tool is missing")
)

// Configuration errors
var (
	// ErrInvalidConfig indicates a descriptor or settings file is malformed.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Runtime errors
var (
	// ErrMount indicates an overlay mount failure.
	ErrMount = errors.New("overlay mount failed")

	// ErrBadRequest indicates a malformed daemon request.
	ErrBadRequest = errors.New("bad request")

	// ErrDaemonNotRunning indicates the daemon socket did not answer.
	ErrDaemonNotRunning = errors.New("daemon is not running")

	// ErrUnsupportedPlatform indicates a Linux-only operation was attempted elsewhere.
	ErrUnsupportedPlatform = errors.New("operation is only supported on linux")
)
