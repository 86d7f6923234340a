package offlinecache

import "errors"

var (
	// ErrNoResponse is returned when neither the network nor any store could answer a request.
	ErrNoResponse = errors.New("no response available")
	// ErrNetwork wraps failures to get any response at all from the network.
	ErrNetwork = errors.New("network error")
	// ErrClosed is returned for work started after Shutdown.
	ErrClosed = errors.New("offline cache closed")
	// ErrNotInstalled is returned when activating a version that has not been installed.
	ErrNotInstalled = errors.New("shell not installed")
	// ErrBusy is returned when a lifecycle operation is already running.
	ErrBusy = errors.New("lifecycle operation in progress")
	// ErrUnknownMessage is returned for inbound messages of an unsupported type.
	ErrUnknownMessage = errors.New("unknown message type")
)
