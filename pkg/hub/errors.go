package hub

import "errors"

var (
	// ErrOutOfRange is returned for invalid port numbers and device indexes.
	ErrOutOfRange = errors.New("out of range")

	// ErrDeviceCommunication is returned when a hub cannot be opened or a transfer fails.
	ErrDeviceCommunication = errors.New("device communication failed")

	// ErrStaleSnapshot is returned when a snapshot is used after a newer scan replaced it.
	// It always comes wrapped together with ErrOutOfRange.
	ErrStaleSnapshot = errors.New("scan snapshot is stale")
)
