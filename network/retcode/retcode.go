// Package retcode defines the return codes shared by every PIPC layer.
package retcode

import (
	"errors"
	"strconv"
)

// ReturnCode is a PIPC status. Every non-OK code is an error value and callers
// compare with errors.Is.
type ReturnCode uint16

const (
	OK ReturnCode = iota
	GeneralError
	QueueFull
	QueueEmpty
	ChecksumError
	NetworkError
	TransportError
	SessionError
	NotConnected
	PermissionDenied
	PortInUse
	PortOutOfBounds
	PortsExhausted
	SdRegistryFull
	SdIamGrantDenied
	SdAlreadyRegistered
	InvalidSubscriptionMsg
	RegistryFull
	NotFound
	Timeout
	maxCode
)

var _names = [...]string{
	OK:                     "ok",
	GeneralError:           "general error",
	QueueFull:              "queue full",
	QueueEmpty:             "queue empty",
	ChecksumError:          "checksum error",
	NetworkError:           "network error",
	TransportError:         "transport error",
	SessionError:           "session error",
	NotConnected:           "not connected",
	PermissionDenied:       "permission denied",
	PortInUse:              "port in use",
	PortOutOfBounds:        "port out of bounds",
	PortsExhausted:         "ports exhausted",
	SdRegistryFull:         "sd registry full",
	SdIamGrantDenied:       "sd iam grant denied",
	SdAlreadyRegistered:    "sd already registered",
	InvalidSubscriptionMsg: "invalid subscription message",
	RegistryFull:           "registry full",
	NotFound:               "not found",
	Timeout:                "timeout",
}

// String returns the code name.
func (c ReturnCode) String() string {
	if c < maxCode {
		return _names[c]
	}
	return "retcode(" + strconv.Itoa(int(c)) + ")"
}

// Error implements error with a "pipc: " prefix.
func (c ReturnCode) Error() string {
	return "pipc: " + c.String()
}

// Err converts c into an error, mapping OK to nil.
func (c ReturnCode) Err() error {
	if c == OK {
		return nil
	}
	return c
}

// FromError extracts the return code carried by err. A nil error is OK, and an
// error carrying no code is GeneralError.
func FromError(err error) ReturnCode {
	if err == nil {
		return OK
	}
	var c ReturnCode
	if errors.As(err, &c) {
		return c
	}
	return GeneralError
}
