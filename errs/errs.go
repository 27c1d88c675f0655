// Package errs collects the error taxonomy of spec.md §7: the kinds
// of failure that can cross a component boundary, as opposed to the
// Raft Core's own internal, never-escaping protocol errors
// (raft.ErrProposalDropped and friends, which stay inside package raft).
package errs

import "github.com/pkg/errors"

// ConfigError wraps an invalid combination of configuration parameters
// (e.g. concurrent_proposals > num_proposals, an unknown reconfiguration
// policy string). Surfaced to the caller; never recovered locally.
type ConfigError struct {
	cause error
}

func NewConfigError(format string, args ...interface{}) error {
	return &ConfigError{cause: errors.Errorf(format, args...)}
}

func (e *ConfigError) Error() string { return "config error: " + e.cause.Error() }
func (e *ConfigError) Cause() error  { return e.cause }
func (e *ConfigError) Unwrap() error { return e.cause }

// TransportError wraps a serialization mismatch or unknown wire tag.
// Logged and dropped by the caller; must never disturb Raft state.
type TransportError struct {
	cause error
}

func NewTransportError(format string, args ...interface{}) error {
	return &TransportError{cause: errors.Errorf(format, args...)}
}

func (e *TransportError) Error() string { return "transport error: " + e.cause.Error() }
func (e *TransportError) Cause() error  { return e.cause }
func (e *TransportError) Unwrap() error { return e.cause }

// StorageError wraps a Log Store append/read failure. Fatal at the
// replica level: the owning Replica Shell logs and halts its ready
// loop, but must not crash its peers.
type StorageError struct {
	cause error
}

func WrapStorageError(cause error, format string, args ...interface{}) error {
	return &StorageError{cause: errors.Wrapf(cause, format, args...)}
}

func (e *StorageError) Error() string { return "storage error: " + e.cause.Error() }
func (e *StorageError) Cause() error  { return e.cause }
func (e *StorageError) Unwrap() error { return e.cause }

// ErrRemoved is logged when a message reaches a replica that has
// already transitioned to raft.ReconfigStateRemoved and stopped.
var ErrRemoved = errors.New("replica has been removed from the voter set")

// ErrUnreachable marks a branch the source treats as unreachable: a
// PendingReconfiguration notification arriving after the client has
// already moved on to the new configuration (spec.md §9 Open Question
// 3). Surfaced rather than silently absorbed.
var ErrUnreachable = errors.New("unreachable: PendingReconfiguration after configuration already advanced")

// Cause unwraps a wrapped error to its root, mirroring
// github.com/pkg/errors.Cause for the error types defined here.
func Cause(err error) error { return errors.Cause(err) }
