/*
Copyright 2025 The Volmux Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package backend

import "errors"

// The normalized error taxonomy. Every error leaving the dispatcher matches
// exactly one of these kinds under errors.Is, with the raw vendor error kept
// reachable through Unwrap.
var (
	// ErrUnknownBackend is returned when no configured backend matches the
	// requested name.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrCapacityExhausted is returned when a pool cannot satisfy the
	// requested size.
	ErrCapacityExhausted = errors.New("capacity exhausted")
	// ErrUnsupportedProvisioning is returned when the requested provisioning
	// type is not in the backend's capability descriptor.
	ErrUnsupportedProvisioning = errors.New("unsupported provisioning type")
	// ErrUnsupportedOperation is returned when the backend's capability
	// descriptor does not cover the requested operation.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrInvalidSizeTransition is returned when extend is called with a new
	// size that does not grow the volume.
	ErrInvalidSizeTransition = errors.New("invalid size transition")
	// ErrExtendBlocked is returned when the volume has an active snapshot or
	// is mid replication resync and the backend declares either as extend
	// blocking.
	ErrExtendBlocked = errors.New("extend blocked")
	// ErrRetypeRequiresMigration is returned when the retype cannot be done
	// in place and the migration policy forbids migrating.
	ErrRetypeRequiresMigration = errors.New("retype requires migration")
	// ErrAlreadyManaged is returned when manage is called for an array
	// object whose naming already carries the reserved prefix.
	ErrAlreadyManaged = errors.New("already managed")
	// ErrOperationTimeout is returned when every attempt of an operation ran
	// into the per attempt ceiling.
	ErrOperationTimeout = errors.New("operation timed out")
	// ErrTransport is the catch-all for adapter level I/O failure after
	// retries are exhausted.
	ErrTransport = errors.New("transport failure")
	// ErrReplicationStateConflict is returned for an illegal replication
	// session transition.
	ErrReplicationStateConflict = errors.New("replication state conflict")

	// ErrVolumeNotFound is returned when the handle does not exist on the
	// array. DeleteVolume swallows it to stay idempotent.
	ErrVolumeNotFound = errors.New("volume not found")
	// ErrSnapshotNotFound is returned when the snapshot handle does not
	// exist on the array.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrOperationPending is returned when another operation is in flight
	// for the same handle.
	ErrOperationPending = errors.New("operation already in progress for handle")
)
