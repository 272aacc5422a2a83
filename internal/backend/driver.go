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

import "context"

// Driver is the uniform volume-lifecycle contract every vendor family
// implements. A driver is constructed against exactly one backend and must
// never mutate state on any other backend, cross-backend behavior such as
// replication failover lives outside the drivers.
//
// Idempotency rules:
//   - DeleteVolume and DeleteSnapshot return success for handles that are
//     already absent, so a retried call after a lost response does not fail.
//   - AttachVolume returns the existing ConnectionInfo when called again
//     with the same (handle, connector) pair.
type Driver interface {
	// CreateVolume provisions a new volume. It fails with
	// ErrCapacityExhausted when the pool cannot satisfy the size and with
	// ErrUnsupportedProvisioning when the requested type is not supported.
	CreateVolume(ctx context.Context, req CreateVolumeRequest) (*Volume, error)
	// DeleteVolume removes the volume from the array. Idempotent.
	DeleteVolume(ctx context.Context, handle string) error
	// ExtendVolume grows the volume to newSizeGiB. It fails with
	// ErrInvalidSizeTransition when newSizeGiB does not grow the volume and
	// with ErrExtendBlocked when an active snapshot or a replication resync
	// blocks the extend on this backend.
	ExtendVolume(ctx context.Context, handle string, newSizeGiB int64) error

	// AttachVolume exports the volume to the given connector. Idempotent
	// per (handle, connector) pair.
	AttachVolume(ctx context.Context, handle string, conn Connector) (*ConnectionInfo, error)
	// DetachVolume removes the export. Detaching an absent attachment
	// returns success.
	DetachVolume(ctx context.Context, handle string, conn Connector) error

	CreateSnapshot(ctx context.Context, handle string) (*Snapshot, error)
	// DeleteSnapshot removes the snapshot from the array. Idempotent.
	DeleteSnapshot(ctx context.Context, snapHandle string) error
	CreateVolumeFromSnapshot(ctx context.Context, snapHandle string, req CreateVolumeRequest) (*Volume, error)
	CloneVolume(ctx context.Context, handle string, req CreateVolumeRequest) (*Volume, error)

	// RetypeVolume changes the provisioning type. With MigrateNever it
	// fails with ErrRetypeRequiresMigration unless the transition can be
	// applied in place.
	RetypeVolume(ctx context.Context, handle string, newType ProvisioningType, policy MigrationPolicy) error

	// ManageExisting adopts an array object that was created outside this
	// system. It fails with ErrAlreadyManaged when the object's naming
	// already carries the reserved prefix.
	ManageExisting(ctx context.Context, externalID string, req ManageRequest) (*Volume, error)
	// Unmanage drops the bookkeeping for the volume without touching the
	// underlying array object.
	Unmanage(ctx context.Context, handle string) error

	// GetVolume fetches the current state of the volume from the array,
	// used for status polling and reconciliation after a cancelled wait.
	GetVolume(ctx context.Context, handle string) (*Volume, error)
	// GetCapacity reports the capacity of one allocation pool.
	GetCapacity(ctx context.Context, pool string) (*PoolCapacity, error)
	// Ping is a cheap reachability probe of the backend.
	Ping(ctx context.Context) error

	// Capabilities returns the static capability descriptor of the backend.
	Capabilities() Capabilities
	// BackendName returns the configured name of the backend.
	BackendName() string
	// Close releases the transport session of the driver. In-flight calls
	// keep their sessions alive until they return.
	Close()
}
