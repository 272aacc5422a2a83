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

// Package dispatch routes volume operations to the right backend driver and
// owns the cross cutting request behavior: per volume serialization, retry
// of transient transport failures, replication aware routing and operation
// accounting.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/volmux/volmux/internal/backend"
	"github.com/volmux/volmux/internal/util"
	"github.com/volmux/volmux/internal/util/log"
)

// SessionResolver reroutes operations on replicated volumes. After a
// failover, operations must land on the session's active backend no matter
// which backend the caller addressed.
type SessionResolver interface {
	// ActiveBackendFor returns the backend operations on the volume must be
	// routed to. ok is false when the volume is not enrolled in any
	// replication session.
	ActiveBackendFor(handle string) (active string, ok bool)
}

// Dispatcher is the single entry point for volume operations. It resolves
// the backend, serializes operations per volume and retries transient
// transport failures with exponential backoff.
type Dispatcher struct {
	registry *backend.Registry
	sessions SessionResolver
	locks    *util.VolumeLocks
	retrier  Retrier
	stats    *statsCache
}

// NewDispatcher wires a Dispatcher against the registry. sessions may be nil
// when replication is not configured.
func NewDispatcher(registry *backend.Registry, sessions SessionResolver, cfg *util.Config) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		sessions: sessions,
		locks:    util.NewVolumeLocks(),
		retrier: Retrier{
			Backoff: wait.Backoff{
				Duration: cfg.RetryInterval,
				Factor:   2.0,
				Steps:    cfg.RetrySteps,
				Cap:      time.Minute,
			},
			AttemptTimeout: cfg.AttemptTimeout,
		},
		stats: newStatsCache(),
	}
}

// resolve maps the addressed backend to the one that must execute the
// operation. Volumes enrolled in a replication session follow the session's
// active side.
func (d *Dispatcher) resolve(ctx context.Context, backendName, volumeID string) (backend.Driver, string, error) {
	routed := backendName
	if d.sessions != nil && volumeID != "" {
		if active, ok := d.sessions.ActiveBackendFor(volumeID); ok && active != backendName {
			log.UsefulLog(ctx, "volume %s is enrolled in a failed over session, routing %s -> %s",
				volumeID, backendName, active)
			routed = active
		}
	}

	drv, err := d.registry.Get(routed)
	if err != nil {
		return nil, routed, err
	}

	return drv, routed, nil
}

// invoke runs one mutating operation: resolve, lock, retry, account. The
// volume lock covers the whole retry loop so a retried attempt can never
// interleave with a second operation on the same volume.
func (d *Dispatcher) invoke(
	ctx context.Context,
	opName, backendName, volumeID string,
	fn func(ctx context.Context, drv backend.Driver) error,
) error {
	start := time.Now()
	drv, routed, err := d.resolve(ctx, backendName, volumeID)
	if err != nil {
		observeOperation(opName, backendName, start, err)

		return err
	}
	ctx = util.NewOperationContext(ctx, routed)

	lockKey := routed + "/" + volumeID
	if ok := d.locks.TryAcquire(lockKey); !ok {
		err = util.JoinErrors(backend.ErrOperationPending,
			fmt.Errorf("an operation on %s is already in progress on backend %s", volumeID, routed))
		observeOperation(opName, routed, start, err)

		return err
	}
	defer d.locks.Release(lockKey)

	retrier := d.retrier
	retrier.OnRetry = func() {
		operationRetries.WithLabelValues(opName, routed).Inc()
	}

	err = retrier.Do(ctx, opName, func(ctx context.Context) error {
		return fn(ctx, drv)
	})
	observeOperation(opName, routed, start, err)
	if err != nil {
		log.ErrorLog(ctx, "%s on %s failed: %v", opName, volumeID, err)
	} else {
		log.ExtendedLog(ctx, "%s on %s completed in %v", opName, volumeID, time.Since(start))
	}

	return err
}

// invokeRead runs one read only operation without taking the volume lock,
// status polling must not be starved by a long running mutation.
func (d *Dispatcher) invokeRead(
	ctx context.Context,
	opName, backendName, volumeID string,
	fn func(ctx context.Context, drv backend.Driver) error,
) error {
	start := time.Now()
	drv, routed, err := d.resolve(ctx, backendName, volumeID)
	if err != nil {
		observeOperation(opName, backendName, start, err)

		return err
	}
	ctx = util.NewOperationContext(ctx, routed)

	retrier := d.retrier
	retrier.OnRetry = func() {
		operationRetries.WithLabelValues(opName, routed).Inc()
	}

	err = retrier.Do(ctx, opName, func(ctx context.Context) error {
		return fn(ctx, drv)
	})
	observeOperation(opName, routed, start, err)

	return err
}

func (d *Dispatcher) CreateVolume(
	ctx context.Context,
	backendName string,
	req backend.CreateVolumeRequest,
) (*backend.Volume, error) {
	var vol *backend.Volume
	err := d.invoke(ctx, "CreateVolume", backendName, req.Name,
		func(ctx context.Context, drv backend.Driver) error {
			if !drv.Capabilities().SupportsProvisioning(req.Provisioning) {
				return util.JoinErrors(backend.ErrUnsupportedProvisioning,
					fmt.Errorf("backend %s does not support %s volumes", drv.BackendName(), req.Provisioning))
			}

			var err error
			vol, err = drv.CreateVolume(ctx, req)

			return err
		})
	if err != nil {
		return nil, err
	}
	d.stats.invalidate(vol.Backend, req.Pool)

	return vol, nil
}

func (d *Dispatcher) DeleteVolume(ctx context.Context, backendName, handle string) error {
	// the routed backend changed, not necessarily the addressed one
	routed := backendName
	err := d.invoke(ctx, "DeleteVolume", backendName, handle,
		func(ctx context.Context, drv backend.Driver) error {
			routed = drv.BackendName()

			return drv.DeleteVolume(ctx, handle)
		})
	if err == nil {
		d.stats.invalidateBackend(routed)
	}

	return err
}

func (d *Dispatcher) ExtendVolume(ctx context.Context, backendName, handle string, newSizeGiB int64) error {
	routed := backendName
	err := d.invoke(ctx, "ExtendVolume", backendName, handle,
		func(ctx context.Context, drv backend.Driver) error {
			routed = drv.BackendName()

			return drv.ExtendVolume(ctx, handle, newSizeGiB)
		})
	if err == nil {
		d.stats.invalidateBackend(routed)
	}

	return err
}

func (d *Dispatcher) AttachVolume(
	ctx context.Context,
	backendName, handle string,
	conn backend.Connector,
) (*backend.ConnectionInfo, error) {
	var info *backend.ConnectionInfo
	err := d.invoke(ctx, "AttachVolume", backendName, handle,
		func(ctx context.Context, drv backend.Driver) error {
			var err error
			info, err = drv.AttachVolume(ctx, handle, conn)

			return err
		})
	if err != nil {
		return nil, err
	}

	return info, nil
}

func (d *Dispatcher) DetachVolume(ctx context.Context, backendName, handle string, conn backend.Connector) error {
	return d.invoke(ctx, "DetachVolume", backendName, handle,
		func(ctx context.Context, drv backend.Driver) error {
			return drv.DetachVolume(ctx, handle, conn)
		})
}

func (d *Dispatcher) CreateSnapshot(ctx context.Context, backendName, handle string) (*backend.Snapshot, error) {
	var snap *backend.Snapshot
	err := d.invoke(ctx, "CreateSnapshot", backendName, handle,
		func(ctx context.Context, drv backend.Driver) error {
			var err error
			snap, err = drv.CreateSnapshot(ctx, handle)

			return err
		})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

func (d *Dispatcher) DeleteSnapshot(ctx context.Context, backendName, snapHandle string) error {
	return d.invoke(ctx, "DeleteSnapshot", backendName, snapHandle,
		func(ctx context.Context, drv backend.Driver) error {
			return drv.DeleteSnapshot(ctx, snapHandle)
		})
}

func (d *Dispatcher) CreateVolumeFromSnapshot(
	ctx context.Context,
	backendName, snapHandle string,
	req backend.CreateVolumeRequest,
) (*backend.Volume, error) {
	var vol *backend.Volume
	err := d.invoke(ctx, "CreateVolumeFromSnapshot", backendName, snapHandle,
		func(ctx context.Context, drv backend.Driver) error {
			var err error
			vol, err = drv.CreateVolumeFromSnapshot(ctx, snapHandle, req)

			return err
		})
	if err != nil {
		return nil, err
	}
	d.stats.invalidate(vol.Backend, req.Pool)

	return vol, nil
}

func (d *Dispatcher) CloneVolume(
	ctx context.Context,
	backendName, handle string,
	req backend.CreateVolumeRequest,
) (*backend.Volume, error) {
	var vol *backend.Volume
	err := d.invoke(ctx, "CloneVolume", backendName, handle,
		func(ctx context.Context, drv backend.Driver) error {
			var err error
			vol, err = drv.CloneVolume(ctx, handle, req)

			return err
		})
	if err != nil {
		return nil, err
	}
	d.stats.invalidate(vol.Backend, req.Pool)

	return vol, nil
}

func (d *Dispatcher) RetypeVolume(
	ctx context.Context,
	backendName, handle string,
	newType backend.ProvisioningType,
	policy backend.MigrationPolicy,
) error {
	return d.invoke(ctx, "RetypeVolume", backendName, handle,
		func(ctx context.Context, drv backend.Driver) error {
			return drv.RetypeVolume(ctx, handle, newType, policy)
		})
}

func (d *Dispatcher) ManageExisting(
	ctx context.Context,
	backendName, externalID string,
	req backend.ManageRequest,
) (*backend.Volume, error) {
	var vol *backend.Volume
	err := d.invoke(ctx, "ManageExisting", backendName, externalID,
		func(ctx context.Context, drv backend.Driver) error {
			var err error
			vol, err = drv.ManageExisting(ctx, externalID, req)

			return err
		})
	if err != nil {
		return nil, err
	}

	return vol, nil
}

func (d *Dispatcher) Unmanage(ctx context.Context, backendName, handle string) error {
	return d.invoke(ctx, "Unmanage", backendName, handle,
		func(ctx context.Context, drv backend.Driver) error {
			return drv.Unmanage(ctx, handle)
		})
}

func (d *Dispatcher) GetVolume(ctx context.Context, backendName, handle string) (*backend.Volume, error) {
	var vol *backend.Volume
	err := d.invokeRead(ctx, "GetVolume", backendName, handle,
		func(ctx context.Context, drv backend.Driver) error {
			var err error
			vol, err = drv.GetVolume(ctx, handle)

			return err
		})
	if err != nil {
		return nil, err
	}

	return vol, nil
}

// GetCapacity serves pool capacity, from cache when a fresh report exists.
func (d *Dispatcher) GetCapacity(ctx context.Context, backendName, pool string) (*backend.PoolCapacity, error) {
	if capacity, ok := d.stats.get(backendName, pool); ok {
		return capacity, nil
	}

	var capacity *backend.PoolCapacity
	err := d.invokeRead(ctx, "GetCapacity", backendName, "",
		func(ctx context.Context, drv backend.Driver) error {
			var err error
			capacity, err = drv.GetCapacity(ctx, pool)

			return err
		})
	if err != nil {
		return nil, err
	}
	d.stats.put(backendName, capacity)

	return capacity, nil
}

// Ping probes backend reachability, bypassing the retry loop. A probe that
// needs retries is a failed probe.
func (d *Dispatcher) Ping(ctx context.Context, backendName string) error {
	drv, err := d.registry.Get(backendName)
	if err != nil {
		return err
	}

	return drv.Ping(ctx)
}
