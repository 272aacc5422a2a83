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

// Package drivers holds the vendor family implementations of the
// backend.Driver contract. The lifecycle semantics are shared in
// ArrayDriver, a family package contributes its transport adapter and the
// operation vocabulary its arrays speak.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/volmux/volmux/internal/backend"
	"github.com/volmux/volmux/internal/transport"
	"github.com/volmux/volmux/internal/util"
	"github.com/volmux/volmux/internal/util/log"
)

// OpSet names the array side operation for each lifecycle step. REST arrays
// use dotted resource verbs, CLI arrays use their command names, the
// semantics behind them are identical.
type OpSet struct {
	CreateVolume       string
	DeleteVolume       string
	ExtendVolume       string
	AttachVolume       string
	DetachVolume       string
	CreateSnapshot     string
	DeleteSnapshot     string
	GetSnapshot        string
	CreateFromSnapshot string
	CloneVolume        string
	RetypeVolume       string
	MigrateVolume      string
	RenameVolume       string
	GetVolume          string
	ListVolumes        string
	GetCapacity        string
}

// ArrayDriver implements backend.Driver for one backend over one transport
// adapter. All vendor differences are captured by the OpSet and the
// capability descriptor, the lifecycle rules here are family independent.
type ArrayDriver struct {
	desc    backend.Descriptor
	adapter transport.Adapter
	ops     OpSet

	// opLock guards relations the per volume serialization in the
	// dispatcher cannot see, such as deleting a volume while one of its
	// snapshots is being restored.
	opLock *util.OperationLock
}

var _ backend.Driver = &ArrayDriver{}

// NewArrayDriver wraps the adapter in the shared lifecycle implementation.
func NewArrayDriver(desc backend.Descriptor, adapter transport.Adapter, ops OpSet) *ArrayDriver {
	return &ArrayDriver{
		desc:    desc,
		adapter: adapter,
		ops:     ops,
		opLock:  util.NewOperationLock(),
	}
}

func (d *ArrayDriver) CreateVolume(
	ctx context.Context,
	req backend.CreateVolumeRequest,
) (*backend.Volume, error) {
	if req.Name == "" || req.SizeGiB < 1 {
		return nil, fmt.Errorf("invalid create request: name %q, size %d GiB", req.Name, req.SizeGiB)
	}
	if err := d.checkPlacement(ctx, req.Pool, req.Provisioning, req.SizeGiB); err != nil {
		return nil, err
	}

	handle := backend.ReservedVolumePrefix + uuid.New().String()
	resp, err := d.adapter.Invoke(ctx, &transport.Request{
		Op: d.ops.CreateVolume,
		Params: map[string]string{
			"handle":       handle,
			"name":         req.Name,
			"size":         strconv.FormatInt(req.SizeGiB, 10),
			"pool":         req.Pool,
			"provisioning": string(req.Provisioning),
		},
	})
	if err != nil {
		return nil, err
	}
	log.DebugLog(ctx, "created volume %s (%d GiB, %s) in pool %s",
		handle, req.SizeGiB, req.Provisioning, req.Pool)

	return d.volumeFromResponse(resp)
}

// DeleteVolume returns success for handles that are already gone, a retried
// delete after a lost response must not fail.
func (d *ArrayDriver) DeleteVolume(ctx context.Context, handle string) error {
	if err := d.opLock.GetDeleteLock(handle); err != nil {
		return util.JoinErrors(backend.ErrOperationPending, err)
	}
	defer d.opLock.ReleaseDeleteLock(handle)

	_, err := d.adapter.Invoke(ctx, &transport.Request{
		Op:     d.ops.DeleteVolume,
		Params: map[string]string{"handle": handle},
	})
	if errors.Is(err, transport.ErrNotFound) {
		log.DebugLog(ctx, "volume %s already absent, delete treated as success", handle)

		return nil
	}

	return err
}

func (d *ArrayDriver) ExtendVolume(ctx context.Context, handle string, newSizeGiB int64) error {
	if err := d.opLock.GetExpandLock(handle); err != nil {
		return util.JoinErrors(backend.ErrOperationPending, err)
	}
	defer d.opLock.ReleaseExpandLock(handle)

	vol, err := d.GetVolume(ctx, handle)
	if err != nil {
		return err
	}

	if newSizeGiB <= vol.SizeGiB {
		return util.JoinErrors(backend.ErrInvalidSizeTransition,
			fmt.Errorf("volume %s is %d GiB, cannot extend to %d GiB",
				handle, vol.SizeGiB, newSizeGiB))
	}

	caps := d.desc.Capabilities
	if caps.SnapshotBlocksExtend && vol.SnapshotCount > 0 {
		return util.JoinErrors(backend.ErrExtendBlocked,
			fmt.Errorf("volume %s has %d snapshots and the array refuses to extend snapshotted volumes",
				handle, vol.SnapshotCount))
	}
	if caps.ResyncBlocksExtend && vol.Status == backend.StatusResyncing {
		return util.JoinErrors(backend.ErrExtendBlocked,
			fmt.Errorf("volume %s is resynchronizing, extend is blocked until the resync completes", handle))
	}

	_, err = d.adapter.Invoke(ctx, &transport.Request{
		Op: d.ops.ExtendVolume,
		Params: map[string]string{
			"handle": handle,
			"size":   strconv.FormatInt(newSizeGiB, 10),
		},
	})

	return err
}

// AttachVolume is idempotent per (handle, connector) pair: when the array
// already exports the volume to this connector, the existing connection is
// returned unchanged.
func (d *ArrayDriver) AttachVolume(
	ctx context.Context,
	handle string,
	conn backend.Connector,
) (*backend.ConnectionInfo, error) {
	vol, err := d.GetVolume(ctx, handle)
	if err != nil {
		return nil, err
	}
	if info, ok := vol.Attachments[conn.Key()]; ok {
		log.DebugLog(ctx, "volume %s already attached to %s, returning existing connection",
			handle, conn.Host)

		return info, nil
	}
	if len(vol.Attachments) > 0 && !d.desc.Capabilities.Multiattach {
		return nil, util.JoinErrors(backend.ErrUnsupportedOperation,
			fmt.Errorf("volume %s is already attached and backend %s does not support multiattach",
				handle, d.desc.Name))
	}

	resp, err := d.adapter.Invoke(ctx, &transport.Request{
		Op: d.ops.AttachVolume,
		Params: map[string]string{
			"handle":    handle,
			"connector": conn.Key(),
			"protocol":  conn.Protocol,
			"host":      conn.Host,
			"iqn":       conn.IQN,
			"wwns":      strings.Join(conn.WWNs, ","),
		},
	})
	if err != nil {
		return nil, err
	}

	return connectionFromFields(resp.Fields)
}

// DetachVolume returns success when the attachment is already gone.
func (d *ArrayDriver) DetachVolume(ctx context.Context, handle string, conn backend.Connector) error {
	_, err := d.adapter.Invoke(ctx, &transport.Request{
		Op: d.ops.DetachVolume,
		Params: map[string]string{
			"handle":    handle,
			"connector": conn.Key(),
		},
	})
	if errors.Is(err, transport.ErrNotFound) {
		return nil
	}

	return err
}

func (d *ArrayDriver) CreateSnapshot(ctx context.Context, handle string) (*backend.Snapshot, error) {
	if err := d.opLock.GetSnapshotCreateLock(handle); err != nil {
		return nil, util.JoinErrors(backend.ErrOperationPending, err)
	}
	defer d.opLock.ReleaseSnapshotCreateLock(handle)

	snapHandle := backend.ReservedSnapshotPrefix + uuid.New().String()
	resp, err := d.adapter.Invoke(ctx, &transport.Request{
		Op: d.ops.CreateSnapshot,
		Params: map[string]string{
			"handle": handle,
			"snap":   snapHandle,
		},
	})
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			return nil, util.JoinErrors(backend.ErrVolumeNotFound, err)
		}

		return nil, err
	}

	snap, err := snapshotFromFields(resp.Fields)
	if err != nil {
		return nil, err
	}
	snap.Backend = d.desc.Name

	return snap, nil
}

// DeleteSnapshot returns success for snapshots that are already gone.
func (d *ArrayDriver) DeleteSnapshot(ctx context.Context, snapHandle string) error {
	_, err := d.adapter.Invoke(ctx, &transport.Request{
		Op:     d.ops.DeleteSnapshot,
		Params: map[string]string{"snap": snapHandle},
	})
	if errors.Is(err, transport.ErrNotFound) {
		return nil
	}

	return err
}

func (d *ArrayDriver) CreateVolumeFromSnapshot(
	ctx context.Context,
	snapHandle string,
	req backend.CreateVolumeRequest,
) (*backend.Volume, error) {
	snap, err := d.getSnapshot(ctx, snapHandle)
	if err != nil {
		return nil, err
	}
	// the parent volume must stay alive while the array copies out of its
	// snapshot
	if err := d.opLock.GetRestoreLock(snap.ParentHandle); err != nil {
		return nil, util.JoinErrors(backend.ErrOperationPending, err)
	}
	defer d.opLock.ReleaseRestoreLock(snap.ParentHandle)

	if req.SizeGiB < snap.SizeGiB {
		return nil, util.JoinErrors(backend.ErrInvalidSizeTransition,
			fmt.Errorf("snapshot %s is %d GiB, cannot restore into a %d GiB volume",
				snapHandle, snap.SizeGiB, req.SizeGiB))
	}
	if err := d.checkPlacement(ctx, req.Pool, req.Provisioning, req.SizeGiB); err != nil {
		return nil, err
	}

	handle := backend.ReservedVolumePrefix + uuid.New().String()
	resp, err := d.adapter.Invoke(ctx, &transport.Request{
		Op: d.ops.CreateFromSnapshot,
		Params: map[string]string{
			"snap":         snapHandle,
			"handle":       handle,
			"name":         req.Name,
			"size":         strconv.FormatInt(req.SizeGiB, 10),
			"pool":         req.Pool,
			"provisioning": string(req.Provisioning),
		},
	})
	if err != nil {
		return nil, err
	}

	return d.volumeFromResponse(resp)
}

func (d *ArrayDriver) CloneVolume(
	ctx context.Context,
	handle string,
	req backend.CreateVolumeRequest,
) (*backend.Volume, error) {
	if err := d.opLock.GetCloneLock(handle); err != nil {
		return nil, util.JoinErrors(backend.ErrOperationPending, err)
	}
	defer d.opLock.ReleaseCloneLock(handle)

	src, err := d.GetVolume(ctx, handle)
	if err != nil {
		return nil, err
	}
	if req.SizeGiB < src.SizeGiB {
		return nil, util.JoinErrors(backend.ErrInvalidSizeTransition,
			fmt.Errorf("source volume %s is %d GiB, cannot clone into a %d GiB volume",
				handle, src.SizeGiB, req.SizeGiB))
	}
	if err := d.checkPlacement(ctx, req.Pool, req.Provisioning, req.SizeGiB); err != nil {
		return nil, err
	}

	cloneHandle := backend.ReservedVolumePrefix + uuid.New().String()
	resp, err := d.adapter.Invoke(ctx, &transport.Request{
		Op: d.ops.CloneVolume,
		Params: map[string]string{
			"source":       handle,
			"handle":       cloneHandle,
			"name":         req.Name,
			"size":         strconv.FormatInt(req.SizeGiB, 10),
			"pool":         req.Pool,
			"provisioning": string(req.Provisioning),
		},
	})
	if err != nil {
		return nil, err
	}

	return d.volumeFromResponse(resp)
}

func (d *ArrayDriver) RetypeVolume(
	ctx context.Context,
	handle string,
	newType backend.ProvisioningType,
	policy backend.MigrationPolicy,
) error {
	if err := d.opLock.GetRetypeLock(handle); err != nil {
		return util.JoinErrors(backend.ErrOperationPending, err)
	}
	defer d.opLock.ReleaseRetypeLock(handle)

	vol, err := d.GetVolume(ctx, handle)
	if err != nil {
		return err
	}
	if vol.Provisioning == newType {
		return nil
	}

	caps := d.desc.Capabilities
	if !caps.SupportsProvisioning(newType) {
		return util.JoinErrors(backend.ErrUnsupportedProvisioning,
			fmt.Errorf("backend %s does not support %s volumes", d.desc.Name, newType))
	}

	if caps.CanRetypeInPlace(vol.Provisioning, newType) {
		_, err = d.adapter.Invoke(ctx, &transport.Request{
			Op: d.ops.RetypeVolume,
			Params: map[string]string{
				"handle":       handle,
				"provisioning": string(newType),
			},
		})

		return err
	}

	if policy == backend.MigrateNever {
		return util.JoinErrors(backend.ErrRetypeRequiresMigration,
			fmt.Errorf("%s -> %s is not an in-place transition on backend %s and migration is disallowed",
				vol.Provisioning, newType, d.desc.Name))
	}
	if !caps.StorageAssistedMigration {
		return util.JoinErrors(backend.ErrRetypeRequiresMigration,
			fmt.Errorf("%s -> %s needs a migration and backend %s cannot migrate volumes itself",
				vol.Provisioning, newType, d.desc.Name))
	}

	log.UsefulLog(ctx, "retype of %s (%s -> %s) falls back to storage assisted migration",
		handle, vol.Provisioning, newType)
	_, err = d.adapter.Invoke(ctx, &transport.Request{
		Op: d.ops.MigrateVolume,
		Params: map[string]string{
			"handle":       handle,
			"provisioning": string(newType),
		},
	})

	return err
}

// ManageExisting adopts an array object created outside this system by
// renaming it onto the reserved namespace. The data on the object is left
// untouched.
func (d *ArrayDriver) ManageExisting(
	ctx context.Context,
	externalID string,
	req backend.ManageRequest,
) (*backend.Volume, error) {
	if strings.HasPrefix(externalID, backend.ReservedVolumePrefix) {
		return nil, util.JoinErrors(backend.ErrAlreadyManaged,
			fmt.Errorf("object %q already carries the reserved prefix", externalID))
	}
	if !d.desc.Capabilities.SupportsProvisioning(req.Provisioning) {
		return nil, util.JoinErrors(backend.ErrUnsupportedProvisioning,
			fmt.Errorf("backend %s does not support %s volumes", d.desc.Name, req.Provisioning))
	}

	handle := backend.ReservedVolumePrefix + uuid.New().String()
	resp, err := d.adapter.Invoke(ctx, &transport.Request{
		Op: d.ops.RenameVolume,
		Params: map[string]string{
			"handle": externalID,
			"name":   handle,
		},
	})
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			return nil, util.JoinErrors(backend.ErrVolumeNotFound,
				fmt.Errorf("object %q does not exist on backend %s: %w", externalID, d.desc.Name, err))
		}

		return nil, err
	}
	log.UsefulLog(ctx, "adopted existing object %q as %s on backend %s", externalID, handle, d.desc.Name)

	vol, err := d.volumeFromResponse(resp)
	if err != nil {
		return nil, err
	}
	vol.Handle = handle
	vol.Provisioning = req.Provisioning

	return vol, nil
}

// Unmanage renames the volume out of the reserved namespace and forgets it.
// The array object and its data stay behind for whoever takes it over.
func (d *ArrayDriver) Unmanage(ctx context.Context, handle string) error {
	released := "unmanaged-" + strings.TrimPrefix(handle, backend.ReservedVolumePrefix)
	_, err := d.adapter.Invoke(ctx, &transport.Request{
		Op: d.ops.RenameVolume,
		Params: map[string]string{
			"handle": handle,
			"name":   released,
		},
	})
	if errors.Is(err, transport.ErrNotFound) {
		return util.JoinErrors(backend.ErrVolumeNotFound, err)
	}
	if err == nil {
		log.UsefulLog(ctx, "released volume %s as %q on backend %s", handle, released, d.desc.Name)
	}

	return err
}

func (d *ArrayDriver) GetVolume(ctx context.Context, handle string) (*backend.Volume, error) {
	resp, err := d.adapter.Invoke(ctx, &transport.Request{
		Op:     d.ops.GetVolume,
		Params: map[string]string{"handle": handle},
	})
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			return nil, util.JoinErrors(backend.ErrVolumeNotFound,
				fmt.Errorf("volume %s not found on backend %s: %w", handle, d.desc.Name, err))
		}

		return nil, err
	}

	return d.volumeFromResponse(resp)
}

// ListManageable reports the array objects in a pool that ManageExisting
// could adopt. Objects already carrying the managed prefix and objects with
// host mappings are listed but flagged unsafe.
func (d *ArrayDriver) ListManageable(ctx context.Context, pool string) ([]backend.ManageableVolume, error) {
	if !d.desc.HasPool(pool) {
		return nil, fmt.Errorf("backend %s has no pool %q", d.desc.Name, pool)
	}

	resp, err := d.adapter.Invoke(ctx, &transport.Request{
		Op:     d.ops.ListVolumes,
		Params: map[string]string{"pool": pool},
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]backend.ManageableVolume, 0, len(resp.Records))
	for _, record := range resp.Records {
		handle := record["handle"]
		if handle == "" {
			continue
		}
		size, err := fieldInt64(record, "sizeGiB")
		if err != nil {
			return nil, err
		}

		mv := backend.ManageableVolume{
			ExternalID:   handle,
			SizeGiB:      size,
			Pool:         pool,
			SafeToManage: true,
		}
		switch {
		case strings.HasPrefix(handle, backend.ReservedVolumePrefix):
			mv.SafeToManage = false
			mv.ReasonNotSafe = "already managed"
		case backend.VolumeStatus(record["status"]) == backend.StatusInUse:
			mv.SafeToManage = false
			mv.ReasonNotSafe = "mapped to a host"
		}
		candidates = append(candidates, mv)
	}

	return candidates, nil
}

func (d *ArrayDriver) GetCapacity(ctx context.Context, pool string) (*backend.PoolCapacity, error) {
	if !d.desc.HasPool(pool) {
		return nil, fmt.Errorf("backend %s has no pool %q", d.desc.Name, pool)
	}

	resp, err := d.adapter.Invoke(ctx, &transport.Request{
		Op:     d.ops.GetCapacity,
		Params: map[string]string{"pool": pool},
	})
	if err != nil {
		return nil, err
	}

	total, err := fieldInt64(resp.Fields, "totalGiB")
	if err != nil {
		return nil, err
	}
	free, err := fieldInt64(resp.Fields, "freeGiB")
	if err != nil {
		return nil, err
	}

	return &backend.PoolCapacity{Pool: pool, TotalGiB: total, FreeGiB: free}, nil
}

func (d *ArrayDriver) Ping(ctx context.Context) error {
	return d.adapter.Ping(ctx)
}

func (d *ArrayDriver) Capabilities() backend.Capabilities {
	return d.desc.Capabilities
}

func (d *ArrayDriver) BackendName() string {
	return d.desc.Name
}

func (d *ArrayDriver) Close() {
	d.adapter.Close()
}

// checkPlacement validates pool, provisioning support and free capacity
// before any object is created. The capacity check is best effort, the
// array may still refuse, but it catches the common case without creating
// garbage.
func (d *ArrayDriver) checkPlacement(
	ctx context.Context,
	pool string,
	provisioning backend.ProvisioningType,
	sizeGiB int64,
) error {
	if !d.desc.Capabilities.SupportsProvisioning(provisioning) {
		return util.JoinErrors(backend.ErrUnsupportedProvisioning,
			fmt.Errorf("backend %s does not support %s volumes", d.desc.Name, provisioning))
	}

	capacity, err := d.GetCapacity(ctx, pool)
	if err != nil {
		return err
	}
	if capacity.FreeGiB < sizeGiB {
		return util.JoinErrors(backend.ErrCapacityExhausted,
			fmt.Errorf("pool %s on backend %s has %d GiB free, %d GiB requested",
				pool, d.desc.Name, capacity.FreeGiB, sizeGiB))
	}

	return nil
}

func (d *ArrayDriver) getSnapshot(ctx context.Context, snapHandle string) (*backend.Snapshot, error) {
	resp, err := d.adapter.Invoke(ctx, &transport.Request{
		Op:     d.ops.GetSnapshot,
		Params: map[string]string{"snap": snapHandle},
	})
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			return nil, util.JoinErrors(backend.ErrSnapshotNotFound,
				fmt.Errorf("snapshot %s not found on backend %s: %w", snapHandle, d.desc.Name, err))
		}

		return nil, err
	}

	snap, err := snapshotFromFields(resp.Fields)
	if err != nil {
		return nil, err
	}
	snap.Backend = d.desc.Name

	return snap, nil
}

// volumeFromResponse builds a Volume from the scalar fields of a volume
// response. Attachment entries, when present, come back as one record per
// export.
func (d *ArrayDriver) volumeFromResponse(resp *transport.Response) (*backend.Volume, error) {
	size, err := fieldInt64(resp.Fields, "sizeGiB")
	if err != nil {
		return nil, err
	}
	snapCount := int64(0)
	if _, ok := resp.Fields["snapshotCount"]; ok {
		snapCount, err = fieldInt64(resp.Fields, "snapshotCount")
		if err != nil {
			return nil, err
		}
	}

	vol := &backend.Volume{
		Handle:               resp.Fields["handle"],
		Name:                 resp.Fields["name"],
		SizeGiB:              size,
		Provisioning:         backend.ProvisioningType(resp.Fields["provisioning"]),
		Backend:              d.desc.Name,
		Pool:                 resp.Fields["pool"],
		Status:               backend.VolumeStatus(resp.Fields["status"]),
		ReplicationSessionID: resp.Fields["replicationSession"],
		SnapshotCount:        int(snapCount),
		Attachments:          map[string]*backend.ConnectionInfo{},
	}
	if vol.Handle == "" {
		return nil, fmt.Errorf("malformed volume response from backend %s: no handle", d.desc.Name)
	}

	for _, record := range resp.Records {
		key := record["connector"]
		if key == "" {
			continue
		}
		info, err := connectionFromFields(record)
		if err != nil {
			return nil, err
		}
		vol.Attachments[key] = info
	}

	return vol, nil
}

func snapshotFromFields(fields map[string]string) (*backend.Snapshot, error) {
	size, err := fieldInt64(fields, "sizeGiB")
	if err != nil {
		return nil, err
	}

	createdAt := time.Now().UTC()
	if ts := fields["createdAt"]; ts != "" {
		createdAt, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("malformed snapshot timestamp %q: %w", ts, err)
		}
	}

	return &backend.Snapshot{
		Handle:       fields["snap"],
		ParentHandle: fields["handle"],
		SizeGiB:      size,
		CreatedAt:    createdAt,
		Status:       backend.VolumeStatus(fields["status"]),
	}, nil
}

func connectionFromFields(fields map[string]string) (*backend.ConnectionInfo, error) {
	lun := int64(0)
	if _, ok := fields["lun"]; ok {
		var err error
		lun, err = fieldInt64(fields, "lun")
		if err != nil {
			return nil, err
		}
	}

	info := &backend.ConnectionInfo{
		Protocol:  fields["protocol"],
		TargetIQN: fields["targetIQN"],
		LUN:       int(lun),
		Multipath: fields["multipath"] == "true",
	}
	if portals := fields["targetPortals"]; portals != "" {
		info.TargetPortals = strings.Split(portals, ",")
	}
	if wwns := fields["targetWWNs"]; wwns != "" {
		info.TargetWWNs = strings.Split(wwns, ",")
	}

	return info, nil
}

func fieldInt64(fields map[string]string, key string) (int64, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("array response is missing field %q", key)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("array response field %q is not a number: %w", key, err)
	}

	return v, nil
}
