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

import (
	"sort"
	"strings"
	"time"
)

const (
	// ReservedVolumePrefix is the naming prefix carried by every array
	// object this system created or manages. ManageExisting refuses
	// objects that already carry it.
	ReservedVolumePrefix = "vpx-vol-"

	// ReservedSnapshotPrefix is the naming prefix for managed snapshots.
	ReservedSnapshotPrefix = "vpx-snap-"
)

// ProvisioningType selects how the array backs a volume.
type ProvisioningType string

const (
	ProvisioningThin         ProvisioningType = "thin"
	ProvisioningThick        ProvisioningType = "thick"
	ProvisioningCompressed   ProvisioningType = "compressed"
	ProvisioningDeduplicated ProvisioningType = "deduplicated"
)

// VolumeStatus tracks the lifecycle state of a volume on its array.
type VolumeStatus string

const (
	StatusCreating  VolumeStatus = "creating"
	StatusAvailable VolumeStatus = "available"
	StatusInUse     VolumeStatus = "in-use"
	StatusDeleting  VolumeStatus = "deleting"
	StatusExtending VolumeStatus = "extending"
	StatusRetyping  VolumeStatus = "retyping"
	StatusResyncing VolumeStatus = "resyncing"
	StatusError     VolumeStatus = "error"
)

// MigrationPolicy controls whether a retype is allowed to trigger a
// storage-assisted migration.
type MigrationPolicy string

const (
	// MigrateOnDemand allows the retype to fall back to an array executed
	// migration when the new provisioning type cannot be applied in place.
	MigrateOnDemand MigrationPolicy = "on-demand"
	// MigrateNever requires the retype to complete in place.
	MigrateNever MigrationPolicy = "never"
)

// Volume is one logical unit of block storage on a single backend.
type Volume struct {
	// Handle is the opaque identifier of the volume, unique per backend.
	Handle string
	// Name is the caller supplied display name.
	Name string
	// SizeGiB is the provisioned size. Whole GiB only, most vendors do not
	// accept fractional sizes.
	SizeGiB      int64
	Provisioning ProvisioningType
	Backend      string
	Pool         string
	Status       VolumeStatus
	// ReplicationSessionID references the replication session the volume is
	// enrolled in, empty when not replicated. The session owns failover
	// state, the volume only points at it.
	ReplicationSessionID string
	// SnapshotCount is the number of snapshots currently held by the array
	// for this volume.
	SnapshotCount int
	// Attachments maps a connector key to the connection the array handed
	// out, kept so a repeated attach returns the same ConnectionInfo.
	Attachments map[string]*ConnectionInfo
}

// Snapshot is a point-in-time capture of a volume.
type Snapshot struct {
	Handle       string
	ParentHandle string
	Backend      string
	SizeGiB      int64
	CreatedAt    time.Time
	Status       VolumeStatus
}

// Connector identifies the initiator side of an attachment. The fields are
// transport specific: IQN for iSCSI, WWNs for FC.
type Connector struct {
	Protocol string   `json:"protocol"` // "iscsi" or "fc"
	Host     string   `json:"host"`
	IQN      string   `json:"iqn,omitempty"`
	WWNs     []string `json:"wwns,omitempty"`
}

// Key returns a stable identity for the connector so that attach can be
// idempotent per (handle, connector) pair.
func (c Connector) Key() string {
	wwns := make([]string, len(c.WWNs))
	copy(wwns, c.WWNs)
	sort.Strings(wwns)

	return strings.Join([]string{c.Protocol, c.Host, c.IQN, strings.Join(wwns, "|")}, "/")
}

// ConnectionInfo is what the array hands back on attach, the initiator uses
// it to reach the exported volume.
type ConnectionInfo struct {
	Protocol      string   `json:"protocol"`
	TargetPortals []string `json:"targetPortals,omitempty"`
	TargetIQN     string   `json:"targetIQN,omitempty"`
	TargetWWNs    []string `json:"targetWWNs,omitempty"`
	LUN           int      `json:"lun"`
	Multipath     bool     `json:"multipath"`
}

// PoolCapacity is the capacity report of one allocation pool.
type PoolCapacity struct {
	Pool     string
	TotalGiB int64
	FreeGiB  int64
}

// CreateVolumeRequest carries the caller supplied parameters of a volume
// create, restore or clone.
type CreateVolumeRequest struct {
	Name         string
	SizeGiB      int64
	Provisioning ProvisioningType
	Pool         string
}

// ManageRequest carries the parameters to adopt an existing array object.
type ManageRequest struct {
	Pool         string
	Provisioning ProvisioningType
}

// ManageableVolume describes a pre-existing array object that ManageExisting
// could adopt.
type ManageableVolume struct {
	ExternalID   string
	SizeGiB      int64
	Pool         string
	SafeToManage bool
	// ReasonNotSafe explains a false SafeToManage.
	ReasonNotSafe string
}
