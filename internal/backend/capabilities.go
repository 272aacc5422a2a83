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

// ReplicationMode is the mirroring mode of a replication session.
type ReplicationMode string

const (
	ReplicationSync  ReplicationMode = "synchronous"
	ReplicationAsync ReplicationMode = "asynchronous"
	// ReplicationMetro is synchronous dual-active mirroring. Metro sessions
	// have no failover, both sides are always active.
	ReplicationMetro ReplicationMode = "metro"
)

// RetypePair names a provisioning type transition the array can apply in
// place, without moving data.
type RetypePair struct {
	From ProvisioningType `json:"from"`
	To   ProvisioningType `json:"to"`
}

// Capabilities is the static declaration of the optional features one
// backend supports. The dispatcher checks it once per request, before any
// vendor round-trip, so unsupported requests fail fast and are never
// retried.
type Capabilities struct {
	Thin          bool `json:"thin"`
	Thick         bool `json:"thick"`
	Compression   bool `json:"compression"`
	Deduplication bool `json:"deduplication"`

	QoS               bool `json:"qos"`
	Multiattach       bool `json:"multiattach"`
	ConsistencyGroups bool `json:"consistencyGroups"`

	Replication      bool              `json:"replication"`
	ReplicationModes []ReplicationMode `json:"replicationModes,omitempty"`

	// SnapshotBlocksExtend is set for vendors that refuse to extend a
	// volume with active snapshots.
	SnapshotBlocksExtend bool `json:"snapshotBlocksExtend"`
	// ResyncBlocksExtend is set for vendors that refuse to extend a volume
	// while its replication session is resynchronizing.
	ResyncBlocksExtend bool `json:"resyncBlocksExtend"`

	// InPlaceRetype lists the provisioning transitions the array applies
	// without a migration.
	InPlaceRetype []RetypePair `json:"inPlaceRetype,omitempty"`
	// StorageAssistedMigration is set when the array itself can move a
	// volume between pools or provisioning types.
	StorageAssistedMigration bool `json:"storageAssistedMigration"`
}

// SupportsProvisioning reports whether the backend can create volumes of the
// given provisioning type.
func (c Capabilities) SupportsProvisioning(t ProvisioningType) bool {
	switch t {
	case ProvisioningThin:
		return c.Thin
	case ProvisioningThick:
		return c.Thick
	case ProvisioningCompressed:
		return c.Compression
	case ProvisioningDeduplicated:
		return c.Deduplication
	default:
		return false
	}
}

// SupportsReplicationMode reports whether the backend supports mirroring in
// the given mode.
func (c Capabilities) SupportsReplicationMode(m ReplicationMode) bool {
	if !c.Replication {
		return false
	}
	for _, mode := range c.ReplicationModes {
		if mode == m {
			return true
		}
	}

	return false
}

// CanRetypeInPlace reports whether the given provisioning transition can be
// applied without migrating the volume.
func (c Capabilities) CanRetypeInPlace(from, to ProvisioningType) bool {
	for _, p := range c.InPlaceRetype {
		if p.From == from && p.To == to {
			return true
		}
	}

	return false
}
