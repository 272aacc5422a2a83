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

package util

import (
	"fmt"
	"sync"

	"github.com/volmux/volmux/internal/util/log"

	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	// VolumeOperationAlreadyExistsFmt string format to return for concurrent operation.
	VolumeOperationAlreadyExistsFmt = "an operation with the given volume handle %s already exists"

	// SnapshotOperationAlreadyExistsFmt string format to return for concurrent operation.
	SnapshotOperationAlreadyExistsFmt = "an operation with the given snapshot handle %s already exists"
)

// VolumeLocks implements a map with atomic operations. It stores a set of all
// volume handles with an ongoing operation. Vendor transports do not generally
// guarantee serializability, so the dispatcher acquires one of these before
// every call that mutates a volume.
type VolumeLocks struct {
	locks sets.Set[string]
	mux   sync.Mutex
}

// NewVolumeLocks returns new VolumeLocks.
func NewVolumeLocks() *VolumeLocks {
	return &VolumeLocks{
		locks: sets.New[string](),
	}
}

// TryAcquire tries to acquire the lock for operating on volumeID and returns true if successful.
// If another operation is already using volumeID, returns false.
func (vl *VolumeLocks) TryAcquire(volumeID string) bool {
	vl.mux.Lock()
	defer vl.mux.Unlock()
	if vl.locks.Has(volumeID) {
		return false
	}
	vl.locks.Insert(volumeID)

	return true
}

// Release deletes the lock on volumeID.
func (vl *VolumeLocks) Release(volumeID string) {
	vl.mux.Lock()
	defer vl.mux.Unlock()
	vl.locks.Delete(volumeID)
}

type operation string

const (
	createOp  operation = "create"
	deleteOp  operation = "delete"
	cloneOp   operation = "clone"
	restoreOp operation = "restore"
	expandOp  operation = "expand"
	retypeOp  operation = "retype"
)

// OperationLock implements a map with atomic operations.
type OperationLock struct {
	// locks is a map of maps, the inner key is the volume handle and its
	// counter, the outer map key is the operation type.
	//
	// example map[restore][xxx-xxx-xxx-xxx]1
	// The counter value is increased for allowed parallel operations and
	// decreased when the operation completes. When the counter reaches
	// zero the handle is removed from the operation map.
	locks map[operation]map[string]int
	// lock to avoid concurrent operation on map
	mux sync.Mutex
}

// NewOperationLock returns new OperationLock.
func NewOperationLock() *OperationLock {
	lock := make(map[operation]map[string]int)
	lock[createOp] = make(map[string]int)
	lock[deleteOp] = make(map[string]int)
	lock[cloneOp] = make(map[string]int)
	lock[restoreOp] = make(map[string]int)
	lock[expandOp] = make(map[string]int)
	lock[retypeOp] = make(map[string]int)

	return &OperationLock{
		locks: lock,
	}
}

// tryAcquire tries to acquire the lock for operating on volumeID and returns
// an error when the requested operation conflicts with one in flight.
func (ol *OperationLock) tryAcquire(op operation, volumeID string) error {
	ol.mux.Lock()
	defer ol.mux.Unlock()
	switch op {
	case createOp:
		// snapshot creation needs a stable source volume, the source must
		// not be mid-expand or mid-retype when the array takes the
		// point-in-time copy.
		if _, ok := ol.locks[expandOp][volumeID]; ok {
			return fmt.Errorf("an Expand operation with given id %s already exists", volumeID)
		}
		if _, ok := ol.locks[retypeOp][volumeID]; ok {
			return fmt.Errorf("a Retype operation with given id %s already exists", volumeID)
		}
		val := ol.locks[createOp][volumeID]
		ol.locks[createOp][volumeID] = val + 1
	case cloneOp:
		// check any expand operation is going on for given volume ID.
		if _, ok := ol.locks[expandOp][volumeID]; ok {
			return fmt.Errorf("an Expand operation with given id %s already exists", volumeID)
		}
		val := ol.locks[cloneOp][volumeID]
		ol.locks[cloneOp][volumeID] = val + 1
	case deleteOp:
		// During delete operation the volume should not be under expand,
		// restore or retype.
		if _, ok := ol.locks[expandOp][volumeID]; ok {
			return fmt.Errorf("an Expand operation with given id %s already exists", volumeID)
		}
		if _, ok := ol.locks[restoreOp][volumeID]; ok {
			return fmt.Errorf("a Restore operation with given id %s already exists", volumeID)
		}
		if _, ok := ol.locks[retypeOp][volumeID]; ok {
			return fmt.Errorf("a Retype operation with given id %s already exists", volumeID)
		}
		ol.locks[deleteOp][volumeID] = 1
	case restoreOp:
		// During restore operation the volume should not be deleted
		if _, ok := ol.locks[deleteOp][volumeID]; ok {
			return fmt.Errorf("a Delete operation with given id %s already exists", volumeID)
		}
		val := ol.locks[restoreOp][volumeID]
		ol.locks[restoreOp][volumeID] = val + 1
	case expandOp:
		// During expand operation the volume should not be deleted, cloned,
		// snapshotted or retyped.
		if _, ok := ol.locks[deleteOp][volumeID]; ok {
			return fmt.Errorf("a Delete operation with given id %s already exists", volumeID)
		}
		if _, ok := ol.locks[cloneOp][volumeID]; ok {
			return fmt.Errorf("a Clone operation with given id %s already exists", volumeID)
		}
		if _, ok := ol.locks[createOp][volumeID]; ok {
			return fmt.Errorf("a Create operation with given id %s already exists", volumeID)
		}
		if _, ok := ol.locks[retypeOp][volumeID]; ok {
			return fmt.Errorf("a Retype operation with given id %s already exists", volumeID)
		}

		ol.locks[expandOp][volumeID] = 1
	case retypeOp:
		// retype may trigger a storage-assisted migration, nothing else may
		// touch the volume until it completes.
		if _, ok := ol.locks[deleteOp][volumeID]; ok {
			return fmt.Errorf("a Delete operation with given id %s already exists", volumeID)
		}
		if _, ok := ol.locks[expandOp][volumeID]; ok {
			return fmt.Errorf("an Expand operation with given id %s already exists", volumeID)
		}
		if _, ok := ol.locks[createOp][volumeID]; ok {
			return fmt.Errorf("a Create operation with given id %s already exists", volumeID)
		}

		ol.locks[retypeOp][volumeID] = 1
	default:
		return fmt.Errorf("%v operation not supported", op)
	}

	return nil
}

// GetSnapshotCreateLock gets the snapshot lock on given volumeID.
func (ol *OperationLock) GetSnapshotCreateLock(volumeID string) error {
	return ol.tryAcquire(createOp, volumeID)
}

// GetCloneLock gets the clone lock on given volumeID.
func (ol *OperationLock) GetCloneLock(volumeID string) error {
	return ol.tryAcquire(cloneOp, volumeID)
}

// GetDeleteLock gets the delete lock on given volumeID, ensures that there is
// no clone, restore, expand or retype operation on the given volumeID.
func (ol *OperationLock) GetDeleteLock(volumeID string) error {
	return ol.tryAcquire(deleteOp, volumeID)
}

// GetRestoreLock gets the restore lock on given volumeID, ensures that there is
// no delete operation on the given volumeID.
func (ol *OperationLock) GetRestoreLock(volumeID string) error {
	return ol.tryAcquire(restoreOp, volumeID)
}

// GetExpandLock gets the expand lock on given volumeID, ensures that there is
// no delete, clone or retype operation on the given volumeID.
func (ol *OperationLock) GetExpandLock(volumeID string) error {
	return ol.tryAcquire(expandOp, volumeID)
}

// GetRetypeLock gets the retype lock on given volumeID, ensures that there is
// no delete, expand or snapshot operation on the given volumeID.
func (ol *OperationLock) GetRetypeLock(volumeID string) error {
	return ol.tryAcquire(retypeOp, volumeID)
}

// ReleaseSnapshotCreateLock releases the create lock on given volumeID.
func (ol *OperationLock) ReleaseSnapshotCreateLock(volumeID string) {
	ol.release(createOp, volumeID)
}

// ReleaseCloneLock releases the clone lock on given volumeID.
func (ol *OperationLock) ReleaseCloneLock(volumeID string) {
	ol.release(cloneOp, volumeID)
}

// ReleaseDeleteLock releases the delete lock on given volumeID.
func (ol *OperationLock) ReleaseDeleteLock(volumeID string) {
	ol.release(deleteOp, volumeID)
}

// ReleaseRestoreLock releases the restore lock on given volumeID.
func (ol *OperationLock) ReleaseRestoreLock(volumeID string) {
	ol.release(restoreOp, volumeID)
}

// ReleaseExpandLock releases the expand lock on given volumeID.
func (ol *OperationLock) ReleaseExpandLock(volumeID string) {
	ol.release(expandOp, volumeID)
}

// ReleaseRetypeLock releases the retype lock on given volumeID.
func (ol *OperationLock) ReleaseRetypeLock(volumeID string) {
	ol.release(retypeOp, volumeID)
}

// release deletes the lock on volumeID.
func (ol *OperationLock) release(op operation, volumeID string) {
	ol.mux.Lock()
	defer ol.mux.Unlock()
	switch op {
	case cloneOp, createOp, expandOp, restoreOp, deleteOp, retypeOp:
		if val, ok := ol.locks[op][volumeID]; ok {
			// decrement the counter for operation
			ol.locks[op][volumeID] = val - 1
			if ol.locks[op][volumeID] == 0 {
				delete(ol.locks[op], volumeID)
			}
		}
	default:
		log.ErrorLogMsg("%v operation not supported", op)
	}
}
