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
	"testing"
)

func TestIDLocker(t *testing.T) {
	t.Parallel()
	fakeID := "vpx-vol-fake"
	locks := NewVolumeLocks()
	// acquire lock for the handle
	ok := locks.TryAcquire(fakeID)

	if !ok {
		t.Errorf("TryAcquire failed: want (%v), got (%v)",
			true, ok)
	}

	// try to acquire lock again for the handle, as lock is already present
	// it should fail
	ok = locks.TryAcquire(fakeID)

	if ok {
		t.Errorf("TryAcquire failed: want (%v), got (%v)",
			false, ok)
	}

	// release the lock for the handle and try to get lock again, it should pass
	locks.Release(fakeID)
	ok = locks.TryAcquire(fakeID)

	if !ok {
		t.Errorf("TryAcquire failed: want (%v), got (%v)",
			true, ok)
	}
}

func TestOperationLockConflicts(t *testing.T) {
	t.Parallel()
	handle := "vpx-vol-0001"

	t.Run("delete blocks expand", func(t *testing.T) {
		t.Parallel()
		ol := NewOperationLock()
		if err := ol.GetDeleteLock(handle); err != nil {
			t.Fatalf("failed to acquire delete lock: %v", err)
		}
		if err := ol.GetExpandLock(handle); err == nil {
			t.Error("expand lock acquired while delete in flight")
		}
		ol.ReleaseDeleteLock(handle)
		if err := ol.GetExpandLock(handle); err != nil {
			t.Errorf("failed to acquire expand lock after release: %v", err)
		}
	})

	t.Run("retype blocks delete and snapshot", func(t *testing.T) {
		t.Parallel()
		ol := NewOperationLock()
		if err := ol.GetRetypeLock(handle); err != nil {
			t.Fatalf("failed to acquire retype lock: %v", err)
		}
		if err := ol.GetDeleteLock(handle); err == nil {
			t.Error("delete lock acquired while retype in flight")
		}
		if err := ol.GetSnapshotCreateLock(handle); err == nil {
			t.Error("snapshot lock acquired while retype in flight")
		}
		ol.ReleaseRetypeLock(handle)
		if err := ol.GetDeleteLock(handle); err != nil {
			t.Errorf("failed to acquire delete lock after release: %v", err)
		}
	})

	t.Run("parallel snapshots allowed", func(t *testing.T) {
		t.Parallel()
		ol := NewOperationLock()
		if err := ol.GetSnapshotCreateLock(handle); err != nil {
			t.Fatalf("failed to acquire snapshot lock: %v", err)
		}
		if err := ol.GetSnapshotCreateLock(handle); err != nil {
			t.Errorf("second snapshot lock refused: %v", err)
		}
		ol.ReleaseSnapshotCreateLock(handle)
		// one snapshot still in flight, expand must stay blocked
		if err := ol.GetExpandLock(handle); err == nil {
			t.Error("expand lock acquired while snapshot in flight")
		}
		ol.ReleaseSnapshotCreateLock(handle)
		if err := ol.GetExpandLock(handle); err != nil {
			t.Errorf("failed to acquire expand lock after release: %v", err)
		}
	})
}
