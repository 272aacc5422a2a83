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

package replication

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volmux/volmux/internal/backend"
)

// fakeDriver only answers the calls the tracker makes, everything else is
// unreachable in these tests.
type fakeDriver struct {
	name    string
	caps    backend.Capabilities
	pingErr error
}

func (f *fakeDriver) CreateVolume(_ context.Context, _ backend.CreateVolumeRequest) (*backend.Volume, error) {
	panic("not used by the tracker")
}

func (f *fakeDriver) DeleteVolume(_ context.Context, _ string) error { panic("not used") }
func (f *fakeDriver) ExtendVolume(_ context.Context, _ string, _ int64) error {
	panic("not used")
}

func (f *fakeDriver) AttachVolume(_ context.Context, _ string, _ backend.Connector) (*backend.ConnectionInfo, error) {
	panic("not used")
}

func (f *fakeDriver) DetachVolume(_ context.Context, _ string, _ backend.Connector) error {
	panic("not used")
}

func (f *fakeDriver) CreateSnapshot(_ context.Context, _ string) (*backend.Snapshot, error) {
	panic("not used")
}

func (f *fakeDriver) DeleteSnapshot(_ context.Context, _ string) error { panic("not used") }
func (f *fakeDriver) CreateVolumeFromSnapshot(_ context.Context, _ string, _ backend.CreateVolumeRequest) (*backend.Volume, error) {
	panic("not used")
}

func (f *fakeDriver) CloneVolume(_ context.Context, _ string, _ backend.CreateVolumeRequest) (*backend.Volume, error) {
	panic("not used")
}

func (f *fakeDriver) RetypeVolume(_ context.Context, _ string, _ backend.ProvisioningType, _ backend.MigrationPolicy) error {
	panic("not used")
}

func (f *fakeDriver) ManageExisting(_ context.Context, _ string, _ backend.ManageRequest) (*backend.Volume, error) {
	panic("not used")
}

func (f *fakeDriver) Unmanage(_ context.Context, _ string) error { panic("not used") }
func (f *fakeDriver) GetVolume(_ context.Context, _ string) (*backend.Volume, error) {
	panic("not used")
}

func (f *fakeDriver) GetCapacity(_ context.Context, _ string) (*backend.PoolCapacity, error) {
	panic("not used")
}

func (f *fakeDriver) Ping(_ context.Context) error { return f.pingErr }

func (f *fakeDriver) Capabilities() backend.Capabilities { return f.caps }

func (f *fakeDriver) BackendName() string { return f.name }

func (f *fakeDriver) Close() {}

type fakeResolver struct {
	drivers map[string]*fakeDriver
}

func (f *fakeResolver) Get(name string) (backend.Driver, error) {
	drv, ok := f.drivers[name]
	if !ok {
		return nil, backend.ErrUnknownBackend
	}

	return drv, nil
}

func replicatingCaps() backend.Capabilities {
	return backend.Capabilities{
		Thin:        true,
		Replication: true,
		ReplicationModes: []backend.ReplicationMode{
			backend.ReplicationAsync,
			backend.ReplicationMetro,
		},
	}
}

func newTestTracker(t *testing.T) (*Tracker, *fakeResolver) {
	t.Helper()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	resolver := &fakeResolver{drivers: map[string]*fakeDriver{
		"array-east-1":  {name: "array-east-1", caps: replicatingCaps()},
		"array-west-1":  {name: "array-west-1", caps: replicatingCaps()},
		"array-south-1": {name: "array-south-1", caps: replicatingCaps()},
	}}

	tracker, err := NewTracker(store, resolver)
	require.NoError(t, err)

	return tracker, resolver
}

func westMirror(mirror string) map[string]string {
	return map[string]string{"array-west-1": mirror}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()
	tracker, _ := newTestTracker(t)

	session, err := tracker.CreateSession(ctx, backend.ReplicationAsync, "array-east-1", []string{"array-west-1"})
	require.NoError(t, err)
	assert.Equal(t, StateUnconfigured, session.State)
	assert.Equal(t, "array-east-1", session.ActiveBackend)

	require.NoError(t, tracker.Enable(ctx, session.ID))
	require.NoError(t, tracker.AddVolume(ctx, session.ID, "vpx-vol-1", westMirror("vpx-vol-1-mirror")))

	require.NoError(t, tracker.Suspend(ctx, session.ID))
	require.NoError(t, tracker.Enable(ctx, session.ID))

	require.NoError(t, tracker.Failover(ctx, session.ID, ""))
	got, err := tracker.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailedOver, got.State)
	assert.Equal(t, "array-west-1", got.ActiveBackend)

	active, enrolled := tracker.ActiveBackendFor("vpx-vol-1")
	require.True(t, enrolled)
	assert.Equal(t, "array-west-1", active, "enrolled volumes must follow the failover")

	require.NoError(t, tracker.Failback(ctx, session.ID))
	active, enrolled = tracker.ActiveBackendFor("vpx-vol-1")
	require.True(t, enrolled)
	assert.Equal(t, "array-east-1", active)
}

func TestFailoverStateMachine(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()
	tracker, _ := newTestTracker(t)

	session, err := tracker.CreateSession(ctx, backend.ReplicationAsync, "array-east-1", []string{"array-west-1"})
	require.NoError(t, err)

	// unconfigured sessions cannot fail over
	err = tracker.Failover(ctx, session.ID, "")
	require.ErrorIs(t, err, backend.ErrReplicationStateConflict)

	require.NoError(t, tracker.Enable(ctx, session.ID))
	require.NoError(t, tracker.Failover(ctx, session.ID, ""))

	// a second failover is a state conflict, not a silent no-op
	err = tracker.Failover(ctx, session.ID, "")
	require.ErrorIs(t, err, backend.ErrReplicationStateConflict)

	// failback only applies to failed over sessions
	require.NoError(t, tracker.Failback(ctx, session.ID))
	err = tracker.Failback(ctx, session.ID)
	require.ErrorIs(t, err, backend.ErrReplicationStateConflict)
}

func TestFailoverFromSuspended(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()
	tracker, _ := newTestTracker(t)

	session, err := tracker.CreateSession(ctx, backend.ReplicationAsync, "array-east-1", []string{"array-west-1"})
	require.NoError(t, err)
	require.NoError(t, tracker.Enable(ctx, session.ID))
	require.NoError(t, tracker.AddVolume(ctx, session.ID, "vpx-vol-1", westMirror("vpx-vol-1-mirror")))
	require.NoError(t, tracker.Suspend(ctx, session.ID))

	// paused mirroring does not strand the session on a dying primary
	require.NoError(t, tracker.Failover(ctx, session.ID, ""))

	got, err := tracker.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailedOver, got.State)
	assert.Equal(t, "array-west-1", got.ActiveBackend)

	active, enrolled := tracker.ActiveBackendFor("vpx-vol-1")
	require.True(t, enrolled)
	assert.Equal(t, "array-west-1", active)
}

func TestFailoverToChosenSecondary(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()
	tracker, _ := newTestTracker(t)

	session, err := tracker.CreateSession(ctx, backend.ReplicationAsync,
		"array-east-1", []string{"array-west-1", "array-south-1"})
	require.NoError(t, err)
	require.NoError(t, tracker.Enable(ctx, session.ID))
	require.NoError(t, tracker.AddVolume(ctx, session.ID, "vpx-vol-1", map[string]string{
		"array-west-1":  "vpx-vol-1-west",
		"array-south-1": "vpx-vol-1-south",
	}))

	// a target outside the session is rejected
	err = tracker.Failover(ctx, session.ID, "array-east-1")
	require.ErrorIs(t, err, backend.ErrReplicationStateConflict)

	require.NoError(t, tracker.Failover(ctx, session.ID, "array-south-1"))

	active, enrolled := tracker.ActiveBackendFor("vpx-vol-1")
	require.True(t, enrolled)
	assert.Equal(t, "array-south-1", active)

	require.NoError(t, tracker.Failback(ctx, session.ID))
	active, _ = tracker.ActiveBackendFor("vpx-vol-1")
	assert.Equal(t, "array-east-1", active)
}

func TestMetroHasNoFailover(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()
	tracker, _ := newTestTracker(t)

	session, err := tracker.CreateSession(ctx, backend.ReplicationMetro, "array-east-1", []string{"array-west-1"})
	require.NoError(t, err)
	require.NoError(t, tracker.Enable(ctx, session.ID))

	err = tracker.Failover(ctx, session.ID, "")
	require.ErrorIs(t, err, backend.ErrReplicationStateConflict)

	got, err := tracker.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEnabled, got.State)
	assert.Equal(t, "array-east-1", got.ActiveBackend)
}

func TestFailoverUnreachableSecondary(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()
	tracker, resolver := newTestTracker(t)

	session, err := tracker.CreateSession(ctx, backend.ReplicationAsync, "array-east-1", []string{"array-west-1"})
	require.NoError(t, err)
	require.NoError(t, tracker.Enable(ctx, session.ID))
	require.NoError(t, tracker.AddVolume(ctx, session.ID, "vpx-vol-1", westMirror("vpx-vol-1-mirror")))

	resolver.drivers["array-west-1"].pingErr = errors.New("connection refused")

	err = tracker.Failover(ctx, session.ID, "")
	require.ErrorIs(t, err, backend.ErrTransport)

	// the session is untouched, no volume may be routed to a dead target
	got, err := tracker.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEnabled, got.State)
	assert.Equal(t, "array-east-1", got.ActiveBackend)

	active, enrolled := tracker.ActiveBackendFor("vpx-vol-1")
	require.True(t, enrolled)
	assert.Equal(t, "array-east-1", active)
}

func TestVolumeEnrollment(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()
	tracker, _ := newTestTracker(t)

	session, err := tracker.CreateSession(ctx, backend.ReplicationAsync, "array-east-1", []string{"array-west-1"})
	require.NoError(t, err)
	other, err := tracker.CreateSession(ctx, backend.ReplicationAsync, "array-east-1", []string{"array-west-1"})
	require.NoError(t, err)

	require.NoError(t, tracker.AddVolume(ctx, session.ID, "vpx-vol-1", westMirror("vpx-vol-1-mirror")))

	// one session per volume
	err = tracker.AddVolume(ctx, other.ID, "vpx-vol-1", westMirror("elsewhere"))
	require.ErrorIs(t, err, backend.ErrReplicationStateConflict)

	// every secondary needs a mirror handle
	err = tracker.AddVolume(ctx, other.ID, "vpx-vol-2", map[string]string{})
	require.ErrorIs(t, err, backend.ErrReplicationStateConflict)

	// mirrors on backends outside the session are rejected
	err = tracker.AddVolume(ctx, other.ID, "vpx-vol-2", map[string]string{
		"array-west-1":  "vpx-vol-2-mirror",
		"array-south-1": "vpx-vol-2-stray",
	})
	require.ErrorIs(t, err, backend.ErrReplicationStateConflict)

	// sessions with members cannot be deleted
	err = tracker.DeleteSession(ctx, session.ID)
	require.ErrorIs(t, err, backend.ErrReplicationStateConflict)

	require.NoError(t, tracker.RemoveVolume(ctx, session.ID, "vpx-vol-1"))
	_, enrolled := tracker.ActiveBackendFor("vpx-vol-1")
	assert.False(t, enrolled)

	require.NoError(t, tracker.DeleteSession(ctx, session.ID))
	_, err = tracker.GetSession(session.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateSessionValidation(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()
	tracker, resolver := newTestTracker(t)

	_, err := tracker.CreateSession(ctx, backend.ReplicationAsync, "array-east-1", []string{"array-east-1"})
	require.ErrorIs(t, err, backend.ErrReplicationStateConflict)

	_, err = tracker.CreateSession(ctx, backend.ReplicationAsync, "array-east-1", nil)
	require.ErrorIs(t, err, backend.ErrReplicationStateConflict)

	_, err = tracker.CreateSession(ctx, backend.ReplicationAsync, "array-east-1",
		[]string{"array-west-1", "array-west-1"})
	require.ErrorIs(t, err, backend.ErrReplicationStateConflict)

	_, err = tracker.CreateSession(ctx, backend.ReplicationAsync, "array-east-1", []string{"no-such-array"})
	require.ErrorIs(t, err, backend.ErrUnknownBackend)

	resolver.drivers["array-west-1"].caps = backend.Capabilities{Thin: true}
	_, err = tracker.CreateSession(ctx, backend.ReplicationSync, "array-east-1", []string{"array-west-1"})
	require.ErrorIs(t, err, backend.ErrUnsupportedOperation)
}

func TestTrackerRestoresPersistedSessions(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()

	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	resolver := &fakeResolver{drivers: map[string]*fakeDriver{
		"array-east-1": {name: "array-east-1", caps: replicatingCaps()},
		"array-west-1": {name: "array-west-1", caps: replicatingCaps()},
	}}

	tracker, err := NewTracker(store, resolver)
	require.NoError(t, err)

	session, err := tracker.CreateSession(ctx, backend.ReplicationAsync, "array-east-1", []string{"array-west-1"})
	require.NoError(t, err)
	require.NoError(t, tracker.Enable(ctx, session.ID))
	require.NoError(t, tracker.AddVolume(ctx, session.ID, "vpx-vol-1", westMirror("vpx-vol-1-mirror")))
	require.NoError(t, tracker.Failover(ctx, session.ID, ""))

	// a restarted process must come back with the failed over routing
	restarted, err := NewTracker(store, resolver)
	require.NoError(t, err)

	got, err := restarted.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailedOver, got.State)

	active, enrolled := restarted.ActiveBackendFor("vpx-vol-1")
	require.True(t, enrolled)
	assert.Equal(t, "array-west-1", active)
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get("missing")
	require.ErrorIs(t, err, ErrSessionNotFound)

	session := &Session{
		ID:            "s-1",
		Mode:          backend.ReplicationAsync,
		Primary:       "array-east-1",
		Secondaries:   []string{"array-west-1"},
		ActiveBackend: "array-east-1",
		State:         StateEnabled,
		Volumes: map[string]map[string]string{
			"vpx-vol-1": {"array-west-1": "vpx-vol-1-mirror"},
		},
	}
	require.NoError(t, store.Save(session))

	got, err := store.Get("s-1")
	require.NoError(t, err)
	assert.Equal(t, session.Volumes, got.Volumes)
	assert.Equal(t, StateEnabled, got.State)

	listed, err := store.List()
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, store.Delete("s-1"))
	// deleting twice is fine
	require.NoError(t, store.Delete("s-1"))

	listed, err = store.List()
	require.NoError(t, err)
	assert.Empty(t, listed)
}
